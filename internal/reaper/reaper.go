// Package reaper runs the optional periodic sweep described in spec
// section 5's "Cancellation and timeouts": a worker that claims a stage
// and disappears leaves it stuck in CLAIMED/RUNNING forever, since the
// orchestrator exposes no cancellation endpoint. The reaper finds such
// stages and fails them, using github.com/robfig/cron/v3 as the timing
// engine the same way tvarr's internal/scheduler drives its own
// recurring maintenance jobs.
package reaper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/acamarata/cutroom/internal/orcherr"
	"github.com/acamarata/cutroom/internal/store"
	"github.com/acamarata/cutroom/pkg/stagecontract"
)

// DefaultSchedule runs the sweep once a minute.
const DefaultSchedule = "0 * * * * *"

// DefaultTimeout is how long a stage may sit in CLAIMED/RUNNING before
// the reaper considers its owning worker gone.
const DefaultTimeout = 15 * time.Minute

// Reaper periodically fails stages that have been claimed or started
// but never completed within Timeout.
type Reaper struct {
	store   store.Port
	log     *logrus.Logger
	timeout time.Duration

	parser cron.Parser
	cron   *cron.Cron
}

// New builds a Reaper backed by s. schedule is a 6-field cron
// expression (seconds first); timeout is the staleness threshold.
func New(s store.Port, log *logrus.Logger, schedule string, timeout time.Duration) (*Reaper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, err
	}

	r := &Reaper{
		store:   s,
		log:     log,
		timeout: timeout,
		parser:  parser,
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
	}

	if _, err := r.cron.AddFunc(schedule, r.sweepOnce); err != nil {
		return nil, err
	}
	return r, nil
}

// Start begins the background cron loop. It returns immediately;
// the sweep itself runs on cron's own goroutine.
func (r *Reaper) Start() {
	r.cron.Start()
}

// Stop halts the loop and waits for any in-flight sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// SweepNow runs one sweep synchronously and returns the number of
// stages it failed. Exposed for tests and for an operator-triggered
// manual sweep; the cron loop calls the same path internally.
func (r *Reaper) SweepNow(ctx context.Context) (int, error) {
	return r.sweep(ctx)
}

func (r *Reaper) sweepOnce() {
	ctx := context.Background()
	n, err := r.sweep(ctx)
	if err != nil {
		r.log.WithError(err).Error("reaper sweep failed")
		return
	}
	if n > 0 {
		r.log.WithField("reaped", n).Info("reaper failed stale stages")
	}
}

func (r *Reaper) sweep(ctx context.Context) (int, error) {
	pipelines, err := r.store.ListRunningPipelinesWithStages(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	reaped := 0
	for _, ps := range pipelines {
		for _, stage := range ps.Stages {
			if !r.stale(stage, now) {
				continue
			}
			_, _, err := r.store.FailStage(ctx, stage.ID,
				[]stagecontract.StageStatus{stagecontract.StageClaimed, stagecontract.StageRunning},
				"reaped: exceeded timeout without completing")
			if err != nil {
				// Another writer raced us to this stage between the list
				// query and this FailStage call. PRECONDITION_FAILED means
				// it moved to a different non-terminal status (reclaimed);
				// INVALID_STATE means it already reached a terminal one
				// (completed or failed first). Both are benign and expected,
				// not a sweep error.
				if orcherr.Is(err, orcherr.PreconditionFailed) || orcherr.Is(err, orcherr.InvalidState) {
					continue
				}
				r.log.WithError(err).WithField("stage_id", stage.ID).Warn("reaper failed to fail stale stage")
				continue
			}
			reaped++
		}
	}
	return reaped, nil
}

func (r *Reaper) stale(stage stagecontract.Stage, now time.Time) bool {
	switch stage.Status {
	case stagecontract.StageClaimed:
		return stage.ClaimedAt != nil && now.Sub(*stage.ClaimedAt) > r.timeout
	case stagecontract.StageRunning:
		return stage.StartedAt != nil && now.Sub(*stage.StartedAt) > r.timeout
	default:
		return false
	}
}
