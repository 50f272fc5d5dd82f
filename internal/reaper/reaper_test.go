package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/acamarata/cutroom/internal/store"
	"github.com/acamarata/cutroom/pkg/registry"
	"github.com/acamarata/cutroom/pkg/scheduler"
	"github.com/acamarata/cutroom/pkg/stagecontract"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestSweep_FailsStaleClaimedStage(t *testing.T) {
	s := store.NewMemoryStore()
	sched := scheduler.New(s)
	ctx := context.Background()

	p, err := sched.CreatePipeline(ctx, "stale claim", "")
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if _, err := sched.StartPipeline(ctx, p.ID); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	stage, err := sched.ClaimStage(ctx, p.ID, registry.Research, "A1", "A1")
	if err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}

	// Back-date claimed_at past the timeout the reaper enforces.
	stale := time.Now().UTC().Add(-time.Hour)
	if _, err := s.CompareAndUpdateStage(ctx, stage.ID,
		[]stagecontract.StageStatus{stagecontract.StageClaimed}, stagecontract.StageClaimed,
		store.StageFields{ClaimedAt: &stale}); err != nil {
		t.Fatalf("back-dating claimed_at: %v", err)
	}

	r, err := New(s, testLogger(), "", time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n, err := r.SweepNow(ctx)
	if err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}

	got, err := s.FindStage(ctx, p.ID, registry.Research)
	if err != nil {
		t.Fatalf("FindStage: %v", err)
	}
	if got.Status != stagecontract.StageFailed {
		t.Fatalf("stage status = %s, want FAILED", got.Status)
	}

	pipeline, err := s.FindPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("FindPipeline: %v", err)
	}
	if pipeline.Status != stagecontract.PipelineFailed {
		t.Fatalf("pipeline status = %s, want FAILED", pipeline.Status)
	}
}

func TestSweep_LeavesFreshClaimUntouched(t *testing.T) {
	s := store.NewMemoryStore()
	sched := scheduler.New(s)
	ctx := context.Background()

	p, err := sched.CreatePipeline(ctx, "fresh claim", "")
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if _, err := sched.StartPipeline(ctx, p.ID); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	if _, err := sched.ClaimStage(ctx, p.ID, registry.Research, "A1", "A1"); err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}

	r, err := New(s, testLogger(), "", time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n, err := r.SweepNow(ctx)
	if err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	if n != 0 {
		t.Fatalf("reaped = %d, want 0", n)
	}

	got, err := s.FindStage(ctx, p.ID, registry.Research)
	if err != nil {
		t.Fatalf("FindStage: %v", err)
	}
	if got.Status != stagecontract.StageClaimed {
		t.Fatalf("stage status = %s, want CLAIMED", got.Status)
	}
}

func TestSweep_LeavesPendingAndCompleteUntouched(t *testing.T) {
	s := store.NewMemoryStore()
	sched := scheduler.New(s)
	ctx := context.Background()

	p, err := sched.CreatePipeline(ctx, "mixed", "")
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if _, err := sched.StartPipeline(ctx, p.ID); err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}

	stage, err := sched.ClaimStage(ctx, p.ID, registry.Research, "A1", "A1")
	if err != nil {
		t.Fatalf("ClaimStage: %v", err)
	}
	if _, err := sched.StartStage(ctx, stage.ID); err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	if _, _, err := sched.CompleteStage(ctx, stage.ID, []byte(`{}`), nil); err != nil {
		t.Fatalf("CompleteStage: %v", err)
	}

	r, err := New(s, testLogger(), "", time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// SCRIPT is now PENDING (predecessor complete); it has no claimed_at
	// or started_at, so even a tiny timeout must not touch it.
	n, err := r.SweepNow(ctx)
	if err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	if n != 0 {
		t.Fatalf("reaped = %d, want 0", n)
	}

	got, err := s.FindStage(ctx, p.ID, registry.Script)
	if err != nil {
		t.Fatalf("FindStage: %v", err)
	}
	if got.Status != stagecontract.StagePending {
		t.Fatalf("SCRIPT status = %s, want PENDING", got.Status)
	}
}

func TestNew_RejectsInvalidSchedule(t *testing.T) {
	s := store.NewMemoryStore()
	if _, err := New(s, testLogger(), "not a cron expression", time.Minute); err == nil {
		t.Fatal("expected error for invalid cron schedule")
	}
}
