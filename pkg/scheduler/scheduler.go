// Package scheduler implements the Pipeline Scheduler: the state
// machine that creates pipelines, surfaces the ready set of claimable
// stages, and drives stages through CLAIMED → RUNNING → COMPLETE|FAILED.
// It depends only on the store Port, the stage registry, and the
// attribution engine — no direct SQL, no direct HTTP — the same shape
// admission.Controller takes a SessionProvider/TokenProvider interface
// instead of talking to the database directly.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/acamarata/cutroom/internal/orcherr"
	"github.com/acamarata/cutroom/internal/store"
	"github.com/acamarata/cutroom/pkg/attribution"
	"github.com/acamarata/cutroom/pkg/registry"
	"github.com/acamarata/cutroom/pkg/stagecontract"
)

// Scheduler is the core state machine. It is safe for concurrent use —
// every mutation delegates to the store's atomic operations.
type Scheduler struct {
	store store.Port
}

// New creates a Scheduler backed by the given store.
func New(s store.Port) *Scheduler {
	return &Scheduler{store: s}
}

// CreatePipeline creates a pipeline in DRAFT with one PENDING stage per
// registry stage, current_stage set to the first stage.
func (s *Scheduler) CreatePipeline(ctx context.Context, topic, description string) (*stagecontract.Pipeline, error) {
	if topic == "" {
		return nil, orcherr.New(orcherr.InvalidInput, "topic must not be empty")
	}
	pipeline, _, err := s.store.CreatePipelineWithStages(ctx, topic, description, registry.Stages())
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

// StartPipeline transitions DRAFT → RUNNING.
func (s *Scheduler) StartPipeline(ctx context.Context, pipelineID string) (*stagecontract.Pipeline, error) {
	p, err := s.store.FindPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if p.Status != stagecontract.PipelineDraft {
		return nil, orcherr.New(orcherr.InvalidState, fmt.Sprintf("pipeline %q is %s, expected DRAFT", pipelineID, p.Status))
	}
	status := stagecontract.PipelineRunning
	return s.store.UpdatePipeline(ctx, pipelineID, store.PipelineFields{Status: &status})
}

// ReadyItem is one entry in the ready set.
type ReadyItem = stagecontract.ReadyItem

// ReadySet returns, for every RUNNING pipeline, the earliest PENDING
// stage whose predecessor is COMPLETE or SKIPPED (or has none), ordered
// by stage order ascending, then pipeline creation time ascending, then
// pipeline id for determinism. stageFilter, when non-empty, restricts
// results to that stage name; there is no separate capability filter.
func (s *Scheduler) ReadySet(ctx context.Context, stageFilter registry.StageName) ([]ReadyItem, error) {
	pipelines, err := s.store.ListRunningPipelinesWithStages(ctx)
	if err != nil {
		return nil, err
	}

	var out []ReadyItem
	for _, ps := range pipelines {
		stage, ok := earliestReadyStage(ps.Stages)
		if !ok {
			continue
		}
		if stageFilter != "" && stage.Name != stageFilter {
			continue
		}
		out = append(out, ReadyItem{Pipeline: ps.Pipeline, Stage: stage})
	}

	sortReadySet(out)
	return out, nil
}

func earliestReadyStage(stages []stagecontract.Stage) (stagecontract.Stage, bool) {
	byName := make(map[registry.StageName]stagecontract.Stage, len(stages))
	for _, st := range stages {
		byName[st.Name] = st
	}
	for _, name := range registry.Stages() {
		st, ok := byName[name]
		if !ok || st.Status != stagecontract.StagePending {
			continue
		}
		pred := registry.Predecessor(name)
		if pred == registry.None {
			return st, true
		}
		predStage, ok := byName[pred]
		if !ok {
			continue
		}
		if predStage.Status == stagecontract.StageComplete || predStage.Status == stagecontract.StageSkipped {
			return st, true
		}
		// This pipeline's earliest pending stage isn't ready yet
		// (predecessor not done); no later stage can be ready either,
		// since a stage is only claimed once its predecessor is done.
		return stagecontract.Stage{}, false
	}
	return stagecontract.Stage{}, false
}

func sortReadySet(items []ReadyItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && readyItemLess(items[j], items[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func readyItemLess(a, b ReadyItem) bool {
	oa, ob := registry.Order(a.Stage.Name), registry.Order(b.Stage.Name)
	if oa != ob {
		return oa < ob
	}
	if !a.Pipeline.CreatedAt.Equal(b.Pipeline.CreatedAt) {
		return a.Pipeline.CreatedAt.Before(b.Pipeline.CreatedAt)
	}
	return a.Pipeline.ID < b.Pipeline.ID
}

// ClaimStage performs the exclusive PENDING → CLAIMED transition.
func (s *Scheduler) ClaimStage(ctx context.Context, pipelineID string, stageName registry.StageName, agentID, agentName string) (*stagecontract.Stage, error) {
	p, err := s.store.FindPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	stage, err := s.store.FindStage(ctx, pipelineID, stageName)
	if err != nil {
		return nil, err
	}
	if p.Status != stagecontract.PipelineRunning {
		return nil, orcherr.New(orcherr.PreconditionFailed, fmt.Sprintf("pipeline %q is %s, not RUNNING", pipelineID, p.Status))
	}

	pred := registry.Predecessor(stageName)
	if pred != registry.None {
		predStage, err := s.store.FindStage(ctx, pipelineID, pred)
		if err != nil {
			return nil, err
		}
		if predStage.Status != stagecontract.StageComplete && predStage.Status != stagecontract.StageSkipped {
			return nil, orcherr.New(orcherr.PreconditionFailed, fmt.Sprintf("predecessor stage %s is %s, not COMPLETE/SKIPPED", pred, predStage.Status))
		}
	}

	now := time.Now().UTC()
	return s.store.CompareAndUpdateStage(ctx, stage.ID,
		[]stagecontract.StageStatus{stagecontract.StagePending}, stagecontract.StageClaimed,
		store.StageFields{AgentID: &agentID, AgentName: &agentName, ClaimedAt: &now})
}

// StartStage performs CLAIMED → RUNNING.
func (s *Scheduler) StartStage(ctx context.Context, stageID string) (*stagecontract.Stage, error) {
	now := time.Now().UTC()
	return s.store.CompareAndUpdateStage(ctx, stageID,
		[]stagecontract.StageStatus{stagecontract.StageClaimed}, stagecontract.StageRunning,
		store.StageFields{StartedAt: &now})
}

// CompleteStage transitions {CLAIMED, RUNNING} → COMPLETE, recording
// attribution and advancing the pipeline in the same atomic unit.
func (s *Scheduler) CompleteStage(ctx context.Context, stageID string, output []byte, artifacts []string) (*stagecontract.Stage, *stagecontract.Pipeline, error) {
	stage, err := s.store.FindStageByID(ctx, stageID)
	if err != nil {
		return nil, nil, err
	}

	attr := attribution.New(stage.PipelineID, stage.ID, stage.Name, stage.AgentID, stage.AgentName)
	nextStage := registry.NextStage(stage.Name)
	isTerminal := nextStage == registry.None

	return s.store.CompleteStage(ctx, stageID,
		[]stagecontract.StageStatus{stagecontract.StageClaimed, stagecontract.StageRunning},
		output, artifacts, attr, nextStage, isTerminal)
}

// FailStage transitions {CLAIMED, RUNNING} → FAILED and fails the
// pipeline. No attribution is recorded.
func (s *Scheduler) FailStage(ctx context.Context, stageID string, errMsg string) (*stagecontract.Stage, *stagecontract.Pipeline, error) {
	return s.store.FailStage(ctx, stageID,
		[]stagecontract.StageStatus{stagecontract.StageClaimed, stagecontract.StageRunning}, errMsg)
}

// GetPipeline returns a pipeline and its ordered stages.
func (s *Scheduler) GetPipeline(ctx context.Context, pipelineID string) (*stagecontract.Pipeline, []stagecontract.Stage, error) {
	p, err := s.store.FindPipeline(ctx, pipelineID)
	if err != nil {
		return nil, nil, err
	}
	var stages []stagecontract.Stage
	for _, name := range registry.Stages() {
		st, err := s.store.FindStage(ctx, pipelineID, name)
		if err != nil {
			return nil, nil, err
		}
		stages = append(stages, *st)
	}
	return p, stages, nil
}

// GetStage returns a single stage by its surrogate id, regardless of
// which pipeline it belongs to.
func (s *Scheduler) GetStage(ctx context.Context, stageID string) (*stagecontract.Stage, error) {
	return s.store.FindStageByID(ctx, stageID)
}

// ListPipelines returns pipelines ordered recent-first, optionally
// filtered by status, capped at limit (0 means no cap).
func (s *Scheduler) ListPipelines(ctx context.Context, status stagecontract.PipelineStatus, limit int) ([]stagecontract.Pipeline, error) {
	return s.store.ListPipelines(ctx, status, limit)
}

// ListAttributions returns every attribution recorded for a pipeline.
func (s *Scheduler) ListAttributions(ctx context.Context, pipelineID string) ([]stagecontract.Attribution, error) {
	return s.store.ListAttributions(ctx, pipelineID)
}
