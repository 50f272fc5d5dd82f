// Package store defines the Persistent Store Port — the abstract
// operations the scheduler and attribution engine depend on — and
// ships two implementations: a Postgres-backed store for production
// (internal/store/postgres.go, following the database/sql + lib/pq
// wiring of discovery_service/library_service's main.go) and an
// in-memory store for tests and for callers who don't need durability
// (internal/store/memory.go).
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/acamarata/cutroom/pkg/registry"
	"github.com/acamarata/cutroom/pkg/stagecontract"
)

// StageFields is the set of mutable stage columns a conditional update
// may set. Zero-value fields are left untouched except where the
// pointer is explicitly provided — callers fill in only what changed.
type StageFields struct {
	AgentID     *string
	AgentName   *string
	Output      json.RawMessage
	Artifacts   []string
	Error       *string
	ClaimedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// PipelineFields is the set of mutable pipeline columns UpdatePipeline
// may set.
type PipelineFields struct {
	Status       *stagecontract.PipelineStatus
	CurrentStage *registry.StageName
}

// PipelineStages pairs a pipeline with its full, ordered stage list.
type PipelineStages struct {
	Pipeline stagecontract.Pipeline
	Stages   []stagecontract.Stage
}

// Port is the Persistent Store Port from spec §4.5. Every method is
// expected to be safe for concurrent use; CompareAndUpdateStage and
// CompleteStage must be atomic with respect to concurrent callers —
// typically a single UPDATE ... WHERE ... RETURNING for the former and
// a serializable transaction for the latter.
type Port interface {
	// CreatePipelineWithStages inserts a new pipeline in DRAFT status
	// together with one PENDING stage per entry in stageNames, as a
	// single atomic write.
	CreatePipelineWithStages(ctx context.Context, topic, description string, stageNames []registry.StageName) (*stagecontract.Pipeline, []stagecontract.Stage, error)

	FindPipeline(ctx context.Context, id string) (*stagecontract.Pipeline, error)
	FindStage(ctx context.Context, pipelineID string, name registry.StageName) (*stagecontract.Stage, error)
	FindStageByID(ctx context.Context, stageID string) (*stagecontract.Stage, error)

	// ListRunningPipelinesWithStages returns every RUNNING pipeline
	// together with its full ordered stage list, for ready_set to scan.
	ListRunningPipelinesWithStages(ctx context.Context) ([]PipelineStages, error)

	// ListPipelines returns pipelines ordered by created_at descending,
	// optionally filtered by status, capped at limit (0 means no cap).
	ListPipelines(ctx context.Context, status stagecontract.PipelineStatus, limit int) ([]stagecontract.Pipeline, error)

	// CompareAndUpdateStage atomically transitions a stage from one of
	// expected to newStatus, applying fields in the same write. It
	// returns an *orcherr.Error with code NOT_FOUND if the stage does
	// not exist; if the stage's current status is not one of expected,
	// the code is INVALID_STATE when that status is terminal and
	// PRECONDITION_FAILED otherwise.
	CompareAndUpdateStage(ctx context.Context, stageID string, expected []stagecontract.StageStatus, newStatus stagecontract.StageStatus, fields StageFields) (*stagecontract.Stage, error)

	// CompleteStage performs the composite write behind complete_stage:
	// transition the stage to COMPLETE, append an Attribution record
	// (idempotent on (pipeline_id, stage_name)), and update the
	// pipeline's current_stage or status — all in one atomic unit. The
	// pipeline is transitioned to COMPLETE only if isTerminal is true
	// and the pipeline is currently RUNNING; otherwise current_stage is
	// advanced to nextStage. If the pipeline has already left RUNNING
	// (e.g. FAILED), the pipeline row is left untouched but the stage
	// transition and attribution still succeed.
	CompleteStage(ctx context.Context, stageID string, expected []stagecontract.StageStatus, output json.RawMessage, artifacts []string, attribution stagecontract.Attribution, nextStage registry.StageName, isTerminal bool) (*stagecontract.Stage, *stagecontract.Pipeline, error)

	// FailStage transitions a stage to FAILED and, if the owning
	// pipeline is still RUNNING, transitions the pipeline to FAILED too.
	// No attribution is recorded for a failed stage.
	FailStage(ctx context.Context, stageID string, expected []stagecontract.StageStatus, errMsg string) (*stagecontract.Stage, *stagecontract.Pipeline, error)

	// UpdatePipeline performs an unconditional update of the given
	// fields (status, current_stage), used by start_pipeline.
	UpdatePipeline(ctx context.Context, id string, fields PipelineFields) (*stagecontract.Pipeline, error)

	// ListAttributions returns every attribution recorded for a pipeline.
	ListAttributions(ctx context.Context, pipelineID string) ([]stagecontract.Attribution, error)
}
