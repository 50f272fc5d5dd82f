// Package stagecontract defines the data model shared by the store port,
// the scheduler, and the attribution engine, plus the uniform interface
// every stage handler implements. The handlers themselves — the LLM
// research step, the TTS voice step, the video assembler, and so on —
// live outside this module; this package only defines the shape they
// must conform to.
package stagecontract

import (
	"encoding/json"
	"time"

	"github.com/acamarata/cutroom/pkg/registry"
)

// PipelineStatus is the lifecycle state of a Pipeline.
type PipelineStatus string

const (
	PipelineDraft    PipelineStatus = "DRAFT"
	PipelineRunning  PipelineStatus = "RUNNING"
	PipelineComplete PipelineStatus = "COMPLETE"
	PipelineFailed   PipelineStatus = "FAILED"
)

// StageStatus is the lifecycle state of a single Stage.
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageClaimed   StageStatus = "CLAIMED"
	StageRunning   StageStatus = "RUNNING"
	StageComplete  StageStatus = "COMPLETE"
	StageFailed    StageStatus = "FAILED"
	StageSkipped   StageStatus = "SKIPPED"
)

// Terminal reports whether s admits no further transitions.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageComplete, StageFailed, StageSkipped:
		return true
	default:
		return false
	}
}

// Pipeline is one run instance.
type Pipeline struct {
	ID           string
	Topic        string
	Description  string
	Status       PipelineStatus
	CurrentStage registry.StageName
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Stage is one slot within a pipeline, identified by (PipelineID, Name).
type Stage struct {
	ID          string
	PipelineID  string
	Name        registry.StageName
	Status      StageStatus
	AgentID     string
	AgentName   string
	Output      json.RawMessage
	Artifacts   []string
	Error       string
	ClaimedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Attribution is an immutable fact recorded when a stage completes.
type Attribution struct {
	ID         string
	PipelineID string
	StageID    string
	StageName  registry.StageName
	AgentID    string
	AgentName  string
	Percentage int
	CreatedAt  time.Time
}

// ReadyItem is one entry in the ready set: a RUNNING pipeline paired
// with the earliest PENDING stage it is eligible to have claimed.
type ReadyItem struct {
	Pipeline Pipeline
	Stage    Stage
}
