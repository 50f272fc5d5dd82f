package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acamarata/cutroom/internal/orcherr"
	"github.com/acamarata/cutroom/pkg/registry"
	"github.com/acamarata/cutroom/pkg/stagecontract"
)

// MemoryStore is a sync.Mutex-guarded in-memory Port implementation.
// It backs the scheduler's unit tests and any caller that doesn't need
// durability across restarts — the in-process fake that stands in for
// PostgresStore the same way stream_gateway's admission tests take a
// fake SessionProvider instead of a real database.
type MemoryStore struct {
	mu sync.Mutex

	pipelines map[string]*stagecontract.Pipeline
	stages    map[string]*stagecontract.Stage
	// stageIndex maps pipelineID -> stage name -> stage id.
	stageIndex map[string]map[registry.StageName]string
	// attrIndex maps pipelineID -> stage name -> attribution id,
	// enforcing the uniqueness constraint on (pipeline_id, stage_name).
	attrIndex   map[string]map[registry.StageName]string
	attributions map[string]*stagecontract.Attribution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines:    make(map[string]*stagecontract.Pipeline),
		stages:       make(map[string]*stagecontract.Stage),
		stageIndex:   make(map[string]map[registry.StageName]string),
		attrIndex:    make(map[string]map[registry.StageName]string),
		attributions: make(map[string]*stagecontract.Attribution),
	}
}

func (m *MemoryStore) CreatePipelineWithStages(_ context.Context, topic, description string, stageNames []registry.StageName) (*stagecontract.Pipeline, []stagecontract.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	p := &stagecontract.Pipeline{
		ID:           uuid.NewString(),
		Topic:        topic,
		Description:  description,
		Status:       stagecontract.PipelineDraft,
		CurrentStage: registry.First(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.pipelines[p.ID] = p
	m.stageIndex[p.ID] = make(map[registry.StageName]string)

	stages := make([]stagecontract.Stage, 0, len(stageNames))
	for _, name := range stageNames {
		s := &stagecontract.Stage{
			ID:         uuid.NewString(),
			PipelineID: p.ID,
			Name:       name,
			Status:     stagecontract.StagePending,
			CreatedAt:  now,
		}
		m.stages[s.ID] = s
		m.stageIndex[p.ID][name] = s.ID
		stages = append(stages, *s)
	}

	pCopy := *p
	return &pCopy, stages, nil
}

func (m *MemoryStore) FindPipeline(_ context.Context, id string) (*stagecontract.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("pipeline %q not found", id))
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) FindStage(_ context.Context, pipelineID string, name registry.StageName) (*stagecontract.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stageID, ok := m.stageIndex[pipelineID][name]
	if !ok {
		return nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("stage %s for pipeline %q not found", name, pipelineID))
	}
	s := m.stages[stageID]
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) FindStageByID(_ context.Context, stageID string) (*stagecontract.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stages[stageID]
	if !ok {
		return nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("stage %q not found", stageID))
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListRunningPipelinesWithStages(_ context.Context) ([]PipelineStages, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PipelineStages
	for _, p := range m.pipelines {
		if p.Status != stagecontract.PipelineRunning {
			continue
		}
		stages := m.orderedStagesLocked(p.ID)
		out = append(out, PipelineStages{Pipeline: *p, Stages: stages})
	}
	// Deterministic order: oldest pipeline first, matching ready_set's
	// downstream sort requirement.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pipeline.CreatedAt.Equal(out[j].Pipeline.CreatedAt) {
			return out[i].Pipeline.ID < out[j].Pipeline.ID
		}
		return out[i].Pipeline.CreatedAt.Before(out[j].Pipeline.CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListPipelines(_ context.Context, status stagecontract.PipelineStatus, limit int) ([]stagecontract.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []stagecontract.Pipeline
	for _, p := range m.pipelines {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CompareAndUpdateStage(_ context.Context, stageID string, expected []stagecontract.StageStatus, newStatus stagecontract.StageStatus, fields StageFields) (*stagecontract.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stages[stageID]
	if !ok {
		return nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("stage %q not found", stageID))
	}
	if !statusIn(s.Status, expected) {
		return nil, stagePreconditionError(stageID, s.Status)
	}

	s.Status = newStatus
	applyStageFields(s, fields)

	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CompleteStage(_ context.Context, stageID string, expected []stagecontract.StageStatus, output json.RawMessage, artifacts []string, attribution stagecontract.Attribution, nextStage registry.StageName, isTerminal bool) (*stagecontract.Stage, *stagecontract.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stages[stageID]
	if !ok {
		return nil, nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("stage %q not found", stageID))
	}
	if !statusIn(s.Status, expected) {
		return nil, nil, stagePreconditionError(stageID, s.Status)
	}

	now := time.Now().UTC()
	s.Status = stagecontract.StageComplete
	s.Output = output
	s.Artifacts = artifacts
	s.CompletedAt = &now

	// Append attribution, idempotent on (pipeline_id, stage_name).
	if m.attrIndex[s.PipelineID] == nil {
		m.attrIndex[s.PipelineID] = make(map[registry.StageName]string)
	}
	if _, exists := m.attrIndex[s.PipelineID][s.Name]; !exists {
		attribution.ID = uuid.NewString()
		attribution.CreatedAt = now
		m.attributions[attribution.ID] = &attribution
		m.attrIndex[s.PipelineID][s.Name] = attribution.ID
	}

	p, ok := m.pipelines[s.PipelineID]
	if !ok {
		return nil, nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("pipeline %q not found", s.PipelineID))
	}
	if p.Status == stagecontract.PipelineRunning {
		p.UpdatedAt = now
		if isTerminal {
			p.Status = stagecontract.PipelineComplete
		} else {
			p.CurrentStage = nextStage
		}
	}

	sCopy, pCopy := *s, *p
	return &sCopy, &pCopy, nil
}

func (m *MemoryStore) FailStage(_ context.Context, stageID string, expected []stagecontract.StageStatus, errMsg string) (*stagecontract.Stage, *stagecontract.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stages[stageID]
	if !ok {
		return nil, nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("stage %q not found", stageID))
	}
	if !statusIn(s.Status, expected) {
		return nil, nil, stagePreconditionError(stageID, s.Status)
	}

	now := time.Now().UTC()
	s.Status = stagecontract.StageFailed
	s.Error = errMsg
	s.CompletedAt = &now

	p, ok := m.pipelines[s.PipelineID]
	if !ok {
		return nil, nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("pipeline %q not found", s.PipelineID))
	}
	if p.Status == stagecontract.PipelineRunning {
		p.Status = stagecontract.PipelineFailed
		p.UpdatedAt = now
	}

	sCopy, pCopy := *s, *p
	return &sCopy, &pCopy, nil
}

func (m *MemoryStore) UpdatePipeline(_ context.Context, id string, fields PipelineFields) (*stagecontract.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipelines[id]
	if !ok {
		return nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("pipeline %q not found", id))
	}
	if fields.Status != nil {
		p.Status = *fields.Status
	}
	if fields.CurrentStage != nil {
		p.CurrentStage = *fields.CurrentStage
	}
	p.UpdatedAt = time.Now().UTC()

	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListAttributions(_ context.Context, pipelineID string) ([]stagecontract.Attribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []stagecontract.Attribution
	for _, a := range m.attributions {
		if a.PipelineID == pipelineID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) orderedStagesLocked(pipelineID string) []stagecontract.Stage {
	names := m.stageIndex[pipelineID]
	out := make([]stagecontract.Stage, 0, len(names))
	for _, name := range registry.Stages() {
		if id, ok := names[name]; ok {
			out = append(out, *m.stages[id])
		}
	}
	return out
}

// stagePreconditionError distinguishes, per spec section 4.3's "any
// transition attempt from a terminal state fails with INVALID_STATE":
// a stage already in a terminal status (COMPLETE/FAILED/SKIPPED) is
// immutable, so re-attempting a transition on it is a caller error
// (INVALID_STATE), while a mismatch against a non-terminal status
// (e.g. still PENDING, or CLAIMED by someone else) is a benign lost
// race (PRECONDITION_FAILED).
func stagePreconditionError(stageID string, actual stagecontract.StageStatus) error {
	if actual.Terminal() {
		return orcherr.New(orcherr.InvalidState, fmt.Sprintf("stage %q is %s, a terminal state", stageID, actual))
	}
	return orcherr.New(orcherr.PreconditionFailed, fmt.Sprintf("stage %q is %s, expected a different status", stageID, actual))
}

func statusIn(status stagecontract.StageStatus, set []stagecontract.StageStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func applyStageFields(s *stagecontract.Stage, f StageFields) {
	if f.AgentID != nil {
		s.AgentID = *f.AgentID
	}
	if f.AgentName != nil {
		s.AgentName = *f.AgentName
	}
	if f.Output != nil {
		s.Output = f.Output
	}
	if f.Artifacts != nil {
		s.Artifacts = f.Artifacts
	}
	if f.Error != nil {
		s.Error = *f.Error
	}
	if f.ClaimedAt != nil {
		s.ClaimedAt = f.ClaimedAt
	}
	if f.StartedAt != nil {
		s.StartedAt = f.StartedAt
	}
	if f.CompletedAt != nil {
		s.CompletedAt = f.CompletedAt
	}
}
