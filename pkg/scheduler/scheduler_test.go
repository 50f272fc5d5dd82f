package scheduler

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/acamarata/cutroom/internal/orcherr"
	"github.com/acamarata/cutroom/internal/store"
	"github.com/acamarata/cutroom/pkg/attribution"
	"github.com/acamarata/cutroom/pkg/registry"
	"github.com/acamarata/cutroom/pkg/stagecontract"
)

func newTestScheduler() *Scheduler {
	return New(store.NewMemoryStore())
}

func startedPipeline(t *testing.T, s *Scheduler, topic string) *stagecontract.Pipeline {
	t.Helper()
	ctx := context.Background()
	p, err := s.CreatePipeline(ctx, topic, "")
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	p, err = s.StartPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("StartPipeline: %v", err)
	}
	return p
}

func completeStage(t *testing.T, s *Scheduler, pipelineID string, name registry.StageName, agentID string) {
	t.Helper()
	ctx := context.Background()
	stage, err := s.ClaimStage(ctx, pipelineID, name, agentID, agentID)
	if err != nil {
		t.Fatalf("ClaimStage(%s): %v", name, err)
	}
	if _, err := s.StartStage(ctx, stage.ID); err != nil {
		t.Fatalf("StartStage(%s): %v", name, err)
	}
	if _, _, err := s.CompleteStage(ctx, stage.ID, []byte(`{}`), nil); err != nil {
		t.Fatalf("CompleteStage(%s): %v", name, err)
	}
}

// S1 — happy path completes and attributes correctly.
func TestS1_HappyPathAttribution(t *testing.T) {
	s := newTestScheduler()
	p := startedPipeline(t, s, "Why cats purr")

	completeStage(t, s, p.ID, registry.Research, "A1")
	completeStage(t, s, p.ID, registry.Script, "A1")
	completeStage(t, s, p.ID, registry.Voice, "A1")
	completeStage(t, s, p.ID, registry.Music, "A2")
	completeStage(t, s, p.ID, registry.Visual, "A2")
	completeStage(t, s, p.ID, registry.Editor, "A1")
	completeStage(t, s, p.ID, registry.Publish, "A2")

	final, _, err := s.GetPipeline(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetPipeline: %v", err)
	}
	if final.Status != stagecontract.PipelineComplete {
		t.Fatalf("pipeline status = %s, want COMPLETE", final.Status)
	}

	attrs, err := s.ListAttributions(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ListAttributions: %v", err)
	}
	if len(attrs) != 7 {
		t.Fatalf("attribution count = %d, want 7", len(attrs))
	}

	shares := attribution.Distribute(big.NewInt(1_000_000), attrs)
	if got := shares["A1"].Int64(); got != 700000 {
		t.Fatalf("A1 share = %d, want 700000", got)
	}
	if got := shares["A2"].Int64(); got != 300000 {
		t.Fatalf("A2 share = %d, want 300000", got)
	}
}

// S2 — race on claim: exactly one of two concurrent claimers wins.
func TestS2_ConcurrentClaimRace(t *testing.T) {
	s := newTestScheduler()
	p := startedPipeline(t, s, "Race topic")

	var wg sync.WaitGroup
	results := make([]error, 2)
	agents := []string{"W1", "W2"}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ClaimStage(context.Background(), p.ID, registry.Research, agents[i], agents[i])
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes, failures := 0, 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if orcherr.Is(err, orcherr.PreconditionFailed) {
			failures++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("successes=%d failures=%d, want exactly one of each", successes, failures)
	}

	stage, err := s.store.FindStage(context.Background(), p.ID, registry.Research)
	if err != nil {
		t.Fatalf("FindStage: %v", err)
	}
	if stage.Status != stagecontract.StageClaimed {
		t.Fatalf("stage status = %s, want CLAIMED", stage.Status)
	}
	if stage.AgentID != "W1" && stage.AgentID != "W2" {
		t.Fatalf("unexpected owning agent %q", stage.AgentID)
	}
}

// S3 — out-of-order claim is rejected until the predecessor completes.
func TestS3_OutOfOrderClaimRejected(t *testing.T) {
	s := newTestScheduler()
	p := startedPipeline(t, s, "Out of order")
	ctx := context.Background()

	_, err := s.ClaimStage(ctx, p.ID, registry.Script, "A1", "A1")
	if !orcherr.Is(err, orcherr.PreconditionFailed) {
		t.Fatalf("expected PRECONDITION_FAILED claiming SCRIPT early, got %v", err)
	}

	completeStage(t, s, p.ID, registry.Research, "A1")

	stage, err := s.ClaimStage(ctx, p.ID, registry.Script, "A1", "A1")
	if err != nil {
		t.Fatalf("ClaimStage(SCRIPT) after RESEARCH complete: %v", err)
	}
	if stage.Status != stagecontract.StageClaimed {
		t.Fatalf("stage status = %s, want CLAIMED", stage.Status)
	}
}

// S4 — a failed stage stops pipeline progression.
func TestS4_FailureStopsProgression(t *testing.T) {
	s := newTestScheduler()
	p := startedPipeline(t, s, "Failure topic")
	ctx := context.Background()

	completeStage(t, s, p.ID, registry.Research, "A1")

	scriptStage, err := s.ClaimStage(ctx, p.ID, registry.Script, "A1", "A1")
	if err != nil {
		t.Fatalf("ClaimStage(SCRIPT): %v", err)
	}
	if _, _, err := s.FailStage(ctx, scriptStage.ID, "llm_timeout"); err != nil {
		t.Fatalf("FailStage: %v", err)
	}

	_, err = s.ClaimStage(ctx, p.ID, registry.Voice, "A2", "A2")
	if !orcherr.Is(err, orcherr.PreconditionFailed) {
		t.Fatalf("expected PRECONDITION_FAILED claiming VOICE on failed pipeline, got %v", err)
	}

	pipeline, stages, err := s.GetPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPipeline: %v", err)
	}
	if pipeline.Status != stagecontract.PipelineFailed {
		t.Fatalf("pipeline status = %s, want FAILED", pipeline.Status)
	}
	for _, st := range stages {
		if st.Name == registry.Script {
			if st.Error != "llm_timeout" {
				t.Fatalf("SCRIPT error = %q, want llm_timeout", st.Error)
			}
		}
	}
}

// S5 — ready set ordering: earlier stage order first, then pipeline
// creation time, tie-broken by pipeline id.
func TestS5_ReadySetOrdering(t *testing.T) {
	s := newTestScheduler()
	ctx := context.Background()

	p1 := startedPipeline(t, s, "P1")
	p2 := startedPipeline(t, s, "P2")
	p3 := startedPipeline(t, s, "P3")

	// P1 advances to VOICE pending.
	completeStage(t, s, p1.ID, registry.Research, "A1")
	completeStage(t, s, p1.ID, registry.Script, "A1")

	ready, err := s.ReadySet(ctx, "")
	if err != nil {
		t.Fatalf("ReadySet: %v", err)
	}
	if len(ready) != 3 {
		t.Fatalf("ready set length = %d, want 3", len(ready))
	}

	wantOrder := []struct {
		pipelineID string
		stage      registry.StageName
	}{
		{p2.ID, registry.Research},
		{p3.ID, registry.Research},
		{p1.ID, registry.Voice},
	}
	for i, want := range wantOrder {
		if ready[i].Pipeline.ID != want.pipelineID || ready[i].Stage.Name != want.stage {
			t.Fatalf("ready[%d] = (%s, %s), want (%s, %s)", i, ready[i].Pipeline.ID, ready[i].Stage.Name, want.pipelineID, want.stage)
		}
	}
}

// S6 — bigint distribution with a single fully-attributed agent.
func TestS6_BigIntDistribution(t *testing.T) {
	s := newTestScheduler()
	p := startedPipeline(t, s, "Bigint topic")

	for _, name := range registry.Stages() {
		completeStage(t, s, p.ID, name, "X")
	}

	attrs, err := s.ListAttributions(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ListAttributions: %v", err)
	}

	total, _ := new(big.Int).SetString("1000000000000000000000000", 10)
	shares := attribution.Distribute(total, attrs)
	if shares["X"].Cmp(total) != 0 {
		t.Fatalf("X share = %s, want %s", shares["X"].String(), total.String())
	}
}

// Round-trip / idempotence laws.
func TestClaimStageTwice_SuccessThenPreconditionFailed(t *testing.T) {
	s := newTestScheduler()
	p := startedPipeline(t, s, "Idempotence")
	ctx := context.Background()

	if _, err := s.ClaimStage(ctx, p.ID, registry.Research, "A1", "A1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := s.ClaimStage(ctx, p.ID, registry.Research, "A1", "A1")
	if !orcherr.Is(err, orcherr.PreconditionFailed) {
		t.Fatalf("second claim = %v, want PRECONDITION_FAILED", err)
	}
}

// Completing a stage twice yields success then INVALID_STATE: the
// stage is already in a terminal state (COMPLETE), which is immutable,
// so re-attempting a transition on it is a caller error, not a lost
// race against another writer.
func TestCompleteStageTwice_SuccessThenInvalidState(t *testing.T) {
	s := newTestScheduler()
	p := startedPipeline(t, s, "Double complete")
	ctx := context.Background()

	stage, err := s.ClaimStage(ctx, p.ID, registry.Research, "A1", "A1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.StartStage(ctx, stage.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := s.CompleteStage(ctx, stage.ID, []byte(`{}`), nil); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	_, _, err = s.CompleteStage(ctx, stage.ID, []byte(`{}`), nil)
	if err == nil {
		t.Fatal("second complete succeeded, want an error")
	}
	if !orcherr.Is(err, orcherr.InvalidState) {
		t.Fatalf("second complete = %v, want INVALID_STATE", err)
	}
}

func TestCreatePipeline_RejectsEmptyTopic(t *testing.T) {
	s := newTestScheduler()
	_, err := s.CreatePipeline(context.Background(), "", "")
	if !orcherr.Is(err, orcherr.InvalidInput) {
		t.Fatalf("err = %v, want INVALID_INPUT", err)
	}
}

func TestClaimStage_NonexistentPipeline(t *testing.T) {
	s := newTestScheduler()
	_, err := s.ClaimStage(context.Background(), "missing", registry.Research, "A1", "A1")
	if !orcherr.Is(err, orcherr.NotFound) {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}
