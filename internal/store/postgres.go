package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/acamarata/cutroom/internal/orcherr"
	"github.com/acamarata/cutroom/pkg/registry"
	"github.com/acamarata/cutroom/pkg/stagecontract"
)

// PostgresStore is the production Port implementation, backed by
// database/sql and github.com/lib/pq the way discovery_service and
// library_service talk to Postgres: raw SQL, no ORM, connection pool
// tuned by the caller that opens db.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened, already-pinged *sql.DB.
// Pool tuning (SetMaxOpenConns etc.) is the caller's responsibility,
// same as discovery_service/main.go.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreatePipelineWithStages(ctx context.Context, topic, description string, stageNames []registry.StageName) (*stagecontract.Pipeline, []stagecontract.Stage, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, orcherr.Wrap(orcherr.Internal, "beginning transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	pipeline := stagecontract.Pipeline{
		ID:           uuid.NewString(),
		Topic:        topic,
		Description:  description,
		Status:       stagecontract.PipelineDraft,
		CurrentStage: registry.First(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipelines (id, topic, description, status, current_stage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pipeline.ID, pipeline.Topic, pipeline.Description, pipeline.Status, pipeline.CurrentStage, pipeline.CreatedAt, pipeline.UpdatedAt,
	)
	if err != nil {
		return nil, nil, orcherr.Wrap(orcherr.Internal, "inserting pipeline", err)
	}

	stages := make([]stagecontract.Stage, 0, len(stageNames))
	for _, name := range stageNames {
		stage := stagecontract.Stage{
			ID:         uuid.NewString(),
			PipelineID: pipeline.ID,
			Name:       name,
			Status:     stagecontract.StagePending,
			CreatedAt:  now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stages (id, pipeline_id, name, status, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			stage.ID, stage.PipelineID, stage.Name, stage.Status, stage.CreatedAt,
		)
		if err != nil {
			return nil, nil, orcherr.Wrap(orcherr.Internal, "inserting stage", err)
		}
		stages = append(stages, stage)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, orcherr.Wrap(orcherr.Internal, "committing pipeline creation", err)
	}
	return &pipeline, stages, nil
}

func (p *PostgresStore) FindPipeline(ctx context.Context, id string) (*stagecontract.Pipeline, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, topic, description, status, current_stage, created_at, updated_at
		FROM pipelines WHERE id = $1`, id)
	return scanPipeline(row, id)
}

func (p *PostgresStore) FindStage(ctx context.Context, pipelineID string, name registry.StageName) (*stagecontract.Stage, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, name, status, agent_id, agent_name, output, artifacts, error,
		       claimed_at, started_at, completed_at, created_at
		FROM stages WHERE pipeline_id = $1 AND name = $2`, pipelineID, name)
	return scanStage(row, fmt.Sprintf("%s/%s", pipelineID, name))
}

func (p *PostgresStore) FindStageByID(ctx context.Context, stageID string) (*stagecontract.Stage, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, name, status, agent_id, agent_name, output, artifacts, error,
		       claimed_at, started_at, completed_at, created_at
		FROM stages WHERE id = $1`, stageID)
	return scanStage(row, stageID)
}

func (p *PostgresStore) ListRunningPipelinesWithStages(ctx context.Context) ([]PipelineStages, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, topic, description, status, current_stage, created_at, updated_at
		FROM pipelines WHERE status = $1 ORDER BY created_at ASC, id ASC`, stagecontract.PipelineRunning)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Internal, "listing running pipelines", err)
	}
	defer rows.Close()

	var out []PipelineStages
	var ids []string
	byID := make(map[string]*stagecontract.Pipeline)
	for rows.Next() {
		var pl stagecontract.Pipeline
		if err := rows.Scan(&pl.ID, &pl.Topic, &pl.Description, &pl.Status, &pl.CurrentStage, &pl.CreatedAt, &pl.UpdatedAt); err != nil {
			return nil, orcherr.Wrap(orcherr.Internal, "scanning pipeline row", err)
		}
		ids = append(ids, pl.ID)
		byID[pl.ID] = &pl
	}
	if err := rows.Err(); err != nil {
		return nil, orcherr.Wrap(orcherr.Internal, "iterating pipeline rows", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	stageRows, err := p.db.QueryContext(ctx, `
		SELECT id, pipeline_id, name, status, agent_id, agent_name, output, artifacts, error,
		       claimed_at, started_at, completed_at, created_at
		FROM stages WHERE pipeline_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Internal, "listing stages for running pipelines", err)
	}
	defer stageRows.Close()

	stagesByPipeline := make(map[string][]stagecontract.Stage)
	for stageRows.Next() {
		s, err := scanStageRow(stageRows)
		if err != nil {
			return nil, err
		}
		stagesByPipeline[s.PipelineID] = append(stagesByPipeline[s.PipelineID], *s)
	}
	if err := stageRows.Err(); err != nil {
		return nil, orcherr.Wrap(orcherr.Internal, "iterating stage rows", err)
	}

	for _, id := range ids {
		stages := stagesByPipeline[id]
		sortStagesByRegistryOrder(stages)
		out = append(out, PipelineStages{Pipeline: *byID[id], Stages: stages})
	}
	return out, nil
}

func (p *PostgresStore) ListPipelines(ctx context.Context, status stagecontract.PipelineStatus, limit int) ([]stagecontract.Pipeline, error) {
	query := `SELECT id, topic, description, status, current_stage, created_at, updated_at FROM pipelines`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Internal, "listing pipelines", err)
	}
	defer rows.Close()

	var out []stagecontract.Pipeline
	for rows.Next() {
		var pl stagecontract.Pipeline
		if err := rows.Scan(&pl.ID, &pl.Topic, &pl.Description, &pl.Status, &pl.CurrentStage, &pl.CreatedAt, &pl.UpdatedAt); err != nil {
			return nil, orcherr.Wrap(orcherr.Internal, "scanning pipeline row", err)
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CompareAndUpdateStage(ctx context.Context, stageID string, expected []stagecontract.StageStatus, newStatus stagecontract.StageStatus, fields StageFields) (*stagecontract.Stage, error) {
	setClauses := []string{"status = $1"}
	args := []interface{}{newStatus}
	argN := 2

	addSet := func(col string, val interface{}) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, argN))
		args = append(args, val)
		argN++
	}
	if fields.AgentID != nil {
		addSet("agent_id", *fields.AgentID)
	}
	if fields.AgentName != nil {
		addSet("agent_name", *fields.AgentName)
	}
	if fields.Output != nil {
		addSet("output", []byte(fields.Output))
	}
	if fields.Artifacts != nil {
		addSet("artifacts", pq.Array(fields.Artifacts))
	}
	if fields.Error != nil {
		addSet("error", *fields.Error)
	}
	if fields.ClaimedAt != nil {
		addSet("claimed_at", *fields.ClaimedAt)
	}
	if fields.StartedAt != nil {
		addSet("started_at", *fields.StartedAt)
	}
	if fields.CompletedAt != nil {
		addSet("completed_at", *fields.CompletedAt)
	}

	args = append(args, stageID)
	idArg := argN
	argN++
	args = append(args, statusSliceArg(expected))
	expectedArg := argN

	query := fmt.Sprintf(`
		UPDATE stages SET %s
		WHERE id = $%d AND status = ANY($%d)
		RETURNING id, pipeline_id, name, status, agent_id, agent_name, output, artifacts, error,
		          claimed_at, started_at, completed_at, created_at`,
		strings.Join(setClauses, ", "), idArg, expectedArg,
	)

	row := p.db.QueryRowContext(ctx, query, args...)
	s, err := scanStage(row, stageID)
	if err != nil {
		if orcherr.Is(err, orcherr.NotFound) {
			return nil, stagePreconditionError(ctx, p.db, stageID)
		}
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) CompleteStage(ctx context.Context, stageID string, expected []stagecontract.StageStatus, output json.RawMessage, artifacts []string, attribution stagecontract.Attribution, nextStage registry.StageName, isTerminal bool) (*stagecontract.Stage, *stagecontract.Pipeline, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, orcherr.Wrap(orcherr.Internal, "beginning transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		UPDATE stages SET status = $1, output = $2, artifacts = $3, completed_at = $4
		WHERE id = $5 AND status = ANY($6)
		RETURNING id, pipeline_id, name, status, agent_id, agent_name, output, artifacts, error,
		          claimed_at, started_at, completed_at, created_at`,
		stagecontract.StageComplete, []byte(output), pq.Array(artifacts), now, stageID, statusSliceArg(expected),
	)
	stage, err := scanStage(row, stageID)
	if err != nil {
		if orcherr.Is(err, orcherr.NotFound) {
			return nil, nil, stagePreconditionError(ctx, tx, stageID)
		}
		return nil, nil, err
	}

	attribution.ID = uuid.NewString()
	attribution.CreatedAt = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO attributions (id, pipeline_id, stage_id, stage_name, agent_id, agent_name, percentage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pipeline_id, stage_name) DO NOTHING`,
		attribution.ID, attribution.PipelineID, attribution.StageID, attribution.StageName,
		attribution.AgentID, attribution.AgentName, attribution.Percentage, attribution.CreatedAt,
	)
	if err != nil {
		return nil, nil, orcherr.Wrap(orcherr.Internal, "inserting attribution", err)
	}

	var pipeline stagecontract.Pipeline
	if isTerminal {
		err = tx.QueryRowContext(ctx, `
			UPDATE pipelines SET status = $1, updated_at = $2
			WHERE id = $3 AND status = $4
			RETURNING id, topic, description, status, current_stage, created_at, updated_at`,
			stagecontract.PipelineComplete, now, stage.PipelineID, stagecontract.PipelineRunning,
		).Scan(&pipeline.ID, &pipeline.Topic, &pipeline.Description, &pipeline.Status, &pipeline.CurrentStage, &pipeline.CreatedAt, &pipeline.UpdatedAt)
	} else {
		err = tx.QueryRowContext(ctx, `
			UPDATE pipelines SET current_stage = $1, updated_at = $2
			WHERE id = $3 AND status = $4
			RETURNING id, topic, description, status, current_stage, created_at, updated_at`,
			nextStage, now, stage.PipelineID, stagecontract.PipelineRunning,
		).Scan(&pipeline.ID, &pipeline.Topic, &pipeline.Description, &pipeline.Status, &pipeline.CurrentStage, &pipeline.CreatedAt, &pipeline.UpdatedAt)
	}
	if err == sql.ErrNoRows {
		// Pipeline already left RUNNING (e.g. FAILED). The stage
		// transition and attribution still stand; fetch the pipeline
		// as-is and leave it untouched.
		err = tx.QueryRowContext(ctx, `
			SELECT id, topic, description, status, current_stage, created_at, updated_at
			FROM pipelines WHERE id = $1`, stage.PipelineID,
		).Scan(&pipeline.ID, &pipeline.Topic, &pipeline.Description, &pipeline.Status, &pipeline.CurrentStage, &pipeline.CreatedAt, &pipeline.UpdatedAt)
	}
	if err != nil {
		return nil, nil, orcherr.Wrap(orcherr.Internal, "updating pipeline after stage completion", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, orcherr.Wrap(orcherr.Internal, "committing stage completion", err)
	}
	return stage, &pipeline, nil
}

func (p *PostgresStore) FailStage(ctx context.Context, stageID string, expected []stagecontract.StageStatus, errMsg string) (*stagecontract.Stage, *stagecontract.Pipeline, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, orcherr.Wrap(orcherr.Internal, "beginning transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		UPDATE stages SET status = $1, error = $2, completed_at = $3
		WHERE id = $4 AND status = ANY($5)
		RETURNING id, pipeline_id, name, status, agent_id, agent_name, output, artifacts, error,
		          claimed_at, started_at, completed_at, created_at`,
		stagecontract.StageFailed, errMsg, now, stageID, statusSliceArg(expected),
	)
	stage, err := scanStage(row, stageID)
	if err != nil {
		if orcherr.Is(err, orcherr.NotFound) {
			return nil, nil, stagePreconditionError(ctx, tx, stageID)
		}
		return nil, nil, err
	}

	var pipeline stagecontract.Pipeline
	err = tx.QueryRowContext(ctx, `
		UPDATE pipelines SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
		RETURNING id, topic, description, status, current_stage, created_at, updated_at`,
		stagecontract.PipelineFailed, now, stage.PipelineID, stagecontract.PipelineRunning,
	).Scan(&pipeline.ID, &pipeline.Topic, &pipeline.Description, &pipeline.Status, &pipeline.CurrentStage, &pipeline.CreatedAt, &pipeline.UpdatedAt)
	if err == sql.ErrNoRows {
		err = tx.QueryRowContext(ctx, `
			SELECT id, topic, description, status, current_stage, created_at, updated_at
			FROM pipelines WHERE id = $1`, stage.PipelineID,
		).Scan(&pipeline.ID, &pipeline.Topic, &pipeline.Description, &pipeline.Status, &pipeline.CurrentStage, &pipeline.CreatedAt, &pipeline.UpdatedAt)
	}
	if err != nil {
		return nil, nil, orcherr.Wrap(orcherr.Internal, "updating pipeline after stage failure", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, orcherr.Wrap(orcherr.Internal, "committing stage failure", err)
	}
	return stage, &pipeline, nil
}

func (p *PostgresStore) UpdatePipeline(ctx context.Context, id string, fields PipelineFields) (*stagecontract.Pipeline, error) {
	setClauses := []string{"updated_at = $1"}
	args := []interface{}{time.Now().UTC()}
	argN := 2

	if fields.Status != nil {
		setClauses = append(setClauses, fmt.Sprintf("status = $%d", argN))
		args = append(args, *fields.Status)
		argN++
	}
	if fields.CurrentStage != nil {
		setClauses = append(setClauses, fmt.Sprintf("current_stage = $%d", argN))
		args = append(args, *fields.CurrentStage)
		argN++
	}
	args = append(args, id)

	query := fmt.Sprintf(`
		UPDATE pipelines SET %s WHERE id = $%d
		RETURNING id, topic, description, status, current_stage, created_at, updated_at`,
		strings.Join(setClauses, ", "), argN)

	row := p.db.QueryRowContext(ctx, query, args...)
	return scanPipeline(row, id)
}

func (p *PostgresStore) ListAttributions(ctx context.Context, pipelineID string) ([]stagecontract.Attribution, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, pipeline_id, stage_id, stage_name, agent_id, agent_name, percentage, created_at
		FROM attributions WHERE pipeline_id = $1 ORDER BY created_at ASC`, pipelineID)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Internal, "listing attributions", err)
	}
	defer rows.Close()

	var out []stagecontract.Attribution
	for rows.Next() {
		var a stagecontract.Attribution
		if err := rows.Scan(&a.ID, &a.PipelineID, &a.StageID, &a.StageName, &a.AgentID, &a.AgentName, &a.Percentage, &a.CreatedAt); err != nil {
			return nil, orcherr.Wrap(orcherr.Internal, "scanning attribution row", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ctxQueryer abstracts *sql.DB and *sql.Tx for stagePreconditionError,
// so the check can run against either the bare connection
// (CompareAndUpdateStage) or the enclosing transaction (CompleteStage,
// FailStage) without duplicating the query.
type ctxQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// stagePreconditionError runs after a conditional UPDATE ... RETURNING
// matches no row, to tell apart the two reasons the predicate failed.
// Per spec section 4.3, "any transition attempt from a terminal state
// fails with INVALID_STATE": if the stage is already COMPLETE, FAILED,
// or SKIPPED, re-attempting a transition on it is a caller error, not a
// race. A mismatch against a non-terminal status (still PENDING, or
// CLAIMED/RUNNING under a different expectation) is a benign lost race
// and stays PRECONDITION_FAILED.
func stagePreconditionError(ctx context.Context, q ctxQueryer, stageID string) error {
	var status stagecontract.StageStatus
	err := q.QueryRowContext(ctx, `SELECT status FROM stages WHERE id = $1`, stageID).Scan(&status)
	if err == sql.ErrNoRows {
		return orcherr.New(orcherr.NotFound, fmt.Sprintf("stage %q not found", stageID))
	}
	if err != nil {
		return orcherr.Wrap(orcherr.Internal, "checking stage status", err)
	}
	if status.Terminal() {
		return orcherr.New(orcherr.InvalidState, fmt.Sprintf("stage %q is %s, a terminal state", stageID, status))
	}
	return orcherr.New(orcherr.PreconditionFailed, fmt.Sprintf("stage %q is %s, expected a different status", stageID, status))
}

func scanPipeline(row rowScanner, id string) (*stagecontract.Pipeline, error) {
	var pl stagecontract.Pipeline
	err := row.Scan(&pl.ID, &pl.Topic, &pl.Description, &pl.Status, &pl.CurrentStage, &pl.CreatedAt, &pl.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("pipeline %q not found", id))
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Internal, "scanning pipeline", err)
	}
	return &pl, nil
}

func scanStage(row rowScanner, ref string) (*stagecontract.Stage, error) {
	var s stagecontract.Stage
	var agentID, agentName, errMsg sql.NullString
	var output []byte
	var artifacts pq.StringArray
	var claimedAt, startedAt, completedAt sql.NullTime

	err := row.Scan(&s.ID, &s.PipelineID, &s.Name, &s.Status, &agentID, &agentName, &output, &artifacts, &errMsg,
		&claimedAt, &startedAt, &completedAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, orcherr.New(orcherr.NotFound, fmt.Sprintf("stage %q not found", ref))
	}
	if err != nil {
		return nil, orcherr.Wrap(orcherr.Internal, "scanning stage", err)
	}

	s.AgentID = agentID.String
	s.AgentName = agentName.String
	s.Error = errMsg.String
	if len(output) > 0 {
		s.Output = json.RawMessage(output)
	}
	s.Artifacts = []string(artifacts)
	if claimedAt.Valid {
		t := claimedAt.Time
		s.ClaimedAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		s.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	return &s, nil
}

func scanStageRow(rows *sql.Rows) (*stagecontract.Stage, error) {
	return scanStage(rows, "")
}

func sortStagesByRegistryOrder(stages []stagecontract.Stage) {
	order := make(map[registry.StageName]int)
	for i, n := range registry.Stages() {
		order[n] = i
	}
	for i := 1; i < len(stages); i++ {
		for j := i; j > 0 && order[stages[j].Name] < order[stages[j-1].Name]; j-- {
			stages[j], stages[j-1] = stages[j-1], stages[j]
		}
	}
}

func statusSliceArg(statuses []stagecontract.StageStatus) pq.StringArray {
	out := make(pq.StringArray, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
