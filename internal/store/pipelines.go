package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"forgeplane/control/internal/platerr"
)

// Pipeline status lifecycle: pending → running → {success, failure, cancelled}.
const (
	PipelineStatusPending   = "pending"
	PipelineStatusRunning   = "running"
	PipelineStatusSuccess   = "success"
	PipelineStatusFailure   = "failure"
	PipelineStatusCancelled = "cancelled"
)

// Step status lifecycle: pending → running → {success, failure, skipped}.
const (
	StepStatusPending = "pending"
	StepStatusRunning = "running"
	StepStatusSuccess = "success"
	StepStatusFailure = "failure"
	StepStatusSkipped = "skipped"
)

// Trigger sources.
const (
	TriggerPush = "push"
	TriggerMR   = "mr"
	TriggerAPI  = "api"
)

// Pipeline is one materialized run of a repository's pipeline definition.
type Pipeline struct {
	ID          int64      `db:"id"`
	ProjectID   int64      `db:"project_id"`
	GitRef      string     `db:"git_ref"`
	CommitSHA   string     `db:"commit_sha"`
	Trigger     string     `db:"trigger"`
	Status      string     `db:"status"`
	TriggeredBy *int64     `db:"triggered_by"`
	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	FinishedAt  *time.Time `db:"finished_at"`
}

// PipelineStep is one ordered step of a pipeline.
type PipelineStep struct {
	ID         int64          `db:"id"`
	PipelineID int64          `db:"pipeline_id"`
	StepOrder  int            `db:"step_order"`
	Name       string         `db:"name"`
	Image      string         `db:"image"`
	Commands   types.JSONText `db:"commands"`
	Status     string         `db:"status"`
	ExitCode   *int           `db:"exit_code"`
	DurationMS *int64         `db:"duration_ms"`
	LogRef     *string        `db:"log_ref"`
}

// NewStep describes a step to materialize when a pipeline is created.
type NewStep struct {
	Name     string
	Image    string
	Commands []byte // JSON array of command strings
}

// CreatePipeline atomically inserts the pipeline row and its ordered steps.
func (s *Store) CreatePipeline(ctx context.Context, projectID int64, gitRef, commitSHA, trigger string, triggeredBy *int64, steps []NewStep) (Pipeline, error) {
	var p Pipeline
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &p, `
			INSERT INTO pipelines (project_id, git_ref, commit_sha, trigger, triggered_by)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING *`, projectID, gitRef, commitSHA, trigger, triggeredBy); err != nil {
			return err
		}
		for i, st := range steps {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pipeline_steps (pipeline_id, step_order, name, image, commands)
				VALUES ($1, $2, $3, $4, $5)`, p.ID, i, st.Name, st.Image, st.Commands); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Pipeline{}, platerr.FromDB(err, "creating pipeline")
	}
	return p, nil
}

// GetPipeline looks up a pipeline by id.
func (s *Store) GetPipeline(ctx context.Context, id int64) (Pipeline, error) {
	var p Pipeline
	if err := s.db.GetContext(ctx, &p, `SELECT * FROM pipelines WHERE id = $1`, id); err != nil {
		return Pipeline{}, notFoundOr(err, "pipeline")
	}
	return p, nil
}

// GetPipelineStatus rereads just the status column. The executor polls this
// between steps to observe cancellation.
func (s *Store) GetPipelineStatus(ctx context.Context, id int64) (string, error) {
	var status string
	if err := s.db.GetContext(ctx, &status, `SELECT status FROM pipelines WHERE id = $1`, id); err != nil {
		return "", notFoundOr(err, "pipeline")
	}
	return status, nil
}

// SelectPendingPipelines returns up to limit pending pipeline ids, oldest
// first.
func (s *Store) SelectPendingPipelines(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM pipelines WHERE status = 'pending'
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, platerr.FromDB(err, "selecting pending pipelines")
	}
	return ids, nil
}

// ClaimPipeline transitions pending → running. Exactly one claimant succeeds;
// the losers get ok=false.
func (s *Store) ClaimPipeline(ctx context.Context, id int64) (Pipeline, bool, error) {
	var p Pipeline
	err := s.db.GetContext(ctx, &p, `
		UPDATE pipelines SET status = 'running', started_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING *`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Pipeline{}, false, nil
	}
	if err != nil {
		return Pipeline{}, false, platerr.FromDB(err, "claiming pipeline")
	}
	return p, true, nil
}

// FinishPipeline records a terminal status and finished_at.
func (s *Store) FinishPipeline(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipelines SET status = $2, finished_at = now() WHERE id = $1`, id, status)
	return platerr.FromDB(err, "finishing pipeline")
}

// CancelPipeline transitions pending/running → cancelled. Idempotent on
// already-terminal pipelines: ok=false, no error.
func (s *Store) CancelPipeline(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pipelines SET status = 'cancelled', finished_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`, id)
	if err != nil {
		return false, platerr.FromDB(err, "cancelling pipeline")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListSteps returns a pipeline's steps in declared order.
func (s *Store) ListSteps(ctx context.Context, pipelineID int64) ([]PipelineStep, error) {
	var steps []PipelineStep
	err := s.db.SelectContext(ctx, &steps, `
		SELECT * FROM pipeline_steps WHERE pipeline_id = $1 ORDER BY step_order`, pipelineID)
	if err != nil {
		return nil, platerr.FromDB(err, "listing steps")
	}
	return steps, nil
}

// MarkStepRunning transitions a step to running.
func (s *Store) MarkStepRunning(ctx context.Context, stepID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pipeline_steps SET status = 'running' WHERE id = $1`, stepID)
	return platerr.FromDB(err, "marking step running")
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	Status     string
	ExitCode   *int
	DurationMS int64
	LogRef     string
}

// FinishStep records a step's terminal result.
func (s *Store) FinishStep(ctx context.Context, stepID int64, r StepResult) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_steps SET status = $2, exit_code = $3, duration_ms = $4, log_ref = $5
		WHERE id = $1`, stepID, r.Status, r.ExitCode, r.DurationMS, r.LogRef)
	return platerr.FromDB(err, "finishing step")
}

// SkipPendingSteps marks every still-pending step of a pipeline skipped.
// Called after a step failure or a cancellation.
func (s *Store) SkipPendingSteps(ctx context.Context, pipelineID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_steps SET status = 'skipped'
		WHERE pipeline_id = $1 AND status = 'pending'`, pipelineID)
	return platerr.FromDB(err, "skipping pending steps")
}

// ListPipelines returns a project's pipelines, newest first.
func (s *Store) ListPipelines(ctx context.Context, projectID int64, page Page) ([]Pipeline, int, error) {
	page = page.Clamp()
	var out []Pipeline
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM pipelines WHERE project_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, projectID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, platerr.FromDB(err, "listing pipelines")
	}
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT count(*) FROM pipelines WHERE project_id = $1`, projectID); err != nil {
		return nil, 0, platerr.FromDB(err, "counting pipelines")
	}
	return out, total, nil
}
