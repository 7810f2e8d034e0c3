package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/pointsmith/internal/models"
)

const (
	projectColumns = `id, owner_id, name, input, step_count, current_step, cancelled_at, created_at, updated_at`
	stepColumns    = `project_id, step_index, name, kind, state, cost, input, output, error_reason, refunded, attempts, operation_id, updated_at`
)

type ProjectRepo struct {
	pool *pgxpool.Pool
}

func NewProjectRepo(pool *pgxpool.Pool) *ProjectRepo {
	return &ProjectRepo{pool: pool}
}

// CreateTx inserts the project row and one row per step.
func (r *ProjectRepo) CreateTx(ctx context.Context, tx pgx.Tx, p *models.Project) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO projects (id, owner_id, name, input, step_count)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING current_step, created_at, updated_at
	`, p.ID, p.OwnerID, p.Name, p.Input, len(p.Steps)).Scan(&p.CurrentStep, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return err
	}
	p.StepCount = len(p.Steps)
	batch := &pgx.Batch{}
	for _, s := range p.Steps {
		batch.Queue(`
			INSERT INTO project_steps (project_id, step_index, name, kind, state, cost)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, p.ID, s.Index, s.Name, s.Kind, s.State, s.Cost)
	}
	return tx.SendBatch(ctx, batch).Close()
}

// GetByID loads a project with its steps and derived status.
func (r *ProjectRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	p, err := scanProject(r.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	steps, err := r.listSteps(ctx, `SELECT `+stepColumns+` FROM project_steps WHERE project_id = $1 ORDER BY step_index`, id)
	if err != nil {
		return nil, err
	}
	p.Steps = steps
	p.Status = p.DeriveStatus()
	return p, nil
}

func (r *ProjectRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Project, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	var (
		list []*models.Project
		ids  []uuid.UUID
		byID = map[uuid.UUID]*models.Project{}
	)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		list = append(list, p)
		ids = append(ids, p.ID)
		byID[p.ID] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return list, nil
	}
	steps, err := r.listSteps(ctx, `SELECT `+stepColumns+` FROM project_steps WHERE project_id = ANY($1) ORDER BY project_id, step_index`, ids)
	if err != nil {
		return nil, err
	}
	for _, s := range steps {
		p := byID[s.ProjectID]
		p.Steps = append(p.Steps, s)
	}
	for _, p := range list {
		p.Status = p.DeriveStatus()
	}
	return list, nil
}

// ClaimStep moves a not_started step of a live project to running and
// records what it is being charged. It reports false when another caller got
// there first or the project was cancelled.
func (r *ProjectRepo) ClaimStep(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, index int, cost int64, input json.RawMessage) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE project_steps SET state = 'running', cost = $3, input = $4, output = NULL, error_reason = NULL,
			refunded = FALSE, attempts = attempts + 1, operation_id = NULL, updated_at = now()
		WHERE project_id = $1 AND step_index = $2 AND state = 'not_started'
			AND EXISTS (SELECT 1 FROM projects WHERE id = $1 AND cancelled_at IS NULL)
	`, projectID, index, cost, input)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteStep stores the output of a running step, marks it done and moves
// the project's cursor past it. It reports false when the step was not running.
func (r *ProjectRepo) CompleteStep(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, index int, output json.RawMessage) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE project_steps SET state = 'done', output = $3, updated_at = now()
		WHERE project_id = $1 AND step_index = $2 AND state = 'running'
	`, projectID, index, output)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	_, err = tx.Exec(ctx, `
		UPDATE projects SET current_step = GREATEST(current_step, $2 + 1), updated_at = now()
		WHERE id = $1
	`, projectID, index)
	return err == nil, err
}

// FailStep transitions a running step to failed and sets the refund flag in
// the same statement. pgx.ErrNoRows means the step was not running.
func (r *ProjectRepo) FailStep(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, index int, reason string, refunded bool) (*models.ProjectStep, error) {
	return scanStep(tx.QueryRow(ctx, `
		UPDATE project_steps SET state = 'failed', error_reason = $3, refunded = $4, updated_at = now()
		WHERE project_id = $1 AND step_index = $2 AND state = 'running'
		RETURNING `+stepColumns, projectID, index, reason, refunded))
}

// ClaimStepRefund flips refunded on a failed, unrefunded step. pgx.ErrNoRows
// means there is nothing left to refund.
func (r *ProjectRepo) ClaimStepRefund(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, index int) (*models.ProjectStep, error) {
	return scanStep(tx.QueryRow(ctx, `
		UPDATE project_steps SET refunded = TRUE, updated_at = now()
		WHERE project_id = $1 AND step_index = $2 AND state = 'failed' AND NOT refunded
		RETURNING `+stepColumns, projectID, index))
}

// ResetStep returns a failed, refunded step to not_started.
func (r *ProjectRepo) ResetStep(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, index int) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE project_steps SET state = 'not_started', output = NULL, operation_id = NULL, updated_at = now()
		WHERE project_id = $1 AND step_index = $2 AND state = 'failed' AND refunded
	`, projectID, index)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetStepOperation attaches an operation handle to a running step.
func (r *ProjectRepo) SetStepOperation(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, index int, operationID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE project_steps SET operation_id = $3, updated_at = now()
		WHERE project_id = $1 AND step_index = $2 AND state = 'running'
	`, projectID, index, operationID)
	return err
}

// MarkCancelled stamps cancelled_at once. It reports false if the project was
// already cancelled.
func (r *ProjectRepo) MarkCancelled(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE projects SET cancelled_at = now(), updated_at = now()
		WHERE id = $1 AND cancelled_at IS NULL
	`, projectID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListUnrefundedFailedSteps returns failed steps whose refund was never issued.
func (r *ProjectRepo) ListUnrefundedFailedSteps(ctx context.Context, limit int) ([]*models.ProjectStep, error) {
	return r.listSteps(ctx, `SELECT `+stepColumns+` FROM project_steps WHERE state = 'failed' AND NOT refunded ORDER BY updated_at LIMIT $1`, limit)
}

// ListStaleSteps returns running steps with no operation that have not been
// touched since before.
func (r *ProjectRepo) ListStaleSteps(ctx context.Context, before time.Time, limit int) ([]*models.ProjectStep, error) {
	return r.listSteps(ctx, `SELECT `+stepColumns+` FROM project_steps WHERE state = 'running' AND operation_id IS NULL AND updated_at < $1 ORDER BY updated_at LIMIT $2`, before, limit)
}

func (r *ProjectRepo) listSteps(ctx context.Context, query string, args ...any) ([]*models.ProjectStep, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ProjectStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Input, &p.StepCount, &p.CurrentStep, &p.CancelledAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanStep(row pgx.Row) (*models.ProjectStep, error) {
	var s models.ProjectStep
	err := row.Scan(&s.ProjectID, &s.Index, &s.Name, &s.Kind, &s.State, &s.Cost, &s.Input, &s.Output,
		&s.ErrorReason, &s.Refunded, &s.Attempts, &s.OperationID, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
