package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/pointsmith/internal/models"
)

const taskColumns = `id, owner_id, items, input, total_units, total_cost, status, progress, completed_units, failed_units, result_refs, failure_reason, created_at, updated_at, finished_at`

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, `
		INSERT INTO tasks (id, owner_id, items, input, total_units, total_cost, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING progress, completed_units, failed_units, result_refs, created_at, updated_at
	`, t.ID, t.OwnerID, t.Items, t.Input, t.TotalUnits, t.TotalCost, t.Status).
		Scan(&t.Progress, &t.CompletedUnits, &t.FailedUnits, &t.ResultRefs, &t.CreatedAt, &t.UpdatedAt)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (r *TaskRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// MarkProcessing moves a pending task to processing. A task in any other
// status is left alone.
func (r *TaskRepo) MarkProcessing(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE tasks SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id)
	return err
}

// RecordOutcome counts one finished job against the task in a single
// statement. Counters, progress and the terminal transition are all computed
// from the locked row, so concurrent outcomes commute.
func (r *TaskRepo) RecordOutcome(ctx context.Context, tx pgx.Tx, id uuid.UUID, success bool, resultRef *string) (*models.Task, error) {
	completed, failed := 0, 1
	if success {
		completed, failed = 1, 0
	}
	return scanTask(tx.QueryRow(ctx, `
		UPDATE tasks SET
			completed_units = completed_units + $2,
			failed_units = failed_units + $3,
			result_refs = CASE WHEN $4::text IS NULL THEN result_refs ELSE array_append(result_refs, $4::text) END,
			progress = ROUND(100.0 * (completed_units + $2 + failed_units + $3) / total_units)::int,
			status = CASE
				WHEN status IN ('completed', 'failed') THEN status
				WHEN completed_units + $2 + failed_units + $3 >= total_units THEN 'completed'
				ELSE 'processing'
			END,
			finished_at = CASE
				WHEN status IN ('pending', 'processing') AND completed_units + $2 + failed_units + $3 >= total_units THEN now()
				ELSE finished_at
			END,
			updated_at = now()
		WHERE id = $1
		RETURNING `+taskColumns, id, completed, failed, resultRef))
}

// MarkFailed finalizes a non-terminal task as failed. It reports false when
// the task was already terminal.
func (r *TaskRepo) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = 'failed', failure_reason = $2, finished_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.OwnerID, &t.Items, &t.Input, &t.TotalUnits, &t.TotalCost, &t.Status, &t.Progress,
		&t.CompletedUnits, &t.FailedUnits, &t.ResultRefs, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt, &t.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
