package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/pointsmith/internal/models"
)

const jobColumns = `id, task_id, owner_id, kind, input, status, cost, retry_count, result_ref, error_reason, refunded, operation_id, created_at, updated_at`

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// CreateBatchTx bulk-inserts jobs with COPY inside the given transaction.
func (r *JobRepo) CreateBatchTx(ctx context.Context, tx pgx.Tx, jobs []*models.Job) error {
	rows := make([][]any, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []any{j.ID, j.TaskID, j.OwnerID, j.Kind, j.Input, j.Status, j.Cost})
	}
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"jobs"},
		[]string{"id", "task_id", "owner_id", "kind", "input", "status", "cost"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return err
	}
	if int(n) != len(jobs) {
		return fmt.Errorf("copy jobs: inserted %d of %d rows", n, len(jobs))
	}
	return nil
}

func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (r *JobRepo) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE task_id = $1 ORDER BY created_at, id`, taskID)
}

// ListOpenByTask returns the task's jobs that have not reached a terminal status.
func (r *JobRepo) ListOpenByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE task_id = $1 AND status IN ('pending', 'processing') ORDER BY created_at, id`, taskID)
}

// ListUnrefundedFailed returns failed jobs whose refund was never issued.
func (r *JobRepo) ListUnrefundedFailed(ctx context.Context, limit int) ([]*models.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = 'failed' AND NOT refunded ORDER BY updated_at LIMIT $1`, limit)
}

// ListStale returns processing jobs with no operation that have not been
// touched since before. Their worker is gone or stuck.
func (r *JobRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = 'processing' AND operation_id IS NULL AND updated_at < $1 ORDER BY updated_at LIMIT $2`, before, limit)
}

// MarkProcessing records a worker attempt. pgx.ErrNoRows means the job is terminal.
func (r *JobRepo) MarkProcessing(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempt int) (*models.Job, error) {
	return scanJob(tx.QueryRow(ctx, `
		UPDATE jobs SET status = 'processing', retry_count = GREATEST(retry_count, $2), updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+jobColumns, id, attempt))
}

// Complete transitions an open job to completed. pgx.ErrNoRows means it was already terminal.
func (r *JobRepo) Complete(ctx context.Context, tx pgx.Tx, id uuid.UUID, resultRef string) (*models.Job, error) {
	return scanJob(tx.QueryRow(ctx, `
		UPDATE jobs SET status = 'completed', result_ref = $2, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+jobColumns, id, resultRef))
}

// Fail transitions an open job to failed and sets the refund flag in the same
// statement. pgx.ErrNoRows means it was already terminal.
func (r *JobRepo) Fail(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string, refunded bool) (*models.Job, error) {
	return scanJob(tx.QueryRow(ctx, `
		UPDATE jobs SET status = 'failed', error_reason = $2, refunded = $3, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+jobColumns, id, reason, refunded))
}

// ClaimRefund flips refunded on a failed, unrefunded job. pgx.ErrNoRows means
// there is nothing left to refund.
func (r *JobRepo) ClaimRefund(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error) {
	return scanJob(tx.QueryRow(ctx, `
		UPDATE jobs SET refunded = TRUE, updated_at = now()
		WHERE id = $1 AND status = 'failed' AND NOT refunded
		RETURNING `+jobColumns, id))
}

// SetOperation attaches an operation handle to an open job.
func (r *JobRepo) SetOperation(ctx context.Context, tx pgx.Tx, id, operationID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE jobs SET operation_id = $2, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, operationID)
	return err
}

func (r *JobRepo) list(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.TaskID, &j.OwnerID, &j.Kind, &j.Input, &j.Status, &j.Cost, &j.RetryCount,
		&j.ResultRef, &j.ErrorReason, &j.Refunded, &j.OperationID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
