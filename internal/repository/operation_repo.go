package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/pointsmith/internal/models"
)

const operationColumns = `id, owner_type, job_id, project_id, step_index, kind, provider_ref, done, outcome, result_ref, error_reason, poll_count, started_at, deadline_at, last_polled_at, finished_at`

type OperationRepo struct {
	pool *pgxpool.Pool
}

func NewOperationRepo(pool *pgxpool.Pool) *OperationRepo {
	return &OperationRepo{pool: pool}
}

func (r *OperationRepo) CreateTx(ctx context.Context, tx pgx.Tx, op *models.Operation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO operations (id, owner_type, job_id, project_id, step_index, kind, provider_ref, started_at, deadline_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, op.ID, op.Owner.Type, op.Owner.JobID, op.Owner.ProjectID, op.Owner.StepIndex, op.Kind, op.ProviderRef, op.StartedAt, op.DeadlineAt)
	return err
}

func (r *OperationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	return scanOperation(r.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = $1`, id))
}

// ClaimDone flips done from false to true and records the outcome. It
// reports false when another poller already finished the handle.
func (r *OperationRepo) ClaimDone(ctx context.Context, tx pgx.Tx, id uuid.UUID, outcome string, resultRef, errorReason *string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE operations SET done = TRUE, outcome = $2, result_ref = $3, error_reason = $4, finished_at = now()
		WHERE id = $1 AND NOT done
	`, id, outcome, resultRef, errorReason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordPoll bumps the poll counter of an open handle.
func (r *OperationRepo) RecordPoll(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE operations SET poll_count = poll_count + 1, last_polled_at = now()
		WHERE id = $1 AND NOT done
	`, id)
	return err
}

// ListOpen returns handles that are not done, least recently polled first.
func (r *OperationRepo) ListOpen(ctx context.Context, limit int) ([]*models.Operation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+operationColumns+` FROM operations WHERE NOT done ORDER BY last_polled_at NULLS FIRST LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, op)
	}
	return list, rows.Err()
}

func scanOperation(row pgx.Row) (*models.Operation, error) {
	var op models.Operation
	err := row.Scan(&op.ID, &op.Owner.Type, &op.Owner.JobID, &op.Owner.ProjectID, &op.Owner.StepIndex, &op.Kind, &op.ProviderRef,
		&op.Done, &op.Outcome, &op.ResultRef, &op.ErrorReason, &op.PollCount, &op.StartedAt, &op.DeadlineAt, &op.LastPolledAt, &op.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &op, nil
}
