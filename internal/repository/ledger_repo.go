package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/pointsmith/internal/models"
)

const entryColumns = `id, seq, account_id, amount, kind, description, balance_before, balance_after, task_id, job_id, project_id, step_index, created_at`

type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

// CreateTx inserts a ledger entry inside the given transaction.
func (r *LedgerRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, account_id, amount, kind, description, balance_before, balance_after, task_id, job_id, project_id, step_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq, created_at
	`, e.ID, e.AccountID, e.Amount, e.Kind, e.Description, e.BalanceBefore, e.BalanceAfter,
		e.TaskID, e.JobID, e.ProjectID, e.StepIndex).Scan(&e.Seq, &e.CreatedAt)
}

// SumSpendTx returns usage debits net of refunds since the given time.
func (r *LedgerRepo) SumSpendTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(-SUM(amount), 0)::bigint
		FROM ledger_entries
		WHERE account_id = $1 AND kind IN ('usage', 'refund') AND created_at >= $2
	`, accountID, since).Scan(&total)
	return total, err
}

// ListByAccountID returns the account's entries in creation order.
func (r *LedgerRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.LedgerEntry, error) {
	return r.list(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = $1 ORDER BY seq`, accountID)
}

func (r *LedgerRepo) ListByTaskID(ctx context.Context, taskID uuid.UUID) ([]*models.LedgerEntry, error) {
	return r.list(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE task_id = $1 ORDER BY seq`, taskID)
}

func (r *LedgerRepo) list(ctx context.Context, query string, arg any) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.Seq, &e.AccountID, &e.Amount, &e.Kind, &e.Description, &e.BalanceBefore, &e.BalanceAfter,
			&e.TaskID, &e.JobID, &e.ProjectID, &e.StepIndex, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
