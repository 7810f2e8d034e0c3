package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/pointsmith/internal/models"
)

const accountColumns = `id, email, name, password_hash, role, balance, created_at, updated_at`

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// Create inserts an account inside the given transaction. Balance always
// starts at zero; opening credit goes through the ledger.
func (r *AccountRepo) Create(ctx context.Context, tx pgx.Tx, a *models.Account) error {
	return tx.QueryRow(ctx, `
		INSERT INTO accounts (id, email, name, password_hash, role, balance)
		VALUES ($1, $2, $3, $4, $5, 0)
		RETURNING balance, created_at, updated_at
	`, a.ID, a.Email, a.Name, a.PasswordHash, a.Role).Scan(&a.Balance, &a.CreatedAt, &a.UpdatedAt)
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

func (r *AccountRepo) List(ctx context.Context) ([]*models.Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// DeductBalance atomically deducts amount if balance >= amount and returns the
// new balance. pgx.ErrNoRows means the account is missing or the balance is too low.
// The row stays locked until tx ends.
func (r *AccountRepo) DeductBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance - $1, updated_at = now()
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}

// AddBalance adds amount to the account and returns the new balance.
func (r *AccountRepo) AddBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = now()
		WHERE id = $2
		RETURNING balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.Role, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
