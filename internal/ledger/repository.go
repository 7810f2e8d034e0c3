package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/models"
)

// AccountRepo is the subset of repository.AccountRepo the ledger needs.
type AccountRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	DeductBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (int64, error)
	AddBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (int64, error)
}

// EntryRepo is the subset of repository.LedgerRepo the ledger needs.
type EntryRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]*models.LedgerEntry, error)
	SumSpendTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, since time.Time) (int64, error)
}
