// Package ledger owns account balances and their append-only entry log.
// Every balance change is a conditional row update paired with exactly one
// entry in the same transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/db"
	"github.com/inaiurai/pointsmith/internal/metrics"
	"github.com/inaiurai/pointsmith/internal/models"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the balance. It is
	// an expected outcome, not a fault, and nothing is written.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidKind       = errors.New("invalid credit kind")
)

// Result is returned by every balance mutation.
type Result struct {
	NewBalance int64     `json:"new_balance"`
	EntryID    uuid.UUID `json:"entry_id"`
}

type Service interface {
	Debit(ctx context.Context, accountID uuid.UUID, amount int64, description string, ref models.LedgerRef) (Result, error)
	DebitTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, description string, ref models.LedgerRef) (Result, error)
	Credit(ctx context.Context, accountID uuid.UUID, amount int64, kind, description string, ref models.LedgerRef) (Result, error)
	CreditTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, kind, description string, ref models.LedgerRef) (Result, error)
	Purchase(ctx context.Context, accountID uuid.UUID, amount int64, description string) (Result, error)
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)
	Entries(ctx context.Context, accountID uuid.UUID) ([]*models.LedgerEntry, error)
	SpentSinceTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, since time.Time) (int64, error)
	Verify(ctx context.Context, accountID uuid.UUID) (*Report, error)
}

type service struct {
	pool     db.TxBeginner
	accounts AccountRepo
	entries  EntryRepo
	log      *slog.Logger
}

func NewService(pool db.TxBeginner, accounts AccountRepo, entries EntryRepo, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{pool: pool, accounts: accounts, entries: entries, log: log}
}

var _ Service = (*service)(nil)

func (s *service) Debit(ctx context.Context, accountID uuid.UUID, amount int64, description string, ref models.LedgerRef) (Result, error) {
	var res Result
	err := db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		res, err = s.DebitTx(ctx, tx, accountID, amount, description, ref)
		return err
	})
	return res, err
}

// DebitTx deducts amount inside the caller's transaction and appends a usage
// entry. The account row stays locked until tx ends.
func (s *service) DebitTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, description string, ref models.LedgerRef) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	newBalance, err := s.accounts.DeductBalance(ctx, tx, accountID, amount)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.accounts.GetByID(ctx, accountID); errors.Is(getErr, pgx.ErrNoRows) {
			return Result{}, ErrAccountNotFound
		}
		metrics.InsufficientFunds.Inc()
		return Result{}, ErrInsufficientFunds
	}
	if err != nil {
		return Result{}, fmt.Errorf("deduct balance: %w", err)
	}
	return s.appendEntry(ctx, tx, accountID, -amount, newBalance, models.EntryUsage, description, ref)
}

func (s *service) Credit(ctx context.Context, accountID uuid.UUID, amount int64, kind, description string, ref models.LedgerRef) (Result, error) {
	var res Result
	err := db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		res, err = s.CreditTx(ctx, tx, accountID, amount, kind, description, ref)
		return err
	})
	return res, err
}

// CreditTx adds amount inside the caller's transaction. Credits are never
// capped, so the only failures are a missing account or storage errors.
func (s *service) CreditTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, kind, description string, ref models.LedgerRef) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	switch kind {
	case models.EntryPurchase, models.EntryRefund, models.EntryBonus:
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	newBalance, err := s.accounts.AddBalance(ctx, tx, accountID, amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Result{}, ErrAccountNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("add balance: %w", err)
	}
	return s.appendEntry(ctx, tx, accountID, amount, newBalance, kind, description, ref)
}

func (s *service) appendEntry(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount, newBalance int64, kind, description string, ref models.LedgerRef) (Result, error) {
	e := &models.LedgerEntry{
		ID:            uuid.New(),
		AccountID:     accountID,
		Amount:        amount,
		Kind:          kind,
		Description:   description,
		BalanceBefore: newBalance - amount,
		BalanceAfter:  newBalance,
		TaskID:        ref.TaskID,
		JobID:         ref.JobID,
		ProjectID:     ref.ProjectID,
		StepIndex:     ref.StepIndex,
	}
	if err := s.entries.CreateTx(ctx, tx, e); err != nil {
		return Result{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	metrics.LedgerEntries.WithLabelValues(kind).Inc()
	if amount < 0 {
		metrics.LedgerPoints.WithLabelValues(kind).Add(float64(-amount))
	} else {
		metrics.LedgerPoints.WithLabelValues(kind).Add(float64(amount))
	}
	return Result{NewBalance: newBalance, EntryID: e.ID}, nil
}

// Purchase is an operator top-up.
func (s *service) Purchase(ctx context.Context, accountID uuid.UUID, amount int64, description string) (Result, error) {
	if description == "" {
		description = "points purchase"
	}
	res, err := s.Credit(ctx, accountID, amount, models.EntryPurchase, description, models.LedgerRef{})
	if err == nil {
		s.log.Info("points purchased", "account_id", accountID, "amount", amount, "balance", res.NewBalance)
	}
	return res, err
}

func (s *service) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	a, err := s.accounts.GetByID(ctx, accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}

func (s *service) Entries(ctx context.Context, accountID uuid.UUID) ([]*models.LedgerEntry, error) {
	return s.entries.ListByAccountID(ctx, accountID)
}

// SpentSinceTx returns usage net of refunds for the account since the given
// time, as seen by tx. Callers hold the account row lock, taken by DebitTx,
// so no other debit can land between the read and the commit.
func (s *service) SpentSinceTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, since time.Time) (int64, error) {
	return s.entries.SumSpendTx(ctx, tx, accountID, since)
}
