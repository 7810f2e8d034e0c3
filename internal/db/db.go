// Package db holds the PostgreSQL plumbing shared by the repositories:
// pool construction, transaction retry and schema migrations.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/pointsmith/internal/metrics"
)

// ErrStorageConflict is returned when a transaction keeps hitting
// serialization or deadlock failures after all retries.
var ErrStorageConflict = errors.New("storage conflict")

const (
	maxTxAttempts = 5
	retryBaseWait = 10 * time.Millisecond

	detachedTimeout = 30 * time.Second
)

// TxBeginner abstracts transaction creation so services and tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Connect opens a pool and verifies the database is reachable.
func Connect(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// RunTx runs fn in a transaction and commits it. The whole transaction is
// retried when PostgreSQL reports a serialization failure or deadlock, so fn
// must not have side effects outside tx.
func RunTx(ctx context.Context, b TxBeginner, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = runOnce(ctx, b, fn)
		if err == nil || !IsConflict(err) {
			return err
		}
		metrics.TxRetries.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBaseWait):
		}
	}
	return fmt.Errorf("%w: %v", ErrStorageConflict, err)
}

func runOnce(ctx context.Context, b TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Detach returns a context that keeps the values of ctx but not its
// cancellation, bounded by its own timeout. Compensating writes run on it so
// a request or job that is cancelled mid-call still records the failure and
// refund it already owes.
func Detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
}

// IsConflict reports whether err is a retryable serialization failure (40001)
// or deadlock (40P01).
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}
