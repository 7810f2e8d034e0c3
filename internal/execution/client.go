package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/robfig/cron/v3"

	"github.com/inaiurai/pointsmith/internal/models"
)

// ErrNotWired is returned by an Enqueuer whose client was never set.
var ErrNotWired = errors.New("river client not wired")

// Enqueuer inserts worker jobs inside the caller's transaction. The client is
// set after construction: the services that enqueue are needed to build the
// workers the client runs.
type Enqueuer struct {
	mu          sync.RWMutex
	client      *river.Client[pgx.Tx]
	maxAttempts int
	now         func() time.Time
}

func NewEnqueuer(maxAttempts int) *Enqueuer {
	return &Enqueuer{maxAttempts: maxAttempts, now: time.Now}
}

func (e *Enqueuer) SetClient(c *river.Client[pgx.Tx]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = c
}

func (e *Enqueuer) get() (*river.Client[pgx.Tx], error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.client == nil {
		return nil, ErrNotWired
	}
	return e.client, nil
}

// EnqueueJobsTx inserts one generate_job per Job. Matches jobs.EnqueueJobsTxFunc.
func (e *Enqueuer) EnqueueJobsTx(ctx context.Context, tx pgx.Tx, jobs []*models.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	client, err := e.get()
	if err != nil {
		return err
	}
	params := make([]river.InsertManyParams, len(jobs))
	for i, j := range jobs {
		params[i] = river.InsertManyParams{
			Args:       GenerateJobArgs{JobID: j.ID},
			InsertOpts: &river.InsertOpts{MaxAttempts: e.maxAttempts},
		}
	}
	_, err = client.InsertManyTx(ctx, tx, params)
	return err
}

// SchedulePollTx inserts a poll_operation job due after delay. Matches poller.SchedulePollFunc.
func (e *Enqueuer) SchedulePollTx(ctx context.Context, tx pgx.Tx, operationID uuid.UUID, delay time.Duration) error {
	client, err := e.get()
	if err != nil {
		return err
	}
	_, err = client.InsertTx(ctx, tx, PollOperationArgs{OperationID: operationID}, &river.InsertOpts{
		ScheduledAt: e.now().Add(delay),
	})
	return err
}

// PeriodicJobs builds the sweep and reconciliation jobs from standard
// five-field cron expressions.
func PeriodicJobs(sweepSpec, reconcileSpec string) ([]*river.PeriodicJob, error) {
	sweep, err := cron.ParseStandard(sweepSpec)
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", sweepSpec, err)
	}
	reconcile, err := cron.ParseStandard(reconcileSpec)
	if err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", reconcileSpec, err)
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(sweep, func() (river.JobArgs, *river.InsertOpts) {
			return SweepOperationsArgs{}, nil
		}, &river.PeriodicJobOpts{RunOnStart: true}),
		river.NewPeriodicJob(reconcile, func() (river.JobArgs, *river.InsertOpts) {
			return ReconcileRefundsArgs{}, nil
		}, &river.PeriodicJobOpts{RunOnStart: true}),
	}, nil
}

// ClientConfig sizes the River client. With MaxWorkers zero the client only
// inserts jobs.
type ClientConfig struct {
	MaxWorkers int
	Workers    *river.Workers
	Periodic   []*river.PeriodicJob
}

func NewClient(pool *pgxpool.Pool, cfg ClientConfig, log *slog.Logger) (*river.Client[pgx.Tx], error) {
	rc := &river.Config{Logger: log}
	if cfg.MaxWorkers > 0 {
		rc.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		}
		rc.Workers = cfg.Workers
		rc.PeriodicJobs = cfg.Periodic
	}
	return river.NewClient(riverpgxv5.New(pool), rc)
}
