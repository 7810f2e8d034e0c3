package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/inaiurai/pointsmith/internal/poller"
)

// OperationPoller is satisfied by *poller.Poller.
type OperationPoller interface {
	PollOnce(ctx context.Context, operationID uuid.UUID) (*poller.PollResult, error)
	Sweep(ctx context.Context, limit int) (int, error)
	Interval() time.Duration
}

// snoozeFn reschedules the current job. Tests replace it to observe snoozes.
var snoozeFn = river.JobSnooze

type PollWorker struct {
	river.WorkerDefaults[PollOperationArgs]
	poller OperationPoller
}

func NewPollWorker(p OperationPoller) *PollWorker {
	return &PollWorker{poller: p}
}

// Work polls once and snoozes while the operation is still running. The
// operation's deadline bounds how long that can go on.
func (w *PollWorker) Work(ctx context.Context, job *river.Job[PollOperationArgs]) error {
	res, err := w.poller.PollOnce(ctx, job.Args.OperationID)
	if errors.Is(err, poller.ErrOperationNotFound) {
		return river.JobCancel(err)
	}
	if err != nil {
		return fmt.Errorf("poll operation %s: %w", job.Args.OperationID, err)
	}
	if res.State == poller.StateRunning {
		return snoozeFn(w.poller.Interval())
	}
	return nil
}

type SweepWorker struct {
	river.WorkerDefaults[SweepOperationsArgs]
	poller       OperationPoller
	defaultLimit int
	log          *slog.Logger
}

func NewSweepWorker(p OperationPoller, limit int, log *slog.Logger) *SweepWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SweepWorker{poller: p, defaultLimit: limit, log: log}
}

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepOperationsArgs]) error {
	limit := job.Args.Limit
	if limit <= 0 {
		limit = w.defaultLimit
	}
	n, err := w.poller.Sweep(ctx, limit)
	if n > 0 {
		w.log.Info("sweep finished operations", "count", n)
	}
	return err
}

// Reconciler is satisfied by jobs.Service and pipeline.Service.
type Reconciler interface {
	ReconcileRefunds(ctx context.Context, limit int) (int, error)
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileRefundsArgs]
	reconcilers  []Reconciler
	defaultLimit int
	log          *slog.Logger
}

func NewReconcileWorker(limit int, log *slog.Logger, reconcilers ...Reconciler) *ReconcileWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileWorker{reconcilers: reconcilers, defaultLimit: limit, log: log}
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileRefundsArgs]) error {
	limit := job.Args.Limit
	if limit <= 0 {
		limit = w.defaultLimit
	}
	var errs []error
	total := 0
	for _, r := range w.reconcilers {
		n, err := r.ReconcileRefunds(ctx, limit)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if total > 0 {
		w.log.Info("refunds reconciled", "count", total)
	}
	return errors.Join(errs...)
}
