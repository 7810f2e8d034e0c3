package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/inaiurai/pointsmith/internal/jobs"
	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/provider"
)

// JobService defines the contract the worker needs to claim a job and report success/failure.
type JobService interface {
	MarkJobProcessing(ctx context.Context, jobID uuid.UUID, attempt int) (*models.Job, error)
	ReportJobOutcome(ctx context.Context, jobID uuid.UUID, outcome jobs.Outcome) error
}

// Runner executes generation work. Satisfied by *provider.Registry.
type Runner interface {
	Mode(kind string) (provider.Mode, error)
	Call(ctx context.Context, req provider.Request) (provider.Result, error)
	Start(ctx context.Context, req provider.Request) (string, error)
}

// OperationStarter hands async kinds to the poller. Satisfied by *poller.Poller.
type OperationStarter interface {
	StartOperation(ctx context.Context, owner models.OperationOwner, kind string, start func(ctx context.Context) (string, error)) (*models.Operation, error)
}

type GenerateWorker struct {
	river.WorkerDefaults[GenerateJobArgs]
	jobs    JobService
	runner  Runner
	starter OperationStarter
	timeout time.Duration
	log     *slog.Logger
}

func NewGenerateWorker(js JobService, runner Runner, starter OperationStarter, timeout time.Duration, log *slog.Logger) *GenerateWorker {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &GenerateWorker{jobs: js, runner: runner, starter: starter, timeout: timeout, log: log}
}

// Timeout bounds one provider call.
func (w *GenerateWorker) Timeout(*river.Job[GenerateJobArgs]) time.Duration { return w.timeout }

func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateJobArgs]) error {
	j, err := w.jobs.MarkJobProcessing(ctx, job.Args.JobID, job.Attempt)
	if errors.Is(err, jobs.ErrJobTerminal) {
		// Finished by an earlier attempt or by cancellation.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	if j.OperationID != nil {
		// An earlier attempt already handed the job to the poller.
		return nil
	}

	mode, err := w.runner.Mode(j.Kind)
	if err != nil {
		return w.failJob(ctx, j.ID, err.Error())
	}
	req := provider.Request{Kind: j.Kind, Input: j.Input}

	if mode == provider.ModeAsync {
		_, err := w.starter.StartOperation(ctx, models.JobOwner(j.ID), j.Kind, func(ctx context.Context) (string, error) {
			return w.runner.Start(ctx, req)
		})
		if err != nil {
			return w.retryOrFail(ctx, job, j.ID, err)
		}
		return nil
	}

	res, err := w.runner.Call(ctx, req)
	if err != nil {
		return w.retryOrFail(ctx, job, j.ID, err)
	}
	if res.Ref == "" {
		return w.failJob(ctx, j.ID, "provider returned no result reference")
	}
	if err := w.jobs.ReportJobOutcome(ctx, j.ID, jobs.Outcome{Success: true, ResultRef: res.Ref}); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	return nil
}

// retryOrFail returns transient errors to River while attempts remain, and
// otherwise sends the job through the failure path.
func (w *GenerateWorker) retryOrFail(ctx context.Context, job *river.Job[GenerateJobArgs], jobID uuid.UUID, err error) error {
	if !provider.IsPermanent(err) && job.Attempt < job.MaxAttempts {
		w.log.Warn("job attempt failed, retrying", "job_id", jobID, "attempt", job.Attempt, "max_attempts", job.MaxAttempts, "error", err)
		return err
	}
	return w.failJob(ctx, jobID, err.Error())
}

func (w *GenerateWorker) failJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	markErr := w.jobs.ReportJobOutcome(ctx, jobID, jobs.Outcome{Reason: reason})
	if markErr != nil {
		return fmt.Errorf("job failed (%s) AND failed to mark job as failed: %w", reason, markErr)
	}
	return nil
}
