// Package jobs fans a task out into one Job per unit and aggregates Job
// outcomes back onto the Task, refunding every failed unit.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/db"
	"github.com/inaiurai/pointsmith/internal/ledger"
	"github.com/inaiurai/pointsmith/internal/metrics"
	"github.com/inaiurai/pointsmith/internal/models"
)

var (
	ErrInvalidRequest = errors.New("invalid task request")
	// ErrFanoutFailed means the task could not be created; nothing was charged.
	ErrFanoutFailed = errors.New("task fan-out failed")
	ErrTaskNotFound = errors.New("task not found")
	ErrJobNotFound  = errors.New("job not found")
	ErrJobTerminal  = errors.New("job already finished")
	ErrTaskFinished = errors.New("task already completed")
	// ErrDailyLimit means the task would take the account past its daily
	// spend limit; nothing was charged.
	ErrDailyLimit    = errors.New("daily spend limit exceeded")
	errTaskCancelled = errors.New("task cancelled")
)

const (
	defaultMaxUnits = 100
	cancelReason    = "task cancelled"
	stalledReason   = "worker stalled"
)

// Outcome is what a worker reports for one job.
type Outcome struct {
	Success   bool
	ResultRef string
	Reason    string
}

// Quote is the priced breakdown of a request.
type Quote struct {
	Items      []models.TaskItem `json:"items"`
	TotalUnits int               `json:"total_units"`
	TotalCost  int64             `json:"total_cost"`
}

// CancelResult summarises an operator cancellation.
type CancelResult struct {
	Task         *models.Task `json:"task"`
	JobsFailed   int          `json:"jobs_failed"`
	JobsRefunded int          `json:"jobs_refunded"`
}

type Config struct {
	// UnitCosts is the static kind -> cost table.
	UnitCosts map[string]int64
	// MaxUnits caps the number of jobs one task may fan out into.
	MaxUnits int
	// DailyLimit caps usage net of refunds per account per UTC day. Zero
	// disables it.
	DailyLimit int64
	// StaleAfter is how long a job may sit in processing without an
	// operation before ReconcileRefunds fails it. Zero disables the check.
	StaleAfter time.Duration
}

type Service interface {
	Quote(counts map[string]int) (*Quote, error)
	CreateTask(ctx context.Context, ownerID uuid.UUID, counts map[string]int, input json.RawMessage) (*models.Task, error)
	ReportJobOutcome(ctx context.Context, jobID uuid.UUID, outcome Outcome) error
	MarkJobProcessing(ctx context.Context, jobID uuid.UUID, attempt int) (*models.Job, error)
	CancelTask(ctx context.Context, taskID uuid.UUID) (*CancelResult, error)
	ReconcileRefunds(ctx context.Context, limit int) (int, error)
	GetTask(ctx context.Context, taskID uuid.UUID) (*models.Task, error)
	ListTasks(ctx context.Context, ownerID uuid.UUID) ([]*models.Task, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, taskID uuid.UUID) ([]*models.Job, error)
}

type service struct {
	pool      db.TxBeginner
	tasks     TaskRepo
	jobs      JobRepo
	ledger    ledger.Service
	validator InputValidator
	enqueue   EnqueueJobsTxFunc
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
}

// NewService creates the fan-out service. enqueue is typically a closure over
// river.Client.InsertManyTx; validator may be nil.
// Returns *service so it can also be registered as the poller's job sink.
func NewService(pool db.TxBeginner, tasks TaskRepo, jobs JobRepo, ledgerSvc ledger.Service, validator InputValidator, enqueue EnqueueJobsTxFunc, cfg Config, log *slog.Logger) *service {
	if cfg.MaxUnits <= 0 {
		cfg.MaxUnits = defaultMaxUnits
	}
	if log == nil {
		log = slog.Default()
	}
	return &service{pool: pool, tasks: tasks, jobs: jobs, ledger: ledgerSvc, validator: validator, enqueue: enqueue, cfg: cfg, log: log, now: time.Now}
}

var _ Service = (*service)(nil)

// Quote prices a request against the unit cost table.
func (s *service) Quote(counts map[string]int) (*Quote, error) {
	if len(counts) == 0 {
		return nil, fmt.Errorf("%w: no kinds requested", ErrInvalidRequest)
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	q := &Quote{}
	for _, kind := range kinds {
		count := counts[kind]
		cost, ok := s.cfg.UnitCosts[kind]
		if !ok {
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, kind)
		}
		if count <= 0 {
			return nil, fmt.Errorf("%w: count for %q must be positive", ErrInvalidRequest, kind)
		}
		q.Items = append(q.Items, models.TaskItem{Kind: kind, Count: count, UnitCost: cost})
		q.TotalUnits += count
		q.TotalCost += cost * int64(count)
	}
	if q.TotalUnits > s.cfg.MaxUnits {
		return nil, fmt.Errorf("%w: %d units exceeds the limit of %d", ErrInvalidRequest, q.TotalUnits, s.cfg.MaxUnits)
	}
	return q, nil
}

// CreateTask debits the total cost and creates the task, its jobs and their
// worker jobs in one transaction. Either all of it commits or none of it does.
func (s *service) CreateTask(ctx context.Context, ownerID uuid.UUID, counts map[string]int, input json.RawMessage) (*models.Task, error) {
	q, err := s.Quote(counts)
	if err != nil {
		return nil, err
	}
	if s.validator != nil {
		for _, item := range q.Items {
			if err := s.validator.ValidateInput(ctx, item.Kind, input); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			}
		}
	}

	task := &models.Task{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Items:      q.Items,
		Input:      input,
		TotalUnits: q.TotalUnits,
		TotalCost:  q.TotalCost,
		Status:     models.TaskStatusPending,
	}
	jobs := make([]*models.Job, 0, q.TotalUnits)
	for _, item := range q.Items {
		for i := 0; i < item.Count; i++ {
			jobs = append(jobs, &models.Job{
				ID:      uuid.New(),
				TaskID:  task.ID,
				OwnerID: ownerID,
				Kind:    item.Kind,
				Input:   input,
				Status:  models.JobStatusPending,
				Cost:    item.UnitCost,
			})
		}
	}

	err = db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		desc := fmt.Sprintf("task %s: %d units", task.ID, task.TotalUnits)
		if _, err := s.ledger.DebitTx(ctx, tx, ownerID, task.TotalCost, desc, models.TaskRef(task.ID)); err != nil {
			return err
		}
		if err := s.checkDailyLimit(ctx, tx, ownerID); err != nil {
			return err
		}
		if err := s.tasks.CreateTx(ctx, tx, task); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.jobs.CreateBatchTx(ctx, tx, jobs); err != nil {
			return fmt.Errorf("insert jobs: %w", err)
		}
		if err := s.enqueue(ctx, tx, jobs); err != nil {
			return fmt.Errorf("enqueue jobs: %w", err)
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ErrDailyLimit):
		return nil, err
	default:
		s.log.Error("task fan-out failed", "owner_id", ownerID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrFanoutFailed, err)
	}

	metrics.TasksCreated.Inc()
	s.log.Info("task created", "task_id", task.ID, "owner_id", ownerID, "units", task.TotalUnits, "cost", task.TotalCost)
	return task, nil
}

// checkDailyLimit runs after the debit, so the account row is locked and the
// sum includes this task. Concurrent requests for one account are serialized
// on that lock and cannot both slip under the limit.
func (s *service) checkDailyLimit(ctx context.Context, tx pgx.Tx, ownerID uuid.UUID) error {
	if s.cfg.DailyLimit <= 0 {
		return nil
	}
	since := s.now().UTC().Truncate(24 * time.Hour)
	spent, err := s.ledger.SpentSinceTx(ctx, tx, ownerID, since)
	if err != nil {
		return fmt.Errorf("daily spend: %w", err)
	}
	if spent > s.cfg.DailyLimit {
		return fmt.Errorf("%w: spend today would be %d of %d", ErrDailyLimit, spent, s.cfg.DailyLimit)
	}
	return nil
}

// ReportJobOutcome applies a worker's outcome. Reports for a job that is
// already terminal are ignored. The outcome is written even when ctx is
// already cancelled: the provider call has happened and its cost is settled
// either way.
func (s *service) ReportJobOutcome(ctx context.Context, jobID uuid.UUID, outcome Outcome) error {
	ctx, cancel := db.Detach(ctx)
	defer cancel()
	if outcome.Success {
		if outcome.ResultRef == "" {
			return fmt.Errorf("%w: success without a result reference", ErrInvalidRequest)
		}
		return db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
			_, err := s.completeTx(ctx, tx, jobID, outcome.ResultRef)
			return err
		})
	}
	reason := outcome.Reason
	if reason == "" {
		reason = "unit failed"
	}
	return s.failJob(ctx, jobID, reason)
}

// completeTx marks the job completed and counts it on the task. It reports
// false when the job was already terminal.
func (s *service) completeTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, resultRef string) (bool, error) {
	job, err := s.jobs.Complete(ctx, tx, jobID, resultRef)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.JobOutcomes.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	task, err := s.tasks.RecordOutcome(ctx, tx, job.TaskID, true, &resultRef)
	if err != nil {
		return false, fmt.Errorf("record outcome: %w", err)
	}
	metrics.JobOutcomes.WithLabelValues("completed").Inc()
	s.logTaskProgress(task)
	return true, nil
}

// failTx marks the job failed, counts it on the task and, when refund is set,
// credits the job's cost back. The refund flag is written by the same
// statement that records the failure.
func (s *service) failTx(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, reason string, refund bool) (bool, error) {
	job, err := s.jobs.Fail(ctx, tx, jobID, reason, refund)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.JobOutcomes.WithLabelValues("duplicate").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	task, err := s.tasks.RecordOutcome(ctx, tx, job.TaskID, false, nil)
	if err != nil {
		return false, fmt.Errorf("record outcome: %w", err)
	}
	if refund {
		if _, err := s.ledger.CreditTx(ctx, tx, job.OwnerID, job.Cost, models.EntryRefund, "unit failed: "+reason, models.JobRef(job.TaskID, job.ID)); err != nil {
			return false, fmt.Errorf("refund job: %w", err)
		}
	}
	metrics.JobOutcomes.WithLabelValues("failed").Inc()
	s.logTaskProgress(task)
	return true, nil
}

// failJob runs the failure path: failure and refund commit together, or the
// failure is recorded with refunded=false for ReconcileRefunds to finish.
// Both writes run detached from the caller's cancellation.
func (s *service) failJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	ctx, cancel := db.Detach(ctx)
	defer cancel()
	var applied bool
	err := db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		applied, err = s.failTx(ctx, tx, jobID, reason, true)
		return err
	})
	if err == nil {
		if applied {
			metrics.Refunds.WithLabelValues(models.OwnerJob, "inline").Inc()
		}
		return nil
	}
	s.log.Warn("job refund failed, deferring to reconciliation", "job_id", jobID, "error", err)
	deferErr := db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := s.failTx(ctx, tx, jobID, reason, false)
		return err
	})
	if deferErr != nil {
		return fmt.Errorf("record job failure: %w", errors.Join(err, deferErr))
	}
	metrics.RefundsDeferred.WithLabelValues(models.OwnerJob).Inc()
	return nil
}

func (s *service) logTaskProgress(t *models.Task) {
	if t.Status == models.TaskStatusCompleted && t.CompletedUnits+t.FailedUnits == t.TotalUnits {
		s.log.Info("task completed", "task_id", t.ID, "completed_units", t.CompletedUnits, "failed_units", t.FailedUnits)
		return
	}
	s.log.Debug("task progress", "task_id", t.ID, "progress", t.Progress, "status", t.Status)
}

// MarkJobProcessing records a worker attempt and moves the task to
// processing. A job whose task was cancelled is failed and refunded instead;
// the worker must then stop with ErrJobTerminal.
func (s *service) MarkJobProcessing(ctx context.Context, jobID uuid.UUID, attempt int) (*models.Job, error) {
	var job *models.Job
	err := db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		job, err = s.jobs.MarkProcessing(ctx, tx, jobID, attempt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobTerminal
		}
		if err != nil {
			return fmt.Errorf("mark job processing: %w", err)
		}
		task, err := s.tasks.GetByID(ctx, job.TaskID)
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		if task.Status == models.TaskStatusFailed {
			return errTaskCancelled
		}
		return s.tasks.MarkProcessing(ctx, tx, job.TaskID)
	})
	if errors.Is(err, errTaskCancelled) {
		if err := s.failJob(ctx, jobID, cancelReason); err != nil {
			return nil, err
		}
		return nil, ErrJobTerminal
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CancelTask marks the task failed and sends every open job through the
// ordinary failure path, then settles any failed job whose refund was
// deferred. Each job is refunded exactly once. Calling it again finishes a
// cancellation that was interrupted.
func (s *service) CancelTask(ctx context.Context, taskID uuid.UUID) (*CancelResult, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusCompleted {
		return nil, ErrTaskFinished
	}
	err = db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := s.tasks.MarkFailed(ctx, tx, taskID, cancelReason)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mark task failed: %w", err)
	}

	open, err := s.jobs.ListOpenByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list open jobs: %w", err)
	}
	res := &CancelResult{}
	var errs []error
	for _, j := range open {
		if err := s.failJob(ctx, j.ID, cancelReason); err != nil {
			errs = append(errs, err)
			continue
		}
		res.JobsFailed++
	}

	all, err := s.jobs.ListByTask(ctx, taskID)
	if err != nil {
		errs = append(errs, fmt.Errorf("list jobs: %w", err))
	}
	for _, j := range all {
		if j.Status != models.JobStatusFailed || j.Refunded {
			continue
		}
		ok, err := s.refundJob(ctx, j.ID, "cancel")
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
			continue
		}
		if ok {
			res.JobsRefunded++
		}
	}
	if res.Task, err = s.GetTask(ctx, taskID); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("task cancelled", "task_id", taskID, "jobs_failed", res.JobsFailed, "jobs_refunded", res.JobsRefunded)
	return res, errors.Join(errs...)
}

// refundJob credits a failed job whose refund is still outstanding. The
// claim on the refund flag and the credit share one transaction, so it
// reports false when another path already refunded the job.
func (s *service) refundJob(ctx context.Context, jobID uuid.UUID, path string) (bool, error) {
	var claimed bool
	err := db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		job, err := s.jobs.ClaimRefund(ctx, tx, jobID)
		if errors.Is(err, pgx.ErrNoRows) {
			claimed = false
			return nil
		}
		if err != nil {
			return err
		}
		claimed = true
		reason := "unit failed"
		if job.ErrorReason != nil {
			reason += ": " + *job.ErrorReason
		}
		_, err = s.ledger.CreditTx(ctx, tx, job.OwnerID, job.Cost, models.EntryRefund, reason, models.JobRef(job.TaskID, job.ID))
		return err
	})
	if err != nil {
		return false, err
	}
	if claimed {
		metrics.Refunds.WithLabelValues(models.OwnerJob, path).Inc()
	}
	return claimed, nil
}

// ReconcileRefunds fails jobs left in processing past StaleAfter, then
// credits failed jobs whose refund never committed.
func (s *service) ReconcileRefunds(ctx context.Context, limit int) (int, error) {
	var errs []error
	if err := s.failStale(ctx, limit); err != nil {
		errs = append(errs, err)
	}
	pending, err := s.jobs.ListUnrefundedFailed(ctx, limit)
	if err != nil {
		errs = append(errs, fmt.Errorf("list unrefunded jobs: %w", err))
		return 0, errors.Join(errs...)
	}
	refunded := 0
	for _, j := range pending {
		ok, err := s.refundJob(ctx, j.ID, "reconcile")
		if err != nil {
			s.log.Error("reconcile job refund failed", "job_id", j.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			refunded++
		}
	}
	if refunded > 0 {
		s.log.Info("reconciled job refunds", "count", refunded)
	}
	return refunded, errors.Join(errs...)
}

// failStale sends jobs whose worker never reported back through the failure
// path. A late report from that worker then finds the job terminal.
func (s *service) failStale(ctx context.Context, limit int) error {
	if s.cfg.StaleAfter <= 0 {
		return nil
	}
	stale, err := s.jobs.ListStale(ctx, s.now().Add(-s.cfg.StaleAfter), limit)
	if err != nil {
		return fmt.Errorf("list stale jobs: %w", err)
	}
	var errs []error
	for _, j := range stale {
		s.log.Warn("failing stalled job", "job_id", j.ID, "task_id", j.TaskID, "updated_at", j.UpdatedAt)
		if err := s.failJob(ctx, j.ID, stalledReason); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *service) GetTask(ctx context.Context, taskID uuid.UUID) (*models.Task, error) {
	t, err := s.tasks.GetByID(ctx, taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (s *service) ListTasks(ctx context.Context, ownerID uuid.UUID) ([]*models.Task, error) {
	return s.tasks.ListByOwner(ctx, ownerID)
}

func (s *service) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	j, err := s.jobs.GetByID(ctx, jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return j, err
}

func (s *service) ListJobs(ctx context.Context, taskID uuid.UUID) ([]*models.Job, error) {
	return s.jobs.ListByTask(ctx, taskID)
}
