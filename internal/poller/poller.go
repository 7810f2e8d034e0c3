// Package poller drives slow provider operations to a terminal state. A
// persisted handle is polled until the provider reports success or failure,
// or the handle's deadline passes, and the outcome is fed exactly once to the
// job or project step that owns it.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/db"
	"github.com/inaiurai/pointsmith/internal/metrics"
	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/provider"
)

var (
	// ErrOperationTimeout is wrapped in a permanent *provider.Error when a
	// handle is still pending after its deadline.
	ErrOperationTimeout  = errors.New("operation timed out")
	ErrOperationNotFound = errors.New("operation not found")
	ErrNoSink            = errors.New("no sink registered for owner type")
)

const (
	defaultInterval = 5 * time.Second
	defaultTimeout  = 10 * time.Minute
)

// State is the result of one poll.
type State string

const (
	StateRunning     State = "running"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateAlreadyDone State = "already_done"
)

// PollResult reports what one poll observed and applied.
type PollResult struct {
	State     State  `json:"state"`
	ResultRef string `json:"result_ref,omitempty"`
	Reason    string `json:"reason,omitempty"`
	// Err is the provider error behind a Failed result, if any.
	Err error `json:"-"`
}

// Sink is implemented by the owners of operations. The Tx methods run inside
// the poller's transaction, together with the claim on the handle.
type Sink interface {
	AttachOperation(ctx context.Context, tx pgx.Tx, owner models.OperationOwner, operationID uuid.UUID) error
	CompleteOperationTx(ctx context.Context, tx pgx.Tx, owner models.OperationOwner, result provider.Result) error
	FailOperationTx(ctx context.Context, tx pgx.Tx, owner models.OperationOwner, reason string, refund bool) error
}

// OperationRepo is the subset of repository.OperationRepo the poller needs.
type OperationRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, op *models.Operation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Operation, error)
	ClaimDone(ctx context.Context, tx pgx.Tx, id uuid.UUID, outcome string, resultRef, errorReason *string) (bool, error)
	RecordPoll(ctx context.Context, id uuid.UUID) error
	ListOpen(ctx context.Context, limit int) ([]*models.Operation, error)
}

// StatusSource reports the provider status of a handle. Satisfied by *provider.Registry.
type StatusSource interface {
	Poll(ctx context.Context, kind, ref string) (provider.Status, error)
}

// SchedulePollFunc schedules a poll of the operation after delay within the
// given transaction. Provided by main using river.Client.InsertTx.
type SchedulePollFunc func(ctx context.Context, tx pgx.Tx, operationID uuid.UUID, delay time.Duration) error

type Config struct {
	// Interval is the delay between polls of one handle.
	Interval time.Duration
	// Timeout bounds how long a handle may stay pending.
	Timeout time.Duration
}

type Poller struct {
	pool     db.TxBeginner
	ops      OperationRepo
	status   StatusSource
	schedule SchedulePollFunc
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	sinks map[string]Sink
}

func New(pool db.TxBeginner, ops OperationRepo, status StatusSource, schedule SchedulePollFunc, cfg Config, log *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		pool:     pool,
		ops:      ops,
		status:   status,
		schedule: schedule,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		sinks:    make(map[string]Sink),
	}
}

// RegisterSink routes operations owned by ownerType to s.
func (p *Poller) RegisterSink(ownerType string, s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks[ownerType] = s
}

// Interval is the configured delay between polls.
func (p *Poller) Interval() time.Duration { return p.cfg.Interval }

func (p *Poller) sink(ownerType string) (Sink, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sinks[ownerType]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoSink, ownerType)
	}
	return s, nil
}

// StartOperation starts the provider operation, then persists its handle,
// attaches it to the owner and schedules the first poll in one transaction.
// Once the provider has accepted the work the handle is recorded even if ctx
// is cancelled.
func (p *Poller) StartOperation(ctx context.Context, owner models.OperationOwner, kind string, start func(ctx context.Context) (string, error)) (*models.Operation, error) {
	sink, err := p.sink(owner.Type)
	if err != nil {
		return nil, err
	}
	ref, err := start(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := db.Detach(ctx)
	defer cancel()
	now := p.now()
	op := &models.Operation{
		ID:          uuid.New(),
		Owner:       owner,
		Kind:        kind,
		ProviderRef: ref,
		StartedAt:   now,
		DeadlineAt:  now.Add(p.cfg.Timeout),
	}
	err = db.RunTx(ctx, p.pool, func(tx pgx.Tx) error {
		if err := p.ops.CreateTx(ctx, tx, op); err != nil {
			return fmt.Errorf("insert operation: %w", err)
		}
		if err := sink.AttachOperation(ctx, tx, owner, op.ID); err != nil {
			return fmt.Errorf("attach operation: %w", err)
		}
		if p.schedule != nil {
			if err := p.schedule(ctx, tx, op.ID, p.cfg.Interval); err != nil {
				return fmt.Errorf("schedule poll: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		p.log.Error("operation started but not recorded", "kind", kind, "provider_ref", ref, "error", err)
		return nil, err
	}
	p.log.Info("operation started", "operation_id", op.ID, "kind", kind, "owner", owner.Type, "provider_ref", ref)
	return op, nil
}

// PollOnce polls the handle once and applies a terminal status to its owner.
// Finished handles are reported as AlreadyDone without side effects.
func (p *Poller) PollOnce(ctx context.Context, operationID uuid.UUID) (*PollResult, error) {
	op, err := p.ops.GetByID(ctx, operationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	if op.Done {
		metrics.OperationPolls.WithLabelValues(string(StateAlreadyDone)).Inc()
		return alreadyDone(op), nil
	}
	sink, err := p.sink(op.Owner.Type)
	if err != nil {
		return nil, err
	}

	status, err := p.status.Poll(ctx, op.Kind, op.ProviderRef)
	if err != nil {
		if provider.IsPermanent(err) {
			return p.fail(ctx, sink, op, err)
		}
		metrics.OperationPolls.WithLabelValues("error").Inc()
		p.log.Warn("operation poll failed", "operation_id", op.ID, "kind", op.Kind, "error", err)
		return p.pending(ctx, sink, op)
	}

	switch st := status.(type) {
	case provider.Pending:
		return p.pending(ctx, sink, op)
	case provider.Done:
		return p.succeed(ctx, sink, op, st.Result)
	case provider.DoneError:
		return p.fail(ctx, sink, op, &provider.Error{Provider: op.Kind, Op: "operation", Permanent: true, Err: errors.New(st.Reason)})
	default:
		metrics.OperationPolls.WithLabelValues("error").Inc()
		p.log.Warn("operation poll returned an unknown status", "operation_id", op.ID, "status", fmt.Sprintf("%T", status))
		return p.pending(ctx, sink, op)
	}
}

// pending records the poll, or times the handle out once its deadline passed.
func (p *Poller) pending(ctx context.Context, sink Sink, op *models.Operation) (*PollResult, error) {
	if !p.now().Before(op.DeadlineAt) {
		return p.fail(ctx, sink, op, &provider.Error{Provider: op.Kind, Op: "poll", Permanent: true, Err: ErrOperationTimeout})
	}
	if err := p.ops.RecordPoll(ctx, op.ID); err != nil {
		return nil, fmt.Errorf("record poll: %w", err)
	}
	metrics.OperationPolls.WithLabelValues(string(StateRunning)).Inc()
	return &PollResult{State: StateRunning}, nil
}

func (p *Poller) succeed(ctx context.Context, sink Sink, op *models.Operation, result provider.Result) (*PollResult, error) {
	ctx, cancel := db.Detach(ctx)
	defer cancel()
	var claimed bool
	err := db.RunTx(ctx, p.pool, func(tx pgx.Tx) error {
		var err error
		claimed, err = p.ops.ClaimDone(ctx, tx, op.ID, models.OperationSucceeded, &result.Ref, nil)
		if err != nil || !claimed {
			return err
		}
		return sink.CompleteOperationTx(ctx, tx, op.Owner, result)
	})
	if err != nil {
		return nil, fmt.Errorf("complete operation: %w", err)
	}
	if !claimed {
		return p.reload(ctx, op)
	}
	metrics.OperationPolls.WithLabelValues(string(StateSucceeded)).Inc()
	p.log.Info("operation succeeded", "operation_id", op.ID, "result_ref", result.Ref, "polls", op.PollCount+1)
	return &PollResult{State: StateSucceeded, ResultRef: result.Ref}, nil
}

// fail claims the handle and runs the owner's compensation in one
// transaction. When that transaction cannot commit, the failure is recorded
// without the refund for the reconciliation sweep to finish. Neither write
// depends on the caller's ctx staying alive.
func (p *Poller) fail(ctx context.Context, sink Sink, op *models.Operation, cause error) (*PollResult, error) {
	ctx, cancel := db.Detach(ctx)
	defer cancel()
	reason := cause.Error()
	apply := func(refund bool) (bool, error) {
		var claimed bool
		err := db.RunTx(ctx, p.pool, func(tx pgx.Tx) error {
			var err error
			claimed, err = p.ops.ClaimDone(ctx, tx, op.ID, models.OperationFailed, nil, &reason)
			if err != nil || !claimed {
				return err
			}
			return sink.FailOperationTx(ctx, tx, op.Owner, reason, refund)
		})
		return claimed, err
	}

	claimed, err := apply(true)
	if err != nil {
		p.log.Warn("operation refund failed, deferring to reconciliation", "operation_id", op.ID, "error", err)
		var deferErr error
		claimed, deferErr = apply(false)
		if deferErr != nil {
			return nil, fmt.Errorf("record operation failure: %w", errors.Join(err, deferErr))
		}
		if claimed {
			metrics.RefundsDeferred.WithLabelValues(op.Owner.Type).Inc()
		}
	}
	if !claimed {
		return p.reload(ctx, op)
	}
	metrics.OperationPolls.WithLabelValues(string(StateFailed)).Inc()
	p.log.Info("operation failed", "operation_id", op.ID, "reason", reason, "polls", op.PollCount+1)
	return &PollResult{State: StateFailed, Reason: reason, Err: cause}, nil
}

// reload reports the outcome another poller committed first.
func (p *Poller) reload(ctx context.Context, op *models.Operation) (*PollResult, error) {
	metrics.OperationPolls.WithLabelValues(string(StateAlreadyDone)).Inc()
	fresh, err := p.ops.GetByID(ctx, op.ID)
	if err != nil {
		return &PollResult{State: StateAlreadyDone}, nil
	}
	return alreadyDone(fresh), nil
}

func alreadyDone(op *models.Operation) *PollResult {
	res := &PollResult{State: StateAlreadyDone}
	if op.ResultRef != nil {
		res.ResultRef = *op.ResultRef
	}
	if op.ErrorReason != nil {
		res.Reason = *op.ErrorReason
	}
	return res
}

// Sweep polls every open handle once. It catches handles whose scheduled
// poll was lost and returns how many reached a terminal state.
func (p *Poller) Sweep(ctx context.Context, limit int) (int, error) {
	open, err := p.ops.ListOpen(ctx, limit)
	if err != nil {
		return 0, err
	}
	var (
		finished int
		errs     []error
	)
	for _, op := range open {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := p.PollOnce(ctx, op.ID)
		if err != nil {
			p.log.Error("sweep poll failed", "operation_id", op.ID, "error", err)
			errs = append(errs, fmt.Errorf("operation %s: %w", op.ID, err))
			continue
		}
		if res.State == StateSucceeded || res.State == StateFailed {
			finished++
		}
	}
	if finished > 0 {
		p.log.Info("operation sweep finished", "open", len(open), "finished", finished)
	}
	return finished, errors.Join(errs...)
}
