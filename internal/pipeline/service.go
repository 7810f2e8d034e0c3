// Package pipeline runs projects: ordered steps where each step may only
// execute once every earlier step has stored its output. Each execution is
// charged before it runs and refunded exactly once if it fails.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/db"
	"github.com/inaiurai/pointsmith/internal/ledger"
	"github.com/inaiurai/pointsmith/internal/metrics"
	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/provider"
)

var (
	// ErrStepNotReady is returned when an earlier step has no stored output.
	ErrStepNotReady     = errors.New("step not ready")
	ErrInvalidStep      = errors.New("invalid step")
	ErrStepAlreadyDone  = errors.New("step already done")
	ErrStepInProgress   = errors.New("step in progress")
	ErrStepFailed       = errors.New("step failed; restart it first")
	ErrProjectCancelled = errors.New("project cancelled")
	ErrProjectComplete  = errors.New("project complete")
	ErrProjectNotFound  = errors.New("project not found")
	ErrInvalidProject   = errors.New("invalid project")
	ErrInvalidInput     = errors.New("invalid step input")
)

const (
	cancelReason  = "project cancelled"
	stalledReason = "step stalled"
)

// StepDef configures one pipeline step.
type StepDef struct {
	Name string
	Kind string
	Cost int64
}

type Config struct {
	Steps []StepDef
	// StaleAfter is how long a step may stay running without an operation
	// before ReconcileRefunds fails it. Zero disables the check.
	StaleAfter time.Duration
}

// StepResult is the state of a step after an execution request. Operation is
// set when the step was handed to the poller and is still running.
type StepResult struct {
	Step      *models.ProjectStep `json:"step"`
	Operation *models.Operation   `json:"operation,omitempty"`
}

type Service interface {
	CreateProject(ctx context.Context, ownerID uuid.UUID, name string, input json.RawMessage) (*models.Project, error)
	GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context, ownerID uuid.UUID) ([]*models.Project, error)
	ExecuteStep(ctx context.Context, projectID uuid.UUID, index int, input json.RawMessage) (*StepResult, error)
	Advance(ctx context.Context, projectID uuid.UUID, input json.RawMessage) (*StepResult, error)
	RestartStep(ctx context.Context, projectID uuid.UUID, index int) (*models.ProjectStep, error)
	CancelProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	ReconcileRefunds(ctx context.Context, limit int) (int, error)
}

type service struct {
	pool      db.TxBeginner
	projects  ProjectRepo
	ledger    ledger.Service
	runner    Runner
	starter   OperationStarter
	validator PayloadValidator
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
}

// NewService creates the pipeline state machine. starter may be nil when no
// configured step kind is async; validator may be nil.
// Returns *service so it can also be registered as the poller's step sink.
func NewService(pool db.TxBeginner, projects ProjectRepo, ledgerSvc ledger.Service, runner Runner, starter OperationStarter, validator PayloadValidator, cfg Config, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	return &service{
		pool:      pool,
		projects:  projects,
		ledger:    ledgerSvc,
		runner:    runner,
		starter:   starter,
		validator: validator,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

var _ Service = (*service)(nil)

// CreateProject creates the project with one not_started row per configured step.
func (s *service) CreateProject(ctx context.Context, ownerID uuid.UUID, name string, input json.RawMessage) (*models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidProject)
	}
	if len(s.cfg.Steps) == 0 {
		return nil, fmt.Errorf("%w: no pipeline steps configured", ErrInvalidProject)
	}
	p := &models.Project{
		ID:      uuid.New(),
		OwnerID: ownerID,
		Name:    name,
		Input:   input,
	}
	for i, def := range s.cfg.Steps {
		p.Steps = append(p.Steps, &models.ProjectStep{
			ProjectID: p.ID,
			Index:     i,
			Name:      def.Name,
			Kind:      def.Kind,
			State:     models.StepNotStarted,
			Cost:      def.Cost,
		})
	}
	err := db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		return s.projects.CreateTx(ctx, tx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	p.Status = p.DeriveStatus()
	s.log.Info("project created", "project_id", p.ID, "owner_id", ownerID, "steps", len(p.Steps))
	return p, nil
}

func (s *service) GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	p, err := s.projects.GetByID(ctx, projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	return p, err
}

func (s *service) ListProjects(ctx context.Context, ownerID uuid.UUID) ([]*models.Project, error) {
	return s.projects.ListByOwner(ctx, ownerID)
}

// checkStep applies the gate and the state rules to step index of p. It has
// no side effects.
func checkStep(p *models.Project, index int) (*models.ProjectStep, error) {
	if index < 0 || index >= len(p.Steps) {
		return nil, fmt.Errorf("%w: %d (project has %d steps)", ErrInvalidStep, index, len(p.Steps))
	}
	if p.CancelledAt != nil {
		return nil, ErrProjectCancelled
	}
	for _, prev := range p.Steps[:index] {
		if !prev.HasOutput() {
			return nil, fmt.Errorf("%w: step %d (%s) has no output", ErrStepNotReady, prev.Index, prev.Name)
		}
	}
	st := p.Steps[index]
	switch st.State {
	case models.StepDone:
		return nil, ErrStepAlreadyDone
	case models.StepRunning:
		return nil, ErrStepInProgress
	case models.StepFailed:
		return nil, ErrStepFailed
	}
	return st, nil
}

// stepInput is the explicit input, or else the previous step's output, or
// else the project input for the first step.
func stepInput(p *models.Project, index int, input json.RawMessage) json.RawMessage {
	if len(input) > 0 {
		return input
	}
	if index > 0 {
		return p.Steps[index-1].Output
	}
	return p.Input
}

// ExecuteStep charges for step index and runs it. Rejections leave no trace:
// nothing is debited and no provider is called.
func (s *service) ExecuteStep(ctx context.Context, projectID uuid.UUID, index int, input json.RawMessage) (*StepResult, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	st, err := checkStep(p, index)
	if err != nil {
		metrics.StepExecutions.WithLabelValues("rejected").Inc()
		return nil, err
	}
	mode, err := s.runner.Mode(st.Kind)
	if err != nil {
		return nil, err
	}
	if mode == provider.ModeAsync && s.starter == nil {
		return nil, fmt.Errorf("step kind %q is async but no poller is configured", st.Kind)
	}
	in := stepInput(p, index, input)
	if s.validator != nil {
		if err := s.validator.ValidateInput(ctx, st.Kind, in); err != nil {
			metrics.StepExecutions.WithLabelValues("rejected").Inc()
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	err = db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		claimed, err := s.projects.ClaimStep(ctx, tx, projectID, index, st.Cost, in)
		if err != nil {
			return fmt.Errorf("claim step: %w", err)
		}
		if !claimed {
			return errLostClaim
		}
		desc := fmt.Sprintf("project %s step %d (%s)", projectID, index, st.Name)
		_, err = s.ledger.DebitTx(ctx, tx, p.OwnerID, st.Cost, desc, models.StepRef(projectID, index))
		return err
	})
	if errors.Is(err, errLostClaim) {
		return nil, s.claimError(ctx, projectID, index)
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("step started", "project_id", projectID, "step", index, "kind", st.Kind, "cost", st.Cost)

	req := provider.Request{Kind: st.Kind, Input: in}
	if mode == provider.ModeAsync {
		op, err := s.starter.StartOperation(ctx, models.StepOwner(projectID, index), st.Kind, func(ctx context.Context) (string, error) {
			return s.runner.Start(ctx, req)
		})
		if err != nil {
			return nil, s.compensate(ctx, p.OwnerID, projectID, index, err)
		}
		metrics.StepExecutions.WithLabelValues("started").Inc()
		return &StepResult{Step: s.reloadStep(ctx, projectID, index), Operation: op}, nil
	}

	res, err := s.runner.Call(ctx, req)
	if err != nil {
		return nil, s.compensate(ctx, p.OwnerID, projectID, index, err)
	}
	output := stepOutput(res)
	s.checkOutput(ctx, projectID, index, st.Kind, output)
	// The provider has done the work; keep its output even if the caller
	// has gone away.
	sctx, cancel := db.Detach(ctx)
	defer cancel()
	var completed bool
	err = db.RunTx(sctx, s.pool, func(tx pgx.Tx) error {
		var err error
		completed, err = s.projects.CompleteStep(sctx, tx, projectID, index, output)
		return err
	})
	if err != nil {
		return nil, s.compensate(ctx, p.OwnerID, projectID, index, fmt.Errorf("store step output: %w", err))
	}
	if !completed {
		// Cancelled or failed as stalled while the provider was working;
		// that path refunded it.
		if p, err := s.projects.GetByID(sctx, projectID); err == nil && p.CancelledAt == nil {
			return nil, ErrStepFailed
		}
		return nil, ErrProjectCancelled
	}
	metrics.StepExecutions.WithLabelValues("done").Inc()
	s.log.Info("step done", "project_id", projectID, "step", index, "result_ref", res.Ref)
	return &StepResult{Step: s.reloadStep(sctx, projectID, index)}, nil
}

var (
	errLostClaim = errors.New("step claim lost")
	errStalled   = errors.New(stalledReason)
)

// claimError explains why a claim that passed the gate did not apply.
func (s *service) claimError(ctx context.Context, projectID uuid.UUID, index int) error {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if _, err := checkStep(p, index); err != nil {
		return err
	}
	return ErrStepInProgress
}

func (s *service) reloadStep(ctx context.Context, projectID uuid.UUID, index int) *models.ProjectStep {
	p, err := s.projects.GetByID(ctx, projectID)
	if err != nil || index >= len(p.Steps) {
		return nil
	}
	return p.Steps[index]
}

// stepOutput is the provider's structured output, or a reference wrapper
// when the provider only returned an artifact reference.
func stepOutput(res provider.Result) json.RawMessage {
	if len(res.Output) > 0 && string(res.Output) != "null" {
		return res.Output
	}
	out, _ := json.Marshal(map[string]string{"result_ref": res.Ref})
	return out
}

// checkOutput flags output that does not match the kind's schema. The step
// still completes.
func (s *service) checkOutput(ctx context.Context, projectID uuid.UUID, index int, kind string, output json.RawMessage) {
	if s.validator == nil {
		return
	}
	if err := s.validator.ValidateOutput(ctx, kind, output); err != nil {
		s.log.Warn("step output does not match schema", "project_id", projectID, "step", index, "kind", kind, "error", err)
	}
}

// Advance executes the project's current step.
func (s *service) Advance(ctx context.Context, projectID uuid.UUID, input json.RawMessage) (*StepResult, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.CurrentStep >= len(p.Steps) {
		return nil, ErrProjectComplete
	}
	return s.ExecuteStep(ctx, projectID, p.CurrentStep, input)
}

// failStepTx records the failure of a running step and, when refund is set,
// credits its cost back in the same transaction. It reports false when the
// step was not running.
func (s *service) failStepTx(ctx context.Context, tx pgx.Tx, ownerID, projectID uuid.UUID, index int, reason string, refund bool) (bool, error) {
	st, err := s.projects.FailStep(ctx, tx, projectID, index, reason, refund)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail step: %w", err)
	}
	if refund {
		if _, err := s.ledger.CreditTx(ctx, tx, ownerID, st.Cost, models.EntryRefund, "step failed: "+reason, models.StepRef(projectID, index)); err != nil {
			return false, fmt.Errorf("refund step: %w", err)
		}
	}
	return true, nil
}

// compensate fails the step and refunds it. When the refund cannot commit,
// the failure is recorded with refunded=false for ReconcileRefunds. Both
// writes run detached from the caller's cancellation. The cause is always
// returned to the caller.
func (s *service) compensate(ctx context.Context, ownerID, projectID uuid.UUID, index int, cause error) error {
	ctx, cancel := db.Detach(ctx)
	defer cancel()
	metrics.StepExecutions.WithLabelValues("failed").Inc()
	reason := cause.Error()
	var applied bool
	err := db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		applied, err = s.failStepTx(ctx, tx, ownerID, projectID, index, reason, true)
		return err
	})
	if err == nil {
		if applied {
			metrics.Refunds.WithLabelValues(models.OwnerStep, "inline").Inc()
		}
		s.log.Warn("step failed", "project_id", projectID, "step", index, "error", cause)
		return cause
	}
	s.log.Warn("step refund failed, deferring to reconciliation", "project_id", projectID, "step", index, "error", err)
	deferErr := db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := s.failStepTx(ctx, tx, ownerID, projectID, index, reason, false)
		return err
	})
	if deferErr != nil {
		return errors.Join(cause, fmt.Errorf("record step failure: %w", errors.Join(err, deferErr)))
	}
	metrics.RefundsDeferred.WithLabelValues(models.OwnerStep).Inc()
	return cause
}

// refundFailedStep credits a failed step whose refund is still outstanding.
// Claiming the refund flag and crediting commit together.
func (s *service) refundFailedStep(ctx context.Context, ownerID, projectID uuid.UUID, index int, path string) (bool, error) {
	var refunded bool
	err := db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		st, err := s.projects.ClaimStepRefund(ctx, tx, projectID, index)
		if errors.Is(err, pgx.ErrNoRows) {
			refunded = false
			return nil
		}
		if err != nil {
			return err
		}
		reason := "step failed"
		if st.ErrorReason != nil {
			reason += ": " + *st.ErrorReason
		}
		if _, err := s.ledger.CreditTx(ctx, tx, ownerID, st.Cost, models.EntryRefund, reason, models.StepRef(projectID, index)); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if refunded {
		metrics.Refunds.WithLabelValues(models.OwnerStep, path).Inc()
	}
	return refunded, nil
}

// RestartStep makes a failed step executable again, first completing any
// outstanding refund.
func (s *service) RestartStep(ctx context.Context, projectID uuid.UUID, index int) (*models.ProjectStep, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(p.Steps) {
		return nil, fmt.Errorf("%w: %d (project has %d steps)", ErrInvalidStep, index, len(p.Steps))
	}
	if p.CancelledAt != nil {
		return nil, ErrProjectCancelled
	}
	st := p.Steps[index]
	switch st.State {
	case models.StepNotStarted:
		return st, nil
	case models.StepDone:
		return nil, ErrStepAlreadyDone
	case models.StepRunning:
		return nil, ErrStepInProgress
	}

	if !st.Refunded {
		if _, err := s.refundFailedStep(ctx, p.OwnerID, projectID, index, "restart"); err != nil {
			return nil, fmt.Errorf("refund before restart: %w", err)
		}
	}
	var reset bool
	err = db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		reset, err = s.projects.ResetStep(ctx, tx, projectID, index)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reset step: %w", err)
	}
	if !reset {
		return nil, s.claimError(ctx, projectID, index)
	}
	s.log.Info("step restarted", "project_id", projectID, "step", index)
	return s.reloadStep(ctx, projectID, index), nil
}

// CancelProject marks the project cancelled, fails every running step and
// refunds every failed step that is still unrefunded. It is safe to repeat.
func (s *service) CancelProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status == models.ProjectStatusDone {
		return nil, ErrProjectComplete
	}
	err = db.RunTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := s.projects.MarkCancelled(ctx, tx, projectID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cancel project: %w", err)
	}
	// Reload: no step can be claimed once the cancellation has committed.
	if p, err = s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	var errs []error
	for _, st := range p.Steps {
		switch {
		case st.State == models.StepRunning:
			if err := s.compensate(ctx, p.OwnerID, projectID, st.Index, ErrProjectCancelled); err != ErrProjectCancelled {
				errs = append(errs, fmt.Errorf("step %d: %w", st.Index, err))
			}
		case st.State == models.StepFailed && !st.Refunded:
			if _, err := s.refundFailedStep(ctx, p.OwnerID, projectID, st.Index, "cancel"); err != nil {
				errs = append(errs, fmt.Errorf("step %d: %w", st.Index, err))
			}
		}
	}
	s.log.Info("project cancelled", "project_id", projectID)
	out, err := s.GetProject(ctx, projectID)
	if err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// ReconcileRefunds fails steps left running past StaleAfter, then credits
// failed steps whose refund could not commit together with the failure.
func (s *service) ReconcileRefunds(ctx context.Context, limit int) (int, error) {
	owners := make(map[uuid.UUID]uuid.UUID)
	ownerOf := func(projectID uuid.UUID) (uuid.UUID, error) {
		if owner, ok := owners[projectID]; ok {
			return owner, nil
		}
		p, err := s.projects.GetByID(ctx, projectID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("project %s: %w", projectID, err)
		}
		owners[projectID] = p.OwnerID
		return p.OwnerID, nil
	}

	var errs []error
	if s.cfg.StaleAfter > 0 {
		stale, err := s.projects.ListStaleSteps(ctx, s.now().Add(-s.cfg.StaleAfter), limit)
		if err != nil {
			errs = append(errs, fmt.Errorf("list stale steps: %w", err))
		}
		for _, st := range stale {
			owner, err := ownerOf(st.ProjectID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			s.log.Warn("failing stalled step", "project_id", st.ProjectID, "step", st.Index, "updated_at", st.UpdatedAt)
			if err := s.compensate(ctx, owner, st.ProjectID, st.Index, errStalled); err != errStalled {
				errs = append(errs, fmt.Errorf("project %s step %d: %w", st.ProjectID, st.Index, err))
			}
		}
	}

	steps, err := s.projects.ListUnrefundedFailedSteps(ctx, limit)
	if err != nil {
		errs = append(errs, err)
		return 0, errors.Join(errs...)
	}
	var n int
	for _, st := range steps {
		owner, err := ownerOf(st.ProjectID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		refunded, err := s.refundFailedStep(ctx, owner, st.ProjectID, st.Index, "reconcile")
		if err != nil {
			errs = append(errs, fmt.Errorf("project %s step %d: %w", st.ProjectID, st.Index, err))
			continue
		}
		if refunded {
			n++
		}
	}
	if n > 0 {
		s.log.Info("step refunds reconciled", "count", n)
	}
	return n, errors.Join(errs...)
}
