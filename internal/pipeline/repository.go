package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/provider"
)

// ProjectRepo is the subset of repository.ProjectRepo the state machine needs.
type ProjectRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.Project) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Project, error)
	ClaimStep(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, index int, cost int64, input json.RawMessage) (bool, error)
	CompleteStep(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, index int, output json.RawMessage) (bool, error)
	FailStep(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, index int, reason string, refunded bool) (*models.ProjectStep, error)
	ClaimStepRefund(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, index int) (*models.ProjectStep, error)
	ResetStep(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, index int) (bool, error)
	SetStepOperation(ctx context.Context, tx pgx.Tx, projectID uuid.UUID, index int, operationID uuid.UUID) error
	MarkCancelled(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (bool, error)
	ListUnrefundedFailedSteps(ctx context.Context, limit int) ([]*models.ProjectStep, error)
	ListStaleSteps(ctx context.Context, before time.Time, limit int) ([]*models.ProjectStep, error)
}

// Runner executes step work. Satisfied by *provider.Registry.
type Runner interface {
	Mode(kind string) (provider.Mode, error)
	Call(ctx context.Context, req provider.Request) (provider.Result, error)
	Start(ctx context.Context, req provider.Request) (string, error)
}

// OperationStarter hands slow steps to the operation poller. Satisfied by *poller.Poller.
type OperationStarter interface {
	StartOperation(ctx context.Context, owner models.OperationOwner, kind string, start func(ctx context.Context) (string, error)) (*models.Operation, error)
}

// PayloadValidator checks step payloads against the kind's schemas. Input
// mismatches reject the step; output mismatches are only logged.
type PayloadValidator interface {
	ValidateInput(ctx context.Context, kind string, input json.RawMessage) error
	ValidateOutput(ctx context.Context, kind string, output json.RawMessage) error
}
