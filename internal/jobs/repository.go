package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/models"
)

// TaskRepo is the subset of repository.TaskRepo the aggregator needs.
type TaskRepo interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Task, error)
	MarkProcessing(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	RecordOutcome(ctx context.Context, tx pgx.Tx, id uuid.UUID, success bool, resultRef *string) (*models.Task, error)
	MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (bool, error)
}

// JobRepo is the subset of repository.JobRepo the aggregator needs.
type JobRepo interface {
	CreateBatchTx(ctx context.Context, tx pgx.Tx, jobs []*models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Job, error)
	ListOpenByTask(ctx context.Context, taskID uuid.UUID) ([]*models.Job, error)
	ListUnrefundedFailed(ctx context.Context, limit int) ([]*models.Job, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]*models.Job, error)
	MarkProcessing(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempt int) (*models.Job, error)
	Complete(ctx context.Context, tx pgx.Tx, id uuid.UUID, resultRef string) (*models.Job, error)
	Fail(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string, refunded bool) (*models.Job, error)
	ClaimRefund(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error)
	SetOperation(ctx context.Context, tx pgx.Tx, id, operationID uuid.UUID) error
}

// InputValidator checks a task's input against the schema of each kind it requests.
type InputValidator interface {
	ValidateInput(ctx context.Context, kind string, input json.RawMessage) error
}

// EnqueueJobsTxFunc enqueues one worker job per Job row within the given
// transaction. Provided by main using river.Client.InsertManyTx.
type EnqueueJobsTxFunc func(ctx context.Context, tx pgx.Tx, jobs []*models.Job) error
