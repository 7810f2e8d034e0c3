package jobs

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/provider"
)

// The methods below let the operation poller drive job-owned operations. They
// run inside the poller's transaction.

var errNotJobOwner = errors.New("operation owner is not a job")

func (s *service) AttachOperation(ctx context.Context, tx pgx.Tx, owner models.OperationOwner, operationID uuid.UUID) error {
	if owner.Type != models.OwnerJob || owner.JobID == nil {
		return errNotJobOwner
	}
	return s.jobs.SetOperation(ctx, tx, *owner.JobID, operationID)
}

func (s *service) CompleteOperationTx(ctx context.Context, tx pgx.Tx, owner models.OperationOwner, result provider.Result) error {
	if owner.Type != models.OwnerJob || owner.JobID == nil {
		return errNotJobOwner
	}
	_, err := s.completeTx(ctx, tx, *owner.JobID, result.Ref)
	return err
}

func (s *service) FailOperationTx(ctx context.Context, tx pgx.Tx, owner models.OperationOwner, reason string, refund bool) error {
	if owner.Type != models.OwnerJob || owner.JobID == nil {
		return errNotJobOwner
	}
	_, err := s.failTx(ctx, tx, *owner.JobID, reason, refund)
	return err
}
