package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/metrics"
	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/provider"
)

// The methods below let the operation poller drive async steps. They run
// inside the poller's transaction.

var errNotStepOwner = errors.New("operation owner is not a project step")

func stepOwner(owner models.OperationOwner) (uuid.UUID, int, error) {
	if owner.Type != models.OwnerStep || owner.ProjectID == nil || owner.StepIndex == nil {
		return uuid.Nil, 0, errNotStepOwner
	}
	return *owner.ProjectID, *owner.StepIndex, nil
}

func (s *service) AttachOperation(ctx context.Context, tx pgx.Tx, owner models.OperationOwner, operationID uuid.UUID) error {
	projectID, index, err := stepOwner(owner)
	if err != nil {
		return err
	}
	return s.projects.SetStepOperation(ctx, tx, projectID, index, operationID)
}

func (s *service) CompleteOperationTx(ctx context.Context, tx pgx.Tx, owner models.OperationOwner, result provider.Result) error {
	projectID, index, err := stepOwner(owner)
	if err != nil {
		return err
	}
	output := stepOutput(result)
	if index < len(s.cfg.Steps) {
		s.checkOutput(ctx, projectID, index, s.cfg.Steps[index].Kind, output)
	}
	completed, err := s.projects.CompleteStep(ctx, tx, projectID, index, output)
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	if completed {
		metrics.StepExecutions.WithLabelValues("done").Inc()
		s.log.Info("step done", "project_id", projectID, "step", index, "result_ref", result.Ref)
	}
	return nil
}

func (s *service) FailOperationTx(ctx context.Context, tx pgx.Tx, owner models.OperationOwner, reason string, refund bool) error {
	projectID, index, err := stepOwner(owner)
	if err != nil {
		return err
	}
	p, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	applied, err := s.failStepTx(ctx, tx, p.OwnerID, projectID, index, reason, refund)
	if err != nil {
		return err
	}
	if applied {
		metrics.StepExecutions.WithLabelValues("failed").Inc()
		s.log.Warn("step failed", "project_id", projectID, "step", index, "reason", reason, "refunded", refund)
	}
	return nil
}
