package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/jobs"
	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/pipeline"
	"github.com/inaiurai/pointsmith/internal/poller"
)

// OperationReader loads operation handles. Satisfied by repository.OperationRepo.
type OperationReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Operation, error)
}

// OperationPoller is satisfied by *poller.Poller.
type OperationPoller interface {
	PollOnce(ctx context.Context, operationID uuid.UUID) (*poller.PollResult, error)
}

// OwnerLookup resolves the account that owns an operation's job or project.
type OwnerLookup func(ctx context.Context, owner models.OperationOwner) (uuid.UUID, error)

// ServiceOwners resolves owners through the job and pipeline services.
func ServiceOwners(tasks jobs.Service, projects pipeline.Service) OwnerLookup {
	return func(ctx context.Context, owner models.OperationOwner) (uuid.UUID, error) {
		switch {
		case owner.Type == models.OwnerJob && owner.JobID != nil:
			j, err := tasks.GetJob(ctx, *owner.JobID)
			if err != nil {
				return uuid.Nil, err
			}
			return j.OwnerID, nil
		case owner.Type == models.OwnerStep && owner.ProjectID != nil:
			p, err := projects.GetProject(ctx, *owner.ProjectID)
			if err != nil {
				return uuid.Nil, err
			}
			return p.OwnerID, nil
		}
		return uuid.Nil, fmt.Errorf("operation has malformed owner %q", owner.Type)
	}
}

// OperationHandler serves operation handles. Reading an open handle polls
// the provider once, so clients that poll the API drive progress even when
// no worker is running.
type OperationHandler struct {
	Operations OperationReader
	Poller     OperationPoller
	OwnerOf    OwnerLookup
	Logger     *slog.Logger
}

type operationResponse struct {
	Operation *models.Operation  `json:"operation"`
	Poll      *poller.PollResult `json:"poll,omitempty"`
}

// --- GET /api/v1/operations/{id} ---

func (h *OperationHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid operation id")
		return
	}
	op, err := h.load(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.Logger, err, "failed to load operation")
		return
	}
	owner, err := h.OwnerOf(r.Context(), op.Owner)
	if err != nil {
		writeServiceError(w, h.Logger, err, "failed to resolve operation owner")
		return
	}
	if !canSee(p, owner) {
		writeError(w, http.StatusNotFound, poller.ErrOperationNotFound.Error())
		return
	}
	if op.Done {
		writeJSON(w, http.StatusOK, operationResponse{Operation: op})
		return
	}

	res, err := h.Poller.PollOnce(r.Context(), id)
	if err != nil {
		// The stored handle is still accurate; the next read or sweep retries.
		h.Logger.Warn("on-demand poll failed", "operation_id", id, "error", err)
		writeJSON(w, http.StatusOK, operationResponse{Operation: op})
		return
	}
	if fresh, err := h.load(r.Context(), id); err == nil {
		op = fresh
	}
	writeJSON(w, http.StatusOK, operationResponse{Operation: op, Poll: res})
}

func (h *OperationHandler) load(ctx context.Context, id uuid.UUID) (*models.Operation, error) {
	op, err := h.Operations.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, poller.ErrOperationNotFound
	}
	return op, err
}
