// Package handlers is the HTTP adapter over the task, pipeline, ledger and
// operation services. Handlers decode requests, check ownership and map
// service errors to status codes; all state changes happen in the services.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/inaiurai/pointsmith/internal/jobs"
	"github.com/inaiurai/pointsmith/internal/ledger"
	"github.com/inaiurai/pointsmith/internal/middleware"
	"github.com/inaiurai/pointsmith/internal/pipeline"
	"github.com/inaiurai/pointsmith/internal/poller"
	"github.com/inaiurai/pointsmith/internal/provider"
	"github.com/inaiurai/pointsmith/internal/validation"
)

// statusFor maps a service error to its HTTP status. Anything unrecognised is
// an internal error and its message is not shown to the caller.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, jobs.ErrDailyLimit):
		return http.StatusForbidden
	case errors.Is(err, jobs.ErrTaskNotFound),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, pipeline.ErrProjectNotFound),
		errors.Is(err, poller.ErrOperationNotFound),
		errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidInput),
		errors.Is(err, validation.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrStepNotReady),
		errors.Is(err, pipeline.ErrStepAlreadyDone),
		errors.Is(err, pipeline.ErrStepInProgress),
		errors.Is(err, pipeline.ErrStepFailed),
		errors.Is(err, pipeline.ErrProjectCancelled),
		errors.Is(err, pipeline.ErrProjectComplete),
		errors.Is(err, jobs.ErrTaskFinished):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrInvalidRequest),
		errors.Is(err, pipeline.ErrInvalidStep),
		errors.Is(err, pipeline.ErrInvalidProject),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, provider.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status. Internal errors are
// logged and replaced by fallback.
func writeServiceError(w http.ResponseWriter, log *slog.Logger, err error, fallback string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error(fallback, "error", err)
		writeError(w, status, fallback)
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pathID parses the UUID route parameter name.
func pathID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// principal returns the caller set by BearerAuth, writing 401 when absent.
func principal(w http.ResponseWriter, r *http.Request) (*middleware.Principal, bool) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	return p, true
}

// canSee reports whether p may read a resource owned by owner. Other
// accounts' resources are reported as missing rather than forbidden.
func canSee(p *middleware.Principal, owner uuid.UUID) bool {
	return p.IsAdmin() || p.AccountID == owner
}
