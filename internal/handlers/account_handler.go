package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/ledger"
	"github.com/inaiurai/pointsmith/internal/models"
)

// AccountReader loads accounts. Satisfied by repository.AccountRepo.
type AccountReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// AccountHandler serves the caller's account and ledger, and admin purchases.
type AccountHandler struct {
	Accounts AccountReader
	Ledger   ledger.Service
	Logger   *slog.Logger
}

// --- GET /api/v1/account ---

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	acc, err := h.Accounts.GetByID(r.Context(), p.AccountID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusNotFound, ledger.ErrAccountNotFound.Error())
		return
	}
	if err != nil {
		writeServiceError(w, h.Logger, err, "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// --- GET /api/v1/ledger ---

func (h *AccountHandler) ListLedger(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	entries, err := h.Ledger.Entries(r.Context(), p.AccountID)
	if err != nil {
		writeServiceError(w, h.Logger, err, "failed to list ledger entries")
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- POST /api/v1/admin/accounts/{id}/purchases ---

type purchaseRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// Purchase credits points bought outside the system. Admin only.
func (h *AccountHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := h.Ledger.Purchase(r.Context(), id, req.Amount, req.Description)
	if err != nil {
		writeServiceError(w, h.Logger, err, "purchase failed")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
