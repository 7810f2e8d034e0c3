package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/inaiurai/pointsmith/internal/jobs"
	"github.com/inaiurai/pointsmith/internal/middleware"
	"github.com/inaiurai/pointsmith/internal/models"
)

// TaskHandler serves the fan-out task endpoints.
type TaskHandler struct {
	Tasks  jobs.Service
	Logger *slog.Logger
}

// --- GET /api/v1/quote ---

// Quote prices a request without charging it. Counts come from the query
// string, one parameter per kind: /quote?image=3&video=1.
func (h *TaskHandler) Quote(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int)
	for kind, values := range r.URL.Query() {
		n, err := strconv.Atoi(values[0])
		if err != nil {
			writeError(w, http.StatusBadRequest, "count for "+kind+" must be an integer")
			return
		}
		counts[kind] = n
	}
	q, err := h.Tasks.Quote(counts)
	if err != nil {
		writeServiceError(w, h.Logger, err, "quote failed")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// --- POST /api/v1/tasks ---

type createTaskRequest struct {
	Counts map[string]int  `json:"counts"`
	Input  json.RawMessage `json:"input"`
}

// CreateTask handles POST /api/v1/tasks.
// Auth -> QuantityCheck (middleware) -> debit, fan out and enqueue in one transaction -> 202.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if q := middleware.QuoteFromCtx(r.Context()); q != nil {
		h.Logger.Debug("task quoted", "account_id", p.AccountID, "units", q.TotalUnits, "cost", q.TotalCost)
	}
	task, err := h.Tasks.CreateTask(r.Context(), p.AccountID, req.Counts, req.Input)
	if err != nil {
		writeServiceError(w, h.Logger, err, "failed to create task")
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

// --- GET /api/v1/tasks ---

func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	tasks, err := h.Tasks.ListTasks(r.Context(), p.AccountID)
	if err != nil {
		writeServiceError(w, h.Logger, err, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- GET /api/v1/tasks/{id} ---

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- GET /api/v1/tasks/{id}/jobs ---

func (h *TaskHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	list, err := h.Tasks.ListJobs(r.Context(), task.ID)
	if err != nil {
		writeServiceError(w, h.Logger, err, "failed to list jobs")
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- POST /api/v1/admin/tasks/{id}/cancel ---

// CancelTask fails every open job of the task and refunds each one. Admin only.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	res, err := h.Tasks.CancelTask(r.Context(), id)
	if err != nil {
		if res != nil {
			// Some jobs could not be failed; the cancellation can be repeated.
			h.Logger.Warn("task cancellation incomplete", "task_id", id, "error", err)
			writeJSON(w, http.StatusAccepted, res)
			return
		}
		writeServiceError(w, h.Logger, err, "failed to cancel task")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// loadTask resolves {id} to a task the caller may see.
func (h *TaskHandler) loadTask(w http.ResponseWriter, r *http.Request) (*models.Task, bool) {
	p, ok := principal(w, r)
	if !ok {
		return nil, false
	}
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return nil, false
	}
	task, err := h.Tasks.GetTask(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.Logger, err, "failed to load task")
		return nil, false
	}
	if !canSee(p, task.OwnerID) {
		writeError(w, http.StatusNotFound, jobs.ErrTaskNotFound.Error())
		return nil, false
	}
	return task, true
}
