package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/pipeline"
)

// ProjectHandler serves the multi-step pipeline endpoints.
type ProjectHandler struct {
	Projects pipeline.Service
	Logger   *slog.Logger
}

type createProjectRequest struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type stepRequest struct {
	Input json.RawMessage `json:"input"`
}

// --- POST /api/v1/projects ---

func (h *ProjectHandler) CreateProject(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	project, err := h.Projects.CreateProject(r.Context(), p.AccountID, req.Name, req.Input)
	if err != nil {
		writeServiceError(w, h.Logger, err, "failed to create project")
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

// --- GET /api/v1/projects ---

func (h *ProjectHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	list, err := h.Projects.ListProjects(r.Context(), p.AccountID)
	if err != nil {
		writeServiceError(w, h.Logger, err, "failed to list projects")
		return
	}
	if list == nil {
		list = []*models.Project{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- GET /api/v1/projects/{id} ---

func (h *ProjectHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// --- POST /api/v1/projects/{id}/steps/{step} ---

// ExecuteStep runs one step. {step} is the step index or its name. Async
// steps answer 202 with the operation handle to poll.
func (h *ProjectHandler) ExecuteStep(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	index, ok := stepIndex(project, chi.URLParam(r, "step"))
	if !ok {
		writeError(w, http.StatusBadRequest, pipeline.ErrInvalidStep.Error())
		return
	}
	req, ok := decodeStepRequest(w, r)
	if !ok {
		return
	}
	res, err := h.Projects.ExecuteStep(r.Context(), project.ID, index, req.Input)
	h.writeStepResult(w, res, err)
}

// --- POST /api/v1/projects/{id}/advance ---

// Advance executes the project's current step.
func (h *ProjectHandler) Advance(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	req, ok := decodeStepRequest(w, r)
	if !ok {
		return
	}
	res, err := h.Projects.Advance(r.Context(), project.ID, req.Input)
	h.writeStepResult(w, res, err)
}

// --- POST /api/v1/projects/{id}/steps/{step}/restart ---

func (h *ProjectHandler) RestartStep(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadProject(w, r)
	if !ok {
		return
	}
	index, ok := stepIndex(project, chi.URLParam(r, "step"))
	if !ok {
		writeError(w, http.StatusBadRequest, pipeline.ErrInvalidStep.Error())
		return
	}
	st, err := h.Projects.RestartStep(r.Context(), project.ID, index)
	if err != nil {
		writeServiceError(w, h.Logger, err, "failed to restart step")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- POST /api/v1/admin/projects/{id}/cancel ---

// CancelProject stops the project and refunds every charged step that did not
// finish. Admin only.
func (h *ProjectHandler) CancelProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	project, err := h.Projects.CancelProject(r.Context(), id)
	if err != nil {
		if project != nil {
			h.Logger.Warn("project cancellation incomplete", "project_id", id, "error", err)
			writeJSON(w, http.StatusAccepted, project)
			return
		}
		writeServiceError(w, h.Logger, err, "failed to cancel project")
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *ProjectHandler) writeStepResult(w http.ResponseWriter, res *pipeline.StepResult, err error) {
	if err != nil {
		writeServiceError(w, h.Logger, err, "step execution failed")
		return
	}
	if res.Operation != nil {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// loadProject resolves {id} to a project the caller may see.
func (h *ProjectHandler) loadProject(w http.ResponseWriter, r *http.Request) (*models.Project, bool) {
	p, ok := principal(w, r)
	if !ok {
		return nil, false
	}
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return nil, false
	}
	project, err := h.Projects.GetProject(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.Logger, err, "failed to load project")
		return nil, false
	}
	if !canSee(p, project.OwnerID) {
		writeError(w, http.StatusNotFound, pipeline.ErrProjectNotFound.Error())
		return nil, false
	}
	return project, true
}

// stepIndex accepts a numeric index or a step name. Range checks on numeric
// indexes are left to the service.
func stepIndex(p *models.Project, raw string) (int, bool) {
	if n, err := strconv.Atoi(raw); err == nil {
		return n, true
	}
	for _, st := range p.Steps {
		if st.Name == raw {
			return st.Index, true
		}
	}
	return 0, false
}

// decodeStepRequest reads the optional {"input": ...} body.
func decodeStepRequest(w http.ResponseWriter, r *http.Request) (stepRequest, bool) {
	var req stepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	return req, true
}
