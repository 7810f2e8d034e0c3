package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"github.com/inaiurai/pointsmith/internal/middleware"
	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/pipeline"
	"github.com/inaiurai/pointsmith/internal/poller"
	"github.com/inaiurai/pointsmith/internal/provider"
)

func (e *env) createProject(t *testing.T) *models.Project {
	t.Helper()
	body := map[string]any{"name": "launch", "input": map[string]string{"topic": "otters"}}
	rec := do(t, http.MethodPost, "/projects", e.projectH.CreateProject, "/projects", body, e.user)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project status = %d, body %s", rec.Code, rec.Body.String())
	}
	return decode[*models.Project](t, rec)
}

type operationBody struct {
	Operation models.Operation   `json:"operation"`
	Poll      *poller.PollResult `json:"poll"`
}

// ---------------------------------------------------------------------------
// 1. TestProject_StepGating
//    Step 1 is rejected with 409 until step 0 has output; nothing is charged.
// ---------------------------------------------------------------------------

func TestProject_StepGating(t *testing.T) {
	e := newEnv(t, 100)
	p := e.createProject(t)
	before := e.store.Fingerprint()

	rec := do(t, http.MethodPost, "/projects/{id}/steps/{step}", e.projectH.ExecuteStep, "/projects/"+p.ID.String()+"/steps/render", nil, e.user)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 (%s)", rec.Code, rec.Body.String())
	}
	if e.store.Fingerprint() != before {
		t.Fatal("rejected step changed persisted state")
	}

	rec = do(t, http.MethodPost, "/projects/{id}/steps/{step}", e.projectH.ExecuteStep, "/projects/"+p.ID.String()+"/steps/sculpt", nil, e.user)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown step name status = %d, want 400", rec.Code)
	}
	rec = do(t, http.MethodPost, "/projects/{id}/steps/{step}", e.projectH.ExecuteStep, "/projects/"+p.ID.String()+"/steps/7", nil, e.user)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out of range step status = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// 2. TestProject_SyncThenAsyncViaOperationReads
//    Step 0 runs inline; step 1 starts an operation that completes when the
//    client reads the operation handle.
// ---------------------------------------------------------------------------

func TestProject_SyncThenAsyncViaOperationReads(t *testing.T) {
	e := newEnv(t, 100)
	p := e.createProject(t)
	base := "/projects/" + p.ID.String()

	rec := do(t, http.MethodPost, "/projects/{id}/steps/{step}", e.projectH.ExecuteStep, base+"/steps/0", nil, e.user)
	if rec.Code != http.StatusOK {
		t.Fatalf("step 0 status = %d, body %s", rec.Code, rec.Body.String())
	}
	if res := decode[pipeline.StepResult](t, rec); res.Step.State != models.StepDone {
		t.Fatalf("step 0 state = %s", res.Step.State)
	}

	rec = do(t, http.MethodPost, "/projects/{id}/advance", e.projectH.Advance, base+"/advance", nil, e.user)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("advance status = %d, body %s", rec.Code, rec.Body.String())
	}
	res := decode[pipeline.StepResult](t, rec)
	if res.Operation == nil || res.Step.State != models.StepRunning {
		t.Fatalf("expected a running step with an operation, got %+v", res)
	}
	opTarget := "/operations/" + res.Operation.ID.String()

	rec = do(t, http.MethodGet, "/operations/{id}", e.opH.GetOperation, opTarget, nil, e.user)
	if rec.Code != http.StatusOK {
		t.Fatalf("operation status = %d", rec.Code)
	}
	if body := decode[operationBody](t, rec); body.Operation.Done || body.Poll == nil || body.Poll.State != poller.StateRunning {
		t.Fatalf("expected a running operation, got %+v", body)
	}

	stranger := &middleware.Principal{AccountID: uuid.New(), Role: models.RoleUser}
	if rec := do(t, http.MethodGet, "/operations/{id}", e.opH.GetOperation, opTarget, nil, stranger); rec.Code != http.StatusNotFound {
		t.Fatalf("stranger status = %d, want 404", rec.Code)
	}

	e.video.set(provider.Done{Result: provider.Result{Ref: "vid-1", Output: json.RawMessage(`{"url":"https://cdn/vid-1"}`)}})
	rec = do(t, http.MethodGet, "/operations/{id}", e.opH.GetOperation, opTarget, nil, e.user)
	body := decode[operationBody](t, rec)
	if !body.Operation.Done || body.Operation.Outcome != models.OperationSucceeded {
		t.Fatalf("expected a succeeded operation, got %+v", body.Operation)
	}

	rec = do(t, http.MethodGet, "/projects/{id}", e.projectH.GetProject, base, nil, e.user)
	project := decode[models.Project](t, rec)
	if project.Status != models.ProjectStatusDone {
		t.Fatalf("project status = %s, want done", project.Status)
	}
	if got := e.store.Balance(e.account); got != 60 {
		t.Fatalf("balance = %d, want 60", got)
	}

	// A finished handle is served without polling again.
	rec = do(t, http.MethodGet, "/operations/{id}", e.opH.GetOperation, opTarget, nil, e.user)
	if body := decode[operationBody](t, rec); body.Poll != nil {
		t.Fatalf("done operation was polled again: %+v", body.Poll)
	}
}

// ---------------------------------------------------------------------------
// 3. TestProject_FailedOperationRestart
// ---------------------------------------------------------------------------

func TestProject_FailedOperationRestart(t *testing.T) {
	e := newEnv(t, 100)
	p := e.createProject(t)
	ctx := context.Background()
	if _, err := e.projects.ExecuteStep(ctx, p.ID, 0, nil); err != nil {
		t.Fatalf("step 0: %v", err)
	}
	res, err := e.projects.ExecuteStep(ctx, p.ID, 1, nil)
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}

	e.video.set(provider.DoneError{Reason: "render farm on fire"})
	rec := do(t, http.MethodGet, "/operations/{id}", e.opH.GetOperation, "/operations/"+res.Operation.ID.String(), nil, e.user)
	if body := decode[operationBody](t, rec); body.Operation.Outcome != models.OperationFailed {
		t.Fatalf("expected a failed operation, got %+v", body.Operation)
	}
	if got := e.store.Balance(e.account); got != 90 {
		t.Fatalf("balance = %d, want 90 after the refund", got)
	}

	target := "/projects/" + p.ID.String() + "/steps/render"
	rec = do(t, http.MethodPost, "/projects/{id}/steps/{step}", e.projectH.ExecuteStep, target, nil, e.user)
	if rec.Code != http.StatusConflict {
		t.Fatalf("executing a failed step status = %d, want 409", rec.Code)
	}

	rec = do(t, http.MethodPost, "/projects/{id}/steps/{step}/restart", e.projectH.RestartStep, target+"/restart", nil, e.user)
	if rec.Code != http.StatusOK {
		t.Fatalf("restart status = %d, body %s", rec.Code, rec.Body.String())
	}
	if st := decode[models.ProjectStep](t, rec); st.State != models.StepNotStarted {
		t.Fatalf("restarted step state = %s", st.State)
	}
	if got := e.store.Balance(e.account); got != 90 {
		t.Fatalf("restart must not refund twice, balance = %d", got)
	}
}

// ---------------------------------------------------------------------------
// 4. TestProject_CancelAndErrors
// ---------------------------------------------------------------------------

func TestProject_CancelAndErrors(t *testing.T) {
	e := newEnv(t, 100)
	p := e.createProject(t)
	ctx := context.Background()
	if _, err := e.projects.ExecuteStep(ctx, p.ID, 0, nil); err != nil {
		t.Fatalf("step 0: %v", err)
	}
	if _, err := e.projects.ExecuteStep(ctx, p.ID, 1, nil); err != nil {
		t.Fatalf("step 1: %v", err)
	}

	rec := do(t, http.MethodPost, "/admin/projects/{id}/cancel", e.projectH.CancelProject, "/admin/projects/"+p.ID.String()+"/cancel", nil, e.admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body %s", rec.Code, rec.Body.String())
	}
	if project := decode[models.Project](t, rec); project.Status != models.ProjectStatusFailed {
		t.Fatalf("cancelled project status = %s", project.Status)
	}
	// The running render step is refunded; the finished script step is not.
	if got := e.store.Balance(e.account); got != 90 {
		t.Fatalf("balance = %d, want 90", got)
	}

	rec = do(t, http.MethodPost, "/projects/{id}/advance", e.projectH.Advance, "/projects/"+p.ID.String()+"/advance", nil, e.user)
	if rec.Code != http.StatusConflict {
		t.Fatalf("advance after cancel status = %d, want 409", rec.Code)
	}

	rec = do(t, http.MethodPost, "/projects", e.projectH.CreateProject, "/projects", map[string]any{"name": " "}, e.user)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank name status = %d, want 400", rec.Code)
	}

	poor := newEnv(t, 5)
	pp := poor.createProject(t)
	rec = do(t, http.MethodPost, "/projects/{id}/advance", poor.projectH.Advance, "/projects/"+pp.ID.String()+"/advance", nil, poor.user)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("unfunded step status = %d, want 402", rec.Code)
	}
}
