package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/pointsmith/internal/ledger"
	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/poller"
	"github.com/inaiurai/pointsmith/internal/provider"
	"github.com/inaiurai/pointsmith/internal/testutil"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

// fakeProvider serves the sync kinds through call and the async "video" kind
// through a start/poll pair whose status the test sets.
type fakeProvider struct {
	mu       sync.Mutex
	requests []provider.Request
	fail     map[string]error
	status   provider.Status
	started  int
}

func (f *fakeProvider) call(_ context.Context, req provider.Request) (provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err := f.fail[req.Kind]; err != nil {
		return provider.Result{}, err
	}
	out, _ := json.Marshal(map[string]string{"kind": req.Kind, "text": req.Kind + " output"})
	return provider.Result{Ref: "ref-" + req.Kind, Output: out}, nil
}

func (f *fakeProvider) Start(_ context.Context, req provider.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return "op-" + req.Kind, nil
}

func (f *fakeProvider) Poll(context.Context, string) (provider.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		return provider.Pending{}, nil
	}
	return f.status, nil
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests) + f.started
}

type fixture struct {
	store    *testutil.Store
	svc      *service
	poller   *poller.Poller
	provider *fakeProvider
	registry *provider.Registry
	account  uuid.UUID
}

var testSteps = []StepDef{
	{Name: "script", Kind: "script", Cost: 10},
	{Name: "storyboard", Kind: "storyboard", Cost: 20},
	{Name: "render", Kind: "video", Cost: 30},
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	store := testutil.NewStore()
	led := ledger.NewService(store, store.Accounts(), store.Ledger(), nil)
	fp := &fakeProvider{fail: map[string]error{}}

	reg := provider.NewRegistry()
	reg.RegisterSync("script", provider.CallerFunc(fp.call))
	reg.RegisterSync("storyboard", provider.CallerFunc(fp.call))
	reg.RegisterAsync("video", fp)

	pl := poller.New(store, store.Operations(), reg, nil, poller.Config{}, nil)
	svc := NewService(store, store.Projects(), led, reg, pl, nil, Config{Steps: testSteps}, nil)
	pl.RegisterSink(models.OwnerStep, svc)

	return &fixture{store: store, svc: svc, poller: pl, provider: fp, registry: reg, account: store.AddAccount(balance)}
}

func (f *fixture) project(t *testing.T) *models.Project {
	t.Helper()
	p, err := f.svc.CreateProject(context.Background(), f.account, "launch video", json.RawMessage(`{"topic":"otters"}`))
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func (f *fixture) step(t *testing.T, projectID uuid.UUID, index int) *models.ProjectStep {
	t.Helper()
	p, err := f.svc.GetProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	return p.Steps[index]
}

func (f *fixture) mustExecute(t *testing.T, projectID uuid.UUID, index int) *StepResult {
	t.Helper()
	res, err := f.svc.ExecuteStep(context.Background(), projectID, index, nil)
	if err != nil {
		t.Fatalf("ExecuteStep(%d): %v", index, err)
	}
	return res
}

// ---------------------------------------------------------------------------
// 1. TestScenario_StepNotReady
// ---------------------------------------------------------------------------

func TestScenario_StepNotReady(t *testing.T) {
	f := newFixture(t, 100)
	p := f.project(t)
	before := f.store.Fingerprint()

	_, err := f.svc.ExecuteStep(context.Background(), p.ID, 1, nil)
	if !errors.Is(err, ErrStepNotReady) {
		t.Fatalf("expected ErrStepNotReady, got %v", err)
	}
	if f.store.Fingerprint() != before {
		t.Error("rejected step changed persisted state")
	}
	if f.store.Balance(f.account) != 100 {
		t.Errorf("balance = %d, want 100", f.store.Balance(f.account))
	}
	if f.provider.calls() != 0 {
		t.Error("rejected step reached the provider")
	}
}

// ---------------------------------------------------------------------------
// 2. TestPipeline_RunsToCompletion
// ---------------------------------------------------------------------------

func TestPipeline_RunsToCompletion(t *testing.T) {
	f := newFixture(t, 100)
	p := f.project(t)
	ctx := context.Background()

	res := f.mustExecute(t, p.ID, 0)
	if res.Step.State != models.StepDone || !res.Step.HasOutput() {
		t.Fatalf("step 0 = %+v", res.Step)
	}
	if string(f.provider.requests[0].Input) != `{"topic":"otters"}` {
		t.Errorf("step 0 input = %s", f.provider.requests[0].Input)
	}

	res, err := f.svc.Advance(ctx, p.ID, nil)
	if err != nil || res.Step.Index != 1 || res.Step.State != models.StepDone {
		t.Fatalf("Advance = %+v, %v", res, err)
	}
	if string(f.provider.requests[1].Input) != string(f.step(t, p.ID, 0).Output) {
		t.Errorf("step 1 input %s is not step 0 output", f.provider.requests[1].Input)
	}

	// The render step is async: it stays running until the poller finishes it.
	res, err = f.svc.Advance(ctx, p.ID, nil)
	if err != nil || res.Operation == nil || res.Step.State != models.StepRunning {
		t.Fatalf("async Advance = %+v, %v", res, err)
	}
	if st := f.step(t, p.ID, 2); st.OperationID == nil || *st.OperationID != res.Operation.ID {
		t.Errorf("step operation = %v", st.OperationID)
	}
	if _, err := f.svc.ExecuteStep(ctx, p.ID, 2, nil); !errors.Is(err, ErrStepInProgress) {
		t.Errorf("running step: got %v", err)
	}

	f.provider.status = provider.Done{Result: provider.Result{Ref: "s3://render.mp4"}}
	if pr, err := f.poller.PollOnce(ctx, res.Operation.ID); err != nil || pr.State != poller.StateSucceeded {
		t.Fatalf("PollOnce = %+v, %v", pr, err)
	}

	got, _ := f.svc.GetProject(ctx, p.ID)
	if got.Status != models.ProjectStatusDone || got.CurrentStep != 3 {
		t.Errorf("project status=%s current=%d", got.Status, got.CurrentStep)
	}
	if !got.Steps[2].HasOutput() {
		t.Error("render step has no output")
	}
	if f.store.Balance(f.account) != 40 {
		t.Errorf("balance = %d, want 40", f.store.Balance(f.account))
	}
	if _, err := f.svc.Advance(ctx, p.ID, nil); !errors.Is(err, ErrProjectComplete) {
		t.Errorf("Advance on finished project: got %v", err)
	}
	if _, err := f.svc.ExecuteStep(ctx, p.ID, 0, nil); !errors.Is(err, ErrStepAlreadyDone) {
		t.Errorf("re-execute: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 3. TestExecuteStep_FailureRefundsOnce
// ---------------------------------------------------------------------------

func TestExecuteStep_FailureRefundsOnce(t *testing.T) {
	f := newFixture(t, 100)
	p := f.project(t)
	ctx := context.Background()

	providerErr := &provider.Error{Provider: "script", Op: "generate", StatusCode: 500, Err: errors.New("boom")}
	f.provider.fail["script"] = providerErr
	_, err := f.svc.ExecuteStep(ctx, p.ID, 0, nil)
	if !errors.Is(err, provider.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	st := f.step(t, p.ID, 0)
	if st.State != models.StepFailed || !st.Refunded || st.HasOutput() {
		t.Fatalf("step = %+v", st)
	}
	if f.store.Balance(f.account) != 100 {
		t.Errorf("balance = %d, want 100", f.store.Balance(f.account))
	}

	// A failed step is rejected until restarted, and restarting never refunds twice.
	if _, err := f.svc.ExecuteStep(ctx, p.ID, 0, nil); !errors.Is(err, ErrStepFailed) {
		t.Errorf("failed step: got %v", err)
	}
	if _, err := f.svc.RestartStep(ctx, p.ID, 0); err != nil {
		t.Fatalf("RestartStep: %v", err)
	}
	delete(f.provider.fail, "script")
	f.mustExecute(t, p.ID, 0)

	if refunds := f.store.EntriesOf(f.account, models.EntryRefund); len(refunds) != 1 {
		t.Errorf("refund entries = %d, want 1", len(refunds))
	}
	if usage := f.store.EntriesOf(f.account, models.EntryUsage); len(usage) != 2 {
		t.Errorf("usage entries = %d, want 2", len(usage))
	}
	if st := f.step(t, p.ID, 0); st.Attempts != 2 || st.State != models.StepDone {
		t.Errorf("step = %+v", st)
	}
	if f.store.Balance(f.account) != 90 {
		t.Errorf("balance = %d, want 90", f.store.Balance(f.account))
	}
}

// ---------------------------------------------------------------------------
// 4. TestExecuteStep_RefundDeferred
// ---------------------------------------------------------------------------

func TestExecuteStep_RefundDeferred(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	f.provider.fail["script"] = errors.New("timeout")
	f.store.FailOn("accounts.AddBalance", 1, nil)

	p1 := f.project(t)
	if _, err := f.svc.ExecuteStep(ctx, p1.ID, 0, nil); err == nil {
		t.Fatal("expected step error")
	}
	if st := f.step(t, p1.ID, 0); st.State != models.StepFailed || st.Refunded {
		t.Fatalf("step = %+v, want failed and unrefunded", st)
	}
	if f.store.Balance(f.account) != 90 {
		t.Fatalf("balance = %d, want 90", f.store.Balance(f.account))
	}

	// Restart finishes the outstanding refund first.
	if _, err := f.svc.RestartStep(ctx, p1.ID, 0); err != nil {
		t.Fatalf("RestartStep: %v", err)
	}
	if f.store.Balance(f.account) != 100 {
		t.Errorf("balance after restart = %d, want 100", f.store.Balance(f.account))
	}

	// The reconciliation sweep finishes it otherwise, exactly once.
	f.store.FailOn("accounts.AddBalance", 1, nil)
	p2 := f.project(t)
	if _, err := f.svc.ExecuteStep(ctx, p2.ID, 0, nil); err == nil {
		t.Fatal("expected step error")
	}
	for i, want := range []int{1, 0} {
		n, err := f.svc.ReconcileRefunds(ctx, 10)
		if err != nil || n != want {
			t.Fatalf("ReconcileRefunds #%d = %d, %v; want %d", i+1, n, err, want)
		}
	}
	if f.store.Balance(f.account) != 100 {
		t.Errorf("balance = %d, want 100", f.store.Balance(f.account))
	}
	if refunds := f.store.EntriesOf(f.account, models.EntryRefund); len(refunds) != 2 {
		t.Errorf("refund entries = %d, want 2", len(refunds))
	}
}

// ---------------------------------------------------------------------------
// 5. TestExecuteStep_Rejections
// ---------------------------------------------------------------------------

func TestExecuteStep_Rejections(t *testing.T) {
	f := newFixture(t, 5)
	p := f.project(t)
	ctx := context.Background()
	before := f.store.Fingerprint()

	cases := []struct {
		name  string
		index int
		want  error
	}{
		{"negative index", -1, ErrInvalidStep},
		{"index out of range", 3, ErrInvalidStep},
		{"insufficient funds", 0, ledger.ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.ExecuteStep(ctx, p.ID, tc.index, nil); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if f.store.Fingerprint() != before {
		t.Error("rejected steps changed persisted state")
	}
	if f.provider.calls() != 0 {
		t.Error("rejected steps reached the provider")
	}
	if _, err := f.svc.ExecuteStep(ctx, uuid.New(), 0, nil); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("unknown project: got %v", err)
	}
	if _, err := f.svc.CreateProject(ctx, f.account, "  ", nil); !errors.Is(err, ErrInvalidProject) {
		t.Errorf("blank name: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 6. TestCancelProject
// ---------------------------------------------------------------------------

func TestCancelProject(t *testing.T) {
	f := newFixture(t, 100)
	p := f.project(t)
	ctx := context.Background()

	f.mustExecute(t, p.ID, 0)
	f.mustExecute(t, p.ID, 1)
	res := f.mustExecute(t, p.ID, 2)
	if f.store.Balance(f.account) != 40 {
		t.Fatalf("balance = %d, want 40", f.store.Balance(f.account))
	}

	got, err := f.svc.CancelProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("CancelProject: %v", err)
	}
	if got.Status != models.ProjectStatusFailed || got.CancelledAt == nil {
		t.Errorf("project = %+v", got)
	}
	if st := got.Steps[2]; st.State != models.StepFailed || !st.Refunded {
		t.Errorf("running step = %+v", st)
	}
	if f.store.Balance(f.account) != 70 {
		t.Errorf("balance = %d, want 70", f.store.Balance(f.account))
	}

	// The provider finishing later changes nothing.
	f.provider.status = provider.Done{Result: provider.Result{Ref: "late"}}
	if _, err := f.poller.PollOnce(ctx, res.Operation.ID); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if st := f.step(t, p.ID, 2); st.State != models.StepFailed || st.HasOutput() {
		t.Errorf("cancelled step = %+v", st)
	}

	// Repeating the cancellation is harmless; new work is rejected.
	if _, err := f.svc.CancelProject(ctx, p.ID); err != nil {
		t.Errorf("second CancelProject: %v", err)
	}
	if _, err := f.svc.RestartStep(ctx, p.ID, 2); !errors.Is(err, ErrProjectCancelled) {
		t.Errorf("RestartStep: got %v", err)
	}
	if f.store.Balance(f.account) != 70 {
		t.Errorf("balance = %d, want 70", f.store.Balance(f.account))
	}
}

// ---------------------------------------------------------------------------
// 7. TestExecuteStep_ConcurrentClaims
// ---------------------------------------------------------------------------

func TestExecuteStep_ConcurrentClaims(t *testing.T) {
	f := newFixture(t, 100)
	p := f.project(t)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ExecuteStep(context.Background(), p.ID, 0, nil)
			switch {
			case err == nil:
				mu.Lock()
				successes++
				mu.Unlock()
			case errors.Is(err, ErrStepInProgress), errors.Is(err, ErrStepAlreadyDone):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want 1", successes)
	}
	if usage := f.store.EntriesOf(f.account, models.EntryUsage); len(usage) != 1 {
		t.Errorf("usage entries = %d, want 1", len(usage))
	}
	if f.store.Balance(f.account) != 90 {
		t.Errorf("balance = %d, want 90", f.store.Balance(f.account))
	}
}

// ---------------------------------------------------------------------------
// 8. TestExecuteStep_InvalidInput
// ---------------------------------------------------------------------------

type rejectAll struct{}

func (rejectAll) ValidateInput(context.Context, string, json.RawMessage) error {
	return errors.New("prompt is required")
}

func (rejectAll) ValidateOutput(context.Context, string, json.RawMessage) error {
	return errors.New("unexpected output")
}

func TestExecuteStep_InvalidInput(t *testing.T) {
	f := newFixture(t, 100)
	f.svc.validator = rejectAll{}
	p := f.project(t)
	before := f.store.Fingerprint()

	if _, err := f.svc.ExecuteStep(context.Background(), p.ID, 0, json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if f.store.Fingerprint() != before {
		t.Error("rejected input changed persisted state")
	}
	if f.provider.calls() != 0 {
		t.Error("rejected input reached the provider")
	}
}

// ---------------------------------------------------------------------------
// 9. TestExecuteStep_CallerCancelled
//    The request goes away while the provider is working. The failure and
//    refund are still written, and a result that did arrive is kept.
// ---------------------------------------------------------------------------

func TestExecuteStep_CallerCancelled(t *testing.T) {
	f := newFixture(t, 100)
	p := f.project(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.registry.RegisterSync("script", provider.CallerFunc(func(ctx context.Context, _ provider.Request) (provider.Result, error) {
		cancel()
		<-ctx.Done()
		return provider.Result{}, ctx.Err()
	}))
	if _, err := f.svc.ExecuteStep(ctx, p.ID, 0, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	st := f.step(t, p.ID, 0)
	if st.State != models.StepFailed || !st.Refunded {
		t.Fatalf("step after cancelled call = state %s refunded %v", st.State, st.Refunded)
	}
	if f.store.Balance(f.account) != 100 {
		t.Errorf("balance = %d, want 100", f.store.Balance(f.account))
	}
	if _, err := f.svc.RestartStep(context.Background(), p.ID, 0); err != nil {
		t.Fatalf("RestartStep: %v", err)
	}

	// The provider answers, but the caller is gone before the output is stored.
	ctx, cancel = context.WithCancel(context.Background())
	f.registry.RegisterSync("script", provider.CallerFunc(func(context.Context, provider.Request) (provider.Result, error) {
		cancel()
		return provider.Result{Ref: "ref-script", Output: json.RawMessage(`{"text":"kept"}`)}, nil
	}))
	res, err := f.svc.ExecuteStep(ctx, p.ID, 0, nil)
	if err != nil {
		t.Fatalf("ExecuteStep with a late cancel: %v", err)
	}
	if res.Step == nil || res.Step.State != models.StepDone || string(res.Step.Output) != `{"text":"kept"}` {
		t.Errorf("step = %+v", res.Step)
	}
	if f.store.Balance(f.account) != 90 {
		t.Errorf("balance = %d, want 90", f.store.Balance(f.account))
	}
}

// ---------------------------------------------------------------------------
// 10. TestReconcile_FailsStalledStep
//     A sync step whose caller never returns is failed and refunded once it
//     passes the threshold. The late result is discarded.
// ---------------------------------------------------------------------------

func TestReconcile_FailsStalledStep(t *testing.T) {
	f := newFixture(t, 100)
	f.svc.cfg.StaleAfter = time.Minute
	p := f.project(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	f.registry.RegisterSync("script", provider.CallerFunc(func(context.Context, provider.Request) (provider.Result, error) {
		close(entered)
		<-release
		return provider.Result{Ref: "late"}, nil
	}))
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.ExecuteStep(ctx, p.ID, 0, nil)
		done <- err
	}()
	<-entered

	if _, err := f.svc.ReconcileRefunds(ctx, 10); err != nil {
		t.Fatalf("ReconcileRefunds: %v", err)
	}
	if st := f.step(t, p.ID, 0); st.State != models.StepRunning {
		t.Fatalf("fresh step should stay running, got %s", st.State)
	}

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := f.svc.ReconcileRefunds(ctx, 10); err != nil {
		t.Fatalf("ReconcileRefunds: %v", err)
	}
	st := f.step(t, p.ID, 0)
	if st.State != models.StepFailed || !st.Refunded || st.ErrorReason == nil || *st.ErrorReason != stalledReason {
		t.Fatalf("stalled step = %+v", st)
	}
	if f.store.Balance(f.account) != 100 {
		t.Errorf("balance = %d, want 100", f.store.Balance(f.account))
	}

	close(release)
	if err := <-done; !errors.Is(err, ErrStepFailed) {
		t.Fatalf("stalled ExecuteStep: got %v", err)
	}
	if st := f.step(t, p.ID, 0); st.State != models.StepFailed || st.HasOutput() {
		t.Errorf("late result overwrote the failure: %+v", st)
	}
	if n := len(f.store.EntriesOf(f.account, models.EntryRefund)); n != 1 {
		t.Errorf("refund entries = %d, want 1", n)
	}
}
