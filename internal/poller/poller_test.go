package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/jobs"
	"github.com/inaiurai/pointsmith/internal/ledger"
	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/provider"
	"github.com/inaiurai/pointsmith/internal/testutil"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

// scriptedStatus returns the queued statuses for a ref in order, repeating
// the last one once the script is exhausted.
type scriptedStatus struct {
	mu     sync.Mutex
	script map[string][]provider.Status
	errs   map[string]error
	calls  int
}

func (s *scriptedStatus) Poll(_ context.Context, _, ref string) (provider.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.errs[ref]; err != nil {
		return nil, err
	}
	queue := s.script[ref]
	if len(queue) == 0 {
		return provider.Pending{}, nil
	}
	st := queue[0]
	if len(queue) > 1 {
		s.script[ref] = queue[1:]
	}
	return st, nil
}

type scheduleRecorder struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (r *scheduleRecorder) schedule(_ context.Context, _ pgx.Tx, id uuid.UUID, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

type fixture struct {
	store   *testutil.Store
	jobs    jobs.Service
	poller  *Poller
	status  *scriptedStatus
	polls   *scheduleRecorder
	account uuid.UUID
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewStore()
	led := ledger.NewService(store, store.Accounts(), store.Ledger(), nil)
	noEnqueue := func(context.Context, pgx.Tx, []*models.Job) error { return nil }
	jobSvc := jobs.NewService(store, store.Tasks(), store.Jobs(), led, nil, noEnqueue,
		jobs.Config{UnitCosts: map[string]int64{"video": 25}}, nil)

	f := &fixture{
		store:   store,
		jobs:    jobSvc,
		status:  &scriptedStatus{script: map[string][]provider.Status{}, errs: map[string]error{}},
		polls:   &scheduleRecorder{},
		account: store.AddAccount(100),
		clock:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.poller = New(store, store.Operations(), f.status, f.polls.schedule, Config{Interval: time.Second, Timeout: time.Minute}, nil)
	f.poller.now = func() time.Time { return f.clock }
	f.poller.RegisterSink(models.OwnerJob, jobSvc)
	return f
}

// startJob creates a one-unit video task and starts an operation for its job.
func (f *fixture) startJob(t *testing.T, ref string) (*models.Task, uuid.UUID, *models.Operation) {
	t.Helper()
	ctx := context.Background()
	task, err := f.jobs.CreateTask(ctx, f.account, map[string]int{"video": 1}, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	list, err := f.jobs.ListJobs(ctx, task.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListJobs: %v, %d jobs", err, len(list))
	}
	jobID := list[0].ID
	if _, err := f.jobs.MarkJobProcessing(ctx, jobID, 1); err != nil {
		t.Fatalf("MarkJobProcessing: %v", err)
	}
	op, err := f.poller.StartOperation(ctx, models.JobOwner(jobID), "video", func(context.Context) (string, error) {
		return ref, nil
	})
	if err != nil {
		t.Fatalf("StartOperation: %v", err)
	}
	return task, jobID, op
}

func (f *fixture) poll(t *testing.T, id uuid.UUID) *PollResult {
	t.Helper()
	res, err := f.poller.PollOnce(context.Background(), id)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	return res
}

// ---------------------------------------------------------------------------
// 1. TestStartOperation_AttachesAndSchedules
// ---------------------------------------------------------------------------

func TestStartOperation_AttachesAndSchedules(t *testing.T) {
	f := newFixture(t)
	_, jobID, op := f.startJob(t, "ref-1")

	job, err := f.jobs.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.OperationID == nil || *job.OperationID != op.ID {
		t.Errorf("job operation = %v, want %s", job.OperationID, op.ID)
	}
	if len(f.polls.ids) != 1 || f.polls.ids[0] != op.ID {
		t.Errorf("scheduled polls = %v", f.polls.ids)
	}
	if !op.DeadlineAt.Equal(f.clock.Add(time.Minute)) {
		t.Errorf("deadline = %s", op.DeadlineAt)
	}

	// A failed start records nothing.
	before := f.store.Fingerprint()
	startErr := errors.New("quota exceeded")
	_, err = f.poller.StartOperation(context.Background(), models.JobOwner(jobID), "video", func(context.Context) (string, error) {
		return "", startErr
	})
	if !errors.Is(err, startErr) {
		t.Errorf("expected start error, got %v", err)
	}
	if f.store.Fingerprint() != before {
		t.Error("failed start changed persisted state")
	}
}

// ---------------------------------------------------------------------------
// 2. TestScenario_RunningRunningDoneError
// ---------------------------------------------------------------------------

func TestScenario_RunningRunningDoneError(t *testing.T) {
	f := newFixture(t)
	f.status.script["ref-2"] = []provider.Status{
		provider.Pending{},
		provider.Pending{},
		provider.DoneError{Reason: "content policy"},
	}
	task, jobID, op := f.startJob(t, "ref-2")
	if got := f.store.Balance(f.account); got != 75 {
		t.Fatalf("balance after debit = %d, want 75", got)
	}

	for i := 0; i < 2; i++ {
		if res := f.poll(t, op.ID); res.State != StateRunning {
			t.Fatalf("poll %d: state = %s", i+1, res.State)
		}
	}
	res := f.poll(t, op.ID)
	if res.State != StateFailed || res.Reason == "" {
		t.Fatalf("third poll = %+v", res)
	}

	job, _ := f.jobs.GetJob(context.Background(), jobID)
	if job.Status != models.JobStatusFailed || !job.Refunded {
		t.Errorf("job = %s refunded=%v", job.Status, job.Refunded)
	}
	got, _ := f.jobs.GetTask(context.Background(), task.ID)
	if got.FailedUnits != 1 || got.Status != models.TaskStatusCompleted {
		t.Errorf("task = %+v", got)
	}
	if refunds := f.store.EntriesOf(f.account, models.EntryRefund); len(refunds) != 1 || refunds[0].Amount != 25 {
		t.Errorf("refunds = %+v", refunds)
	}
	if f.store.Balance(f.account) != 100 {
		t.Errorf("balance = %d, want 100", f.store.Balance(f.account))
	}
	stored, _ := f.store.Operations().GetByID(context.Background(), op.ID)
	if !stored.Done || stored.Outcome != models.OperationFailed || stored.PollCount != 2 {
		t.Errorf("operation = %+v", stored)
	}
}

// ---------------------------------------------------------------------------
// 3. TestPollOnce_Idempotent
// ---------------------------------------------------------------------------

func TestPollOnce_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.status.script["ref-3"] = []provider.Status{provider.Done{Result: provider.Result{Ref: "s3://out/3.mp4"}}}
	task, jobID, op := f.startJob(t, "ref-3")

	res := f.poll(t, op.ID)
	if res.State != StateSucceeded || res.ResultRef != "s3://out/3.mp4" {
		t.Fatalf("first poll = %+v", res)
	}
	after := f.store.Fingerprint()
	calls := f.status.calls

	// Sequential and concurrent repeats are no-ops.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.poller.PollOnce(context.Background(), op.ID)
			if err != nil || res.State != StateAlreadyDone || res.ResultRef != "s3://out/3.mp4" {
				t.Errorf("repeat poll = %+v, %v", res, err)
			}
		}()
	}
	wg.Wait()

	if f.store.Fingerprint() != after {
		t.Error("repeat polls changed persisted state")
	}
	if f.status.calls != calls {
		t.Error("repeat polls reached the provider")
	}
	job, _ := f.jobs.GetJob(context.Background(), jobID)
	if job.Status != models.JobStatusCompleted || job.ResultRef == nil || *job.ResultRef != "s3://out/3.mp4" {
		t.Errorf("job = %+v", job)
	}
	got, _ := f.jobs.GetTask(context.Background(), task.ID)
	if got.CompletedUnits != 1 || got.Progress != 100 {
		t.Errorf("task = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// 4. TestPollOnce_Timeout
// ---------------------------------------------------------------------------

func TestPollOnce_Timeout(t *testing.T) {
	f := newFixture(t)
	_, jobID, op := f.startJob(t, "ref-4")

	if res := f.poll(t, op.ID); res.State != StateRunning {
		t.Fatalf("state = %s", res.State)
	}
	f.clock = f.clock.Add(time.Minute)

	res := f.poll(t, op.ID)
	if res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if !errors.Is(res.Err, ErrOperationTimeout) || !errors.Is(res.Err, provider.ErrProvider) || !provider.IsPermanent(res.Err) {
		t.Errorf("timeout error = %v", res.Err)
	}
	job, _ := f.jobs.GetJob(context.Background(), jobID)
	if job.Status != models.JobStatusFailed || !job.Refunded {
		t.Errorf("job = %s refunded=%v", job.Status, job.Refunded)
	}
	if f.store.Balance(f.account) != 100 {
		t.Errorf("balance = %d, want 100", f.store.Balance(f.account))
	}
}

// ---------------------------------------------------------------------------
// 5. TestPollOnce_TransientErrors
// ---------------------------------------------------------------------------

func TestPollOnce_TransientErrors(t *testing.T) {
	f := newFixture(t)
	_, jobID, op := f.startJob(t, "ref-5")

	f.status.errs["ref-5"] = &provider.Error{Provider: "video", Op: "poll", StatusCode: 503, Err: errors.New("unavailable")}
	if res := f.poll(t, op.ID); res.State != StateRunning {
		t.Fatalf("transient error: state = %s", res.State)
	}
	f.status.errs["ref-5"] = &provider.Error{Provider: "video", Op: "poll", Err: provider.ErrUnknownStatus}
	if res := f.poll(t, op.ID); res.State != StateRunning {
		t.Fatalf("unknown status: state = %s", res.State)
	}
	job, _ := f.jobs.GetJob(context.Background(), jobID)
	if job.Status != models.JobStatusProcessing {
		t.Errorf("job status = %s, want processing", job.Status)
	}

	// A permanent error fails the owner straight away.
	f.status.errs["ref-5"] = &provider.Error{Provider: "video", Op: "poll", StatusCode: 404, Permanent: true, Err: errors.New("not found")}
	if res := f.poll(t, op.ID); res.State != StateFailed {
		t.Fatalf("permanent error: state = %s", res.State)
	}
}

// ---------------------------------------------------------------------------
// 6. TestPollOnce_RefundDeferred
// ---------------------------------------------------------------------------

func TestPollOnce_RefundDeferred(t *testing.T) {
	f := newFixture(t)
	f.status.script["ref-6"] = []provider.Status{provider.DoneError{Reason: "gpu lost"}}
	_, jobID, op := f.startJob(t, "ref-6")

	f.store.FailOn("accounts.AddBalance", 1, nil)
	if res := f.poll(t, op.ID); res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	job, _ := f.jobs.GetJob(context.Background(), jobID)
	if job.Status != models.JobStatusFailed || job.Refunded {
		t.Fatalf("job = %s refunded=%v, want failed and unrefunded", job.Status, job.Refunded)
	}
	if f.store.Balance(f.account) != 75 {
		t.Fatalf("balance = %d, want 75 before reconciliation", f.store.Balance(f.account))
	}

	n, err := f.jobs.ReconcileRefunds(context.Background(), 10)
	if err != nil || n != 1 {
		t.Fatalf("ReconcileRefunds = %d, %v", n, err)
	}
	if f.store.Balance(f.account) != 100 {
		t.Errorf("balance = %d, want 100", f.store.Balance(f.account))
	}
}

// ---------------------------------------------------------------------------
// 7. TestSweep
// ---------------------------------------------------------------------------

func TestSweep(t *testing.T) {
	f := newFixture(t)
	f.status.script["done"] = []provider.Status{provider.Done{Result: provider.Result{Ref: "r"}}}
	f.status.script["fail"] = []provider.Status{provider.DoneError{Reason: "bad"}}
	f.startJob(t, "done")
	f.startJob(t, "fail")
	f.startJob(t, "slow")

	n, err := f.poller.Sweep(context.Background(), 10)
	if err != nil || n != 2 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	open, _ := f.store.Operations().ListOpen(context.Background(), 10)
	if len(open) != 1 || open[0].ProviderRef != "slow" {
		t.Errorf("open operations = %+v", open)
	}

	if _, err := f.poller.PollOnce(context.Background(), uuid.New()); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("unknown operation: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 8. TestPollOnce_CancelledContext
//    A poll whose context is already done still commits the terminal
//    outcome, including the refund.
// ---------------------------------------------------------------------------

func TestPollOnce_CancelledContext(t *testing.T) {
	tests := []struct {
		name    string
		status  provider.Status
		expire  bool
		want    State
		balance int64
	}{
		{"done", provider.Done{Result: provider.Result{Ref: "s3://out/8.mp4"}}, false, StateSucceeded, 75},
		{"done error", provider.DoneError{Reason: "gpu lost"}, false, StateFailed, 100},
		{"deadline", provider.Pending{}, true, StateFailed, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.status.script["ref-8"] = []provider.Status{tt.status}
			_, jobID, op := f.startJob(t, "ref-8")
			if tt.expire {
				f.clock = f.clock.Add(time.Minute)
			}

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			res, err := f.poller.PollOnce(ctx, op.ID)
			if err != nil {
				t.Fatalf("PollOnce: %v", err)
			}
			if res.State != tt.want {
				t.Fatalf("state = %s, want %s", res.State, tt.want)
			}
			stored, _ := f.store.Operations().GetByID(context.Background(), op.ID)
			if !stored.Done {
				t.Error("operation not marked done")
			}
			job, _ := f.jobs.GetJob(context.Background(), jobID)
			if !job.Terminal() {
				t.Errorf("job still %s", job.Status)
			}
			if job.Status == models.JobStatusFailed && !job.Refunded {
				t.Error("failed job was not refunded")
			}
			if got := f.store.Balance(f.account); got != tt.balance {
				t.Errorf("balance = %d, want %d", got, tt.balance)
			}
		})
	}
}
