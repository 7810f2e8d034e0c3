package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/pointsmith/internal/ledger"
	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/testutil"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type enqueueRecorder struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (r *enqueueRecorder) enqueue(_ context.Context, _ pgx.Tx, jobs []*models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	for _, j := range jobs {
		r.ids = append(r.ids, j.ID)
	}
	return nil
}

type fixture struct {
	store  *testutil.Store
	ledger ledger.Service
	svc    *service
	queue  *enqueueRecorder
}

func newFixture() *fixture {
	store := testutil.NewStore()
	led := ledger.NewService(store, store.Accounts(), store.Ledger(), nil)
	queue := &enqueueRecorder{}
	cfg := Config{UnitCosts: map[string]int64{"image": 10, "video": 25}, MaxUnits: 20}
	svc := NewService(store, store.Tasks(), store.Jobs(), led, nil, queue.enqueue, cfg, nil)
	return &fixture{store: store, ledger: led, svc: svc, queue: queue}
}

func (f *fixture) jobIDs(t *testing.T, taskID uuid.UUID) []uuid.UUID {
	t.Helper()
	jobs, err := f.svc.ListJobs(context.Background(), taskID)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	ids := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

func (f *fixture) assertLedgerConsistent(t *testing.T, acc uuid.UUID) {
	t.Helper()
	report, err := f.ledger.Verify(context.Background(), acc)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.OK() {
		t.Fatalf("ledger inconsistent: %v", report.Problems)
	}
}

// ---------------------------------------------------------------------------
// 1. TestScenario_PartialFailure
//    Balance 100, four jobs of cost 10; three succeed and one fails.
// ---------------------------------------------------------------------------

func TestScenario_PartialFailure(t *testing.T) {
	f := newFixture()
	acc := f.store.AddAccount(100)
	ctx := context.Background()

	task, err := f.svc.CreateTask(ctx, acc, map[string]int{"image": 4}, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.TotalUnits != 4 || task.TotalCost != 40 || task.Status != models.TaskStatusPending {
		t.Errorf("task = %+v", task)
	}
	if got := f.store.Balance(acc); got != 60 {
		t.Errorf("balance after fan-out: got %d, want 60", got)
	}
	ids := f.jobIDs(t, task.ID)
	if len(ids) != 4 || len(f.queue.ids) != 4 {
		t.Fatalf("jobs: got %d rows and %d enqueued, want 4", len(ids), len(f.queue.ids))
	}

	for i, id := range ids[:3] {
		if err := f.svc.ReportJobOutcome(ctx, id, Outcome{Success: true, ResultRef: fmt.Sprintf("blob://%d", i)}); err != nil {
			t.Fatalf("ReportJobOutcome success: %v", err)
		}
	}
	if err := f.svc.ReportJobOutcome(ctx, ids[3], Outcome{Reason: "provider rejected prompt"}); err != nil {
		t.Fatalf("ReportJobOutcome failure: %v", err)
	}

	got, err := f.svc.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != models.TaskStatusCompleted || got.CompletedUnits != 3 || got.FailedUnits != 1 || got.Progress != 100 {
		t.Errorf("final task = status %s completed %d failed %d progress %d", got.Status, got.CompletedUnits, got.FailedUnits, got.Progress)
	}
	if len(got.ResultRefs) != 3 || got.FinishedAt == nil {
		t.Errorf("result refs %v, finished_at %v", got.ResultRefs, got.FinishedAt)
	}
	if bal := f.store.Balance(acc); bal != 70 {
		t.Errorf("final balance: got %d, want 70", bal)
	}
	refunds := f.store.EntriesOf(acc, models.EntryRefund)
	if len(refunds) != 1 || refunds[0].Amount != 10 || refunds[0].JobID == nil || *refunds[0].JobID != ids[3] {
		t.Errorf("refund entries = %+v", refunds)
	}
	job, _ := f.svc.GetJob(ctx, ids[3])
	if job.Status != models.JobStatusFailed || !job.Refunded || job.ErrorReason == nil {
		t.Errorf("failed job = %+v", job)
	}
	f.assertLedgerConsistent(t, acc)
}

// ---------------------------------------------------------------------------
// 2. TestScenario_InsufficientFunds
// ---------------------------------------------------------------------------

func TestScenario_InsufficientFunds(t *testing.T) {
	f := newFixture()
	acc := f.store.AddAccount(5)
	before := f.store.Fingerprint()

	_, err := f.svc.CreateTask(context.Background(), acc, map[string]int{"image": 4}, nil)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got: %v", err)
	}
	if f.store.TaskCount() != 0 || f.store.JobCount() != 0 {
		t.Errorf("rows created: %d tasks, %d jobs", f.store.TaskCount(), f.store.JobCount())
	}
	if f.store.Balance(acc) != 5 || f.store.Fingerprint() != before {
		t.Error("a rejected task must leave state unchanged")
	}
	if len(f.queue.ids) != 0 {
		t.Errorf("enqueued %d worker jobs, want 0", len(f.queue.ids))
	}
}

// ---------------------------------------------------------------------------
// 3. TestCreateTask_Atomicity
//    Any failure after the debit rolls the whole fan-out back.
// ---------------------------------------------------------------------------

func TestCreateTask_Atomicity(t *testing.T) {
	cases := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"enqueue fails", func(f *fixture) { f.queue.err = errors.New("queue unavailable") }},
		{"job insert fails", func(f *fixture) { f.store.FailOn("jobs.CreateBatchTx", 1, nil) }},
		{"task insert fails", func(f *fixture) { f.store.FailOn("tasks.CreateTx", 1, nil) }},
		{"ledger entry fails", func(f *fixture) { f.store.FailOn("ledger.CreateTx", 1, nil) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			acc := f.store.AddAccount(100)
			tc.setup(f)
			before := f.store.Fingerprint()

			_, err := f.svc.CreateTask(context.Background(), acc, map[string]int{"image": 2, "video": 1}, nil)
			if !errors.Is(err, ErrFanoutFailed) {
				t.Fatalf("expected ErrFanoutFailed, got: %v", err)
			}
			if f.store.TaskCount() != 0 || f.store.JobCount() != 0 {
				t.Errorf("partial fan-out left %d tasks, %d jobs", f.store.TaskCount(), f.store.JobCount())
			}
			if f.store.Fingerprint() != before {
				t.Error("failed fan-out changed persisted state")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// 4. TestQuote_Validation
// ---------------------------------------------------------------------------

func TestQuote_Validation(t *testing.T) {
	f := newFixture()

	q, err := f.svc.Quote(map[string]int{"video": 2, "image": 3})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.TotalUnits != 5 || q.TotalCost != 80 || q.Items[0].Kind != "image" {
		t.Errorf("quote = %+v", q)
	}

	bad := []map[string]int{
		nil,
		{"audio": 1},
		{"image": 0},
		{"image": -2},
		{"image": 21},
	}
	for _, counts := range bad {
		if _, err := f.svc.Quote(counts); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Quote(%v): expected ErrInvalidRequest, got %v", counts, err)
		}
	}
}

// ---------------------------------------------------------------------------
// 5. TestAggregation_Commutative
//    Any delivery order of the same outcomes yields the same final task.
// ---------------------------------------------------------------------------

func TestAggregation_Commutative(t *testing.T) {
	outcomes := []bool{true, false, true, true, false, true, true}
	type final struct {
		status            string
		completed, failed int
		progress          int
		balance           int64
	}
	var want *final

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 25; round++ {
		f := newFixture()
		acc := f.store.AddAccount(100)
		ctx := context.Background()
		task, err := f.svc.CreateTask(ctx, acc, map[string]int{"image": len(outcomes)}, nil)
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		ids := f.jobIDs(t, task.ID)
		order := rng.Perm(len(ids))

		var wg sync.WaitGroup
		for _, i := range order {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				out := Outcome{Success: outcomes[i], ResultRef: fmt.Sprintf("ref-%d", i), Reason: "boom"}
				if err := f.svc.ReportJobOutcome(ctx, ids[i], out); err != nil {
					t.Errorf("ReportJobOutcome: %v", err)
				}
			}(i)
		}
		wg.Wait()

		got, _ := f.svc.GetTask(ctx, task.ID)
		res := &final{got.Status, got.CompletedUnits, got.FailedUnits, got.Progress, f.store.Balance(acc)}
		if want == nil {
			want = res
			if res.status != models.TaskStatusCompleted || res.completed != 5 || res.failed != 2 || res.balance != 50 {
				t.Fatalf("unexpected final state %+v", res)
			}
		} else if *res != *want {
			t.Fatalf("round %d order %v: got %+v, want %+v", round, order, res, want)
		}
		f.assertLedgerConsistent(t, acc)
	}
}

// ---------------------------------------------------------------------------
// 6. TestNoDoubleRefund_ConcurrentDuplicates
// ---------------------------------------------------------------------------

func TestNoDoubleRefund_ConcurrentDuplicates(t *testing.T) {
	f := newFixture()
	acc := f.store.AddAccount(100)
	ctx := context.Background()
	task, err := f.svc.CreateTask(ctx, acc, map[string]int{"video": 2}, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ids := f.jobIDs(t, task.ID)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.svc.ReportJobOutcome(ctx, ids[0], Outcome{Reason: "timeout"}); err != nil {
				t.Errorf("ReportJobOutcome: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(f.store.EntriesOf(acc, models.EntryRefund)); n != 1 {
		t.Errorf("refund entries: got %d, want exactly 1", n)
	}
	got, _ := f.svc.GetTask(ctx, task.ID)
	if got.FailedUnits != 1 || got.Status != models.TaskStatusProcessing {
		t.Errorf("task after duplicates: failed %d status %s", got.FailedUnits, got.Status)
	}

	// A late success for the failed job is ignored too.
	if err := f.svc.ReportJobOutcome(ctx, ids[0], Outcome{Success: true, ResultRef: "late"}); err != nil {
		t.Fatalf("late success: %v", err)
	}
	got, _ = f.svc.GetTask(ctx, task.ID)
	if got.CompletedUnits != 0 || len(got.ResultRefs) != 0 {
		t.Errorf("late success was counted: %+v", got)
	}
	if bal := f.store.Balance(acc); bal != 75 {
		t.Errorf("balance: got %d, want 75", bal)
	}
}

// ---------------------------------------------------------------------------
// 7. TestRefundDeferred_Reconcile
//    When the refund cannot commit, the failure is still recorded and the
//    reconciliation sweep issues the credit once.
// ---------------------------------------------------------------------------

func TestRefundDeferred_Reconcile(t *testing.T) {
	f := newFixture()
	acc := f.store.AddAccount(100)
	ctx := context.Background()
	task, err := f.svc.CreateTask(ctx, acc, map[string]int{"image": 1}, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	id := f.jobIDs(t, task.ID)[0]

	f.store.FailOn("accounts.AddBalance", 1, nil)
	if err := f.svc.ReportJobOutcome(ctx, id, Outcome{Reason: "provider 500"}); err != nil {
		t.Fatalf("ReportJobOutcome: %v", err)
	}
	job, _ := f.svc.GetJob(ctx, id)
	if job.Status != models.JobStatusFailed || job.Refunded {
		t.Fatalf("job after deferred refund = status %s refunded %v", job.Status, job.Refunded)
	}
	got, _ := f.svc.GetTask(ctx, task.ID)
	if got.Status != models.TaskStatusCompleted || got.FailedUnits != 1 {
		t.Errorf("task = %+v", got)
	}
	if n := len(f.store.EntriesOf(acc, models.EntryRefund)); n != 0 {
		t.Fatalf("refund entries before reconcile: %d", n)
	}

	n, err := f.svc.ReconcileRefunds(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("ReconcileRefunds: %d, %v", n, err)
	}
	n, err = f.svc.ReconcileRefunds(ctx, 10)
	if err != nil || n != 0 {
		t.Fatalf("second ReconcileRefunds: %d, %v", n, err)
	}
	if n := len(f.store.EntriesOf(acc, models.EntryRefund)); n != 1 {
		t.Errorf("refund entries after reconcile: got %d, want 1", n)
	}
	if bal := f.store.Balance(acc); bal != 100 {
		t.Errorf("balance: got %d, want 100", bal)
	}
	f.assertLedgerConsistent(t, acc)
}

// ---------------------------------------------------------------------------
// 8. TestCancelTask
// ---------------------------------------------------------------------------

func TestCancelTask(t *testing.T) {
	f := newFixture()
	acc := f.store.AddAccount(100)
	ctx := context.Background()
	task, err := f.svc.CreateTask(ctx, acc, map[string]int{"image": 4}, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ids := f.jobIDs(t, task.ID)
	if _, err := f.svc.MarkJobProcessing(ctx, ids[0], 1); err != nil {
		t.Fatalf("MarkJobProcessing: %v", err)
	}
	if err := f.svc.ReportJobOutcome(ctx, ids[0], Outcome{Success: true, ResultRef: "done"}); err != nil {
		t.Fatalf("ReportJobOutcome: %v", err)
	}

	// The first open job cannot be failed, leaving the cancellation unfinished.
	f.store.FailOn("jobs.Fail", 2, nil)
	res, err := f.svc.CancelTask(ctx, task.ID)
	if err == nil {
		t.Fatal("expected an error for the job that could not be failed")
	}
	if res.JobsFailed != 2 || res.Task.Status != models.TaskStatusFailed {
		t.Errorf("cancel result = failed %d task %s", res.JobsFailed, res.Task.Status)
	}

	// A worker picking up the leftover job fails and refunds it instead.
	if _, err := f.svc.MarkJobProcessing(ctx, ids[1], 1); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("MarkJobProcessing on cancelled task: got %v", err)
	}
	job, _ := f.svc.GetJob(ctx, ids[1])
	if job.Status != models.JobStatusFailed || !job.Refunded {
		t.Errorf("leftover job = status %s refunded %v", job.Status, job.Refunded)
	}

	// Cancelling again finds nothing left to refund.
	res, err = f.svc.CancelTask(ctx, task.ID)
	if err != nil || res.JobsFailed != 0 {
		t.Fatalf("second CancelTask: %+v, %v", res, err)
	}
	if n := len(f.store.EntriesOf(acc, models.EntryRefund)); n != 3 {
		t.Errorf("refund entries: got %d, want 3", n)
	}
	if bal := f.store.Balance(acc); bal != 90 {
		t.Errorf("balance: got %d, want 90", bal)
	}
	final, _ := f.svc.GetTask(ctx, task.ID)
	if final.Status != models.TaskStatusFailed || final.CompletedUnits != 1 || final.FailedUnits != 3 {
		t.Errorf("final task = %+v", final)
	}
	f.assertLedgerConsistent(t, acc)

	// Completed tasks cannot be cancelled.
	done, _ := f.svc.CreateTask(ctx, acc, map[string]int{"image": 1}, nil)
	_ = f.svc.ReportJobOutcome(ctx, f.jobIDs(t, done.ID)[0], Outcome{Success: true, ResultRef: "x"})
	if _, err := f.svc.CancelTask(ctx, done.ID); !errors.Is(err, ErrTaskFinished) {
		t.Errorf("cancel completed task: got %v", err)
	}
}

// ---------------------------------------------------------------------------
// 9. TestCancelTask_SettlesDeferredRefund
//    A job that failed with its refund deferred is credited by the
//    cancellation rather than left for the sweep.
// ---------------------------------------------------------------------------

func TestCancelTask_SettlesDeferredRefund(t *testing.T) {
	f := newFixture()
	acc := f.store.AddAccount(100)
	ctx := context.Background()
	task, err := f.svc.CreateTask(ctx, acc, map[string]int{"image": 2}, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ids := f.jobIDs(t, task.ID)

	f.store.FailOn("accounts.AddBalance", 1, nil)
	if err := f.svc.ReportJobOutcome(ctx, ids[0], Outcome{Reason: "provider 500"}); err != nil {
		t.Fatalf("ReportJobOutcome: %v", err)
	}
	if job, _ := f.svc.GetJob(ctx, ids[0]); job.Refunded {
		t.Fatal("refund should have been deferred")
	}

	res, err := f.svc.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if res.JobsFailed != 1 || res.JobsRefunded != 1 {
		t.Errorf("cancel result = failed %d refunded %d, want 1 and 1", res.JobsFailed, res.JobsRefunded)
	}
	for _, id := range ids {
		job, _ := f.svc.GetJob(ctx, id)
		if job.Status != models.JobStatusFailed || !job.Refunded {
			t.Errorf("job %s = status %s refunded %v", id, job.Status, job.Refunded)
		}
	}
	if bal := f.store.Balance(acc); bal != 100 {
		t.Errorf("balance: got %d, want 100", bal)
	}
	if n, err := f.svc.ReconcileRefunds(ctx, 10); err != nil || n != 0 {
		t.Errorf("ReconcileRefunds after cancel: %d, %v", n, err)
	}
	if n := len(f.store.EntriesOf(acc, models.EntryRefund)); n != 2 {
		t.Errorf("refund entries: got %d, want 2", n)
	}
	f.assertLedgerConsistent(t, acc)
}

// ---------------------------------------------------------------------------
// 10. TestReportJobOutcome_CancelledContext
//     A worker whose context is already done still records the failure and
//     the refund.
// ---------------------------------------------------------------------------

func TestReportJobOutcome_CancelledContext(t *testing.T) {
	f := newFixture()
	acc := f.store.AddAccount(100)
	task, err := f.svc.CreateTask(context.Background(), acc, map[string]int{"image": 1}, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	id := f.jobIDs(t, task.ID)[0]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.store.Begin(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Begin on a cancelled context: got %v", err)
	}
	if err := f.svc.ReportJobOutcome(ctx, id, Outcome{Reason: "context deadline exceeded"}); err != nil {
		t.Fatalf("ReportJobOutcome: %v", err)
	}
	job, _ := f.svc.GetJob(context.Background(), id)
	if job.Status != models.JobStatusFailed || !job.Refunded {
		t.Errorf("job = status %s refunded %v", job.Status, job.Refunded)
	}
	if bal := f.store.Balance(acc); bal != 100 {
		t.Errorf("balance: got %d, want 100", bal)
	}
	f.assertLedgerConsistent(t, acc)
}

// ---------------------------------------------------------------------------
// 11. TestReconcile_FailsStalledJobs
//     A job stuck in processing past the threshold is failed and refunded;
//     the stalled worker's late report is then ignored.
// ---------------------------------------------------------------------------

func TestReconcile_FailsStalledJobs(t *testing.T) {
	f := newFixture()
	f.svc.cfg.StaleAfter = time.Minute
	acc := f.store.AddAccount(100)
	ctx := context.Background()
	task, err := f.svc.CreateTask(ctx, acc, map[string]int{"image": 2}, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ids := f.jobIDs(t, task.ID)
	if _, err := f.svc.MarkJobProcessing(ctx, ids[0], 1); err != nil {
		t.Fatalf("MarkJobProcessing: %v", err)
	}

	// Nothing is stale yet.
	if _, err := f.svc.ReconcileRefunds(ctx, 10); err != nil {
		t.Fatalf("ReconcileRefunds: %v", err)
	}
	if job, _ := f.svc.GetJob(ctx, ids[0]); job.Status != models.JobStatusProcessing {
		t.Fatalf("fresh job should stay processing, got %s", job.Status)
	}

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := f.svc.ReconcileRefunds(ctx, 10); err != nil {
		t.Fatalf("ReconcileRefunds: %v", err)
	}
	job, _ := f.svc.GetJob(ctx, ids[0])
	if job.Status != models.JobStatusFailed || !job.Refunded || job.ErrorReason == nil || *job.ErrorReason != stalledReason {
		t.Errorf("stalled job = %+v", job)
	}
	if pending, _ := f.svc.GetJob(ctx, ids[1]); pending.Status != models.JobStatusPending {
		t.Errorf("pending job touched: %s", pending.Status)
	}

	if err := f.svc.ReportJobOutcome(ctx, ids[0], Outcome{Success: true, ResultRef: "late"}); err != nil {
		t.Fatalf("late ReportJobOutcome: %v", err)
	}
	if job, _ := f.svc.GetJob(ctx, ids[0]); job.Status != models.JobStatusFailed {
		t.Errorf("late report overwrote the failure: %s", job.Status)
	}
	if bal := f.store.Balance(acc); bal != 90 {
		t.Errorf("balance: got %d, want 90", bal)
	}
	f.assertLedgerConsistent(t, acc)
}

// ---------------------------------------------------------------------------
// 12. TestCreateTask_DailyLimit
//     The limit is checked inside the debit transaction, so concurrent
//     requests cannot all slip under it.
// ---------------------------------------------------------------------------

func TestCreateTask_DailyLimit(t *testing.T) {
	f := newFixture()
	f.svc.cfg.DailyLimit = 30
	acc := f.store.AddAccount(100)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, limited := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateTask(ctx, acc, map[string]int{"image": 1}, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrDailyLimit):
				limited++
			default:
				t.Errorf("CreateTask: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 3 || limited != 5 {
		t.Fatalf("created %d limited %d, want 3 and 5", created, limited)
	}
	if bal := f.store.Balance(acc); bal != 70 {
		t.Errorf("balance: got %d, want 70", bal)
	}
	if tasks, _ := f.svc.ListTasks(ctx, acc); len(tasks) != 3 {
		t.Errorf("tasks: got %d, want 3", len(tasks))
	}

	// A refund frees room under the limit again.
	tasks, _ := f.svc.ListTasks(ctx, acc)
	if err := f.svc.ReportJobOutcome(ctx, f.jobIDs(t, tasks[0].ID)[0], Outcome{Reason: "provider 500"}); err != nil {
		t.Fatalf("ReportJobOutcome: %v", err)
	}
	if _, err := f.svc.CreateTask(ctx, acc, map[string]int{"image": 1}, nil); err != nil {
		t.Fatalf("CreateTask after refund: %v", err)
	}
	f.assertLedgerConsistent(t, acc)
}
