package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inaiurai/pointsmith/internal/models"
)

// Accounts mirrors repository.AccountRepo.
type Accounts struct{ s *Store }

// Ledger mirrors repository.LedgerRepo.
type Ledger struct{ s *Store }

// Tasks mirrors repository.TaskRepo.
type Tasks struct{ s *Store }

// Jobs mirrors repository.JobRepo.
type Jobs struct{ s *Store }

// Projects mirrors repository.ProjectRepo.
type Projects struct{ s *Store }

// Operations mirrors repository.OperationRepo.
type Operations struct{ s *Store }

func (s *Store) Accounts() *Accounts     { return &Accounts{s} }
func (s *Store) Ledger() *Ledger         { return &Ledger{s} }
func (s *Store) Tasks() *Tasks           { return &Tasks{s} }
func (s *Store) Jobs() *Jobs             { return &Jobs{s} }
func (s *Store) Projects() *Projects     { return &Projects{s} }
func (s *Store) Operations() *Operations { return &Operations{s} }

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (r *Accounts) Create(_ context.Context, tx pgx.Tx, a *models.Account) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("accounts.Create"); err != nil {
		return err
	}
	for _, existing := range s.accounts {
		if existing.Email == a.Email {
			return &pgconn.PgError{Code: "23505", ConstraintName: "accounts_email_key", Message: "duplicate key value violates unique constraint"}
		}
	}
	t := s.lockLocked(tx, "account:"+a.ID.String())
	now := time.Now()
	a.Balance, a.CreatedAt, a.UpdatedAt = 0, now, now
	cp := *a
	s.accounts[a.ID] = &cp
	t.undo = append(t.undo, func() { delete(s.accounts, a.ID) })
	return nil
}

func (r *Accounts) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (r *Accounts) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *Accounts) List(_ context.Context) ([]*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Account
	for _, a := range r.s.accounts {
		cp := *a
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (r *Accounts) DeductBalance(_ context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (int64, error) {
	return r.s.adjust(tx, "accounts.DeductBalance", id, -amount)
}

func (r *Accounts) AddBalance(_ context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (int64, error) {
	return r.s.adjust(tx, "accounts.AddBalance", id, amount)
}

func (s *Store) adjust(tx pgx.Tx, op string, id uuid.UUID, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked(op); err != nil {
		return 0, err
	}
	if _, ok := s.accounts[id]; !ok {
		return 0, pgx.ErrNoRows
	}
	t := s.lockLocked(tx, "account:"+id.String())
	a, ok := s.accounts[id]
	if !ok || a.Balance+delta < 0 {
		return 0, pgx.ErrNoRows
	}
	prev := *a
	a.Balance += delta
	a.UpdatedAt = time.Now()
	t.undo = append(t.undo, func() { *a = prev })
	return a.Balance, nil
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func (r *Ledger) CreateTx(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("ledger.CreateTx"); err != nil {
		return err
	}
	if e.BalanceAfter != e.BalanceBefore+e.Amount || e.BalanceAfter < 0 || e.Amount == 0 {
		return errors.New("new row for relation \"ledger_entries\" violates check constraint")
	}
	t := s.lockLocked(tx, "entry:"+e.ID.String())
	s.seq++
	e.Seq = s.seq
	e.CreatedAt = time.Now()
	cp := *e
	s.entries = append(s.entries, &cp)
	t.undo = append(t.undo, func() {
		for i, x := range s.entries {
			if x.ID == cp.ID {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r *Ledger) ListByAccountID(_ context.Context, accountID uuid.UUID) ([]*models.LedgerEntry, error) {
	return r.filter(func(e *models.LedgerEntry) bool { return e.AccountID == accountID }), nil
}

func (r *Ledger) SumSpendTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID, since time.Time) (int64, error) {
	var total int64
	for _, e := range r.filter(func(e *models.LedgerEntry) bool {
		return e.AccountID == accountID && !e.CreatedAt.Before(since) &&
			(e.Kind == models.EntryUsage || e.Kind == models.EntryRefund)
	}) {
		total -= e.Amount
	}
	return total, nil
}

func (r *Ledger) ListByTaskID(_ context.Context, taskID uuid.UUID) ([]*models.LedgerEntry, error) {
	return r.filter(func(e *models.LedgerEntry) bool { return e.TaskID != nil && *e.TaskID == taskID }), nil
}

func (r *Ledger) filter(keep func(*models.LedgerEntry) bool) []*models.LedgerEntry {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range r.s.entries {
		if keep(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func cloneTask(t *models.Task) *models.Task {
	cp := *t
	cp.Items = append([]models.TaskItem(nil), t.Items...)
	cp.ResultRefs = append([]string{}, t.ResultRefs...)
	cp.Input = cloneRaw(t.Input)
	return &cp
}

func (r *Tasks) CreateTx(_ context.Context, tx pgx.Tx, task *models.Task) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("tasks.CreateTx"); err != nil {
		return err
	}
	t := s.lockLocked(tx, "task:"+task.ID.String())
	now := time.Now()
	task.Progress, task.CompletedUnits, task.FailedUnits = 0, 0, 0
	task.ResultRefs = []string{}
	task.CreatedAt, task.UpdatedAt = now, now
	s.tasks[task.ID] = cloneTask(task)
	t.undo = append(t.undo, func() { delete(s.tasks, task.ID) })
	return nil
}

func (r *Tasks) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneTask(t), nil
}

func (r *Tasks) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]*models.Task, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Task
	for _, t := range r.s.tasks {
		if t.OwnerID == ownerID {
			list = append(list, cloneTask(t))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

// lockTask must be called with s.mu held. It returns the live row.
func (s *Store) lockTask(tx pgx.Tx, id uuid.UUID) (*Tx, *models.Task, bool) {
	t := s.lockLocked(tx, "task:"+id.String())
	task, ok := s.tasks[id]
	if ok {
		prev := cloneTask(task)
		t.undo = append(t.undo, func() { *task = *prev })
	}
	return t, task, ok
}

func (r *Tasks) MarkProcessing(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("tasks.MarkProcessing"); err != nil {
		return err
	}
	_, task, ok := s.lockTask(tx, id)
	if ok && task.Status == models.TaskStatusPending {
		task.Status = models.TaskStatusProcessing
		task.UpdatedAt = time.Now()
	}
	return nil
}

func (r *Tasks) RecordOutcome(_ context.Context, tx pgx.Tx, id uuid.UUID, success bool, resultRef *string) (*models.Task, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("tasks.RecordOutcome"); err != nil {
		return nil, err
	}
	_, task, ok := s.lockTask(tx, id)
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if success {
		task.CompletedUnits++
	} else {
		task.FailedUnits++
	}
	if resultRef != nil {
		task.ResultRefs = append(task.ResultRefs, *resultRef)
	}
	task.Progress = models.TaskProgress(task.CompletedUnits, task.FailedUnits, task.TotalUnits)
	next := models.NextTaskStatus(task.Status, task.CompletedUnits, task.FailedUnits, task.TotalUnits)
	now := time.Now()
	if next != task.Status && next == models.TaskStatusCompleted {
		task.FinishedAt = &now
	}
	task.Status = next
	task.UpdatedAt = now
	return cloneTask(task), nil
}

func (r *Tasks) MarkFailed(_ context.Context, tx pgx.Tx, id uuid.UUID, reason string) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("tasks.MarkFailed"); err != nil {
		return false, err
	}
	_, task, ok := s.lockTask(tx, id)
	if !ok || task.Terminal() {
		return false, nil
	}
	now := time.Now()
	task.Status = models.TaskStatusFailed
	task.FailureReason = strPtr(reason)
	task.FinishedAt = &now
	task.UpdatedAt = now
	return true, nil
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	cp.Input = cloneRaw(j.Input)
	return &cp
}

func (r *Jobs) CreateBatchTx(_ context.Context, tx pgx.Tx, jobs []*models.Job) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("jobs.CreateBatchTx"); err != nil {
		return err
	}
	now := time.Now()
	for _, j := range jobs {
		t := s.lockLocked(tx, "job:"+j.ID.String())
		j.CreatedAt, j.UpdatedAt = now, now
		s.jobs[j.ID] = cloneJob(j)
		s.jobOrder = append(s.jobOrder, j.ID)
		id := j.ID
		t.undo = append(t.undo, func() {
			delete(s.jobs, id)
			for i, x := range s.jobOrder {
				if x == id {
					s.jobOrder = append(s.jobOrder[:i], s.jobOrder[i+1:]...)
					break
				}
			}
		})
	}
	return nil
}

func (r *Jobs) GetByID(_ context.Context, id uuid.UUID) (*models.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return cloneJob(j), nil
}

func (r *Jobs) ListByTask(_ context.Context, taskID uuid.UUID) ([]*models.Job, error) {
	return r.filter(func(j *models.Job) bool { return j.TaskID == taskID }, 0), nil
}

func (r *Jobs) ListOpenByTask(_ context.Context, taskID uuid.UUID) ([]*models.Job, error) {
	return r.filter(func(j *models.Job) bool { return j.TaskID == taskID && !j.Terminal() }, 0), nil
}

func (r *Jobs) ListUnrefundedFailed(_ context.Context, limit int) ([]*models.Job, error) {
	return r.filter(func(j *models.Job) bool { return j.Status == models.JobStatusFailed && !j.Refunded }, limit), nil
}

func (r *Jobs) ListStale(_ context.Context, before time.Time, limit int) ([]*models.Job, error) {
	return r.filter(func(j *models.Job) bool {
		return j.Status == models.JobStatusProcessing && j.OperationID == nil && j.UpdatedAt.Before(before)
	}, limit), nil
}

func (r *Jobs) filter(keep func(*models.Job) bool, limit int) []*models.Job {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Job
	for _, id := range r.s.jobOrder {
		j, ok := r.s.jobs[id]
		if !ok || !keep(j) {
			continue
		}
		out = append(out, cloneJob(j))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// updateJob locks the job, applies fn when cond holds and returns a copy.
// pgx.ErrNoRows is returned when the job is missing or cond is false.
func (s *Store) updateJob(tx pgx.Tx, op string, id uuid.UUID, cond func(*models.Job) bool, fn func(*models.Job)) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked(op); err != nil {
		return nil, err
	}
	t := s.lockLocked(tx, "job:"+id.String())
	j, ok := s.jobs[id]
	if !ok || !cond(j) {
		return nil, pgx.ErrNoRows
	}
	prev := cloneJob(j)
	t.undo = append(t.undo, func() { *j = *prev })
	fn(j)
	j.UpdatedAt = time.Now()
	return cloneJob(j), nil
}

func isOpen(j *models.Job) bool { return !j.Terminal() }

func (r *Jobs) MarkProcessing(_ context.Context, tx pgx.Tx, id uuid.UUID, attempt int) (*models.Job, error) {
	return r.s.updateJob(tx, "jobs.MarkProcessing", id, isOpen, func(j *models.Job) {
		j.Status = models.JobStatusProcessing
		if attempt > j.RetryCount {
			j.RetryCount = attempt
		}
	})
}

func (r *Jobs) Complete(_ context.Context, tx pgx.Tx, id uuid.UUID, resultRef string) (*models.Job, error) {
	return r.s.updateJob(tx, "jobs.Complete", id, isOpen, func(j *models.Job) {
		j.Status = models.JobStatusCompleted
		j.ResultRef = strPtr(resultRef)
	})
}

func (r *Jobs) Fail(_ context.Context, tx pgx.Tx, id uuid.UUID, reason string, refunded bool) (*models.Job, error) {
	return r.s.updateJob(tx, "jobs.Fail", id, isOpen, func(j *models.Job) {
		j.Status = models.JobStatusFailed
		j.ErrorReason = strPtr(reason)
		j.Refunded = refunded
	})
}

func (r *Jobs) ClaimRefund(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Job, error) {
	return r.s.updateJob(tx, "jobs.ClaimRefund", id,
		func(j *models.Job) bool { return j.Status == models.JobStatusFailed && !j.Refunded },
		func(j *models.Job) { j.Refunded = true })
}

func (r *Jobs) SetOperation(_ context.Context, tx pgx.Tx, id, operationID uuid.UUID) error {
	_, err := r.s.updateJob(tx, "jobs.SetOperation", id, isOpen, func(j *models.Job) { j.OperationID = &operationID })
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

func cloneStep(st *models.ProjectStep) *models.ProjectStep {
	cp := *st
	cp.Input = cloneRaw(st.Input)
	cp.Output = cloneRaw(st.Output)
	return &cp
}

func (r *Projects) CreateTx(_ context.Context, tx pgx.Tx, p *models.Project) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("projects.CreateTx"); err != nil {
		return err
	}
	t := s.lockLocked(tx, "project:"+p.ID.String())
	now := time.Now()
	p.StepCount, p.CurrentStep, p.CreatedAt, p.UpdatedAt = len(p.Steps), 0, now, now
	cp := *p
	cp.Steps = nil
	cp.Input = cloneRaw(p.Input)
	s.projects[p.ID] = &cp
	for _, st := range p.Steps {
		st.ProjectID = p.ID
		st.UpdatedAt = now
		s.steps[stepKey{p.ID, st.Index}] = cloneStep(st)
	}
	t.undo = append(t.undo, func() {
		delete(s.projects, p.ID)
		for _, st := range p.Steps {
			delete(s.steps, stepKey{p.ID, st.Index})
		}
	})
	return nil
}

func (s *Store) loadProjectLocked(id uuid.UUID) (*models.Project, bool) {
	p, ok := s.projects[id]
	if !ok {
		return nil, false
	}
	cp := *p
	cp.Input = cloneRaw(p.Input)
	cp.Steps = nil
	for i := 0; i < p.StepCount; i++ {
		if st, ok := s.steps[stepKey{id, i}]; ok {
			cp.Steps = append(cp.Steps, cloneStep(st))
		}
	}
	cp.Status = cp.DeriveStatus()
	return &cp, true
}

func (r *Projects) GetByID(_ context.Context, id uuid.UUID) (*models.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.loadProjectLocked(id)
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return p, nil
}

func (r *Projects) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]*models.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var list []*models.Project
	for id, p := range r.s.projects {
		if p.OwnerID == ownerID {
			cp, _ := r.s.loadProjectLocked(id)
			list = append(list, cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

// updateStep locks one step, applies fn when cond holds and returns a copy.
func (s *Store) updateStep(tx pgx.Tx, op string, projectID uuid.UUID, index int, cond func(*models.ProjectStep) bool, fn func(*models.ProjectStep)) (*models.ProjectStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked(op); err != nil {
		return nil, err
	}
	t := s.lockLocked(tx, "step:"+projectID.String()+":"+strconv.Itoa(index))
	st, ok := s.steps[stepKey{projectID, index}]
	if !ok || !cond(st) {
		return nil, pgx.ErrNoRows
	}
	prev := cloneStep(st)
	t.undo = append(t.undo, func() { *st = *prev })
	fn(st)
	st.UpdatedAt = time.Now()
	return cloneStep(st), nil
}

func noRowsToFalse(err error) (bool, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r *Projects) ClaimStep(_ context.Context, tx pgx.Tx, projectID uuid.UUID, index int, cost int64, input json.RawMessage) (bool, error) {
	s := r.s
	_, err := s.updateStep(tx, "projects.ClaimStep", projectID, index,
		func(st *models.ProjectStep) bool {
			p, ok := s.projects[projectID]
			return ok && p.CancelledAt == nil && st.State == models.StepNotStarted
		},
		func(st *models.ProjectStep) {
			st.State = models.StepRunning
			st.Cost = cost
			st.Input = cloneRaw(input)
			st.Output = nil
			st.ErrorReason = nil
			st.Refunded = false
			st.Attempts++
			st.OperationID = nil
		})
	return noRowsToFalse(err)
}

func (r *Projects) CompleteStep(_ context.Context, tx pgx.Tx, projectID uuid.UUID, index int, output json.RawMessage) (bool, error) {
	s := r.s
	_, err := s.updateStep(tx, "projects.CompleteStep", projectID, index,
		func(st *models.ProjectStep) bool { return st.State == models.StepRunning },
		func(st *models.ProjectStep) {
			st.State = models.StepDone
			st.Output = cloneRaw(output)
		})
	ok, err := noRowsToFalse(err)
	if !ok {
		return ok, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.lockLocked(tx, "project:"+projectID.String())
	p := s.projects[projectID]
	prev := *p
	t.undo = append(t.undo, func() { *p = prev })
	if index+1 > p.CurrentStep {
		p.CurrentStep = index + 1
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

func (r *Projects) FailStep(_ context.Context, tx pgx.Tx, projectID uuid.UUID, index int, reason string, refunded bool) (*models.ProjectStep, error) {
	return r.s.updateStep(tx, "projects.FailStep", projectID, index,
		func(st *models.ProjectStep) bool { return st.State == models.StepRunning },
		func(st *models.ProjectStep) {
			st.State = models.StepFailed
			st.ErrorReason = strPtr(reason)
			st.Refunded = refunded
		})
}

func (r *Projects) ClaimStepRefund(_ context.Context, tx pgx.Tx, projectID uuid.UUID, index int) (*models.ProjectStep, error) {
	return r.s.updateStep(tx, "projects.ClaimStepRefund", projectID, index,
		func(st *models.ProjectStep) bool { return st.State == models.StepFailed && !st.Refunded },
		func(st *models.ProjectStep) { st.Refunded = true })
}

func (r *Projects) ResetStep(_ context.Context, tx pgx.Tx, projectID uuid.UUID, index int) (bool, error) {
	_, err := r.s.updateStep(tx, "projects.ResetStep", projectID, index,
		func(st *models.ProjectStep) bool { return st.State == models.StepFailed && st.Refunded },
		func(st *models.ProjectStep) {
			st.State = models.StepNotStarted
			st.Output = nil
			st.OperationID = nil
		})
	return noRowsToFalse(err)
}

func (r *Projects) SetStepOperation(_ context.Context, tx pgx.Tx, projectID uuid.UUID, index int, operationID uuid.UUID) error {
	_, err := r.s.updateStep(tx, "projects.SetStepOperation", projectID, index,
		func(st *models.ProjectStep) bool { return st.State == models.StepRunning },
		func(st *models.ProjectStep) { st.OperationID = &operationID })
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}

func (r *Projects) MarkCancelled(_ context.Context, tx pgx.Tx, projectID uuid.UUID) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("projects.MarkCancelled"); err != nil {
		return false, err
	}
	t := s.lockLocked(tx, "project:"+projectID.String())
	p, ok := s.projects[projectID]
	if !ok || p.CancelledAt != nil {
		return false, nil
	}
	prev := *p
	t.undo = append(t.undo, func() { *p = prev })
	now := time.Now()
	p.CancelledAt = &now
	p.UpdatedAt = now
	return true, nil
}

func (r *Projects) ListUnrefundedFailedSteps(_ context.Context, limit int) ([]*models.ProjectStep, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.ProjectStep
	for _, st := range r.s.steps {
		if st.State == models.StepFailed && !st.Refunded {
			out = append(out, cloneStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Projects) ListStaleSteps(_ context.Context, before time.Time, limit int) ([]*models.ProjectStep, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.ProjectStep
	for _, st := range r.s.steps {
		if st.State == models.StepRunning && st.OperationID == nil && st.UpdatedAt.Before(before) {
			out = append(out, cloneStep(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

func (r *Operations) CreateTx(_ context.Context, tx pgx.Tx, op *models.Operation) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("operations.CreateTx"); err != nil {
		return err
	}
	t := s.lockLocked(tx, "op:"+op.ID.String())
	cp := *op
	s.ops[op.ID] = &cp
	t.undo = append(t.undo, func() { delete(s.ops, op.ID) })
	return nil
}

func (r *Operations) GetByID(_ context.Context, id uuid.UUID) (*models.Operation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	op, ok := r.s.ops[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *op
	return &cp, nil
}

func (r *Operations) ClaimDone(_ context.Context, tx pgx.Tx, id uuid.UUID, outcome string, resultRef, errorReason *string) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("operations.ClaimDone"); err != nil {
		return false, err
	}
	t := s.lockLocked(tx, "op:"+id.String())
	op, ok := s.ops[id]
	if !ok || op.Done {
		return false, nil
	}
	prev := *op
	t.undo = append(t.undo, func() { *op = prev })
	now := time.Now()
	op.Done, op.Outcome, op.ResultRef, op.ErrorReason, op.FinishedAt = true, outcome, resultRef, errorReason, &now
	return true, nil
}

func (r *Operations) RecordPoll(_ context.Context, id uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("operations.RecordPoll"); err != nil {
		return err
	}
	op, ok := s.ops[id]
	if !ok || op.Done {
		return nil
	}
	now := time.Now()
	op.PollCount++
	op.LastPolledAt = &now
	return nil
}

func (r *Operations) ListOpen(_ context.Context, limit int) ([]*models.Operation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Operation
	for _, op := range r.s.ops {
		if !op.Done {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
