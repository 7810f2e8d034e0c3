// Package testutil provides an in-memory stand-in for the PostgreSQL
// repositories. It keeps the semantics the services rely on: conditional
// updates, row locks held until commit or rollback, rollback of every write
// made inside a transaction, and injectable serialization failures.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inaiurai/pointsmith/internal/models"
)

// ErrInjected is the default error returned by FailOn.
var ErrInjected = errors.New("injected failure")

type stepKey struct {
	project uuid.UUID
	index   int
}

// Store is a transactional in-memory database.
type Store struct {
	mu    sync.Mutex
	cond  *sync.Cond
	locks map[string]*Tx

	accounts map[uuid.UUID]*models.Account
	entries  []*models.LedgerEntry
	seq      int64
	tasks    map[uuid.UUID]*models.Task
	jobs     map[uuid.UUID]*models.Job
	jobOrder []uuid.UUID
	projects map[uuid.UUID]*models.Project
	steps    map[stepKey]*models.ProjectStep
	ops      map[uuid.UUID]*models.Operation

	commitConflicts int
	failures        map[string]*injected
}

type injected struct {
	remaining int
	err       error
}

func NewStore() *Store {
	s := &Store{
		locks:    make(map[string]*Tx),
		accounts: make(map[uuid.UUID]*models.Account),
		tasks:    make(map[uuid.UUID]*models.Task),
		jobs:     make(map[uuid.UUID]*models.Job),
		projects: make(map[uuid.UUID]*models.Project),
		steps:    make(map[stepKey]*models.ProjectStep),
		ops:      make(map[uuid.UUID]*models.Operation),
		failures: make(map[string]*injected),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Begin starts a transaction. It satisfies db.TxBeginner.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedLocked("begin"); err != nil {
		return nil, err
	}
	return &Tx{s: s, held: make(map[string]bool)}, nil
}

// ConflictOnCommit makes the next n commits fail with a serialization error.
func (s *Store) ConflictOnCommit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitConflicts = n
}

// FailOn makes the next n calls of op return err (ErrInjected when nil).
// Ops are named "<repo>.<Method>", e.g. "accounts.AddBalance" or "jobs.CreateBatchTx".
func (s *Store) FailOn(op string, n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &injected{remaining: n, err: err}
}

func (s *Store) injectedLocked(op string) error {
	f, ok := s.failures[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

// lockLocked waits until no other transaction holds key, then takes it for tx.
// Must be called with s.mu held.
func (s *Store) lockLocked(tx pgx.Tx, key string) *Tx {
	t, ok := tx.(*Tx)
	if !ok || t == nil {
		panic(fmt.Sprintf("testutil: %T is not a testutil transaction", tx))
	}
	for {
		owner := s.locks[key]
		if owner == nil || owner == t {
			break
		}
		s.cond.Wait()
	}
	s.locks[key] = t
	t.held[key] = true
	return t
}

// Tx implements pgx.Tx over a Store. Only Commit and Rollback do real work;
// the repositories in this package perform the reads and writes.
type Tx struct {
	s    *Store
	held map[string]bool
	undo []func()
	done bool
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("testutil: nested transactions not supported")
}

func (t *Tx) Commit(ctx context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	if err := ctx.Err(); err != nil {
		t.rollbackLocked()
		return err
	}
	if t.s.commitConflicts > 0 {
		t.s.commitConflicts--
		t.rollbackLocked()
		return &pgconn.PgError{Code: "40001", Message: "could not serialize access due to concurrent update"}
	}
	t.finishLocked()
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return pgx.ErrTxClosed
	}
	t.rollbackLocked()
	return nil
}

func (t *Tx) rollbackLocked() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.finishLocked()
}

func (t *Tx) finishLocked() {
	for key := range t.held {
		delete(t.s.locks, key)
	}
	t.held = nil
	t.undo = nil
	t.done = true
	t.s.cond.Broadcast()
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("testutil: raw SQL not supported")
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("testutil: raw SQL not supported")
}

func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{errors.New("testutil: raw SQL not supported")}
}

func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("testutil: raw SQL not supported")
}

func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("testutil: prepare not supported")
}
func (t *Tx) Conn() *pgx.Conn { return nil }

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// ---------------------------------------------------------------------------
// Seeding and inspection helpers
// ---------------------------------------------------------------------------

// AddAccount inserts an account with the given balance, recording the opening
// balance as a bonus entry so the ledger stays consistent.
func (s *Store) AddAccount(balance int64) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	now := time.Now()
	s.accounts[id] = &models.Account{ID: id, Email: id.String() + "@example.com", Role: models.RoleUser, Balance: balance, CreatedAt: now, UpdatedAt: now}
	if balance > 0 {
		s.seq++
		s.entries = append(s.entries, &models.LedgerEntry{
			ID: uuid.New(), Seq: s.seq, AccountID: id, Amount: balance, Kind: models.EntryBonus,
			Description: "opening balance", BalanceBefore: 0, BalanceAfter: balance, CreatedAt: now,
		})
	}
	return id
}

// Balance returns the cached account balance.
func (s *Store) Balance(id uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		return a.Balance
	}
	return -1
}

// EntriesOf returns copies of an account's ledger entries filtered by kind
// (all kinds when kind is empty).
func (s *Store) EntriesOf(id uuid.UUID, kind string) []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID == id && (kind == "" || e.Kind == kind) {
			out = append(out, *e)
		}
	}
	return out
}

// TaskCount and JobCount report how many rows exist.
func (s *Store) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Store) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Fingerprint serializes the whole store in a stable order. Two equal
// fingerprints mean no persisted state changed in between.
func (s *Store) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	type dump struct {
		Accounts []models.Account
		Entries  []models.LedgerEntry
		Tasks    []models.Task
		Jobs     []models.Job
		Projects []models.Project
		Steps    []models.ProjectStep
		Ops      []models.Operation
	}
	var d dump
	for _, a := range s.accounts {
		d.Accounts = append(d.Accounts, *a)
	}
	sort.Slice(d.Accounts, func(i, j int) bool { return d.Accounts[i].ID.String() < d.Accounts[j].ID.String() })
	for _, e := range s.entries {
		d.Entries = append(d.Entries, *e)
	}
	for _, t := range s.tasks {
		d.Tasks = append(d.Tasks, *t)
	}
	sort.Slice(d.Tasks, func(i, j int) bool { return d.Tasks[i].ID.String() < d.Tasks[j].ID.String() })
	for _, id := range s.jobOrder {
		if j, ok := s.jobs[id]; ok {
			d.Jobs = append(d.Jobs, *j)
		}
	}
	for _, p := range s.projects {
		d.Projects = append(d.Projects, *p)
	}
	sort.Slice(d.Projects, func(i, j int) bool { return d.Projects[i].ID.String() < d.Projects[j].ID.String() })
	for _, st := range s.steps {
		d.Steps = append(d.Steps, *st)
	}
	sort.Slice(d.Steps, func(i, j int) bool {
		if d.Steps[i].ProjectID != d.Steps[j].ProjectID {
			return d.Steps[i].ProjectID.String() < d.Steps[j].ProjectID.String()
		}
		return d.Steps[i].Index < d.Steps[j].Index
	})
	for _, op := range s.ops {
		d.Ops = append(d.Ops, *op)
	}
	sort.Slice(d.Ops, func(i, j int) bool { return d.Ops[i].ID.String() < d.Ops[j].ID.String() })
	b, _ := json.Marshal(d)
	return string(b)
}

func cloneRaw(m json.RawMessage) json.RawMessage {
	if m == nil {
		return nil
	}
	return append(json.RawMessage(nil), m...)
}

func strPtr(v string) *string { return &v }
