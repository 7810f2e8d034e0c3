package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry kinds.
const (
	EntryPurchase = "purchase"
	EntryUsage    = "usage"
	EntryRefund   = "refund"
	EntryBonus    = "bonus"
)

// LedgerEntry is an immutable balance mutation. BalanceAfter is always
// BalanceBefore + Amount; Seq orders entries by creation.
type LedgerEntry struct {
	ID            uuid.UUID  `json:"id"`
	Seq           int64      `json:"seq"`
	AccountID     uuid.UUID  `json:"account_id"`
	Amount        int64      `json:"amount"`
	Kind          string     `json:"kind"`
	Description   string     `json:"description"`
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	TaskID        *uuid.UUID `json:"task_id,omitempty"`
	JobID         *uuid.UUID `json:"job_id,omitempty"`
	ProjectID     *uuid.UUID `json:"project_id,omitempty"`
	StepIndex     *int       `json:"step_index,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// LedgerRef links an entry to the work it paid for or compensated.
type LedgerRef struct {
	TaskID    *uuid.UUID
	JobID     *uuid.UUID
	ProjectID *uuid.UUID
	StepIndex *int
}

// TaskRef references a task.
func TaskRef(taskID uuid.UUID) LedgerRef {
	return LedgerRef{TaskID: &taskID}
}

// JobRef references a job and its parent task.
func JobRef(taskID, jobID uuid.UUID) LedgerRef {
	return LedgerRef{TaskID: &taskID, JobID: &jobID}
}

// StepRef references one step of a project.
func StepRef(projectID uuid.UUID, step int) LedgerRef {
	return LedgerRef{ProjectID: &projectID, StepIndex: &step}
}
