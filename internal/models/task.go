package models

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// Task and job status enums.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"

	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// TaskItem is one row of the task's unit cost table: Count units of Kind at UnitCost each.
type TaskItem struct {
	Kind     string `json:"kind"`
	Count    int    `json:"count"`
	UnitCost int64  `json:"unit_cost"`
}

// Task is one fan-out generation request. It is mutated only by the
// aggregator once created and is immutable after reaching a terminal status.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	OwnerID        uuid.UUID       `json:"owner_id"`
	Items          []TaskItem      `json:"items"`
	Input          json.RawMessage `json:"input,omitempty"`
	TotalUnits     int             `json:"total_units"`
	TotalCost      int64           `json:"total_cost"`
	Status         string          `json:"status"`
	Progress       int             `json:"progress"`
	CompletedUnits int             `json:"completed_units"`
	FailedUnits    int             `json:"failed_units"`
	ResultRefs     []string        `json:"result_refs"`
	FailureReason  *string         `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the task can no longer change status.
func (t *Task) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// Job is one unit of work owned by exactly one task. Refunded guards against
// crediting the same failure twice.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	TaskID      uuid.UUID       `json:"task_id"`
	OwnerID     uuid.UUID       `json:"owner_id"`
	Kind        string          `json:"kind"`
	Input       json.RawMessage `json:"input,omitempty"`
	Status      string          `json:"status"`
	Cost        int64           `json:"cost"`
	RetryCount  int             `json:"retry_count"`
	ResultRef   *string         `json:"result_ref,omitempty"`
	ErrorReason *string         `json:"error_reason,omitempty"`
	Refunded    bool            `json:"refunded"`
	OperationID *uuid.UUID      `json:"operation_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the job has completed or failed.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// TaskProgress is round(100 * (completed+failed) / total).
func TaskProgress(completed, failed, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(100 * float64(completed+failed) / float64(total)))
}

// NextTaskStatus is the status a task moves to after a job outcome is counted.
// Terminal statuses never change here; cancellation is the only path to failed.
func NextTaskStatus(current string, completed, failed, total int) string {
	switch current {
	case TaskStatusCompleted, TaskStatusFailed:
		return current
	}
	if completed+failed >= total {
		return TaskStatusCompleted
	}
	return TaskStatusProcessing
}
