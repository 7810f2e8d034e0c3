package models

import (
	"time"

	"github.com/google/uuid"
)

// Operation owner types.
const (
	OwnerJob  = "job"
	OwnerStep = "step"
)

// Operation outcomes, set once Done is true.
const (
	OperationSucceeded = "succeeded"
	OperationFailed    = "failed"
)

// OperationOwner identifies the job or project step a long-running provider
// operation belongs to.
type OperationOwner struct {
	Type      string     `json:"type"`
	JobID     *uuid.UUID `json:"job_id,omitempty"`
	ProjectID *uuid.UUID `json:"project_id,omitempty"`
	StepIndex *int       `json:"step_index,omitempty"`
}

// JobOwner returns the owner for a job.
func JobOwner(jobID uuid.UUID) OperationOwner {
	return OperationOwner{Type: OwnerJob, JobID: &jobID}
}

// StepOwner returns the owner for a project step.
func StepOwner(projectID uuid.UUID, step int) OperationOwner {
	return OperationOwner{Type: OwnerStep, ProjectID: &projectID, StepIndex: &step}
}

// Operation is the locally persisted handle of a slow provider operation.
// Done mirrors the terminal state so finished handles are never polled again.
type Operation struct {
	ID           uuid.UUID      `json:"id"`
	Owner        OperationOwner `json:"owner"`
	Kind         string         `json:"kind"`
	ProviderRef  string         `json:"provider_ref"`
	Done         bool           `json:"done"`
	Outcome      string         `json:"outcome,omitempty"`
	ResultRef    *string        `json:"result_ref,omitempty"`
	ErrorReason  *string        `json:"error_reason,omitempty"`
	PollCount    int            `json:"poll_count"`
	StartedAt    time.Time      `json:"started_at"`
	DeadlineAt   time.Time      `json:"deadline_at"`
	LastPolledAt *time.Time     `json:"last_polled_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}
