package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Project step states.
const (
	StepNotStarted = "not_started"
	StepRunning    = "running"
	StepDone       = "done"
	StepFailed     = "failed"
)

// Derived project statuses.
const (
	ProjectStatusPending = "pending"
	ProjectStatusRunning = "running"
	ProjectStatusDone    = "done"
	ProjectStatusFailed  = "failed"
)

// Project is a multi-step pipeline. Steps are totally ordered and CurrentStep
// is the index of the next step to execute (len(Steps) once finished).
type Project struct {
	ID          uuid.UUID       `json:"id"`
	OwnerID     uuid.UUID       `json:"owner_id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	StepCount   int             `json:"step_count"`
	CurrentStep int             `json:"current_step"`
	Status      string          `json:"status"`
	Steps       []*ProjectStep  `json:"steps"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ProjectStep holds the per-step data and refund bookkeeping.
type ProjectStep struct {
	ProjectID   uuid.UUID       `json:"project_id"`
	Index       int             `json:"index"`
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	State       string          `json:"state"`
	Cost        int64           `json:"cost"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	ErrorReason *string         `json:"error_reason,omitempty"`
	Refunded    bool            `json:"refunded"`
	Attempts    int             `json:"attempts"`
	OperationID *uuid.UUID      `json:"operation_id,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// HasOutput reports whether the step's output is stored. A stored output is
// what proves the step completed.
func (s *ProjectStep) HasOutput() bool {
	trimmed := bytes.TrimSpace(s.Output)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// DeriveStatus computes the project status from its steps.
func (p *Project) DeriveStatus() string {
	if p.CancelledAt != nil {
		return ProjectStatusFailed
	}
	done, started := 0, false
	for _, s := range p.Steps {
		switch s.State {
		case StepFailed:
			return ProjectStatusFailed
		case StepDone:
			done++
			started = true
		case StepRunning:
			started = true
		}
	}
	switch {
	case len(p.Steps) > 0 && done == len(p.Steps):
		return ProjectStatusDone
	case started:
		return ProjectStatusRunning
	default:
		return ProjectStatusPending
	}
}
