package execution

import "github.com/google/uuid"

// GenerateJobArgs runs one Job row. One is inserted per Job in the
// transaction that creates the task.
type GenerateJobArgs struct {
	JobID uuid.UUID `json:"job_id"`
}

func (GenerateJobArgs) Kind() string { return "generate_job" }

// PollOperationArgs polls one provider operation; the worker snoozes it
// until the operation finishes.
type PollOperationArgs struct {
	OperationID uuid.UUID `json:"operation_id"`
}

func (PollOperationArgs) Kind() string { return "poll_operation" }

// SweepOperationsArgs polls every open operation once.
type SweepOperationsArgs struct {
	Limit int `json:"limit"`
}

func (SweepOperationsArgs) Kind() string { return "sweep_operations" }

// ReconcileRefundsArgs credits failures whose refund did not commit.
type ReconcileRefundsArgs struct {
	Limit int `json:"limit"`
}

func (ReconcileRefundsArgs) Kind() string { return "reconcile_refunds" }
