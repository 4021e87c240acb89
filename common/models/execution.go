package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of a workflow execution
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Execution represents one run of a workflow.
// Maps to: execution table
type Execution struct {
	// Unique execution ID
	ExecutionID uuid.UUID `db:"execution_id" json:"execution_id"`

	// Workflow definition this execution ran
	WorkflowID string `db:"workflow_id" json:"workflow_id"`

	// Lifecycle status
	Status ExecutionStatus `db:"status" json:"status"`

	// Trigger inputs (JSONB)
	Inputs []byte `db:"inputs" json:"inputs,omitempty"`

	// Final outputs (JSONB), set on completion; partial on failure
	Outputs []byte `db:"outputs" json:"outputs,omitempty"`

	// Error detail, set on failure
	ErrorKind    *string `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage *string `db:"error_message" json:"error_message,omitempty"`

	// Caller identity, when known
	SubmittedBy *string `db:"submitted_by" json:"submitted_by,omitempty"`

	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// Checkpoint is a durable snapshot of execution progress.
// Maps to: execution_checkpoint table
type Checkpoint struct {
	ExecutionID uuid.UUID `db:"execution_id" json:"execution_id"`

	// Monotonic sequence within the execution
	Seq int64 `db:"seq" json:"seq"`

	// Context snapshot (JSONB)
	Snapshot []byte `db:"snapshot" json:"snapshot"`

	// Queue bucket counts at checkpoint time (JSONB)
	QueueSummary []byte `db:"queue_summary" json:"queue_summary"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
