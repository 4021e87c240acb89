package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/weftlabs/weft/common/db"
	"github.com/weftlabs/weft/common/models"
)

// ExecutionRepository handles database operations for workflow executions
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

// Create inserts a new execution row
func (r *ExecutionRepository) Create(ctx context.Context, exec *models.Execution) error {
	query := `
		INSERT INTO execution (execution_id, workflow_id, status, inputs, submitted_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		exec.ExecutionID,
		exec.WorkflowID,
		exec.Status,
		exec.Inputs,
		exec.SubmittedBy,
		exec.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// MarkStarted transitions an execution to running
func (r *ExecutionRepository) MarkStarted(ctx context.Context, executionID uuid.UUID) error {
	query := `
		UPDATE execution
		SET status = $2, started_at = $3
		WHERE execution_id = $1
	`

	now := time.Now().UTC()
	_, err := r.db.Exec(ctx, query, executionID, models.StatusRunning, now)
	if err != nil {
		return fmt.Errorf("failed to mark execution started: %w", err)
	}

	return nil
}

// MarkFinished records the terminal status with outputs or error detail
func (r *ExecutionRepository) MarkFinished(ctx context.Context, executionID uuid.UUID, status models.ExecutionStatus, outputs []byte, errorKind, errorMessage *string) error {
	query := `
		UPDATE execution
		SET status = $2, outputs = $3, error_kind = $4, error_message = $5, finished_at = $6
		WHERE execution_id = $1
	`

	now := time.Now().UTC()
	_, err := r.db.Exec(ctx, query, executionID, status, outputs, errorKind, errorMessage, now)
	if err != nil {
		return fmt.Errorf("failed to mark execution finished: %w", err)
	}

	return nil
}

// GetByID retrieves an execution by its ID
func (r *ExecutionRepository) GetByID(ctx context.Context, executionID uuid.UUID) (*models.Execution, error) {
	query := `
		SELECT execution_id, workflow_id, status, inputs, outputs, error_kind, error_message, submitted_by, created_at, started_at, finished_at
		FROM execution
		WHERE execution_id = $1
	`

	exec := &models.Execution{}
	err := r.db.QueryRow(ctx, query, executionID).Scan(
		&exec.ExecutionID,
		&exec.WorkflowID,
		&exec.Status,
		&exec.Inputs,
		&exec.Outputs,
		&exec.ErrorKind,
		&exec.ErrorMessage,
		&exec.SubmittedBy,
		&exec.CreatedAt,
		&exec.StartedAt,
		&exec.FinishedAt,
	)

	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", executionID, err)
	}

	return exec, nil
}

// ListByWorkflow returns recent executions of a workflow, newest first
func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.Execution, error) {
	query := `
		SELECT execution_id, workflow_id, status, inputs, outputs, error_kind, error_message, submitted_by, created_at, started_at, finished_at
		FROM execution
		WHERE workflow_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions for %s: %w", workflowID, err)
	}
	defer rows.Close()

	var executions []*models.Execution
	for rows.Next() {
		exec := &models.Execution{}
		if err := rows.Scan(
			&exec.ExecutionID,
			&exec.WorkflowID,
			&exec.Status,
			&exec.Inputs,
			&exec.Outputs,
			&exec.ErrorKind,
			&exec.ErrorMessage,
			&exec.SubmittedBy,
			&exec.CreatedAt,
			&exec.StartedAt,
			&exec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		executions = append(executions, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating execution rows: %w", err)
	}

	return executions, nil
}

// SaveCheckpoint appends a progress checkpoint for an execution
func (r *ExecutionRepository) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	query := `
		INSERT INTO execution_checkpoint (execution_id, seq, snapshot, queue_summary, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Exec(ctx, query, cp.ExecutionID, cp.Seq, cp.Snapshot, cp.QueueSummary, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// LatestCheckpoint returns the most recent checkpoint for an execution, or nil
func (r *ExecutionRepository) LatestCheckpoint(ctx context.Context, executionID uuid.UUID) (*models.Checkpoint, error) {
	query := `
		SELECT execution_id, seq, snapshot, queue_summary, created_at
		FROM execution_checkpoint
		WHERE execution_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`

	cp := &models.Checkpoint{}
	err := r.db.QueryRow(ctx, query, executionID).Scan(
		&cp.ExecutionID,
		&cp.Seq,
		&cp.Snapshot,
		&cp.QueueSummary,
		&cp.CreatedAt,
	)

	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint for %s: %w", executionID, err)
	}

	return cp, nil
}
