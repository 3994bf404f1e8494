package core

import "context"

// WorkflowStore persists workflow definitions, executions, snapshots and
// logs. Implementations must be safe for concurrent use.
type WorkflowStore interface {
	SaveExecution(ctx context.Context, exec *WorkflowExecution) error
	UpdateExecution(ctx context.Context, exec *WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	DeleteExecution(ctx context.Context, id string) error
	// ListExecutions returns executions, optionally filtered by status.
	ListExecutions(ctx context.Context, statuses ...ExecutionStatus) ([]*WorkflowExecution, error)

	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	GetLatestSnapshot(ctx context.Context, executionID string) (*Snapshot, error)
	DeleteSnapshots(ctx context.Context, executionID string) error

	SaveWorkflowDefinition(ctx context.Context, def *WorkflowDefinition) error
	GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)
	ListWorkflowDefinitions(ctx context.Context) ([]*WorkflowDefinition, error)

	// SaveLogs appends entries to the execution's log.
	SaveLogs(ctx context.Context, executionID string, logs []ExecutionLog) error
	// GetLogs returns the most recent entries, oldest first; limit <= 0 returns all.
	GetLogs(ctx context.Context, executionID string, limit int) ([]ExecutionLog, error)

	Close() error
}
