// Package store persists workflow definitions, execution checkpoints and
// scheduled jobs. The primary implementation is libSQL-backed; an in-memory
// implementation serves tests and ephemeral deployments.
package store

import (
	"context"

	"github.com/stepflow-io/stepflow/pkg/execution"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error
	GetWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error)
	DeleteWorkflow(ctx context.Context, workflowID string) error

	// Execution checkpoints
	SaveExecution(ctx context.Context, execCtx *execution.ExecutionContext) error
	GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)
	DeleteExecution(ctx context.Context, executionID string) error

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
