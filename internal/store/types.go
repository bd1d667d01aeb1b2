package store

import (
	"time"

	"github.com/stepflow-io/stepflow/pkg/execution"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// WorkflowRecord is a persisted workflow definition. Definitions are
// registered once and referenced by ID from runs and scheduled jobs.
type WorkflowRecord struct {
	WorkflowID  string                     `json:"workflow_id"`
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Definition  *schema.WorkflowDefinition `json:"definition"`
	Schedule    string                     `json:"schedule,omitempty"`
	Enabled     bool                       `json:"enabled"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// ExecutionRecord is a checkpointed run: the full execution context
// serialized as a document, plus the columns queries filter on.
type ExecutionRecord struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Error       string                 `json:"error,omitempty"`
	Context     map[string]any         `json:"context"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ExecutionContext rehydrates the checkpointed run state.
func (r *ExecutionRecord) ExecutionContext() (*execution.ExecutionContext, error) {
	return execution.FromMap(r.Context)
}

// WorkflowFilter specifies criteria for listing workflow definitions.
type WorkflowFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
}

// ExecutionFilter specifies criteria for listing execution checkpoints.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ScheduledJob is a cron-triggered run of a stored workflow.
type ScheduledJob struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	CronExpression string         `json:"cron_expression"`
	Input          map[string]any `json:"input,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
