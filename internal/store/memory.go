package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/pkg/execution"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
// Nothing survives a restart; waiting runs cannot be resumed across
// processes.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*WorkflowRecord
	executions map[string]*ExecutionRecord
	jobs       map[string]*ScheduledJob
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  map[string]*WorkflowRecord{},
		executions: map[string]*ExecutionRecord{},
		jobs:       map[string]*ScheduledJob{},
	}
}

func (s *MemoryStore) SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if rec == nil || rec.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow record requires a workflow_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	s.workflows[rec.WorkflowID] = &stored
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.workflows[workflowID]
	if !ok {
		return nil, storeNotFound("workflow", workflowID)
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []*WorkflowRecord
	for _, rec := range s.workflows {
		if filter.Enabled != nil && rec.Enabled != *filter.Enabled {
			continue
		}
		out := *rec
		records = append(records, &out)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].WorkflowID < records[j].WorkflowID
	})
	records = window(records, filter.Offset, filter.Limit)
	return records, nil
}

func (s *MemoryStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[workflowID]; !ok {
		return storeNotFound("workflow", workflowID)
	}
	delete(s.workflows, workflowID)
	return nil
}

func (s *MemoryStore) SaveExecution(ctx context.Context, execCtx *execution.ExecutionContext) error {
	if execCtx == nil {
		return schema.NewError(schema.ErrCodeValidation, "execution context is nil")
	}
	doc, err := execCtx.ToMap()
	if err != nil {
		return err
	}
	workflowID := ""
	if execCtx.Workflow != nil {
		workflowID = execCtx.Workflow.WorkflowID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	created := execCtx.CreatedAt
	if prev, ok := s.executions[execCtx.ExecutionID]; ok {
		created = prev.CreatedAt
	}
	s.executions[execCtx.ExecutionID] = &ExecutionRecord{
		ExecutionID: execCtx.ExecutionID,
		WorkflowID:  workflowID,
		Status:      execCtx.Status,
		Error:       execCtx.Error,
		Context:     doc,
		CreatedAt:   timeOrNow(created),
		UpdatedAt:   time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[executionID]
	if !ok {
		return nil, storeNotFound("execution", executionID)
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var records []*ExecutionRecord
	for _, rec := range s.executions {
		if filter.WorkflowID != "" && rec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && rec.CreatedAt.Before(*filter.Since) {
			continue
		}
		out := *rec
		records = append(records, &out)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	records = window(records, filter.Offset, filter.Limit)
	return records, nil
}

func (s *MemoryStore) DeleteExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[executionID]; !ok {
		return storeNotFound("execution", executionID)
	}
	delete(s.executions, executionID)
	return nil
}

func (s *MemoryStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *job
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = &stored
	return nil
}

func (s *MemoryStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	out := *job
	return &out, nil
}

func (s *MemoryStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (s *MemoryStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*ScheduledJob
	for _, job := range s.jobs {
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		out := *job
		jobs = append(jobs, &out)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *MemoryStore) DeleteScheduledJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(s.jobs, id)
	return nil
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// Vacuum is a no-op for the in-memory store.
func (s *MemoryStore) Vacuum(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func window[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
