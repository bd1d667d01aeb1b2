package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/stepflow-io/stepflow/pkg/execution"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a
// Store. The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow definitions ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if rec == nil || rec.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow record requires a workflow_id")
	}
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return storeError("marshal workflow definition", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, name, description, definition, schedule, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET
		   name=excluded.name, description=excluded.description,
		   definition=excluded.definition, schedule=excluded.schedule,
		   enabled=excluded.enabled, updated_at=excluded.updated_at`,
		rec.WorkflowID, rec.Name, nullStr(rec.Description), string(def),
		nullStr(rec.Schedule), boolToInt(rec.Enabled),
		timeOrNow(rec.CreatedAt), time.Now().UTC(),
	)
	if err != nil {
		return storeError("save workflow", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowRecord, error) {
	rec := &WorkflowRecord{}
	var (
		description, schedule sql.NullString
		defJSON               string
		enabled               int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, name, description, definition, schedule, enabled, created_at, updated_at
		 FROM workflows WHERE workflow_id = ?`, workflowID,
	).Scan(&rec.WorkflowID, &rec.Name, &description, &defJSON, &schedule, &enabled, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", workflowID)
	}
	if err != nil {
		return nil, storeError("get workflow", err)
	}
	rec.Description = description.String
	rec.Schedule = schedule.String
	rec.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, storeError("unmarshal workflow definition", err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT workflow_id, name, description, definition, schedule, enabled, created_at, updated_at FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, workflow_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	defer rows.Close()

	var records []*WorkflowRecord
	for rows.Next() {
		rec := &WorkflowRecord{}
		var (
			description, schedule sql.NullString
			defJSON               string
			enabled               int
		)
		if err := rows.Scan(&rec.WorkflowID, &rec.Name, &description, &defJSON, &schedule, &enabled, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, storeError("list workflows", err)
		}
		rec.Description = description.String
		rec.Schedule = schedule.String
		rec.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
			return nil, storeError("unmarshal workflow definition", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return storeError("delete workflow", err)
	}
	return checkRowsAffected(res, "workflow", workflowID)
}

// --- Execution checkpoints ---

// SaveExecution upserts the full execution context as a checkpoint. The
// engine calls this at every run boundary, so an existing row means a newer
// snapshot of the same run.
func (s *LibSQLStore) SaveExecution(ctx context.Context, execCtx *execution.ExecutionContext) error {
	if execCtx == nil {
		return schema.NewError(schema.ErrCodeValidation, "execution context is nil")
	}
	doc, err := execCtx.ToMap()
	if err != nil {
		return err
	}
	contextJSON, err := json.Marshal(doc)
	if err != nil {
		return storeError("marshal execution context", err)
	}

	workflowID := ""
	if execCtx.Workflow != nil {
		workflowID = execCtx.Workflow.WorkflowID
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, workflow_id, status, error, context, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   status=excluded.status, error=excluded.error,
		   context=excluded.context, updated_at=excluded.updated_at`,
		execCtx.ExecutionID, workflowID, string(execCtx.Status),
		nullStr(execCtx.Error), string(contextJSON),
		timeOrNow(execCtx.CreatedAt), now,
	)
	if err != nil {
		return storeError("save execution", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	rec := &ExecutionRecord{}
	var (
		errMsg      sql.NullString
		contextJSON string
		status      string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT execution_id, workflow_id, status, error, context, created_at, updated_at
		 FROM executions WHERE execution_id = ?`, executionID,
	).Scan(&rec.ExecutionID, &rec.WorkflowID, &status, &errMsg, &contextJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", executionID)
	}
	if err != nil {
		return nil, storeError("get execution", err)
	}
	rec.Status = schema.ExecutionStatus(status)
	rec.Error = errMsg.String
	if err := json.Unmarshal([]byte(contextJSON), &rec.Context); err != nil {
		return nil, storeError("unmarshal execution context", err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT execution_id, workflow_id, status, error, context, created_at, updated_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list executions", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		rec := &ExecutionRecord{}
		var (
			errMsg      sql.NullString
			contextJSON string
			status      string
		)
		if err := rows.Scan(&rec.ExecutionID, &rec.WorkflowID, &status, &errMsg, &contextJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, storeError("list executions", err)
		}
		rec.Status = schema.ExecutionStatus(status)
		rec.Error = errMsg.String
		if err := json.Unmarshal([]byte(contextJSON), &rec.Context); err != nil {
			return nil, storeError("unmarshal execution context", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) DeleteExecution(ctx context.Context, executionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE execution_id = ?`, executionID)
	if err != nil {
		return storeError("delete execution", err)
	}
	return checkRowsAffected(res, "execution", executionID)
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	input, err := marshalMapOrDefault(job.Input)
	if err != nil {
		return storeError("marshal job input", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowID, job.CronExpression, string(input),
		boolToInt(job.Enabled), nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	if err != nil {
		return storeError("create scheduled job", err)
	}
	return nil
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var (
		inputJSON, lastStatus sql.NullString
		lastRun, nextRun      sql.NullTime
		enabled               int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.WorkflowID, &job.CronExpression, &inputJSON, &enabled, &lastRun, &nextRun, &lastStatus, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled job", id)
	}
	if err != nil {
		return nil, storeError("get scheduled job", err)
	}
	job.Enabled = enabled != 0
	job.LastRunStatus = lastStatus.String
	if inputJSON.Valid && inputJSON.String != "" {
		_ = json.Unmarshal([]byte(inputJSON.String), &job.Input)
	}
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeError("update scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var where []string
	var args []any
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}

	query := `SELECT id, workflow_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list scheduled jobs", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job := &ScheduledJob{}
		var (
			inputJSON, lastStatus sql.NullString
			lastRun, nextRun      sql.NullTime
			enabled               int
		)
		if err := rows.Scan(&job.ID, &job.WorkflowID, &job.CronExpression, &inputJSON, &enabled, &lastRun, &nextRun, &lastStatus, &job.CreatedAt); err != nil {
			return nil, storeError("list scheduled jobs", err)
		}
		job.Enabled = enabled != 0
		job.LastRunStatus = lastStatus.String
		if inputJSON.Valid && inputJSON.String != "" {
			_ = json.Unmarshal([]byte(inputJSON.String), &job.Input)
		}
		if lastRun.Valid {
			job.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			job.NextRunAt = &nextRun.Time
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return storeError("delete scheduled job", err)
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
