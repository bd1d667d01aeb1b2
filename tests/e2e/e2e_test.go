// Package e2e wires the full stack (libSQL store, step registry, engine,
// validator, scheduler) and runs the shipped example workflows through it.
package e2e

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/internal/registry"
	"github.com/stepflow-io/stepflow/internal/scheduler"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/validation"
	"github.com/stepflow-io/stepflow/pkg/execution"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// --- Test harness ---

type harness struct {
	t         *testing.T
	store     *store.LibSQLStore
	registry  *registry.Registry
	engine    *engine.Engine
	validator *validation.JSONSchemaValidator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "e2e.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.NewRegistry()

	var eng *engine.Engine
	deps := &registry.BuiltinDeps{
		JQ: expressions.NewJQEngine(),
		Subflow: func(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any, user *execution.UserContext) (*execution.ExecutionContext, error) {
			return eng.Run(ctx, def, input, user)
		},
	}
	require.NoError(t, registry.RegisterBuiltins(reg, deps))

	eng, err = engine.New(reg, engine.WithCheckpointStore(s))
	require.NoError(t, err)

	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	return &harness{t: t, store: s, registry: reg, engine: eng, validator: validator}
}

// loadExample reads and validates one of the shipped workflow definitions.
func (h *harness) loadExample(name string) *schema.WorkflowDefinition {
	h.t.Helper()

	data, err := os.ReadFile(filepath.Join("..", "..", "examples", "workflows", name))
	require.NoError(h.t, err)

	var def schema.WorkflowDefinition
	require.NoError(h.t, json.Unmarshal(data, &def))
	require.NoError(h.t, h.validator.ValidateDefinition(&def))
	return &def
}

// reload rehydrates a checkpointed execution from the store.
func (h *harness) reload(executionID string) *execution.ExecutionContext {
	h.t.Helper()

	rec, err := h.store.GetExecution(context.Background(), executionID)
	require.NoError(h.t, err)
	execCtx, err := rec.ExecutionContext()
	require.NoError(h.t, err)
	return execCtx
}

// --- Tests ---

func TestDailyReportPipeline(t *testing.T) {
	h := newHarness(t)
	def := h.loadExample("daily-report.json")

	execCtx, err := h.engine.Run(context.Background(), def, map[string]any{
		"feedback": "great launch, the team loved it, excellent work all around",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, execCtx.Status)

	digest := execCtx.StepIOData("digest")
	require.NotNil(t, digest)
	assert.Equal(t, "positive", digest["sentiment"])
	words, ok := digest["words"].(float64)
	require.True(t, ok, "word count should be a number, got %T", digest["words"])
	assert.Greater(t, words, 0.0)

	// The terminal state was checkpointed.
	rec, err := h.store.GetExecution(context.Background(), execCtx.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, rec.Status)
}

func TestReleaseApprovalGranted(t *testing.T) {
	h := newHarness(t)
	def := h.loadExample("release-approval.json")

	execCtx, err := h.engine.Run(context.Background(), def, map[string]any{
		"version": "2.4.0",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionWaiting, execCtx.Status)
	assert.Equal(t, []string{"gate"}, execCtx.WaitingSteps())

	// The parked run survives a process restart: resume the checkpoint.
	restored := h.reload(execCtx.ExecutionID)
	require.Equal(t, schema.ExecutionWaiting, restored.Status)

	require.NoError(t, h.engine.Resume(context.Background(), restored, "gate", map[string]any{
		"approved": true,
		"approver": "release-managers",
	}))

	assert.Equal(t, schema.ExecutionCompleted, restored.Status)
	assert.True(t, restored.Completed("ship"))
	assert.True(t, restored.Completed("announce"))
	assert.Equal(t, "2.4.0", restored.StepIOData("ship")["version"])
}

func TestReleaseApprovalDenied(t *testing.T) {
	h := newHarness(t)
	def := h.loadExample("release-approval.json")

	execCtx, err := h.engine.Run(context.Background(), def, map[string]any{
		"version": "2.4.1",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionWaiting, execCtx.Status)

	restored := h.reload(execCtx.ExecutionID)
	require.NoError(t, h.engine.Resume(context.Background(), restored, "gate", map[string]any{
		"approved": false,
	}))

	// The guard on ship fails, so the release never goes out.
	assert.Equal(t, schema.ExecutionCompleted, restored.Status)
	assert.Contains(t, restored.SkippedSteps(), "ship")
	assert.True(t, restored.Completed("announce"))
}

func TestCancelWaitingRun(t *testing.T) {
	h := newHarness(t)
	def := h.loadExample("release-approval.json")

	execCtx, err := h.engine.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionWaiting, execCtx.Status)

	restored := h.reload(execCtx.ExecutionID)
	require.NoError(t, h.engine.Cancel(context.Background(), restored))
	assert.Equal(t, schema.ExecutionCancelled, restored.Status)

	rec, err := h.store.GetExecution(context.Background(), execCtx.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, rec.Status)
}

// storeRunner runs stored workflows for the scheduler, the same wiring the
// server binary uses.
type storeRunner struct {
	store  store.Store
	engine *engine.Engine
}

func (r *storeRunner) RunWorkflow(ctx context.Context, workflowID string, input map[string]any) error {
	rec, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	_, err = r.engine.Run(ctx, rec.Definition, input, nil)
	return err
}

func TestScheduledRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.loadExample("daily-report.json")

	require.NoError(t, h.store.SaveWorkflow(ctx, &store.WorkflowRecord{
		WorkflowID: def.WorkflowID,
		Name:       def.Name,
		Definition: def,
		Schedule:   def.Schedule,
		Enabled:    true,
	}))

	due := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, h.store.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:             "daily-report-cron",
		WorkflowID:     def.WorkflowID,
		CronExpression: "0 7 * * *",
		Input:          map[string]any{"feedback": "steady progress, happy customers"},
		Enabled:        true,
		NextRunAt:      &due,
	}))

	sched := scheduler.NewScheduler(h.store, &storeRunner{store: h.store, engine: h.engine}, nil)
	require.NoError(t, sched.RecoverMissed(ctx))

	job, err := h.store.GetScheduledJob(ctx, "daily-report-cron")
	require.NoError(t, err)
	assert.Equal(t, "success", job.LastRunStatus)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC()))

	// The scheduled run landed in the store as a completed execution.
	status := schema.ExecutionCompleted
	records, err := h.store.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID: def.WorkflowID,
		Status:     &status,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
}
