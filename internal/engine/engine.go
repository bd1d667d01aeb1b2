// Package engine drives workflow runs: it validates definitions, computes
// ready frontiers, dispatches steps through the registry with retry and
// circuit breaking, and moves the run through its lifecycle states.
package engine

import (
	"context"
	"log/slog"

	"github.com/stepflow-io/stepflow/internal/conditions"
	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/internal/logging"
	"github.com/stepflow-io/stepflow/internal/registry"
	"github.com/stepflow-io/stepflow/pkg/execution"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// CheckpointStore persists execution contexts at lifecycle boundaries so
// waiting runs can be resumed in another process. Satisfied by the store
// package; nil disables checkpointing.
type CheckpointStore interface {
	SaveExecution(ctx context.Context, execCtx *execution.ExecutionContext) error
}

// Engine executes workflow definitions. It is safe for concurrent use: all
// run-scoped state lives in the ExecutionContext.
type Engine struct {
	registry    *registry.Registry
	handler     *ErrorHandler
	evaluator   *expressions.Evaluator
	checkpoints CheckpointStore
	poolSize    int
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPoolSize bounds concurrent step execution within parallel waves.
func WithPoolSize(size int) Option {
	return func(e *Engine) { e.poolSize = size }
}

// WithCheckpointStore enables persistence of execution contexts at run
// boundaries (waiting, completed, failed, cancelled).
func WithCheckpointStore(store CheckpointStore) Option {
	return func(e *Engine) { e.checkpoints = store }
}

// WithCircuitBreakerConfig overrides the default breaker profile.
func WithCircuitBreakerConfig(cfg CircuitBreakerConfig) Option {
	return func(e *Engine) { e.handler = NewErrorHandler(cfg, e.logger) }
}

// New creates an Engine backed by the given step registry.
func New(reg *registry.Registry, opts ...Option) (*Engine, error) {
	evaluator, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		registry:  reg,
		evaluator: evaluator,
		poolSize:  DefaultPoolSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.handler == nil {
		e.handler = NewErrorHandler(DefaultCircuitBreakerConfig(), e.logger)
	}
	return e, nil
}

// ErrorHandler exposes retry/breaker telemetry for status reporting.
func (e *Engine) ErrorHandler() *ErrorHandler {
	return e.handler
}

// Run creates a fresh execution context for the definition and executes it.
// This is also the entry point nested subflow steps call back into.
func (e *Engine) Run(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any, user *execution.UserContext) (*execution.ExecutionContext, error) {
	execCtx := execution.NewContext(def, input, user)
	err := e.Execute(ctx, execCtx)
	return execCtx, err
}

// Execute drives a run to a stable state: completed, failed, cancelled, or
// waiting. Invoked both for fresh runs (pending) and resumed ones (waiting).
// The returned error reports run-level failure; step-level outcomes live in
// the execution context either way.
func (e *Engine) Execute(ctx context.Context, execCtx *execution.ExecutionContext) error {
	if execCtx == nil {
		return schema.NewError(schema.ErrCodeValidation, "execution context is nil")
	}

	dag, err := BuildDAG(execCtx.Workflow, e.knownTypes())
	if err != nil {
		execCtx.SetError(err.Error())
		e.checkpoint(ctx, execCtx)
		return err
	}

	from := execCtx.Status
	if !CanTransitionExecution(from, schema.ExecutionRunning) {
		return ExecutionTransitionError(from, schema.ExecutionRunning)
	}
	execCtx.SetStatus(schema.ExecutionRunning)

	ctx = logging.WithExecutionID(ctx, execCtx.ExecutionID)
	ctx = logging.WithWorkflowID(ctx, execCtx.Workflow.WorkflowID)
	e.logger.InfoContext(ctx, "execution started",
		"pattern", string(execCtx.Workflow.Pattern()),
		"total_steps", len(dag.Steps))

	parallel := execCtx.Workflow.Pattern() == schema.PatternParallel

	// Parallel runs drain whole waves; every other pattern takes a single
	// ready step per iteration, so the frontier is recomputed after each
	// completion and a newly unblocked step with a lower step_order starts
	// before an already-ready one with a higher order. A step that ran (or
	// was skipped) never re-enters the frontier, so the loop is bounded by
	// the step count; the +1 covers the final empty-frontier check.
	for wave := 0; wave <= len(dag.Steps); wave++ {
		if ctx.Err() != nil {
			return e.finishCancelled(ctx, execCtx)
		}

		ready := execCtx.ReadySteps()
		if len(ready) == 0 {
			break
		}

		var results []*execution.StepResult
		if parallel && len(ready) > 1 {
			results = e.runWaveParallel(ctx, execCtx, ready)
		} else {
			results = e.runWaveSequential(ctx, execCtx, ready[:1])
		}

		// Wave join: the coordinator is the only writer.
		for _, res := range results {
			execCtx.StoreResult(res)
		}

		for _, res := range results {
			if res.Status != schema.StepFailed {
				continue
			}
			step := execCtx.Workflow.Step(res.StepID)
			if step != nil && step.IsCritical() {
				return e.finishFailed(ctx, execCtx, res)
			}
			e.logger.WarnContext(ctx, "non-critical step failed, continuing",
				"step_id", res.StepID, "error", res.ErrorMessage)
		}

		if ctx.Err() != nil {
			return e.finishCancelled(ctx, execCtx)
		}
	}

	if execCtx.AnyWaiting() {
		execCtx.SetStatus(schema.ExecutionWaiting)
		e.checkpoint(ctx, execCtx)
		e.logger.InfoContext(ctx, "execution suspended",
			"waiting_steps", execCtx.WaitingSteps())
		return nil
	}

	execCtx.SetStatus(schema.ExecutionCompleted)
	e.checkpoint(ctx, execCtx)
	e.logger.InfoContext(ctx, "execution completed",
		"completed_steps", len(execCtx.CompletedSteps()),
		"failed_steps", len(execCtx.FailedSteps()),
		"skipped_steps", len(execCtx.SkippedSteps()))
	return nil
}

// Resume delivers an external resolution to a waiting step and drives the
// run forward. The payload becomes the step's completed output, visible to
// dependents through the usual input mapping. A subflow step that parked
// waiting carries its nested run as a snapshot; Resume rehydrates it,
// delivers the payload to the nested waiting step, and folds the nested
// outcome back into the parent before continuing.
func (e *Engine) Resume(ctx context.Context, execCtx *execution.ExecutionContext, stepID string, payload map[string]any) error {
	if execCtx.Status != schema.ExecutionWaiting {
		return ExecutionTransitionError(execCtx.Status, schema.ExecutionRunning)
	}
	res := execCtx.Result(stepID)
	if res == nil || res.Status != schema.StepWaiting {
		return schema.NewErrorf(schema.ErrCodeNotFound,
			"step %q is not waiting in execution %s", stepID, execCtx.ExecutionID).WithStep(stepID)
	}

	if snapshot, ok := res.OutputData["subflow_context"].(map[string]any); ok {
		return e.resumeSubflow(ctx, execCtx, stepID, res, snapshot, payload)
	}

	output := map[string]any{}
	for k, v := range res.OutputData {
		output[k] = v
	}
	for k, v := range payload {
		output[k] = v
	}
	execCtx.StoreResult(&execution.StepResult{
		StepID:          stepID,
		Status:          schema.StepCompleted,
		OutputData:      output,
		ExecutionTimeMs: res.ExecutionTimeMs,
		RetryCount:      res.RetryCount,
	})

	e.logger.InfoContext(logging.WithExecutionID(ctx, execCtx.ExecutionID),
		"execution resumed", "step_id", stepID)
	return e.Execute(ctx, execCtx)
}

// resumeSubflow re-drives the nested run parked inside a waiting subflow
// step. The payload goes to the nested run's own waiting step, so the
// remaining nested steps execute before the parent step completes; the
// parent's output is built the same way a subflow step that finished in
// one pass builds it. Nested subflows recurse through the same path.
func (e *Engine) resumeSubflow(ctx context.Context, execCtx *execution.ExecutionContext, stepID string, res *execution.StepResult, snapshot map[string]any, payload map[string]any) error {
	nested, err := execution.FromMap(snapshot)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"rehydrate subflow for step %q", stepID).WithStep(stepID).WithCause(err)
	}
	waiting := nested.WaitingSteps()
	if len(waiting) == 0 {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"subflow %s carries no waiting step", nested.ExecutionID).WithStep(stepID)
	}

	nestedErr := e.Resume(ctx, nested, waiting[0], payload)

	step := execCtx.Workflow.Step(stepID)
	switch {
	case nestedErr == nil && nested.Status == schema.ExecutionCompleted:
		output := map[string]any{
			"subflow_execution_id": nested.ExecutionID,
			"status":               string(nested.Status),
		}
		if step != nil && len(step.OutputMapping) > 0 {
			for key, path := range step.OutputMapping {
				output[key] = nested.ResolvePath(path)
			}
		} else {
			outputs := map[string]any{}
			for _, id := range nested.CompletedSteps() {
				outputs[id] = nested.StepIOData(id)
			}
			output["outputs"] = outputs
		}
		execCtx.StoreResult(&execution.StepResult{
			StepID:          stepID,
			Status:          schema.StepCompleted,
			OutputData:      output,
			ExecutionTimeMs: res.ExecutionTimeMs,
			RetryCount:      res.RetryCount,
		})
		e.logger.InfoContext(logging.WithExecutionID(ctx, execCtx.ExecutionID),
			"execution resumed", "step_id", stepID, "subflow_execution_id", nested.ExecutionID)
		return e.Execute(ctx, execCtx)

	case nestedErr == nil && nested.Status == schema.ExecutionWaiting:
		// The nested run parked again; refresh the parent's snapshot and
		// stay waiting for the next resolution.
		refreshed, snapErr := nested.ToMap()
		if snapErr != nil {
			return snapErr
		}
		execCtx.StoreResult(&execution.StepResult{
			StepID: stepID,
			Status: schema.StepWaiting,
			OutputData: map[string]any{
				"subflow_execution_id": nested.ExecutionID,
				"subflow_context":      refreshed,
			},
			ExecutionTimeMs: res.ExecutionTimeMs,
			RetryCount:      res.RetryCount,
		})
		e.checkpoint(ctx, execCtx)
		return nil

	default:
		msg := string(nested.Status)
		if nestedErr != nil {
			msg = nestedErr.Error()
		}
		failed := &execution.StepResult{
			StepID:          stepID,
			Status:          schema.StepFailed,
			ErrorMessage:    "subflow " + nested.ExecutionID + " failed: " + msg,
			ExecutionTimeMs: res.ExecutionTimeMs,
			RetryCount:      res.RetryCount,
		}
		execCtx.StoreResult(failed)
		if step == nil || step.IsCritical() {
			return e.finishFailed(ctx, execCtx, failed)
		}
		return e.Execute(ctx, execCtx)
	}
}

// Cancel moves a non-terminal run to cancelled and skips every step that
// has not produced a result yet, including waiting ones.
func (e *Engine) Cancel(ctx context.Context, execCtx *execution.ExecutionContext) error {
	if execCtx.Status.IsTerminal() {
		return ExecutionTransitionError(execCtx.Status, schema.ExecutionCancelled)
	}
	e.skipRemaining(execCtx, "execution cancelled")
	for _, stepID := range execCtx.WaitingSteps() {
		execCtx.Skip(stepID, "execution cancelled")
	}
	execCtx.SetStatus(schema.ExecutionCancelled)
	e.checkpoint(ctx, execCtx)
	return nil
}

// runWaveSequential executes the given steps one at a time in order,
// publishing each result as it lands. Execute passes one step per call so
// the ready frontier is recomputed between completions. A critical failure
// or cancellation stops early.
func (e *Engine) runWaveSequential(ctx context.Context, execCtx *execution.ExecutionContext, ready []schema.StepDefinition) []*execution.StepResult {
	var results []*execution.StepResult
	for i := range ready {
		if ctx.Err() != nil {
			break
		}
		step := &ready[i]
		res := e.runStep(ctx, execCtx, step)
		results = append(results, res)

		execCtx.StoreResult(res)
		if res.Status == schema.StepFailed && step.IsCritical() {
			break
		}
	}
	// Results were already merged step by step; return them only for
	// failure inspection at the join. Double StoreResult is idempotent.
	return results
}

// runWaveParallel fans the frontier out over the worker pool and waits for
// the whole wave. Workers never mutate the execution context: each writes
// its result into its own slot, and the caller merges after Wait.
func (e *Engine) runWaveParallel(ctx context.Context, execCtx *execution.ExecutionContext, ready []schema.StepDefinition) []*execution.StepResult {
	pool := NewWorkerPool(e.poolSize)
	slots := make([]*execution.StepResult, len(ready))

	for i := range ready {
		i := i
		step := &ready[i]
		err := pool.Submit(ctx, func(ctx context.Context) error {
			slots[i] = e.runStep(ctx, execCtx, step)
			return nil
		})
		if err != nil {
			slots[i] = &execution.StepResult{
				StepID:       step.StepID,
				Status:       schema.StepFailed,
				ErrorMessage: err.Error(),
			}
		}
	}
	pool.Wait()
	pool.Shutdown()

	results := make([]*execution.StepResult, 0, len(slots))
	for _, res := range slots {
		if res != nil {
			results = append(results, res)
		}
	}
	return results
}

// runStep evaluates the step's guard, resolves its input, and dispatches it
// through the registry under the step's retry policy. Always returns a
// result; dispatch errors are folded into a failed result.
func (e *Engine) runStep(ctx context.Context, execCtx *execution.ExecutionContext, step *schema.StepDefinition) *execution.StepResult {
	ctx = logging.WithStepID(ctx, step.StepID)

	run, guardErr := e.shouldRun(ctx, execCtx, step)
	if guardErr != nil {
		// A guard that cannot be evaluated is treated as false: the step
		// is skipped, not failed, and the run continues.
		e.logger.WarnContext(ctx, "guard evaluation failed, skipping step",
			"step_id", step.StepID, "error", guardErr.Error())
		return &execution.StepResult{
			StepID:       step.StepID,
			Status:       schema.StepSkipped,
			ErrorMessage: "condition evaluation failed: " + guardErr.Error(),
		}
	}
	if !run {
		e.logger.InfoContext(ctx, "condition false, skipping step", "step_id", step.StepID)
		return &execution.StepResult{
			StepID:       step.StepID,
			Status:       schema.StepSkipped,
			ErrorMessage: "condition evaluated to false",
		}
	}

	input := execCtx.ResolveInput(step)
	retryCfg := schema.RetryConfigForStep(step)
	errCtx := ErrorContext{
		Component:   e.componentFor(step),
		StepID:      step.StepID,
		ExecutionID: execCtx.ExecutionID,
	}

	attempts := 0
	out, err := e.handler.ExecuteWithRetry(ctx, func(ctx context.Context) (any, error) {
		attempts++
		if timeout := step.Timeout(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		res, stepErr := e.registry.ExecuteStep(ctx, step.StepType, step, input, execCtx)
		if stepErr != nil {
			return res, stepErr
		}
		return res, nil
	}, retryCfg, errCtx)

	if err != nil {
		return &execution.StepResult{
			StepID:       step.StepID,
			Status:       schema.StepFailed,
			ErrorMessage: err.Error(),
			RetryCount:   attempts - 1,
		}
	}

	res, ok := out.(*execution.StepResult)
	if !ok || res == nil {
		res = &execution.StepResult{
			StepID: step.StepID,
			Status: schema.StepCompleted,
		}
	}
	if attempts > 1 {
		res.RetryCount = attempts - 1
	}
	return res
}

// shouldRun evaluates the step's guard. A string condition with a scripted
// prefix goes through the expression engines; otherwise it is parsed as a
// comparison condition. A structured conditions block is evaluated as a
// logical expression. Steps without guards always run.
func (e *Engine) shouldRun(ctx context.Context, execCtx *execution.ExecutionContext, step *schema.StepDefinition) (bool, error) {
	if step.Condition != "" {
		if expressions.IsScripted(step.Condition) {
			return e.evaluator.EvaluateGuard(ctx, step.Condition, expressions.Scope(execCtx))
		}
		cond, err := conditions.ParseConditionString(step.Condition)
		if err != nil {
			return false, err
		}
		return conditions.Evaluate(cond, expressions.ConditionContext(execCtx)), nil
	}
	if step.Conditions != nil {
		return conditions.EvaluateExpression(step.Conditions, expressions.ConditionContext(execCtx)), nil
	}
	return true, nil
}

// componentFor derives the circuit breaker key for a step: the rpc endpoint
// for remote steps, the tool reference for tool calls, empty (no breaker)
// for plain local steps.
func (e *Engine) componentFor(step *schema.StepDefinition) string {
	if entry, ok := e.registry.Info(step.StepType); ok {
		if entry.ExecutionType == registry.ExecutionRPC && entry.Endpoint != nil {
			return entry.Endpoint.String()
		}
	}
	if ref, ok := step.Config["tool_reference"].(string); ok && ref != "" {
		return ref
	}
	return ""
}

// finishFailed marks the run failed after a critical step failure. Steps
// still pending are left untouched; they were never attempted.
func (e *Engine) finishFailed(ctx context.Context, execCtx *execution.ExecutionContext, res *execution.StepResult) error {
	err := schema.NewErrorf(schema.ErrCodeStepFailed,
		"critical step %q failed: %s", res.StepID, res.ErrorMessage).WithStep(res.StepID)
	execCtx.SetError(err.Error())
	e.checkpoint(ctx, execCtx)
	e.logger.ErrorContext(ctx, "execution failed",
		"step_id", res.StepID, "error", res.ErrorMessage)
	return err
}

// finishCancelled skips the untouched remainder and marks the run
// cancelled. In-flight steps have already joined by the time this runs.
func (e *Engine) finishCancelled(ctx context.Context, execCtx *execution.ExecutionContext) error {
	e.skipRemaining(execCtx, "execution cancelled")
	execCtx.SetStatus(schema.ExecutionCancelled)
	e.checkpoint(ctx, execCtx)
	e.logger.InfoContext(ctx, "execution cancelled")
	return schema.NewError(schema.ErrCodeCancelled, "execution cancelled").
		WithDetails(map[string]any{"execution_id": execCtx.ExecutionID})
}

func (e *Engine) skipRemaining(execCtx *execution.ExecutionContext, reason string) {
	if execCtx.Workflow == nil {
		return
	}
	for i := range execCtx.Workflow.Steps {
		step := &execCtx.Workflow.Steps[i]
		if execCtx.Result(step.StepID) == nil {
			execCtx.Skip(step.StepID, reason)
		}
	}
}

// checkpoint persists the context when a store is configured. Checkpoint
// failures are logged, not fatal: the in-memory run state remains correct.
func (e *Engine) checkpoint(ctx context.Context, execCtx *execution.ExecutionContext) {
	if e.checkpoints == nil {
		return
	}
	if err := e.checkpoints.SaveExecution(context.WithoutCancel(ctx), execCtx); err != nil {
		e.logger.WarnContext(ctx, "checkpoint failed",
			"execution_id", execCtx.ExecutionID, "error", err.Error())
	}
}

func (e *Engine) knownTypes() map[string]bool {
	known := map[string]bool{}
	for _, entry := range e.registry.RegisteredSteps() {
		known[entry.StepType] = true
	}
	return known
}
