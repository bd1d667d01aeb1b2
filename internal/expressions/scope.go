package expressions

import (
	"github.com/stepflow-io/stepflow/pkg/execution"
)

// Scope builds the evaluation scope handed to the scripting engines:
// steps / inputs / workflow / globals, snapshotted from the execution
// context.
func Scope(execCtx *execution.ExecutionContext) map[string]any {
	if execCtx == nil {
		return map[string]any{}
	}

	steps := map[string]any{}
	for stepID, res := range execCtx.StepResults() {
		steps[stepID] = stepEntry(stepID, res, execCtx)
	}

	workflow := map[string]any{
		"execution_id": execCtx.ExecutionID,
		"status":       string(execCtx.Status),
	}
	if execCtx.Workflow != nil {
		workflow["workflow_id"] = execCtx.Workflow.WorkflowID
		workflow["name"] = execCtx.Workflow.Name
	}

	return map[string]any{
		"steps":    steps,
		"inputs":   execCtx.InputData,
		"workflow": workflow,
		"globals":  execCtx.GlobalVariables,
	}
}

// ConditionContext builds the flat context the closed-operator evaluator
// resolves dotted paths against. Each finished step appears under its ID as
// its published payload merged with execution metadata (status, error,
// execution_time_ms, output), so both "extract.count" and
// "extract.status" resolve. Run-level data lives under workflow / global /
// input.
func ConditionContext(execCtx *execution.ExecutionContext) map[string]any {
	if execCtx == nil {
		return map[string]any{}
	}

	ctx := map[string]any{
		"workflow": map[string]any{
			"execution_id": execCtx.ExecutionID,
			"status":       string(execCtx.Status),
		},
		"global": execCtx.GlobalVariables,
		"input":  execCtx.InputData,
	}
	for stepID, res := range execCtx.StepResults() {
		ctx[stepID] = stepEntry(stepID, res, execCtx)
	}
	return ctx
}

// stepEntry merges a step's payload with its execution metadata. Metadata
// is written last under reserved names; payload keys stay at the top level
// so short paths like "extract.count" resolve.
func stepEntry(stepID string, res *execution.StepResult, execCtx *execution.ExecutionContext) map[string]any {
	entry := map[string]any{}
	io := execCtx.StepIOData(stepID)
	for k, v := range io {
		entry[k] = v
	}
	entry["status"] = string(res.Status)
	entry["execution_time_ms"] = res.ExecutionTimeMs
	if res.ErrorMessage != "" {
		entry["error"] = res.ErrorMessage
	}
	var output any
	if io != nil {
		output = io
	}
	entry["output"] = output
	return entry
}
