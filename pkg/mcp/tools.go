package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stepflow-io/stepflow/pkg/execution"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// handleRun starts a run from a stored workflow or an inline definition.
func (s *StepflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	input := mcp.ParseStringMap(req, "input", nil)

	var def *schema.WorkflowDefinition
	switch {
	case workflowID != "" && defRaw != nil:
		return mcp.NewToolResultError("provide either workflow_id or definition, not both"), nil
	case workflowID != "":
		rec, err := s.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
		}
		def = rec.Definition
	case defRaw != nil:
		parsed, err := parseDefinition(defRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		def = parsed
	default:
		return mcp.NewToolResultError("either workflow_id or definition is required"), nil
	}

	if err := s.validator.ValidateDefinition(def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow validation failed: %v", err)), nil
	}

	var user *execution.UserContext
	if userID := req.GetString("user_id", ""); userID != "" {
		user = &execution.UserContext{UserID: userID}
	}

	execCtx, runErr := s.engine.Run(ctx, def, input, user)
	if execCtx == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}

	// Remember which session started the run so it can be notified when
	// someone else resumes the gate it is waiting on.
	if execCtx.Status == schema.ExecutionWaiting {
		s.captureSession(ctx, execCtx.ExecutionID)
	}

	return marshalResult(executionPayload(execCtx, runErr))
}

// handleStatus returns the current state of an execution from the store.
func (s *StepflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	execCtx, loadErr := s.loadExecution(ctx, executionID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", loadErr)), nil
	}

	return marshalResult(executionPayload(execCtx, nil))
}

// handleResume completes a waiting step and continues the run.
func (s *StepflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	execCtx, loadErr := s.loadExecution(ctx, executionID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", loadErr)), nil
	}

	wasWaiting := execCtx.Status == schema.ExecutionWaiting
	resumeErr := s.engine.Resume(ctx, execCtx, stepID, payload)
	if resumeErr != nil && (!wasWaiting || execCtx.Status == schema.ExecutionWaiting) {
		// Resume was rejected before the run restarted.
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	// Tell the session that started the run how it ended. Best-effort.
	if notifyErr := s.notifier.Notify(ctx, executionID, execCtx.Summary()); notifyErr != nil {
		s.logger.Warn("resume notification failed", "execution_id", executionID, "error", notifyErr)
	}

	return marshalResult(executionPayload(execCtx, resumeErr))
}

// handleCancel stops a running or waiting execution.
func (s *StepflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	execCtx, loadErr := s.loadExecution(ctx, executionID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", loadErr)), nil
	}

	if cancelErr := s.engine.Cancel(ctx, execCtx); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(executionPayload(execCtx, nil))
}

// handleSteps lists the registered step types.
func (s *StepflowServer) handleSteps(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tag := req.GetString("tag", "")

	entries := s.registry.RegisteredSteps()
	steps := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		if tag != "" && !slices.Contains(entry.Tags, tag) {
			continue
		}
		step := map[string]any{
			"step_type":      entry.StepType,
			"name":           entry.Name,
			"execution_type": entry.ExecutionType,
		}
		if entry.Description != "" {
			step["description"] = entry.Description
		}
		if len(entry.Tags) > 0 {
			step["tags"] = entry.Tags
		}
		if len(entry.ParametersSchema) > 0 {
			step["parameters_schema"] = json.RawMessage(entry.ParametersSchema)
		}
		steps = append(steps, step)
	}

	return marshalResult(map[string]any{"steps": steps})
}

// --- Internal helpers ---

// loadExecution rehydrates a live ExecutionContext from its stored snapshot.
func (s *StepflowServer) loadExecution(ctx context.Context, executionID string) (*execution.ExecutionContext, error) {
	rec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return rec.ExecutionContext()
}

// parseDefinition converts a raw tool argument map into a WorkflowDefinition.
func parseDefinition(raw map[string]any) (*schema.WorkflowDefinition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// executionPayload builds the tool result body for one run: the summary
// counters plus per-step outcomes.
func executionPayload(execCtx *execution.ExecutionContext, runErr error) map[string]any {
	out := execCtx.Summary()

	steps := make(map[string]any)
	for stepID, res := range execCtx.StepResults() {
		entry := map[string]any{
			"status":            string(res.Status),
			"execution_time_ms": res.ExecutionTimeMs,
		}
		if res.ErrorMessage != "" {
			entry["error"] = res.ErrorMessage
		}
		if res.RetryCount > 0 {
			entry["retry_count"] = res.RetryCount
		}
		if len(res.OutputData) > 0 {
			entry["output"] = res.OutputData
		}
		steps[stepID] = entry
	}
	out["steps"] = steps

	if execCtx.Error != "" {
		out["error"] = execCtx.Error
	} else if runErr != nil {
		out["error"] = runErr.Error()
	}
	return out
}

// captureSession maps the execution ID to the calling MCP session for later
// notifications.
func (s *StepflowServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
