package registry

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/pkg/execution"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// SubflowRunner executes a nested workflow definition and returns its
// finished context. The engine binds this after construction so the subflow
// step can recurse into it without an import cycle.
type SubflowRunner func(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any, user *execution.UserContext) (*execution.ExecutionContext, error)

// BuiltinDeps carries the collaborators the builtin step catalog needs.
// Nil fields disable the corresponding steps' behavior at call time, not at
// registration.
type BuiltinDeps struct {
	Tools   ToolExecutor
	Agents  AgentExecutor
	JQ      *expressions.JQEngine
	Subflow SubflowRunner
}

// RegisterBuiltins installs the builtin step catalog into the registry.
func RegisterBuiltins(r *Registry, deps *BuiltinDeps) error {
	if deps == nil {
		deps = &BuiltinDeps{}
	}
	builtins := []StepConfig{
		{StepType: "trigger", Name: "Trigger", Description: "Marks the run entry point and republishes the run input", Handler: triggerStep},
		{StepType: "data_input", Name: "Data Input", Description: "Provides static or dynamic input data", Handler: dataInputStep},
		{StepType: "data_processing", Name: "Data Processing", Description: "Transforms mapped input data", Handler: dataProcessingStep},
		{StepType: "data_merge", Name: "Data Merge", Description: "Combines data from multiple upstream steps", Handler: dataMergeStep},
		{StepType: "delay", Name: "Delay", Description: "Waits a configured number of seconds", Handler: delayStep},
		{StepType: "transform", Name: "Transform", Description: "Applies a jq program to the mapped input", Handler: transformStep(deps)},
		{StepType: "human_approval", Name: "Human Approval", Description: "Suspends the run until an external approval arrives", Handler: humanApprovalStep},
		{StepType: "tool_execution", Name: "Tool Execution", Description: "Invokes a named tool through the tool executor", Handler: toolExecutionStep(deps)},
		{StepType: "agent_execution", Name: "Agent Execution", Description: "Invokes an LLM-backed agent through the agent executor", Handler: agentExecutionStep(deps)},
		{StepType: "subflow", Name: "Subflow", Description: "Runs a nested workflow and maps its outputs back", Handler: subflowStep(deps)},
	}
	for _, cfg := range builtins {
		if err := r.Register(cfg); err != nil {
			return err
		}
	}
	return nil
}

func stepConfig(step *schema.StepDefinition) map[string]any {
	if step == nil || step.Config == nil {
		return map[string]any{}
	}
	return step.Config
}

func configString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func triggerStep(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
	out := map[string]any{
		"triggered":    true,
		"triggered_at": time.Now().UTC().Format(time.RFC3339),
	}
	if execCtx != nil {
		out["input"] = execCtx.InputData
	}
	return out, nil
}

func dataInputStep(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
	cfg := stepConfig(step)
	inputType := configString(cfg, "input_type", "static")

	switch inputType {
	case "static":
		data, _ := cfg["data"].(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		return map[string]any{
			"data":       data,
			"input_type": "static",
			"success":    true,
		}, nil
	case "dynamic":
		source := configString(cfg, "source", "default")
		data := map[string]any{}
		if execCtx != nil {
			if published := execCtx.StepIOData(source); published != nil {
				data = published
			} else if source == "run_input" {
				data = execCtx.InputData
			}
		}
		return map[string]any{
			"data":       data,
			"input_type": "dynamic",
			"source":     source,
			"success":    true,
		}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"data_input: unknown input_type %q", inputType)
	}
}

var (
	positiveWords = []string{"good", "great", "excellent", "amazing", "wonderful", "fantastic"}
	negativeWords = []string{"bad", "terrible", "awful", "horrible", "disappointing"}
)

func dataProcessingStep(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
	cfg := stepConfig(step)
	processingType := configString(cfg, "processing_type", "identity")
	options, _ := cfg["options"].(map[string]any)

	var result map[string]any
	switch processingType {
	case "identity":
		result = input

	case "count":
		result = map[string]any{"count": len(input)}
		if text, ok := singleString(input); ok {
			result["count"] = len(text)
			result["word_count"] = len(strings.Fields(text))
		}

	case "filter":
		filterKey := configString(options, "filter_key", "")
		filterValue := options["filter_value"]
		result = map[string]any{}
		for k, v := range input {
			if filterKey == "" || k != filterKey || reflect.DeepEqual(v, filterValue) {
				result[k] = v
			}
		}

	case "sentiment_analysis":
		text := flattenText(input)
		lower := strings.ToLower(text)
		positive, negative := 0, 0
		for _, w := range positiveWords {
			if strings.Contains(lower, w) {
				positive++
			}
		}
		for _, w := range negativeWords {
			if strings.Contains(lower, w) {
				negative++
			}
		}
		sentiment := "neutral"
		if positive > negative {
			sentiment = "positive"
		} else if negative > positive {
			sentiment = "negative"
		}
		words := len(strings.Fields(text))
		if words == 0 {
			words = 1
		}
		diff := positive - negative
		if diff < 0 {
			diff = -diff
		}
		result = map[string]any{
			"sentiment":           sentiment,
			"confidence":          float64(diff) / float64(words),
			"positive_indicators": positive,
			"negative_indicators": negative,
		}

	case "transform":
		transformation := configString(options, "transformation", "identity")
		result = map[string]any{}
		for k, v := range input {
			switch transformation {
			case "uppercase":
				if s, ok := v.(string); ok {
					result[k] = strings.ToUpper(s)
					continue
				}
			case "lowercase":
				if s, ok := v.(string); ok {
					result[k] = strings.ToLower(s)
					continue
				}
			}
			result[k] = v
		}

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"data_processing: unknown processing_type %q", processingType)
	}

	result["processing_type"] = processingType
	result["success"] = true
	return result, nil
}

// singleString returns the value when the input carries exactly one string.
func singleString(input map[string]any) (string, bool) {
	if len(input) != 1 {
		return "", false
	}
	for _, v := range input {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

func flattenText(input map[string]any) string {
	if text, ok := input["text"].(string); ok {
		return text
	}
	var parts []string
	for _, v := range input {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func dataMergeStep(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
	cfg := stepConfig(step)
	strategy := configString(cfg, "merge_strategy", "combine")

	sources := input
	if nested, ok := input["data_sources"].(map[string]any); ok {
		sources = nested
	}

	var result map[string]any
	switch strategy {
	case "list":
		values := make([]any, 0, len(sources))
		for _, v := range sources {
			values = append(values, v)
		}
		result = map[string]any{"merged_data": values}
	default: // combine
		result = map[string]any{}
		for name, v := range sources {
			if m, ok := v.(map[string]any); ok {
				for k, item := range m {
					result[k] = item
				}
			} else {
				result[name] = v
			}
		}
	}

	return map[string]any{
		"result":       result,
		"source_count": len(sources),
		"success":      true,
	}, nil
}

func delayStep(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
	cfg := stepConfig(step)
	seconds := 1.0
	switch v := cfg["delay_seconds"].(type) {
	case float64:
		seconds = v
	case int:
		seconds = float64(v)
	}

	start := time.Now()
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "delay interrupted").WithCause(ctx.Err())
	}
	return map[string]any{
		"delay_requested": seconds,
		"delay_actual":    time.Since(start).Seconds(),
		"success":         true,
	}, nil
}

func transformStep(deps *BuiltinDeps) StepFunc {
	return func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		if deps.JQ == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "transform: no jq engine configured")
		}
		cfg := stepConfig(step)
		expression := configString(cfg, "expression", ".")

		out, err := deps.JQ.Evaluate(ctx, expression, input)
		if err != nil {
			return nil, err
		}
		if m, ok := out.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{"result": out}, nil
	}
}

func humanApprovalStep(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
	cfg := stepConfig(step)
	stepID := ""
	if step != nil {
		stepID = step.StepID
	}
	// Waiting is terminal-for-now: the run suspends here and resumes once
	// the approval decision is delivered from outside.
	return &execution.StepResult{
		StepID: stepID,
		Status: schema.StepWaiting,
		OutputData: map[string]any{
			"approval_id":  uuid.NewString(),
			"prompt":       configString(cfg, "prompt", "Approval required"),
			"approvers":    cfg["approvers"],
			"requested_at": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

func toolExecutionStep(deps *BuiltinDeps) StepFunc {
	return func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		if deps.Tools == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "tool_execution: no tool executor configured")
		}
		cfg := stepConfig(step)
		toolRef := configString(cfg, "tool_reference", "")
		if toolRef == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "tool_execution: tool_reference is required")
		}

		params := map[string]any{}
		if p, ok := cfg["parameters"].(map[string]any); ok {
			for k, v := range p {
				params[k] = v
			}
		}
		for k, v := range input {
			params[k] = v
		}

		res, err := deps.Tools.ExecuteTool(ctx, toolRef, params)
		if err != nil {
			return nil, err
		}
		if res.Status != "success" {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"tool %q failed: %s", toolRef, res.ErrorMessage).WithComponent(toolRef)
		}
		return map[string]any{
			"tool":              toolRef,
			"result":            res.Result,
			"execution_time_ms": res.ExecutionTimeMs,
			"success":           true,
		}, nil
	}
}

func agentExecutionStep(deps *BuiltinDeps) StepFunc {
	return func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		if deps.Agents == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "agent_execution: no agent executor configured")
		}
		cfg := stepConfig(step)
		agentCfg, _ := cfg["agent_config"].(map[string]any)
		query := configString(cfg, "query", "")
		if q, ok := input["query"].(string); ok && q != "" {
			query = q
		}

		res, err := deps.Agents.ExecuteAgent(ctx, agentCfg, query, input)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, schema.NewError(schema.ErrCodeExecution, "agent execution failed")
		}
		out := map[string]any{
			"response": res.Response,
			"success":  true,
		}
		if len(res.ToolCalls) > 0 {
			out["tool_calls"] = res.ToolCalls
		}
		return out, nil
	}
}

func subflowStep(deps *BuiltinDeps) StepFunc {
	return func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		if deps.Subflow == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "subflow: no runner configured")
		}
		cfg := stepConfig(step)
		rawDef, ok := cfg["workflow"]
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation, "subflow: config.workflow is required")
		}
		def, err := decodeWorkflow(rawDef)
		if err != nil {
			return nil, err
		}

		// inherit_context propagates the parent's caller identity.
		var user *execution.UserContext
		if inherit, _ := cfg["inherit_context"].(bool); inherit && execCtx != nil {
			user = execCtx.UserContext
		}

		nested, err := deps.Subflow(ctx, def, input, user)
		if err != nil {
			return nil, err
		}
		switch nested.Status {
		case schema.ExecutionCompleted:
		case schema.ExecutionWaiting:
			snapshot, snapErr := nested.ToMap()
			if snapErr != nil {
				return nil, snapErr
			}
			stepID := ""
			if step != nil {
				stepID = step.StepID
			}
			return &execution.StepResult{
				StepID: stepID,
				Status: schema.StepWaiting,
				OutputData: map[string]any{
					"subflow_execution_id": nested.ExecutionID,
					"subflow_context":      snapshot,
				},
			}, nil
		default:
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
				"subflow %s finished %s: %s", nested.ExecutionID, nested.Status, nested.Error)
		}

		out := map[string]any{
			"subflow_execution_id": nested.ExecutionID,
			"status":               string(nested.Status),
		}
		if len(step.OutputMapping) > 0 {
			for key, path := range step.OutputMapping {
				out[key] = nested.ResolvePath(path)
			}
		} else {
			outputs := map[string]any{}
			for _, id := range nested.CompletedSteps() {
				outputs[id] = nested.StepIOData(id)
			}
			out["outputs"] = outputs
		}
		return out, nil
	}
}

func decodeWorkflow(raw any) (*schema.WorkflowDefinition, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "subflow: invalid workflow definition").WithCause(err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(buf, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "subflow: invalid workflow definition").WithCause(err)
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "subflow: workflow has no steps")
	}
	return &def, nil
}
