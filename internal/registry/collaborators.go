package registry

import "context"

// ToolResult is the outcome of one tool invocation by a ToolExecutor.
type ToolResult struct {
	Status          string         `json:"status"` // success | error
	Result          map[string]any `json:"result,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
}

// ToolExecutor calls a named tool, in-process or remote. Implementations
// live outside the workflow core; the tool_execution builtin consumes this
// interface only.
type ToolExecutor interface {
	ExecuteTool(ctx context.Context, toolRef string, params map[string]any) (*ToolResult, error)
}

// AgentResult is the final aggregated outcome of an agent invocation.
// Streaming deltas, if any, are the executor's concern; the engine only
// records the aggregate.
type AgentResult struct {
	Success   bool             `json:"success"`
	Response  string           `json:"response"`
	ToolCalls []map[string]any `json:"tool_calls,omitempty"`
}

// AgentExecutor invokes an LLM-backed agent. Implementations live outside
// the workflow core.
type AgentExecutor interface {
	ExecuteAgent(ctx context.Context, agentConfig map[string]any, query string, callContext map[string]any) (*AgentResult, error)
}
