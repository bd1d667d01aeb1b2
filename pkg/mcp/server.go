// Package mcp exposes the workflow engine over the Model Context Protocol
// so agent clients can run, inspect, resume, and cancel executions.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/registry"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/validation"
)

// StepflowServerDeps holds the dependencies for creating a StepflowServer.
type StepflowServerDeps struct {
	Engine    *engine.Engine
	Store     store.Store
	Registry  *registry.Registry
	Validator validation.Validator
	Logger    *slog.Logger
}

// StepflowServer wraps an MCP server with stepflow-specific tool handlers.
type StepflowServer struct {
	engine    *engine.Engine
	store     store.Store
	registry  *registry.Registry
	validator validation.Validator
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *MCPNotifier
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a new StepflowServer with all 5 tools registered.
func NewStepflowServer(deps StepflowServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepflowServer{
		engine:    deps.Engine,
		store:     deps.Store,
		registry:  deps.Registry,
		validator: deps.Validator,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow executes DAG workflows of typed steps. Use stepflow.run to start a run from a stored workflow or an inline definition, stepflow.status to inspect a run, stepflow.resume to unblock a run waiting on a human gate, stepflow.cancel to stop a run, and stepflow.steps to list the available step types."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: stepsTool(), Handler: s.handleSteps},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Execute a workflow. Provide either workflow_id (a stored workflow) or definition (an inline workflow definition object)"),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow to run")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition object")),
		mcp.WithObject("input", mcp.Description("Input data for the run")),
		mcp.WithString("user_id", mcp.Description("ID of the user the run executes on behalf of")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the status and step results of a workflow execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepflow.resume",
		mcp.WithDescription("Resume an execution that is waiting on a step (e.g. a human approval gate)"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the waiting execution")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the waiting step to complete")),
		mcp.WithObject("payload", mcp.Description("Data merged into the waiting step's output (e.g. the approval decision)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a running or waiting execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func stepsTool() mcp.Tool {
	return mcp.NewTool("stepflow.steps",
		mcp.WithDescription("List the registered step types with their descriptions and parameter schemas"),
		mcp.WithString("tag", mcp.Description("Only return step types carrying this tag")),
	)
}
