// Package registry maps step-type names to executable step functions and
// normalizes their outcomes into StepResults. Registration happens at
// startup; the lookup table is read-mostly and safe for concurrent step
// execution.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/stepflow-io/stepflow/pkg/execution"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// Execution types for registered steps.
const (
	ExecutionLocal = "local"
	ExecutionRPC   = "rpc"
)

// StepFunc is the uniform signature every local step executor is wrapped
// behind. It may return a plain payload (map), a *execution.StepResult
// (used by steps that need to signal waiting), or an error.
type StepFunc func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error)

// EndpointConfig describes the remote side of an rpc step: an MCP server
// and the tool to call on it. No connection is attempted at registration.
type EndpointConfig struct {
	URL            string            `json:"url"`
	Tool           string            `json:"tool"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
}

// StepConfig is the registration request for one step type.
type StepConfig struct {
	StepType      string
	Name          string
	Description   string
	ExecutionType string // local | rpc (default local)
	Handler       StepFunc
	Endpoint      *EndpointConfig
	// ParametersSchema is an optional JSON Schema validated against each
	// invocation's input. Compiled at registration time.
	ParametersSchema json.RawMessage
	Tags             []string
}

// RegisteredStep is the immutable registry entry for a step type.
type RegisteredStep struct {
	StepType         string          `json:"step_type"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	ExecutionType    string          `json:"execution_type"`
	Endpoint         *EndpointConfig `json:"endpoint,omitempty"`
	ParametersSchema json.RawMessage `json:"parameters_schema,omitempty"`
	Tags             []string        `json:"tags,omitempty"`
	RegisteredAt     time.Time       `json:"registered_at"`

	handler  StepFunc
	compiled *jsonschema.Schema
}

// RPCCaller invokes a remote step endpoint. Satisfied by MCPCaller; tests
// substitute fakes.
type RPCCaller interface {
	Call(ctx context.Context, endpoint *EndpointConfig, args map[string]any) (map[string]any, error)
}

// Registry is the thread-safe step-type lookup table.
type Registry struct {
	mu     sync.RWMutex
	steps  map[string]*RegisteredStep
	rpc    RPCCaller
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithRPCCaller replaces the default MCP-backed rpc caller.
func WithRPCCaller(caller RPCCaller) Option {
	return func(r *Registry) { r.rpc = caller }
}

// NewRegistry creates an empty step registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		steps:  make(map[string]*RegisteredStep),
		rpc:    NewMCPCaller(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates and installs a step type. Re-registering an existing
// step type overwrites the previous entry (last-write-wins); subsequent
// executions use the new function.
func (r *Registry) Register(cfg StepConfig) error {
	if strings.TrimSpace(cfg.StepType) == "" {
		return schema.NewError(schema.ErrCodeRegistration, "step_type is required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return schema.NewErrorf(schema.ErrCodeRegistration,
			"step type %q: name is required", cfg.StepType)
	}

	execType := cfg.ExecutionType
	if execType == "" {
		execType = ExecutionLocal
	}
	switch execType {
	case ExecutionLocal:
		// Local references must resolve to a callable now, not at first use.
		if cfg.Handler == nil {
			return schema.NewErrorf(schema.ErrCodeRegistration,
				"step type %q: local execution requires a handler", cfg.StepType)
		}
	case ExecutionRPC:
		if cfg.Endpoint == nil || cfg.Endpoint.URL == "" || cfg.Endpoint.Tool == "" {
			return schema.NewErrorf(schema.ErrCodeRegistration,
				"step type %q: rpc execution requires an endpoint url and tool", cfg.StepType)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeRegistration,
			"step type %q: unknown execution type %q", cfg.StepType, cfg.ExecutionType)
	}

	entry := &RegisteredStep{
		StepType:         cfg.StepType,
		Name:             cfg.Name,
		Description:      cfg.Description,
		ExecutionType:    execType,
		Endpoint:         cfg.Endpoint,
		ParametersSchema: cfg.ParametersSchema,
		Tags:             cfg.Tags,
		RegisteredAt:     time.Now().UTC(),
		handler:          cfg.Handler,
	}

	if len(cfg.ParametersSchema) > 0 {
		compiled, err := compileSchema(cfg.StepType, cfg.ParametersSchema)
		if err != nil {
			return err
		}
		entry.compiled = compiled
	}

	r.mu.Lock()
	_, overwrite := r.steps[cfg.StepType]
	r.steps[cfg.StepType] = entry
	r.mu.Unlock()

	if overwrite {
		r.logger.Info("step type re-registered", "step_type", cfg.StepType)
	}
	return nil
}

// Info returns the registry entry for a step type.
func (r *Registry) Info(stepType string) (*RegisteredStep, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.steps[stepType]
	return entry, ok
}

// RegisteredSteps returns all entries, unordered.
func (r *Registry) RegisteredSteps() []*RegisteredStep {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RegisteredStep, 0, len(r.steps))
	for _, entry := range r.steps {
		out = append(out, entry)
	}
	return out
}

// ExecuteStep resolves a step type and invokes it, normalizing the outcome
// into a StepResult with wall-clock execution time recorded in every case.
//
// The returned error, when non-nil, classifies the failure for the retry
// layer; the StepResult is still populated so partial progress is never
// lost.
func (r *Registry) ExecuteStep(ctx context.Context, stepType string, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (*execution.StepResult, error) {
	start := time.Now()
	stepID := ""
	if step != nil {
		stepID = step.StepID
	}

	entry, ok := r.Info(stepType)
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeUnknownStepType,
			"unknown step type %q", stepType).WithStep(stepID)
		return failedResult(stepID, start, err), err
	}

	if entry.compiled != nil {
		if err := validateInput(entry.compiled, input); err != nil {
			flowErr := schema.NewErrorf(schema.ErrCodeValidation,
				"input validation failed for step type %q: %s", stepType, err.Error()).
				WithStep(stepID).WithCause(err)
			return failedResult(stepID, start, flowErr), flowErr
		}
	}

	var (
		out any
		err error
	)
	switch entry.ExecutionType {
	case ExecutionRPC:
		out, err = r.rpc.Call(ctx, entry.Endpoint, input)
	default:
		out, err = r.invokeLocal(ctx, entry, step, input, execCtx)
	}
	if err != nil {
		return failedResult(stepID, start, err), err
	}

	return normalizeResult(stepID, start, out), nil
}

// invokeLocal calls the handler with panic recovery: a panicking step
// executor becomes a failed step, never a crashed run.
func (r *Registry) invokeLocal(ctx context.Context, entry *RegisteredStep, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution,
				"step type %q panicked: %v", entry.StepType, rec)
		}
	}()
	return entry.handler(ctx, step, input, execCtx)
}

// normalizeResult maps a handler's return value onto the StepResult
// contract: a *StepResult passes through (waiting steps use this), a map
// becomes a completed payload, anything else is wrapped under "result".
func normalizeResult(stepID string, start time.Time, out any) *execution.StepResult {
	elapsed := time.Since(start).Milliseconds()
	switch v := out.(type) {
	case *execution.StepResult:
		if v.StepID == "" {
			v.StepID = stepID
		}
		if v.ExecutionTimeMs == 0 {
			v.ExecutionTimeMs = elapsed
		}
		return v
	case map[string]any:
		return &execution.StepResult{
			StepID:          stepID,
			Status:          schema.StepCompleted,
			OutputData:      v,
			ExecutionTimeMs: elapsed,
		}
	case nil:
		return &execution.StepResult{
			StepID:          stepID,
			Status:          schema.StepCompleted,
			OutputData:      map[string]any{},
			ExecutionTimeMs: elapsed,
		}
	default:
		return &execution.StepResult{
			StepID:          stepID,
			Status:          schema.StepCompleted,
			OutputData:      map[string]any{"result": v},
			ExecutionTimeMs: elapsed,
		}
	}
}

func failedResult(stepID string, start time.Time, err error) *execution.StepResult {
	return &execution.StepResult{
		StepID:          stepID,
		Status:          schema.StepFailed,
		ErrorMessage:    err.Error(),
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}

// compileSchema compiles a parameters schema at registration time so a bad
// schema fails the registration, not the first execution.
func compileSchema(stepType string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRegistration,
			"step type %q: invalid parameters schema: %s", stepType, err.Error()).WithCause(err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	url := fmt.Sprintf("stepflow://steps/%s/parameters.json", stepType)
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRegistration,
			"step type %q: invalid parameters schema: %s", stepType, err.Error()).WithCause(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRegistration,
			"step type %q: invalid parameters schema: %s", stepType, err.Error()).WithCause(err)
	}
	return compiled, nil
}

// validateInput round-trips the input through JSON so numbers become
// json.Number, as the jsonschema library expects.
func validateInput(compiled *jsonschema.Schema, input map[string]any) error {
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	return compiled.Validate(doc)
}
