package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// scopeKeys are the top-level variables every engine scope exposes.
var scopeKeys = []string{"steps", "inputs", "workflow", "globals"}

// CELEngine evaluates guard conditions written in Common Expression
// Language. Compiled programs are cached; safe for concurrent use.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a sandboxed CEL environment exposing the standard
// scope variables:
//   - steps:    map(string, dyn) — per-step status/output keyed by step ID
//   - inputs:   map(string, dyn) — run input data
//   - workflow: map(string, dyn) — run metadata (execution_id, name)
//   - globals:  map(string, dyn) — workflow global variables
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(scopeKeys))
	for _, key := range scopeKeys {
		opts = append(opts, cel.Variable(key, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and runs it
// against the scope. Missing scope keys are filled with empty maps so a
// reference to an unpopulated variable never produces a runtime nil error.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(activation(scope))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// activation fills missing scope keys with empty maps.
func activation(scope map[string]any) map[string]any {
	out := make(map[string]any, len(scopeKeys))
	for _, key := range scopeKeys {
		if v, ok := scope[key]; ok && v != nil {
			out[key] = v
		} else {
			out[key] = map[string]any{}
		}
	}
	return out
}

var _ Engine = (*CELEngine)(nil)
