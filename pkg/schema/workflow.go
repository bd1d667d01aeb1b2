package schema

import "time"

// ExecutionPattern selects how the engine schedules ready steps.
type ExecutionPattern string

const (
	// PatternSequential runs one ready step at a time in deterministic order.
	PatternSequential ExecutionPattern = "sequential"
	// PatternParallel dispatches each wave of ready steps concurrently.
	PatternParallel ExecutionPattern = "parallel"
	// PatternConditional is sequential scheduling with per-step guard
	// conditions; a false guard skips the step.
	PatternConditional ExecutionPattern = "conditional"
)

// WorkflowDefinition describes a workflow: its steps, their dependency
// edges, and how the engine should schedule them. Definitions are immutable
// once a run starts; the engine works on the snapshot held by the
// ExecutionContext.
type WorkflowDefinition struct {
	WorkflowID       string           `json:"workflow_id"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	ExecutionPattern ExecutionPattern `json:"execution_pattern,omitempty"`
	Steps            []StepDefinition `json:"steps"`
	GlobalVariables  map[string]any   `json:"global_variables,omitempty"`
	// Schedule is an optional 5-field cron expression for recurring runs.
	Schedule string         `json:"schedule,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Pattern returns the execution pattern, defaulting to sequential.
func (w *WorkflowDefinition) Pattern() ExecutionPattern {
	if w.ExecutionPattern == "" {
		return PatternSequential
	}
	return w.ExecutionPattern
}

// Step returns the step with the given ID, or nil.
func (w *WorkflowDefinition) Step(stepID string) *StepDefinition {
	for i := range w.Steps {
		if w.Steps[i].StepID == stepID {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepDefinition describes one unit of work within a workflow.
type StepDefinition struct {
	StepID   string `json:"step_id"`
	StepType string `json:"step_type"`
	Name     string `json:"name,omitempty"`
	// StepOrder is a scheduling hint only; readiness is dependency-driven.
	// It breaks ties between simultaneously-ready steps.
	StepOrder    int      `json:"step_order,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	// InputMapping maps a local input key to a dotted path into an upstream
	// step's output, e.g. {"text": "extract.data.text"}. A bare step ID
	// (no dot) maps the upstream step's whole output payload.
	InputMapping map[string]string `json:"input_mapping,omitempty"`
	// OutputMapping translates a subflow's step outputs back into the
	// parent's io data. Only meaningful for subflow steps.
	OutputMapping map[string]string `json:"output_mapping,omitempty"`
	// Config is an opaque bag interpreted by the step's executor.
	Config map[string]any `json:"config,omitempty"`
	// Condition guards the step under the conditional pattern. Either a
	// compact comparison string ("extract.count > 5") or an expression
	// routed by prefix ("cel:", "expr:", "jq:").
	Condition string `json:"condition,omitempty"`
	// Conditions is the structured alternative to Condition.
	Conditions *ConditionalExpression `json:"conditions,omitempty"`
	// MaxRetries is the number of retries after the first attempt, so
	// max_retries: 3 allows up to 4 invocations.
	MaxRetries     int           `json:"max_retries,omitempty"`
	RetryStrategy  RetryStrategy `json:"retry_strategy,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds,omitempty"`
	// Critical defaults to true: nil means failure aborts the run.
	Critical *bool `json:"critical,omitempty"`
}

// IsCritical reports whether this step's failure aborts the whole run.
func (s *StepDefinition) IsCritical() bool {
	return s.Critical == nil || *s.Critical
}

// Timeout returns the per-step timeout, or zero when unset.
func (s *StepDefinition) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RetryStrategy names a backoff curve for retried step attempts.
type RetryStrategy string

const (
	RetryFixedDelay         RetryStrategy = "fixed_delay"
	RetryLinearBackoff      RetryStrategy = "linear_backoff"
	RetryExponentialBackoff RetryStrategy = "exponential_backoff"
)

// RetryConfig controls the retry loop around one step invocation.
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	Strategy          RetryStrategy `json:"strategy"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            bool          `json:"jitter"`
}

// DefaultRetryConfig returns the standard retry policy: three attempts with
// exponential backoff from 1s capped at 60s, jittered.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		Strategy:          RetryExponentialBackoff,
		BaseDelay:         time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryConfigForStep derives a step's retry policy from its definition,
// falling back to defaults for unset fields. Delay tuning lives under
// config["retry_config"]: base_delay_seconds, max_delay_seconds,
// backoff_multiplier and jitter.
func RetryConfigForStep(step *StepDefinition) RetryConfig {
	cfg := DefaultRetryConfig()
	if step == nil {
		return cfg
	}
	if step.MaxRetries > 0 {
		cfg.MaxAttempts = step.MaxRetries + 1
	}
	if step.RetryStrategy != "" {
		cfg.Strategy = step.RetryStrategy
	}
	if raw, ok := step.Config["retry_config"].(map[string]any); ok {
		if v, ok := asSeconds(raw["base_delay_seconds"]); ok {
			cfg.BaseDelay = v
		}
		if v, ok := asSeconds(raw["max_delay_seconds"]); ok {
			cfg.MaxDelay = v
		}
		if v, ok := raw["backoff_multiplier"].(float64); ok && v > 0 {
			cfg.BackoffMultiplier = v
		}
		if v, ok := raw["jitter"].(bool); ok {
			cfg.Jitter = v
		}
	}
	return cfg
}

func asSeconds(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case float64:
		if n >= 0 {
			return time.Duration(n * float64(time.Second)), true
		}
	case int:
		if n >= 0 {
			return time.Duration(n) * time.Second, true
		}
	}
	return 0, false
}
