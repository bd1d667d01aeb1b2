package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/internal/registry"
	"github.com/stepflow-io/stepflow/pkg/execution"
	"github.com/stepflow-io/stepflow/pkg/schema"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *registry.Registry) {
	t.Helper()
	r := registry.NewRegistry()
	require.NoError(t, registry.RegisterBuiltins(r, nil))
	e, err := New(r, opts...)
	require.NoError(t, err)
	return e, r
}

func registerLocal(t *testing.T, r *registry.Registry, stepType string, fn registry.StepFunc) {
	t.Helper()
	require.NoError(t, r.Register(registry.StepConfig{
		StepType: stepType,
		Name:     stepType,
		Handler:  fn,
	}))
}

func TestExecute_SequentialPipeline(t *testing.T) {
	e, _ := newTestEngine(t)

	def := &schema.WorkflowDefinition{
		WorkflowID:       "hello-world",
		Name:             "hello world",
		ExecutionPattern: schema.PatternSequential,
		Steps: []schema.StepDefinition{
			{
				StepID:   "input",
				StepType: "data_input",
				Config:   map[string]any{"data": map[string]any{"message": "Hello, World!"}},
			},
			{
				StepID:       "process",
				StepType:     "data_processing",
				Dependencies: []string{"input"},
				InputMapping: map[string]string{"message": "input.data.message"},
				Config: map[string]any{
					"processing_type": "transform",
					"options":         map[string]any{"transformation": "uppercase"},
				},
			},
			{
				StepID:       "output",
				StepType:     "data_input",
				Dependencies: []string{"process"},
				Config:       map[string]any{"data": map[string]any{"done": true}},
			},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, execCtx.Status)
	assert.Equal(t, []string{"input", "output", "process"}, execCtx.CompletedSteps())
	assert.Equal(t, "HELLO, WORLD!", execCtx.StepIOData("process")["message"])

	res := execCtx.Result("process")
	require.NotNil(t, res)
	assert.GreaterOrEqual(t, res.ExecutionTimeMs, int64(0))
}

func TestExecute_ParallelDiamond(t *testing.T) {
	e, r := newTestEngine(t)

	var concurrent, peak int64
	registerLocal(t, r, "slow_task", func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		n := atomic.AddInt64(&concurrent, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&concurrent, -1)
		return map[string]any{step.StepID: true}, nil
	})

	def := &schema.WorkflowDefinition{
		WorkflowID:       "diamond",
		Name:             "diamond",
		ExecutionPattern: schema.PatternParallel,
		Steps: []schema.StepDefinition{
			{StepID: "input", StepType: "data_input", Config: map[string]any{"data": map[string]any{"x": 1}}},
			{StepID: "left", StepType: "slow_task", Dependencies: []string{"input"}},
			{StepID: "right", StepType: "slow_task", Dependencies: []string{"input"}},
			{
				StepID:       "merge",
				StepType:     "data_merge",
				Dependencies: []string{"left", "right"},
				InputMapping: map[string]string{"left": "left", "right": "right"},
			},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, execCtx.Status)
	assert.Equal(t, int64(2), atomic.LoadInt64(&peak), "left and right should overlap")

	merged := execCtx.StepIOData("merge")["result"].(map[string]any)
	assert.Equal(t, true, merged["left"])
	assert.Equal(t, true, merged["right"])
	assert.Equal(t, 2, execCtx.StepIOData("merge")["source_count"])
}

func TestExecute_ConditionalSkip(t *testing.T) {
	e, _ := newTestEngine(t)

	def := &schema.WorkflowDefinition{
		WorkflowID:       "guarded",
		Name:             "guarded",
		ExecutionPattern: schema.PatternConditional,
		Steps: []schema.StepDefinition{
			{
				StepID:   "input",
				StepType: "data_input",
				Config:   map[string]any{"data": map[string]any{"amount": 5}},
			},
			{
				StepID:       "big_spender",
				StepType:     "data_input",
				Dependencies: []string{"input"},
				Condition:    "input.data.amount > 100",
				Config:       map[string]any{"data": map[string]any{"tier": "gold"}},
			},
			{
				StepID:       "followup",
				StepType:     "data_input",
				Dependencies: []string{"big_spender"},
				Config:       map[string]any{"data": map[string]any{"notified": true}},
			},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, execCtx.Status)
	assert.Equal(t, []string{"big_spender"}, execCtx.SkippedSteps())
	// A skipped dependency satisfies its dependents.
	assert.Contains(t, execCtx.CompletedSteps(), "followup")
}

func TestExecute_ScriptedGuard(t *testing.T) {
	e, _ := newTestEngine(t)

	def := &schema.WorkflowDefinition{
		WorkflowID: "cel-guard",
		Name:       "cel guard",
		Steps: []schema.StepDefinition{
			{
				StepID:   "input",
				StepType: "data_input",
				Config:   map[string]any{"data": map[string]any{"amount": 500.0}},
			},
			{
				StepID:       "vip",
				StepType:     "data_input",
				Dependencies: []string{"input"},
				Condition:    `cel: steps.input.data.amount > 100.0`,
				Config:       map[string]any{"data": map[string]any{"tier": "gold"}},
			},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, execCtx.CompletedSteps(), "vip")
}

func TestExecute_GuardErrorSkipsStep(t *testing.T) {
	e, _ := newTestEngine(t)

	def := &schema.WorkflowDefinition{
		WorkflowID: "bad-guard",
		Name:       "bad guard",
		Steps: []schema.StepDefinition{
			{
				StepID:    "guarded",
				StepType:  "data_input",
				Condition: "just-one-token",
				Config:    map[string]any{"data": map[string]any{}},
			},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"guarded"}, execCtx.SkippedSteps())
}

func TestExecute_CriticalFailureFailsRun(t *testing.T) {
	e, r := newTestEngine(t)

	registerLocal(t, r, "always_fails", func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "division by zero")
	})

	def := &schema.WorkflowDefinition{
		WorkflowID: "critical",
		Name:       "critical",
		Steps: []schema.StepDefinition{
			{StepID: "boom", StepType: "always_fails", MaxRetries: 0},
			{StepID: "after", StepType: "data_input", Dependencies: []string{"boom"}, Config: map[string]any{"data": map[string]any{}}},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeStepFailed, flowErr.Code)
	assert.Equal(t, "boom", flowErr.StepID)

	assert.Equal(t, schema.ExecutionFailed, execCtx.Status)
	// The dependent was never attempted.
	assert.Nil(t, execCtx.Result("after"))
}

func TestExecute_NonCriticalFailureContinues(t *testing.T) {
	e, r := newTestEngine(t)

	registerLocal(t, r, "always_fails", func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "division by zero")
	})

	notCritical := false
	def := &schema.WorkflowDefinition{
		WorkflowID: "soft-fail",
		Name:       "soft fail",
		Steps: []schema.StepDefinition{
			{StepID: "boom", StepType: "always_fails", Critical: &notCritical},
			{
				StepID:       "after",
				StepType:     "data_input",
				Dependencies: []string{"boom"},
				Config:       map[string]any{"data": map[string]any{"recovered": true}},
			},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, execCtx.Status)
	assert.Equal(t, []string{"boom"}, execCtx.FailedSteps())
	assert.Contains(t, execCtx.CompletedSteps(), "after")
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	e, r := newTestEngine(t)

	var calls int64
	registerLocal(t, r, "flaky", func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		if atomic.AddInt64(&calls, 1) < 3 {
			return nil, schema.NewError(schema.ErrCodeRetryable, "connection reset")
		}
		return map[string]any{"ok": true}, nil
	})

	def := &schema.WorkflowDefinition{
		WorkflowID: "flaky-wf",
		Name:       "flaky",
		Steps: []schema.StepDefinition{
			{
				StepID:     "fetch",
				StepType:   "flaky",
				MaxRetries: 3,
				Config: map[string]any{
					"retry_config": map[string]any{"base_delay_seconds": 0.001, "jitter": false},
				},
			},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionCompleted, execCtx.Status)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
	assert.Equal(t, 2, execCtx.Result("fetch").RetryCount)
}

func TestExecute_RetryExhaustion(t *testing.T) {
	e, r := newTestEngine(t)

	var calls int64
	registerLocal(t, r, "down", func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, schema.NewError(schema.ErrCodeRetryable, "still down")
	})

	def := &schema.WorkflowDefinition{
		WorkflowID: "down-wf",
		Name:       "down",
		Steps: []schema.StepDefinition{
			{
				StepID:     "fetch",
				StepType:   "down",
				MaxRetries: 2,
				Config: map[string]any{
					"retry_config": map[string]any{"base_delay_seconds": 0.001, "jitter": false},
				},
			},
		},
	}

	_, err := e.Run(context.Background(), def, nil, nil)
	require.Error(t, err)
	// max_retries 2 means three attempts in total.
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestExecute_WaitingAndResume(t *testing.T) {
	e, _ := newTestEngine(t)

	def := &schema.WorkflowDefinition{
		WorkflowID: "approval-wf",
		Name:       "approval",
		Steps: []schema.StepDefinition{
			{
				StepID:   "gate",
				StepType: "human_approval",
				Config:   map[string]any{"prompt": "Ship it?"},
			},
			{
				StepID:       "ship",
				StepType:     "data_input",
				Dependencies: []string{"gate"},
				InputMapping: map[string]string{"approved": "gate.approved"},
				Config:       map[string]any{"data": map[string]any{"shipped": true}},
			},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionWaiting, execCtx.Status)
	assert.Equal(t, []string{"gate"}, execCtx.WaitingSteps())
	// The dependent is blocked, not skipped.
	assert.Nil(t, execCtx.Result("ship"))

	require.NoError(t, e.Resume(context.Background(), execCtx, "gate", map[string]any{"approved": true}))

	assert.Equal(t, schema.ExecutionCompleted, execCtx.Status)
	assert.Contains(t, execCtx.CompletedSteps(), "gate")
	assert.Contains(t, execCtx.CompletedSteps(), "ship")
	assert.Equal(t, true, execCtx.StepIOData("gate")["approved"])
}

func TestResume_RejectsNonWaitingStep(t *testing.T) {
	e, _ := newTestEngine(t)

	def := &schema.WorkflowDefinition{
		WorkflowID: "plain",
		Name:       "plain",
		Steps: []schema.StepDefinition{
			{StepID: "a", StepType: "data_input", Config: map[string]any{"data": map[string]any{}}},
		},
	}
	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)

	err = e.Resume(context.Background(), execCtx, "a", nil)
	assert.Error(t, err)
}

func TestExecute_Cancellation(t *testing.T) {
	e, r := newTestEngine(t)

	started := make(chan struct{})
	registerLocal(t, r, "hang", func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	notCritical := false
	def := &schema.WorkflowDefinition{
		WorkflowID: "cancel-wf",
		Name:       "cancel",
		Steps: []schema.StepDefinition{
			{StepID: "slow", StepType: "hang", Critical: &notCritical},
			{StepID: "after", StepType: "data_input", Dependencies: []string{"slow"}, Config: map[string]any{"data": map[string]any{}}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	execCtx, err := e.Run(ctx, def, nil, nil)
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeCancelled, flowErr.Code)
	assert.Equal(t, schema.ExecutionCancelled, execCtx.Status)
	// Unattempted steps are recorded as skipped.
	assert.Contains(t, execCtx.SkippedSteps(), "after")
}

func TestExecute_RejectsTerminalContext(t *testing.T) {
	e, _ := newTestEngine(t)

	def := &schema.WorkflowDefinition{
		WorkflowID: "done",
		Name:       "done",
		Steps: []schema.StepDefinition{
			{StepID: "a", StepType: "data_input", Config: map[string]any{"data": map[string]any{}}},
		},
	}
	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionCompleted, execCtx.Status)

	err = e.Execute(context.Background(), execCtx)
	assert.Error(t, err)
}

func TestExecute_UnknownStepTypeFailsValidation(t *testing.T) {
	e, _ := newTestEngine(t)

	def := &schema.WorkflowDefinition{
		WorkflowID: "unknown",
		Name:       "unknown",
		Steps: []schema.StepDefinition{
			{StepID: "a", StepType: "quantum_leap"},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ExecutionFailed, execCtx.Status)
}

func TestExecute_CircuitBreakerOpensAcrossRuns(t *testing.T) {
	e, r := newTestEngine(t, WithCircuitBreakerConfig(CircuitBreakerConfig{
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		HalfOpenMax:      1,
	}))

	var calls int64
	registerLocal(t, r, "flaky_tool", func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, schema.NewError(schema.ErrCodeRetryable, "connection refused")
	})

	notCritical := false
	def := &schema.WorkflowDefinition{
		WorkflowID: "breaker-wf",
		Name:       "breaker",
		Steps: []schema.StepDefinition{
			{
				StepID:   "call",
				StepType: "flaky_tool",
				Critical: &notCritical,
				Config: map[string]any{
					"tool_reference": "search.api",
					"retry_config":   map[string]any{"base_delay_seconds": 0},
				},
			},
		},
	}

	// The first run's failed attempts trip the breaker for the component.
	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"call"}, execCtx.FailedSteps())
	assert.Equal(t, CircuitOpen, e.ErrorHandler().Breakers().GetState("search.api"))
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))

	// The next run is rejected without invoking the executor.
	execCtx, err = e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"call"}, execCtx.FailedSteps())
	assert.Contains(t, execCtx.Result("call").ErrorMessage, "circuit breaker open")
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestExecute_ValidationErrorsDoNotTripBreaker(t *testing.T) {
	e, r := newTestEngine(t, WithCircuitBreakerConfig(CircuitBreakerConfig{
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		HalfOpenMax:      1,
	}))

	registerLocal(t, r, "picky_tool", func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "unsupported payload shape")
	})

	notCritical := false
	def := &schema.WorkflowDefinition{
		WorkflowID: "bad-input-wf",
		Name:       "bad input",
		Steps: []schema.StepDefinition{
			{
				StepID:   "call",
				StepType: "picky_tool",
				Critical: &notCritical,
				Config:   map[string]any{"tool_reference": "search.api"},
			},
		},
	}

	// Repeated bad-input failures say nothing about the component's
	// health, so the breaker stays closed however often they occur.
	for i := 0; i < 4; i++ {
		execCtx, err := e.Run(context.Background(), def, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"call"}, execCtx.FailedSteps())
	}
	assert.Equal(t, CircuitClosed, e.ErrorHandler().Breakers().GetState("search.api"))
}

func TestExecute_SubflowThroughEngine(t *testing.T) {
	r := registry.NewRegistry()
	var e *Engine
	runner := func(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any, user *execution.UserContext) (*execution.ExecutionContext, error) {
		return e.Run(ctx, def, input, user)
	}
	require.NoError(t, registry.RegisterBuiltins(r, &registry.BuiltinDeps{Subflow: runner}))
	var err error
	e, err = New(r)
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		WorkflowID: "parent",
		Name:       "parent",
		Steps: []schema.StepDefinition{
			{
				StepID:   "nested",
				StepType: "subflow",
				Config: map[string]any{
					"workflow": map[string]any{
						"workflow_id": "child",
						"name":        "child",
						"steps": []any{
							map[string]any{
								"step_id":   "inner",
								"step_type": "data_input",
								"config":    map[string]any{"data": map[string]any{"value": 7}},
							},
						},
					},
				},
				OutputMapping: map[string]string{"inner_value": "inner.data.value"},
			},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, execCtx.Status)
	assert.Equal(t, float64(7), execCtx.StepIOData("nested")["inner_value"])
}

func TestExecute_SequentialOrderFollowsRecomputedFrontier(t *testing.T) {
	e, r := newTestEngine(t)

	var started []string
	registerLocal(t, r, "record_start", func(ctx context.Context, step *schema.StepDefinition, input map[string]any, execCtx *execution.ExecutionContext) (any, error) {
		started = append(started, step.StepID)
		return map[string]any{"ok": true}, nil
	})

	// second unblocks once first completes and outranks the already-ready
	// last, so the frontier must be recomputed after every completion
	// rather than drained in the order it held at the start of the run.
	def := &schema.WorkflowDefinition{
		WorkflowID:       "ordered",
		Name:             "ordered",
		ExecutionPattern: schema.PatternSequential,
		Steps: []schema.StepDefinition{
			{StepID: "first", StepType: "record_start", StepOrder: 1},
			{StepID: "last", StepType: "record_start", StepOrder: 3},
			{StepID: "second", StepType: "record_start", StepOrder: 2, Dependencies: []string{"first"}},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, execCtx.Status)
	assert.Equal(t, []string{"first", "second", "last"}, started)
}

func TestResume_RedrivesWaitingSubflow(t *testing.T) {
	r := registry.NewRegistry()
	var e *Engine
	runner := func(ctx context.Context, def *schema.WorkflowDefinition, input map[string]any, user *execution.UserContext) (*execution.ExecutionContext, error) {
		return e.Run(ctx, def, input, user)
	}
	require.NoError(t, registry.RegisterBuiltins(r, &registry.BuiltinDeps{Subflow: runner}))
	var err error
	e, err = New(r)
	require.NoError(t, err)

	def := &schema.WorkflowDefinition{
		WorkflowID: "parent",
		Name:       "parent",
		Steps: []schema.StepDefinition{
			{
				StepID:   "nested",
				StepType: "subflow",
				Config: map[string]any{
					"workflow": map[string]any{
						"workflow_id": "child",
						"name":        "child",
						"steps": []any{
							map[string]any{
								"step_id":   "gate",
								"step_type": "human_approval",
								"config":    map[string]any{"prompt": "release?"},
							},
							map[string]any{
								"step_id":      "ship",
								"step_type":    "data_input",
								"dependencies": []any{"gate"},
								"config":       map[string]any{"data": map[string]any{"version": "2.4.0"}},
							},
						},
					},
				},
				OutputMapping: map[string]string{"released": "ship.data.version"},
			},
			{
				StepID:       "announce",
				StepType:     "data_input",
				Dependencies: []string{"nested"},
				Config:       map[string]any{"data": map[string]any{"sent": true}},
			},
		},
	}

	execCtx, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionWaiting, execCtx.Status)
	require.Equal(t, []string{"nested"}, execCtx.WaitingSteps())
	require.NotNil(t, execCtx.Result("nested").OutputData["subflow_context"])

	// Resuming the parent must drive the child's remaining steps, not just
	// complete the parent step from the payload.
	require.NoError(t, e.Resume(context.Background(), execCtx, "nested", map[string]any{"approved": true}))

	assert.Equal(t, schema.ExecutionCompleted, execCtx.Status)
	assert.Equal(t, "2.4.0", execCtx.StepIOData("nested")["released"])
	assert.Contains(t, execCtx.CompletedSteps(), "announce")
}
