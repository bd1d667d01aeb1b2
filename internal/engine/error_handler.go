package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// maxErrorHistory bounds the in-memory error log used for the recent-error
// statistic.
const maxErrorHistory = 1000

// ErrorContext identifies where a failing call sits: which step, which run,
// and which downstream component the circuit breaker should key on.
type ErrorContext struct {
	Component   string
	StepID      string
	ExecutionID string
}

// ErrorHandler wraps step dispatch with retry and per-component circuit
// breaking, and aggregates error statistics for observability. State is
// instance-scoped: each engine owns its handler, so multiple engines in one
// process stay isolated.
type ErrorHandler struct {
	breakers *CircuitBreakerRegistry
	logger   *slog.Logger

	mu                sync.Mutex
	total             int64
	history           []errorEvent
	countsByCode      map[string]int
	countsByComponent map[string]int
}

type errorEvent struct {
	at   time.Time
	code string
}

// NewErrorHandler creates an ErrorHandler with its own breaker registry.
func NewErrorHandler(breakerCfg CircuitBreakerConfig, logger *slog.Logger) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{
		breakers:          NewCircuitBreakerRegistry(breakerCfg),
		logger:            logger,
		countsByCode:      make(map[string]int),
		countsByComponent: make(map[string]int),
	}
}

// Breakers exposes the circuit breaker registry for status reporting.
func (h *ErrorHandler) Breakers() *CircuitBreakerRegistry {
	return h.breakers
}

// ExecuteWithRetry invokes fn under the retry policy, consulting the
// component's circuit breaker before every attempt. An open breaker
// short-circuits with a circuit-open error without consuming an attempt.
// Non-retryable errors abort immediately without counting against the
// breaker; exhaustion returns a retry-exhausted error wrapping the last
// failure.
func (h *ErrorHandler) ExecuteWithRetry(ctx context.Context, fn func(context.Context) (any, error), retryCfg schema.RetryConfig, errCtx ErrorContext) (any, error) {
	maxAttempts := retryCfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if errCtx.Component != "" {
			if err := h.breakers.AllowRequest(errCtx.Component); err != nil {
				h.record(err, errCtx)
				return nil, err
			}
		}

		out, err := fn(ctx)
		if err == nil {
			if errCtx.Component != "" {
				h.breakers.RecordSuccess(errCtx.Component)
			}
			return out, nil
		}

		lastErr = err
		h.record(err, errCtx)

		// Only transport-class failures count against the breaker: a
		// validation error says the input is bad, not that the component
		// is unhealthy.
		retryable := IsRetryableError(err)
		if retryable && errCtx.Component != "" {
			h.breakers.RecordFailure(errCtx.Component)
		}

		if !retryable {
			h.logger.WarnContext(ctx, "non-retryable error, aborting",
				"step_id", errCtx.StepID, "error", err.Error())
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := ComputeBackoff(retryCfg, attempt)
		h.logger.InfoContext(ctx, "retrying step",
			"step_id", errCtx.StepID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay.String())
		if waitErr := WaitForBackoff(ctx, delay); waitErr != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "retry wait interrupted").
				WithStep(errCtx.StepID).WithCause(waitErr)
		}
	}

	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"all %d attempts failed: %s", maxAttempts, lastErr.Error()).
		WithStep(errCtx.StepID).
		WithComponent(errCtx.Component).
		WithCause(lastErr)
}

func (h *ErrorHandler) record(err error, errCtx ErrorContext) {
	code := "UNKNOWN"
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		code = flowErr.Code
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.countsByCode[code]++
	if errCtx.Component != "" {
		h.countsByComponent[errCtx.Component]++
	}
	h.history = append(h.history, errorEvent{at: time.Now(), code: code})
	if len(h.history) > maxErrorHistory {
		h.history = h.history[len(h.history)-maxErrorHistory:]
	}
}

// Statistics returns aggregate error telemetry: totals, the last hour's
// error count, per-code and per-component tallies, and breaker states.
func (h *ErrorHandler) Statistics() map[string]any {
	h.mu.Lock()
	recent := 0
	cutoff := time.Now().Add(-time.Hour)
	for _, ev := range h.history {
		if ev.at.After(cutoff) {
			recent++
		}
	}
	byCode := make(map[string]int, len(h.countsByCode))
	for k, v := range h.countsByCode {
		byCode[k] = v
	}
	byComponent := make(map[string]int, len(h.countsByComponent))
	for k, v := range h.countsByComponent {
		byComponent[k] = v
	}
	total := h.total
	h.mu.Unlock()

	return map[string]any{
		"total_errors":        total,
		"recent_errors":       recent,
		"errors_by_code":      byCode,
		"errors_by_component": byComponent,
		"circuit_breakers":    h.breakers.States(),
	}
}
