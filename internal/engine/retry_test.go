package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableError_ContextErrors(t *testing.T) {
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
}

func TestIsRetryableError_FlowErrorCodes(t *testing.T) {
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeRetryable, "transient")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeTimeout, "step timed out")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeStore, "database connection lost")))

	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeValidation, "bad input")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeUnknownStepType, "no such type")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeCircuitOpen, "open")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeCancelled, "cancelled")))
}

func TestIsRetryableError_ExecutionErrorPatternScan(t *testing.T) {
	// Generic execution failures fall through to the message scan.
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeExecution, "connection refused")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeStepFailed, "503 service unavailable")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeExecution, "division by zero")))
}

func TestIsRetryableError_PlainErrors(t *testing.T) {
	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryableError(errors.New("rate limit exceeded")))
	assert.False(t, IsRetryableError(errors.New("invalid argument")))
}

func TestComputeBackoff_Fixed(t *testing.T) {
	cfg := schema.RetryConfig{Strategy: schema.RetryFixedDelay, BaseDelay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, ComputeBackoff(cfg, 1))
	assert.Equal(t, 2*time.Second, ComputeBackoff(cfg, 5))
}

func TestComputeBackoff_Linear(t *testing.T) {
	cfg := schema.RetryConfig{Strategy: schema.RetryLinearBackoff, BaseDelay: time.Second}
	assert.Equal(t, time.Second, ComputeBackoff(cfg, 1))
	assert.Equal(t, 3*time.Second, ComputeBackoff(cfg, 3))
}

func TestComputeBackoff_Exponential(t *testing.T) {
	cfg := schema.RetryConfig{
		Strategy:          schema.RetryExponentialBackoff,
		BaseDelay:         time.Second,
		BackoffMultiplier: 2.0,
	}
	assert.Equal(t, time.Second, ComputeBackoff(cfg, 1))
	assert.Equal(t, 2*time.Second, ComputeBackoff(cfg, 2))
	assert.Equal(t, 8*time.Second, ComputeBackoff(cfg, 4))
}

func TestComputeBackoff_MaxDelayCap(t *testing.T) {
	cfg := schema.RetryConfig{
		Strategy:          schema.RetryExponentialBackoff,
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	}
	assert.Equal(t, 5*time.Second, ComputeBackoff(cfg, 10))
}

func TestComputeBackoff_Jitter(t *testing.T) {
	cfg := schema.RetryConfig{
		Strategy:  schema.RetryFixedDelay,
		BaseDelay: time.Second,
		Jitter:    true,
	}
	for i := 0; i < 20; i++ {
		d := ComputeBackoff(cfg, 1)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestComputeBackoff_ZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), ComputeBackoff(schema.RetryConfig{}, 1))
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForBackoff_ZeroDelay(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}
