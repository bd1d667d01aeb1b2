package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())

	for i := 0; i < 2; i++ {
		assert.NoError(t, r.AllowRequest("tool.api"))
		r.RecordFailure("tool.api")
	}
	assert.Equal(t, CircuitClosed, r.GetState("tool.api"))

	r.RecordFailure("tool.api")
	assert.Equal(t, CircuitOpen, r.GetState("tool.api"))

	err := r.AllowRequest("tool.api")
	require.Error(t, err)
	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeCircuitOpen, flowErr.Code)
	assert.Equal(t, "tool.api", flowErr.Component)
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		r.RecordFailure("tool.api")
	}
	require.Error(t, r.AllowRequest("tool.api"))

	time.Sleep(60 * time.Millisecond)

	// First request after the cooldown is the half-open trial.
	assert.NoError(t, r.AllowRequest("tool.api"))
	// The trial budget is exhausted, a second concurrent call is rejected.
	assert.Error(t, r.AllowRequest("tool.api"))
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		r.RecordFailure("tool.api")
	}
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, r.AllowRequest("tool.api"))
	r.RecordSuccess("tool.api")
	assert.Equal(t, CircuitClosed, r.GetState("tool.api"))
	assert.NoError(t, r.AllowRequest("tool.api"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		r.RecordFailure("tool.api")
	}
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, r.AllowRequest("tool.api"))
	r.RecordFailure("tool.api")
	assert.Equal(t, CircuitOpen, r.GetState("tool.api"))
	assert.Error(t, r.AllowRequest("tool.api"))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())
	r.RecordFailure("tool.api")
	r.RecordFailure("tool.api")
	r.RecordSuccess("tool.api")
	r.RecordFailure("tool.api")
	r.RecordFailure("tool.api")
	assert.Equal(t, CircuitClosed, r.GetState("tool.api"))
}

func TestBreaker_ComponentsAreIndependent(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())
	for i := 0; i < 3; i++ {
		r.RecordFailure("tool.a")
	}
	assert.Error(t, r.AllowRequest("tool.a"))
	assert.NoError(t, r.AllowRequest("tool.b"))

	states := r.States()
	assert.Equal(t, "open", states["tool.a"])
	assert.Equal(t, "closed", states["tool.b"])
}

func TestBreaker_Stats(t *testing.T) {
	r := NewCircuitBreakerRegistry(testBreakerConfig())
	r.RecordFailure("tool.api")

	stats := r.GetStats("tool.api")
	assert.Equal(t, "tool.api", stats["component"])
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 1, stats["consecutive_failures"])
	assert.Equal(t, 3, stats["failure_threshold"])
}
