package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

func TestExecutionTransitions(t *testing.T) {
	assert.True(t, CanTransitionExecution(schema.ExecutionPending, schema.ExecutionRunning))
	assert.True(t, CanTransitionExecution(schema.ExecutionRunning, schema.ExecutionWaiting))
	assert.True(t, CanTransitionExecution(schema.ExecutionWaiting, schema.ExecutionRunning))
	assert.True(t, CanTransitionExecution(schema.ExecutionWaiting, schema.ExecutionCancelled))

	// Pending runs cannot jump straight to a terminal result.
	assert.False(t, CanTransitionExecution(schema.ExecutionPending, schema.ExecutionCompleted))

	// Terminal states have no outgoing edges.
	for _, terminal := range []schema.ExecutionStatus{
		schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled,
	} {
		for to := range ValidExecutionTransitions {
			assert.False(t, CanTransitionExecution(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestStepTransitions(t *testing.T) {
	assert.True(t, CanTransitionStep(schema.StepPending, schema.StepRunning))
	assert.True(t, CanTransitionStep(schema.StepPending, schema.StepSkipped))
	assert.True(t, CanTransitionStep(schema.StepRunning, schema.StepWaiting))
	assert.True(t, CanTransitionStep(schema.StepWaiting, schema.StepCompleted))

	assert.False(t, CanTransitionStep(schema.StepCompleted, schema.StepRunning))
	assert.False(t, CanTransitionStep(schema.StepSkipped, schema.StepRunning))
}

func TestExecutionTransitionError(t *testing.T) {
	err := ExecutionTransitionError(schema.ExecutionCompleted, schema.ExecutionRunning)
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeExecution, flowErr.Code)
	assert.Contains(t, flowErr.Message, "completed -> running")
}
