package engine

import (
	"github.com/stepflow-io/stepflow/pkg/schema"
)

// ValidExecutionTransitions defines the allowed lifecycle moves for a run.
// Waiting is not terminal: a waiting run resumes back into running.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionWaiting, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionWaiting:   {schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionFailed},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// ValidStepTransitions defines the allowed lifecycle moves for a step.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending:   {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepCompleted, schema.StepFailed, schema.StepWaiting},
	schema.StepWaiting:   {schema.StepRunning, schema.StepCompleted, schema.StepFailed, schema.StepSkipped},
	schema.StepCompleted: {},
	schema.StepFailed:    {},
	schema.StepSkipped:   {},
}

// CanTransitionExecution reports whether a run may move between the two
// statuses.
func CanTransitionExecution(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// CanTransitionStep reports whether a step may move between the two statuses.
func CanTransitionStep(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ExecutionTransitionError builds the error reported when a run is asked to
// move along an edge the lifecycle does not allow, e.g. resuming a run that
// already completed.
func ExecutionTransitionError(from, to schema.ExecutionStatus) error {
	return schema.NewErrorf(schema.ErrCodeExecution,
		"invalid execution transition: %s -> %s", from, to)
}
