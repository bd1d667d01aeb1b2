package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeRegistration    = "REGISTRATION_ERROR"
	ErrCodeUnknownStepType = "UNKNOWN_STEP_TYPE"
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeStepFailed      = "STEP_FAILED"
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeCycleDetected   = "CYCLE_DETECTED"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeRetryable       = "RETRYABLE_ERROR"
	ErrCodeRetryExhausted  = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen     = "CIRCUIT_OPEN"
	ErrCodeStore           = "STORE_ERROR"
)

// FlowError is the structured error type for all stepflow operations.
type FlowError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Component string         `json:"component,omitempty"`
	Cause     error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error's code marks a transient failure.
// Codes outside the retryable set are not necessarily fatal — the retry
// classifier also inspects wrapped causes and message patterns.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRetryable, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithComponent attaches the downstream component the error originated from.
// Component names key the circuit breaker registry.
func (e *FlowError) WithComponent(component string) *FlowError {
	e.Component = component
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}
