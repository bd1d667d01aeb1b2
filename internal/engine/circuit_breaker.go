package engine

import (
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures breaker behavior for all components.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a trial call is
	// admitted.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig matches the standard protection profile:
// five consecutive failures open the circuit for one minute.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single downstream component.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages per-component circuit breakers. A
// component is whatever downstream a step calls through: a tool endpoint,
// an rpc URL, an agent backend.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest checks whether a call to the component is admitted.
// Returns nil if allowed, or a circuit-open FlowError. The distinguished
// error signals the component is being protectively bypassed, not that
// this call failed on its own merits.
func (r *CircuitBreakerRegistry) AllowRequest(component string) error {
	cb := r.getOrCreate(component)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request is the first trial
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for component %q after %d consecutive failures",
			component, cb.consecutiveFailures).
			WithComponent(component).
			WithDetails(map[string]any{
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for component %q: trial budget exhausted", component).
				WithComponent(component)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess resets the breaker for the component.
func (r *CircuitBreakerRegistry) RecordSuccess(component string) {
	cb := r.getOrCreate(component)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed call and returns the new circuit state.
// Any failure while half-open reopens the circuit immediately.
func (r *CircuitBreakerRegistry) RecordFailure(component string) CircuitState {
	cb := r.getOrCreate(component)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// GetState returns the current circuit state for a component, applying the
// automatic open-to-half-open transition when the cooldown has elapsed.
func (r *CircuitBreakerRegistry) GetState(component string) CircuitState {
	cb := r.getOrCreate(component)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// States returns a snapshot of every tracked component's breaker state.
func (r *CircuitBreakerRegistry) States() map[string]string {
	r.mu.Lock()
	components := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		components = append(components, name)
	}
	r.mu.Unlock()

	out := make(map[string]string, len(components))
	for _, name := range components {
		out[name] = r.GetState(name).String()
	}
	return out
}

// GetStats returns diagnostic information about one component's breaker.
func (r *CircuitBreakerRegistry) GetStats(component string) map[string]any {
	cb := r.getOrCreate(component)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"component":            component,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(component string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[component]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[component] = cb
	}
	return cb
}
