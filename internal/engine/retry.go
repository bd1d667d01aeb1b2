package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// IsRetryableError partitions errors into retryable (transient
// connection/timeout-class failures) and non-retryable (validation,
// configuration, cancellation). Non-retryable errors abort the retry loop
// on the first attempt.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A step deadline is transient; a cancelled context means the run is
	// shutting down.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		if flowErr.IsRetryable() {
			return true
		}
		switch flowErr.Code {
		case schema.ErrCodeExecution, schema.ErrCodeStepFailed:
			// Generic execution failures may wrap transient causes;
			// fall through to the pattern scan.
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"timed out",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
		"rate limit",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff calculates the delay before the given attempt is retried.
// Attempt numbering starts at 1 for the first invocation.
//
//	fixed_delay:         base
//	linear_backoff:      base * attempt
//	exponential_backoff: base * multiplier^(attempt-1)
//
// The delay is capped at MaxDelay; with Jitter enabled it is perturbed by
// up to ±10% so concurrent retries against the same component do not
// synchronize.
func ComputeBackoff(cfg schema.RetryConfig, attempt int) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch cfg.Strategy {
	case schema.RetryLinearBackoff:
		delay = cfg.BaseDelay * time.Duration(attempt)
	case schema.RetryExponentialBackoff:
		multiplier := cfg.BackoffMultiplier
		if multiplier <= 0 {
			multiplier = 2.0
		}
		scaled := float64(cfg.BaseDelay)
		for i := 1; i < attempt; i++ {
			scaled *= multiplier
			if cfg.MaxDelay > 0 && scaled >= float64(cfg.MaxDelay) {
				scaled = float64(cfg.MaxDelay)
				break
			}
		}
		delay = time.Duration(scaled)
	default: // fixed_delay or unset
		delay = cfg.BaseDelay
	}

	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter && delay > 0 {
		// delay * (0.9 .. 1.1)
		factor := 0.9 + 0.2*rand.Float64()
		delay = time.Duration(float64(delay) * factor)
	}

	return delay
}

// WaitForBackoff sleeps for the computed backoff or returns early when the
// context is cancelled. A blocked retry never stalls sibling steps: each
// step's retry loop runs on its own goroutine within the wave.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
