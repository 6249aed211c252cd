package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlanticdynamic/storegate/internal/config"
)

// ErrCircuitOpen is the sentinel matched by errors.Is for breaker
// rejections. Callers receive the richer *CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitOpenError is returned without contacting the downstream when its
// breaker is open.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for service %s, retry after %s", e.Service, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// StatusError marks a downstream response whose status is in the retry set.
// Responses outside the set are not errors at all; the proxy passes them
// through to the client.
type StatusError struct {
	Service    string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service %s responded %d", e.Service, e.StatusCode)
}

// Retryable decides whether a failed attempt may be tried again. Transport
// faults default to retryable; breaker rejections, cancellation, and
// statuses outside the retry set are terminal.
func Retryable(cfg config.Resilience, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return cfg.RetryableStatus(statusErr.StatusCode)
	}
	// Connect errors, read timeouts, and pool exhaustion all land here.
	return true
}
