// Package resilience implements the per-downstream circuit breaker and the
// bounded retry executor the gateway composes around every outbound call.
package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atlanticdynamic/storegate/internal/config"
	"github.com/atlanticdynamic/storegate/internal/gateway/resilience/finitestate"
)

// StateReporter receives breaker state changes. The metrics package
// implements it; the breaker stays free of a direct prometheus dependency.
type StateReporter interface {
	ReportBreakerState(service, state string)
}

// NopReporter discards state changes.
type NopReporter struct{}

func (NopReporter) ReportBreakerState(string, string) {}

// Breaker tracks the health of one downstream service and fails fast while
// it is unhealthy. State mutations are serialized by a single mutex; the
// guarded callable runs outside the lock so a slow downstream never blocks
// unrelated calls through the same breaker.
type Breaker struct {
	service string
	cfg     config.Resilience

	mu            sync.Mutex
	machine       finitestate.Machine
	window        []bool // ring of recent outcomes, true = failure
	windowNext    int
	windowFilled  int
	failureCount  int
	successCount  int
	lastFailureAt time.Time

	now      func() time.Time
	logger   *slog.Logger
	reporter StateReporter
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock overrides the breaker's time source, for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateReporter wires breaker state changes into metrics.
func WithStateReporter(r StateReporter) BreakerOption {
	return func(b *Breaker) { b.reporter = r }
}

// WithBreakerLogger sets the breaker's logger.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(b *Breaker) { b.logger = logger }
}

// NewBreaker creates a closed breaker for the named service.
func NewBreaker(service string, cfg config.Resilience, opts ...BreakerOption) (*Breaker, error) {
	b := &Breaker{
		service:  service,
		cfg:      cfg,
		window:   make([]bool, cfg.WindowSize),
		now:      time.Now,
		logger:   slog.Default().WithGroup("breaker").With("service", service),
		reporter: NopReporter{},
	}
	for _, opt := range opts {
		opt(b)
	}

	machine, err := finitestate.New(b.logger.Handler())
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker state machine: %w", err)
	}
	b.machine = machine
	b.reporter.ReportBreakerState(service, finitestate.StateClosed)
	return b, nil
}

// Service returns the downstream name this breaker guards.
func (b *Breaker) Service() string { return b.service }

// Call runs f unless the breaker is open, recording the outcome. A nil
// return from f is a success sample; any error is a failure sample. The
// caller is expected to pass the overall outcome of its retry loop, not
// individual attempts.
func (b *Breaker) Call(f func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := f()
	b.record(err != nil)
	return err
}

// allow checks admission, performing the lazy open -> half-open transition
// once the open timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.machine.GetState() != finitestate.StateOpen {
		return nil
	}

	elapsed := b.now().Sub(b.lastFailureAt)
	if elapsed < b.cfg.OpenTimeout {
		return &CircuitOpenError{
			Service:    b.service,
			RetryAfter: b.cfg.OpenTimeout - elapsed,
		}
	}

	if err := b.machine.Transition(finitestate.StateHalfOpen); err != nil {
		return fmt.Errorf("breaker %s transition to half-open: %w", b.service, err)
	}
	b.resetCounters()
	b.logger.Info("circuit breaker half-open, probing downstream")
	b.reporter.ReportBreakerState(b.service, finitestate.StateHalfOpen)
	return nil
}

// record appends one outcome and applies the state transition rules.
func (b *Breaker) record(failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.machine.GetState() {
	case finitestate.StateClosed:
		b.push(failure)
		if failure {
			b.failureCount++
			b.lastFailureAt = b.now()
			if b.recentFailures() >= b.cfg.FailureThreshold {
				b.trip()
			}
		} else {
			b.successCount++
		}

	case finitestate.StateHalfOpen:
		if failure {
			// Any half-open failure reverts to open and restarts the
			// open timeout, preventing thundering-herd recovery.
			b.trip()
			return
		}
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			if err := b.machine.Transition(finitestate.StateClosed); err != nil {
				b.logger.Error("failed to close breaker", "error", err)
				return
			}
			b.resetCounters()
			b.logger.Info("circuit breaker closed, downstream recovered")
			b.reporter.ReportBreakerState(b.service, finitestate.StateClosed)
		}

	case finitestate.StateOpen:
		// A call admitted in half-open may finish after another outcome
		// drove the breaker back to open. Record the failure timestamp so
		// the open epoch stays monotonic; otherwise drop the sample.
		if failure {
			b.lastFailureAt = b.now()
		}
	}
}

// trip moves the breaker to open. Caller holds the mutex.
func (b *Breaker) trip() {
	if err := b.machine.Transition(finitestate.StateOpen); err != nil {
		b.logger.Error("failed to open breaker", "error", err)
		return
	}
	b.resetCounters()
	b.lastFailureAt = b.now()
	b.logger.Warn("circuit breaker open, failing fast", "open_timeout", b.cfg.OpenTimeout)
	b.reporter.ReportBreakerState(b.service, finitestate.StateOpen)
}

// Reset forces the breaker closed. Operator override only.
func (b *Breaker) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.machine.SetState(finitestate.StateClosed); err != nil {
		return fmt.Errorf("breaker %s reset: %w", b.service, err)
	}
	b.resetCounters()
	b.lastFailureAt = time.Time{}
	b.reporter.ReportBreakerState(b.service, finitestate.StateClosed)
	return nil
}

// Snapshot is a point-in-time diagnostic view of a breaker.
type Snapshot struct {
	Service        string    `json:"service"`
	State          string    `json:"state"`
	FailureCount   int       `json:"failure_count"`
	SuccessCount   int       `json:"success_count"`
	RecentFailures int       `json:"recent_failures_in_window"`
	LastFailureAt  time.Time `json:"last_failure_at,omitzero"`
}

// Snapshot returns the breaker's current diagnostic state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Service:        b.service,
		State:          b.machine.GetState(),
		FailureCount:   b.failureCount,
		SuccessCount:   b.successCount,
		RecentFailures: b.recentFailures(),
		LastFailureAt:  b.lastFailureAt,
	}
}

// State returns the current breaker state string.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machine.GetState()
}

// push appends an outcome to the ring. Caller holds the mutex.
func (b *Breaker) push(failure bool) {
	b.window[b.windowNext] = failure
	b.windowNext = (b.windowNext + 1) % len(b.window)
	if b.windowFilled < len(b.window) {
		b.windowFilled++
	}
}

// recentFailures counts failures in the current window. Caller holds the mutex.
func (b *Breaker) recentFailures() int {
	count := 0
	for i := 0; i < b.windowFilled; i++ {
		if b.window[i] {
			count++
		}
	}
	return count
}

// resetCounters zeroes the counters and the outcome window. Counters reset
// on every state change. Caller holds the mutex.
func (b *Breaker) resetCounters() {
	b.failureCount = 0
	b.successCount = 0
	b.windowNext = 0
	b.windowFilled = 0
	for i := range b.window {
		b.window[i] = false
	}
}
