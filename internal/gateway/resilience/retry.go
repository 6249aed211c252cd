package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/atlanticdynamic/storegate/internal/config"
)

// Retrier runs a callable with bounded attempts, exponential backoff, and
// full jitter. Failure classification decides which errors end the loop
// early; the caller's context deadline trims the remaining budget so no
// attempt is ever scheduled past it.
type Retrier struct {
	cfg    config.Resilience
	logger *slog.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	rand    func() float64
	onRetry func(service string)
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithSleep overrides the inter-attempt sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) { r.sleep = sleep }
}

// WithRand overrides the jitter source, for tests.
func WithRand(f func() float64) RetrierOption {
	return func(r *Retrier) { r.rand = f }
}

// WithRetryHook is called once per scheduled retry, before the backoff
// sleep. The metrics package uses it for gateway_proxy_retries_total.
func WithRetryHook(hook func(service string)) RetrierOption {
	return func(r *Retrier) { r.onRetry = hook }
}

// WithRetrierLogger sets the retrier's logger.
func WithRetrierLogger(logger *slog.Logger) RetrierOption {
	return func(r *Retrier) { r.logger = logger }
}

// NewRetrier creates a retry executor with the given resilience tuning.
func NewRetrier(cfg config.Resilience, opts ...RetrierOption) *Retrier {
	r := &Retrier{
		cfg:    cfg,
		logger: slog.Default().WithGroup("retry"),
		sleep:  sleepCtx,
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do runs attempt up to MaxRetries+1 times. It returns nil on the first
// success, the last error when the budget is exhausted, or the first
// terminal error encountered.
func (r *Retrier) Do(ctx context.Context, service string, attempt func(context.Context) error) error {
	var lastErr error

	for n := 0; n <= r.cfg.MaxRetries; n++ {
		if n > 0 {
			delay := r.delay(n - 1)
			if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
				r.logger.Debug("retry abandoned, deadline too close",
					"service", service, "attempt", n, "delay", delay)
				return lastErr
			}
			if r.onRetry != nil {
				r.onRetry(service)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return lastErr
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(r.cfg, lastErr) {
			return lastErr
		}
		r.logger.Debug("attempt failed, will retry",
			"service", service, "attempt", n+1, "error", lastErr)
	}

	return lastErr
}

// delay computes the backoff before the (n+1)-th attempt:
// min(max_delay, base_delay * exp_base^n), scaled by a uniform factor in
// [0.5, 1.0) when jitter is enabled.
func (r *Retrier) delay(n int) time.Duration {
	d := time.Duration(float64(r.cfg.BaseDelay) * math.Pow(r.cfg.ExpBase, float64(n)))
	if d > r.cfg.MaxDelay || d < 0 {
		d = r.cfg.MaxDelay
	}
	if r.cfg.JitterEnabled {
		d = time.Duration(float64(d) * (0.5 + 0.5*r.rand()))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
