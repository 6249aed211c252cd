package resilience

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlanticdynamic/storegate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetrierExhaustsBudget(t *testing.T) {
	t.Parallel()

	cfg := testResilienceConfig()
	cfg.MaxRetries = 3
	r := NewRetrier(cfg, WithSleep(noSleep))

	attempts := 0
	err := r.Do(context.Background(), "fraud", func(context.Context) error {
		attempts++
		return &StatusError{Service: "fraud", StatusCode: 503}
	})

	// Exactly max_retries + 1 attempts.
	assert.Equal(t, 4, attempts)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 503, statusErr.StatusCode)
}

func TestRetrierStopsOnSuccess(t *testing.T) {
	t.Parallel()

	r := NewRetrier(testResilienceConfig(), WithSleep(noSleep))

	attempts := 0
	err := r.Do(context.Background(), "fraud", func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetrierTerminalFailuresShortCircuit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "circuit open", err: &CircuitOpenError{Service: "fraud", RetryAfter: time.Second}},
		{name: "non-retryable status", err: &StatusError{Service: "fraud", StatusCode: 404}},
		{name: "context canceled", err: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := NewRetrier(testResilienceConfig(), WithSleep(noSleep))
			attempts := 0
			err := r.Do(context.Background(), "fraud", func(context.Context) error {
				attempts++
				return tt.err
			})
			assert.Equal(t, 1, attempts)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRetrierDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := testResilienceConfig()
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	cfg.ExpBase = 2
	cfg.JitterEnabled = true

	for _, randVal := range []float64{0, 0.25, 0.5, 0.999999} {
		r := NewRetrier(cfg, WithRand(func() float64 { return randVal }))
		for n := 0; n < 8; n++ {
			raw := math.Min(float64(cfg.MaxDelay), float64(cfg.BaseDelay)*math.Pow(2, float64(n)))
			d := r.delay(n)
			assert.GreaterOrEqual(t, float64(d), 0.5*raw, "n=%d rand=%f", n, randVal)
			assert.Less(t, float64(d), raw, "n=%d rand=%f", n, randVal)
		}
	}
}

func TestRetrierDelayWithoutJitter(t *testing.T) {
	t.Parallel()

	cfg := testResilienceConfig()
	cfg.BaseDelay = 100 * time.Millisecond
	cfg.MaxDelay = time.Second
	cfg.JitterEnabled = false

	r := NewRetrier(cfg)
	assert.Equal(t, 100*time.Millisecond, r.delay(0))
	assert.Equal(t, 200*time.Millisecond, r.delay(1))
	assert.Equal(t, 400*time.Millisecond, r.delay(2))
	assert.Equal(t, 800*time.Millisecond, r.delay(3))
	assert.Equal(t, time.Second, r.delay(4))
	assert.Equal(t, time.Second, r.delay(20))
}

func TestRetrierRespectsDeadline(t *testing.T) {
	t.Parallel()

	cfg := testResilienceConfig()
	cfg.MaxRetries = 5
	cfg.BaseDelay = time.Hour // any retry sleep would overshoot the deadline
	cfg.JitterEnabled = false

	slept := false
	r := NewRetrier(cfg, WithSleep(func(context.Context, time.Duration) error {
		slept = true
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	attempts := 0
	err := r.Do(ctx, "fraud", func(context.Context) error {
		attempts++
		return errors.New("transient")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "no retry may be scheduled past the deadline")
	assert.False(t, slept)
}

func TestRetrierRetryHook(t *testing.T) {
	t.Parallel()

	cfg := testResilienceConfig()
	cfg.MaxRetries = 2

	var hooked []string
	r := NewRetrier(cfg,
		WithSleep(noSleep),
		WithRetryHook(func(service string) { hooked = append(hooked, service) }),
	)

	_ = r.Do(context.Background(), "payments", func(context.Context) error {
		return errors.New("transient")
	})

	assert.Equal(t, []string{"payments", "payments"}, hooked)
}

func TestRetrierSleepCanceled(t *testing.T) {
	t.Parallel()

	cfg := testResilienceConfig()
	cfg.MaxRetries = 3
	cfg.BaseDelay = time.Millisecond
	r := NewRetrier(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	errAttempt := errors.New("transient")
	err := r.Do(ctx, "fraud", func(context.Context) error {
		attempts++
		cancel()
		return errAttempt
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, errAttempt)
}

func TestRetryableClassification(t *testing.T) {
	t.Parallel()

	cfg := config.Resilience{RetryStatuses: config.DefaultRetryStatuses}

	assert.False(t, Retryable(cfg, nil))
	assert.False(t, Retryable(cfg, &CircuitOpenError{Service: "x"}))
	assert.False(t, Retryable(cfg, context.Canceled))
	assert.False(t, Retryable(cfg, &StatusError{StatusCode: 400}))
	assert.False(t, Retryable(cfg, &StatusError{StatusCode: 404}))

	assert.True(t, Retryable(cfg, &StatusError{StatusCode: 408}))
	assert.True(t, Retryable(cfg, &StatusError{StatusCode: 429}))
	assert.True(t, Retryable(cfg, &StatusError{StatusCode: 503}))
	assert.True(t, Retryable(cfg, errors.New("dial tcp: connection refused")))
	assert.True(t, Retryable(cfg, context.DeadlineExceeded))
}
