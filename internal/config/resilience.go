package config

import (
	"fmt"
	"time"
)

// Resilience holds the per-downstream circuit-breaker, retry, and timeout
// tuning. One set of values applies to every downstream; the struct is
// copied into each proxy target at startup.
type Resilience struct {
	FailureThreshold int
	SuccessThreshold int
	WindowSize       int
	OpenTimeout      time.Duration

	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	ExpBase       float64
	JitterEnabled bool
	RetryStatuses []int

	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxConnsPerHost int
}

// DefaultRetryStatuses are the downstream statuses treated as retryable
// faults. 4xx other than 408/429 are client errors and never retried.
var DefaultRetryStatuses = []int{408, 429, 500, 502, 503, 504}

func loadResilience() (Resilience, error) {
	r := Resilience{
		ExpBase:       2.0,
		JitterEnabled: true,
		RetryStatuses: DefaultRetryStatuses,
	}

	var err error
	if r.FailureThreshold, err = envInt("CIRCUIT_FAILURE_THRESHOLD", 5); err != nil {
		return r, err
	}
	if r.SuccessThreshold, err = envInt("CIRCUIT_SUCCESS_THRESHOLD", 2); err != nil {
		return r, err
	}
	if r.WindowSize, err = envInt("CIRCUIT_WINDOW_SIZE", 20); err != nil {
		return r, err
	}
	if r.OpenTimeout, err = envDuration("CIRCUIT_OPEN_TIMEOUT", 30*time.Second); err != nil {
		return r, err
	}
	if r.MaxRetries, err = envInt("PROXY_MAX_RETRIES", 2); err != nil {
		return r, err
	}
	if r.BaseDelay, err = envDuration("PROXY_BASE_DELAY", 100*time.Millisecond); err != nil {
		return r, err
	}
	if r.MaxDelay, err = envDuration("PROXY_MAX_DELAY", 5*time.Second); err != nil {
		return r, err
	}
	if r.ExpBase, err = envFloat("PROXY_EXP_BASE", 2.0); err != nil {
		return r, err
	}
	if r.JitterEnabled, err = envBool("PROXY_JITTER", true); err != nil {
		return r, err
	}
	if r.ConnectTimeout, err = envDuration("PROXY_CONNECT_TIMEOUT", 2*time.Second); err != nil {
		return r, err
	}
	if r.ReadTimeout, err = envDuration("PROXY_READ_TIMEOUT", 10*time.Second); err != nil {
		return r, err
	}
	if r.WriteTimeout, err = envDuration("PROXY_WRITE_TIMEOUT", 10*time.Second); err != nil {
		return r, err
	}
	if r.MaxConnsPerHost, err = envInt("PROXY_MAX_CONNS_PER_HOST", 64); err != nil {
		return r, err
	}
	return r, nil
}

// Validate rejects values the breaker and retry executor cannot operate with.
func (r Resilience) Validate() error {
	if r.FailureThreshold <= 0 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be positive, got %d", r.FailureThreshold)
	}
	if r.SuccessThreshold <= 0 {
		return fmt.Errorf("CIRCUIT_SUCCESS_THRESHOLD must be positive, got %d", r.SuccessThreshold)
	}
	if r.WindowSize < r.FailureThreshold {
		return fmt.Errorf("CIRCUIT_WINDOW_SIZE %d is smaller than CIRCUIT_FAILURE_THRESHOLD %d",
			r.WindowSize, r.FailureThreshold)
	}
	if r.OpenTimeout <= 0 {
		return fmt.Errorf("CIRCUIT_OPEN_TIMEOUT must be positive, got %s", r.OpenTimeout)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("PROXY_MAX_RETRIES cannot be negative, got %d", r.MaxRetries)
	}
	if r.ExpBase < 1 {
		return fmt.Errorf("PROXY_EXP_BASE must be >= 1, got %g", r.ExpBase)
	}
	return nil
}

// RetryableStatus reports whether the downstream status is in the retry set.
func (r Resilience) RetryableStatus(status int) bool {
	for _, s := range r.RetryStatuses {
		if s == status {
			return true
		}
	}
	return false
}
