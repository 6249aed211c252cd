package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atlanticdynamic/storegate/internal/config"
	"github.com/atlanticdynamic/storegate/internal/gateway/resilience"
	"github.com/atlanticdynamic/storegate/internal/gateway/resilience/finitestate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResilienceConfig() config.Resilience {
	return config.Resilience{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		WindowSize:       10,
		OpenTimeout:      30 * time.Second,
		MaxRetries:       2,
		BaseDelay:        time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		ExpBase:          2,
		RetryStatuses:    config.DefaultRetryStatuses,
		ConnectTimeout:   time.Second,
		ReadTimeout:      time.Second,
		WriteTimeout:     time.Second,
		MaxConnsPerHost:  8,
	}
}

func newTestTarget(t *testing.T, upstream *httptest.Server, cfg config.Resilience) *Target {
	t.Helper()

	breaker, err := resilience.NewBreaker("fraud", cfg)
	require.NoError(t, err)
	retrier := resilience.NewRetrier(cfg,
		resilience.WithSleep(func(context.Context, time.Duration) error { return nil }))

	route := config.ServiceRoute{Name: "fraud", URL: upstream.URL, AuthSecret: "s2s-secret"}
	target, err := NewTarget(route, cfg, breaker, retrier)
	require.NoError(t, err)
	return target
}

func TestTargetForwardsAndInjectsHeaders(t *testing.T) {
	t.Parallel()

	var seen http.Header
	var seenPath, seenQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		seenPath = r.URL.Path
		seenQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	target := newTestTarget(t, upstream, testResilienceConfig())

	header := http.Header{}
	header.Set("Authorization", "Bearer end-user-token")
	header.Set("Accept", "application/json")
	header.Set("Connection", "close")

	resp, err := target.Do(context.Background(), Request{
		Method:        http.MethodGet,
		Path:          "/api/v1/fraud/history",
		Query:         "limit=5",
		Header:        header,
		CorrelationID: "cid-42",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "/api/v1/fraud/history", seenPath)
	assert.Equal(t, "limit=5", seenQuery)

	// Injected headers.
	assert.Equal(t, "cid-42", seen.Get(HeaderCorrelationID))
	assert.Equal(t, "s2s-secret", seen.Get(HeaderServiceAuth))
	// End-user auth and hop-by-hop headers never reach the downstream.
	assert.Empty(t, seen.Get("Authorization"))
	assert.Empty(t, seen.Get("Connection"))
	assert.Equal(t, "application/json", seen.Get("Accept"))

	// Hop-by-hop response headers are dropped, payload headers kept.
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Connection"))
}

func TestTargetPassesThroughClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer upstream.Close()

	target := newTestTarget(t, upstream, testResilienceConfig())

	resp, err := target.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)

	// 4xx outside the retry set is a success: passed through, not retried,
	// and not counted against the breaker.
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, finitestate.StateClosed, target.Breaker().State())
	assert.Zero(t, target.Breaker().Snapshot().FailureCount)
}

func TestTargetRetriesRetryableStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	target := newTestTarget(t, upstream, testResilienceConfig())

	resp, err := target.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())

	// The logical call succeeded, so the breaker saw one success sample.
	snap := target.Breaker().Snapshot()
	assert.Zero(t, snap.FailureCount)
	assert.Equal(t, 1, snap.SuccessCount)
}

func TestTargetExhaustedRetriesCountOnceAgainstBreaker(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	cfg := testResilienceConfig()
	target := newTestTarget(t, upstream, cfg)

	_, err := target.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)

	// max_retries+1 outbound attempts, one breaker failure sample.
	assert.Equal(t, int32(cfg.MaxRetries+1), calls.Load())
	assert.Equal(t, 1, target.Breaker().Snapshot().FailureCount)
}

func TestTargetFailsFastWhenBreakerOpens(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	cfg := testResilienceConfig()
	target := newTestTarget(t, upstream, cfg)

	for i := 0; i < cfg.FailureThreshold; i++ {
		_, err := target.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
		require.Error(t, err)
	}
	require.Equal(t, finitestate.StateOpen, target.Breaker().State())
	attemptsBefore := calls.Load()

	_, err := target.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, attemptsBefore, calls.Load(), "open breaker must not contact the downstream")
}

func TestTargetConnectFailure(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // nothing listening

	target := newTestTarget(t, upstream, testResilienceConfig())

	_, err := target.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	require.Error(t, err)

	status, code := MapError(err)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "downstream_unreachable", code)
}

func TestMapError(t *testing.T) {
	t.Parallel()

	status, code := MapError(&resilience.CircuitOpenError{Service: "fraud", RetryAfter: 7 * time.Second})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "circuit_open", code)
	assert.Equal(t, 7, RetryAfterSeconds(&resilience.CircuitOpenError{Service: "fraud", RetryAfter: 7 * time.Second}))

	status, code = MapError(context.DeadlineExceeded)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, "downstream_timeout", code)

	status, code = MapError(&resilience.StatusError{Service: "fraud", StatusCode: 503})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "downstream_error", code)
}
