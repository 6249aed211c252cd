// Package proxy issues resilient outbound HTTP calls: one circuit breaker
// and one retry executor wrap every request to a downstream service, with
// correlation-id and service-auth header injection.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/atlanticdynamic/storegate/internal/config"
	"github.com/atlanticdynamic/storegate/internal/gateway/resilience"
	"github.com/atlanticdynamic/storegate/internal/logging"
)

// maxBodyBytes bounds buffered request and response bodies. Streaming
// bodies are not supported by the dispatch core.
const maxBodyBytes = 10 << 20

// Reporter receives per-request proxy observations.
type Reporter interface {
	ObserveProxyRequest(service, method string, status int, duration time.Duration)
}

// NopReporter discards observations.
type NopReporter struct{}

func (NopReporter) ObserveProxyRequest(string, string, int, time.Duration) {}

// Request is one logical outbound call. Body is fully buffered.
type Request struct {
	Method        string
	Path          string
	Query         string
	Header        http.Header
	Body          []byte
	CorrelationID string
}

// Response is the downstream's answer. Any status outside the retry set is
// a successful proxy outcome, including 4xx and 5xx the client should see.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Target is one downstream service with its resilience machinery and
// connection pool. Created once per service and cached.
type Target struct {
	service    string
	baseURL    *url.URL
	authSecret string
	cfg        config.Resilience

	breaker  *resilience.Breaker
	retrier  *resilience.Retrier
	client   *http.Client
	logger   *slog.Logger
	reporter Reporter
}

// TargetOption configures a Target.
type TargetOption func(*Target)

// WithReporter wires proxy observations into metrics.
func WithReporter(r Reporter) TargetOption {
	return func(t *Target) { t.reporter = r }
}

// WithHTTPClient overrides the outbound client, for tests.
func WithHTTPClient(client *http.Client) TargetOption {
	return func(t *Target) { t.client = client }
}

// WithTargetLogger sets the target's logger.
func WithTargetLogger(logger *slog.Logger) TargetOption {
	return func(t *Target) { t.logger = logger }
}

// NewTarget creates a proxy target for the routed service.
func NewTarget(
	route config.ServiceRoute,
	cfg config.Resilience,
	breaker *resilience.Breaker,
	retrier *resilience.Retrier,
	opts ...TargetOption,
) (*Target, error) {
	baseURL, err := url.Parse(route.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url for service %s: %w", route.Name, err)
	}

	t := &Target{
		service:    route.Name,
		baseURL:    baseURL,
		authSecret: route.AuthSecret,
		cfg:        cfg,
		breaker:    breaker,
		retrier:    retrier,
		logger:     slog.Default().WithGroup("proxy").With("service", route.Name),
		reporter:   NopReporter{},
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.client == nil {
		t.client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   cfg.ConnectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxConnsPerHost:       cfg.MaxConnsPerHost,
				MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: cfg.ReadTimeout,
			},
		}
	}
	return t, nil
}

// Service returns the downstream service name.
func (t *Target) Service() string { return t.service }

// Breaker exposes the target's breaker for diagnostics.
func (t *Target) Breaker() *resilience.Breaker { return t.breaker }

// Do runs one logical call: breaker(retry(attempt)). An exhausted retry
// budget counts as a single failure sample against the breaker, keeping
// breaker state tied to logical downstream health rather than attempt
// count.
func (t *Target) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	var resp *Response
	err := t.breaker.Call(func() error {
		return t.retrier.Do(ctx, t.service, func(ctx context.Context) error {
			r, attemptErr := t.attempt(ctx, req)
			if attemptErr != nil {
				return attemptErr
			}
			if t.cfg.RetryableStatus(r.StatusCode) {
				return &resilience.StatusError{Service: t.service, StatusCode: r.StatusCode}
			}
			resp = r
			return nil
		})
	})

	status := statusForMetrics(resp, err)
	t.reporter.ObserveProxyRequest(t.service, req.Method, status, time.Since(start))

	if err != nil {
		logging.FromContext(ctx).Warn("downstream call failed",
			"service", t.service, "method", req.Method, "path", req.Path, "error", err)
		return nil, err
	}
	return resp, nil
}

// attempt performs one HTTP exchange with the per-attempt timeout.
func (t *Target) attempt(ctx context.Context, req Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.ReadTimeout+t.cfg.WriteTimeout)
	defer cancel()

	u := *t.baseURL
	u.Path = req.Path
	u.RawQuery = req.Query

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, u.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", t.service, err)
	}

	httpReq.Header = outboundHeaders(req.Header)
	httpReq.Header.Set(HeaderCorrelationID, req.CorrelationID)
	if t.authSecret != "" {
		httpReq.Header.Set(HeaderServiceAuth, t.authSecret)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", t.service, err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     responseHeaders(httpResp.Header),
		Body:       body,
	}, nil
}

// statusForMetrics picks the status label recorded for the call.
func statusForMetrics(resp *Response, err error) int {
	if err == nil && resp != nil {
		return resp.StatusCode
	}
	status, _ := MapError(err)
	return status
}

// MapError translates a failed proxy call into the client-facing status
// and a machine-readable error code.
func MapError(err error) (status int, code string) {
	var openErr *resilience.CircuitOpenError
	switch {
	case errors.As(err, &openErr):
		return http.StatusServiceUnavailable, "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "downstream_timeout"
	default:
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) {
			return http.StatusBadGateway, "downstream_error"
		}
		return http.StatusBadGateway, "downstream_unreachable"
	}
}

// RetryAfterSeconds extracts the retry hint from a circuit-open failure,
// zero otherwise.
func RetryAfterSeconds(err error) int {
	var openErr *resilience.CircuitOpenError
	if errors.As(err, &openErr) {
		secs := int(openErr.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		return secs
	}
	return 0
}
