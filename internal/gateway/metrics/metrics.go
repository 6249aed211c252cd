// Package metrics registers the gateway's prometheus series and adapts
// them to the narrow reporter interfaces the resilience and saga packages
// depend on.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atlanticdynamic/storegate/internal/gateway/resilience/finitestate"
)

// Gauge encoding for gateway_circuit_breaker_state.
var breakerStateValues = map[string]float64{
	finitestate.StateClosed:   0,
	finitestate.StateHalfOpen: 1,
	finitestate.StateOpen:     2,
}

// Metrics owns the gateway's prometheus registry and collectors.
type Metrics struct {
	registry *prometheus.Registry

	proxyRequests     *prometheus.CounterVec
	proxyDuration     *prometheus.HistogramVec
	proxyRetries      *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	sagaExecutions    *prometheus.CounterVec
	sagaStepDuration  *prometheus.HistogramVec
	sagaCompensations *prometheus.CounterVec
}

// New creates and registers all gateway collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_proxy_requests_total",
			Help: "Proxied requests by downstream service, method, and response status.",
		}, []string{"service", "method", "status"}),
		proxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_proxy_request_duration_seconds",
			Help:    "Proxied request duration by downstream service and method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),
		proxyRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_proxy_retries_total",
			Help: "Retry attempts scheduled per downstream service.",
		}, []string{"service"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),
		sagaExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_executions_total",
			Help: "Saga executions by terminal outcome.",
		}, []string{"outcome"}),
		sagaStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Saga step duration by step name and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step", "outcome"}),
		sagaCompensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Saga compensations by step name and outcome.",
		}, []string{"step", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.proxyRequests,
		m.proxyDuration,
		m.proxyRetries,
		m.breakerState,
		m.sagaExecutions,
		m.sagaStepDuration,
		m.sagaCompensations,
	)
	return m
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProxyRequest records one proxied request outcome.
func (m *Metrics) ObserveProxyRequest(service, method string, status int, duration time.Duration) {
	m.proxyRequests.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	m.proxyDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// ReportProxyRetry implements the retry hook for gateway_proxy_retries_total.
func (m *Metrics) ReportProxyRetry(service string) {
	m.proxyRetries.WithLabelValues(service).Inc()
}

// ReportBreakerState implements resilience.StateReporter.
func (m *Metrics) ReportBreakerState(service, state string) {
	m.breakerState.WithLabelValues(service).Set(breakerStateValues[state])
}

// ObserveSagaExecution records a saga's terminal outcome.
func (m *Metrics) ObserveSagaExecution(outcome string) {
	m.sagaExecutions.WithLabelValues(outcome).Inc()
}

// ObserveSagaStep records one saga step attempt's duration and outcome.
func (m *Metrics) ObserveSagaStep(step, outcome string, duration time.Duration) {
	m.sagaStepDuration.WithLabelValues(step, outcome).Observe(duration.Seconds())
}

// ObserveSagaCompensation records one compensation outcome.
func (m *Metrics) ObserveSagaCompensation(step, outcome string) {
	m.sagaCompensations.WithLabelValues(step, outcome).Inc()
}
