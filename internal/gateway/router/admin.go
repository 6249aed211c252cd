package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atlanticdynamic/storegate/internal/config"
	"github.com/atlanticdynamic/storegate/internal/gateway/middleware"
	"github.com/atlanticdynamic/storegate/internal/gateway/resilience"
	"github.com/atlanticdynamic/storegate/internal/logging"
)

// readinessProbeTimeout bounds each downstream /health probe.
const readinessProbeTimeout = 2 * time.Second

// adminHandlers serves health, readiness, and breaker diagnostics.
type adminHandlers struct {
	services []config.ServiceRoute
	breakers *resilience.Registry
	probe    *http.Client
	logger   *slog.Logger
}

func newAdminHandlers(cfg *config.Config, breakers *resilience.Registry, logger *slog.Logger) *adminHandlers {
	return &adminHandlers{
		services: cfg.Services,
		breakers: breakers,
		probe:    &http.Client{Timeout: readinessProbeTimeout},
		logger:   logger,
	}
}

// health is liveness: the process is up.
func (h *adminHandlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readiness fans a /health probe out to every configured downstream and
// reports ready only when all of them answer in time.
func (h *adminHandlers) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessProbeTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		failing []string
		wg      sync.WaitGroup
	)
	for _, svc := range h.services {
		wg.Add(1)
		go func(svc config.ServiceRoute) {
			defer wg.Done()
			if err := h.probeService(ctx, svc); err != nil {
				mu.Lock()
				failing = append(failing, svc.Name)
				mu.Unlock()
			}
		}(svc)
	}
	wg.Wait()

	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "degraded",
			"failing": failing,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// probeService hits one downstream's own health endpoint directly,
// bypassing the breakers so a readiness check never consumes failure
// samples.
func (h *adminHandlers) probeService(ctx context.Context, svc config.ServiceRoute) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.probe.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errUnhealthy
	}
	return nil
}

var errUnhealthy = errors.New("downstream reported unhealthy")

// listBreakers reports every breaker's diagnostic snapshot.
func (h *adminHandlers) listBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"circuit_breakers": h.breakers.Snapshots(),
	})
}

// resetBreaker forces the named breaker closed. Audited: the acting
// subject and correlation id go to the log.
func (h *adminHandlers) resetBreaker(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")

	subject := ""
	if identity, ok := middleware.IdentityFrom(r.Context()); ok {
		subject = identity.Subject
	}

	if err := h.breakers.Reset(service); err != nil {
		middleware.WriteError(w, r, http.StatusNotFound, "breaker_not_found",
			"no circuit breaker for that service")
		return
	}

	logging.FromContext(r.Context()).Info("circuit breaker manually reset",
		"service", service, "subject", subject)
	writeJSON(w, http.StatusOK, map[string]string{
		"service": service,
		"state":   "closed",
	})
}
