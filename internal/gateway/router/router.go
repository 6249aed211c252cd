package router

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/atlanticdynamic/storegate/internal/checkout"
	"github.com/atlanticdynamic/storegate/internal/config"
	"github.com/atlanticdynamic/storegate/internal/gateway/authn"
	"github.com/atlanticdynamic/storegate/internal/gateway/metrics"
	"github.com/atlanticdynamic/storegate/internal/gateway/middleware"
	"github.com/atlanticdynamic/storegate/internal/gateway/ratelimit"
	"github.com/atlanticdynamic/storegate/internal/gateway/resilience"
)

// Deps are the assembled components the router wires together.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Tokens   *authn.Service
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	Breakers *resilience.Registry
	Targets  *Targets
	Checkout *checkout.Handler
}

// New builds the gateway's HTTP handler tree.
func New(d Deps) (http.Handler, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	users, err := d.Targets.Get("users")
	if err != nil {
		return nil, err
	}
	auth := &authHandlers{tokens: d.Tokens, users: users, logger: logger.WithGroup("auth")}
	admin := newAdminHandlers(d.Config, d.Breakers, logger.WithGroup("admin"))

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
	}))
	r.Use(middleware.Correlation)
	r.Use(middleware.RequestLog)
	r.Use(middleware.Deadline(d.Config.IngressTimeout))

	// Public surface: liveness, readiness, metrics, login.
	r.Get("/health", admin.health)
	r.Get("/readiness", admin.readiness)
	r.Handle("/metrics", d.Metrics.Handler())
	r.Post("/auth/login", auth.login)

	r.Group(func(pr chi.Router) {
		pr.Use(middleware.RequireAuth(d.Tokens))
		pr.Post("/auth/logout", auth.logout)
		pr.Get("/auth/me", auth.me)
	})

	// Everything under /api/v1 requires a token and counts against the
	// caller's quota. Unmatched paths fall through to the proxy catchall.
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(middleware.RequireAuth(d.Tokens))
		api.Use(middleware.RateLimit(d.Limiter))

		api.Post("/checkout", d.Checkout.Checkout)
		api.Get("/checkout/{sagaID}", d.Checkout.Status)
		api.Get("/circuit-breakers", admin.listBreakers)
		api.Post("/circuit-breakers/{service}/reset", admin.resetBreaker)

		api.Handle("/*", proxyHandler(d.Targets))
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusNotFound, "route_not_found", "no such route")
	})

	return r, nil
}
