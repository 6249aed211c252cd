package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ServiceRoute binds an ingress route prefix to a downstream service. The
// table is static; the gateway restarts to pick up topology changes.
type ServiceRoute struct {
	// Name is the stable downstream key ("catalog", "fraud", ...).
	Name string `toml:"name"`

	// Prefix is the ingress path prefix proxied to this service. Empty for
	// internal-only downstreams reached by the checkout saga but never
	// exposed to clients (fraud, payments).
	Prefix string `toml:"prefix"`

	// URL is the downstream base URL.
	URL string `toml:"url"`

	// AuthSecret is the value injected as X-Service-Auth. Resolved from
	// SERVICE_AUTH_SECRET_<NAME>; empty produces a startup warning.
	AuthSecret string `toml:"-"`
}

// Validate checks the route is usable.
func (s ServiceRoute) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("service route with empty name")
	}
	u, err := url.Parse(s.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("service %q has invalid url %q", s.Name, s.URL)
	}
	if s.Prefix != "" && !strings.HasPrefix(s.Prefix, "/") {
		return fmt.Errorf("service %q prefix %q must start with /", s.Name, s.Prefix)
	}
	return nil
}

// Internal reports whether the service is reachable only from inside the
// gateway (no client-facing route prefix).
func (s ServiceRoute) Internal() bool { return s.Prefix == "" }

// defaultServices is the built-in topology: the transactional store front,
// the seven analytical services, and the two saga-only downstreams.
var defaultServices = []ServiceRoute{
	{Name: "users", Prefix: "/api/v1/users", URL: "http://users:8001"},
	{Name: "catalog", Prefix: "/api/v1/products", URL: "http://catalog:8002"},
	{Name: "carts", Prefix: "/api/v1/carts", URL: "http://carts:8003"},
	{Name: "orders", Prefix: "/api/v1/orders", URL: "http://orders:8004"},
	{Name: "recommendations", Prefix: "/api/v1/recommendations", URL: "http://recommendations:8010"},
	{Name: "search", Prefix: "/api/v1/search", URL: "http://search:8011"},
	{Name: "pricing", Prefix: "/api/v1/pricing", URL: "http://pricing:8012"},
	{Name: "forecasting", Prefix: "/api/v1/forecasting", URL: "http://forecasting:8013"},
	{Name: "vision", Prefix: "/api/v1/vision", URL: "http://vision:8014"},
	{Name: "chatbot", Prefix: "/api/v1/chat", URL: "http://chatbot:8015"},
	{Name: "fraud", URL: "http://fraud:8020"},
	{Name: "payments", URL: "http://payments:8021"},
}

type routesFile struct {
	Services []ServiceRoute `toml:"services"`
}

// loadServiceRoutes builds the route table. Precedence: the TOML file named
// by GATEWAY_ROUTES_FILE replaces the built-in table entirely; <NAME>_URL
// environment variables override individual base URLs; secrets always come
// from SERVICE_AUTH_SECRET_<NAME>.
func loadServiceRoutes(logger *slog.Logger) ([]ServiceRoute, error) {
	services := make([]ServiceRoute, len(defaultServices))
	copy(services, defaultServices)

	if path := os.Getenv("GATEWAY_ROUTES_FILE"); path != "" {
		loaded, err := loadRoutesFile(path)
		if err != nil {
			return nil, err
		}
		services = loaded
	}

	for i := range services {
		envKey := strings.ToUpper(services[i].Name) + "_URL"
		if v := os.Getenv(envKey); v != "" {
			services[i].URL = v
		}

		secretKey := "SERVICE_AUTH_SECRET_" + strings.ToUpper(services[i].Name)
		services[i].AuthSecret = os.Getenv(secretKey)
		if services[i].AuthSecret == "" {
			logger.Warn("service auth secret not configured; downstream will reject proxied requests",
				"service", services[i].Name, "env", secretKey)
		}
	}

	return services, nil
}

// loadRoutesFile decodes a TOML route table. Unknown keys are a hard error
// so a typoed field cannot silently drop a route attribute.
func loadRoutesFile(path string) ([]ServiceRoute, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file %s: %w", path, err)
	}

	var rf routesFile
	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("failed to parse routes file %s: %w", path, err)
	}
	if len(rf.Services) == 0 {
		return nil, fmt.Errorf("routes file %s defines no services", path)
	}
	return rf.Services, nil
}
