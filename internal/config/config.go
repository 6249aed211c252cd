// Package config assembles the gateway's startup configuration from the
// environment and an optional TOML route file. The configuration is
// immutable after Load; topology changes require a process restart.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8000
	DefaultTokenExpire       = 30 * time.Minute
	DefaultJWTAlgorithm      = "HS256"
	DefaultRateLimit         = 120
	DefaultIngressTimeout    = 60 * time.Second
	DefaultShippingFlatFee   = 9.99
	DefaultFreeShippingFloor = 100.00
)

// Config is the complete, enumerated gateway configuration. Every field is
// resolved at startup; nothing is re-read at request time.
type Config struct {
	Host string
	Port int

	JWTSecret         string
	JWTAlgorithm      string
	AccessTokenExpire time.Duration

	RateLimitPerMinute int
	AllowedOrigins     []string
	IngressTimeout     time.Duration

	RedisAddr   string
	DatabaseURL string

	// FraudFailOpen lets checkout proceed with a degraded risk score when
	// the fraud service is unreachable. Availability bias; see DESIGN.md.
	FraudFailOpen bool

	ShippingFlatFee   float64
	FreeShippingFloor float64

	Resilience Resilience
	Services   []ServiceRoute
}

// Load reads the environment (and the optional route file named by
// GATEWAY_ROUTES_FILE) into a Config. Malformed values are hard errors;
// missing service-auth secrets are startup warnings only.
func Load(logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("config")

	cfg := &Config{
		Host:              envString("GATEWAY_HOST", DefaultHost),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTAlgorithm:      envString("JWT_ALGORITHM", DefaultJWTAlgorithm),
		RedisAddr:         envString("REDIS_ADDR", "localhost:6379"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		AllowedOrigins:    splitList(envString("ALLOWED_ORIGINS", "*")),
		ShippingFlatFee:   DefaultShippingFlatFee,
		FreeShippingFloor: DefaultFreeShippingFloor,
	}

	var err error
	if cfg.Port, err = envInt("GATEWAY_PORT", DefaultPort); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = envInt("RATE_LIMIT_PER_MINUTE", DefaultRateLimit); err != nil {
		return nil, err
	}

	expireMinutes, err := envInt("ACCESS_TOKEN_EXPIRE_MINUTES", int(DefaultTokenExpire.Minutes()))
	if err != nil {
		return nil, err
	}
	cfg.AccessTokenExpire = time.Duration(expireMinutes) * time.Minute

	if cfg.IngressTimeout, err = envDuration("GATEWAY_INGRESS_TIMEOUT", DefaultIngressTimeout); err != nil {
		return nil, err
	}
	if cfg.FraudFailOpen, err = envBool("FRAUD_FAIL_OPEN", true); err != nil {
		return nil, err
	}
	if cfg.ShippingFlatFee, err = envFloat("SHIPPING_FLAT_FEE", DefaultShippingFlatFee); err != nil {
		return nil, err
	}
	if cfg.FreeShippingFloor, err = envFloat("FREE_SHIPPING_THRESHOLD", DefaultFreeShippingFloor); err != nil {
		return nil, err
	}

	if cfg.Resilience, err = loadResilience(); err != nil {
		return nil, err
	}

	if cfg.Services, err = loadServiceRoutes(logger); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that cannot be expressed by defaults alone.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.JWTAlgorithm != "HS256" {
		return fmt.Errorf("unsupported JWT_ALGORITHM %q: only HS256 is supported", c.JWTAlgorithm)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("GATEWAY_PORT %d out of range", c.Port)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimitPerMinute)
	}
	if err := c.Resilience.Validate(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Services))
	for _, svc := range c.Services {
		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("duplicate service route %q", svc.Name)
		}
		seen[svc.Name] = struct{}{}
		if err := svc.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ListenAddr returns the host:port the gateway binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Service returns the route for the named downstream, if configured.
func (c *Config) Service(name string) (ServiceRoute, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceRoute{}, false
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return f, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return d, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
