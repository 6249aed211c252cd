package resilience

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/atlanticdynamic/storegate/internal/config"
)

// Registry holds one breaker per downstream service, created lazily on
// first use. Lookups dominate, so reads take the shared lock.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	cfg      config.Resilience
	logger   *slog.Logger
	reporter StateReporter
	now      func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryReporter wires state changes of all breakers into metrics.
func WithRegistryReporter(r StateReporter) RegistryOption {
	return func(reg *Registry) { reg.reporter = r }
}

// WithRegistryClock overrides the time source of created breakers, for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(reg *Registry) { reg.now = now }
}

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(reg *Registry) { reg.logger = logger }
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(cfg config.Resilience, opts ...RegistryOption) *Registry {
	reg := &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   slog.Default().WithGroup("breakers"),
		reporter: NopReporter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// Get returns the breaker for the named service, creating it on first use.
func (r *Registry) Get(service string) (*Breaker, error) {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b, nil
	}

	b, err := NewBreaker(service, r.cfg,
		WithClock(r.now),
		WithStateReporter(r.reporter),
		WithBreakerLogger(r.logger.With("service", service)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker for %s: %w", service, err)
	}
	r.breakers[service] = b
	return b, nil
}

// Snapshots returns diagnostic snapshots for every breaker, sorted by
// service name for stable output.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Service < snaps[j].Service })
	return snaps
}

// Reset forces the named breaker closed. Returns an error if the service
// has no breaker yet.
func (r *Registry) Reset(service string) error {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no circuit breaker for service %q", service)
	}
	return b.Reset()
}
