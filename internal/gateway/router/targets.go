// Package router assembles the gateway's ingress surface: the middleware
// chain, the public and authenticated routes, the checkout endpoints, and
// the resilient proxy catchall for everything else under /api/v1.
package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/atlanticdynamic/storegate/internal/config"
	"github.com/atlanticdynamic/storegate/internal/gateway/proxy"
	"github.com/atlanticdynamic/storegate/internal/gateway/resilience"
)

// Targets resolves service names and ingress paths to proxy targets. Built
// once at startup from the route table.
type Targets struct {
	byName   map[string]*proxy.Target
	prefixed []prefixEntry
}

type prefixEntry struct {
	prefix string
	target *proxy.Target
}

// BuildTargets creates one proxy target per configured service. All
// targets share the breaker registry; each gets its own breaker keyed by
// service name.
func BuildTargets(
	cfg *config.Config,
	breakers *resilience.Registry,
	retrier *resilience.Retrier,
	reporter proxy.Reporter,
) (*Targets, error) {
	t := &Targets{byName: make(map[string]*proxy.Target, len(cfg.Services))}

	for _, route := range cfg.Services {
		breaker, err := breakers.Get(route.Name)
		if err != nil {
			return nil, err
		}

		opts := []proxy.TargetOption{}
		if reporter != nil {
			opts = append(opts, proxy.WithReporter(reporter))
		}
		target, err := proxy.NewTarget(route, cfg.Resilience, breaker, retrier, opts...)
		if err != nil {
			return nil, err
		}

		t.byName[route.Name] = target
		if !route.Internal() {
			t.prefixed = append(t.prefixed, prefixEntry{prefix: route.Prefix, target: target})
		}
	}

	// Longest prefix first so /api/v1/products/search-like overlaps
	// resolve to the most specific route.
	sort.Slice(t.prefixed, func(i, j int) bool {
		return len(t.prefixed[i].prefix) > len(t.prefixed[j].prefix)
	})
	return t, nil
}

// Get returns the target for the named service.
func (t *Targets) Get(name string) (*proxy.Target, error) {
	target, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("no proxy target for service %q", name)
	}
	return target, nil
}

// Match resolves an ingress path to the client-facing target owning the
// longest matching prefix. Internal-only services never match.
func (t *Targets) Match(path string) (*proxy.Target, bool) {
	for _, entry := range t.prefixed {
		if path == entry.prefix || strings.HasPrefix(path, entry.prefix+"/") {
			return entry.target, true
		}
	}
	return nil, false
}
