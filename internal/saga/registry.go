package saga

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Retention bounds for finished sagas. Status queries arrive within
// seconds of the checkout response, so a short window suffices.
const (
	registryCapacity  = 1024
	registryRetention = 10 * time.Minute
)

// Registry retains recent sagas for the status endpoint. Entries age out
// after the retention window or under capacity pressure, oldest first.
type Registry struct {
	cache *expirable.LRU[string, *Context]
}

// NewRegistry creates a registry with the default capacity and retention.
func NewRegistry() *Registry {
	return &Registry{
		cache: expirable.NewLRU[string, *Context](registryCapacity, nil, registryRetention),
	}
}

// Put stores a saga. Called by the engine when the saga is created, before
// the first step runs, so in-flight sagas are queryable.
func (r *Registry) Put(sc *Context) {
	r.cache.Add(sc.ID().String(), sc)
}

// Get returns the saga with the given id, if still retained.
func (r *Registry) Get(id string) (*Context, bool) {
	return r.cache.Get(id)
}

// Len returns the number of retained sagas.
func (r *Registry) Len() int {
	return r.cache.Len()
}
