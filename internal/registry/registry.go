// Package registry maps composite keys to live actor handles. It is the
// only place actors discover each other.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tracktags/tracktags/internal/errs"
)

// Registry is a process-wide name table. Duplicate registration is an
// error; callers that race use LookupOrStart, which serializes
// check-and-start per key.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]interface{}

	guardMu sync.Mutex
	guards  map[string]*sync.Mutex
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]interface{}),
		guards:  make(map[string]*sync.Mutex),
	}
}

// Register binds a key to a handle. Fails if the key is already bound.
func (r *Registry) Register(key string, handle interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("register %s: %w", key, errs.ErrAlreadyRegistered)
	}
	r.entries[key] = handle
	return nil
}

// Lookup returns the handle bound to key.
func (r *Registry) Lookup(key string) (interface{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[key]
	return h, ok
}

// Unregister removes a binding. Unknown keys are a no-op.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// Replace rebinds a key unconditionally. Used by the supervisor when it
// restarts a crashed actor.
func (r *Registry) Replace(key string, handle interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = handle
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Keys returns all bound keys with the given prefix.
func (r *Registry) Keys(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for k := range r.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// LookupOrStart returns the existing handle for key, or runs start and
// registers its result. Concurrent callers for the same key serialize on
// a per-key guard so exactly one start wins.
func (r *Registry) LookupOrStart(key string, start func() (interface{}, error)) (interface{}, error) {
	if h, ok := r.Lookup(key); ok {
		return h, nil
	}

	guard := r.guard(key)
	guard.Lock()
	defer guard.Unlock()

	// Re-check under the guard: another caller may have started it.
	if h, ok := r.Lookup(key); ok {
		return h, nil
	}
	h, err := start()
	if err != nil {
		return nil, err
	}
	if err := r.Register(key, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (r *Registry) guard(key string) *sync.Mutex {
	r.guardMu.Lock()
	defer r.guardMu.Unlock()
	g, ok := r.guards[key]
	if !ok {
		g = &sync.Mutex{}
		r.guards[key] = g
	}
	return g
}

// Composite key constructors. These are the only key shapes the service
// uses; everything else is a bug.

func ApplicationKey() string { return "application" }

func BusinessKey(businessID string) string { return "business:" + businessID }

func CustomerKey(businessID, customerID string) string {
	return "customer:" + businessID + "/" + customerID
}

func MetricKey(accountID, metricName string) string {
	return "metric:" + accountID + "/" + metricName
}

func TickKey(name string) string { return "tick:" + name }
