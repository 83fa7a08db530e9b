package breaker

import "sync"

// Registry holds named breakers so multiple call sites protecting the same
// resource share one instance and one set of counters. Constructed once at
// process start and passed by handle; there is no package-level registry.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Options
}

// NewRegistry creates a Registry whose breakers default to opts.
func NewRegistry(defaults Options) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the named breaker, creating it with the registry defaults on
// first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.defaults)
	r.breakers[name] = b
	return b
}

// All returns a snapshot of every registered breaker's metrics keyed by name.
func (r *Registry) All() map[string]Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Metrics, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.GetMetrics()
	}
	return out
}
