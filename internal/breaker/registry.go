package breaker

import "sync"

// Registry holds one breaker per service name, created lazily.
// It replaces ambient globals so tests can run with isolated fixtures.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config
}

// NewRegistry creates a registry with per-service configs.
func NewRegistry(configs map[string]Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		configs:  configs,
	}
}

// Get returns the breaker for a service, creating it on first use.
// Returns nil for services without a registered config.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[service]; ok {
		return b
	}

	cfg, ok := r.configs[service]
	if !ok {
		return nil
	}

	b := New(service, cfg)
	r.breakers[service] = b
	return b
}

// Snapshots returns the current state of every instantiated breaker.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
