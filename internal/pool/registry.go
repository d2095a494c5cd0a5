package pool

import "sync"

// Registry holds one pool per service name, created lazily.
type Registry struct {
	mu        sync.Mutex
	pools     map[string]*Pool
	configs   map[string]Config
	factories map[string]Factory
}

// NewRegistry creates a registry with per-service configs and factories.
func NewRegistry(configs map[string]Config, factories map[string]Factory) *Registry {
	return &Registry{
		pools:     make(map[string]*Pool),
		configs:   configs,
		factories: factories,
	}
}

// Get returns the pool for a service, creating it on first use.
// Returns nil for services without a registered config or factory.
func (r *Registry) Get(service string) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[service]; ok {
		return p
	}

	cfg, ok := r.configs[service]
	if !ok {
		return nil
	}
	factory, ok := r.factories[service]
	if !ok {
		return nil
	}

	p := New(service, cfg, factory)
	r.pools[service] = p
	return p
}

// Stats returns occupancy for every instantiated pool.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Stats, len(r.pools))
	for name, p := range r.pools {
		out[name] = p.Stats()
	}
	return out
}

// Close shuts down every pool.
func (r *Registry) Close() {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
