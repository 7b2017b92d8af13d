package breaker

import (
	"context"
	"sort"
	"sync"
)

// Registry hands out one Breaker per dependency name, all sharing a Config.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it closed on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(name, r.cfg)
	r.breakers[name] = b
	return b
}

// Execute runs fn through the breaker for name.
func (r *Registry) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	return r.Get(name).Execute(ctx, fn)
}

// Stats returns snapshots of every breaker ordered by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
