package breaker

import "sync"

// Registry hands out one breaker per dependency name so independent call
// sites share fault state for that dependency. It is constructed explicitly
// and injected rather than held in package state, so tests get isolated
// instances.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults Config
	onEvent  func(Event)
}

// NewRegistry creates a registry. defaults applies to breakers created on
// first use; onEvent (optional) is attached to every breaker the registry
// creates.
func NewRegistry(defaults Config, onEvent func(Event)) *Registry {
	if defaults.FailureThreshold <= 0 {
		defaults = DefaultConfig()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		onEvent:  onEvent,
	}
}

// Get returns the breaker for name, creating it with the registry defaults
// on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	cfg := r.defaults
	if r.onEvent != nil {
		cfg.OnEvent = r.onEvent
	}
	b := New(name, cfg)
	r.breakers[name] = b
	return b
}

// GetWithConfig returns the breaker for name, creating it with cfg on first
// use. An existing breaker keeps its original configuration.
func (r *Registry) GetWithConfig(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	if cfg.OnEvent == nil {
		cfg.OnEvent = r.onEvent
	}
	b := New(name, cfg)
	r.breakers[name] = b
	return b
}

// Stats returns a snapshot of every registered breaker.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.GetStats())
	}
	return stats
}

// ResetAll force-resets every registered breaker to closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}
