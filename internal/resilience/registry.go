package resilience

import "sync"

// Registry keeps one circuit breaker per named dependency for the life of the
// process. Breaker state is never shared across instances.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   BreakerConfig
}

// NewRegistry constructs a registry; cfg applies to every breaker it creates.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   cfg,
	}
}

// Breaker returns the breaker for the named dependency, creating it on first
// use.
func (r *Registry) Breaker(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewCircuitBreaker(r.config)
	r.breakers[name] = b
	return b
}

// States snapshots the state of every registered breaker, keyed by name.
func (r *Registry) States() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
