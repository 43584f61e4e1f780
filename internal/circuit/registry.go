package circuit

import "sync"

// Registry hands out one breaker per protected call site. Breakers are
// keyed by call-site name (for example "provider:openai" or
// "execution:paper") and never shared across sites.
type Registry struct {
	mu            sync.Mutex
	config        *Config
	breakers      map[string]*Breaker
	onStateChange func(name string, state BreakerState, reason string)
}

// NewRegistry creates a registry applying config to every breaker it
// creates.
func NewRegistry(config *Config) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.config)
	if r.onStateChange != nil {
		b.OnStateChange(r.onStateChange)
	}
	r.breakers[name] = b
	return b
}

// Lookup returns the breaker for name without creating one.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// All returns a snapshot of the registered breakers.
func (r *Registry) All() map[string]*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*Breaker, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b
	}
	return out
}

// OnStateChange installs handler on every current and future breaker.
func (r *Registry) OnStateChange(handler func(name string, state BreakerState, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onStateChange = handler
	for _, b := range r.breakers {
		b.OnStateChange(handler)
	}
}
