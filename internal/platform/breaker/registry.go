package breaker

import "sync"

// Registry holds one Breaker per backend name, created lazily. The registry
// map has its own lock; each breaker locks independently, so a slow or open
// backend never stalls admission decisions for another.
type Registry struct {
	cfg      Config
	onChange func(StateChange)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry whose breakers share cfg and onChange.
func NewRegistry(cfg Config, onChange func(StateChange)) *Registry {
	return &Registry{
		cfg:      cfg,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named backend, creating it on first use.
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
	b = New(name, r.cfg, r.onChange)
	r.breakers[name] = b
	return b
}

// Snapshots reports the state of every known breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
