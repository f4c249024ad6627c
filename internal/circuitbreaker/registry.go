package circuitbreaker

import (
	"sync"
	"time"
)

// Registry holds one Breaker per provider ID.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg, now: time.Now}
}

// Get returns the breaker for providerID, or nil.
func (r *Registry) Get(providerID string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[providerID]
}

// GetOrCreate returns the breaker for providerID, creating it on first use.
func (r *Registry) GetOrCreate(providerID string) *Breaker {
	if b := r.Get(providerID); b != nil {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[providerID]; ok {
		return b
	}
	b := newBreaker(r.cfg, r.now)
	r.breakers[providerID] = b
	return b
}

// Allow reports whether providerID may receive an attempt.
func (r *Registry) Allow(providerID string) bool {
	return r.GetOrCreate(providerID).Allow()
}

// Record feeds an attempt outcome into providerID's breaker.
func (r *Registry) Record(providerID string, err error) {
	weight, ok := Weight(err)
	if !ok {
		return
	}
	b := r.GetOrCreate(providerID)
	if err == nil {
		b.Success()
		return
	}
	b.Failure(weight)
}

// IsOpen reports whether providerID's breaker currently rejects traffic.
// Unknown providers are closed.
func (r *Registry) IsOpen(providerID string) bool {
	b := r.Get(providerID)
	return b != nil && b.State() == Open
}

// States snapshots every breaker's state, keyed by provider ID.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State()
	}
	return out
}

// EvictStale drops breakers idle since before cutoff and returns how many
// were removed.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			delete(r.breakers, id)
			n++
		}
	}
	return n
}
