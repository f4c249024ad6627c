// Package provider implements the adapter registry and the utilities shared
// by provider adapters: error normalization, transport, retries and pricing.
package provider

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	gateway "github.com/eugener/capgate/internal"
)

// Registry maps provider names (case-insensitive) to adapter instances.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]gateway.Adapter
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]gateway.Adapter)}
}

// Register adds an adapter under its own Name. It overwrites any previously
// registered adapter with the same name.
func (r *Registry) Register(a gateway.Adapter) {
	r.mu.Lock()
	r.adapters[strings.ToLower(a.Name())] = a
	r.mu.Unlock()
}

// Get returns the adapter registered under name. An unknown name is a
// configuration error and wraps gateway.ErrNotFound.
func (r *Registry) Get(name string) (gateway.Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered: %w", name, gateway.ErrNotFound)
	}
	return a, nil
}

// Has reports whether an adapter is registered under name.
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// List returns a sorted slice of all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
