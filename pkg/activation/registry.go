package activation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/kindle/pkg/engine"
)

// Registry maps a factory kind to the function that builds providers of that kind.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]engine.Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]engine.Factory)}
}

// Register adds a factory under kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, factory engine.Factory) error {
	if kind == "" {
		return fmt.Errorf("factory kind is required")
	}
	if factory == nil {
		return fmt.Errorf("factory for %q is nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("factory %q already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(kind string, factory engine.Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory registered under kind.
func (r *Registry) Lookup(kind string) (engine.Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
