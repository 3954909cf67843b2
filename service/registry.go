package service

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Registry maps service names to constructors. Registration happens during
// process startup; the Manager then instantiates services from it.
type Registry struct {
	constructors map[string]Constructor
	mu           sync.RWMutex
}

// NewServiceRegistry returns an empty registry.
func NewServiceRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register binds name to a constructor. Names are unique; registering a
// taken name is an error rather than a silent replace.
func (r *Registry) Register(name string, constructor Constructor) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if constructor == nil {
		return fmt.Errorf("constructor cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.constructors[name]; taken {
		return fmt.Errorf("service %s already registered", name)
	}
	r.constructors[name] = constructor
	return nil
}

// Constructor looks up the constructor registered under name.
func (r *Registry) Constructor(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	constructor, ok := r.constructors[name]
	return constructor, ok
}

// Services returns registered names sorted, so creation and startup order
// are deterministic.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := slices.Collect(maps.Keys(r.constructors))
	slices.Sort(names)
	return names
}

// Constructors returns a snapshot of the registration table.
func (r *Registry) Constructors() map[string]Constructor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return maps.Clone(r.constructors)
}
