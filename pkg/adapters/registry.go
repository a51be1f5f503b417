package adapters

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages a set of named adapters and their lifecycle handles. It is
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	handles  map[string]*Handle
}

// NewRegistry returns an empty registry ready for adapter registration.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		handles:  make(map[string]*Handle),
	}
}

// Register adds an adapter to the registry. It returns an error if an
// adapter with the same name is already registered.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if name == "" {
		return fmt.Errorf("adapter has empty name")
	}
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}

	r.adapters[name] = a
	r.handles[name] = newHandle(name)
	return nil
}

// Unregister removes an adapter by name. It is a no-op if the name is not
// found.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.adapters, name)
	delete(r.handles, name)
}

// Get returns the adapter with the given name, or false if not found.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	return a, ok
}

// Handle returns the lifecycle handle for the named adapter.
func (r *Registry) Handle(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[name]
	return h, ok
}

// List returns a sorted slice of all registered adapter names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns a copy of the runtime status for the named adapter, or
// false if the adapter is not registered.
func (r *Registry) Status(name string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[name]
	if !ok {
		return Status{}, false
	}
	return h.Status(), true
}

// AllStatus returns a copy of all adapter statuses, sorted by name.
func (r *Registry) AllStatus() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Status, 0, len(r.handles))
	for _, h := range r.handles {
		result = append(result, h.Status())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
