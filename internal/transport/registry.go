package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps entity types to their transport bindings.
//
// Bindings are validated when registered so that a missing or broken
// binding fails fast at configuration time instead of deep inside a
// replay cycle. Each engine instance owns its own Registry; there is no
// process-global state.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Mutator
}

// NewRegistry creates an empty binding registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[string]Mutator),
	}
}

// Register binds an entity type to its transport.
//
// The binding must be non-nil and the entity name unique and non-empty.
// Read capability is optional and detected here: a binding that also
// implements Reader is served cached reads by the facade.
func (r *Registry) Register(entity string, b Mutator) error {
	if entity == "" {
		return ErrEmptyEntity
	}
	if b == nil {
		return fmt.Errorf("%w: entity type %s", ErrNilBinding, entity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bindings[entity]; exists {
		return fmt.Errorf("%w: entity type %s", ErrAlreadyRegistered, entity)
	}

	r.bindings[entity] = b
	return nil
}

// Resolve returns the mutation binding for an entity type.
func (r *Registry) Resolve(entity string) (Mutator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[entity]
	if !ok {
		return nil, fmt.Errorf("%w: entity type %s", ErrNotRegistered, entity)
	}
	return b, nil
}

// Reader returns the read capability for an entity type, or
// ErrNotReadable if its binding is write-only.
func (r *Registry) Reader(entity string) (Reader, error) {
	b, err := r.Resolve(entity)
	if err != nil {
		return nil, err
	}
	reader, ok := b.(Reader)
	if !ok {
		return nil, fmt.Errorf("%w: entity type %s", ErrNotReadable, entity)
	}
	return reader, nil
}

// IsRegistered returns true if the entity type has a binding.
func (r *Registry) IsRegistered(entity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.bindings[entity]
	return exists
}

// Entities returns all registered entity types, sorted.
// Useful for testing and status output.
func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entities := make([]string, 0, len(r.bindings))
	for entity := range r.bindings {
		entities = append(entities, entity)
	}
	sort.Strings(entities)
	return entities
}

// Len returns the number of registered bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// UnregisterAll clears all registered bindings.
// This is primarily useful for testing.
func (r *Registry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = make(map[string]Mutator)
}
