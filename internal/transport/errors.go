package transport

import "errors"

// Common errors returned by the binding registry.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, transport.ErrNotRegistered) {
//	    // Handle case where the entity type has no binding
//	}
var (
	// ErrEmptyEntity is returned when a binding is registered under an
	// empty entity type name.
	ErrEmptyEntity = errors.New("entity type name is empty")

	// ErrNilBinding is returned when a nil binding is registered.
	ErrNilBinding = errors.New("transport binding is nil")

	// ErrAlreadyRegistered is returned when an entity type is registered
	// a second time.
	ErrAlreadyRegistered = errors.New("transport binding already registered")

	// ErrNotRegistered is returned when resolving an entity type that
	// has no binding.
	ErrNotRegistered = errors.New("no transport binding registered")

	// ErrNotReadable is returned when a read is requested for an entity
	// whose binding has no Reader capability.
	ErrNotReadable = errors.New("transport binding has no read capability")
)
