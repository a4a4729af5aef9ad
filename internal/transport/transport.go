// Package transport defines the binding surface between the offline
// engine and the backend service.
//
// The engine has no knowledge of HTTP, headers, or serialization; a
// binding encapsulates all of that for one entity type. Payloads cross
// the boundary as opaque JSON so the queue can persist and replay them
// without understanding their contents.
package transport

import (
	"context"
	"encoding/json"
)

// Mutator applies mutations for one entity type against the backend.
//
// Every registered entity must provide a Mutator; replay resolves the
// binding per pending operation and invokes exactly one of its methods.
// Implementations resolve on success and return an error on failure —
// the engine treats any error as a failed attempt eligible for retry.
type Mutator interface {
	// Create inserts a new record and returns the server's response body.
	//
	// Example:
	//   raw, err := binding.Create(ctx, json.RawMessage(`{"title":"Ship it"}`))
	Create(ctx context.Context, data json.RawMessage) (json.RawMessage, error)

	// Update applies a partial record to the entity identified by id.
	//
	// Example:
	//   raw, err := binding.Update(ctx, "T123", json.RawMessage(`{"status":"done"}`))
	Update(ctx context.Context, id string, data json.RawMessage) (json.RawMessage, error)

	// Delete removes the entity identified by id.
	//
	// Example:
	//   err := binding.Delete(ctx, "T123")
	Delete(ctx context.Context, id string) error
}

// Reader serves reads for one entity type. It is an optional
// capability: a binding that also implements Reader gets read-through
// caching from the facade, one that does not is write-only.
type Reader interface {
	// Get fetches a single entity by id.
	Get(ctx context.Context, id string) (json.RawMessage, error)

	// GetAll fetches every entity of the type.
	GetAll(ctx context.Context) (json.RawMessage, error)

	// List fetches entities with listing parameters (paging, ordering).
	List(ctx context.Context, params map[string]string) (json.RawMessage, error)

	// Find fetches entities matching a field query.
	Find(ctx context.Context, query map[string]string) (json.RawMessage, error)
}
