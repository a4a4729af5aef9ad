// Package op defines the pending-operation data model for the offline
// mutation queue. A pending operation is a durable description of a
// mutation that could not be applied immediately and will be replayed
// against the backend later.
package op

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type identifies the kind of mutation a pending operation replays.
type Type string

const (
	// TypeCreate inserts a new record of the entity type.
	TypeCreate Type = "create"
	// TypeUpdate applies a partial record to an existing entity.
	TypeUpdate Type = "update"
	// TypeDelete removes an existing entity.
	TypeDelete Type = "delete"
)

// Valid reports whether t is one of the known mutation types.
func (t Type) Valid() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete:
		return true
	default:
		return false
	}
}

// ParseType converts a stored string into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown operation type: %q", s)
	}
	return t, nil
}

// Payload carries the data needed to reconstruct the deferred call.
// Depending on the operation type it holds a full record, an id plus a
// partial record, or an id alone.
type Payload struct {
	// EntityID identifies the target record for update and delete calls.
	EntityID string `json:"entity_id,omitempty"`
	// Data is the record body for create, or the partial record for update.
	// It is opaque to the queue and handed to the transport unchanged.
	Data json.RawMessage `json:"data,omitempty"`
}

// Operation is the unit of deferred work held in the operation log.
// Operations are value types with no back-references to their owners.
type Operation struct {
	// ===== Identity =====
	ID string `json:"id"`

	// ===== Target =====
	EntityType string `json:"entity_type"` // tasks, projects, comments, ...
	Type       Type   `json:"operation_type"`

	// ===== Call Data =====
	Payload Payload `json:"payload"`

	// ===== Bookkeeping =====
	CreatedAt  time.Time `json:"created_at"`  // FIFO tie-breaking and diagnostics only
	RetryCount int       `json:"retry_count"` // failed replay attempts so far
}

// New builds an operation with a fresh id and the current timestamp.
// RetryCount starts at zero; it only ever increases.
func New(entityType string, t Type, payload Payload) Operation {
	return Operation{
		ID:         NewID(),
		EntityType: entityType,
		Type:       t,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
}

// NewID returns a new unique operation id. ULIDs are used so that ids
// sort in creation order, which keeps diagnostic output aligned with
// the replay order of the log.
func NewID() string {
	return ulid.Make().String()
}

// Validate checks that the operation is well formed enough to replay.
func (o *Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("id is required")
	}
	if o.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if !o.Type.Valid() {
		return fmt.Errorf("invalid operation type: %q", o.Type)
	}
	switch o.Type {
	case TypeCreate:
		if len(o.Payload.Data) == 0 {
			return fmt.Errorf("create requires payload data")
		}
	case TypeUpdate:
		if o.Payload.EntityID == "" {
			return fmt.Errorf("update requires an entity id")
		}
		if len(o.Payload.Data) == 0 {
			return fmt.Errorf("update requires payload data")
		}
	case TypeDelete:
		if o.Payload.EntityID == "" {
			return fmt.Errorf("delete requires an entity id")
		}
	}
	if o.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if o.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative (got %d)", o.RetryCount)
	}
	return nil
}

// String returns a compact description for logs and queue listings,
// e.g. "update tasks/T123 (retries 2)".
func (o *Operation) String() string {
	target := o.EntityType
	if o.Payload.EntityID != "" {
		target = o.EntityType + "/" + o.Payload.EntityID
	}
	if o.RetryCount > 0 {
		return fmt.Sprintf("%s %s (retries %d)", o.Type, target, o.RetryCount)
	}
	return fmt.Sprintf("%s %s", o.Type, target)
}
