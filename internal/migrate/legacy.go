// Package migrate imports and exports the legacy persistence layout:
// two versionless JSON blobs, one holding the pending-operation array
// and one holding the cache map. The importer moves both into the
// versioned sqlite store; the exporter writes the same shapes back out
// for older clients.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/quiltworks/outpost/internal/op"
	"github.com/quiltworks/outpost/internal/store"
)

// LegacyOperation is the pending-operation shape of the legacy layout.
// Field names follow the original serialization, not this module's.
type LegacyOperation struct {
	ID            string          `json:"id"`
	EntityType    string          `json:"entityType"`
	OperationType string          `json:"operationType"`
	EntityID      string          `json:"entityId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	RetryCount    int             `json:"retryCount"`
}

// LegacyCacheEntry is one value of the legacy cache map.
type LegacyCacheEntry struct {
	Value    json.RawMessage `json:"value"`
	CachedAt time.Time       `json:"cachedAt"`
}

// Options contains configuration for the import
type Options struct {
	QueuePath string // Legacy pending-operation blob (optional)
	CachePath string // Legacy cache-map blob (optional)
	DryRun    bool   // Preview without writing
	Backup    bool   // Create timestamped backups of the blobs
}

// Result contains statistics about the import
type Result struct {
	OperationsImported int
	SnapshotsImported  int
	BackupsCreated     []string
	Errors             []string
}

// ReadQueueBlob parses a legacy pending-operation array.
func ReadQueueBlob(path string) ([]LegacyOperation, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue blob: %w", err)
	}

	var ops []LegacyOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("invalid queue blob: %w", err)
	}
	return ops, nil
}

// ReadCacheBlob parses a legacy cache map.
func ReadCacheBlob(path string) (map[string]LegacyCacheEntry, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache blob: %w", err)
	}

	var entries map[string]LegacyCacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("invalid cache blob: %w", err)
	}
	return entries, nil
}

// ToOperation converts a legacy entry to the store's operation shape.
// Entries without an id are assigned a fresh one; their log position is
// preserved by the insertion order of the surrounding import.
func ToOperation(legacy LegacyOperation) (op.Operation, error) {
	t := op.Type(legacy.OperationType)
	switch t {
	case op.TypeCreate, op.TypeUpdate, op.TypeDelete:
	default:
		return op.Operation{}, fmt.Errorf("unknown operation type %q", legacy.OperationType)
	}

	converted := op.Operation{
		ID:         legacy.ID,
		EntityType: legacy.EntityType,
		Type:       t,
		Payload: op.Payload{
			EntityID: legacy.EntityID,
			Data:     legacy.Data,
		},
		CreatedAt:  legacy.CreatedAt,
		RetryCount: legacy.RetryCount,
	}

	if converted.ID == "" {
		converted.ID = op.NewID()
	}
	if converted.CreatedAt.IsZero() {
		converted.CreatedAt = time.Now()
	}

	return converted, converted.Validate()
}

// FromOperation converts a store operation back to the legacy shape.
func FromOperation(o op.Operation) LegacyOperation {
	return LegacyOperation{
		ID:            o.ID,
		EntityType:    o.EntityType,
		OperationType: string(o.Type),
		EntityID:      o.Payload.EntityID,
		Data:          o.Payload.Data,
		CreatedAt:     o.CreatedAt,
		RetryCount:    o.RetryCount,
	}
}

// backup copies path to a timestamped sibling and returns the new path.
func backup(path string) (string, error) {
	input, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read input for backup: %w", err)
	}
	backupPath := path + ".backup." + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, input, 0600); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	return backupPath, nil
}

// Import moves the legacy blobs into st. At least one of QueuePath and
// CachePath must be set. A malformed entry is skipped and recorded in
// Result.Errors; a malformed blob aborts the import.
func Import(ctx context.Context, st *store.Store, opts Options) (*Result, error) {
	if opts.QueuePath == "" && opts.CachePath == "" {
		return nil, fmt.Errorf("nothing to import: no queue or cache path given")
	}

	result := &Result{}

	if opts.QueuePath != "" {
		if _, err := os.Stat(opts.QueuePath); err != nil {
			return nil, fmt.Errorf("queue blob does not exist: %w", err)
		}

		if opts.Backup && !opts.DryRun {
			backupPath, err := backup(opts.QueuePath)
			if err != nil {
				return nil, err
			}
			result.BackupsCreated = append(result.BackupsCreated, backupPath)
		}

		legacy, err := ReadQueueBlob(opts.QueuePath)
		if err != nil {
			return nil, err
		}

		// Insertion order preserves the legacy replay order.
		for i, entry := range legacy {
			converted, err := ToOperation(entry)
			if err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("skipping queue entry %d: %v", i, err))
				continue
			}

			if !opts.DryRun {
				if err := st.AppendOperationContext(ctx, converted); err != nil {
					result.Errors = append(result.Errors,
						fmt.Sprintf("failed to import operation %s: %v", converted.ID, err))
					continue
				}
			}
			result.OperationsImported++
		}
	}

	if opts.CachePath != "" {
		if _, err := os.Stat(opts.CachePath); err != nil {
			return nil, fmt.Errorf("cache blob does not exist: %w", err)
		}

		if opts.Backup && !opts.DryRun {
			backupPath, err := backup(opts.CachePath)
			if err != nil {
				return nil, err
			}
			result.BackupsCreated = append(result.BackupsCreated, backupPath)
		}

		entries, err := ReadCacheBlob(opts.CachePath)
		if err != nil {
			return nil, err
		}

		for key, entry := range entries {
			if key == "" {
				result.Errors = append(result.Errors, "skipping cache entry with empty key")
				continue
			}

			if !opts.DryRun {
				if err := st.PutSnapshotContext(ctx, key, entry.Value); err != nil {
					result.Errors = append(result.Errors,
						fmt.Sprintf("failed to import snapshot %s: %v", key, err))
					continue
				}
			}
			result.SnapshotsImported++
		}
	}

	return result, nil
}

// ExportQueue writes the operation log to path in the legacy array
// shape, atomically via a temp file.
func ExportQueue(ctx context.Context, st *store.Store, path string) (int, error) {
	ops, err := st.ListOperationsContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list operations: %w", err)
	}

	legacy := make([]LegacyOperation, 0, len(ops))
	for _, o := range ops {
		legacy = append(legacy, FromOperation(o))
	}

	if err := writeJSON(path, legacy); err != nil {
		return 0, err
	}
	return len(legacy), nil
}

// ExportCache writes the snapshot cache to path in the legacy map
// shape, atomically via a temp file.
func ExportCache(ctx context.Context, st *store.Store, path string) (int, error) {
	snaps, err := st.ListSnapshotsContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots: %w", err)
	}

	entries := make(map[string]LegacyCacheEntry, len(snaps))
	for _, snap := range snaps {
		entries[snap.Key] = LegacyCacheEntry{
			Value:    snap.Value,
			CachedAt: snap.CachedAt,
		}
	}

	if err := writeJSON(path, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func writeJSON(path string, v interface{}) error {
	// Marshal with indentation for readability
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
