// Package store provides the durable SQLite store behind the offline
// engine: the pending-operation log and the snapshot cache.
//
// The database runs embedded with WAL mode so concurrent readers (for
// example a status command inspecting the queue of a running daemon)
// are safe. Writers are not coordinated across processes: exactly one
// engine instance may own a store path at a time. Two instances
// draining the same log concurrently can double-apply operations.
//
// Layout:
//   - pending_operations: FIFO log of deferred mutations (ordered by seq)
//   - snapshot_cache: last successful response per query signature
//   - meta: schema_version and other bookkeeping
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quiltworks/outpost/internal/op"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// CurrentSchemaVersion is the on-disk schema version this package writes.
//
// Version history:
//   - 1: initial layout (pending_operations, snapshot_cache, meta). The
//     legacy browser layout had no version field at all; imports of that
//     layout are handled by internal/migrate.
const CurrentSchemaVersion = 1

const schemaVersionKey = "schema_version"

// Store wraps the SQLite connection holding the operation log and the
// snapshot cache.
type Store struct {
	conn *sql.DB
	path string

	mu              sync.Mutex
	corruptOps      int64
	maxCacheEntries int
}

// Snapshot is one cached read result.
type Snapshot struct {
	Key      string
	Value    json.RawMessage
	CachedAt time.Time
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads
// and the schema is created if missing. The caller MUST call Close()
// when done.
//
// Example:
//
//	st, err := store.Open(".outpost/outpost.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, err
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
// Useful for pool tuning in load tests and for integrating with other
// libraries that expect *sql.DB.
func (st *Store) RawDB() *sql.DB {
	return st.conn
}

// Path returns the filesystem path the store was opened with.
func (st *Store) Path() string {
	return st.path
}

// SetMaxCacheEntries bounds the snapshot cache to n entries, pruning the
// oldest on write. Zero (the default) keeps the cache unbounded.
func (st *Store) SetMaxCacheEntries(n int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.maxCacheEntries = n
}

// Close closes the store connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (st *Store) Close() error {
	if st.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := st.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := st.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	st.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist and verifies the
// on-disk schema version. Idempotent.
func (st *Store) InitSchema() error {
	return st.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (st *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_operations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS snapshot_cache (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,  -- JSON
		cached_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_entity ON pending_operations(entity_type);
	CREATE INDEX IF NOT EXISTS idx_snapshot_cached ON snapshot_cache(cached_at);
	`

	if _, err := st.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return st.ensureSchemaVersion(ctx)
}

// ensureSchemaVersion stamps a fresh store with the current version and
// refuses to open a store written by a newer version of this package.
func (st *Store) ensureSchemaVersion(ctx context.Context) error {
	var raw string
	err := st.conn.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = ?", schemaVersionKey).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		_, err = st.conn.ExecContext(ctx,
			"INSERT INTO meta (key, value) VALUES (?, ?)",
			schemaVersionKey, fmt.Sprintf("%d", CurrentSchemaVersion))
		if err != nil {
			return fmt.Errorf("failed to stamp schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	var version int
	if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
		return fmt.Errorf("malformed schema version %q: %w", raw, err)
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported version %d", version, CurrentSchemaVersion)
	}
	return nil
}

// SchemaVersion returns the on-disk schema version.
func (st *Store) SchemaVersion() (int, error) {
	return st.SchemaVersionContext(context.Background())
}

// SchemaVersionContext returns the schema version with context support.
func (st *Store) SchemaVersionContext(ctx context.Context) (int, error) {
	var raw string
	err := st.conn.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = ?", schemaVersionKey).Scan(&raw)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	var version int
	if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
		return 0, fmt.Errorf("malformed schema version %q: %w", raw, err)
	}
	return version, nil
}

// AppendOperation adds an operation to the tail of the log.
//
// A persistence failure propagates to the caller; the log is the only
// record of deferred work, so failures here must never be swallowed.
func (st *Store) AppendOperation(o op.Operation) error {
	return st.AppendOperationContext(context.Background(), o)
}

// AppendOperationContext adds an operation with context support.
func (st *Store) AppendOperationContext(ctx context.Context, o op.Operation) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}

	payloadJSON, err := json.Marshal(o.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
	INSERT INTO pending_operations (id, entity_type, operation_type, payload, created_at, retry_count)
	VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = st.conn.ExecContext(ctx, query,
		o.ID,
		o.EntityType,
		string(o.Type),
		string(payloadJSON),
		o.CreatedAt.Format(time.RFC3339),
		o.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to append operation %s: %w", o.ID, err)
	}

	return nil
}

// ListOperations returns all pending operations in insertion order.
//
// Rows that cannot be decoded are skipped rather than aborting the
// read: the engine keeps draining what it can. Skipped rows are
// counted (see CorruptOperations), logged, and purged from the log so
// a broken row cannot keep the queue reporting pending work forever.
func (st *Store) ListOperations() ([]op.Operation, error) {
	return st.ListOperationsContext(context.Background())
}

// ListOperationsContext returns pending operations with context support.
func (st *Store) ListOperationsContext(ctx context.Context) ([]op.Operation, error) {
	query := `
	SELECT id, entity_type, operation_type, payload, created_at, retry_count
	FROM pending_operations
	ORDER BY seq ASC
	`

	rows, err := st.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending operations: %w", err)
	}

	ops, corruptIDs, err := st.scanOperations(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if len(corruptIDs) > 0 {
		if err := st.RemoveOperationsContext(ctx, corruptIDs); err != nil {
			return nil, fmt.Errorf("failed to purge malformed operations: %w", err)
		}
	}

	return ops, nil
}

// scanOperations scans log rows, skipping and counting malformed ones.
// The ids of the malformed rows are returned for purging.
func (st *Store) scanOperations(rows *sql.Rows) ([]op.Operation, []string, error) {
	var (
		ops        []op.Operation
		corruptIDs []string
	)

	for rows.Next() {
		var (
			o           op.Operation
			typeStr     string
			payloadJSON string
			createdAt   string
		)

		err := rows.Scan(&o.ID, &o.EntityType, &typeStr, &payloadJSON, &createdAt, &o.RetryCount)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan operation: %w", err)
		}

		typ, err := op.ParseType(typeStr)
		if err != nil {
			st.recordCorrupt(o.ID, err)
			corruptIDs = append(corruptIDs, o.ID)
			continue
		}
		o.Type = typ

		if err := json.Unmarshal([]byte(payloadJSON), &o.Payload); err != nil {
			st.recordCorrupt(o.ID, err)
			corruptIDs = append(corruptIDs, o.ID)
			continue
		}

		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			o.CreatedAt = t
		}

		ops = append(ops, o)
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, corruptIDs, nil
}

func (st *Store) recordCorrupt(id string, err error) {
	st.mu.Lock()
	st.corruptOps++
	st.mu.Unlock()
	fmt.Fprintf(os.Stderr, "Warning: dropping malformed pending operation %s: %v\n", id, err)
}

// CorruptOperations returns how many malformed log rows have been
// skipped since the store was opened.
func (st *Store) CorruptOperations() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.corruptOps
}

// CountOperations returns the number of pending operations.
func (st *Store) CountOperations() (int, error) {
	return st.CountOperationsContext(context.Background())
}

// CountOperationsContext returns the pending count with context support.
func (st *Store) CountOperationsContext(ctx context.Context) (int, error) {
	var count int
	err := st.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_operations").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

// RemoveOperations deletes the operations with the given ids.
// Unknown ids are ignored (idempotent).
func (st *Store) RemoveOperations(ids []string) error {
	return st.RemoveOperationsContext(context.Background(), ids)
}

// RemoveOperationsContext deletes operations with context support.
func (st *Store) RemoveOperationsContext(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := "DELETE FROM pending_operations WHERE id IN (" + placeholders + ")"

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := st.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to remove operations: %w", err)
	}
	return nil
}

// CommitCycle persists the outcome of one sync cycle in a single
// transaction: successfully applied and retry-exhausted operations are
// removed, surviving operations keep their log position with an updated
// retry count. The resulting log is the previous log minus succeeded
// minus dropped.
func (st *Store) CommitCycle(removedIDs []string, retried []op.Operation) error {
	return st.CommitCycleContext(context.Background(), removedIDs, retried)
}

// CommitCycleContext persists a cycle outcome with context support.
func (st *Store) CommitCycleContext(ctx context.Context, removedIDs []string, retried []op.Operation) error {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(removedIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(removedIDs)), ", ")
		query := "DELETE FROM pending_operations WHERE id IN (" + placeholders + ")"

		args := make([]interface{}, len(removedIDs))
		for i, id := range removedIDs {
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to remove processed operations: %w", err)
		}
	}

	for _, o := range retried {
		if _, err := tx.ExecContext(ctx,
			"UPDATE pending_operations SET retry_count = ? WHERE id = ?",
			o.RetryCount, o.ID); err != nil {
			return fmt.Errorf("failed to update retry count for %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cycle: %w", err)
	}
	return nil
}

// PutSnapshot stores a cached read result, unconditionally overwriting
// any previous value for the key.
func (st *Store) PutSnapshot(key string, value json.RawMessage) error {
	return st.PutSnapshotContext(context.Background(), key, value)
}

// PutSnapshotContext stores a cached read result with context support.
func (st *Store) PutSnapshotContext(ctx context.Context, key string, value json.RawMessage) error {
	if key == "" {
		return fmt.Errorf("snapshot key is required")
	}

	query := `
	INSERT INTO snapshot_cache (key, value, cached_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		cached_at = excluded.cached_at
	`

	_, err := st.conn.ExecContext(ctx, query, key, string(value), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to put snapshot %s: %w", key, err)
	}

	st.mu.Lock()
	limit := st.maxCacheEntries
	st.mu.Unlock()
	if limit > 0 {
		return st.pruneSnapshots(ctx, limit)
	}
	return nil
}

// pruneSnapshots drops the oldest entries beyond the configured bound.
// rowid breaks cached_at ties in favor of later inserts.
func (st *Store) pruneSnapshots(ctx context.Context, limit int) error {
	query := `
	DELETE FROM snapshot_cache WHERE key NOT IN (
		SELECT key FROM snapshot_cache ORDER BY cached_at DESC, rowid DESC LIMIT ?
	)
	`
	if _, err := st.conn.ExecContext(ctx, query, limit); err != nil {
		return fmt.Errorf("failed to prune snapshot cache: %w", err)
	}
	return nil
}

// GetSnapshot returns the cached value for key, or nil, nil if no
// snapshot exists. A cache miss is an expected condition, not an error.
func (st *Store) GetSnapshot(key string) (*Snapshot, error) {
	return st.GetSnapshotContext(context.Background(), key)
}

// GetSnapshotContext returns a cached value with context support.
func (st *Store) GetSnapshotContext(ctx context.Context, key string) (*Snapshot, error) {
	var (
		value    string
		cachedAt string
	)
	err := st.conn.QueryRowContext(ctx,
		"SELECT value, cached_at FROM snapshot_cache WHERE key = ?", key).Scan(&value, &cachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", key, err)
	}

	snap := &Snapshot{
		Key:   key,
		Value: json.RawMessage(value),
	}
	if t, err := time.Parse(time.RFC3339, cachedAt); err == nil {
		snap.CachedAt = t
	}
	return snap, nil
}

// ListSnapshots returns all cached entries ordered by key.
// Used by queue export and diagnostics.
func (st *Store) ListSnapshots() ([]Snapshot, error) {
	return st.ListSnapshotsContext(context.Background())
}

// ListSnapshotsContext returns all cached entries with context support.
func (st *Store) ListSnapshotsContext(ctx context.Context) ([]Snapshot, error) {
	rows, err := st.conn.QueryContext(ctx,
		"SELECT key, value, cached_at FROM snapshot_cache ORDER BY key ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var (
			snap     Snapshot
			value    string
			cachedAt string
		)
		if err := rows.Scan(&snap.Key, &value, &cachedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap.Value = json.RawMessage(value)
		if t, err := time.Parse(time.RFC3339, cachedAt); err == nil {
			snap.CachedAt = t
		}
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snaps, nil
}

// CountSnapshots returns the number of cached entries.
func (st *Store) CountSnapshots() (int, error) {
	return st.CountSnapshotsContext(context.Background())
}

// CountSnapshotsContext returns the snapshot count with context support.
func (st *Store) CountSnapshotsContext(ctx context.Context) (int, error) {
	var count int
	err := st.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshot_cache").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}

// ClearAll wipes both the operation log and the snapshot cache.
// Used for logout and reset flows. The schema version is retained.
func (st *Store) ClearAll() error {
	return st.ClearAllContext(context.Background())
}

// ClearAllContext wipes the store with context support.
func (st *Store) ClearAllContext(ctx context.Context) error {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_operations"); err != nil {
		return fmt.Errorf("failed to clear pending operations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshot_cache"); err != nil {
		return fmt.Errorf("failed to clear snapshot cache: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}
	return nil
}
