package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quiltworks/outpost/internal/op"
	"github.com/quiltworks/outpost/internal/transport"
)

// Result is the normalized shape the facade hands back to callers.
type Result struct {
	// Data is the server's response body for a direct call, or the
	// cached body for a read served from the snapshot cache.
	Data json.RawMessage

	// Queued is true when the mutation was deferred instead of applied.
	// The result then carries no server state; OperationID identifies
	// the pending operation.
	Queued      bool
	OperationID string

	// Stale is true when a read was served from the snapshot cache
	// rather than the backend. CachedAt says when the value was stored.
	Stale    bool
	CachedAt time.Time
}

// Client is the transport-wrapping facade for one entity type. Every
// call decides between going direct, queueing, and serving from cache
// based on connectivity.
type Client struct {
	engine  *Engine
	entity  string
	mutator transport.Mutator
	reader  transport.Reader // nil when the binding is write-only
}

// Entity returns the facade for an entity type. The binding must
// already be registered; a missing binding fails here, not inside a
// later call.
func (e *Engine) Entity(name string) (*Client, error) {
	mutator, err := e.transports.Resolve(name)
	if err != nil {
		return nil, err
	}
	reader, _ := e.transports.Reader(name)

	return &Client{
		engine:  e,
		entity:  name,
		mutator: mutator,
		reader:  reader,
	}, nil
}

// Raw returns the registered binding itself, for callers that need
// capabilities beyond the typed create/update/delete and read surfaces.
// Calls through Raw are not intercepted: no queueing, no caching.
func (c *Client) Raw() transport.Mutator {
	return c.mutator
}

// Create inserts a new record.
//
// Offline, the call is queued and a synthetic acknowledgment returned;
// callers must not read server state from it. Online, a transport
// failure queues the operation for replay AND returns the original
// error, so callers' own failure handling still fires.
func (c *Client) Create(ctx context.Context, data json.RawMessage) (Result, error) {
	return c.mutate(ctx, op.TypeCreate, op.Payload{Data: data}, func() (json.RawMessage, error) {
		return c.mutator.Create(ctx, data)
	})
}

// Update applies a partial record to the entity identified by id.
// Offline and failure semantics match Create.
func (c *Client) Update(ctx context.Context, id string, data json.RawMessage) (Result, error) {
	return c.mutate(ctx, op.TypeUpdate, op.Payload{EntityID: id, Data: data}, func() (json.RawMessage, error) {
		return c.mutator.Update(ctx, id, data)
	})
}

// Delete removes the entity identified by id.
// Offline and failure semantics match Create.
func (c *Client) Delete(ctx context.Context, id string) (Result, error) {
	return c.mutate(ctx, op.TypeDelete, op.Payload{EntityID: id}, func() (json.RawMessage, error) {
		return nil, c.mutator.Delete(ctx, id)
	})
}

// mutate implements the shared mutation path: queue when offline,
// direct call when online, queue-and-rethrow on a direct failure.
func (c *Client) mutate(ctx context.Context, t op.Type, payload op.Payload, call func() (json.RawMessage, error)) (Result, error) {
	if !c.engine.IsOnline() {
		queued, err := c.engine.QueueChange(ctx, c.entity, t, payload)
		if err != nil {
			return Result{}, err
		}
		return Result{Queued: true, OperationID: queued.ID}, nil
	}

	data, callErr := call()
	if callErr == nil {
		return Result{Data: data}, nil
	}

	// Durability of intent: queue the mutation for replay, then
	// re-raise the original failure so the caller's optimistic-UI
	// logic is never silently skipped.
	if _, queueErr := c.engine.QueueChange(ctx, c.entity, t, payload); queueErr != nil {
		return Result{}, fmt.Errorf("transport call failed (%v) and queueing for retry also failed: %w", callErr, queueErr)
	}
	return Result{}, callErr
}

// Get fetches a single entity by id.
//
// Online, a successful read refreshes the snapshot cache; a failed one
// falls back to the cached value tagged stale. Offline, the cache is
// the only source; a miss returns ErrNoCachedData.
func (c *Client) Get(ctx context.Context, id string) (Result, error) {
	return c.read(ctx, cacheKey(c.entity, "get", id), func() (json.RawMessage, error) {
		return c.reader.Get(ctx, id)
	})
}

// GetAll fetches every entity of the type. Caching semantics match Get.
func (c *Client) GetAll(ctx context.Context) (Result, error) {
	return c.read(ctx, cacheKey(c.entity, "getAll", ""), func() (json.RawMessage, error) {
		return c.reader.GetAll(ctx)
	})
}

// List fetches entities with listing parameters. Caching semantics
// match Get; the cache key includes the canonicalized parameters.
func (c *Client) List(ctx context.Context, params map[string]string) (Result, error) {
	return c.read(ctx, cacheKey(c.entity, "list", canonicalArgs(params)), func() (json.RawMessage, error) {
		return c.reader.List(ctx, params)
	})
}

// Find fetches entities matching a field query. Caching semantics
// match List.
func (c *Client) Find(ctx context.Context, query map[string]string) (Result, error) {
	return c.read(ctx, cacheKey(c.entity, "find", canonicalArgs(query)), func() (json.RawMessage, error) {
		return c.reader.Find(ctx, query)
	})
}

// read implements the shared read path: read-through cache online,
// cache-only offline.
func (c *Client) read(ctx context.Context, key string, call func() (json.RawMessage, error)) (Result, error) {
	if c.reader == nil {
		return Result{}, fmt.Errorf("%w: entity type %s", transport.ErrNotReadable, c.entity)
	}

	if !c.engine.IsOnline() {
		return c.fromCache(ctx, key, fmt.Errorf("%w: %s", ErrNoCachedData, key))
	}

	data, callErr := call()
	if callErr == nil {
		// Cache write failures are logged, not raised: the caller has
		// the live result and the cache is best effort.
		if err := c.engine.store.PutSnapshotContext(ctx, key, data); err != nil {
			c.engine.logger.Printf("Warning: failed to cache %s: %v", key, err)
		}
		return Result{Data: data}, nil
	}

	return c.fromCache(ctx, key, callErr)
}

// fromCache serves a read from the snapshot cache, returning fallback
// when no snapshot exists.
func (c *Client) fromCache(ctx context.Context, key string, fallback error) (Result, error) {
	snap, err := c.engine.store.GetSnapshotContext(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if snap == nil {
		return Result{}, fallback
	}
	return Result{Data: snap.Value, Stale: true, CachedAt: snap.CachedAt}, nil
}

// cacheKey builds the composite query signature: entity type, read
// method, canonicalized arguments.
func cacheKey(entity, method, args string) string {
	if args == "" {
		return entity + ":" + method
	}
	return entity + ":" + method + ":" + args
}

// canonicalArgs renders a parameter map deterministically so that
// equal calls share one cache entry regardless of map iteration order.
func canonicalArgs(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return strings.Join(pairs, "&")
}
