package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/quiltworks/outpost/internal/transport"
)

// TestEntity_UnknownBinding tests fail-fast facade construction
func TestEntity_UnknownBinding(t *testing.T) {
	eng := newTestEngine(t, nil)
	if _, err := eng.Entity("tasks"); !errors.Is(err, transport.ErrNotRegistered) {
		t.Fatalf("Entity() = %v, want ErrNotRegistered", err)
	}
}

// TestMutation_OnlineSuccess tests the direct path: the server result
// is returned unchanged and nothing is queued
func TestMutation_OnlineSuccess(t *testing.T) {
	binding := &fakeBinding{
		createFn: func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"id":"T77"}`), nil
		},
	}
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": binding})
	eng.SetOnline(true)

	tasks, err := eng.Entity("tasks")
	if err != nil {
		t.Fatalf("Entity() failed: %v", err)
	}

	res, err := tasks.Create(context.Background(), json.RawMessage(`{"title":"hi"}`))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if res.Queued {
		t.Error("Result.Queued = true for a direct call")
	}
	if string(res.Data) != `{"id":"T77"}` {
		t.Errorf("Result.Data = %s, want server body", res.Data)
	}
	mustPendingCount(t, eng, 0)
}

// TestMutation_OfflineQueues tests the synthetic acknowledgment
func TestMutation_OfflineQueues(t *testing.T) {
	binding := &fakeBinding{}
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": binding})

	tasks, err := eng.Entity("tasks")
	if err != nil {
		t.Fatalf("Entity() failed: %v", err)
	}

	res, err := tasks.Update(context.Background(), "T5", json.RawMessage(`{"status":"done"}`))
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if !res.Queued || res.OperationID == "" {
		t.Errorf("Result = %+v, want queued with an operation id", res)
	}
	if res.Data != nil {
		t.Error("synthetic acknowledgment carries server data")
	}
	if len(binding.Calls()) != 0 {
		t.Errorf("transport invoked while offline: %v", binding.Calls())
	}
	mustPendingCount(t, eng, 1)
}

// TestMutation_QueueAndRethrow tests the dual contract: an online
// failure both appends a pending operation and returns the original
// error
func TestMutation_QueueAndRethrow(t *testing.T) {
	binding := &fakeBinding{
		deleteFn: func(ctx context.Context, id string) error { return failErr },
	}
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": binding})
	eng.SetOnline(true)

	tasks, err := eng.Entity("tasks")
	if err != nil {
		t.Fatalf("Entity() failed: %v", err)
	}

	_, err = tasks.Delete(context.Background(), "T123")
	if !errors.Is(err, failErr) {
		t.Fatalf("Delete() = %v, want the original transport error", err)
	}
	mustPendingCount(t, eng, 1)

	ops, err := eng.Store().ListOperations()
	if err != nil {
		t.Fatalf("ListOperations() failed: %v", err)
	}
	if ops[0].Payload.EntityID != "T123" {
		t.Errorf("queued EntityID = %q, want T123", ops[0].Payload.EntityID)
	}
}

// TestRead_OnlineCaches tests the read-through path
func TestRead_OnlineCaches(t *testing.T) {
	binding := &fakeBinding{
		getFn: func(ctx context.Context, id string) (json.RawMessage, error) {
			return json.RawMessage(`{"id":"K","v":1}`), nil
		},
	}
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": binding})
	eng.SetOnline(true)
	ctx := context.Background()

	tasks, err := eng.Entity("tasks")
	if err != nil {
		t.Fatalf("Entity() failed: %v", err)
	}

	res, err := tasks.Get(ctx, "K")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if res.Stale {
		t.Error("live read tagged stale")
	}

	snap, err := eng.Store().GetSnapshot("tasks:get:K")
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	if snap == nil {
		t.Fatal("successful read was not cached")
	}
	if string(snap.Value) != `{"id":"K","v":1}` {
		t.Errorf("cached value = %s, want the response body", snap.Value)
	}
}

// TestRead_FallsBackToCacheOnFailure tests that a prior cached value is
// served, tagged stale, when the transport throws
func TestRead_FallsBackToCacheOnFailure(t *testing.T) {
	healthy := true
	binding := &fakeBinding{
		getFn: func(ctx context.Context, id string) (json.RawMessage, error) {
			if !healthy {
				return nil, failErr
			}
			return json.RawMessage(`{"v":"V"}`), nil
		},
	}
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": binding})
	eng.SetOnline(true)
	ctx := context.Background()

	tasks, err := eng.Entity("tasks")
	if err != nil {
		t.Fatalf("Entity() failed: %v", err)
	}

	if _, err := tasks.Get(ctx, "K"); err != nil {
		t.Fatalf("priming Get() failed: %v", err)
	}

	healthy = false
	res, err := tasks.Get(ctx, "K")
	if err != nil {
		t.Fatalf("Get() with failing transport = %v, want cached fallback", err)
	}
	if !res.Stale {
		t.Error("fallback read not tagged stale")
	}
	if string(res.Data) != `{"v":"V"}` {
		t.Errorf("fallback Data = %s, want cached V", res.Data)
	}
	if res.CachedAt.IsZero() {
		t.Error("fallback CachedAt not set")
	}
}

// TestRead_FailureWithoutCache tests that the original transport error
// surfaces when nothing is cached
func TestRead_FailureWithoutCache(t *testing.T) {
	binding := &fakeBinding{
		getFn: func(ctx context.Context, id string) (json.RawMessage, error) {
			return nil, failErr
		},
	}
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": binding})
	eng.SetOnline(true)

	tasks, err := eng.Entity("tasks")
	if err != nil {
		t.Fatalf("Entity() failed: %v", err)
	}

	if _, err := tasks.Get(context.Background(), "K"); !errors.Is(err, failErr) {
		t.Fatalf("Get() = %v, want the original transport error", err)
	}
}

// TestRead_OfflineHit tests cache-only serving while offline
func TestRead_OfflineHit(t *testing.T) {
	binding := &fakeBinding{}
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": binding})
	ctx := context.Background()

	// Prime while online, then drop.
	eng.SetOnline(true)
	tasks, err := eng.Entity("tasks")
	if err != nil {
		t.Fatalf("Entity() failed: %v", err)
	}
	if _, err := tasks.GetAll(ctx); err != nil {
		t.Fatalf("priming GetAll() failed: %v", err)
	}
	eng.SetOnline(false)

	res, err := tasks.GetAll(ctx)
	if err != nil {
		t.Fatalf("offline GetAll() = %v, want cached value", err)
	}
	if !res.Stale {
		t.Error("offline read not tagged stale")
	}

	// The transport was only reached once, while online.
	if got := len(binding.Calls()); got != 1 {
		t.Errorf("transport invoked %d times, want 1", got)
	}
}

// TestRead_OfflineMiss tests the explicit no-cached-data failure
func TestRead_OfflineMiss(t *testing.T) {
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": &fakeBinding{}})

	tasks, err := eng.Entity("tasks")
	if err != nil {
		t.Fatalf("Entity() failed: %v", err)
	}

	_, err = tasks.Get(context.Background(), "NEVER")
	if !errors.Is(err, ErrNoCachedData) {
		t.Fatalf("offline Get() = %v, want ErrNoCachedData", err)
	}
	if !IsOfflineMiss(err) {
		t.Error("IsOfflineMiss() = false for ErrNoCachedData")
	}
}

// TestRead_WriteOnlyBinding tests that reads fail fast for bindings
// without Reader capability
func TestRead_WriteOnlyBinding(t *testing.T) {
	eng := newTestEngine(t, map[string]transport.Mutator{"audit": writeOnlyBinding{}})
	eng.SetOnline(true)

	audit, err := eng.Entity("audit")
	if err != nil {
		t.Fatalf("Entity() failed: %v", err)
	}

	if _, err := audit.GetAll(context.Background()); !errors.Is(err, transport.ErrNotReadable) {
		t.Fatalf("GetAll() = %v, want ErrNotReadable", err)
	}
}

// TestCacheKey_CanonicalArgs tests that equal parameter maps share one
// cache entry regardless of construction order
func TestCacheKey_CanonicalArgs(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
		want   string
	}{
		{"empty", nil, "tasks:list"},
		{"single", map[string]string{"page": "2"}, "tasks:list:page=2"},
		{"sorted", map[string]string{"sort": "asc", "page": "2"}, "tasks:list:page=2&sort=asc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cacheKey("tasks", "list", canonicalArgs(tt.params))
			if got != tt.want {
				t.Errorf("cacheKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestRaw_BypassesInterception tests the pass-through escape hatch
func TestRaw_BypassesInterception(t *testing.T) {
	binding := &fakeBinding{}
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": binding})

	tasks, err := eng.Entity("tasks")
	if err != nil {
		t.Fatalf("Entity() failed: %v", err)
	}

	// Offline, yet Raw reaches the binding directly: no queueing.
	if _, err := tasks.Raw().Create(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Raw().Create() failed: %v", err)
	}
	mustPendingCount(t, eng, 0)
	if got := len(binding.Calls()); got != 1 {
		t.Errorf("transport invoked %d times, want 1", got)
	}
}
