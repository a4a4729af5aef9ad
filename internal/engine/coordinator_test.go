package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/quiltworks/outpost/internal/bus"
	"github.com/quiltworks/outpost/internal/op"
	"github.com/quiltworks/outpost/internal/transport"
)

// TestSync_SkipsWhileOffline tests the offline precondition
func TestSync_SkipsWhileOffline(t *testing.T) {
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": &fakeBinding{}})

	events, cancel := eng.Events().Subscribe(bus.KindSyncStarted, bus.KindSyncCompleted)
	defer cancel()

	report, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if report.Started {
		t.Error("Sync started while offline")
	}
	if report.Reason != SkipOffline {
		t.Errorf("Reason = %q, want %q", report.Reason, SkipOffline)
	}

	// A skipped request publishes nothing.
	select {
	case ev := <-events:
		t.Fatalf("unexpected event for skipped sync: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestSync_SkipsWithoutTransport tests the binding precondition
func TestSync_SkipsWithoutTransport(t *testing.T) {
	eng := newTestEngine(t, nil)
	eng.SetOnline(true)

	report, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if report.Started {
		t.Error("Sync started with no bindings registered")
	}
	if report.Reason != SkipNoTransport {
		t.Errorf("Reason = %q, want %q", report.Reason, SkipNoTransport)
	}
}

// TestSync_EmptyLog tests the no-op cycle: drained immediately with a
// successful zero-count completion event
func TestSync_EmptyLog(t *testing.T) {
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": &fakeBinding{}})
	eng.SetOnline(true)

	completions, cancel := eng.Events().Subscribe(bus.KindSyncCompleted)
	defer cancel()

	report, err := eng.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if !report.Started || !report.Drained {
		t.Errorf("report = %+v, want started and drained", report)
	}
	if report.Processed != 0 || report.Failed != 0 {
		t.Errorf("report counts = %d/%d, want 0/0", report.Processed, report.Failed)
	}

	ev := waitForEvent(t, completions)
	sc := ev.(bus.SyncCompleted)
	if !sc.Success || sc.Processed != 0 || sc.Failed != 0 {
		t.Errorf("SyncCompleted = %+v, want {Success:true Processed:0 Failed:0}", sc)
	}
}

// TestSync_CorruptOnlyLogDrains tests that a log holding nothing but
// undecodable rows drains rather than reporting pending work forever
func TestSync_CorruptOnlyLogDrains(t *testing.T) {
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": &fakeBinding{}})
	eng.SetOnline(true)
	ctx := context.Background()

	// A row with an unknown operation type, written behind the engine's
	// back so it cannot decode on replay.
	_, err := eng.Store().RawDB().Exec(`
		INSERT INTO pending_operations (id, entity_type, operation_type, payload, created_at, retry_count)
		VALUES ('stuck', 'tasks', 'merge', '{}', '2026-01-01T00:00:00Z', 0)
	`)
	if err != nil {
		t.Fatalf("failed to insert malformed row: %v", err)
	}
	mustPendingCount(t, eng, 1)

	report, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if !report.Started || !report.Drained {
		t.Errorf("report = %+v, want started and drained", report)
	}

	// The row is purged, so the fallback ticker has nothing to chew on.
	mustPendingCount(t, eng, 0)
	pending, err := eng.HasPending(ctx)
	if err != nil {
		t.Fatalf("HasPending() failed: %v", err)
	}
	if pending {
		t.Error("HasPending() = true after draining a corrupt-only log")
	}
}

// TestSync_FIFOOrder tests that a cycle applies operations strictly in
// insertion order, across entity types
func TestSync_FIFOOrder(t *testing.T) {
	binding := &fakeBinding{}
	eng := newTestEngine(t, map[string]transport.Mutator{
		"tasks":    binding,
		"projects": binding,
	})
	ctx := context.Background()

	inserts := []struct {
		entity  string
		typ     op.Type
		payload op.Payload
	}{
		{"tasks", op.TypeCreate, op.Payload{Data: json.RawMessage(`{"title":"A"}`)}},
		{"projects", op.TypeUpdate, op.Payload{EntityID: "P1", Data: json.RawMessage(`{"name":"B"}`)}},
		{"tasks", op.TypeDelete, op.Payload{EntityID: "T3"}},
	}
	for _, in := range inserts {
		if _, err := eng.QueueChange(ctx, in.entity, in.typ, in.payload); err != nil {
			t.Fatalf("QueueChange() failed: %v", err)
		}
	}

	eng.SetOnline(true)
	report, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if !report.Drained || report.Processed != 3 {
		t.Fatalf("report = %+v, want drained with 3 processed", report)
	}

	want := []string{`create {"title":"A"}`, "update P1", "delete T3"}
	calls := binding.Calls()
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

// TestSync_RetryBound tests that an always-failing operation survives
// exactly MaxRetries cycles and is then dropped with an OperationFailed
// event carrying the final retry count
func TestSync_RetryBound(t *testing.T) {
	binding := &fakeBinding{
		deleteFn: func(ctx context.Context, id string) error { return failErr },
	}
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": binding})
	ctx := context.Background()

	if _, err := eng.QueueChange(ctx, "tasks", op.TypeDelete, op.Payload{EntityID: "T1"}); err != nil {
		t.Fatalf("QueueChange() failed: %v", err)
	}
	eng.SetOnline(true)

	failures, cancel := eng.Events().Subscribe(bus.KindOperationFailed)
	defer cancel()

	for cycle := 1; cycle <= DefaultMaxRetries; cycle++ {
		report, err := eng.Sync(ctx)
		if err != nil {
			t.Fatalf("Sync() cycle %d failed: %v", cycle, err)
		}
		if report.Processed != 0 || report.Failed != 1 {
			t.Fatalf("cycle %d report = %+v, want 0 processed / 1 failed", cycle, report)
		}

		if cycle < DefaultMaxRetries {
			ops, err := eng.Store().ListOperations()
			if err != nil {
				t.Fatalf("ListOperations() failed: %v", err)
			}
			if len(ops) != 1 {
				t.Fatalf("cycle %d: log has %d entries, want 1", cycle, len(ops))
			}
			if ops[0].RetryCount != cycle {
				t.Errorf("cycle %d: RetryCount = %d, want %d", cycle, ops[0].RetryCount, cycle)
			}
			if report.Drained {
				t.Errorf("cycle %d: Drained = true with a retained entry", cycle)
			}
		}
	}

	// Dropped permanently after the final cycle.
	mustPendingCount(t, eng, 0)

	ev := waitForEvent(t, failures)
	of, ok := ev.(bus.OperationFailed)
	if !ok {
		t.Fatalf("event type = %T, want OperationFailed", ev)
	}
	if of.Operation.RetryCount != DefaultMaxRetries {
		t.Errorf("OperationFailed RetryCount = %d, want %d", of.Operation.RetryCount, DefaultMaxRetries)
	}
	if of.Err == "" {
		t.Error("OperationFailed.Err is empty")
	}

	if got := len(binding.Calls()); got != DefaultMaxRetries {
		t.Errorf("transport invoked %d times, want %d", got, DefaultMaxRetries)
	}
}

// TestSync_OneFailureDoesNotAbortBatch tests per-operation failure
// isolation inside a cycle
func TestSync_OneFailureDoesNotAbortBatch(t *testing.T) {
	binding := &fakeBinding{
		deleteFn: func(ctx context.Context, id string) error {
			if id == "BAD" {
				return failErr
			}
			return nil
		},
	}
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": binding})
	ctx := context.Background()

	for _, id := range []string{"A", "BAD", "C"} {
		if _, err := eng.QueueChange(ctx, "tasks", op.TypeDelete, op.Payload{EntityID: id}); err != nil {
			t.Fatalf("QueueChange() failed: %v", err)
		}
	}
	eng.SetOnline(true)

	report, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if report.Processed != 2 || report.Failed != 1 {
		t.Errorf("report = %+v, want 2 processed / 1 failed", report)
	}
	if report.Drained {
		t.Error("Drained = true with a retained entry")
	}

	calls := binding.Calls()
	want := []string{"delete A", "delete BAD", "delete C"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}

	ops, err := eng.Store().ListOperations()
	if err != nil {
		t.Fatalf("ListOperations() failed: %v", err)
	}
	if len(ops) != 1 || ops[0].Payload.EntityID != "BAD" {
		t.Errorf("surviving log = %v, want only BAD", ops)
	}
}

// TestSync_MutualExclusion tests that a replay request made while a
// cycle is in flight is dropped, not deferred, and double-invokes
// nothing
func TestSync_MutualExclusion(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	binding := &fakeBinding{
		deleteFn: func(ctx context.Context, id string) error {
			close(entered)
			<-release
			return nil
		},
	}
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": binding})
	ctx := context.Background()

	if _, err := eng.QueueChange(ctx, "tasks", op.TypeDelete, op.Payload{EntityID: "T1"}); err != nil {
		t.Fatalf("QueueChange() failed: %v", err)
	}
	eng.SetOnline(true)

	firstDone := make(chan *SyncReport, 1)
	go func() {
		report, err := eng.Sync(ctx)
		if err != nil {
			t.Errorf("first Sync() failed: %v", err)
		}
		firstDone <- report
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never reached the transport")
	}

	second, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync() failed: %v", err)
	}
	if second.Started {
		t.Error("overlapping Sync started a second cycle")
	}
	if second.Reason != SkipBusy {
		t.Errorf("Reason = %q, want %q", second.Reason, SkipBusy)
	}

	close(release)
	first := <-firstDone
	if first == nil || !first.Started || first.Processed != 1 {
		t.Errorf("first report = %+v, want started with 1 processed", first)
	}

	if got := len(binding.Calls()); got != 1 {
		t.Errorf("transport invoked %d times, want 1", got)
	}
}

// TestSync_RetryClassifier tests the opt-in permanent-failure hook:
// a failure classified as not retryable is dropped on first attempt
func TestSync_RetryClassifier(t *testing.T) {
	binding := &fakeBinding{
		deleteFn: func(ctx context.Context, id string) error { return failErr },
	}
	reg := transport.NewRegistry()
	if err := reg.Register("tasks", binding); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.StorePath = t.TempDir() + "/outpost.db"
	cfg.Transports = reg
	cfg.RetryClassifier = func(err error) bool { return false }

	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer eng.Close()

	ctx := context.Background()
	if _, err := eng.QueueChange(ctx, "tasks", op.TypeDelete, op.Payload{EntityID: "T1"}); err != nil {
		t.Fatalf("QueueChange() failed: %v", err)
	}
	eng.SetOnline(true)

	failures, cancel := eng.Events().Subscribe(bus.KindOperationFailed)
	defer cancel()

	report, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if report.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Failed)
	}
	mustPendingCount(t, eng, 0)

	ev := waitForEvent(t, failures)
	if of := ev.(bus.OperationFailed); of.Operation.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1 (dropped on first failure)", of.Operation.RetryCount)
	}
}

// TestSync_RecordsLastReport tests that Stats reflects the latest cycle
func TestSync_RecordsLastReport(t *testing.T) {
	eng := newTestEngine(t, map[string]transport.Mutator{"tasks": &fakeBinding{}})
	eng.SetOnline(true)
	ctx := context.Background()

	if _, err := eng.Sync(ctx); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.LastSync == nil || !stats.LastSync.Drained {
		t.Errorf("LastSync = %+v, want a drained report", stats.LastSync)
	}
	if stats.LastSyncAt.IsZero() {
		t.Error("LastSyncAt not set")
	}
}
