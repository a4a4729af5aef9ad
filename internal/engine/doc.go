// Package engine provides the offline mutation queue and sync engine.
//
// Overview
//
// The engine lets a client keep mutating backend entities while
// disconnected. Mutations that cannot or should not be applied
// immediately are appended to a durable operation log and replayed
// later, in insertion order, with bounded retries.
//
// Architecture
//
// Callers go through the transport facade, which decides per call
// whether to go direct, queue, or serve from cache:
//
//	Caller (UI, CLI, embedder)
//	     ↓
//	Engine.Entity("tasks")            facade: direct / queue / cache
//	     ↓                 ↘
//	transport.Registry      store (SQLite)
//	(per-entity bindings)   ├── pending_operations   FIFO log
//	     ↑                  └── snapshot_cache       last reads
//	Sync Coordinator  ←──  connectivity.Monitor + fallback ticker
//	     ↓
//	bus: SyncStarted / SyncCompleted / OperationFailed
//
// Usage
//
// Basic usage:
//
//	reg := transport.NewRegistry()
//	if err := reg.Register("tasks", taskBinding); err != nil {
//	    return err
//	}
//
//	cfg := engine.DefaultConfig()
//	cfg.StorePath = ".outpost/outpost.db"
//	cfg.Transports = reg
//
//	eng, err := engine.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	tasks, err := eng.Entity("tasks")
//	if err != nil {
//	    return err
//	}
//	res, err := tasks.Delete(ctx, "T123")  // queued if offline
//
//	report, err := eng.Sync(ctx)           // explicit replay request
//
// Auto-sync:
//
//	if err := eng.Start(ctx); err != nil {   // monitor + triggers
//	    return err
//	}
//	defer eng.Stop()
//
// Delivery semantics
//
// The engine guarantees at-least-once delivery, not exactly-once: if a
// success response is lost after a transport call completes, the
// operation is replayed and may be applied twice. Conflicts between
// concurrent clients are resolved by the server (last writer wins);
// the engine performs no merge of its own.
//
// Concurrency
//
// Replay is deliberately serialized. A single mutual-exclusion flag
// guards the sync cycle; a replay request made while a cycle is running
// is reported as not started, never queued. Within a cycle, operations
// are applied strictly in log order, one at a time.
//
// Exactly one engine instance may own a store path. The SQLite store
// runs in WAL mode, so concurrent readers (a status command inspecting
// a running daemon's queue) are safe, but two engine instances draining
// the same log can double-apply operations. Nothing coordinates
// cross-instance access.
package engine
