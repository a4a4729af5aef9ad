package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quiltworks/outpost/internal/bus"
	"github.com/quiltworks/outpost/internal/connectivity"
	"github.com/quiltworks/outpost/internal/op"
	"github.com/quiltworks/outpost/internal/store"
	"github.com/quiltworks/outpost/internal/transport"
)

// DefaultMaxRetries is the retry cap: an operation failing this many
// replay attempts is dropped permanently.
const DefaultMaxRetries = 5

// DefaultFallbackInterval is how often the run loop re-checks "online
// and pending work exists" and triggers a replay, as a defense against
// missed connectivity transitions.
const DefaultFallbackInterval = 60 * time.Second

// Config holds the options for New. Every engine instance is
// constructed explicitly; there is no process-global singleton.
type Config struct {
	// StorePath is the SQLite file backing the operation log and
	// snapshot cache.
	StorePath string

	// Transports maps entity types to their backend bindings. A nil
	// registry is replaced with an empty one; bindings can be
	// registered later, but Sync refuses to start with none.
	Transports *transport.Registry

	// MaxRetries caps failed replay attempts per operation.
	// Zero uses DefaultMaxRetries.
	MaxRetries int

	// FallbackInterval is the run loop's periodic replay check.
	// Zero uses DefaultFallbackInterval.
	FallbackInterval time.Duration

	// ProbeURL, ProbeInterval and MarkerPath configure the
	// connectivity monitor. An empty ProbeURL disables probing; the
	// engine then relies on SetOnline.
	ProbeURL      string
	ProbeInterval time.Duration
	MarkerPath    string

	// MaxCacheEntries bounds the snapshot cache, pruning oldest
	// entries on write. Zero keeps it unbounded.
	MaxCacheEntries int

	// RetryClassifier decides whether a transport failure is worth
	// retrying. Nil retries every failure identically, which matches
	// the engine's historical behavior: permanent validation failures
	// then burn through the retry cap like transient ones. Returning
	// false drops the operation on its first failure.
	RetryClassifier func(error) bool

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults. StorePath must still be set
// by the caller.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       DefaultMaxRetries,
		FallbackInterval: DefaultFallbackInterval,
		Logger:           log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine owns the operation log, the snapshot cache, and the replay
// machinery for one client instance.
type Engine struct {
	config     Config
	store      *store.Store
	events     *bus.Bus
	monitor    *connectivity.Monitor
	transports *transport.Registry
	instanceID string
	logger     *log.Logger

	syncMu  sync.Mutex // guards the Idle/Syncing flag below
	syncing bool

	lastMu     sync.Mutex
	lastReport *SyncReport
	lastSyncAt time.Time

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closedMu sync.Mutex
	closed   bool
}

// New creates an engine backed by the store at cfg.StorePath.
//
// The store is opened (and its schema created) immediately so that
// configuration failures surface at construction, not inside a replay
// cycle. The caller MUST call Close() when done.
func New(cfg Config) (*Engine, error) {
	if cfg.StorePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if cfg.Transports == nil {
		cfg.Transports = transport.NewRegistry()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = DefaultFallbackInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open operation store: %w", err)
	}
	if cfg.MaxCacheEntries > 0 {
		st.SetMaxCacheEntries(cfg.MaxCacheEntries)
	}

	events := bus.New(cfg.Logger)

	monitor, err := connectivity.New(events, &connectivity.Config{
		ProbeURL:      cfg.ProbeURL,
		ProbeInterval: cfg.ProbeInterval,
		MarkerPath:    cfg.MarkerPath,
		Logger:        cfg.Logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create connectivity monitor: %w", err)
	}

	return &Engine{
		config:     cfg,
		store:      st,
		events:     events,
		monitor:    monitor,
		transports: cfg.Transports,
		instanceID: uuid.NewString(),
		logger:     cfg.Logger,
	}, nil
}

// Events returns the engine's event bus for subscribers (dashboard,
// CLI, embedder callbacks).
func (e *Engine) Events() *bus.Bus {
	return e.events
}

// Transports returns the binding registry the engine replays against.
func (e *Engine) Transports() *transport.Registry {
	return e.transports
}

// InstanceID returns the unique id of this engine instance, useful for
// telling apart log output of multiple instances in tests.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// IsOnline reports the connectivity monitor's current state.
func (e *Engine) IsOnline() bool {
	return e.monitor.IsOnline()
}

// SetOnline feeds a connectivity signal to the monitor manually.
// Embedders without a probe URL call this from platform hooks.
func (e *Engine) SetOnline(online bool) {
	e.monitor.SetOnline(online)
}

// QueueChange appends a mutation to the operation log without
// attempting it, regardless of connectivity. The facade uses it
// internally; callers that build their own payloads use it directly.
func (e *Engine) QueueChange(ctx context.Context, entityType string, t op.Type, payload op.Payload) (op.Operation, error) {
	if err := e.checkOpen(); err != nil {
		return op.Operation{}, err
	}

	o := op.New(entityType, t, payload)
	if err := e.store.AppendOperationContext(ctx, o); err != nil {
		return op.Operation{}, fmt.Errorf("failed to queue change: %w", err)
	}
	e.logger.Printf("Queued %s", o.String())
	return o, nil
}

// HasPending reports whether the operation log is non-empty.
func (e *Engine) HasPending(ctx context.Context) (bool, error) {
	count, err := e.PendingCount(ctx)
	return count > 0, err
}

// PendingCount returns the number of operations awaiting replay.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.store.CountOperationsContext(ctx)
}

// PutOffline stores a value in the snapshot cache under a caller-managed
// key, bypassing the facade's composite keys.
func (e *Engine) PutOffline(ctx context.Context, key string, value json.RawMessage) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.store.PutSnapshotContext(ctx, key, value)
}

// GetOffline returns a cached value stored with PutOffline, or nil, nil
// on a miss.
func (e *Engine) GetOffline(ctx context.Context, key string) (json.RawMessage, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	snap, err := e.store.GetSnapshotContext(ctx, key)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	return snap.Value, nil
}

// ClearAll wipes the operation log and the snapshot cache. Used by
// logout and reset flows. Queued work is lost.
func (e *Engine) ClearAll(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.logger.Println("Clearing operation log and snapshot cache")
	return e.store.ClearAllContext(ctx)
}

// Stats reports engine observability counters.
type Stats struct {
	InstanceID        string
	Online            bool
	PendingCount      int
	CachedCount       int
	CorruptOperations int64
	SchemaVersion     int
	LastSync          *SyncReport
	LastSyncAt        time.Time
}

// Stats returns a snapshot of the engine's observable state.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	pending, err := e.store.CountOperationsContext(ctx)
	if err != nil {
		return nil, err
	}
	cached, err := e.store.CountSnapshotsContext(ctx)
	if err != nil {
		return nil, err
	}
	version, err := e.store.SchemaVersionContext(ctx)
	if err != nil {
		return nil, err
	}

	e.lastMu.Lock()
	last := e.lastReport
	lastAt := e.lastSyncAt
	e.lastMu.Unlock()

	return &Stats{
		InstanceID:        e.instanceID,
		Online:            e.monitor.IsOnline(),
		PendingCount:      pending,
		CachedCount:       cached,
		CorruptOperations: e.store.CorruptOperations(),
		SchemaVersion:     version,
		LastSync:          last,
		LastSyncAt:        lastAt,
	}, nil
}

// Store exposes the underlying store for queue inspection commands and
// the legacy importer. Mutating it while the engine runs is the
// caller's responsibility.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Start launches the auto-sync run loop: the connectivity monitor, a
// replay on every offline-to-online transition, and the fallback
// ticker. It returns immediately; use Stop to shut down.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.runMu.Unlock()

	// Subscribe before the monitor starts so the transition published by
	// its initial probe cannot slip past the run loop.
	transitions, unsubscribe := e.events.Subscribe(bus.KindConnectivityChanged)

	if err := e.monitor.Start(); err != nil {
		unsubscribe()
		e.runMu.Lock()
		e.running = false
		e.runMu.Unlock()
		cancel()
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}

	e.wg.Add(1)
	go e.runLoop(runCtx, transitions, unsubscribe)

	e.logger.Println("Engine started")
	return nil
}

// runLoop drives auto-sync until the context is cancelled.
func (e *Engine) runLoop(ctx context.Context, transitions <-chan bus.Event, unsubscribe func()) {
	defer e.wg.Done()
	defer unsubscribe()

	ticker := time.NewTicker(e.config.FallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-transitions:
			if !ok {
				return
			}
			cc, isTransition := ev.(bus.ConnectivityChanged)
			if !isTransition || !cc.Online {
				continue
			}
			e.autoSync(ctx, "connectivity transition")

		case <-ticker.C:
			// Fallback against missed transition notifications.
			if !e.monitor.IsOnline() {
				continue
			}
			pending, err := e.HasPending(ctx)
			if err != nil {
				e.logger.Printf("Fallback check failed: %v", err)
				continue
			}
			if pending {
				e.autoSync(ctx, "fallback timer")
			}
		}
	}
}

func (e *Engine) autoSync(ctx context.Context, trigger string) {
	report, err := e.Sync(ctx)
	if err != nil {
		e.logger.Printf("Auto-sync (%s) failed: %v", trigger, err)
		return
	}
	if report.Started {
		e.logger.Printf("Auto-sync (%s): processed=%d failed=%d drained=%v",
			trigger, report.Processed, report.Failed, report.Drained)
	}
}

// Stop shuts down the run loop and the connectivity monitor. It blocks
// until in-flight goroutines exit; an in-flight sync cycle runs to
// completion. Safe to call when not running.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.runMu.Unlock()

	cancel()
	e.wg.Wait()

	if err := e.monitor.Stop(); err != nil {
		e.logger.Printf("Error stopping connectivity monitor: %v", err)
	}
	e.logger.Println("Engine stopped")
}

// Close stops the run loop if needed and releases the store.
func (e *Engine) Close() error {
	e.Stop()

	e.closedMu.Lock()
	if e.closed {
		e.closedMu.Unlock()
		return nil
	}
	e.closed = true
	e.closedMu.Unlock()

	return e.store.Close()
}

func (e *Engine) checkOpen() error {
	e.closedMu.Lock()
	defer e.closedMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}
