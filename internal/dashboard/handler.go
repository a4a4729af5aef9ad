package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/quiltworks/outpost/internal/bus"
	"github.com/quiltworks/outpost/internal/engine"
)

// Handler bridges the sync engine's event bus to the dashboard server.
// It subscribes to every event kind, translates each event into a
// broadcast message, and periodically pushes queue statistics.
type Handler struct {
	engine *engine.Engine
	server *Server
	logger *log.Logger

	// Cumulative counters across the handler's lifetime. The engine
	// reports per-cycle figures; the dashboard shows running totals.
	countersMu sync.Mutex
	cyclesRun  int
	processed  int
	failed     int
	dropped    int

	statsInterval time.Duration

	cancel    context.CancelFunc
	unsub     func()
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// HandlerConfig holds handler configuration
type HandlerConfig struct {
	// StatsInterval controls how often queue statistics are pushed
	// (default: 5s)
	StatsInterval time.Duration

	// Logger for handler activity (default: stderr logger)
	Logger *log.Logger
}

// NewHandler creates a handler forwarding events from eng to srv.
func NewHandler(eng *engine.Engine, srv *Server, config *HandlerConfig) *Handler {
	if config == nil {
		config = &HandlerConfig{}
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	return &Handler{
		engine:        eng,
		server:        srv,
		logger:        config.Logger,
		statsInterval: config.StatsInterval,
	}
}

// Start subscribes to the engine's event bus and begins forwarding.
func (h *Handler) Start() error {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()

	if h.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	events, unsub := h.engine.Events().Subscribe()
	h.unsub = unsub

	h.wg.Add(1)
	go h.forwardLoop(ctx, events)

	h.wg.Add(1)
	go h.statsLoop(ctx)

	h.running = true
	return nil
}

// Stop unsubscribes and waits for the forwarding loops to exit.
func (h *Handler) Stop() {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()

	if !h.running {
		return
	}

	h.cancel()
	h.unsub()
	h.wg.Wait()
	h.running = false
}

// forwardLoop translates bus events into dashboard messages.
func (h *Handler) forwardLoop(ctx context.Context, events <-chan bus.Event) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if msg, ok := h.translate(ev); ok {
				h.server.Broadcast(msg)
			}
		}
	}
}

// translate converts a bus event to a broadcast message. The second
// return value is false for event kinds with no dashboard rendering.
func (h *Handler) translate(ev bus.Event) (Message, bool) {
	switch e := ev.(type) {
	case bus.ConnectivityChanged:
		return h.message(MessageTypeConnectivity, ConnectivityData{Online: e.Online})

	case bus.SyncStarted:
		h.countersMu.Lock()
		h.cyclesRun++
		h.countersMu.Unlock()
		return Message{Type: MessageTypeSyncStart, Timestamp: time.Now()}, true

	case bus.SyncCompleted:
		h.countersMu.Lock()
		h.processed += e.Processed
		h.failed += e.Failed
		h.countersMu.Unlock()
		return h.message(MessageTypeSyncComplete, SyncCompleteData{
			Success:   e.Success,
			Processed: e.Processed,
			Failed:    e.Failed,
		})

	case bus.OperationFailed:
		h.countersMu.Lock()
		h.dropped++
		h.countersMu.Unlock()
		return h.message(MessageTypeOperationFailed, OperationFailedData{
			OperationID: e.Operation.ID,
			EntityType:  e.Operation.EntityType,
			Operation:   string(e.Operation.Type),
			RetryCount:  e.Operation.RetryCount,
			Error:       e.Err,
		})
	}
	return Message{}, false
}

// statsLoop periodically broadcasts queue statistics.
func (h *Handler) statsLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			h.broadcastStats(ctx)
		}
	}
}

func (h *Handler) broadcastStats(ctx context.Context) {
	stats, err := h.engine.Stats(ctx)
	if err != nil {
		h.logger.Printf("Failed to collect stats: %v", err)
		return
	}

	h.countersMu.Lock()
	data := StatsData{
		Online:       stats.Online,
		PendingCount: stats.PendingCount,
		CachedCount:  stats.CachedCount,
		CyclesRun:    h.cyclesRun,
		Processed:    h.processed,
		Failed:       h.failed,
		Dropped:      h.dropped,
	}
	h.countersMu.Unlock()

	if msg, ok := h.message(MessageTypeStats, data); ok {
		h.server.Broadcast(msg)
	}
}

func (h *Handler) message(typ MessageType, data interface{}) (Message, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return Message{}, false
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, true
}
