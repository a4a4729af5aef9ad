// Package bus provides the typed in-process event channel between the
// sync engine and its subscribers (dashboard, CLI, auto-sync loop).
// Subscribers receive concrete event variants and pattern-match on the
// type, keeping orchestration decoupled from any particular UI.
package bus

import (
	"log"
	"os"
	"sync"

	"github.com/quiltworks/outpost/internal/op"
)

// Kind discriminates event variants for subscription filtering.
type Kind string

const (
	// KindConnectivityChanged is published on online/offline transitions.
	KindConnectivityChanged Kind = "connectivity_change"
	// KindSyncStarted is published when a replay cycle begins.
	KindSyncStarted Kind = "sync_start"
	// KindSyncCompleted is published when a replay cycle finishes.
	KindSyncCompleted Kind = "sync_complete"
	// KindOperationFailed is published when an operation exhausts its retries.
	KindOperationFailed Kind = "operation_failed"
)

// Event is implemented by every published variant.
type Event interface {
	Kind() Kind
}

// ConnectivityChanged reports an online/offline transition.
type ConnectivityChanged struct {
	Online bool
}

// Kind implements Event.
func (ConnectivityChanged) Kind() Kind { return KindConnectivityChanged }

// SyncStarted reports the beginning of a replay cycle.
type SyncStarted struct{}

// Kind implements Event.
func (SyncStarted) Kind() Kind { return KindSyncStarted }

// SyncCompleted reports the outcome of a replay cycle. Success means the
// log is empty after the cycle; Failed counts operations that failed
// this cycle, whether retained for retry or dropped.
type SyncCompleted struct {
	Success   bool
	Processed int
	Failed    int
}

// Kind implements Event.
func (SyncCompleted) Kind() Kind { return KindSyncCompleted }

// OperationFailed reports an operation dropped after exhausting its
// retries. This event is its only surfacing; there is no default
// user-facing error for the case.
type OperationFailed struct {
	Operation op.Operation
	Err       string
}

// Kind implements Event.
func (OperationFailed) Kind() Kind { return KindOperationFailed }

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls further behind than this loses events rather than blocking
// the publisher.
const subscriberBuffer = 16

type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool // empty means all kinds
}

// Bus fans events out to subscribers. Publishing never blocks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	logger *log.Logger
}

// New creates an event bus. A nil logger defaults to stderr.
func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[bus] ", log.LstdFlags)
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers interest in the given kinds (all kinds if none are
// given). It returns the receiving channel and a cancel function that
// unregisters the subscription and closes the channel. Cancel is safe to
// call more than once.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	sub := &subscriber{
		ch:    make(chan Event, subscriberBuffer),
		kinds: make(map[Kind]bool, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber without blocking.
// Events for a full subscriber channel are dropped with a warning, so a
// stalled subscriber cannot stall the sync engine.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		if len(sub.kinds) > 0 && !sub.kinds[ev.Kind()] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Printf("Warning: subscriber %d lagging, dropping %s event", id, ev.Kind())
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
