package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/quiltworks/outpost/internal/bus"
	"github.com/quiltworks/outpost/internal/op"
)

// SkipReason explains why a replay request did not start a cycle.
type SkipReason string

const (
	// SkipNone means the cycle started.
	SkipNone SkipReason = ""
	// SkipBusy means a cycle was already running. The request is
	// dropped, not deferred.
	SkipBusy SkipReason = "busy"
	// SkipOffline means connectivity was offline.
	SkipOffline SkipReason = "offline"
	// SkipNoTransport means no binding has been registered yet.
	SkipNoTransport SkipReason = "no-transport"
)

// SyncReport summarizes the result of one replay request.
type SyncReport struct {
	// Started is false when the request was a no-op; Reason says why.
	Started bool
	Reason  SkipReason

	// Drained is true when the operation log is empty after the cycle.
	Drained bool

	// Processed counts operations applied successfully this cycle.
	// Failed counts operations that failed, whether kept for retry or
	// dropped for exhausting the cap.
	Processed int
	Failed    int

	Duration time.Duration
}

// Sync requests an immediate replay of the operation log.
//
// Preconditions: the engine must be idle, connectivity online, and at
// least one transport binding registered. Otherwise the request is a
// no-op reported as Started:false with a Reason, and no events are
// published.
//
// While syncing, pending operations are applied strictly in insertion
// order. A failing operation has its retry count incremented and is
// kept for the next cycle, until it reaches the retry cap and is
// dropped permanently with an OperationFailed event. One operation's
// failure never aborts the rest of the batch.
func (e *Engine) Sync(ctx context.Context) (*SyncReport, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	if !e.monitor.IsOnline() {
		return &SyncReport{Started: false, Reason: SkipOffline}, nil
	}
	if e.transports.Len() == 0 {
		return &SyncReport{Started: false, Reason: SkipNoTransport}, nil
	}

	// Mutual exclusion: a request made while a cycle runs is dropped.
	e.syncMu.Lock()
	if e.syncing {
		e.syncMu.Unlock()
		return &SyncReport{Started: false, Reason: SkipBusy}, nil
	}
	e.syncing = true
	e.syncMu.Unlock()

	defer func() {
		e.syncMu.Lock()
		e.syncing = false
		e.syncMu.Unlock()
	}()

	report, err := e.runCycle(ctx)
	if err != nil {
		return nil, err
	}

	e.lastMu.Lock()
	e.lastReport = report
	e.lastSyncAt = time.Now().UTC()
	e.lastMu.Unlock()

	return report, nil
}

// runCycle drains the operation log once. The caller holds the syncing
// flag.
func (e *Engine) runCycle(ctx context.Context) (*SyncReport, error) {
	start := time.Now()

	e.events.Publish(bus.SyncStarted{})

	pending, err := e.store.ListOperationsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}

	if len(pending) == 0 {
		report := &SyncReport{Started: true, Drained: true, Duration: time.Since(start)}
		e.events.Publish(bus.SyncCompleted{Success: true})
		return report, nil
	}

	e.logger.Printf("Sync cycle: %d pending operation(s)", len(pending))

	var (
		removedIDs []string // succeeded or dropped, deleted from the log
		retried    []op.Operation
		succeeded  int
	)

	for _, o := range pending {
		err := e.apply(ctx, o)
		if err == nil {
			removedIDs = append(removedIDs, o.ID)
			succeeded++
			continue
		}

		o.RetryCount++

		drop := o.RetryCount >= e.config.MaxRetries
		if e.config.RetryClassifier != nil && !e.config.RetryClassifier(err) {
			drop = true
		}

		if drop {
			e.logger.Printf("Dropping %s after %d attempt(s): %v", o.String(), o.RetryCount, err)
			removedIDs = append(removedIDs, o.ID)
			e.events.Publish(bus.OperationFailed{Operation: o, Err: err.Error()})
		} else {
			e.logger.Printf("Retrying %s next cycle: %v", o.String(), err)
			retried = append(retried, o)
		}
	}

	// log = previous log minus succeeded minus dropped, one transaction.
	if err := e.store.CommitCycleContext(ctx, removedIDs, retried); err != nil {
		return nil, fmt.Errorf("failed to persist sync cycle: %w", err)
	}

	remaining, err := e.store.CountOperationsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count remaining operations: %w", err)
	}

	report := &SyncReport{
		Started:   true,
		Drained:   remaining == 0,
		Processed: succeeded,
		Failed:    len(pending) - succeeded,
		Duration:  time.Since(start),
	}
	e.events.Publish(bus.SyncCompleted{
		Success:   report.Drained,
		Processed: report.Processed,
		Failed:    report.Failed,
	})
	e.logger.Printf("Sync cycle complete: processed=%d failed=%d remaining=%d",
		report.Processed, report.Failed, remaining)
	return report, nil
}

// apply replays one pending operation against its binding. Every error
// path is returned, never allowed to panic the loop.
func (e *Engine) apply(ctx context.Context, o op.Operation) error {
	binding, err := e.transports.Resolve(o.EntityType)
	if err != nil {
		return err
	}

	switch o.Type {
	case op.TypeCreate:
		_, err = binding.Create(ctx, o.Payload.Data)
	case op.TypeUpdate:
		_, err = binding.Update(ctx, o.Payload.EntityID, o.Payload.Data)
	case op.TypeDelete:
		err = binding.Delete(ctx, o.Payload.EntityID)
	default:
		err = fmt.Errorf("unknown operation type: %q", o.Type)
	}
	return err
}
