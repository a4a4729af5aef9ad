// Package loadtest provides load testing utilities for the offline
// queue.
//
// The harness seeds the operation log from many concurrent writers,
// then drains it through replay cycles against an in-process binding,
// measuring append latency and drain throughput. It backs the `outpost
// bench` command and the package's own regression tests.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quiltworks/outpost/internal/engine"
	"github.com/quiltworks/outpost/internal/op"
	"github.com/quiltworks/outpost/internal/transport"
)

// Options configures a load test run.
type Options struct {
	// NumOperations is the total number of operations to seed.
	NumOperations int

	// Workers is the number of concurrent append workers.
	Workers int

	// EntityType used for every generated operation (default: "tasks").
	EntityType string

	// Seed for the deterministic operation generator (default: 42).
	Seed int64

	// MaxCycles bounds the drain phase (default: NumOperations, which
	// can never be exceeded since every cycle drains at least one op
	// against the null binding).
	MaxCycles int
}

// LatencyStats captures append performance metrics.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalAppends int
	Errors       int
}

// DrainStats captures replay throughput metrics.
type DrainStats struct {
	Cycles       int
	Drained      int
	Duration     time.Duration
	OpsPerSecond float64
}

// Harness owns an engine wired to an always-succeeding binding.
type Harness struct {
	Engine  *engine.Engine
	opts    Options
	applied atomic.Int64
}

// nullBinding acknowledges every call without doing work.
type nullBinding struct {
	applied *atomic.Int64
}

func (n *nullBinding) Create(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	n.applied.Add(1)
	return data, nil
}

func (n *nullBinding) Update(ctx context.Context, id string, data json.RawMessage) (json.RawMessage, error) {
	n.applied.Add(1)
	return data, nil
}

func (n *nullBinding) Delete(ctx context.Context, id string) error {
	n.applied.Add(1)
	return nil
}

// NewHarness creates a harness with a fresh store under dir.
func NewHarness(dir string, opts Options) (*Harness, error) {
	if opts.NumOperations <= 0 {
		return nil, fmt.Errorf("operation count must be positive (got %d)", opts.NumOperations)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.EntityType == "" {
		opts.EntityType = "tasks"
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = opts.NumOperations
	}

	h := &Harness{opts: opts}

	registry := transport.NewRegistry()
	if err := registry.Register(opts.EntityType, &nullBinding{applied: &h.applied}); err != nil {
		return nil, fmt.Errorf("failed to register binding: %w", err)
	}

	cfg := engine.DefaultConfig()
	cfg.StorePath = filepath.Join(dir, "loadtest.db")
	cfg.Transports = registry

	eng, err := engine.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	h.Engine = eng

	return h, nil
}

// Close releases the harness's engine and store.
func (h *Harness) Close() error {
	return h.Engine.Close()
}

// Applied returns how many operations the binding has acknowledged.
func (h *Harness) Applied() int {
	return int(h.applied.Load())
}

// RunAppend seeds the queue from Workers concurrent goroutines and
// returns aggregated append latency statistics.
func (h *Harness) RunAppend(ctx context.Context) (*LatencyStats, error) {
	ops := generateOperations(h.opts.NumOperations, h.opts.EntityType, h.opts.Seed)

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, h.opts.Workers)
	errorsChan := make(chan error, h.opts.Workers)

	// Shard the generated operations across workers.
	perWorker := (len(ops) + h.opts.Workers - 1) / h.opts.Workers
	for w := 0; w < h.opts.Workers; w++ {
		lo := w * perWorker
		if lo >= len(ops) {
			break
		}
		hi := lo + perWorker
		if hi > len(ops) {
			hi = len(ops)
		}

		wg.Add(1)
		go func(batch []genOp) {
			defer wg.Done()

			durations := make([]time.Duration, 0, len(batch))
			for _, g := range batch {
				start := time.Now()
				_, err := h.Engine.QueueChange(ctx, h.opts.EntityType, g.typ, g.payload)
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("append failed: %w", err)
					return
				}
			}
			resultsChan <- durations
		}(ops[lo:hi])
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	errorCount := 0
	for range errorsChan {
		errorCount++
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no successful appends completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// RunDrain replays the queue to empty against the null binding and
// returns throughput statistics. The engine is forced online first.
func (h *Harness) RunDrain(ctx context.Context) (*DrainStats, error) {
	h.Engine.SetOnline(true)

	stats := &DrainStats{}
	start := time.Now()

	for stats.Cycles < h.opts.MaxCycles {
		report, err := h.Engine.Sync(ctx)
		if err != nil {
			return nil, fmt.Errorf("drain cycle %d failed: %w", stats.Cycles+1, err)
		}
		if !report.Started {
			return nil, fmt.Errorf("drain cycle %d skipped: %s", stats.Cycles+1, report.Reason)
		}

		stats.Cycles++
		stats.Drained += report.Processed

		if report.Drained {
			break
		}
	}

	pending, err := h.Engine.PendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count remaining operations: %w", err)
	}
	if pending > 0 {
		return nil, fmt.Errorf("%d operations still pending after %d cycles", pending, stats.Cycles)
	}

	stats.Duration = time.Since(start)
	if stats.Duration > 0 {
		stats.OpsPerSecond = float64(stats.Drained) / stats.Duration.Seconds()
	}
	return stats, nil
}

type genOp struct {
	typ     op.Type
	payload op.Payload
}

// generateOperations creates a deterministic mix of operations:
// roughly half creates, a third updates, the rest deletes.
func generateOperations(count int, entityType string, seed int64) []genOp {
	rng := rand.New(rand.NewSource(seed))
	ops := make([]genOp, count)

	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s-%05d", entityType, i)
		data := json.RawMessage(fmt.Sprintf(`{"title":"generated %d","weight":%d}`, i, rng.Intn(100)))

		switch roll := rng.Intn(100); {
		case roll < 50:
			ops[i] = genOp{typ: op.TypeCreate, payload: op.Payload{Data: data}}
		case roll < 85:
			ops[i] = genOp{typ: op.TypeUpdate, payload: op.Payload{EntityID: id, Data: data}}
		default:
			ops[i] = genOp{typ: op.TypeDelete, payload: op.Payload{EntityID: id}}
		}
	}

	return ops
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean := sum / time.Duration(len(sorted))

	p50 := sorted[len(sorted)*50/100]
	p95 := sorted[min(len(sorted)*95/100, len(sorted)-1)]
	p99 := sorted[min(len(sorted)*99/100, len(sorted)-1)]

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         mean,
		P50:          p50,
		P95:          p95,
		P99:          p99,
		TotalAppends: len(sorted),
	}
}

// Print formats append latency statistics to w.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Append Latency:\n")
	fmt.Fprintf(w, "  Total Appends: %d\n", s.TotalAppends)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// Print formats drain throughput statistics to w.
func (s *DrainStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Drain Throughput:\n")
	fmt.Fprintf(w, "  Cycles:        %d\n", s.Cycles)
	fmt.Fprintf(w, "  Drained:       %d\n", s.Drained)
	fmt.Fprintf(w, "  Duration:      %v\n", s.Duration)
	fmt.Fprintf(w, "  Ops/Second:    %.1f\n", s.OpsPerSecond)
}
