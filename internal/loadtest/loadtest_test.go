package loadtest

import (
	"context"
	"testing"
	"time"
)

func TestHarnessAppendAndDrain(t *testing.T) {
	h, err := NewHarness(t.TempDir(), Options{
		NumOperations: 50,
		Workers:       4,
	})
	if err != nil {
		t.Fatalf("Failed to create harness: %v", err)
	}
	defer h.Close()

	ctx := context.Background()

	stats, err := h.RunAppend(ctx)
	if err != nil {
		t.Fatalf("Append phase failed: %v", err)
	}

	if stats.TotalAppends != 50 {
		t.Errorf("Expected 50 appends, got %d", stats.TotalAppends)
	}
	if stats.Errors != 0 {
		t.Errorf("Expected no append errors, got %d", stats.Errors)
	}

	pending, err := h.Engine.PendingCount(ctx)
	if err != nil {
		t.Fatalf("Failed to count pending: %v", err)
	}
	if pending != 50 {
		t.Errorf("Expected 50 pending operations, got %d", pending)
	}

	drain, err := h.RunDrain(ctx)
	if err != nil {
		t.Fatalf("Drain phase failed: %v", err)
	}

	if drain.Drained != 50 {
		t.Errorf("Expected 50 drained, got %d", drain.Drained)
	}
	if h.Applied() != 50 {
		t.Errorf("Expected binding to see 50 calls, got %d", h.Applied())
	}

	pending, err = h.Engine.PendingCount(ctx)
	if err != nil {
		t.Fatalf("Failed to count pending: %v", err)
	}
	if pending != 0 {
		t.Errorf("Expected empty queue after drain, got %d", pending)
	}
}

func TestGenerateOperationsDeterministic(t *testing.T) {
	a := generateOperations(20, "tasks", 42)
	b := generateOperations(20, "tasks", 42)

	if len(a) != 20 || len(b) != 20 {
		t.Fatalf("Expected 20 operations, got %d and %d", len(a), len(b))
	}

	for i := range a {
		if a[i].typ != b[i].typ {
			t.Errorf("Operation %d type differs: %s vs %s", i, a[i].typ, b[i].typ)
		}
		if string(a[i].payload.Data) != string(b[i].payload.Data) {
			t.Errorf("Operation %d payload differs", i)
		}
	}
}

func TestComputeLatencyStats(t *testing.T) {
	durations := make([]time.Duration, 100)
	for i := range durations {
		durations[i] = time.Duration(i+1) * time.Millisecond
	}

	stats := computeLatencyStats(durations)

	if stats.Min != time.Millisecond {
		t.Errorf("Expected min 1ms, got %v", stats.Min)
	}
	if stats.Max != 100*time.Millisecond {
		t.Errorf("Expected max 100ms, got %v", stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("Expected p50 51ms, got %v", stats.P50)
	}
	if stats.P95 != 96*time.Millisecond {
		t.Errorf("Expected p95 96ms, got %v", stats.P95)
	}
	if stats.TotalAppends != 100 {
		t.Errorf("Expected 100 total, got %d", stats.TotalAppends)
	}
}

func TestComputeLatencyStatsEmpty(t *testing.T) {
	stats := computeLatencyStats(nil)
	if stats.TotalAppends != 0 {
		t.Errorf("Expected zero stats, got %+v", stats)
	}
}

func TestNewHarnessRejectsBadOptions(t *testing.T) {
	if _, err := NewHarness(t.TempDir(), Options{NumOperations: 0}); err == nil {
		t.Fatal("Expected error for zero operation count")
	}
}
