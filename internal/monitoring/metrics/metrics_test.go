// Licensed under the MIT License. See LICENSE file in the project root for details.

package metrics

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestNewMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	metrics := NewMetrics()
	if metrics == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	metrics.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	metrics := NewMetrics()
	metrics.Close()
	metrics.Close()

	// Recording after Close must not panic or block
	metrics.RecordFrames(3)
	metrics.RecordYield()
	metrics.Sync()
}

func TestRecordIterations(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordIterationStart(1)
	metrics.RecordIterationStart(2)
	metrics.RecordIterationFinish(1)
	metrics.RecordStaleDiscard(2)
	metrics.Sync()

	stats := metrics.GetStats()
	if stats.Counts.IterationsStarted != 2 {
		t.Errorf("Expected IterationsStarted to be 2, got %d", stats.Counts.IterationsStarted)
	}
	if stats.Counts.IterationsFinished != 1 {
		t.Errorf("Expected IterationsFinished to be 1, got %d", stats.Counts.IterationsFinished)
	}
	if stats.Counts.StaleDiscarded != 1 {
		t.Errorf("Expected StaleDiscarded to be 1, got %d", stats.Counts.StaleDiscarded)
	}
}

func TestRecordFrames(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordFrames(3)
	metrics.RecordFrames(0)
	metrics.RecordFrames(-1)
	metrics.RecordFrames(7)
	metrics.Sync()

	if got := metrics.GetStats().Counts.Frames; got != 10 {
		t.Errorf("Expected Frames to be 10, got %d", got)
	}
}

func TestRecordLatencies(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordProcessOne(100 * time.Nanosecond)
	metrics.RecordFinish(2 * time.Millisecond)
	metrics.RecordYield()
	metrics.Sync()

	stats := metrics.GetStats()
	if stats.Counts.ProcessOne != 1 || stats.Counts.Finish != 1 || stats.Counts.Yields != 1 {
		t.Errorf("Unexpected counts: %+v", stats.Counts)
	}
	if stats.Latency.ProcessOne.Mean != 100*time.Nanosecond {
		t.Errorf("Expected ProcessOne mean 100ns, got %v", stats.Latency.ProcessOne.Mean)
	}
	if stats.Latency.Finish.Max != 2*time.Millisecond {
		t.Errorf("Expected Finish max 2ms, got %v", stats.Latency.Finish.Max)
	}
}

func TestDroppedEvents(t *testing.T) {
	metrics := NewMetricsWithConfig(MetricsConfig{BufferSize: 0, LatencySamples: 10})
	defer metrics.Close()

	// An unbuffered channel only accepts a send while the processor is
	// parked on it, so at least some of these are dropped.
	for i := 0; i < 10000; i++ {
		metrics.RecordYield()
	}
	metrics.Sync()

	stats := metrics.GetStats()
	if stats.Counts.Yields+stats.Dropped != 10000 {
		t.Errorf("Expected yields+dropped to be 10000, got %d+%d", stats.Counts.Yields, stats.Dropped)
	}
}

func TestConcurrentAccess(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	var wg sync.WaitGroup
	const numGoroutines = 10
	const numOps = 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numOps; j++ {
				metrics.RecordFrames(1)
				_ = metrics.GetStats()
			}
		}()
	}
	wg.Wait()
	metrics.Sync()

	if got := metrics.GetStats().Counts.Frames; got != numGoroutines*numOps {
		t.Errorf("Expected Frames to be %d, got %d", numGoroutines*numOps, got)
	}
}

func TestRingBufferOverflow(t *testing.T) {
	rb := NewDurationRingBuffer(3)
	for i := 1; i <= 5; i++ {
		rb.Push(time.Duration(i) * time.Millisecond)
	}

	stats := rb.GetStats()
	if stats.Count != 3 {
		t.Errorf("Expected count 3, got %d", stats.Count)
	}
	if stats.Min != 3*time.Millisecond {
		t.Errorf("Expected min 3ms, got %v", stats.Min)
	}
	if stats.Max != 5*time.Millisecond {
		t.Errorf("Expected max 5ms, got %v", stats.Max)
	}
	if stats.Mean != 4*time.Millisecond {
		t.Errorf("Expected mean 4ms, got %v", stats.Mean)
	}
}

func TestRingBufferEmpty(t *testing.T) {
	rb := NewDurationRingBuffer(0)
	if stats := rb.GetStats(); stats != (LatencyStats{}) {
		t.Errorf("Expected empty stats, got %+v", stats)
	}
}

func TestExportJSON(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordFrames(4)
	metrics.Sync()

	var decoded MetricsSnapshot
	if err := json.Unmarshal(metrics.ExportJSON(), &decoded); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}
	if decoded.Counts.Frames != 4 {
		t.Errorf("Expected frames 4 in JSON, got %d", decoded.Counts.Frames)
	}
}

func TestExportPrometheus(t *testing.T) {
	metrics := NewMetrics()
	defer metrics.Close()

	metrics.RecordIterationStart(1)
	metrics.RecordFrames(2)
	metrics.Sync()

	out := metrics.ExportPrometheus()
	for _, want := range []string{
		"stackbarrier_iterations_total{phase=\"started\"} 1",
		"stackbarrier_frames_total 2",
		"# TYPE stackbarrier_yields_total counter",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected Prometheus output to contain %q", want)
		}
	}
}
