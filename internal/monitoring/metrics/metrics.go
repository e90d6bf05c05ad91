// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides performance monitoring and observability for stack watermarks.
//
// This package implements thread-safe metrics collection using a buffered channel
// and ring buffers. It tracks how many processing iterations were started and
// finished, how many frames were processed, how often a bulk drain yielded its
// lock, how many unfinished iterations were discarded because the epoch moved on,
// and the latencies of the incremental and forced processing paths.
//
// # Key Features
//
//   - Non-blocking event recording from the barrier hot path
//   - Background processing of events in a single goroutine
//   - Latency measurement with ring buffer storage for historical data
//   - Prometheus text format and JSON exports
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	wm := watermark.New(thread, clock, processor, watermark.Options{Metrics: m})
//	wm.FinishIteration(nil)
//
//	m.Sync()
//	stats := m.GetStats()
//	fmt.Printf("frames processed: %d\n", stats.Counts.Frames)
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: Requires proper cleanup with Close() method
//   - **Event Loss**: If the buffer is full, events are dropped rather than blocking the caller
//   - **Stats Latency**: Stats lag the recorded events until the background goroutine catches up; call Sync() to wait
//
// # Thread Safety
//
// All recording methods are safe for concurrent use, including from inside a
// watermark's critical section: they never block.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyStats provides comprehensive latency statistics
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// EventCounts tracks counts for all barrier events
type EventCounts struct {
	IterationsStarted  uint64 `json:"iterations_started"`
	IterationsFinished uint64 `json:"iterations_finished"`
	StaleDiscarded     uint64 `json:"stale_discarded"`
	Frames             uint64 `json:"frames"`
	Yields             uint64 `json:"yields"`
	ProcessOne         uint64 `json:"process_one"`
	Finish             uint64 `json:"finish"`
}

// LatencyMetrics tracks latency data for the processing paths
type LatencyMetrics struct {
	ProcessOne LatencyStats `json:"process_one"`
	Finish     LatencyStats `json:"finish"`
}

// MetricsSnapshot provides a complete snapshot of all metrics
type MetricsSnapshot struct {
	Counts        EventCounts    `json:"counts"`
	Latency       LatencyMetrics `json:"latency"`
	Dropped       uint64         `json:"dropped"`
	Configuration MetricsConfig  `json:"config"`
}

// MetricEvent represents a single metric event
type MetricEvent struct {
	Type     string
	Duration time.Duration
	Count    int
	sync     chan struct{}
}

// DurationRingBuffer implements a thread-safe bounded ring buffer for time.Duration
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a new ring buffer with specified capacity
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push adds an item to the ring buffer
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// GetStats calculates comprehensive latency statistics
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		values[i] = rb.buffer[(rb.head+i)%rb.size]
	}
	rb.mu.RUnlock()

	if len(values) == 0 {
		return LatencyStats{}
	}

	sort.Slice(values, func(i, j int) bool {
		return values[i] < values[j]
	})

	stats := LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
	}

	var total time.Duration
	for _, v := range values {
		total += v
	}
	stats.Mean = total / time.Duration(len(values))

	stats.P50 = percentile(values, 0.50)
	stats.P95 = percentile(values, 0.95)
	stats.P99 = percentile(values, 0.99)
	stats.P999 = percentile(values, 0.999)

	return stats
}

// percentile calculates the nth percentile from sorted values
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}

	index := int(float64(len(values)-1) * p)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

// MetricsConfig provides configuration options for metrics collection
type MetricsConfig struct {
	BufferSize     int `json:"buffer_size"`     // Size of event buffer
	LatencySamples int `json:"latency_samples"` // Ring buffer size per latency series
}

// DefaultMetricsConfig returns a default configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize:     10000,
		LatencySamples: 1000,
	}
}

// Metrics tracks barrier events using a buffered channel and ring buffers
type Metrics struct {
	config MetricsConfig

	eventChan chan MetricEvent
	closed    atomic.Bool
	dropped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	counts EventCounts

	processOneLatency *DurationRingBuffer
	finishLatency     *DurationRingBuffer
}

// NewMetrics creates a new metrics instance with default configuration
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewMetricsWithConfig creates a new metrics instance with custom configuration
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Metrics{
		config:            config,
		eventChan:         make(chan MetricEvent, config.BufferSize),
		ctx:               ctx,
		cancel:            cancel,
		processOneLatency: NewDurationRingBuffer(config.LatencySamples),
		finishLatency:     NewDurationRingBuffer(config.LatencySamples),
	}

	m.wg.Add(1)
	go m.processEvents()

	return m
}

// processEvents runs in background goroutine to process metric events
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Metrics) processEvent(event MetricEvent) {
	if event.sync != nil {
		close(event.sync)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case "iteration_start":
		m.counts.IterationsStarted++
	case "iteration_finish":
		m.counts.IterationsFinished++
	case "stale_discard":
		m.counts.StaleDiscarded++
	case "frames":
		m.counts.Frames += uint64(event.Count)
	case "yield":
		m.counts.Yields++
	case "process_one":
		m.counts.ProcessOne++
		m.processOneLatency.Push(event.Duration)
	case "finish":
		m.counts.Finish++
		m.finishLatency.Push(event.Duration)
	}
}

func (m *Metrics) send(event MetricEvent) {
	if m.closed.Load() {
		return
	}
	select {
	case m.eventChan <- event:
	default:
		// Channel full, drop the event to avoid blocking
		m.dropped.Add(1)
	}
}

// RecordIterationStart records that a thread began a new processing iteration.
func (m *Metrics) RecordIterationStart(uint64) {
	m.send(MetricEvent{Type: "iteration_start"})
}

// RecordIterationFinish records that a thread completed its iteration.
func (m *Metrics) RecordIterationFinish(uint64) {
	m.send(MetricEvent{Type: "iteration_finish"})
}

// RecordStaleDiscard records an unfinished iteration dropped because the epoch advanced.
func (m *Metrics) RecordStaleDiscard(uint64) {
	m.send(MetricEvent{Type: "stale_discard"})
}

// RecordFrames records n processed frames.
func (m *Metrics) RecordFrames(n int) {
	if n <= 0 {
		return
	}
	m.send(MetricEvent{Type: "frames", Count: n})
}

// RecordYield records a drain releasing its lock.
func (m *Metrics) RecordYield() {
	m.send(MetricEvent{Type: "yield"})
}

// RecordProcessOne records the latency of an incremental step.
func (m *Metrics) RecordProcessOne(d time.Duration) {
	m.send(MetricEvent{Type: "process_one", Duration: d})
}

// RecordFinish records the latency of a forced drain.
func (m *Metrics) RecordFinish(d time.Duration) {
	m.send(MetricEvent{Type: "finish", Duration: d})
}

// Sync blocks until every event recorded before the call has been processed.
func (m *Metrics) Sync() {
	if m.closed.Load() {
		return
	}
	done := make(chan struct{})
	select {
	case m.eventChan <- MetricEvent{sync: done}:
	case <-m.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-m.ctx.Done():
	}
}

// GetStats returns a snapshot of current metrics
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	counts := m.counts
	m.mu.RUnlock()

	return MetricsSnapshot{
		Counts: counts,
		Latency: LatencyMetrics{
			ProcessOne: m.processOneLatency.GetStats(),
			Finish:     m.finishLatency.GetStats(),
		},
		Dropped:       m.dropped.Load(),
		Configuration: m.config,
	}
}

// ExportPrometheus exports metrics in Prometheus format
func (m *Metrics) ExportPrometheus() string {
	stats := m.GetStats()
	var b strings.Builder

	b.WriteString("# HELP stackbarrier_iterations_total Stack processing iterations\n")
	b.WriteString("# TYPE stackbarrier_iterations_total counter\n")
	fmt.Fprintf(&b, "stackbarrier_iterations_total{phase=\"started\"} %d\n", stats.Counts.IterationsStarted)
	fmt.Fprintf(&b, "stackbarrier_iterations_total{phase=\"finished\"} %d\n", stats.Counts.IterationsFinished)
	fmt.Fprintf(&b, "stackbarrier_iterations_total{phase=\"stale\"} %d\n", stats.Counts.StaleDiscarded)

	b.WriteString("# HELP stackbarrier_frames_total Frames processed\n")
	b.WriteString("# TYPE stackbarrier_frames_total counter\n")
	fmt.Fprintf(&b, "stackbarrier_frames_total %d\n", stats.Counts.Frames)

	b.WriteString("# HELP stackbarrier_yields_total Lock releases during bulk drains\n")
	b.WriteString("# TYPE stackbarrier_yields_total counter\n")
	fmt.Fprintf(&b, "stackbarrier_yields_total %d\n", stats.Counts.Yields)

	b.WriteString("# HELP stackbarrier_latency_nanoseconds Average latency of processing paths\n")
	b.WriteString("# TYPE stackbarrier_latency_nanoseconds gauge\n")
	fmt.Fprintf(&b, "stackbarrier_latency_nanoseconds{path=\"process_one\"} %d\n", stats.Latency.ProcessOne.Mean.Nanoseconds())
	fmt.Fprintf(&b, "stackbarrier_latency_nanoseconds{path=\"finish\"} %d\n", stats.Latency.Finish.Mean.Nanoseconds())

	b.WriteString("# HELP stackbarrier_events_dropped_total Events dropped because the buffer was full\n")
	b.WriteString("# TYPE stackbarrier_events_dropped_total counter\n")
	fmt.Fprintf(&b, "stackbarrier_events_dropped_total %d\n", stats.Dropped)

	return b.String()
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() []byte {
	stats := m.GetStats()
	jsonData, _ := json.MarshalIndent(stats, "", "  ")
	return jsonData
}

// Close shuts down the metrics processor. Events recorded afterwards are ignored.
func (m *Metrics) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.cancel()
	m.wg.Wait()
}
