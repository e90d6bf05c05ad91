// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package stackbarrier provides an incremental, concurrent stack watermark barrier.
//
// A stack watermark lets an external agent, typically a concurrent garbage
// collector, lazily walk and process a running thread's stack frames while the
// thread keeps executing. Frames above the watermark (nearer the top of the
// stack) are already processed for the current epoch; frames at or below it are
// not yet visited. Code about to touch a frame consults the watermark to decide
// whether the frame can be trusted as-is or must be processed first.
//
// This is the main public API. It re-exports the types of the internal
// packages so callers only import one package.
//
// # Quick Start
//
//	import "github.com/kianostad/stackbarrier"
//
//	clock := stackbarrier.NewClock()
//	set := stackbarrier.NewSet(4)
//
//	wm := stackbarrier.New(thread, clock, processor, stackbarrier.Options{})
//	set.Add(wm)
//
//	// Collector: begin a round and wait until every stack is processed
//	clock.Advance()
//	set.StartAll()
//	err := set.FinishAll(ctx, nil)
//
//	// Monitored thread, at a cheap polling point
//	wm.ProcessOne()
//
// # Key Features
//
//   - Epoch-tagged iterations replaced wholesale when the epoch advances
//   - Lock-free reads of the published watermark on the hot path
//   - Three-frame bootstrap so callees can always read their caller's boundary
//   - Bulk drains that release the lock every five barrier frames
//   - Structured logging via log/slog and channel-based metrics
//
// # Collaborators
//
// The barrier does not walk real machine stacks. Callers supply a Thread whose
// Stream enumerates frames top first, and a Processor invoked once per frame.
// NewSimThread provides an in-memory Thread for tests and tooling.
//
// # Dangers and Warnings
//
//   - **Processor Reentrancy**: Processors run under the watermark lock; calling back into the same watermark deadlocks.
//   - **Blocking Drains**: FinishIteration and FinishAll block until every remaining frame is processed.
//   - **Thread Exit**: Remove (or Close) a watermark when its thread exits so the clock stops waiting on it.
//
// # See Also
//
// For the barrier state machine, see the watermark package.
package stackbarrier

import (
	"github.com/kianostad/stackbarrier/internal/concurrency/epoch"
	"github.com/kianostad/stackbarrier/internal/monitoring/metrics"
	"github.com/kianostad/stackbarrier/internal/stack"
	"github.com/kianostad/stackbarrier/internal/watermark"
)

// Re-export core types
type (
	// Watermark is the stack watermark of one monitored thread
	Watermark = watermark.Watermark

	// Set holds the watermarks of every monitored thread
	Set = watermark.Set

	// Options configures a Watermark
	Options = watermark.Options

	// Kind identifies which subsystem a watermark serves
	Kind = watermark.Kind

	// Recorder receives barrier events
	Recorder = watermark.Recorder
)

// Epoch types
type (
	// Clock is the global epoch source
	Clock = epoch.Clock

	// Epoch is a generation counter marking one round of stack processing
	Epoch = epoch.Epoch
)

// Frame-walking contracts
type (
	Frame         = stack.Frame
	Stream        = stack.Stream
	Thread        = stack.Thread
	Processor     = stack.Processor
	ProcessorFunc = stack.ProcessorFunc
	SimThread     = stack.SimThread
)

// Metrics is the channel-based Recorder implementation
type Metrics = metrics.Metrics

const (
	KindGC  = watermark.KindGC
	KindJFR = watermark.KindJFR
)

// ErrDuplicateThread is returned by Set.Add when a thread already has a watermark.
var ErrDuplicateThread = watermark.ErrDuplicateThread

// New creates the watermark for thread
func New(thread Thread, clock *Clock, processor Processor, opts Options) *Watermark {
	return watermark.New(thread, clock, processor, opts)
}

// NewClock creates a global epoch clock
func NewClock() *Clock {
	return epoch.NewClock()
}

// NewSet creates an empty watermark set draining at most limit threads at once
func NewSet(limit int) *Set {
	return watermark.NewSet(limit)
}

// NewMetrics creates a metrics recorder. Close it when done.
func NewMetrics() *Metrics {
	return metrics.NewMetrics()
}

// NewSimThread creates an in-memory thread whose bottom frame sits at base
func NewSimThread(id uint64, base uintptr) *SimThread {
	return stack.NewSimThread(id, base)
}
