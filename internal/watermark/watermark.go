// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package watermark implements the per-thread stack watermark barrier.
//
// A Watermark lets an external agent, typically a concurrent garbage collector,
// process a running thread's stack frames lazily and incrementally while the
// thread keeps executing. The watermark is a stack address: frames above it
// (nearer the top of the stack) are already processed for the current epoch,
// frames at or below it are not yet guaranteed to be.
//
// # Key Features
//
//   - Epoch-tagged iterations: advancing the global epoch makes every watermark stale
//   - Lock-free reads of the published watermark and state word
//   - Incremental processing from the owning thread's cheap polling points (ProcessOne)
//   - Forced bulk drains from other threads that need a hard guarantee (FinishIteration)
//   - Periodic lock release during bulk drains so the owning thread is never starved
//
// # Usage Examples
//
//	clock := epoch.NewClock()
//	wm := watermark.New(thread, clock, processor, watermark.Options{})
//
//	// Collector: start a new round and make sure the thread's stack is processed.
//	clock.Advance()
//	wm.FinishIteration(nil)
//
//	// Owning thread, at a polling point:
//	wm.ProcessOne()
//
//	// Code about to touch a frame:
//	if !wm.IsFrameSafe(frame) {
//	    wm.ProcessOne()
//	}
//
// # Publication Order
//
// The watermark address is stored before the state word, and read after it.
// Go's sync/atomic operations are sequentially consistent, which is at least
// as strong as the release/acquire pairing the barrier needs: a reader that
// observes "not done" also observes the matching watermark and every frame
// processed below it.
//
// # Dangers and Warnings
//
//   - **Processor Reentrancy**: The processor runs with the watermark lock held and must not call back into the same Watermark.
//   - **Recorder Blocking**: Options.Metrics is invoked under the lock and must not block.
//   - **Blocking Drain**: FinishIteration blocks until every remaining frame is processed. There is no timeout.
//
// # Invariant Checks
//
// Build with the stackbarrier_checks tag to panic on internal invariant
// violations (stack-address monotonicity, lock not held). Without the tag the
// checks compile away.
package watermark

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/kianostad/stackbarrier/internal/concurrency/epoch"
	"github.com/kianostad/stackbarrier/internal/stack"
)

// Watermark is the stack watermark of one monitored thread.
type Watermark struct {
	_         cpu.CacheLinePad
	state     atomic.Uint64 // epoch.State
	watermark atomic.Uintptr
	_         cpu.CacheLinePad

	// mu never blocks on anything but itself, so it is safe to take from
	// inside the caller's own synchronization points.
	mu         sync.Mutex
	cursor     *cursor
	iterEpoch  epoch.Epoch
	registered epoch.Epoch // epoch registered with the clock while unfinished, 0 if none
	finished   bool

	thread    stack.Thread
	clock     Clock
	processor stack.Processor
	opts      Options
	logger    *slog.Logger
	metrics   Recorder
}

// New creates the watermark for thread. It starts stale, so the first barrier
// operation processes whatever frames the thread already has.
func New(thread stack.Thread, clock Clock, processor stack.Processor, opts Options) *Watermark {
	opts = opts.withDefaults()
	w := &Watermark{
		thread:    thread,
		clock:     clock,
		processor: processor,
		opts:      opts,
		logger:    opts.Logger.With("tid", thread.ID(), "kind", opts.Kind.String()),
		metrics:   opts.Metrics,
	}
	w.state.Store(uint64(epoch.NewState(0, true)))
	return w
}

// ThreadID returns the ID of the monitored thread.
func (w *Watermark) ThreadID() uint64 {
	return w.thread.ID()
}

// Kind returns the subsystem this watermark serves.
func (w *Watermark) Kind() Kind {
	return w.opts.Kind
}

func (w *Watermark) loadState() epoch.State {
	return epoch.State(w.state.Load())
}

// shouldStartIteration reports whether the cached epoch is stale.
// Only call it with the lock held.
func (w *Watermark) shouldStartIteration() bool {
	return w.loadState().Epoch() != w.clock.Current()
}

// shouldStartIterationAcquire is the unlocked form of shouldStartIteration.
// The atomic load pairs with the store in updateWatermark.
func (w *Watermark) shouldStartIterationAcquire() bool {
	return epoch.State(w.state.Load()).Epoch() != w.clock.Current()
}

// startIterationLocked discards any previous iteration and starts a new one
// for the current epoch.
func (w *Watermark) startIterationLocked(ctx any) {
	w.assertLocked()

	e := w.clock.Current()
	if w.cursor != nil && w.cursor.hasNext() {
		w.logger.Debug("discarding unfinished stack processing iteration", "epoch", w.iterEpoch)
		w.metrics.RecordStaleDiscard(w.thread.ID())
	}
	w.release()

	w.logger.Info("starting stack processing iteration", "epoch", e)
	w.metrics.RecordIterationStart(w.thread.ID())
	w.iterEpoch = e
	w.finished = false
	w.cursor = nil

	if w.thread.HasFrames() {
		w.cursor = newCursor(w, w.thread.Walk())
		frames := 0
		for i := 0; i < w.opts.BootstrapFrames; i++ {
			if processed, _ := w.cursor.advanceOne(ctx); processed {
				frames++
			}
		}
		w.metrics.RecordFrames(frames)
	}
	w.updateWatermark()
}

// updateWatermark publishes the cursor's progress: the watermark first, then
// the state word.
func (w *Watermark) updateWatermark() {
	w.assertLocked()

	if w.cursor != nil && w.cursor.hasNext() {
		w.watermark.Store(w.cursor.boundary())
		w.state.Store(uint64(epoch.NewState(w.iterEpoch, false)))
		if w.registered == 0 {
			w.registered = w.iterEpoch
			w.clock.Register(w.iterEpoch)
		}
		return
	}

	w.watermark.Store(0)
	w.state.Store(uint64(epoch.NewState(w.iterEpoch, true)))
	w.release()
	if !w.finished {
		w.finished = true
		w.logger.Info("finished stack processing iteration", "epoch", w.iterEpoch)
		w.metrics.RecordIterationFinish(w.thread.ID())
	}
}

// release drops the clock registration of an unfinished iteration.
func (w *Watermark) release() {
	if w.registered != 0 {
		w.clock.Unregister(w.registered)
		w.registered = 0
	}
}

// yield releases the lock so waiters can get in, then takes it back.
func (w *Watermark) yield() {
	w.mu.Unlock()
	w.logger.Debug("yielding stack watermark lock")
	w.metrics.RecordYield()
	runtime.Gosched()
	w.mu.Lock()
}

// StartIteration starts a new iteration if the cached epoch is stale. The
// common case of an already current watermark takes no lock.
func (w *Watermark) StartIteration() {
	if !w.shouldStartIterationAcquire() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shouldStartIteration() {
		w.startIterationLocked(nil)
	}
}

// ProcessOne does a small fixed amount of work: it starts a new iteration if
// the watermark is stale, otherwise it processes one more frame.
func (w *Watermark) ProcessOne() {
	start := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldStartIteration() {
		w.startIterationLocked(nil)
	} else if w.cursor != nil {
		if processed, _ := w.cursor.advanceOne(nil); processed {
			w.metrics.RecordFrames(1)
		}
		w.updateWatermark()
	}
	w.metrics.RecordProcessOne(time.Since(start))
}

// FinishIteration processes every remaining frame for the current epoch,
// starting the iteration first if needed. If the epoch advances while the
// lock is released between batches, the stale iteration is dropped and the
// new one drained instead. When it returns, the watermark is done for the
// epoch that was current when it last took the lock.
func (w *Watermark) FinishIteration(ctx any) {
	start := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		if w.shouldStartIteration() {
			w.startIterationLocked(ctx)
		}
		if w.cursor == nil || !w.cursor.hasNext() {
			break
		}
		w.logger.Info("processing whole stack", "epoch", w.iterEpoch)
		if w.cursor.drainAll(ctx) {
			break
		}
	}
	w.updateWatermark()
	w.metrics.RecordFinish(time.Since(start))
}

// IsFrameSafe reports whether f has been processed for the current epoch.
// A stale watermark trusts no frame.
func (w *Watermark) IsFrameSafe(f stack.Frame) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if safe, decided := w.safeWithoutCursor(); decided {
		return safe
	}
	if f.IsTransitional() {
		f = f.Sender()
	}
	return f.SP() < w.cursor.currentCaller()
}

// IsAddressSafe is IsFrameSafe for a raw stack address that needs no
// transitional frame resolution.
func (w *Watermark) IsAddressSafe(sp uintptr) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if safe, decided := w.safeWithoutCursor(); decided {
		return safe
	}
	return sp < w.cursor.currentCaller()
}

func (w *Watermark) safeWithoutCursor() (safe, decided bool) {
	s := w.loadState()
	if s.Epoch() != w.clock.Current() {
		return false, true
	}
	if s.Done() {
		return true, true
	}
	if w.cursor == nil {
		return true, true
	}
	return false, false
}

// Watermark returns the published watermark address, or 0 when done.
func (w *Watermark) Watermark() uintptr {
	return w.watermark.Load()
}

// LastProcessed returns the most recent boundary the current iteration has
// crossed, or 0 if the watermark is stale, done, or never had frames.
func (w *Watermark) LastProcessed() uintptr {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shouldStartIteration() {
		return 0
	}
	if w.Watermark() == 0 {
		return 0
	}
	if w.cursor == nil {
		return 0
	}
	return w.cursor.lastBoundary()
}

// CurrentEpoch returns the epoch of the last iteration this watermark started.
func (w *Watermark) CurrentEpoch() epoch.Epoch {
	return w.loadState().Epoch()
}

// Done reports whether the last started iteration has completed.
func (w *Watermark) Done() bool {
	return w.loadState().Done()
}

// Close abandons any unfinished iteration and drops its clock registration.
// Call it when the thread exits.
func (w *Watermark) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cursor = nil
	w.finished = true
	w.updateWatermark()
}
