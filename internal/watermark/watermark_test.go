// Licensed under the MIT License. See LICENSE file in the project root for details.

package watermark

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"

	"github.com/kianostad/stackbarrier/internal/concurrency/epoch"
	"github.com/kianostad/stackbarrier/internal/stack"
)

type recordingProcessor struct {
	mu   sync.Mutex
	sps  []uintptr
	ctxs []any
}

func (p *recordingProcessor) Process(f stack.Frame, _ any, ctx any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sps = append(p.sps, f.SP())
	p.ctxs = append(p.ctxs, ctx)
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sps)
}

type countingRecorder struct {
	starts   atomic.Int64
	finishes atomic.Int64
	stale    atomic.Int64
	frames   atomic.Int64
	yields   atomic.Int64
	onYield  func()
}

func (r *countingRecorder) RecordIterationStart(uint64)    { r.starts.Add(1) }
func (r *countingRecorder) RecordIterationFinish(uint64)   { r.finishes.Add(1) }
func (r *countingRecorder) RecordStaleDiscard(uint64)      { r.stale.Add(1) }
func (r *countingRecorder) RecordFrames(n int)             { r.frames.Add(int64(n)) }
func (r *countingRecorder) RecordProcessOne(time.Duration) {}
func (r *countingRecorder) RecordFinish(time.Duration)     {}

func (r *countingRecorder) RecordYield() {
	r.yields.Add(1)
	if r.onYield != nil {
		r.onYield()
	}
}

func TestEmptyStack(t *testing.T) {
	Convey("Given a thread with no frames", t, func() {
		clock := epoch.NewClock()
		th := stack.NewSimThread(1, 0)
		proc := &recordingProcessor{}
		w := New(th, clock, proc, Options{})

		Convey("The watermark starts stale", func() {
			So(w.CurrentEpoch(), ShouldEqual, epoch.Epoch(0))
			So(w.IsAddressSafe(0x1000), ShouldBeFalse)
		})

		Convey("When starting an iteration", func() {
			w.StartIteration()

			Convey("Then it is immediately done", func() {
				So(w.Watermark(), ShouldEqual, uintptr(0))
				So(w.Done(), ShouldBeTrue)
				So(w.CurrentEpoch(), ShouldEqual, clock.Current())
				So(w.LastProcessed(), ShouldEqual, uintptr(0))
				So(w.IsAddressSafe(0x1000), ShouldBeTrue)
				So(proc.count(), ShouldEqual, 0)
				So(clock.ActiveCount(), ShouldEqual, 0)
			})
		})
	})
}

func TestIncrementalProcessing(t *testing.T) {
	Convey("Given a thread with 10 frames and barrier frames at positions 3 and 8", t, func() {
		clock := epoch.NewClock()
		th := stack.BuildSimThread(1, 10, func(pos int) bool { return pos == 3 || pos == 8 })
		proc := &recordingProcessor{}
		rec := &countingRecorder{}
		w := New(th, clock, proc, Options{Metrics: rec})

		w.StartIteration()

		Convey("The bootstrap processes exactly three frames", func() {
			So(proc.count(), ShouldEqual, 3)
			So(proc.sps[0], ShouldEqual, th.At(1).SP())
			So(proc.sps[2], ShouldEqual, th.At(3).SP())
			So(rec.frames.Load(), ShouldEqual, int64(3))
		})

		Convey("The last processed boundary is the barrier frame at position 3", func() {
			So(w.LastProcessed(), ShouldEqual, th.At(3).SP())
			So(w.Watermark(), ShouldEqual, th.At(3).SP())
			So(w.Done(), ShouldBeFalse)
			So(clock.Pending(clock.Current()), ShouldEqual, 1)
		})

		Convey("No frame is safe until a caller boundary is published", func() {
			So(w.IsFrameSafe(th.At(1)), ShouldBeFalse)
		})

		Convey("When calling ProcessOne five times", func() {
			for i := 0; i < 5; i++ {
				w.ProcessOne()
				So(proc.count(), ShouldEqual, 4+i)
			}

			Convey("Then the caller boundary moves to position 8", func() {
				So(w.LastProcessed(), ShouldEqual, th.At(8).SP())
				So(w.Watermark(), ShouldEqual, th.At(3).SP())
				So(w.IsFrameSafe(th.At(7)), ShouldBeTrue)
				So(w.IsFrameSafe(th.At(8)), ShouldBeFalse)
				So(w.IsFrameSafe(th.At(10)), ShouldBeFalse)
			})

			Convey("When calling ProcessOne two more times", func() {
				w.ProcessOne()
				w.ProcessOne()

				Convey("Then the iteration is done", func() {
					So(proc.count(), ShouldEqual, 10)
					So(w.Done(), ShouldBeTrue)
					So(w.Watermark(), ShouldEqual, uintptr(0))
					So(w.LastProcessed(), ShouldEqual, uintptr(0))
					So(w.IsFrameSafe(th.At(10)), ShouldBeTrue)
					So(rec.finishes.Load(), ShouldEqual, int64(1))
					So(clock.ActiveCount(), ShouldEqual, 0)
				})

				Convey("And further calls do nothing", func() {
					w.ProcessOne()
					So(proc.count(), ShouldEqual, 10)
					So(rec.finishes.Load(), ShouldEqual, int64(1))
				})
			})
		})
	})
}

func TestBootstrapWithoutBarrierFrames(t *testing.T) {
	Convey("Given a thread whose top frames are not barrier frames", t, func() {
		clock := epoch.NewClock()
		th := stack.BuildSimThread(1, 6, nil)
		w := New(th, clock, &recordingProcessor{}, Options{})

		w.StartIteration()

		Convey("The watermark falls back to the first unvisited frame", func() {
			So(w.Done(), ShouldBeFalse)
			So(w.Watermark(), ShouldEqual, th.At(4).SP())
			So(w.LastProcessed(), ShouldEqual, uintptr(0))
		})
	})
}

func TestForcedDrain(t *testing.T) {
	Convey("Given a cursor with 50 remaining frames and barrier frames every other frame", t, func() {
		clock := epoch.NewClock()
		th := stack.BuildSimThread(1, 53, func(pos int) bool { return pos%2 == 0 })
		proc := &recordingProcessor{}
		rec := &countingRecorder{}
		w := New(th, clock, proc, Options{Metrics: rec})

		var unlockedAtYield atomic.Int64
		var framesAtYield []int
		rec.onYield = func() {
			if w.mu.TryLock() {
				w.mu.Unlock()
				unlockedAtYield.Add(1)
			}
			framesAtYield = append(framesAtYield, proc.count())
		}

		w.StartIteration()
		So(proc.count(), ShouldEqual, 3)

		Convey("When finishing the iteration with a context", func() {
			w.FinishIteration("ctx")

			Convey("Then every frame is processed", func() {
				So(proc.count(), ShouldEqual, 53)
				So(w.Done(), ShouldBeTrue)
				So(w.Watermark(), ShouldEqual, uintptr(0))
			})

			Convey("And the lock was released every ten frames", func() {
				So(rec.yields.Load(), ShouldEqual, int64(5))
				So(unlockedAtYield.Load(), ShouldEqual, int64(5))
				So(framesAtYield, ShouldResemble, []int{12, 22, 32, 42, 52})
			})

			Convey("And the drained frames saw the context", func() {
				So(proc.ctxs[2], ShouldBeNil)
				So(proc.ctxs[3], ShouldEqual, "ctx")
				So(proc.ctxs[52], ShouldEqual, "ctx")
			})
		})
	})

	Convey("Given a stale watermark", t, func() {
		clock := epoch.NewClock()
		th := stack.BuildSimThread(1, 8, func(pos int) bool { return pos%3 == 0 })
		proc := &recordingProcessor{}
		w := New(th, clock, proc, Options{})

		Convey("FinishIteration starts and completes the iteration", func() {
			w.FinishIteration("ctx")
			So(proc.count(), ShouldEqual, 8)
			So(proc.ctxs[0], ShouldEqual, "ctx")
			So(w.Done(), ShouldBeTrue)
			So(w.CurrentEpoch(), ShouldEqual, clock.Current())
		})
	})
}

func TestEpochAdvanceDuringDrain(t *testing.T) {
	Convey("Given a forced drain of 53 frames with barrier frames every other frame", t, func() {
		clock := epoch.NewClock()
		th := stack.BuildSimThread(1, 53, func(pos int) bool { return pos%2 == 0 })
		proc := &recordingProcessor{}
		rec := &countingRecorder{}
		w := New(th, clock, proc, Options{Metrics: rec})

		w.StartIteration()
		old := w.CurrentEpoch()
		So(clock.Pending(old), ShouldEqual, 1)

		var advanced bool
		var processedBefore int

		Convey("When the epoch advances at the first yield and nobody restarts", func() {
			rec.onYield = func() {
				if advanced {
					return
				}
				advanced = true
				processedBefore = proc.count()
				clock.Advance()
			}
			w.FinishIteration(nil)

			Convey("Then the stale iteration is dropped and the new epoch fully drained", func() {
				So(advanced, ShouldBeTrue)
				So(w.Done(), ShouldBeTrue)
				So(w.CurrentEpoch(), ShouldEqual, clock.Current())
				So(w.CurrentEpoch(), ShouldNotEqual, old)
				So(w.IsAddressSafe(th.Top().SP()), ShouldBeTrue)
				So(proc.count()-processedBefore, ShouldEqual, 53)
				So(clock.Pending(old), ShouldEqual, 0)
				So(clock.Pending(clock.Current()), ShouldEqual, 0)
				So(rec.starts.Load(), ShouldEqual, int64(2))
				So(rec.stale.Load(), ShouldEqual, int64(1))
			})
		})

		Convey("When the epoch advances at the first yield and the owner restarts the iteration", func() {
			rec.onYield = func() {
				if advanced {
					return
				}
				advanced = true
				processedBefore = proc.count()
				clock.Advance()
				w.ProcessOne()
			}
			w.FinishIteration(nil)

			Convey("Then FinishIteration drains the replacement cursor", func() {
				So(advanced, ShouldBeTrue)
				So(w.Done(), ShouldBeTrue)
				So(w.CurrentEpoch(), ShouldEqual, clock.Current())
				So(proc.count()-processedBefore, ShouldEqual, 53)
				So(clock.Pending(old), ShouldEqual, 0)
				So(clock.Pending(clock.Current()), ShouldEqual, 0)
				So(rec.starts.Load(), ShouldEqual, int64(2))
				So(rec.stale.Load(), ShouldEqual, int64(1))
			})
		})
	})
}

func TestEpochAdvance(t *testing.T) {
	Convey("Given an iteration in progress", t, func() {
		clock := epoch.NewClock()
		th := stack.BuildSimThread(1, 10, func(pos int) bool { return pos%2 == 1 })
		proc := &recordingProcessor{}
		rec := &countingRecorder{}
		w := New(th, clock, proc, Options{Metrics: rec})
		w.StartIteration()
		first := w.CurrentEpoch()

		Convey("When the global epoch advances", func() {
			next := clock.Advance()

			Convey("Then no frame is trusted", func() {
				So(w.IsFrameSafe(th.At(1)), ShouldBeFalse)
				So(w.LastProcessed(), ShouldEqual, uintptr(0))
			})

			Convey("Then ProcessOne starts a fresh iteration", func() {
				w.ProcessOne()
				So(w.CurrentEpoch(), ShouldEqual, next)
				So(w.CurrentEpoch(), ShouldBeGreaterThan, first)
				So(proc.count(), ShouldEqual, 6)
				So(proc.sps[3], ShouldEqual, th.At(1).SP())
				So(rec.starts.Load(), ShouldEqual, int64(2))
				So(rec.stale.Load(), ShouldEqual, int64(1))
				So(clock.Pending(first), ShouldEqual, 0)
				So(clock.Pending(next), ShouldEqual, 1)
			})
		})
	})
}

func TestTransitionalFrames(t *testing.T) {
	Convey("Given a transitional frame on top of a barrier frame", t, func() {
		clock := epoch.NewClock()
		th := stack.NewSimThread(1, 0)
		for i := 0; i < 4; i++ {
			th.Push(false)
		}
		callerFrame := th.Push(true)
		top := th.PushTransitional()
		top.Barrier = true

		w := New(th, clock, &recordingProcessor{}, Options{BootstrapFrames: 2})
		w.StartIteration()
		So(w.LastProcessed(), ShouldEqual, callerFrame.SP())

		Convey("Its raw address is below the caller boundary", func() {
			So(w.IsAddressSafe(top.SP()), ShouldBeTrue)
		})

		Convey("But it is judged by its logical caller", func() {
			So(w.IsFrameSafe(top), ShouldBeFalse)
		})
	})
}

func TestConcurrentStartIteration(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a stale watermark", t, func() {
		clock := epoch.NewClock()
		th := stack.BuildSimThread(1, 20, func(pos int) bool { return pos%2 == 0 })
		proc := &recordingProcessor{}
		rec := &countingRecorder{}
		w := New(th, clock, proc, Options{Metrics: rec})

		Convey("When many goroutines start the iteration at once", func() {
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					w.StartIteration()
				}()
			}
			close(start)
			wg.Wait()

			Convey("Then exactly one iteration is started", func() {
				So(rec.starts.Load(), ShouldEqual, int64(1))
				So(proc.count(), ShouldEqual, 3)
				So(w.CurrentEpoch(), ShouldEqual, clock.Current())
			})
		})
	})
}

func TestConcurrentDrainAndPoll(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a deep stack drained while the owner polls", t, func() {
		clock := epoch.NewClock()
		th := stack.BuildSimThread(1, 500, func(pos int) bool { return pos%2 == 0 })
		proc := &recordingProcessor{}
		w := New(th, clock, proc, Options{})

		var wg sync.WaitGroup
		var stop atomic.Bool
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				w.ProcessOne()
				_ = w.IsFrameSafe(th.At(250))
				_ = w.Watermark()
			}
		}()

		w.FinishIteration(nil)
		stop.Store(true)
		wg.Wait()

		Convey("Then every frame is processed exactly once", func() {
			So(proc.count(), ShouldEqual, 500)
			So(w.Done(), ShouldBeTrue)
			So(w.Watermark(), ShouldEqual, uintptr(0))
		})
	})
}

func TestClose(t *testing.T) {
	Convey("Given an unfinished iteration", t, func() {
		clock := epoch.NewClock()
		th := stack.BuildSimThread(1, 10, func(pos int) bool { return pos%2 == 0 })
		w := New(th, clock, &recordingProcessor{}, Options{Kind: KindJFR})
		w.StartIteration()
		So(clock.Pending(clock.Current()), ShouldEqual, 1)
		So(w.Kind(), ShouldEqual, KindJFR)
		So(w.ThreadID(), ShouldEqual, uint64(1))

		Convey("When closing the watermark", func() {
			w.Close()

			Convey("Then its clock registration is dropped", func() {
				So(clock.Pending(clock.Current()), ShouldEqual, 0)
				So(w.Done(), ShouldBeTrue)
				So(w.Watermark(), ShouldEqual, uintptr(0))
			})
		})
	})
}

func TestOptionsDefaults(t *testing.T) {
	Convey("Zero options select the tuned defaults", t, func() {
		o := Options{}.withDefaults()
		So(o.BootstrapFrames, ShouldEqual, DefaultBootstrapFrames)
		So(o.FramesPerYield, ShouldEqual, DefaultFramesPerYield)
		So(o.Logger, ShouldNotBeNil)
		So(o.Metrics, ShouldNotBeNil)
		So(KindGC.String(), ShouldEqual, "gc")
		So(Kind(9).String(), ShouldEqual, "unknown")
	})
}
