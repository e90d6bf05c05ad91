// Licensed under the MIT License. See LICENSE file in the project root for details.

package watermark

import (
	"github.com/kianostad/stackbarrier/internal/stack"
)

// cursor walks one thread's frames for a single iteration. It is owned by its
// Watermark and only touched with the watermark lock held.
//
// callee and caller are the two most recent barrier boundaries crossed. A frame
// can always read its caller's published boundary because the cursor keeps one
// boundary of slack behind the most recent one.
type cursor struct {
	owner  *Watermark
	frames stack.Stream
	callee uintptr
	caller uintptr
	done   bool
}

func newCursor(owner *Watermark, frames stack.Stream) *cursor {
	return &cursor{
		owner:  owner,
		frames: frames,
		done:   frames.Done(),
	}
}

func (c *cursor) hasNext() bool {
	return !c.done
}

func (c *cursor) currentCallee() uintptr {
	return c.callee
}

func (c *cursor) currentCaller() uintptr {
	return c.caller
}

// boundary is the address published as the watermark. Before any barrier
// frame has been crossed it falls back to the first unvisited frame, which
// still leaves every unvisited frame at or below the watermark.
func (c *cursor) boundary() uintptr {
	if c.callee != 0 {
		return c.callee
	}
	invariant(c.hasNext(), "boundary of a finished cursor")
	return c.frames.Current().SP()
}

// lastBoundary is the most recent boundary crossed, or 0 if none.
func (c *cursor) lastBoundary() uintptr {
	if c.caller != 0 {
		return c.caller
	}
	return c.callee
}

func (c *cursor) next() {
	c.frames.Next()
	c.done = c.frames.Done()
}

// setWatermark folds sp into the (callee, caller) pair.
func (c *cursor) setWatermark(sp uintptr) {
	if !c.hasNext() {
		return
	}

	switch {
	case c.callee == 0:
		c.callee = sp
	case c.caller == 0:
		c.caller = sp
	default:
		c.callee = c.caller
		c.caller = sp
	}
}

// advanceOne processes the current frame. It reports whether a frame was
// processed and whether it was a barrier frame.
func (c *cursor) advanceOne(ctx any) (processed, barrier bool) {
	if !c.hasNext() {
		return false, false
	}

	f := c.frames.Current()
	sp := f.SP()
	invariant(sp >= c.caller, "frame address below the published caller boundary")
	barrier = f.HasBarrier()
	c.owner.processor.Process(f, c.frames.Registers(), ctx)
	c.next()
	if barrier {
		c.setWatermark(sp)
	}
	return true, barrier
}

// drainAll processes every remaining frame, publishing the watermark and
// releasing the owner's lock after every FramesPerYield barrier frames.
// It returns false if, while the lock was released, the owner replaced this
// cursor or the global epoch moved on; the caller must then look at the
// owner's current cursor or start a new iteration.
func (c *cursor) drainAll(ctx any) bool {
	w := c.owner
	perYield := w.opts.FramesPerYield
	barriers := 0
	frames := 0

	for c.hasNext() {
		_, barrier := c.advanceOne(ctx)
		frames++
		if !barrier {
			continue
		}
		barriers++
		if barriers == perYield {
			barriers = 0
			w.metrics.RecordFrames(frames)
			frames = 0
			w.updateWatermark()
			w.yield()
			if w.cursor != c || w.shouldStartIteration() {
				return false
			}
		}
	}
	w.metrics.RecordFrames(frames)
	return true
}
