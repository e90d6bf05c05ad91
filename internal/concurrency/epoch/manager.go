// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch provides the generation counter that drives stack processing rounds.
//
// This package implements the global epoch clock consulted by every stack
// watermark, together with the packed state word a watermark publishes to
// readers. Advancing the clock makes every watermark's cached epoch stale, which
// forces the next barrier operation on that thread to start a fresh iteration.
//
// # Key Features
//
//   - Monotonic global epoch shared by all monitored threads
//   - Packed (epoch, done) state word readable with a single atomic load
//   - Tracking of threads whose iteration for an epoch is still unfinished
//   - Minimum unfinished epoch for collectors waiting on a round to drain
//
// # Usage Examples
//
// Advancing the epoch and waiting for threads to catch up:
//
//	clock := epoch.NewClock()
//
//	// Start a new round of stack processing
//	e := clock.Advance()
//
//	// Watermarks register while their iteration is in flight
//	clock.Register(e)
//
//	// ... frames are processed ...
//
//	clock.Unregister(e)
//	count := clock.ActiveCount() // Returns 0
//
// # Dangers and Warnings
//
//   - **Registration Order**: Each Register() call must have a corresponding Unregister() call.
//   - **Epoch Zero**: Epoch 0 is never produced by Advance(); it is reserved for "never started".
//   - **Wraparound**: Epochs are 32 bits wide and compared by equality only. MinActive is the one exception and is not wrap-aware.
//
// # Thread Safety
//
// The clock is fully thread-safe. Current() is a single atomic load, Advance()
// a compare-and-swap loop. Registration is protected by a read/write lock.
package epoch

import (
	"sync"
	"sync/atomic"
)

// Clock is the global epoch source and tracks unfinished iterations per epoch.
type Clock struct {
	current  atomic.Uint32
	activeTS map[Epoch]int // epoch -> count of threads with unfinished iterations
	mu       sync.RWMutex
}

// NewClock creates a new epoch clock starting at epoch 1.
func NewClock() *Clock {
	c := &Clock{
		activeTS: make(map[Epoch]int),
	}
	c.current.Store(1)
	return c
}

// Current returns the current global epoch.
func (c *Clock) Current() Epoch {
	return Epoch(c.current.Load())
}

// Advance starts a new round and returns the new epoch. On wraparound it
// skips 0, so Current never reports the reserved epoch.
func (c *Clock) Advance() Epoch {
	for {
		old := c.current.Load()
		next := old + 1
		if next == 0 {
			next = 1
		}
		if c.current.CompareAndSwap(old, next) {
			return Epoch(next)
		}
	}
}

// Register marks one more thread as having an unfinished iteration for e.
func (c *Clock) Register(e Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeTS[e]++
}

// Unregister removes one unfinished iteration for e.
func (c *Clock) Unregister(e Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if count, exists := c.activeTS[e]; exists {
		if count <= 1 {
			delete(c.activeTS, e)
		} else {
			c.activeTS[e] = count - 1
		}
	}
}

// MinActive returns the numerically smallest epoch with an unfinished
// iteration, or 0 if every registered iteration has finished. The ordering
// is plain integer order and does not account for wraparound; prefer
// Pending when asking about one specific epoch.
func (c *Clock) MinActive() Epoch {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.activeTS) == 0 {
		return 0
	}

	min := ^Epoch(0)
	for e := range c.activeTS {
		if e < min {
			min = e
		}
	}
	return min
}

// ActiveCount returns the number of epochs with unfinished iterations.
func (c *Clock) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.activeTS)
}

// Pending returns how many threads have not finished their iteration for e.
func (c *Clock) Pending(e Epoch) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeTS[e]
}
