// Licensed under the MIT License. See LICENSE file in the project root for details.

package watermark

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrDuplicateThread is returned when a thread already has a watermark in the set.
var ErrDuplicateThread = errors.New("watermark already registered for thread")

// Set holds the watermarks of every monitored thread.
type Set struct {
	mu       sync.RWMutex
	byThread map[uint64]*Watermark
	limit    int
}

// NewSet creates an empty set. FinishAll drains at most limit threads at a
// time; limit <= 0 means one goroutine per thread.
func NewSet(limit int) *Set {
	return &Set{
		byThread: make(map[uint64]*Watermark),
		limit:    limit,
	}
}

// Add registers w under its thread ID.
func (s *Set) Add(w *Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byThread[w.ThreadID()]; exists {
		return fmt.Errorf("add thread %d: %w", w.ThreadID(), ErrDuplicateThread)
	}
	s.byThread[w.ThreadID()] = w
	return nil
}

// Remove closes and drops the watermark of tid. It reports whether one existed.
func (s *Set) Remove(tid uint64) bool {
	s.mu.Lock()
	w, exists := s.byThread[tid]
	delete(s.byThread, tid)
	s.mu.Unlock()

	if exists {
		w.Close()
	}
	return exists
}

// Get returns the watermark of tid.
func (s *Set) Get(tid uint64) (*Watermark, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, exists := s.byThread[tid]
	return w, exists
}

// Len returns the number of monitored threads.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byThread)
}

// Watermarks returns every watermark ordered by thread ID.
func (s *Set) Watermarks() []*Watermark {
	s.mu.RLock()
	out := make([]*Watermark, 0, len(s.byThread))
	for _, w := range s.byThread {
		out = append(out, w)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ThreadID() < out[j].ThreadID()
	})
	return out
}

// OnPoll is called by thread tid at a polling point. It does one incremental
// step and reports whether the thread is monitored.
func (s *Set) OnPoll(tid uint64) bool {
	w, ok := s.Get(tid)
	if ok {
		w.ProcessOne()
	}
	return ok
}

// StartAll starts the iteration of every stale watermark.
func (s *Set) StartAll() {
	for _, w := range s.Watermarks() {
		w.StartIteration()
	}
}

// FinishAll drains every thread's stack for the current epoch. Cancelling ctx
// stops threads that have not started draining yet; drains already in
// progress run to completion.
func (s *Set) FinishAll(ctx context.Context, procCtx any) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.limit > 0 {
		g.SetLimit(s.limit)
	}

	for _, w := range s.Watermarks() {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			w.FinishIteration(procCtx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("finish stack processing: %w", err)
	}
	return nil
}
