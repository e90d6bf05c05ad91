// Licensed under the MIT License. See LICENSE file in the project root for details.

package stack

import "sync"

// FrameSize is the distance between adjacent simulated frames.
const FrameSize uintptr = 0x40

// DefaultStackBase is the bottom address used when none is given.
const DefaultStackBase uintptr = 0x7fff_0000

// SimFrame is a simulated stack frame.
type SimFrame struct {
	Addr         uintptr
	Barrier      bool
	Transitional bool
	caller       *SimFrame
}

func (f *SimFrame) SP() uintptr          { return f.Addr }
func (f *SimFrame) HasBarrier() bool     { return f.Barrier }
func (f *SimFrame) IsTransitional() bool { return f.Transitional }

// Sender returns the caller frame, or f itself for the bottom frame.
func (f *SimFrame) Sender() Frame {
	if f.caller == nil {
		return f
	}
	return f.caller
}

// SimThread is a thread whose stack is a slice of simulated frames.
// Frames are pushed toward lower addresses.
type SimThread struct {
	id     uint64
	base   uintptr
	mu     sync.Mutex
	frames []*SimFrame // bottom first
}

// NewSimThread creates an empty simulated thread whose bottom frame sits at base.
func NewSimThread(id uint64, base uintptr) *SimThread {
	if base == 0 {
		base = DefaultStackBase
	}
	return &SimThread{id: id, base: base}
}

// BuildSimThread creates a thread with n frames. Position 1 is the top of the
// stack; barrier reports whether the frame at a position is a barrier frame.
func BuildSimThread(id uint64, n int, barrier func(pos int) bool) *SimThread {
	t := NewSimThread(id, DefaultStackBase)
	for pos := n; pos >= 1; pos-- {
		t.Push(barrier != nil && barrier(pos))
	}
	return t
}

// ID returns the thread identifier.
func (t *SimThread) ID() uint64 { return t.id }

// Push adds a frame on top of the stack and returns it.
func (t *SimThread) Push(barrier bool) *SimFrame {
	return t.push(&SimFrame{Barrier: barrier})
}

// PushTransitional adds a transitional frame that resolves to its caller.
func (t *SimThread) PushTransitional() *SimFrame {
	return t.push(&SimFrame{Transitional: true})
}

func (t *SimThread) push(f *SimFrame) *SimFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	f.Addr = t.base - uintptr(len(t.frames))*FrameSize
	if n := len(t.frames); n > 0 {
		f.caller = t.frames[n-1]
	}
	t.frames = append(t.frames, f)
	return f
}

// Pop removes the top frame. It reports false if the stack was empty.
func (t *SimThread) Pop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.frames) == 0 {
		return false
	}
	t.frames[len(t.frames)-1] = nil
	t.frames = t.frames[:len(t.frames)-1]
	return true
}

// Depth returns the number of frames on the stack.
func (t *SimThread) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

// Top returns the top frame, or nil if the stack is empty.
func (t *SimThread) Top() *SimFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

// At returns the frame at pos, where position 1 is the top of the stack.
func (t *SimThread) At(pos int) *SimFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := len(t.frames) - pos
	if pos < 1 || i < 0 {
		return nil
	}
	return t.frames[i]
}

// HasFrames reports whether the stack holds any frame.
func (t *SimThread) HasFrames() bool {
	return t.Depth() > 0
}

// Walk returns a stream over a snapshot of the current frames, top first.
func (t *SimThread) Walk() Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make([]*SimFrame, len(t.frames))
	for i, f := range t.frames {
		snap[len(t.frames)-1-i] = f
	}
	return &simStream{frames: snap}
}

type simStream struct {
	frames []*SimFrame
	pos    int
}

func (s *simStream) Done() bool     { return s.pos >= len(s.frames) }
func (s *simStream) Current() Frame { return s.frames[s.pos] }

// Registers returns the frame's depth from the top, standing in for an unwind context.
func (s *simStream) Registers() any { return s.pos }

func (s *simStream) Next() {
	if s.pos < len(s.frames) {
		s.pos++
	}
}
