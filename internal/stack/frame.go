// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package stack defines the frame-walking contracts a stack watermark consumes.
//
// A Thread exposes its frames through a Stream that walks from the top of the
// stack toward the bottom. Frame addresses increase in that direction. The
// watermark never interprets a frame beyond what these interfaces expose: its
// address, whether crossing it must be published, whether it is a transitional
// frame that stands in for its caller, and how to reach that caller.
//
// SimThread is an in-memory implementation used by tests and the tools under
// cmd/.
package stack

// Frame is one activation record on a thread's stack.
type Frame interface {
	// SP is the frame's stack address.
	SP() uintptr
	// HasBarrier reports whether crossing this frame must be published to the watermark.
	HasBarrier() bool
	// IsTransitional reports whether the frame must be resolved to its caller
	// before comparing it against the watermark.
	IsTransitional() bool
	// Sender resolves the frame to its logical caller.
	Sender() Frame
}

// Stream walks a thread's frames from the top of the stack toward the bottom.
type Stream interface {
	Done() bool
	Current() Frame
	// Registers is the unwind context for Current, handed to the processor untouched.
	Registers() any
	Next()
}

// Thread is a monitored thread whose frames can be walked.
type Thread interface {
	ID() uint64
	HasFrames() bool
	Walk() Stream
}

// Processor is invoked once per visited frame. Its effects are invisible to the watermark.
type Processor interface {
	Process(f Frame, registers any, ctx any)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(f Frame, registers any, ctx any)

// Process calls fn(f, registers, ctx).
func (fn ProcessorFunc) Process(f Frame, registers any, ctx any) {
	fn(f, registers, ctx)
}
