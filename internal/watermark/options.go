// Licensed under the MIT License. See LICENSE file in the project root for details.

package watermark

import (
	"log/slog"
	"time"

	"github.com/kianostad/stackbarrier/internal/concurrency/epoch"
)

const (
	// DefaultBootstrapFrames is how many frames a new iteration processes before
	// returning: the callee, its caller, and one extra frame that appears when
	// unwinding out of a runtime call hits a poll on the way back.
	DefaultBootstrapFrames = 3

	// DefaultFramesPerYield is how many barrier frames a bulk drain processes
	// between releases of the watermark lock.
	DefaultFramesPerYield = 5
)

// Kind identifies which subsystem a watermark serves.
type Kind uint8

const (
	KindGC Kind = iota
	KindJFR
)

func (k Kind) String() string {
	switch k {
	case KindGC:
		return "gc"
	case KindJFR:
		return "jfr"
	default:
		return "unknown"
	}
}

// Clock is the global epoch source a watermark checks itself against.
// *epoch.Clock satisfies it.
type Clock interface {
	Current() epoch.Epoch
	Register(e epoch.Epoch)
	Unregister(e epoch.Epoch)
}

// Recorder receives barrier events. *metrics.Metrics satisfies it.
// Implementations must not block: they are called with the watermark lock held.
type Recorder interface {
	RecordIterationStart(tid uint64)
	RecordIterationFinish(tid uint64)
	RecordStaleDiscard(tid uint64)
	RecordFrames(n int)
	RecordYield()
	RecordProcessOne(d time.Duration)
	RecordFinish(d time.Duration)
}

// Options configures a Watermark. Zero values select the defaults.
type Options struct {
	Kind            Kind
	BootstrapFrames int
	FramesPerYield  int
	Logger          *slog.Logger
	Metrics         Recorder
}

func (o Options) withDefaults() Options {
	if o.BootstrapFrames <= 0 {
		o.BootstrapFrames = DefaultBootstrapFrames
	}
	if o.FramesPerYield <= 0 {
		o.FramesPerYield = DefaultFramesPerYield
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Metrics == nil {
		o.Metrics = nopRecorder{}
	}
	return o
}

type nopRecorder struct{}

func (nopRecorder) RecordIterationStart(uint64)    {}
func (nopRecorder) RecordIterationFinish(uint64)   {}
func (nopRecorder) RecordStaleDiscard(uint64)      {}
func (nopRecorder) RecordFrames(int)               {}
func (nopRecorder) RecordYield()                   {}
func (nopRecorder) RecordProcessOne(time.Duration) {}
func (nopRecorder) RecordFinish(time.Duration)     {}
