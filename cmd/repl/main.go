// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive REPL for exploring a stack watermark.
//
// The REPL drives a single simulated thread and its watermark by hand, which
// makes the bootstrap, incremental and drain paths easy to observe step by step.
//
// # Usage
//
//	go run ./cmd/repl
//	go run ./cmd/repl -v        # log iteration events to stderr
//
// Available commands:
//
//	push [barrier]      - Push a frame (optionally a barrier frame) on the thread
//	pushn <n> <every>   - Push n frames, every Nth one a barrier frame
//	pop                 - Pop the top frame
//	epoch               - Advance the global epoch
//	start               - StartIteration
//	step                - ProcessOne
//	finish              - FinishIteration
//	safe <pos>          - IsFrameSafe for the frame at pos (1 = top)
//	wm                  - Show watermark, last processed boundary and state
//	stack               - List the frames
//	stats               - Print collected metrics
//	quit, exit          - Exit the REPL
//
// Example session:
//
//	> pushn 10 2
//	OK (10 frames)
//	> start
//	epoch=1 done=false watermark=0x7ffefdc0 last=0x7ffefe40
//	> finish
//	epoch=1 done=true watermark=0x0 last=0x0
//
// # Limitations
//
//   - One thread only
//   - Frames are simulated; the processor only counts visits
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/kianostad/stackbarrier/internal/concurrency/epoch"
	"github.com/kianostad/stackbarrier/internal/monitoring/metrics"
	"github.com/kianostad/stackbarrier/internal/stack"
	"github.com/kianostad/stackbarrier/internal/watermark"
)

type REPL struct {
	clock   *epoch.Clock
	thread  *stack.SimThread
	wm      *watermark.Watermark
	metrics *metrics.Metrics
	visits  map[uintptr]int
	out     io.Writer
}

func NewREPL(logger *slog.Logger, out io.Writer) *REPL {
	r := &REPL{
		clock:   epoch.NewClock(),
		thread:  stack.NewSimThread(1, 0),
		metrics: metrics.NewMetrics(),
		visits:  make(map[uintptr]int),
		out:     out,
	}
	processor := stack.ProcessorFunc(func(f stack.Frame, _ any, _ any) {
		r.visits[f.SP()]++
	})
	r.wm = watermark.New(r.thread, r.clock, processor, watermark.Options{
		Logger:  logger,
		Metrics: r.metrics,
	})
	return r
}

func (r *REPL) Close() {
	r.wm.Close()
	r.metrics.Close()
}

func (r *REPL) printState() {
	fmt.Fprintf(r.out, "epoch=%d done=%t watermark=%#x last=%#x\n",
		r.wm.CurrentEpoch(), r.wm.Done(), r.wm.Watermark(), r.wm.LastProcessed())
}

// Exec runs one command line. It returns false when the REPL should exit.
func (r *REPL) Exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}

	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "push":
		barrier := len(args) == 1 && args[0] == "barrier"
		f := r.thread.Push(barrier)
		fmt.Fprintf(r.out, "OK sp=%#x barrier=%t\n", f.SP(), barrier)

	case "pushn":
		if len(args) != 2 {
			fmt.Fprintln(r.out, "Usage: pushn <n> <every>")
			return true
		}
		n, err1 := strconv.Atoi(args[0])
		every, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil || n < 0 || every < 1 {
			fmt.Fprintln(r.out, "Usage: pushn <n> <every>")
			return true
		}
		for i := 1; i <= n; i++ {
			r.thread.Push(i%every == 0)
		}
		fmt.Fprintf(r.out, "OK (%d frames)\n", n)

	case "pop":
		if r.thread.Pop() {
			fmt.Fprintln(r.out, "OK")
		} else {
			fmt.Fprintln(r.out, "Stack is empty")
		}

	case "epoch":
		fmt.Fprintf(r.out, "Global epoch: %d\n", r.clock.Advance())

	case "start":
		r.wm.StartIteration()
		r.printState()

	case "step":
		r.wm.ProcessOne()
		r.printState()

	case "finish":
		r.wm.FinishIteration(nil)
		r.printState()

	case "safe":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "Usage: safe <pos>")
			return true
		}
		pos, err := strconv.Atoi(args[0])
		f := r.thread.At(pos)
		if err != nil || f == nil {
			fmt.Fprintln(r.out, "No such frame")
			return true
		}
		fmt.Fprintf(r.out, "sp=%#x safe=%t\n", f.SP(), r.wm.IsFrameSafe(f))

	case "wm":
		r.printState()

	case "stack":
		for pos := 1; pos <= r.thread.Depth(); pos++ {
			f := r.thread.At(pos)
			fmt.Fprintf(r.out, "%3d sp=%#x barrier=%-5t visits=%d\n", pos, f.SP(), f.Barrier, r.visits[f.SP()])
		}

	case "stats":
		r.metrics.Sync()
		fmt.Fprintln(r.out, string(r.metrics.ExportJSON()))

	case "quit", "exit":
		fmt.Fprintln(r.out, "Goodbye!")
		return false

	default:
		fmt.Fprintf(r.out, "Unknown command: %s\n", cmd)
	}
	return true
}

func (r *REPL) Run(in io.Reader) {
	fmt.Fprintln(r.out, "Stack Watermark REPL")
	fmt.Fprintln(r.out, "Commands: push, pushn, pop, epoch, start, step, finish, safe, wm, stack, stats, quit")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			break
		}
		if !r.Exec(strings.TrimSpace(scanner.Text())) {
			return
		}
	}
}

func main() {
	verbose := flag.Bool("v", false, "Log iteration events to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	repl := NewREPL(logger, os.Stdout)
	defer repl.Close()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal.")
		repl.Close()
		os.Exit(0)
	}()

	repl.Run(os.Stdin)
}
