// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides a workload driver for the stack watermark barrier.
//
// The driver starts a number of simulated mutator threads that keep calling
// and returning through their stacks, polling their watermark at every call
// and honouring the return barrier on every return. A collector goroutine
// repeatedly advances the global epoch and forces every thread's stack to be
// drained. At the end it prints throughput and the collected metrics.
//
// # Usage
//
//	go run ./cmd/bench
//	go run ./cmd/bench -config bench.yaml -prometheus
//
// # Flags
//
//	-config <path>   YAML configuration file (see internal/config)
//	-prometheus      Print metrics in Prometheus text format instead of JSON
//
// # Interpreting Results
//
//   - **Drain latency**: time FinishAll took per epoch; grows with stack depth
//   - **Yields**: how often drains released the lock to let mutators in
//   - **Stale iterations**: iterations a mutator started but never finished before the next epoch
//
// # Dangers and Warnings
//
//   - **CPU Usage**: Mutators spin as fast as they can for the whole run.
//   - **Simulated Stacks**: Frames are in-memory records; results show lock and scheduling behaviour only.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kianostad/stackbarrier/internal/concurrency/epoch"
	"github.com/kianostad/stackbarrier/internal/config"
	"github.com/kianostad/stackbarrier/internal/monitoring/metrics"
	"github.com/kianostad/stackbarrier/internal/stack"
	"github.com/kianostad/stackbarrier/internal/watermark"
)

type result struct {
	epochs      int
	drainTotal  time.Duration
	mutatorOps  uint64
	barrierHits uint64
	frames      uint64
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	prometheus := flag.Bool("prometheus", false, "Print metrics in Prometheus text format")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	m := metrics.NewMetricsWithConfig(metrics.MetricsConfig{
		BufferSize:     cfg.Metrics.BufferSize,
		LatencySamples: cfg.Metrics.LatencySamples,
	})
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Stack Watermark Barrier Benchmark")
	fmt.Println("=================================")
	fmt.Printf("threads=%d depth=%d barrier_every=%d epochs=%d bootstrap=%d frames_per_yield=%d\n",
		cfg.Bench.Threads, cfg.Bench.StackDepth, cfg.Bench.BarrierEvery, cfg.Bench.Epochs,
		cfg.Watermark.BootstrapFrames, cfg.Watermark.FramesPerYield)

	res, err := run(ctx, cfg, logger, m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nEpochs completed: %d\n", res.epochs)
	if res.epochs > 0 {
		fmt.Printf("Average drain:    %v\n", res.drainTotal/time.Duration(res.epochs))
	}
	fmt.Printf("Mutator ops:      %d\n", res.mutatorOps)
	fmt.Printf("Return barriers:  %d\n", res.barrierHits)
	fmt.Printf("Frames processed: %d\n", res.frames)

	m.Sync()
	fmt.Println()
	if *prometheus {
		fmt.Print(m.ExportPrometheus())
	} else {
		fmt.Println(string(m.ExportJSON()))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (result, error) {
	var res result
	var frames atomic.Uint64
	processor := stack.ProcessorFunc(func(stack.Frame, any, any) {
		frames.Add(1)
	})

	clock := epoch.NewClock()
	set := watermark.NewSet(cfg.Bench.FinishParallel)
	opts := cfg.WatermarkOptions()
	opts.Logger = logger
	opts.Metrics = m

	threads := make([]*stack.SimThread, 0, cfg.Bench.Threads)
	for tid := 1; tid <= cfg.Bench.Threads; tid++ {
		th := stack.BuildSimThread(uint64(tid), cfg.Bench.StackDepth, func(pos int) bool {
			return pos%cfg.Bench.BarrierEvery == 0
		})
		threads = append(threads, th)
		if err := set.Add(watermark.New(th, clock, processor, opts)); err != nil {
			return res, err
		}
	}

	var mutatorOps, barrierHits atomic.Uint64
	var done atomic.Bool
	g, gctx := errgroup.WithContext(ctx)

	for _, th := range threads {
		w, _ := set.Get(th.ID())
		g.Go(func() error {
			mutate(gctx, &done, th, w, cfg.Bench.StackDepth, cfg.Bench.BarrierEvery, &mutatorOps, &barrierHits)
			return nil
		})
	}

	g.Go(func() error {
		defer done.Store(true)
		for i := 0; i < cfg.Bench.Epochs; i++ {
			if err := gctx.Err(); err != nil {
				return err
			}
			e := clock.Advance()
			start := time.Now()
			set.StartAll()
			if err := set.FinishAll(gctx, nil); err != nil {
				return err
			}
			res.drainTotal += time.Since(start)
			res.epochs++
			logger.Debug("epoch drained", "epoch", e, "pending", clock.Pending(e))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("benchmark aborted: %w", err)
	}

	for _, th := range threads {
		set.Remove(th.ID())
	}

	res.mutatorOps = mutatorOps.Load()
	res.barrierHits = barrierHits.Load()
	res.frames = frames.Load()
	return res, nil
}

// mutate keeps a thread calling and returning between half and full depth.
// Every call polls the watermark; every return first makes sure the frame it
// returns into has been processed.
func mutate(ctx context.Context, done *atomic.Bool, th *stack.SimThread, w *watermark.Watermark,
	depth, barrierEvery int, ops, hits *atomic.Uint64) {
	low := depth / 2
	for !done.Load() && ctx.Err() == nil {
		if th.Depth() > low && rand.IntN(2) == 0 {
			if caller := th.At(2); caller != nil {
				for !w.IsFrameSafe(caller) {
					hits.Add(1)
					w.ProcessOne()
				}
			}
			th.Pop()
		} else if th.Depth() < depth {
			th.Push(rand.IntN(barrierEvery) == 0)
			w.ProcessOne()
		}
		ops.Add(1)
	}
}
