// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config loads the YAML configuration shared by the stack barrier tools.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kianostad/stackbarrier/internal/watermark"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete configuration
type Config struct {
	LogLevel  string          `yaml:"log_level"` // debug, info, warn, error
	Watermark WatermarkConfig `yaml:"watermark"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Bench     BenchConfig     `yaml:"bench"`
}

// WatermarkConfig contains the tuned constants of the barrier
type WatermarkConfig struct {
	BootstrapFrames int `yaml:"bootstrap_frames"` // frames processed when an iteration starts
	FramesPerYield  int `yaml:"frames_per_yield"` // barrier frames between lock releases in a drain
}

// MetricsConfig contains metrics collection settings
type MetricsConfig struct {
	BufferSize     int `yaml:"buffer_size"`
	LatencySamples int `yaml:"latency_samples"`
}

// BenchConfig contains the workload parameters of cmd/bench
type BenchConfig struct {
	Threads        int `yaml:"threads"`         // simulated mutator threads
	StackDepth     int `yaml:"stack_depth"`     // frames per thread
	BarrierEvery   int `yaml:"barrier_every"`   // every Nth frame is a barrier frame
	Epochs         int `yaml:"epochs"`          // collection rounds to run
	FinishParallel int `yaml:"finish_parallel"` // threads drained at once, 0 = all
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Watermark: WatermarkConfig{
			BootstrapFrames: watermark.DefaultBootstrapFrames,
			FramesPerYield:  watermark.DefaultFramesPerYield,
		},
		Metrics: MetricsConfig{
			BufferSize:     10000,
			LatencySamples: 1000,
		},
		Bench: BenchConfig{
			Threads:        8,
			StackDepth:     200,
			BarrierEvery:   2,
			Epochs:         20,
			FinishParallel: 4,
		},
	}
}

// Load reads and parses a YAML configuration file. Missing keys keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for out-of-range values.
func Validate(cfg *Config) error {
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.Watermark.BootstrapFrames < 1 {
		return fmt.Errorf("%w: bootstrap_frames must be at least 1, got %d", ErrInvalidConfig, cfg.Watermark.BootstrapFrames)
	}
	if cfg.Watermark.FramesPerYield < 1 {
		return fmt.Errorf("%w: frames_per_yield must be at least 1, got %d", ErrInvalidConfig, cfg.Watermark.FramesPerYield)
	}
	if cfg.Metrics.BufferSize < 0 || cfg.Metrics.LatencySamples < 1 {
		return fmt.Errorf("%w: metrics buffer_size must be >= 0 and latency_samples >= 1", ErrInvalidConfig)
	}
	if cfg.Bench.Threads < 1 || cfg.Bench.StackDepth < 0 || cfg.Bench.BarrierEvery < 1 || cfg.Bench.Epochs < 1 {
		return fmt.Errorf("%w: bench threads, barrier_every and epochs must be positive", ErrInvalidConfig)
	}
	if cfg.Bench.FinishParallel < 0 {
		return fmt.Errorf("%w: finish_parallel must not be negative", ErrInvalidConfig)
	}
	return nil
}

// WatermarkOptions converts the watermark section into watermark.Options.
func (c *Config) WatermarkOptions() watermark.Options {
	return watermark.Options{
		BootstrapFrames: c.Watermark.BootstrapFrames,
		FramesPerYield:  c.Watermark.FramesPerYield,
	}
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, s)
	}
}
