// Package config assembles run configuration from BRAINAGE_* environment
// variables and command-line flags. Flags win over the environment, which
// wins over the built-in defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/brainage/brainage/checkpoints"
	"github.com/brainage/brainage/training"
	"github.com/brainage/brainage/vision/preprocessing"
)

const envPrefix = "BRAINAGE_"

// Config is the full configuration of a brainage command.
type Config struct {
	Training training.Config

	Manifest     string
	Grid         preprocessing.Grid
	TestFraction float64
	Workers      int // 0 uses parallel.Workers()

	MetricsAddr  string // empty disables the metrics server
	RunStorePath string // empty disables the run store
	PlotsDir     string // empty disables plot export

	LogFormat string // "text" or "json"
	LogLevel  slog.Level
}

// Default returns the reference configuration.
func Default() Config {
	tc := training.DefaultConfig()
	tc.CheckpointPath = "brainage.ckpt.json"
	return Config{
		Training:     tc,
		Grid:         preprocessing.CanonicalGrid,
		TestFraction: 0.2,
		LogFormat:    "text",
		LogLevel:     slog.LevelInfo,
	}
}

// FromEnv overlays BRAINAGE_* environment variables on Default.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("env", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cfg.RegisterFlags(fs)

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		name := EnvName(f.Name)
		v, ok := lookup(name)
		if !ok {
			return
		}
		if err := f.Value.Set(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	})
	return cfg, errors.Join(errs...)
}

// EnvName maps a flag name to its environment variable, e.g. "batch-size"
// to BRAINAGE_BATCH_SIZE.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// RegisterFlags binds every field to fs, using the current values as
// defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	t := &c.Training
	fs.Float64Var(&t.BaseLearningRate, "lr", t.BaseLearningRate, "base learning rate")
	fs.Float64Var(&t.WeightDecay, "weight-decay", t.WeightDecay, "AdamW weight decay")
	fs.IntVar(&t.BatchSize, "batch-size", t.BatchSize, "samples per batch")
	fs.IntVar(&t.Epochs, "epochs", t.Epochs, "maximum number of epochs")
	fs.IntVar(&t.WarmupEpochs, "warmup-epochs", t.WarmupEpochs, "linear warmup epochs")
	fs.IntVar(&t.SchedulerPatience, "scheduler-patience", t.SchedulerPatience, "stale epochs before the learning rate is reduced")
	fs.Float64Var(&t.SchedulerFactor, "scheduler-factor", t.SchedulerFactor, "learning rate reduction factor")
	fs.Float64Var(&t.MinLearningRate, "min-lr", t.MinLearningRate, "learning rate floor")
	fs.IntVar(&t.EarlyStopPatience, "early-stop-patience", t.EarlyStopPatience, "stale epochs before training stops")
	fs.Float64Var(&t.GradClipNorm, "clip-norm", t.GradClipNorm, "global gradient norm limit, 0 disables")
	fs.Int64Var(&t.Seed, "seed", t.Seed, "random seed for weights, shuffling, augmentation and the split")
	fs.StringVar(&t.CheckpointPath, "checkpoint", t.CheckpointPath, "best-model checkpoint path")
	fs.Var(formatValue{&t.CheckpointFormat}, "checkpoint-format", "checkpoint encoding: json or binary")
	fs.BoolVar(&t.RestoreBest, "restore-best", t.RestoreBest, "reload the best checkpoint when training ends")

	fs.StringVar(&c.Manifest, "manifest", c.Manifest, "CSV manifest: subject,age,cohort,volume_path")
	fs.Var(gridValue{&c.Grid}, "grid", "volume grid DxHxW")
	fs.Float64Var(&c.TestFraction, "test-fraction", c.TestFraction, "fraction of subjects held out")
	fs.IntVar(&c.Workers, "workers", c.Workers, "parallel workers for loading and feature extraction, 0 for all cores")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve Prometheus metrics on this address")
	fs.StringVar(&c.RunStorePath, "run-store", c.RunStorePath, "SQLite database recording runs")
	fs.StringVar(&c.PlotsDir, "plots-dir", c.PlotsDir, "directory for JSON plot exports")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text or json")
	fs.TextVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
}

// Validate checks the fields the training config does not cover.
func (c Config) Validate() error {
	switch {
	case !c.Grid.Valid():
		return fmt.Errorf("invalid grid %s", c.Grid)
	case c.TestFraction <= 0 || c.TestFraction >= 1:
		return fmt.Errorf("test fraction must be in (0, 1), got %v", c.TestFraction)
	case c.Workers < 0:
		return fmt.Errorf("workers must be non-negative, got %d", c.Workers)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return c.Training.Validate()
}

// Logger builds the slog logger described by the config.
func (c Config) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type formatValue struct{ f *checkpoints.CheckpointFormat }

func (v formatValue) String() string {
	if v.f == nil {
		return ""
	}
	return strings.ToLower(v.f.String())
}

func (v formatValue) Set(s string) error {
	f, err := checkpoints.ParseFormat(s)
	if err != nil {
		return err
	}
	*v.f = f
	return nil
}

type gridValue struct{ g *preprocessing.Grid }

func (v gridValue) String() string {
	if v.g == nil {
		return ""
	}
	return v.g.String()
}

func (v gridValue) Set(s string) error {
	g, err := preprocessing.ParseGrid(s)
	if err != nil {
		return err
	}
	*v.g = g
	return nil
}
