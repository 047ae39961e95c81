package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/brainage/brainage/config"
	"github.com/brainage/brainage/monitoring"
	"github.com/brainage/brainage/parallel"
	"github.com/brainage/brainage/runstore"
	"github.com/brainage/brainage/training"
	"github.com/brainage/brainage/vision/dataset"
	"github.com/brainage/brainage/vision/preprocessing"
)

const (
	exitSuccess           = 0
	exitFailure           = 1
	exitInvalidInvocation = 2
	exitConfigError       = 3
)

// exitError carries the process exit code of a failed command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func invalidInvocationf(format string, args ...any) error {
	return &exitError{code: exitInvalidInvocation, err: fmt.Errorf(format, args...)}
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string, stdout, stderr io.Writer) error
}

var commands = []command{
	{"train", "train a model and keep the best checkpoint", runTrain},
	{"evaluate", "report brain-age gaps per cohort for a checkpoint", runEvaluate},
	{"synth", "write a synthetic cohort with a manifest", runSynth},
	{"runs", "list runs recorded in the run store", runRuns},
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: brainage <command> [flags]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'brainage <command> -h' for the flags of a command.")
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitInvalidInvocation
	}
	switch args[0] {
	case "-h", "-help", "--help", "help":
		usage(stdout)
		return exitSuccess
	}
	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		err := c.run(ctx, args[1:], stdout, stderr)
		if err == nil || errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}
		fmt.Fprintf(stderr, "brainage %s: %v\n", c.name, err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitFailure
	}
	fmt.Fprintf(stderr, "brainage: unknown command %q\n\n", args[0])
	usage(stderr)
	return exitInvalidInvocation
}

// parseConfig layers flags over the environment over the defaults. extra
// registers command-specific flags.
func parseConfig(name string, args []string, stderr io.Writer, extra func(fs *flag.FlagSet)) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, &exitError{code: exitConfigError, err: err}
	}
	fs := flag.NewFlagSet("brainage "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.RegisterFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, &exitError{code: exitInvalidInvocation, err: err}
	}
	if fs.NArg() != 0 {
		return cfg, invalidInvocationf("unexpected arguments: %q", fs.Args())
	}
	if err := cfg.Validate(); err != nil {
		return cfg, &exitError{code: exitConfigError, err: err}
	}
	if cfg.Workers == 0 {
		cfg.Workers = parallel.Workers()
	}
	return cfg, nil
}

// environment holds the ambient services of one command invocation
type environment struct {
	cfg      config.Config
	logger   *slog.Logger
	reporter training.Reporter
	store    *runstore.Store
	closers  []func()
}

func newEnvironment(ctx context.Context, cfg config.Config, stderr io.Writer) (*environment, error) {
	env := &environment{cfg: cfg, logger: cfg.Logger(stderr)}
	reporters := training.MultiReporter{training.NewLogReporter(env.logger)}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reporters = append(reporters, monitoring.New(reg))

		srv := monitoring.NewServer(cfg.MetricsAddr, monitoring.NewRouter(reg))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				env.logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		env.logger.Info("serving metrics", "addr", cfg.MetricsAddr)
		env.closers = append(env.closers, func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				env.logger.Warn("metrics server shutdown", "error", err)
			}
		})
	}

	if cfg.RunStorePath != "" {
		store, err := runstore.Open(ctx, cfg.RunStorePath)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.store = store
		reporters = append(reporters, store)
		env.closers = append(env.closers, func() {
			if err := store.Close(); err != nil {
				env.logger.Warn("closing run store", "error", err)
			}
		})
	}

	env.reporter = reporters
	env.logger.Debug("host",
		"workers", cfg.Workers,
		"avx512", parallel.HasWideSIMD(),
	)
	return env, nil
}

// Close releases services in reverse order of creation
func (env *environment) Close() {
	for i := len(env.closers) - 1; i >= 0; i-- {
		env.closers[i]()
	}
	env.closers = nil
}

// loadCollection reads the manifest, or generates subjects when synthetic > 0
func loadCollection(cfg config.Config, synthetic int) (*dataset.Collection, error) {
	switch {
	case cfg.Manifest != "" && synthetic > 0:
		return nil, invalidInvocationf("-manifest and -synthetic are mutually exclusive")
	case cfg.Manifest != "":
		records, err := dataset.LoadManifest(cfg.Manifest)
		if err != nil {
			return nil, err
		}
		reader := preprocessing.NewVolumeReader(cfg.Grid, true)
		return dataset.LoadCollection(records, reader, cfg.Workers)
	case synthetic > 0:
		sc := dataset.DefaultSyntheticConfig()
		sc.Subjects = synthetic
		sc.Grid = cfg.Grid
		sc.Seed = cfg.Training.Seed
		sc.Cohorts = dataset.Cohorts
		return dataset.Synthetic(sc)
	default:
		return nil, invalidInvocationf("one of -manifest or -synthetic is required")
	}
}
