package training

import (
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/brainage/brainage/training"

type options struct {
	logger    *slog.Logger
	reporter  Reporter
	runID     string
	progress  io.Writer
	tracer    trace.Tracer
	batchSize int
	subjects  []string
}

func defaultOptions() options {
	return options{
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		batchSize: 8,
	}
}

// Option configures a Trainer or an Evaluator
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReporter receives every epoch and evaluation report
func WithReporter(r Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithRunID sets the run identifier stamped on reports and checkpoints.
// A random UUID is used otherwise.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// WithProgress draws a progress bar per training epoch on w
func WithProgress(w io.Writer) Option {
	return func(o *options) { o.progress = w }
}

// WithTracerProvider replaces the global OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithBatchSize sets the evaluation batch size (default 8)
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithTrainingSubjects records the subjects of the training partition in
// every checkpoint so later evaluations can leave them out
func WithTrainingSubjects(subjects []string) Option {
	return func(o *options) { o.subjects = subjects }
}
