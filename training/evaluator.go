package training

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/stat"

	"github.com/brainage/brainage/checkpoints"
	"github.com/brainage/brainage/engine"
	"github.com/brainage/brainage/vision/dataloader"
	"github.com/brainage/brainage/vision/dataset"
)

// CohortResult holds the evaluation of one clinical cohort in years. The gap
// is predicted minus chronological age; its spread is the population
// standard deviation. A cohort with no subjects is reported with Empty set
// and no metrics.
type CohortResult struct {
	Cohort  dataset.Cohort `json:"cohort"`
	Count   int            `json:"count"`
	Empty   bool           `json:"empty"`
	MAE     float64        `json:"mae"`
	RMSE    float64        `json:"rmse"`
	MeanGap float64        `json:"mean_gap"`
	StdGap  float64        `json:"std_gap"`
}

// SubjectPrediction is the brain age estimate for one scan
type SubjectPrediction struct {
	Index        int            `json:"index"`
	Subject      string         `json:"subject"`
	Cohort       dataset.Cohort `json:"cohort"`
	ActualAge    float64        `json:"actual_age"`
	PredictedAge float64        `json:"predicted_age"`
	Gap          float64        `json:"gap"`
}

// EvaluationReport lists one result per cohort in the fixed order
// Nondemented, Demented, Converted.
type EvaluationReport struct {
	Cohorts     []CohortResult      `json:"cohorts"`
	Predictions []SubjectPrediction `json:"predictions"`
}

// Cohort returns the result for c
func (r *EvaluationReport) Cohort(c dataset.Cohort) (CohortResult, bool) {
	for _, res := range r.Cohorts {
		if res.Cohort == c {
			return res, true
		}
	}
	return CohortResult{}, false
}

// Evaluator scores a trained model on labeled cohorts
type Evaluator struct {
	model     engine.Model
	infer     *engine.InferenceEngine
	ages      dataset.AgeNormalizer
	features  *dataset.FeatureNormalizer
	batchSize int
	reporter  Reporter
	logger    *slog.Logger
	tracer    trace.Tracer
	runID     string
	subjects  []string
}

// NewEvaluator wraps a model with the normalizations it was trained with
func NewEvaluator(model engine.Model, ages dataset.AgeNormalizer, features *dataset.FeatureNormalizer, opts ...Option) (*Evaluator, error) {
	if err := ages.Validate(); err != nil {
		return nil, err
	}
	if !features.Fitted() {
		return nil, dataset.ErrMissingNormalizer
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", o.batchSize)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if o.reporter == nil {
		o.reporter = NewLogReporter(o.logger)
	}
	ie, err := engine.NewInferenceEngine(model)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		model:     model,
		infer:     ie,
		ages:      ages,
		features:  features,
		batchSize: o.batchSize,
		reporter:  o.reporter,
		logger:    o.logger,
		tracer:    o.tracer,
		runID:     o.runID,
		subjects:  uniqueSorted(o.subjects),
	}, nil
}

// LoadEvaluator restores a BrainAgeNet and its normalizations from a
// checkpoint. A checkpoint for a different architecture fails with
// checkpoints.ErrCheckpointMismatch and nothing is loaded.
func LoadEvaluator(path string, opts ...Option) (*Evaluator, error) {
	c, err := checkpoints.Load(path)
	if err != nil {
		return nil, err
	}
	ages, features, err := Normalizers(c)
	if err != nil {
		return nil, err
	}

	cfg := engine.DefaultConfig()
	cfg.FeatureWidth = features.Width()
	model, err := engine.NewBrainAgeNet(cfg)
	if err != nil {
		return nil, err
	}
	if err := checkpoints.LoadWeights(c, model); err != nil {
		return nil, err
	}
	if c.Metadata.RunID != "" {
		opts = append([]Option{WithRunID(c.Metadata.RunID)}, opts...)
	}
	if len(c.Metadata.TrainingSubjects) > 0 {
		opts = append([]Option{WithTrainingSubjects(c.Metadata.TrainingSubjects)}, opts...)
	}
	return NewEvaluator(model, ages, features, opts...)
}

func (e *Evaluator) Model() engine.Model { return e.model }

// RunID returns the run the evaluation is reported under
func (e *Evaluator) RunID() string { return e.runID }

// TrainingSubjects returns the subjects the model was fitted on, sorted.
// Empty for checkpoints written without them.
func (e *Evaluator) TrainingSubjects() []string { return slices.Clone(e.subjects) }

func (e *Evaluator) AgeNormalizer() dataset.AgeNormalizer { return e.ages }

func (e *Evaluator) FeatureNormalizer() *dataset.FeatureNormalizer { return e.features }

// PrepareDataset builds an evaluation dataset from raw scans, normalizing
// ages and features with the training normalizations.
func (e *Evaluator) PrepareDataset(ctx context.Context, c *dataset.Collection, opts ...dataset.Option) (*dataset.Dataset, error) {
	opts = append([]dataset.Option{
		dataset.WithTraining(false),
		dataset.WithFeatureNormalizer(e.features),
		dataset.WithSubjects(c.Subjects),
		dataset.WithCohorts(c.Cohorts),
		dataset.WithChronologicalAges(c.Ages),
		dataset.WithLogger(e.logger),
	}, opts...)
	return dataset.New(ctx, c.Volumes, e.ages.NormalizeAll(c.Ages), opts...)
}

// Evaluate predicts every sample of ds in evaluation mode and summarizes the
// errors and brain age gaps per cohort.
func (e *Evaluator) Evaluate(ctx context.Context, ds *dataset.Dataset) (*EvaluationReport, error) {
	if ds == nil {
		return nil, fmt.Errorf("evaluate needs a dataset")
	}
	if ds.Training() {
		return nil, fmt.Errorf("evaluation dataset must not be in training mode")
	}
	ctx, span := e.tracer.Start(ctx, "training.Evaluate", trace.WithAttributes(
		attribute.String("run_id", e.runID),
		attribute.Int("samples", ds.Len()),
	))
	defer span.End()

	loader, err := dataloader.NewDataLoader(ds, dataloader.Config{BatchSize: e.batchSize})
	if err != nil {
		return nil, err
	}
	preds, err := e.infer.PredictAll(ctx, loader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}

	report := &EvaluationReport{Predictions: make([]SubjectPrediction, 0, len(preds))}
	byCohort := make(map[dataset.Cohort][]SubjectPrediction, len(dataset.Cohorts))
	for _, p := range preds {
		s, err := ds.Sample(p.Index)
		if err != nil {
			return nil, err
		}
		actual, ok := ds.ChronologicalAge(p.Index)
		if !ok {
			actual = e.ages.Denormalize(float64(p.Target))
		}
		predicted := e.ages.Denormalize(float64(p.Predicted))
		sp := SubjectPrediction{
			Index:        p.Index,
			Subject:      s.Subject,
			Cohort:       s.Cohort,
			ActualAge:    actual,
			PredictedAge: predicted,
			Gap:          predicted - actual,
		}
		report.Predictions = append(report.Predictions, sp)
		byCohort[s.Cohort] = append(byCohort[s.Cohort], sp)
	}
	for _, c := range dataset.Cohorts {
		report.Cohorts = append(report.Cohorts, summarizeCohort(c, byCohort[c]))
	}

	if err := e.reporter.ReportEvaluation(ctx, e.runID, report); err != nil {
		e.logger.WarnContext(ctx, "failed to report evaluation", "error", err)
	}
	return report, nil
}

func summarizeCohort(c dataset.Cohort, preds []SubjectPrediction) CohortResult {
	if len(preds) == 0 {
		return CohortResult{Cohort: c, Empty: true}
	}
	predicted := make([]float64, len(preds))
	actual := make([]float64, len(preds))
	gaps := make([]float64, len(preds))
	for i, p := range preds {
		predicted[i], actual[i], gaps[i] = p.PredictedAge, p.ActualAge, p.Gap
	}
	m := CalculateRegressionMetrics(predicted, actual)
	mean, variance := stat.PopMeanVariance(gaps, nil)
	return CohortResult{
		Cohort:  c,
		Count:   len(preds),
		MAE:     m.MAE,
		RMSE:    m.RMSE,
		MeanGap: mean,
		StdGap:  math.Sqrt(variance),
	}
}
