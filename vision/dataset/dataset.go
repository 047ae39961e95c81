// Package dataset pairs brain volumes with their anatomical features and
// normalized ages, and provides the grouped train/test split.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"github.com/brainage/brainage/parallel"
	"github.com/brainage/brainage/vision/features"
	"github.com/brainage/brainage/vision/preprocessing"
)

var (
	// ErrNoSamples is returned when a dataset or statistic has no input
	ErrNoSamples = errors.New("no samples")

	// ErrMissingNormalizer is returned when an evaluation dataset is built
	// without the normalizer fitted on the training features
	ErrMissingNormalizer = errors.New("evaluation dataset requires a fitted feature normalizer")

	// ErrLengthMismatch is returned when per-sample inputs disagree in length
	ErrLengthMismatch = errors.New("sample input length mismatch")
)

// Sample is one fully prepared item
type Sample struct {
	Volume           *preprocessing.Volume
	RawFeatures      []float64
	Features         []float32
	Age              float32 // normalized
	ChronologicalAge float64 // years, 0 when not supplied
	Subject          string
	Cohort           Cohort
}

type options struct {
	training   bool
	normalizer *FeatureNormalizer
	grid       preprocessing.Grid
	subjects   []string
	cohorts    []Cohort
	years      []float64
	augmenter  *Augmenter
	workers    int
	logger     *slog.Logger
}

// Option configures New
type Option func(*options)

// WithTraining selects training mode: features are standardized with a
// normalizer fitted here and Get augments volumes.
func WithTraining(training bool) Option {
	return func(o *options) { o.training = training }
}

// WithFeatureNormalizer supplies the normalizer fitted on training data.
// Required in evaluation mode.
func WithFeatureNormalizer(n *FeatureNormalizer) Option {
	return func(o *options) { o.normalizer = n }
}

// WithGrid overrides the expected volume grid (default 64³)
func WithGrid(g preprocessing.Grid) Option {
	return func(o *options) { o.grid = g }
}

func WithSubjects(subjects []string) Option {
	return func(o *options) { o.subjects = subjects }
}

func WithCohorts(cohorts []Cohort) Option {
	return func(o *options) { o.cohorts = cohorts }
}

// WithChronologicalAges keeps the ages in years next to the normalized
// targets
func WithChronologicalAges(years []float64) Option {
	return func(o *options) { o.years = years }
}

// WithAugmenter replaces the default training augmenter
func WithAugmenter(a *Augmenter) Option {
	return func(o *options) { o.augmenter = a }
}

// WithWorkers bounds the feature extraction fan-out
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Dataset holds validated volumes with their features and normalized ages.
// Features are computed once at construction.
type Dataset struct {
	grid        preprocessing.Grid
	volumes     []*preprocessing.Volume
	rawFeatures [][]float64
	features    [][]float32
	ages        []float32
	years       []float64
	subjects    []string
	cohorts     []Cohort
	training    bool
	augmenter   *Augmenter
	normalizer  *FeatureNormalizer
}

// New validates every volume against the grid, extracts features and
// standardizes them. ages must already be normalized.
func New(ctx context.Context, volumes []*preprocessing.Volume, ages []float32, opts ...Option) (*Dataset, error) {
	o := options{
		grid:    preprocessing.CanonicalGrid,
		workers: parallel.Workers(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if len(volumes) == 0 {
		return nil, ErrNoSamples
	}
	if len(ages) != len(volumes) {
		return nil, fmt.Errorf("%w: %d volumes, %d ages", ErrLengthMismatch, len(volumes), len(ages))
	}
	if o.subjects != nil && len(o.subjects) != len(volumes) {
		return nil, fmt.Errorf("%w: %d volumes, %d subjects", ErrLengthMismatch, len(volumes), len(o.subjects))
	}
	if o.cohorts != nil && len(o.cohorts) != len(volumes) {
		return nil, fmt.Errorf("%w: %d volumes, %d cohorts", ErrLengthMismatch, len(volumes), len(o.cohorts))
	}
	if o.years != nil && len(o.years) != len(volumes) {
		return nil, fmt.Errorf("%w: %d volumes, %d chronological ages", ErrLengthMismatch, len(volumes), len(o.years))
	}
	if !o.training && !o.normalizer.Fitted() {
		return nil, ErrMissingNormalizer
	}

	// Fail fast before spending time on feature extraction
	for i, v := range volumes {
		if err := v.Validate(o.grid); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
	}

	raw, err := features.ExtractAll(ctx, volumes, o.workers)
	if err != nil {
		return nil, err
	}

	normalizer := o.normalizer
	if o.training {
		normalizer = NewFeatureNormalizer()
		if err := normalizer.Fit(featureMatrix(raw)); err != nil {
			return nil, fmt.Errorf("failed to fit feature normalizer: %w", err)
		}
	}

	standardized := make([][]float32, len(raw))
	for i, vec := range raw {
		standardized[i], err = normalizer.TransformVector(vec)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
	}

	subjects := o.subjects
	if subjects == nil {
		subjects = make([]string, len(volumes))
		for i := range subjects {
			subjects[i] = fmt.Sprintf("sample-%d", i)
		}
	}
	cohorts := o.cohorts
	if cohorts == nil {
		cohorts = make([]Cohort, len(volumes))
	}

	augmenter := o.augmenter
	if o.training && augmenter == nil {
		augmenter = NewAugmenter(DefaultAugmentConfig(), 0)
	}

	o.logger.Debug("dataset ready",
		"samples", len(volumes),
		"training", o.training,
		"grid", o.grid.String(),
	)

	return &Dataset{
		grid:        o.grid,
		volumes:     volumes,
		rawFeatures: raw,
		features:    standardized,
		ages:        append([]float32(nil), ages...),
		years:       append([]float64(nil), o.years...),
		subjects:    append([]string(nil), subjects...),
		cohorts:     append([]Cohort(nil), cohorts...),
		training:    o.training,
		augmenter:   augmenter,
		normalizer:  normalizer,
	}, nil
}

func featureMatrix(rows [][]float64) *mat.Dense {
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		m.SetRow(i, r)
	}
	return m
}

// Len returns the number of samples
func (d *Dataset) Len() int {
	return len(d.volumes)
}

// Get returns the model inputs for sample i. In training mode the volume is
// an augmented copy; otherwise it is the stored volume.
func (d *Dataset) Get(i int) (*preprocessing.Volume, []float32, float32, error) {
	if i < 0 || i >= len(d.volumes) {
		return nil, nil, 0, fmt.Errorf("index %d out of range [0, %d)", i, len(d.volumes))
	}
	vol := d.volumes[i]
	if d.training {
		vol = d.augmenter.Apply(vol)
	}
	return vol, d.features[i], d.ages[i], nil
}

// Sample returns the stored, unaugmented sample i
func (d *Dataset) Sample(i int) (Sample, error) {
	if i < 0 || i >= len(d.volumes) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", i, len(d.volumes))
	}
	years, _ := d.ChronologicalAge(i)
	return Sample{
		Volume:           d.volumes[i],
		RawFeatures:      d.rawFeatures[i],
		Features:         d.features[i],
		Age:              d.ages[i],
		ChronologicalAge: years,
		Subject:          d.subjects[i],
		Cohort:           d.cohorts[i],
	}, nil
}

// ChronologicalAge returns the age in years of sample i, if one was supplied
func (d *Dataset) ChronologicalAge(i int) (float64, bool) {
	if i < 0 || i >= len(d.years) {
		return 0, false
	}
	return d.years[i], true
}

// FeatureNormalizer returns the normalizer used for this dataset's features
func (d *Dataset) FeatureNormalizer() *FeatureNormalizer {
	return d.normalizer
}

func (d *Dataset) Grid() preprocessing.Grid {
	return d.grid
}

func (d *Dataset) Training() bool {
	return d.training
}

func (d *Dataset) Subjects() []string {
	return append([]string(nil), d.subjects...)
}

// Cohort returns the cohort of sample i
func (d *Dataset) Cohort(i int) Cohort {
	return d.cohorts[i]
}

// CohortCounts returns the number of samples per cohort
func (d *Dataset) CohortCounts() map[Cohort]int {
	counts := make(map[Cohort]int, len(Cohorts))
	for _, c := range d.cohorts {
		counts[c]++
	}
	return counts
}
