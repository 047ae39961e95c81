package dataset

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrDegenerateAges is returned when ages have zero spread
	ErrDegenerateAges = errors.New("ages have zero standard deviation")

	// ErrNotFitted is returned when a FeatureNormalizer is used before Fit
	ErrNotFitted = errors.New("feature normalizer is not fitted")

	// ErrAlreadyFitted is returned when Fit is called twice
	ErrAlreadyFitted = errors.New("feature normalizer is already fitted")
)

// AgeNormalizer maps chronological ages to z-scores and back
type AgeNormalizer struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// FitAgeNormalizer computes mean and population standard deviation
func FitAgeNormalizer(ages []float64) (AgeNormalizer, error) {
	if len(ages) == 0 {
		return AgeNormalizer{}, ErrNoSamples
	}
	mean, std := stat.PopMeanStdDev(ages, nil)
	if std == 0 || math.IsNaN(std) {
		return AgeNormalizer{}, ErrDegenerateAges
	}
	return AgeNormalizer{Mean: mean, Std: std}, nil
}

// Validate rejects normalizers that cannot be inverted
func (n AgeNormalizer) Validate() error {
	if n.Std == 0 || math.IsNaN(n.Std) || math.IsInf(n.Std, 0) || math.IsNaN(n.Mean) {
		return ErrDegenerateAges
	}
	return nil
}

func (n AgeNormalizer) Normalize(age float64) float64 {
	return (age - n.Mean) / n.Std
}

func (n AgeNormalizer) Denormalize(z float64) float64 {
	return z*n.Std + n.Mean
}

// NormalizeAll normalizes a slice of ages
func (n AgeNormalizer) NormalizeAll(ages []float64) []float32 {
	out := make([]float32, len(ages))
	for i, a := range ages {
		out[i] = float32(n.Normalize(a))
	}
	return out
}

// FeatureNormalizer standardizes feature columns to zero mean and unit
// population variance. Columns with zero variance keep scale 1. It is fitted
// once and read-only afterwards, so one instance can be shared by datasets.
type FeatureNormalizer struct {
	mean  []float64
	scale []float64
}

func NewFeatureNormalizer() *FeatureNormalizer {
	return &FeatureNormalizer{}
}

// RestoreFeatureNormalizer rebuilds a fitted normalizer from stored columns
func RestoreFeatureNormalizer(mean, scale []float64) (*FeatureNormalizer, error) {
	if len(mean) == 0 || len(mean) != len(scale) {
		return nil, fmt.Errorf("invalid normalizer columns: %d means, %d scales", len(mean), len(scale))
	}
	for i, s := range scale {
		if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("invalid scale %v in column %d", s, i)
		}
	}
	return &FeatureNormalizer{
		mean:  append([]float64(nil), mean...),
		scale: append([]float64(nil), scale...),
	}, nil
}

// Fitted reports whether Fit has been called
func (s *FeatureNormalizer) Fitted() bool {
	return s != nil && len(s.mean) > 0
}

// Width returns the number of columns the normalizer was fitted on
func (s *FeatureNormalizer) Width() int {
	return len(s.mean)
}

func (s *FeatureNormalizer) Mean() []float64 {
	return append([]float64(nil), s.mean...)
}

func (s *FeatureNormalizer) Scale() []float64 {
	return append([]float64(nil), s.scale...)
}

// Fit learns column statistics from X (rows are samples)
func (s *FeatureNormalizer) Fit(X mat.Matrix) error {
	if s.Fitted() {
		return ErrAlreadyFitted
	}
	rows, cols := X.Dims()
	if rows == 0 || cols == 0 {
		return ErrNoSamples
	}

	mean := make([]float64, cols)
	scale := make([]float64, cols)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, X)
		m, v := stat.PopMeanVariance(col, nil)
		mean[j] = m
		scale[j] = math.Sqrt(v)
		if scale[j] == 0 || math.IsNaN(scale[j]) {
			scale[j] = 1
		}
	}
	s.mean, s.scale = mean, scale
	return nil
}

// Transform returns a standardized copy of X
func (s *FeatureNormalizer) Transform(X mat.Matrix) (mat.Matrix, error) {
	if !s.Fitted() {
		return nil, ErrNotFitted
	}
	rows, cols := X.Dims()
	if cols != len(s.mean) {
		return nil, fmt.Errorf("expected %d feature columns, got %d", len(s.mean), cols)
	}
	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, j int, v float64) float64 {
		return (v - s.mean[j]) / s.scale[j]
	}, X)
	return out, nil
}

// FitTransform fits on X and returns its standardized copy
func (s *FeatureNormalizer) FitTransform(X mat.Matrix) (mat.Matrix, error) {
	if err := s.Fit(X); err != nil {
		return nil, err
	}
	return s.Transform(X)
}

// TransformVector standardizes one feature vector
func (s *FeatureNormalizer) TransformVector(v []float64) ([]float32, error) {
	if !s.Fitted() {
		return nil, ErrNotFitted
	}
	if len(v) != len(s.mean) {
		return nil, fmt.Errorf("expected %d features, got %d", len(s.mean), len(v))
	}
	out := make([]float32, len(v))
	for j, x := range v {
		out[j] = float32((x - s.mean[j]) / s.scale[j])
	}
	return out, nil
}
