package training

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/brainage/brainage/vision/dataset"
)

// RegressionMetrics holds regression errors in years
type RegressionMetrics struct {
	MAE  float64 `json:"mae"`
	MSE  float64 `json:"mse"`
	RMSE float64 `json:"rmse"`
	R2   float64 `json:"r2"` // 0 when the targets have no spread
}

// CalculateRegressionMetrics compares predicted with true ages. Both slices
// must have the same length; empty input yields zero metrics.
func CalculateRegressionMetrics(predicted, actual []float64) RegressionMetrics {
	if len(predicted) == 0 || len(predicted) != len(actual) {
		return RegressionMetrics{}
	}
	n := float64(len(predicted))
	l2 := floats.Distance(predicted, actual, 2)
	m := RegressionMetrics{
		MAE: floats.Distance(predicted, actual, 1) / n,
		MSE: l2 * l2 / n,
	}
	m.RMSE = math.Sqrt(m.MSE)

	if _, v := stat.PopMeanVariance(actual, nil); v > 0 {
		m.R2 = stat.RSquaredFrom(predicted, actual, nil)
	}
	return m
}

// denormalizeAll maps normalized model outputs back to years
func denormalizeAll(n dataset.AgeNormalizer, z []float32) []float64 {
	out := make([]float64, len(z))
	for i, v := range z {
		out[i] = n.Denormalize(float64(v))
	}
	return out
}

// NormalizedMetrics denormalizes predictions and targets and computes the
// errors in years.
func NormalizedMetrics(n dataset.AgeNormalizer, predicted, target []float32) RegressionMetrics {
	return CalculateRegressionMetrics(denormalizeAll(n, predicted), denormalizeAll(n, target))
}
