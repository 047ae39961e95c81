package training

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainage/brainage/vision/dataset"
)

func sampleHistory() *History {
	return &History{
		RunID: "run-7",
		Epochs: []EpochReport{
			{Epoch: 0, LearningRate: 1e-3, MaxGradNorm: 2.5, TrainLoss: 1.2, ValLoss: 1.0, Train: RegressionMetrics{MAE: 9}, Val: RegressionMetrics{MAE: 8, RMSE: 10}},
			{Epoch: 1, LearningRate: 5e-4, MaxGradNorm: 1.5, TrainLoss: 0.9, ValLoss: 0.8, Train: RegressionMetrics{MAE: 7}, Val: RegressionMetrics{MAE: 6, RMSE: 7}},
		},
	}
}

func sampleEvaluation() *EvaluationReport {
	return &EvaluationReport{
		Cohorts: []CohortResult{
			{Cohort: dataset.Nondemented, Empty: true},
			{Cohort: dataset.Demented, Count: 2, MAE: 3, RMSE: 3.5, MeanGap: 2, StdGap: 1},
			{Cohort: dataset.Converted, Empty: true},
		},
		Predictions: []SubjectPrediction{
			{Index: 0, Subject: "A", Cohort: dataset.Demented, ActualAge: 70, PredictedAge: 73, Gap: 3},
			{Index: 1, Subject: "B", Cohort: dataset.Demented, ActualAge: 80, PredictedAge: 81, Gap: 1},
		},
	}
}

func TestTrainingCurves(t *testing.T) {
	plots := TrainingCurves(sampleHistory())
	require.Len(t, plots, 5)

	kinds := make([]PlotType, len(plots))
	for i, p := range plots {
		kinds[i] = p.PlotType
		assert.Equal(t, "run-7", p.RunID)
	}
	assert.Equal(t, []PlotType{LossCurves, MAECurves, RMSECurves, LearningRateSchedule, GradientNormCurve}, kinds)

	loss := plots[0]
	require.Len(t, loss.Series, 2)
	assert.Equal(t, []DataPoint{{X: 1, Y: 1.0}, {X: 2, Y: 0.8}}, loss.Series[1].Data)
	assert.Equal(t, "dashed", loss.Series[1].Style["line_style"])
	assert.Equal(t, 5e-4, plots[3].Series[0].Data[1].Y)
}

func TestCohortScatterPlotsSkipEmptyCohorts(t *testing.T) {
	plots := CohortScatterPlots("run-7", sampleEvaluation())
	require.Len(t, plots, 1)

	p := plots[0]
	assert.Equal(t, BrainAgeScatter, p.PlotType)
	assert.Equal(t, "Brain Age Prediction for Demented Subjects", p.Title)
	assert.Equal(t, "brain_age_scatter_demented.json", p.FileName())
	assert.Len(t, p.Series[0].Data, 2)
	assert.Equal(t, []DataPoint{{X: 70, Y: 70}, {X: 80, Y: 80}}, p.Series[1].Data)
}

func TestWritePlots(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots")
	plots := append(TrainingCurves(sampleHistory()), CohortScatterPlots("run-7", sampleEvaluation())...)
	require.NoError(t, WritePlots(dir, plots))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 6)

	raw, err := os.ReadFile(filepath.Join(dir, "loss_curves.json"))
	require.NoError(t, err)
	var decoded PlotData
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "Loss over epochs", decoded.Title)
	assert.Equal(t, "Epoch", decoded.Config.XAxisLabel)
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 2/5", 4)
	pb.Update(2, map[string]float64{"loss": 0.5, "grad_norm": 1.25})
	assert.Contains(t, buf.String(), "Epoch 2/5:  50%")
	assert.Contains(t, buf.String(), "2/4")
	assert.Less(t, strings.Index(buf.String(), "grad_norm"), strings.Index(buf.String(), "loss="), "metrics in key order")

	pb.Finish()
	assert.Contains(t, buf.String(), "100%")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r := NewLogReporter(logger)

	require.NoError(t, r.ReportEpoch(context.Background(), sampleHistory().Epochs[1]))
	assert.Contains(t, buf.String(), `"epoch":2`)
	assert.Contains(t, buf.String(), `"val_loss":0.8`)

	buf.Reset()
	require.NoError(t, r.ReportEvaluation(context.Background(), "run-7", sampleEvaluation()))
	out := buf.String()
	assert.Contains(t, out, `"cohort":"Demented"`)
	assert.Contains(t, out, `"mean_gap":2`)
	assert.Equal(t, 2, strings.Count(out, "no subjects in cohort"))
}

func TestCohortJSON(t *testing.T) {
	raw, err := json.Marshal(sampleEvaluation().Cohorts[1])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"cohort":"Demented"`)

	var back CohortResult
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, dataset.Demented, back.Cohort)
}
