package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PlotType represents the plots produced for a run
type PlotType string

const (
	LossCurves           PlotType = "loss_curves"
	MAECurves            PlotType = "mae_curves"
	RMSECurves           PlotType = "rmse_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	GradientNormCurve    PlotType = "gradient_norm"
	BrainAgeScatter      PlotType = "brain_age_scatter"
)

// PlotData is a renderer-independent plot description serialized as JSON
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	RunID     string       `json:"run_id"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line" or "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
}

func lineSeries(name, color string, dashed bool, values []float64) SeriesData {
	s := SeriesData{
		Name:  name,
		Type:  "line",
		Data:  make([]DataPoint, len(values)),
		Style: map[string]interface{}{"color": color, "line_width": 2},
	}
	if dashed {
		s.Style["line_style"] = "dashed"
	}
	for i, v := range values {
		s.Data[i] = DataPoint{X: float64(i + 1), Y: v}
	}
	return s
}

func epochPlot(kind PlotType, title, yLabel string, h *History, series ...SeriesData) PlotData {
	return PlotData{
		PlotType:  kind,
		Title:     title,
		Timestamp: time.Now(),
		RunID:     h.RunID,
		Series:    series,
		Config:    PlotConfig{XAxisLabel: "Epoch", YAxisLabel: yLabel, ShowLegend: true, ShowGrid: true},
	}
}

// TrainingCurves returns the per-epoch loss, MAE, RMSE, learning rate and
// gradient norm plots of a run.
func TrainingCurves(h *History) []PlotData {
	n := len(h.Epochs)
	trainLoss, valLoss := make([]float64, n), make([]float64, n)
	trainMAE, valMAE := make([]float64, n), make([]float64, n)
	trainRMSE, valRMSE := make([]float64, n), make([]float64, n)
	lrs, norms := make([]float64, n), make([]float64, n)
	for i, r := range h.Epochs {
		trainLoss[i], valLoss[i] = r.TrainLoss, r.ValLoss
		trainMAE[i], valMAE[i] = r.Train.MAE, r.Val.MAE
		trainRMSE[i], valRMSE[i] = r.Train.RMSE, r.Val.RMSE
		lrs[i], norms[i] = r.LearningRate, r.MaxGradNorm
	}

	return []PlotData{
		epochPlot(LossCurves, "Loss over epochs", "Loss", h,
			lineSeries("Training Loss", "#FF6B6B", false, trainLoss),
			lineSeries("Validation Loss", "#FF9F43", true, valLoss)),
		epochPlot(MAECurves, "Mean Absolute Error over epochs", "MAE (years)", h,
			lineSeries("Training MAE", "#4ECDC4", false, trainMAE),
			lineSeries("Validation MAE", "#5F27CD", true, valMAE)),
		epochPlot(RMSECurves, "Root Mean Square Error over epochs", "RMSE (years)", h,
			lineSeries("Training RMSE", "#4ECDC4", false, trainRMSE),
			lineSeries("Validation RMSE", "#5F27CD", true, valRMSE)),
		epochPlot(LearningRateSchedule, "Learning Rate over epochs", "Learning Rate", h,
			lineSeries("Learning Rate", "#45B7D1", false, lrs)),
		epochPlot(GradientNormCurve, "Max Gradient Norm over epochs", "Norm", h,
			lineSeries("Max Gradient Norm", "#96CEB4", false, norms)),
	}
}

// CohortScatterPlots returns predicted against chronological age for every
// non-empty cohort, with the identity line for reference.
func CohortScatterPlots(runID string, r *EvaluationReport) []PlotData {
	var plots []PlotData
	for _, res := range r.Cohorts {
		if res.Empty {
			continue
		}
		scatter := SeriesData{
			Name:  "Predictions",
			Type:  "scatter",
			Style: map[string]interface{}{"color": "#4ECDC4", "alpha": 0.5},
		}
		lo, hi := 0.0, 0.0
		for _, p := range r.Predictions {
			if p.Cohort != res.Cohort {
				continue
			}
			if len(scatter.Data) == 0 || p.ActualAge < lo {
				lo = p.ActualAge
			}
			if len(scatter.Data) == 0 || p.ActualAge > hi {
				hi = p.ActualAge
			}
			scatter.Data = append(scatter.Data, DataPoint{X: p.ActualAge, Y: p.PredictedAge, Label: p.Subject})
		}
		identity := SeriesData{
			Name:  "Perfect Prediction",
			Type:  "line",
			Data:  []DataPoint{{X: lo, Y: lo}, {X: hi, Y: hi}},
			Style: map[string]interface{}{"color": "#FF6B6B", "line_width": 2, "line_style": "dashed"},
		}
		plots = append(plots, PlotData{
			PlotType:  BrainAgeScatter,
			Title:     fmt.Sprintf("Brain Age Prediction for %s Subjects", res.Cohort),
			Timestamp: time.Now(),
			RunID:     runID,
			Series:    []SeriesData{scatter, identity},
			Config:    PlotConfig{XAxisLabel: "Actual Age", YAxisLabel: "Predicted Age", ShowLegend: true, ShowGrid: true},
		})
	}
	return plots
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}

// FileName returns a file name derived from the plot type and title
func (pd PlotData) FileName() string {
	name := string(pd.PlotType)
	if pd.PlotType == BrainAgeScatter {
		fields := strings.Fields(pd.Title)
		if len(fields) >= 2 {
			name += "_" + strings.ToLower(fields[len(fields)-2])
		}
	}
	return name + ".json"
}

// WritePlots writes every plot as a JSON file into dir
func WritePlots(dir string, plots []PlotData) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create plot directory: %w", err)
	}
	for _, p := range plots {
		data, err := p.ToJSON()
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, p.FileName()), []byte(data), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", p.FileName(), err)
		}
	}
	return nil
}
