package training

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EpochReport summarizes one training epoch. Losses are on normalized ages;
// metrics are in years.
type EpochReport struct {
	RunID        string            `json:"run_id"`
	Epoch        int               `json:"epoch"` // zero-based
	LearningRate float64           `json:"learning_rate"`
	MaxGradNorm  float64           `json:"max_grad_norm"`
	TrainLoss    float64           `json:"train_loss"`
	ValLoss      float64           `json:"val_loss"`
	Train        RegressionMetrics `json:"train"`
	Val          RegressionMetrics `json:"val"`
	Improved     bool              `json:"improved"`
	Duration     time.Duration     `json:"duration"`
}

// Reporter receives training and evaluation results as they are produced.
// Errors are logged by the caller and never abort training.
type Reporter interface {
	ReportEpoch(ctx context.Context, r EpochReport) error
	ReportEvaluation(ctx context.Context, runID string, r *EvaluationReport) error
}

// LogReporter writes reports as structured log records
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger}
}

func (lr *LogReporter) ReportEpoch(ctx context.Context, r EpochReport) error {
	lr.logger.InfoContext(ctx, "epoch complete",
		"epoch", r.Epoch+1,
		"lr", r.LearningRate,
		"max_grad_norm", r.MaxGradNorm,
		"train_loss", r.TrainLoss,
		"val_loss", r.ValLoss,
		"train_mae", r.Train.MAE,
		"train_rmse", r.Train.RMSE,
		"val_mae", r.Val.MAE,
		"val_rmse", r.Val.RMSE,
		"improved", r.Improved,
		"duration", r.Duration,
	)
	return nil
}

func (lr *LogReporter) ReportEvaluation(ctx context.Context, runID string, r *EvaluationReport) error {
	for _, c := range r.Cohorts {
		if c.Empty {
			lr.logger.InfoContext(ctx, "no subjects in cohort", "cohort", c.Cohort.String())
			continue
		}
		lr.logger.InfoContext(ctx, "cohort evaluated",
			"cohort", c.Cohort.String(),
			"count", c.Count,
			"mae", c.MAE,
			"rmse", c.RMSE,
			"mean_gap", c.MeanGap,
			"std_gap", c.StdGap,
		)
	}
	return nil
}

// MultiReporter fans reports out to several reporters
type MultiReporter []Reporter

func (m MultiReporter) ReportEpoch(ctx context.Context, r EpochReport) error {
	var errs []error
	for _, rep := range m {
		errs = append(errs, rep.ReportEpoch(ctx, r))
	}
	return errors.Join(errs...)
}

func (m MultiReporter) ReportEvaluation(ctx context.Context, runID string, r *EvaluationReport) error {
	var errs []error
	for _, rep := range m {
		errs = append(errs, rep.ReportEvaluation(ctx, runID, r))
	}
	return errors.Join(errs...)
}
