package monitoring

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/brainage/brainage/training"
)

// Metrics exposes training progress and cohort evaluation results to Prometheus.
type Metrics struct {
	Epoch        prometheus.Gauge
	LearningRate prometheus.Gauge
	MaxGradNorm  prometheus.Gauge

	// Loss on normalized ages by partition: "train", "val"
	Loss *prometheus.GaugeVec

	// MAE and RMSE in years by partition
	MAE  *prometheus.GaugeVec
	RMSE *prometheus.GaugeVec

	EpochsTotal       prometheus.Counter
	ImprovementsTotal prometheus.Counter
	EpochDuration     prometheus.Histogram
	CohortSubjects    *prometheus.GaugeVec
	CohortMAE         *prometheus.GaugeVec
	CohortMeanGap     *prometheus.GaugeVec
	CohortStdGap      *prometheus.GaugeVec
	EvaluationsTotal  prometheus.Counter
	EmptyCohortsTotal *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Epoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "brainage_training_epoch",
			Help: "Last completed training epoch (one-based)",
		}),
		LearningRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "brainage_training_learning_rate",
			Help: "Learning rate used during the last completed epoch",
		}),
		MaxGradNorm: f.NewGauge(prometheus.GaugeOpts{
			Name: "brainage_training_max_grad_norm",
			Help: "Largest pre-clip gradient norm seen in the last epoch",
		}),
		Loss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brainage_training_loss",
			Help: "Mean MSE loss on normalized ages by partition",
		}, []string{"partition"}),
		MAE: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brainage_training_mae_years",
			Help: "Mean absolute error in years by partition",
		}, []string{"partition"}),
		RMSE: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brainage_training_rmse_years",
			Help: "Root mean squared error in years by partition",
		}, []string{"partition"}),
		EpochsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "brainage_training_epochs_total",
			Help: "Total number of completed epochs",
		}),
		ImprovementsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "brainage_training_improvements_total",
			Help: "Total number of epochs that improved the best validation loss",
		}),
		EpochDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "brainage_training_epoch_duration_seconds",
			Help:    "Wall time of a training epoch including validation",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		CohortSubjects: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brainage_evaluation_subjects",
			Help: "Number of evaluated samples by cohort",
		}, []string{"cohort"}),
		CohortMAE: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brainage_evaluation_mae_years",
			Help: "Mean absolute error in years by cohort",
		}, []string{"cohort"}),
		CohortMeanGap: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brainage_evaluation_mean_gap_years",
			Help: "Mean brain-age gap (predicted minus actual) by cohort",
		}, []string{"cohort"}),
		CohortStdGap: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brainage_evaluation_std_gap_years",
			Help: "Population standard deviation of the brain-age gap by cohort",
		}, []string{"cohort"}),
		EvaluationsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "brainage_evaluations_total",
			Help: "Total number of completed cohort evaluations",
		}),
		EmptyCohortsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "brainage_evaluation_empty_cohorts_total",
			Help: "Evaluations in which a cohort had no subjects",
		}, []string{"cohort"}),
	}
}

var _ training.Reporter = (*Metrics)(nil)

// ReportEpoch records the gauges of a completed epoch.
func (m *Metrics) ReportEpoch(_ context.Context, r training.EpochReport) error {
	if m == nil {
		return nil
	}
	m.Epoch.Set(float64(r.Epoch + 1))
	m.LearningRate.Set(r.LearningRate)
	m.MaxGradNorm.Set(r.MaxGradNorm)
	m.Loss.WithLabelValues("train").Set(r.TrainLoss)
	m.Loss.WithLabelValues("val").Set(r.ValLoss)
	m.MAE.WithLabelValues("train").Set(r.Train.MAE)
	m.MAE.WithLabelValues("val").Set(r.Val.MAE)
	m.RMSE.WithLabelValues("train").Set(r.Train.RMSE)
	m.RMSE.WithLabelValues("val").Set(r.Val.RMSE)
	m.EpochsTotal.Inc()
	if r.Improved {
		m.ImprovementsTotal.Inc()
	}
	m.EpochDuration.Observe(r.Duration.Seconds())
	return nil
}

// ReportEvaluation records per-cohort results. Empty cohorts keep their
// previous gauge values and bump the empty counter.
func (m *Metrics) ReportEvaluation(_ context.Context, _ string, r *training.EvaluationReport) error {
	if m == nil || r == nil {
		return nil
	}
	for _, c := range r.Cohorts {
		label := c.Cohort.String()
		m.CohortSubjects.WithLabelValues(label).Set(float64(c.Count))
		if c.Empty {
			m.EmptyCohortsTotal.WithLabelValues(label).Inc()
			continue
		}
		m.CohortMAE.WithLabelValues(label).Set(c.MAE)
		m.CohortMeanGap.WithLabelValues(label).Set(c.MeanGap)
		m.CohortStdGap.WithLabelValues(label).Set(c.StdGap)
	}
	m.EvaluationsTotal.Inc()
	return nil
}
