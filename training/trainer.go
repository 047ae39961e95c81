package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brainage/brainage/checkpoints"
	"github.com/brainage/brainage/engine"
	"github.com/brainage/brainage/optimizer"
	"github.com/brainage/brainage/tensor"
	"github.com/brainage/brainage/vision/dataloader"
	"github.com/brainage/brainage/vision/dataset"
)

// ErrNonFiniteLoss is returned when a training or validation batch produces
// a NaN or infinite loss
var ErrNonFiniteLoss = errors.New("non-finite loss")

// History is the outcome of Fit
type History struct {
	RunID        string
	Epochs       []EpochReport
	BestEpoch    int // -1 when no epoch completed
	BestValLoss  float64
	StoppedEarly bool
	Restored     bool // model holds the best checkpoint rather than the last epoch
}

// Trainer runs the epoch loop: warmup, training pass with gradient clipping,
// validation, plateau scheduling, early stopping and best-model
// checkpointing.
type Trainer struct {
	config   Config
	model    engine.Model
	opt      *optimizer.AdamW
	engine   *engine.TrainingEngine
	infer    *engine.InferenceEngine
	ages     dataset.AgeNormalizer
	warmup   *WarmupScheduler
	plateau  *ReduceLROnPlateauScheduler
	stopper  *EarlyStopping
	manager  *CheckpointManager
	reporter Reporter
	logger   *slog.Logger
	tracer   trace.Tracer
	progress io.Writer
	runID    string
	steps    int
}

// NewTrainer prepares a run for model. ages is the target normalization and
// features the normalizer fitted on the training partition; both are stored
// with every checkpoint.
func NewTrainer(model engine.Model, config Config, ages dataset.AgeNormalizer, features *dataset.FeatureNormalizer, opts ...Option) (*Trainer, error) {
	if model == nil {
		return nil, fmt.Errorf("trainer needs a model")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	if err := ages.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if o.reporter == nil {
		o.reporter = NewLogReporter(o.logger)
	}

	opt, err := optimizer.NewAdamW(config.AdamW(), model.Parameters())
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}
	te, err := engine.NewTrainingEngine(model, opt, MSELoss, config.GradClipNorm)
	if err != nil {
		return nil, err
	}
	ie, err := engine.NewInferenceEngine(model)
	if err != nil {
		return nil, err
	}
	plateau, err := NewReduceLROnPlateauScheduler(config.SchedulerFactor, config.SchedulerPatience, config.SchedulerThreshold, config.MinLearningRate, "min")
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		config:   config,
		model:    model,
		opt:      opt,
		engine:   te,
		infer:    ie,
		ages:     ages,
		warmup:   NewWarmupScheduler(config.WarmupEpochs),
		plateau:  plateau,
		stopper:  NewEarlyStopping(config.EarlyStopPatience),
		reporter: o.reporter,
		logger:   o.logger,
		tracer:   o.tracer,
		progress: o.progress,
		runID:    o.runID,
	}
	if config.CheckpointPath != "" {
		t.manager, err = NewCheckpointManager(config.CheckpointPath, config.CheckpointFormat, o.runID, ages, features)
		if err != nil {
			return nil, err
		}
		t.manager.SetTrainingSubjects(o.subjects)
	}
	return t, nil
}

func (t *Trainer) RunID() string { return t.runID }

func (t *Trainer) Model() engine.Model { return t.model }

func (t *Trainer) Optimizer() *optimizer.AdamW { return t.opt }

// Checkpoints returns the checkpoint manager, nil when saving is disabled
func (t *Trainer) Checkpoints() *CheckpointManager { return t.manager }

// Fit trains for up to Config.Epochs epochs. Whenever the validation loss
// improves the model is checkpointed; training stops early once
// EarlyStopPatience epochs pass without improvement. On return the model
// holds the weights of the last epoch unless Config.RestoreBest is set.
func (t *Trainer) Fit(ctx context.Context, train, val *dataloader.DataLoader) (*History, error) {
	if train == nil || val == nil {
		return nil, fmt.Errorf("fit needs training and validation loaders")
	}
	ctx, span := t.tracer.Start(ctx, "training.Fit", trace.WithAttributes(
		attribute.String("run_id", t.runID),
		attribute.Int("epochs", t.config.Epochs),
		attribute.Int("train_samples", train.Samples()),
		attribute.Int("val_samples", val.Samples()),
	))
	defer span.End()

	history := &History{RunID: t.runID, BestEpoch: -1, BestValLoss: math.Inf(1)}
	t.logger.InfoContext(ctx, "training started",
		"run_id", t.runID,
		"train_samples", train.Samples(),
		"val_samples", val.Samples(),
		"parameters", t.model.Spec().TotalParameters,
		"epochs", t.config.Epochs,
	)

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		report, stop, err := t.runEpoch(ctx, epoch, train, val)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return history, err
		}
		history.Epochs = append(history.Epochs, report)
		if report.Improved {
			history.BestEpoch = epoch
			history.BestValLoss = report.ValLoss
		}
		if stop {
			history.StoppedEarly = true
			t.logger.InfoContext(ctx, "early stopping triggered",
				"epoch", epoch+1,
				"best_epoch", history.BestEpoch+1,
				"best_val_loss", history.BestValLoss,
			)
			break
		}
	}

	if t.config.RestoreBest && t.manager != nil && t.manager.Saves() > 0 {
		if _, err := t.manager.Restore(t.model); err != nil {
			span.RecordError(err)
			return history, fmt.Errorf("failed to restore best checkpoint: %w", err)
		}
		history.Restored = true
		t.logger.InfoContext(ctx, "restored best checkpoint", "epoch", history.BestEpoch+1, "path", t.manager.Path())
	}
	return history, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, train, val *dataloader.DataLoader) (EpochReport, bool, error) {
	ctx, span := t.tracer.Start(ctx, "training.epoch", trace.WithAttributes(attribute.Int("epoch", epoch)))
	defer span.End()
	start := time.Now()

	if t.warmup.Active(epoch) {
		t.opt.SetLearningRate(float32(t.warmup.GetLR(epoch, 0, t.config.BaseLearningRate)))
	}
	lr := float64(t.opt.GetLearningRate())

	trainLoss, maxNorm, trainMetrics, err := t.trainPass(ctx, epoch, train)
	if err != nil {
		return EpochReport{}, false, err
	}
	valLoss, valMetrics, err := t.validate(ctx, epoch, val)
	if err != nil {
		return EpochReport{}, false, err
	}

	if next := t.plateau.Step(valLoss, lr); next != lr {
		t.opt.SetLearningRate(float32(next))
		t.logger.InfoContext(ctx, "learning rate reduced", "epoch", epoch+1, "from", lr, "to", next)
	}

	improved, stop := t.stopper.Step(epoch, valLoss)
	if improved && t.manager != nil {
		state := checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         t.steps,
			LearningRate: float32(lr),
			TrainLoss:    float32(trainLoss),
			ValLoss:      float32(valLoss),
			BestLoss:     float32(valLoss),
			BestEpoch:    epoch,
			TotalSteps:   t.config.Epochs * train.Len(),
		}
		if err := t.manager.Save(t.model, t.opt, state); err != nil {
			return EpochReport{}, false, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		t.logger.DebugContext(ctx, "checkpoint saved", "epoch", epoch+1, "path", t.manager.Path())
	}

	report := EpochReport{
		RunID:        t.runID,
		Epoch:        epoch,
		LearningRate: lr,
		MaxGradNorm:  maxNorm,
		TrainLoss:    trainLoss,
		ValLoss:      valLoss,
		Train:        trainMetrics,
		Val:          valMetrics,
		Improved:     improved,
		Duration:     time.Since(start),
	}
	span.SetAttributes(attribute.Float64("train_loss", trainLoss), attribute.Float64("val_loss", valLoss))
	if err := t.reporter.ReportEpoch(ctx, report); err != nil {
		t.logger.WarnContext(ctx, "failed to report epoch", "epoch", epoch+1, "error", err)
	}
	return report, stop, nil
}

// trainPass runs one epoch of optimization and returns the mean batch loss,
// the largest pre-clip gradient norm and the training metrics in years.
func (t *Trainer) trainPass(ctx context.Context, epoch int, loader *dataloader.DataLoader) (float64, float64, RegressionMetrics, error) {
	t.model.Train()
	loader.Reset()

	var bar *ProgressBar
	if t.progress != nil {
		bar = NewProgressBar(t.progress, fmt.Sprintf("Epoch %d/%d", epoch+1, t.config.Epochs), loader.Len())
	}

	var total, maxNorm float64
	var preds, targets []float32
	batches := 0
	for loader.HasNext() {
		if err := ctx.Err(); err != nil {
			return 0, 0, RegressionMetrics{}, err
		}
		batch, err := loader.Next()
		if err != nil {
			return 0, 0, RegressionMetrics{}, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		step, err := t.engine.ExecuteStep(batch)
		if err != nil {
			return 0, 0, RegressionMetrics{}, fmt.Errorf("epoch %d batch %d: %w", epoch+1, batches, err)
		}
		if !finite(step.Loss) {
			return 0, 0, RegressionMetrics{}, fmt.Errorf("%w: training loss %v at epoch %d batch %d", ErrNonFiniteLoss, step.Loss, epoch+1, batches)
		}

		total += step.Loss
		maxNorm = math.Max(maxNorm, step.GradNorm)
		preds = append(preds, step.Predictions...)
		targets = append(targets, batch.Ages.Data...)
		batches++
		t.steps++
		if bar != nil {
			bar.Update(batches, map[string]float64{"loss": total / float64(batches), "grad_norm": step.GradNorm})
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return total / float64(batches), maxNorm, NormalizedMetrics(t.ages, preds, targets), nil
}

// validate scores the model in evaluation mode. The loss is the mean of the
// per-batch losses.
func (t *Trainer) validate(ctx context.Context, epoch int, loader *dataloader.DataLoader) (float64, RegressionMetrics, error) {
	loader.Reset()
	var total float64
	var preds, targets []float32
	batches := 0
	for loader.HasNext() {
		if err := ctx.Err(); err != nil {
			return 0, RegressionMetrics{}, err
		}
		batch, err := loader.Next()
		if err != nil {
			return 0, RegressionMetrics{}, fmt.Errorf("validation: %w", err)
		}
		pred, err := t.infer.Predict(batch)
		if err != nil {
			return 0, RegressionMetrics{}, fmt.Errorf("validation: %w", err)
		}
		predT, err := tensor.New([]int{len(pred)}, pred)
		if err != nil {
			return 0, RegressionMetrics{}, err
		}
		loss, _, err := MSELoss(predT, batch.Ages)
		if err != nil {
			return 0, RegressionMetrics{}, err
		}
		if !finite(loss) {
			return 0, RegressionMetrics{}, fmt.Errorf("%w: validation loss %v at epoch %d", ErrNonFiniteLoss, loss, epoch+1)
		}
		total += loss
		preds = append(preds, pred...)
		targets = append(targets, batch.Ages.Data...)
		batches++
	}
	return total / float64(batches), NormalizedMetrics(t.ages, preds, targets), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
