package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/brainage/brainage/optimizer"
	"github.com/brainage/brainage/tensor"
	"github.com/brainage/brainage/vision/dataloader"
)

// LossFunc returns the scalar loss and its gradient with respect to the
// predictions.
type LossFunc func(predictions, targets *tensor.Tensor) (float64, *tensor.Tensor, error)

// TrainingStep reports one optimization step
type TrainingStep struct {
	Loss        float64
	GradNorm    float64 // global norm before clipping
	Predictions []float32
	StepTime    time.Duration
}

// TrainingEngine executes forward, loss, backward, clipping and the
// optimizer update for one batch.
type TrainingEngine struct {
	model     Model
	optimizer optimizer.Optimizer
	loss      LossFunc
	clipNorm  float64
}

// NewTrainingEngine combines a model, its optimizer and a loss. A clipNorm
// of 0 disables clipping; the norm is still measured.
func NewTrainingEngine(model Model, opt optimizer.Optimizer, loss LossFunc, clipNorm float64) (*TrainingEngine, error) {
	if model == nil || opt == nil || loss == nil {
		return nil, fmt.Errorf("training engine needs a model, an optimizer and a loss")
	}
	if clipNorm < 0 {
		return nil, fmt.Errorf("clip norm must be non-negative, got %v", clipNorm)
	}
	return &TrainingEngine{model: model, optimizer: opt, loss: loss, clipNorm: clipNorm}, nil
}

// Model returns the trained network
func (e *TrainingEngine) Model() Model { return e.model }

// Optimizer returns the optimizer driving the updates
func (e *TrainingEngine) Optimizer() optimizer.Optimizer { return e.optimizer }

// ExecuteStep trains on one batch. The model must already be in training
// mode. The step is not applied when the loss comes back non-finite; the
// caller decides how to react to it.
func (e *TrainingEngine) ExecuteStep(batch *dataloader.Batch) (TrainingStep, error) {
	start := time.Now()
	e.optimizer.ZeroGrad()

	pred, err := e.model.Forward(batch.Volumes, batch.Features)
	if err != nil {
		return TrainingStep{}, fmt.Errorf("forward pass failed: %w", err)
	}
	loss, grad, err := e.loss(pred, batch.Ages)
	if err != nil {
		return TrainingStep{}, fmt.Errorf("loss computation failed: %w", err)
	}
	preds := append([]float32(nil), pred.Data...)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return TrainingStep{Loss: loss, Predictions: preds, StepTime: time.Since(start)}, nil
	}
	if err := e.model.Backward(grad); err != nil {
		return TrainingStep{}, fmt.Errorf("backward pass failed: %w", err)
	}

	params := e.model.Parameters()
	norm := optimizer.ClipGradNorm(params, e.clipNorm)
	if err := e.optimizer.Step(); err != nil {
		return TrainingStep{}, fmt.Errorf("optimizer step failed: %w", err)
	}
	return TrainingStep{Loss: loss, GradNorm: norm, Predictions: preds, StepTime: time.Since(start)}, nil
}
