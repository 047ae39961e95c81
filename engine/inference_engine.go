package engine

import (
	"context"
	"fmt"

	"github.com/brainage/brainage/vision/dataloader"
)

// InferenceEngine runs the network in evaluation mode: dropout off and
// BatchNorm on running statistics. Predictions are normalized ages.
type InferenceEngine struct {
	model Model
}

// NewInferenceEngine wraps a model for prediction
func NewInferenceEngine(model Model) (*InferenceEngine, error) {
	if model == nil {
		return nil, fmt.Errorf("inference engine needs a model")
	}
	return &InferenceEngine{model: model}, nil
}

// Model returns the wrapped network
func (ie *InferenceEngine) Model() Model {
	return ie.model
}

// Predict returns one normalized age per row of the batch
func (ie *InferenceEngine) Predict(batch *dataloader.Batch) ([]float32, error) {
	ie.model.Eval()
	pred, err := ie.model.Forward(batch.Volumes, batch.Features)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return append([]float32(nil), pred.Data...), nil
}

// Prediction pairs a dataset index with its normalized predicted and target
// ages.
type Prediction struct {
	Index     int
	Predicted float32
	Target    float32
}

// PredictAll runs the loader for one epoch from the start and returns the
// predictions in loader order. The context is checked between batches.
func (ie *InferenceEngine) PredictAll(ctx context.Context, loader *dataloader.DataLoader) ([]Prediction, error) {
	loader.Reset()
	out := make([]Prediction, 0, loader.Samples())
	for loader.HasNext() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		pred, err := ie.Predict(batch)
		if err != nil {
			return nil, err
		}
		for i, idx := range batch.Indices {
			out = append(out, Prediction{Index: idx, Predicted: pred[i], Target: batch.Ages.Data[i]})
		}
	}
	return out, nil
}
