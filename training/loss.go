package training

import (
	"fmt"

	"github.com/brainage/brainage/engine"
	"github.com/brainage/brainage/tensor"
)

// MSELoss is the mean squared error over all elements together with its
// gradient 2(pred-target)/N. It satisfies engine.LossFunc.
func MSELoss(predicted, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if predicted == nil || target == nil {
		return 0, nil, fmt.Errorf("mse loss needs predictions and targets")
	}
	if predicted.NumElems != target.NumElems || predicted.NumElems == 0 {
		return 0, nil, fmt.Errorf("predicted and target tensors must have the same non-zero size, got %v and %v", predicted.Shape, target.Shape)
	}

	grad := tensor.ZerosLike(predicted)
	n := float64(predicted.NumElems)
	var sum float64
	for i, p := range predicted.Data {
		d := float64(p) - float64(target.Data[i])
		sum += d * d
		grad.Data[i] = float32(2 * d / n)
	}
	return sum / n, grad, nil
}

var _ engine.LossFunc = MSELoss
