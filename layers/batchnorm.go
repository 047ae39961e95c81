package layers

import (
	"fmt"
	"math"

	"github.com/brainage/brainage/parallel"
	"github.com/brainage/brainage/tensor"
)

const (
	DefaultBatchNormEps      = 1e-5
	DefaultBatchNormMomentum = 0.1
)

// BatchNorm3DLayer normalizes each channel over batch and spatial positions.
// It accepts any input of rank >= 2 laid out as [N, C, ...].
type BatchNorm3DLayer struct {
	name        string
	numFeatures int
	eps         float64
	momentum    float64

	gamma       *Parameter
	beta        *Parameter
	runningMean *Buffer
	runningVar  *Buffer

	workers  int
	training bool

	// cached for backward
	input          *tensor.Tensor
	mean           []float64
	invStd         []float64
	usedBatchStats bool
}

// NewBatchNorm3D creates a batch normalization layer with gamma=1, beta=0,
// running mean 0 and running variance 1.
func NewBatchNorm3D(name string, numFeatures int, eps, momentum float64) (*BatchNorm3DLayer, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("numFeatures must be positive, got %d", numFeatures)
	}
	return &BatchNorm3DLayer{
		name:        name,
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       newParameter(name+".weight", tensor.Full(1, numFeatures)),
		beta:        newParameter(name+".bias", tensor.Zeros(numFeatures)),
		runningMean: &Buffer{Name: name + ".running_mean", Value: tensor.Zeros(numFeatures)},
		runningVar:  &Buffer{Name: name + ".running_var", Value: tensor.Full(1, numFeatures)},
		workers:     parallel.Workers(),
		training:    true,
	}, nil
}

func (bn *BatchNorm3DLayer) check(input *tensor.Tensor) error {
	if input == nil || input.Rank() < 2 {
		return fmt.Errorf("%s expects [N, C, ...] input", bn.name)
	}
	if input.Shape[1] != bn.numFeatures {
		return fmt.Errorf("%s: expected %d channels, got %d", bn.name, bn.numFeatures, input.Shape[1])
	}
	return nil
}

// Forward normalizes with batch statistics in training mode and running
// statistics otherwise.
func (bn *BatchNorm3DLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := bn.check(input); err != nil {
		return nil, err
	}
	n, c, spatial := input.Shape[0], bn.numFeatures, input.SpatialSize()
	count := n * spatial
	if bn.training && count < 2 {
		return nil, fmt.Errorf("%s: expected more than 1 value per channel when training, got input %v", bn.name, input.Shape)
	}

	output := tensor.ZerosLike(input)
	mean := make([]float64, c)
	invStd := make([]float64, c)
	gamma, beta := bn.gamma.Value.Data, bn.beta.Value.Data
	rm, rv := bn.runningMean.Value.Data, bn.runningVar.Value.Data

	parallel.ForEach(c, bn.workers, func(ch int) {
		if bn.training {
			var sum float64
			for s := 0; s < n; s++ {
				for _, v := range input.Data[(s*c+ch)*spatial : (s*c+ch+1)*spatial] {
					sum += float64(v)
				}
			}
			m := sum / float64(count)
			var ss float64
			for s := 0; s < n; s++ {
				for _, v := range input.Data[(s*c+ch)*spatial : (s*c+ch+1)*spatial] {
					d := float64(v) - m
					ss += d * d
				}
			}
			variance := ss / float64(count)
			mean[ch] = m
			invStd[ch] = 1 / math.Sqrt(variance+bn.eps)

			// Running variance tracks the unbiased estimate
			unbiased := variance * float64(count) / float64(count-1)
			rm[ch] = float32((1-bn.momentum)*float64(rm[ch]) + bn.momentum*m)
			rv[ch] = float32((1-bn.momentum)*float64(rv[ch]) + bn.momentum*unbiased)
		} else {
			mean[ch] = float64(rm[ch])
			invStd[ch] = 1 / math.Sqrt(float64(rv[ch])+bn.eps)
		}

		scale := float64(gamma[ch]) * invStd[ch]
		shift := float64(beta[ch]) - mean[ch]*scale
		for s := 0; s < n; s++ {
			lo, hi := (s*c+ch)*spatial, (s*c+ch+1)*spatial
			dst := output.Data[lo:hi]
			for i, v := range input.Data[lo:hi] {
				dst[i] = float32(float64(v)*scale + shift)
			}
		}
	})

	bn.input = input
	bn.mean = mean
	bn.invStd = invStd
	bn.usedBatchStats = bn.training
	return output, nil
}

// Backward accumulates gamma/beta gradients and returns the input gradient.
// The normalized input is recomputed from the cached input.
func (bn *BatchNorm3DLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.input == nil {
		return nil, errNoForward(bn.name)
	}
	if !gradOutput.SameShape(bn.input) {
		return nil, fmt.Errorf("%s: gradient shape %v does not match input %v", bn.name, gradOutput.Shape, bn.input.Shape)
	}
	input := bn.input
	n, c, spatial := input.Shape[0], bn.numFeatures, input.SpatialSize()
	count := float64(n * spatial)

	gradInput := tensor.ZerosLike(input)
	gamma := bn.gamma.Value.Data
	dGamma, dBeta := bn.gamma.Grad.Data, bn.beta.Grad.Data

	parallel.ForEach(c, bn.workers, func(ch int) {
		m, inv := bn.mean[ch], bn.invStd[ch]
		var sumG, sumGX float64
		for s := 0; s < n; s++ {
			lo, hi := (s*c+ch)*spatial, (s*c+ch+1)*spatial
			x := input.Data[lo:hi]
			for i, g := range gradOutput.Data[lo:hi] {
				sumG += float64(g)
				sumGX += float64(g) * (float64(x[i]) - m) * inv
			}
		}
		dGamma[ch] += float32(sumGX)
		dBeta[ch] += float32(sumG)

		gi := float64(gamma[ch]) * inv
		for s := 0; s < n; s++ {
			lo, hi := (s*c+ch)*spatial, (s*c+ch+1)*spatial
			x := input.Data[lo:hi]
			dst := gradInput.Data[lo:hi]
			for i, g := range gradOutput.Data[lo:hi] {
				if bn.usedBatchStats {
					xhat := (float64(x[i]) - m) * inv
					dst[i] = float32(gi * (float64(g) - sumG/count - xhat*sumGX/count))
				} else {
					dst[i] = float32(gi * float64(g))
				}
			}
		}
	})
	return gradInput, nil
}

func (bn *BatchNorm3DLayer) Parameters() []*Parameter {
	return []*Parameter{bn.gamma, bn.beta}
}

// Buffers returns the running mean and variance
func (bn *BatchNorm3DLayer) Buffers() []*Buffer {
	return []*Buffer{bn.runningMean, bn.runningVar}
}

func (bn *BatchNorm3DLayer) Train() { bn.training = true }

func (bn *BatchNorm3DLayer) Eval() { bn.training = false }

func (bn *BatchNorm3DLayer) IsTraining() bool { return bn.training }

func (bn *BatchNorm3DLayer) Spec() LayerSpec {
	shapes, count := countParameters(bn.Parameters())
	return LayerSpec{
		Type: BatchNorm3D,
		Name: bn.name,
		Parameters: map[string]interface{}{
			"num_features": bn.numFeatures,
			"eps":          bn.eps,
			"momentum":     bn.momentum,
		},
		ParameterShapes: shapes,
		ParameterCount:  count,
	}
}
