package layers

import (
	"fmt"
	"math/rand"

	"github.com/brainage/brainage/tensor"
)

// DropoutLayer zeroes elements with probability p during training and scales
// survivors by 1/(1-p). In evaluation mode it is the identity.
type DropoutLayer struct {
	name     string
	rate     float64
	channels bool // drop whole [D, H, W] feature maps instead of elements
	training bool
	rng      *rand.Rand

	scale []float32
}

func newDropout(name string, rate float64, channels bool) (*DropoutLayer, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("%s: dropout rate must be in [0, 1), got %v", name, rate)
	}
	return &DropoutLayer{
		name:     name,
		rate:     rate,
		channels: channels,
		training: true,
		rng:      rand.New(rand.NewSource(globalRng.Int63())),
	}, nil
}

// NewDropout creates element-wise dropout
func NewDropout(name string, rate float64) (*DropoutLayer, error) {
	return newDropout(name, rate, false)
}

// NewDropout3D creates channel-wise dropout for [N, C, D, H, W] input
func NewDropout3D(name string, rate float64) (*DropoutLayer, error) {
	return newDropout(name, rate, true)
}

// Forward applies the dropout mask
func (d *DropoutLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input == nil {
		return nil, errNoForward(d.name)
	}
	if d.channels {
		if err := requireRank(d.name, input, 5); err != nil {
			return nil, err
		}
	}
	if !d.training || d.rate == 0 {
		d.scale = nil
		return input, nil
	}

	keep := float32(1 / (1 - d.rate))
	output := tensor.ZerosLike(input)
	d.scale = make([]float32, input.NumElems)

	if d.channels {
		maps := input.Shape[0] * input.Shape[1]
		spatial := input.SpatialSize()
		for m := 0; m < maps; m++ {
			if d.rng.Float64() < d.rate {
				continue
			}
			lo, hi := m*spatial, (m+1)*spatial
			for i := lo; i < hi; i++ {
				d.scale[i] = keep
				output.Data[i] = input.Data[i] * keep
			}
		}
		return output, nil
	}

	for i, v := range input.Data {
		if d.rng.Float64() < d.rate {
			continue
		}
		d.scale[i] = keep
		output.Data[i] = v * keep
	}
	return output, nil
}

// Backward applies the same mask to the gradient
func (d *DropoutLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if d.scale == nil {
		return gradOutput, nil
	}
	if gradOutput.NumElems != len(d.scale) {
		return nil, errGradShape(d.name, gradOutput)
	}
	gradInput := tensor.ZerosLike(gradOutput)
	for i, g := range gradOutput.Data {
		gradInput.Data[i] = g * d.scale[i]
	}
	return gradInput, nil
}

func (d *DropoutLayer) Parameters() []*Parameter { return nil }

func (d *DropoutLayer) Buffers() []*Buffer { return nil }

func (d *DropoutLayer) Train() { d.training = true }

func (d *DropoutLayer) Eval() { d.training = false }

func (d *DropoutLayer) IsTraining() bool { return d.training }

func (d *DropoutLayer) Spec() LayerSpec {
	typ := Dropout
	if d.channels {
		typ = Dropout3D
	}
	return LayerSpec{
		Type:       typ,
		Name:       d.name,
		Parameters: map[string]interface{}{"rate": d.rate},
	}
}
