package layers

import (
	"fmt"

	"github.com/brainage/brainage/tensor"
)

// ResidualBlock is two 3×3×3 convolutions with batch normalization and an
// additive skip connection:
//
//	out = relu(bn2(conv2(drop(relu(bn1(conv1(x)))))) + shortcut(x))
//
// The shortcut is the identity when channel counts match and a 1×1×1
// convolution followed by batch normalization otherwise.
type ResidualBlock struct {
	name        string
	inChannels  int
	outChannels int

	main     *SequentialLayer
	shortcut Module // nil for identity
	relu     *ReLULayer
	training bool
}

// NewResidualBlock builds a block. A dropout rate of 0 omits the dropout
// stage entirely.
func NewResidualBlock(name string, inChannels, outChannels int, dropout float64) (*ResidualBlock, error) {
	conv1, err := NewConv3D(name+".conv1", inChannels, outChannels, 3, 1, 1, true)
	if err != nil {
		return nil, err
	}
	bn1, err := NewBatchNorm3D(name+".bn1", outChannels, DefaultBatchNormEps, DefaultBatchNormMomentum)
	if err != nil {
		return nil, err
	}
	conv2, err := NewConv3D(name+".conv2", outChannels, outChannels, 3, 1, 1, true)
	if err != nil {
		return nil, err
	}
	bn2, err := NewBatchNorm3D(name+".bn2", outChannels, DefaultBatchNormEps, DefaultBatchNormMomentum)
	if err != nil {
		return nil, err
	}

	main := NewSequential(name+".main", conv1, bn1, NewReLU(name+".relu1", true))
	if dropout > 0 {
		drop, err := NewDropout3D(name+".dropout", dropout)
		if err != nil {
			return nil, err
		}
		main.Add(drop)
	}
	main.Add(conv2).Add(bn2)

	block := &ResidualBlock{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		main:        main,
		relu:        NewReLU(name+".relu2", false),
		training:    true,
	}

	if inChannels != outChannels {
		conv, err := NewConv3D(name+".shortcut.conv", inChannels, outChannels, 1, 1, 0, true)
		if err != nil {
			return nil, err
		}
		bn, err := NewBatchNorm3D(name+".shortcut.bn", outChannels, DefaultBatchNormEps, DefaultBatchNormMomentum)
		if err != nil {
			return nil, err
		}
		block.shortcut = NewSequential(name+".shortcut", conv, bn)
	}
	return block, nil
}

// HasProjection reports whether the shortcut is a learned projection
func (r *ResidualBlock) HasProjection() bool {
	return r.shortcut != nil
}

func (r *ResidualBlock) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireRank(r.name, input, 5); err != nil {
		return nil, err
	}
	if input.Shape[1] != r.inChannels {
		return nil, fmt.Errorf("%s: expected %d input channels, got %d", r.name, r.inChannels, input.Shape[1])
	}
	out, err := r.main.Forward(input)
	if err != nil {
		return nil, err
	}
	identity := input
	if r.shortcut != nil {
		if identity, err = r.shortcut.Forward(input); err != nil {
			return nil, err
		}
	}
	if err := tensor.AddInPlace(out, identity); err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}
	return r.relu.Forward(out)
}

func (r *ResidualBlock) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	grad, err := r.relu.Backward(gradOutput)
	if err != nil {
		return nil, err
	}
	gradMain, err := r.main.Backward(grad)
	if err != nil {
		return nil, err
	}
	gradSkip := grad
	if r.shortcut != nil {
		if gradSkip, err = r.shortcut.Backward(grad); err != nil {
			return nil, err
		}
	}
	if err := tensor.AddInPlace(gradMain, gradSkip); err != nil {
		return nil, fmt.Errorf("%s: %w", r.name, err)
	}
	return gradMain, nil
}

func (r *ResidualBlock) Parameters() []*Parameter {
	params := r.main.Parameters()
	if r.shortcut != nil {
		params = append(params, r.shortcut.Parameters()...)
	}
	return params
}

func (r *ResidualBlock) Buffers() []*Buffer {
	buffers := r.main.Buffers()
	if r.shortcut != nil {
		buffers = append(buffers, r.shortcut.Buffers()...)
	}
	return buffers
}

func (r *ResidualBlock) Train() {
	r.training = true
	r.main.Train()
	if r.shortcut != nil {
		r.shortcut.Train()
	}
}

func (r *ResidualBlock) Eval() {
	r.training = false
	r.main.Eval()
	if r.shortcut != nil {
		r.shortcut.Eval()
	}
}

func (r *ResidualBlock) IsTraining() bool { return r.training }

func (r *ResidualBlock) Spec() LayerSpec {
	spec := LayerSpec{
		Type: Residual,
		Name: r.name,
		Parameters: map[string]interface{}{
			"input_channels":  r.inChannels,
			"output_channels": r.outChannels,
			"projection":      r.shortcut != nil,
		},
	}
	spec.Children = append(spec.Children, r.main.Spec())
	if r.shortcut != nil {
		spec.Children = append(spec.Children, r.shortcut.Spec())
	}
	_, spec.ParameterCount = countParameters(r.Parameters())
	return spec
}
