package layers

import (
	"github.com/brainage/brainage/tensor"
)

// ReLULayer applies max(0, x). With inplace set the input tensor is
// overwritten, which is only safe when no earlier layer still needs it.
type ReLULayer struct {
	name     string
	inplace  bool
	training bool

	mask []bool
}

// NewReLU creates a ReLU activation
func NewReLU(name string, inplace bool) *ReLULayer {
	return &ReLULayer{name: name, inplace: inplace, training: true}
}

// Forward applies the activation and remembers which elements passed
func (r *ReLULayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input == nil {
		return nil, errNoForward(r.name)
	}
	output := input
	if !r.inplace {
		output = tensor.ZerosLike(input)
	}
	if cap(r.mask) < input.NumElems {
		r.mask = make([]bool, input.NumElems)
	}
	r.mask = r.mask[:input.NumElems]
	for i, v := range input.Data {
		if v > 0 {
			output.Data[i] = v
			r.mask[i] = true
		} else {
			output.Data[i] = 0
			r.mask[i] = false
		}
	}
	return output, nil
}

// Backward passes gradients through positive elements only
func (r *ReLULayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if r.mask == nil {
		return nil, errNoForward(r.name)
	}
	if gradOutput.NumElems != len(r.mask) {
		return nil, errGradShape(r.name, gradOutput)
	}
	gradInput := tensor.ZerosLike(gradOutput)
	for i, g := range gradOutput.Data {
		if r.mask[i] {
			gradInput.Data[i] = g
		}
	}
	return gradInput, nil
}

func (r *ReLULayer) Parameters() []*Parameter { return nil }

func (r *ReLULayer) Buffers() []*Buffer { return nil }

func (r *ReLULayer) Train() { r.training = true }

func (r *ReLULayer) Eval() { r.training = false }

func (r *ReLULayer) IsTraining() bool { return r.training }

func (r *ReLULayer) Spec() LayerSpec {
	return LayerSpec{
		Type:       ReLU,
		Name:       r.name,
		Parameters: map[string]interface{}{"inplace": r.inplace},
	}
}
