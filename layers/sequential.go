package layers

import (
	"fmt"

	"github.com/brainage/brainage/tensor"
)

// SequentialLayer chains modules, running Backward in reverse order
type SequentialLayer struct {
	name    string
	modules []Module
}

// NewSequential creates a container holding the given modules in order
func NewSequential(name string, modules ...Module) *SequentialLayer {
	return &SequentialLayer{name: name, modules: modules}
}

// Add appends a module and returns the container for chaining
func (s *SequentialLayer) Add(m Module) *SequentialLayer {
	s.modules = append(s.modules, m)
	return s
}

// Modules returns the contained modules
func (s *SequentialLayer) Modules() []Module { return s.modules }

func (s *SequentialLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	for i, m := range s.modules {
		var err error
		out, err = m.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", s.name, i, err)
		}
	}
	return out, nil
}

func (s *SequentialLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	grad := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		var err error
		grad, err = s.modules[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", s.name, i, err)
		}
	}
	return grad, nil
}

func (s *SequentialLayer) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *SequentialLayer) Buffers() []*Buffer {
	var buffers []*Buffer
	for _, m := range s.modules {
		buffers = append(buffers, m.Buffers()...)
	}
	return buffers
}

func (s *SequentialLayer) Train() {
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *SequentialLayer) Eval() {
	for _, m := range s.modules {
		m.Eval()
	}
}

// IsTraining reports the mode of the first module; an empty container is
// always considered in training mode.
func (s *SequentialLayer) IsTraining() bool {
	if len(s.modules) == 0 {
		return true
	}
	return s.modules[0].IsTraining()
}

func (s *SequentialLayer) Spec() LayerSpec {
	spec := LayerSpec{Type: Sequential, Name: s.name}
	for _, m := range s.modules {
		child := m.Spec()
		spec.Children = append(spec.Children, child)
		spec.ParameterCount += child.ParameterCount
	}
	return spec
}
