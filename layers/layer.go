package layers

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/brainage/brainage/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv3D
	ReLU
	Dropout
	Dropout3D
	BatchNorm3D
	GlobalAvgPool3D
	Residual
	Sequential
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv3D:
		return "Conv3D"
	case ReLU:
		return "ReLU"
	case Dropout:
		return "Dropout"
	case Dropout3D:
		return "Dropout3D"
	case BatchNorm3D:
		return "BatchNorm3D"
	case GlobalAvgPool3D:
		return "GlobalAvgPool3D"
	case Residual:
		return "Residual"
	case Sequential:
		return "Sequential"
	default:
		return "Unknown"
	}
}

// Global random source for deterministic initialization
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight
// initialization and dropout masks of layers constructed afterwards.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Parameter is a named learnable tensor with its gradient accumulator
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParameter(name string, value *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, Value: value, Grad: tensor.ZerosLike(value)}
}

// Buffer is a named non-learnable tensor that is still persisted, such as
// BatchNorm running statistics.
type Buffer struct {
	Name  string
	Value *tensor.Tensor
}

// Module is the contract every layer implements. Backward must be called
// after the matching Forward; it accumulates parameter gradients into
// Parameter.Grad and returns the gradient with respect to the input.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter
	Buffers() []*Buffer
	Train()
	Eval()
	IsTraining() bool
	Spec() LayerSpec
}

// LayerSpec describes one layer for summaries and checkpoint validation
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Parameter metadata
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`

	Children []LayerSpec `json:"children,omitempty"`
}

// TensorSpec names one persisted tensor and its shape
type TensorSpec struct {
	Name      string `json:"name"`
	Shape     []int  `json:"shape"`
	Trainable bool   `json:"trainable"`
}

// ModelSpec defines a complete model: its architecture name, layer tree and
// every persisted tensor in a stable order.
type ModelSpec struct {
	Architecture    string       `json:"architecture"`
	Layers          []LayerSpec  `json:"layers"`
	Tensors         []TensorSpec `json:"tensors"`
	TotalParameters int64        `json:"total_parameters"`
}

// NewModelSpec collects the spec of the given top-level modules
func NewModelSpec(architecture string, modules ...Module) *ModelSpec {
	spec := &ModelSpec{Architecture: architecture}
	for _, m := range modules {
		spec.Layers = append(spec.Layers, m.Spec())
		for _, p := range m.Parameters() {
			spec.Tensors = append(spec.Tensors, TensorSpec{Name: p.Name, Shape: append([]int(nil), p.Value.Shape...), Trainable: true})
			spec.TotalParameters += int64(p.Value.NumElems)
		}
		for _, b := range m.Buffers() {
			spec.Tensors = append(spec.Tensors, TensorSpec{Name: b.Name, Shape: append([]int(nil), b.Value.Shape...)})
		}
	}
	return spec
}

// Compatible reports whether other describes the same architecture with the
// same tensor names and shapes.
func (ms *ModelSpec) Compatible(other *ModelSpec) error {
	if other == nil {
		return fmt.Errorf("missing model spec")
	}
	if ms.Architecture != other.Architecture {
		return fmt.Errorf("architecture %q does not match %q", other.Architecture, ms.Architecture)
	}
	if len(ms.Tensors) != len(other.Tensors) {
		return fmt.Errorf("tensor count %d does not match %d", len(other.Tensors), len(ms.Tensors))
	}
	for i, t := range ms.Tensors {
		o := other.Tensors[i]
		if t.Name != o.Name {
			return fmt.Errorf("tensor %d is %q, expected %q", i, o.Name, t.Name)
		}
		if !tensor.ShapesEqual(t.Shape, o.Shape) {
			return fmt.Errorf("tensor %q has shape %v, expected %v", t.Name, o.Shape, t.Shape)
		}
	}
	return nil
}

// Summary renders the layer tree with parameter counts
func (ms *ModelSpec) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary: %s\n", ms.Architecture)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	var walk func(specs []LayerSpec, depth int)
	walk = func(specs []LayerSpec, depth int) {
		indent := strings.Repeat("  ", depth)
		for _, layer := range specs {
			fmt.Fprintf(&sb, "%s%s (%s)", indent, layer.Name, layer.Type)
			if layer.ParameterCount > 0 {
				fmt.Fprintf(&sb, " params=%d", layer.ParameterCount)
			}
			if len(layer.Parameters) > 0 {
				fmt.Fprintf(&sb, " %v", layer.Parameters)
			}
			sb.WriteString("\n")
			walk(layer.Children, depth+1)
		}
	}
	walk(ms.Layers, 0)
	return sb.String()
}

func countParameters(params []*Parameter) ([][]int, int64) {
	var shapes [][]int
	var total int64
	for _, p := range params {
		shapes = append(shapes, append([]int(nil), p.Value.Shape...))
		total += int64(p.Value.NumElems)
	}
	return shapes, total
}

func requireRank(name string, t *tensor.Tensor, rank int) error {
	if t == nil {
		return fmt.Errorf("%s: nil input", name)
	}
	if t.Rank() != rank {
		return fmt.Errorf("%s expects rank %d input, got shape %v", name, rank, t.Shape)
	}
	return nil
}

func errNoForward(name string) error {
	return fmt.Errorf("%s: Backward called before Forward", name)
}

func errGradShape(name string, grad *tensor.Tensor) error {
	return fmt.Errorf("%s: gradient shape %v does not match the last forward pass", name, grad.Shape)
}
