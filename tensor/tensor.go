package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense, row-major float32 array. Activations, parameters and
// gradients all use this representation; a 3D batch is laid out as
// [batch, channels, depth, height, width].
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("shape cannot be empty")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("dimension %d must be positive, got %d", i, dim)
		}
	}
	return nil
}

// Rank returns the number of dimensions
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Dim returns the size of dimension i
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// SpatialSize returns the product of every dimension after the first two
// (batch and channel). It is 1 for rank-2 tensors.
func (t *Tensor) SpatialSize() int {
	size := 1
	for i := 2; i < len(t.Shape); i++ {
		size *= t.Shape[i]
	}
	return size
}

// At returns the element at the given multi-dimensional index
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.offset(indices)]
}

// Set writes the element at the given multi-dimensional index
func (t *Tensor) Set(value float32, indices ...int) {
	t.Data[t.offset(indices)] = value
}

func (t *Tensor) offset(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: got %d indices for rank %d tensor", len(indices), len(t.Shape)))
	}
	off := 0
	for i, idx := range indices {
		off += idx * t.Strides[i]
	}
	return off
}

// Clone returns a deep copy of the tensor
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    append([]int(nil), t.Shape...),
		Strides:  append([]int(nil), t.Strides...),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// Reshape returns a tensor sharing the same data with a different shape
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if n := calculateNumElements(newShape); n != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, newShape, n)
	}
	return &Tensor{
		Shape:    append([]int(nil), newShape...),
		Strides:  calculateStrides(newShape),
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Zero sets every element to 0 in place
func (t *Tensor) Zero() {
	clear(t.Data)
}

// SameShape reports whether both tensors have identical shapes
func (t *Tensor) SameShape(other *Tensor) bool {
	return ShapesEqual(t.Shape, other.Shape)
}

// IsFinite reports whether every element is neither NaN nor infinite
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
