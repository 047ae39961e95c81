package tensor

import (
	"fmt"
	"math/rand"
)

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros allocates a zero-filled tensor. It panics on a non-positive dimension,
// which is always a programming error inside this module.
func Zeros(shape ...int) *Tensor {
	if err := validateShape(shape); err != nil {
		panic(fmt.Sprintf("tensor.Zeros: %v", err))
	}
	numElems := calculateNumElements(shape)
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Data:     make([]float32, numElems),
		NumElems: numElems,
	}
}

func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.Shape...)
}

func Full(value float32, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// Uniform fills a new tensor with values drawn from U(-bound, bound)
func Uniform(rng *rand.Rand, bound float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t
}

// Randn fills a new tensor with values drawn from N(0, std^2)
func Randn(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t
}
