package layers

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/brainage/brainage/tensor"
)

// DenseLayer is a fully connected layer y = xW + b on [N, in] input.
// The weight is stored as [out, in] to match the usual checkpoint layout.
type DenseLayer struct {
	name       string
	inputSize  int
	outputSize int

	weight *Parameter
	bias   *Parameter

	training bool
	input    *tensor.Tensor
}

// NewDense creates a dense layer with weights and bias drawn from
// U(-1/sqrt(in), 1/sqrt(in)).
func NewDense(name string, inputSize, outputSize int, bias bool) (*DenseLayer, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid Dense configuration in=%d out=%d", inputSize, outputSize)
	}
	bound := 1.0 / math.Sqrt(float64(inputSize))
	d := &DenseLayer{
		name:       name,
		inputSize:  inputSize,
		outputSize: outputSize,
		training:   true,
	}
	d.weight = newParameter(name+".weight", tensor.Uniform(globalRng, bound, outputSize, inputSize))
	if bias {
		d.bias = newParameter(name+".bias", tensor.Uniform(globalRng, bound, outputSize))
	}
	return d, nil
}

func matrix(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// Forward computes input · Wᵀ + b
func (d *DenseLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireRank(d.name, input, 2); err != nil {
		return nil, err
	}
	if input.Shape[1] != d.inputSize {
		return nil, fmt.Errorf("%s: expected %d input features, got %d", d.name, d.inputSize, input.Shape[1])
	}
	n := input.Shape[0]
	output := tensor.Zeros(n, d.outputSize)
	if d.bias != nil {
		for i := 0; i < n; i++ {
			copy(output.Data[i*d.outputSize:(i+1)*d.outputSize], d.bias.Value.Data)
		}
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		matrix(n, d.inputSize, input.Data),
		matrix(d.outputSize, d.inputSize, d.weight.Value.Data),
		1, matrix(n, d.outputSize, output.Data))

	d.input = input
	return output, nil
}

// Backward accumulates dW = gradᵀ · x and db = Σ grad, and returns grad · W
func (d *DenseLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, errNoForward(d.name)
	}
	n := d.input.Shape[0]
	if !tensor.ShapesEqual(gradOutput.Shape, []int{n, d.outputSize}) {
		return nil, errGradShape(d.name, gradOutput)
	}
	grad := matrix(n, d.outputSize, gradOutput.Data)

	blas32.Gemm(blas.Trans, blas.NoTrans, 1, grad,
		matrix(n, d.inputSize, d.input.Data),
		1, matrix(d.outputSize, d.inputSize, d.weight.Grad.Data))

	if d.bias != nil {
		bgrad := d.bias.Grad.Data
		for i := 0; i < n; i++ {
			for j, g := range gradOutput.Data[i*d.outputSize : (i+1)*d.outputSize] {
				bgrad[j] += g
			}
		}
	}

	gradInput := tensor.Zeros(n, d.inputSize)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, grad,
		matrix(d.outputSize, d.inputSize, d.weight.Value.Data),
		0, matrix(n, d.inputSize, gradInput.Data))
	return gradInput, nil
}

func (d *DenseLayer) Parameters() []*Parameter {
	if d.bias == nil {
		return []*Parameter{d.weight}
	}
	return []*Parameter{d.weight, d.bias}
}

func (d *DenseLayer) Buffers() []*Buffer { return nil }

func (d *DenseLayer) Train() { d.training = true }

func (d *DenseLayer) Eval() { d.training = false }

func (d *DenseLayer) IsTraining() bool { return d.training }

// Spec describes the layer
func (d *DenseLayer) Spec() LayerSpec {
	shapes, count := countParameters(d.Parameters())
	return LayerSpec{
		Type: Dense,
		Name: d.name,
		Parameters: map[string]interface{}{
			"input_size":  d.inputSize,
			"output_size": d.outputSize,
			"use_bias":    d.bias != nil,
		},
		ParameterShapes: shapes,
		ParameterCount:  count,
	}
}
