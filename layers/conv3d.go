package layers

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/brainage/brainage/memory"
	"github.com/brainage/brainage/parallel"
	"github.com/brainage/brainage/tensor"
)

// Conv3DLayer is a cubic-kernel 3D convolution over [N, C, D, H, W] input.
// It lowers one output depth slice at a time to a matrix product, so the
// unfolded buffer stays at C·k³ × H·W per worker.
type Conv3DLayer struct {
	name        string
	inChannels  int
	outChannels int
	kernel      int
	stride      int
	padding     int

	weight *Parameter // [out, in, k, k, k]
	bias   *Parameter // [out], nil when disabled

	workers  int
	training bool
	input    *tensor.Tensor
}

// NewConv3D creates a convolution with PyTorch-style uniform initialization
// bounded by 1/sqrt(fan_in).
func NewConv3D(name string, inChannels, outChannels, kernel, stride, padding int, bias bool) (*Conv3DLayer, error) {
	if inChannels <= 0 || outChannels <= 0 || kernel <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid Conv3D configuration in=%d out=%d k=%d s=%d p=%d",
			inChannels, outChannels, kernel, stride, padding)
	}
	fanIn := inChannels * kernel * kernel * kernel
	bound := 1.0 / math.Sqrt(float64(fanIn))

	c := &Conv3DLayer{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernel:      kernel,
		stride:      stride,
		padding:     padding,
		workers:     parallel.Workers(),
		training:    true,
	}
	c.weight = newParameter(name+".weight", tensor.Uniform(globalRng, bound, outChannels, inChannels, kernel, kernel, kernel))
	if bias {
		c.bias = newParameter(name+".bias", tensor.Uniform(globalRng, bound, outChannels))
	}
	return c, nil
}

type convGeometry struct {
	inC, inD, inH, inW     int
	outC, outD, outH, outW int
	k, stride, pad         int
}

func (g convGeometry) inVolume() int  { return g.inD * g.inH * g.inW }
func (g convGeometry) outVolume() int { return g.outD * g.outH * g.outW }
func (g convGeometry) outPlane() int  { return g.outH * g.outW }
func (g convGeometry) taps() int      { return g.inC * g.k * g.k * g.k }

func convOutSize(in, k, stride, pad int) int {
	return (in+2*pad-k)/stride + 1
}

func (c *Conv3DLayer) geometry(input *tensor.Tensor) (convGeometry, error) {
	if err := requireRank(c.name, input, 5); err != nil {
		return convGeometry{}, err
	}
	if input.Shape[1] != c.inChannels {
		return convGeometry{}, fmt.Errorf("%s: expected %d input channels, got %d", c.name, c.inChannels, input.Shape[1])
	}
	g := convGeometry{
		inC: c.inChannels, inD: input.Shape[2], inH: input.Shape[3], inW: input.Shape[4],
		outC: c.outChannels, k: c.kernel, stride: c.stride, pad: c.padding,
	}
	g.outD = convOutSize(g.inD, g.k, g.stride, g.pad)
	g.outH = convOutSize(g.inH, g.k, g.stride, g.pad)
	g.outW = convOutSize(g.inW, g.k, g.stride, g.pad)
	if g.outD <= 0 || g.outH <= 0 || g.outW <= 0 {
		return convGeometry{}, fmt.Errorf("%s: input %v too small for kernel %d", c.name, input.Shape, c.kernel)
	}
	return g, nil
}

// unfold writes the receptive fields of output depth slice od into cols,
// laid out as [C·k³, outH·outW]. Taps falling into padding are zero.
func unfold(g convGeometry, in []float32, od int, cols []float32) {
	plane := g.outPlane()
	row := 0
	for ic := 0; ic < g.inC; ic++ {
		base := ic * g.inVolume()
		for kd := 0; kd < g.k; kd++ {
			id := od*g.stride - g.pad + kd
			for kh := 0; kh < g.k; kh++ {
				for kw := 0; kw < g.k; kw++ {
					dst := cols[row*plane : (row+1)*plane]
					row++
					if id < 0 || id >= g.inD {
						clear(dst)
						continue
					}
					for oh := 0; oh < g.outH; oh++ {
						line := dst[oh*g.outW : (oh+1)*g.outW]
						ih := oh*g.stride - g.pad + kh
						if ih < 0 || ih >= g.inH {
							clear(line)
							continue
						}
						src := in[base+(id*g.inH+ih)*g.inW : base+(id*g.inH+ih+1)*g.inW]
						for ow := range line {
							iw := ow*g.stride - g.pad + kw
							if iw < 0 || iw >= g.inW {
								line[ow] = 0
							} else {
								line[ow] = src[iw]
							}
						}
					}
				}
			}
		}
	}
}

// fold is the adjoint of unfold: it scatter-adds cols back into in
func fold(g convGeometry, cols []float32, od int, in []float32) {
	plane := g.outPlane()
	row := 0
	for ic := 0; ic < g.inC; ic++ {
		base := ic * g.inVolume()
		for kd := 0; kd < g.k; kd++ {
			id := od*g.stride - g.pad + kd
			for kh := 0; kh < g.k; kh++ {
				for kw := 0; kw < g.k; kw++ {
					src := cols[row*plane : (row+1)*plane]
					row++
					if id < 0 || id >= g.inD {
						continue
					}
					for oh := 0; oh < g.outH; oh++ {
						ih := oh*g.stride - g.pad + kh
						if ih < 0 || ih >= g.inH {
							continue
						}
						line := src[oh*g.outW : (oh+1)*g.outW]
						dst := in[base+(id*g.inH+ih)*g.inW : base+(id*g.inH+ih+1)*g.inW]
						for ow, v := range line {
							iw := ow*g.stride - g.pad + kw
							if iw >= 0 && iw < g.inW {
								dst[iw] += v
							}
						}
					}
				}
			}
		}
	}
}

// outputSlice views depth slice od of every output channel of one sample as
// an [outC, outH·outW] matrix.
func outputSlice(g convGeometry, sample []float32, od int) blas32.General {
	return blas32.General{
		Rows:   g.outC,
		Cols:   g.outPlane(),
		Stride: g.outVolume(),
		Data:   sample[od*g.outPlane():],
	}
}

func (c *Conv3DLayer) weightMatrix(g convGeometry) blas32.General {
	return blas32.General{Rows: g.outC, Cols: g.taps(), Stride: g.taps(), Data: c.weight.Value.Data}
}

// Forward computes the convolution
func (c *Conv3DLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := c.geometry(input)
	if err != nil {
		return nil, err
	}
	n := input.Shape[0]
	output := tensor.Zeros(n, g.outC, g.outD, g.outH, g.outW)
	w := c.weightMatrix(g)

	parallel.ForEach(n, c.workers, func(s int) {
		in := input.Data[s*g.inC*g.inVolume() : (s+1)*g.inC*g.inVolume()]
		out := output.Data[s*g.outC*g.outVolume() : (s+1)*g.outC*g.outVolume()]
		if c.bias != nil {
			for oc := 0; oc < g.outC; oc++ {
				plane := out[oc*g.outVolume() : (oc+1)*g.outVolume()]
				b := c.bias.Value.Data[oc]
				for i := range plane {
					plane[i] = b
				}
			}
		}

		cols := memory.Scratch.Get(g.taps() * g.outPlane())
		defer memory.Scratch.Put(cols)
		colMat := blas32.General{Rows: g.taps(), Cols: g.outPlane(), Stride: g.outPlane(), Data: cols}
		for od := 0; od < g.outD; od++ {
			unfold(g, in, od, cols)
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, w, colMat, 1, outputSlice(g, out, od))
		}
	})

	c.input = input
	return output, nil
}

// Backward accumulates weight and bias gradients and returns the input gradient
func (c *Conv3DLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, errNoForward(c.name)
	}
	g, err := c.geometry(c.input)
	if err != nil {
		return nil, err
	}
	n := c.input.Shape[0]
	if !tensor.ShapesEqual(gradOutput.Shape, []int{n, g.outC, g.outD, g.outH, g.outW}) {
		return nil, fmt.Errorf("%s: gradient shape %v does not match output", c.name, gradOutput.Shape)
	}

	gradInput := tensor.ZerosLike(c.input)
	w := c.weightMatrix(g)

	// Per-sample weight gradients are reduced afterwards so workers never share
	// an accumulator.
	partial := make([][]float32, n)

	parallel.ForEach(n, c.workers, func(s int) {
		in := c.input.Data[s*g.inC*g.inVolume() : (s+1)*g.inC*g.inVolume()]
		gin := gradInput.Data[s*g.inC*g.inVolume() : (s+1)*g.inC*g.inVolume()]
		gout := gradOutput.Data[s*g.outC*g.outVolume() : (s+1)*g.outC*g.outVolume()]

		dw := make([]float32, g.outC*g.taps())
		dwMat := blas32.General{Rows: g.outC, Cols: g.taps(), Stride: g.taps(), Data: dw}
		cols := memory.Scratch.Get(g.taps() * g.outPlane())
		defer memory.Scratch.Put(cols)
		colMat := blas32.General{Rows: g.taps(), Cols: g.outPlane(), Stride: g.outPlane(), Data: cols}
		dcols := memory.Scratch.Get(g.taps() * g.outPlane())
		defer memory.Scratch.Put(dcols)
		dcolMat := blas32.General{Rows: g.taps(), Cols: g.outPlane(), Stride: g.outPlane(), Data: dcols}

		for od := 0; od < g.outD; od++ {
			gslice := outputSlice(g, gout, od)

			unfold(g, in, od, cols)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, gslice, colMat, 1, dwMat)

			blas32.Gemm(blas.Trans, blas.NoTrans, 1, w, gslice, 0, dcolMat)
			fold(g, dcols, od, gin)
		}
		partial[s] = dw
	})

	wgrad := c.weight.Grad.Data
	for _, dw := range partial {
		for i, v := range dw {
			wgrad[i] += v
		}
	}

	if c.bias != nil {
		bgrad := c.bias.Grad.Data
		vol := g.outVolume()
		for s := 0; s < n; s++ {
			for oc := 0; oc < g.outC; oc++ {
				var sum float64
				for _, v := range gradOutput.Data[(s*g.outC+oc)*vol : (s*g.outC+oc+1)*vol] {
					sum += float64(v)
				}
				bgrad[oc] += float32(sum)
			}
		}
	}
	return gradInput, nil
}

// Parameters returns the weight and, when enabled, the bias
func (c *Conv3DLayer) Parameters() []*Parameter {
	if c.bias == nil {
		return []*Parameter{c.weight}
	}
	return []*Parameter{c.weight, c.bias}
}

func (c *Conv3DLayer) Buffers() []*Buffer { return nil }

func (c *Conv3DLayer) Train() { c.training = true }

func (c *Conv3DLayer) Eval() { c.training = false }

func (c *Conv3DLayer) IsTraining() bool { return c.training }

// Spec describes the layer
func (c *Conv3DLayer) Spec() LayerSpec {
	shapes, count := countParameters(c.Parameters())
	return LayerSpec{
		Type: Conv3D,
		Name: c.name,
		Parameters: map[string]interface{}{
			"input_channels":  c.inChannels,
			"output_channels": c.outChannels,
			"kernel_size":     c.kernel,
			"stride":          c.stride,
			"padding":         c.padding,
			"use_bias":        c.bias != nil,
		},
		ParameterShapes: shapes,
		ParameterCount:  count,
	}
}
