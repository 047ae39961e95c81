package layers

import (
	"github.com/brainage/brainage/tensor"
)

// GlobalAvgPool3DLayer averages every [D, H, W] feature map to one value,
// turning [N, C, D, H, W] into [N, C].
type GlobalAvgPool3DLayer struct {
	name       string
	training   bool
	inputShape []int
}

func NewGlobalAvgPool3D(name string) *GlobalAvgPool3DLayer {
	return &GlobalAvgPool3DLayer{name: name, training: true}
}

func (p *GlobalAvgPool3DLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireRank(p.name, input, 5); err != nil {
		return nil, err
	}
	n, c, spatial := input.Shape[0], input.Shape[1], input.SpatialSize()
	output := tensor.Zeros(n, c)
	for m := 0; m < n*c; m++ {
		var sum float64
		for _, v := range input.Data[m*spatial : (m+1)*spatial] {
			sum += float64(v)
		}
		output.Data[m] = float32(sum / float64(spatial))
	}
	p.inputShape = append(p.inputShape[:0], input.Shape...)
	return output, nil
}

// Backward spreads each gradient evenly over its feature map
func (p *GlobalAvgPool3DLayer) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if p.inputShape == nil {
		return nil, errNoForward(p.name)
	}
	n, c := p.inputShape[0], p.inputShape[1]
	if !tensor.ShapesEqual(gradOutput.Shape, []int{n, c}) {
		return nil, errGradShape(p.name, gradOutput)
	}
	gradInput := tensor.Zeros(p.inputShape...)
	spatial := gradInput.SpatialSize()
	for m, g := range gradOutput.Data {
		v := g / float32(spatial)
		dst := gradInput.Data[m*spatial : (m+1)*spatial]
		for i := range dst {
			dst[i] = v
		}
	}
	return gradInput, nil
}

func (p *GlobalAvgPool3DLayer) Parameters() []*Parameter { return nil }

func (p *GlobalAvgPool3DLayer) Buffers() []*Buffer { return nil }

func (p *GlobalAvgPool3DLayer) Train() { p.training = true }

func (p *GlobalAvgPool3DLayer) Eval() { p.training = false }

func (p *GlobalAvgPool3DLayer) IsTraining() bool { return p.training }

func (p *GlobalAvgPool3DLayer) Spec() LayerSpec {
	return LayerSpec{Type: GlobalAvgPool3D, Name: p.name}
}
