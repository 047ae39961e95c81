package checkpoints

import (
	"fmt"
	"strings"

	"github.com/brainage/brainage/layers"
)

// Model is the view of a network the checkpoint code needs
type Model interface {
	Spec() *layers.ModelSpec
	Parameters() []*layers.Parameter
	Buffers() []*layers.Buffer
}

func splitName(name string) (layer, typ string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// ExtractWeights copies every tensor of the model, in ModelSpec order
func ExtractWeights(model Model) []WeightTensor {
	spec := model.Spec()
	byName := namedTensors(model)
	weights := make([]WeightTensor, 0, len(spec.Tensors))
	for _, ts := range spec.Tensors {
		data := byName[ts.Name]
		layer, typ := splitName(ts.Name)
		weights = append(weights, WeightTensor{
			Name:  ts.Name,
			Shape: append([]int(nil), ts.Shape...),
			Data:  append([]float32(nil), data...),
			Layer: layer,
			Type:  typ,
		})
	}
	return weights
}

func namedTensors(model Model) map[string][]float32 {
	out := make(map[string][]float32)
	for _, p := range model.Parameters() {
		out[p.Name] = p.Value.Data
	}
	for _, b := range model.Buffers() {
		out[b.Name] = b.Value.Data
	}
	return out
}

// LoadWeights validates the checkpoint against the model and then copies
// every tensor into it. The model is untouched when validation fails.
func LoadWeights(c *Checkpoint, model Model) error {
	if err := c.Validate(model.Spec()); err != nil {
		return err
	}
	byName := namedTensors(model)
	for _, w := range c.Weights {
		dst, ok := byName[w.Name]
		if !ok || len(dst) != len(w.Data) {
			return fmt.Errorf("%w: model has no tensor %q of %d values", ErrCheckpointMismatch, w.Name, len(w.Data))
		}
	}
	for _, w := range c.Weights {
		copy(byName[w.Name], w.Data)
	}
	return nil
}
