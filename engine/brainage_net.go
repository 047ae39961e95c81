package engine

import (
	"fmt"

	"github.com/brainage/brainage/layers"
	"github.com/brainage/brainage/tensor"
	"github.com/brainage/brainage/vision/features"
)

// Architecture names the network in model specs and checkpoints
const Architecture = "BrainAgeCNN"

// Config controls the regularization of BrainAgeNet. The layer widths are
// fixed by the architecture.
type Config struct {
	FeatureWidth   int
	InitialDropout float64
	Res1Dropout    float64
	Res2Dropout    float64
	HeadDropout    float64
}

// DefaultConfig returns the reference dropout rates and the 25-value
// anatomical feature vector.
func DefaultConfig() Config {
	return Config{
		FeatureWidth:   features.VectorLength,
		InitialDropout: 0.2,
		Res1Dropout:    0.1,
		Res2Dropout:    0.2,
		HeadDropout:    0.3,
	}
}

// Model is the contract the engines drive: a regressor over volumes and
// feature vectors with named parameters and a train/eval switch.
type Model interface {
	Forward(volumes, features *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradPred *tensor.Tensor) error
	Parameters() []*layers.Parameter
	Buffers() []*layers.Buffer
	Train()
	Eval()
	IsTraining() bool
	Spec() *layers.ModelSpec
}

var _ Model = (*BrainAgeNet)(nil)

const (
	imageEmbedding   = 16
	featureEmbedding = 16
)

// BrainAgeNet is a dual-branch regressor. The image branch runs a small
// residual 3D CNN over a single-channel volume; the feature branch embeds the
// anatomical feature vector. Both 16-wide embeddings are concatenated and
// regressed to one normalized age.
type BrainAgeNet struct {
	config Config

	initial       *layers.SequentialLayer
	res1          *layers.ResidualBlock
	res2          *layers.ResidualBlock
	pool          *layers.Conv3DLayer
	gap           *layers.GlobalAvgPool3DLayer
	imageHead     *layers.SequentialLayer
	featureBranch *layers.SequentialLayer
	combined      *layers.SequentialLayer

	batchSize int
}

// NewBrainAgeNet builds the network. Weights are drawn from the layers
// package random source, so call layers.SetRandomSeed first for
// reproducible initialization.
func NewBrainAgeNet(config Config) (*BrainAgeNet, error) {
	if config.FeatureWidth <= 0 {
		return nil, fmt.Errorf("feature width must be positive, got %d", config.FeatureWidth)
	}
	n := &BrainAgeNet{config: config}

	conv, err := layers.NewConv3D("initial.conv", 1, 8, 3, 1, 1, true)
	if err != nil {
		return nil, err
	}
	bn, err := layers.NewBatchNorm3D("initial.bn", 8, layers.DefaultBatchNormEps, layers.DefaultBatchNormMomentum)
	if err != nil {
		return nil, err
	}
	drop, err := layers.NewDropout3D("initial.dropout", config.InitialDropout)
	if err != nil {
		return nil, err
	}
	n.initial = layers.NewSequential("initial", conv, bn, layers.NewReLU("initial.relu", true), drop)

	if n.res1, err = layers.NewResidualBlock("res1", 8, 16, config.Res1Dropout); err != nil {
		return nil, err
	}
	if n.res2, err = layers.NewResidualBlock("res2", 16, 32, config.Res2Dropout); err != nil {
		return nil, err
	}
	if n.pool, err = layers.NewConv3D("pool", 32, 32, 2, 2, 0, true); err != nil {
		return nil, err
	}
	n.gap = layers.NewGlobalAvgPool3D("gap")

	if n.imageHead, err = denseBlock("feature_branch", 32, imageEmbedding, config.HeadDropout); err != nil {
		return nil, err
	}
	if n.featureBranch, err = denseBlock("brain_feature_branch", config.FeatureWidth, featureEmbedding, config.HeadDropout); err != nil {
		return nil, err
	}
	if n.combined, err = denseBlock("combined", imageEmbedding+featureEmbedding, 16, config.HeadDropout); err != nil {
		return nil, err
	}
	out, err := layers.NewDense("combined.out", 16, 1, true)
	if err != nil {
		return nil, err
	}
	n.combined.Add(out)
	return n, nil
}

// denseBlock is Dense → ReLU → Dropout
func denseBlock(name string, in, out int, dropout float64) (*layers.SequentialLayer, error) {
	fc, err := layers.NewDense(name+".fc", in, out, true)
	if err != nil {
		return nil, err
	}
	drop, err := layers.NewDropout(name+".dropout", dropout)
	if err != nil {
		return nil, err
	}
	return layers.NewSequential(name, fc, layers.NewReLU(name+".relu", true), drop), nil
}

func (n *BrainAgeNet) modules() []layers.Module {
	return []layers.Module{n.initial, n.res1, n.res2, n.pool, n.gap, n.imageHead, n.featureBranch, n.combined}
}

// Forward predicts one normalized age per sample from volumes [N, 1, D, H, W]
// and standardized features [N, F]. The result has shape [N].
func (n *BrainAgeNet) Forward(volumes, feats *tensor.Tensor) (*tensor.Tensor, error) {
	if volumes == nil || volumes.Rank() != 5 || volumes.Shape[1] != 1 {
		return nil, fmt.Errorf("volumes must be [N, 1, D, H, W], got %v", shapeOf(volumes))
	}
	if feats == nil || feats.Rank() != 2 || feats.Shape[1] != n.config.FeatureWidth {
		return nil, fmt.Errorf("features must be [N, %d], got %v", n.config.FeatureWidth, shapeOf(feats))
	}
	batch := volumes.Shape[0]
	if feats.Shape[0] != batch {
		return nil, fmt.Errorf("batch size mismatch: %d volumes, %d feature rows", batch, feats.Shape[0])
	}

	x := volumes
	var err error
	for _, m := range []layers.Module{n.initial, n.res1, n.res2, n.pool, n.gap, n.imageHead} {
		if x, err = m.Forward(x); err != nil {
			return nil, err
		}
	}
	f, err := n.featureBranch.Forward(feats)
	if err != nil {
		return nil, err
	}
	joined, err := tensor.Concat2D(x, f)
	if err != nil {
		return nil, err
	}
	out, err := n.combined.Forward(joined)
	if err != nil {
		return nil, err
	}
	n.batchSize = batch
	return out.Reshape([]int{batch})
}

// Backward propagates dLoss/dPrediction ([N]) through both branches,
// accumulating parameter gradients.
func (n *BrainAgeNet) Backward(gradPred *tensor.Tensor) error {
	if n.batchSize == 0 {
		return fmt.Errorf("Backward called before Forward")
	}
	if gradPred == nil || gradPred.NumElems != n.batchSize {
		return fmt.Errorf("prediction gradient must have %d elements, got %v", n.batchSize, shapeOf(gradPred))
	}
	grad, err := gradPred.Reshape([]int{n.batchSize, 1})
	if err != nil {
		return err
	}
	if grad, err = n.combined.Backward(grad); err != nil {
		return err
	}
	gImage, gFeat, err := tensor.Split2D(grad, imageEmbedding)
	if err != nil {
		return err
	}
	if _, err := n.featureBranch.Backward(gFeat); err != nil {
		return err
	}
	for _, m := range []layers.Module{n.imageHead, n.gap, n.pool, n.res2, n.res1, n.initial} {
		if gImage, err = m.Backward(gImage); err != nil {
			return err
		}
	}
	return nil
}

// Parameters lists every learnable tensor in a stable order
func (n *BrainAgeNet) Parameters() []*layers.Parameter {
	var params []*layers.Parameter
	for _, m := range n.modules() {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Buffers lists the BatchNorm running statistics
func (n *BrainAgeNet) Buffers() []*layers.Buffer {
	var buffers []*layers.Buffer
	for _, m := range n.modules() {
		buffers = append(buffers, m.Buffers()...)
	}
	return buffers
}

// Train enables dropout and batch statistics
func (n *BrainAgeNet) Train() {
	for _, m := range n.modules() {
		m.Train()
	}
}

// Eval disables dropout and switches BatchNorm to running statistics
func (n *BrainAgeNet) Eval() {
	for _, m := range n.modules() {
		m.Eval()
	}
}

func (n *BrainAgeNet) IsTraining() bool { return n.initial.IsTraining() }

// Config returns the construction config
func (n *BrainAgeNet) Config() Config { return n.config }

// Spec describes the architecture and every persisted tensor
func (n *BrainAgeNet) Spec() *layers.ModelSpec {
	return layers.NewModelSpec(Architecture, n.modules()...)
}

// Summary renders the layer tree with parameter counts
func (n *BrainAgeNet) Summary() string {
	return n.Spec().Summary()
}

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape
}
