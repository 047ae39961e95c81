package engine

import (
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainage/brainage/layers"
	"github.com/brainage/brainage/optimizer"
	"github.com/brainage/brainage/tensor"
	"github.com/brainage/brainage/vision/dataloader"
	"github.com/brainage/brainage/vision/features"
	"github.com/brainage/brainage/vision/preprocessing"
)

var smallGrid = preprocessing.Grid{Depth: 8, Height: 8, Width: 8}

func newNet(t *testing.T, cfg Config) *BrainAgeNet {
	t.Helper()
	layers.SetRandomSeed(42)
	net, err := NewBrainAgeNet(cfg)
	require.NoError(t, err)
	return net
}

func randomBatch(seed int64, n int) *dataloader.Batch {
	rng := rand.New(rand.NewSource(seed))
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return &dataloader.Batch{
		Volumes:  tensor.Randn(rng, 1, n, 1, smallGrid.Depth, smallGrid.Height, smallGrid.Width),
		Features: tensor.Randn(rng, 1, n, features.VectorLength),
		Ages:     tensor.Randn(rng, 1, n),
		Indices:  idx,
	}
}

func mse(pred, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	grad := tensor.ZerosLike(pred)
	var sum float64
	n := float64(pred.NumElems)
	for i, p := range pred.Data {
		d := float64(p) - float64(target.Data[i])
		sum += d * d
		grad.Data[i] = float32(2 * d / n)
	}
	return sum / n, grad, nil
}

func TestBrainAgeNetShapesAndParameters(t *testing.T) {
	net := newNet(t, DefaultConfig())
	batch := randomBatch(1, 3)

	pred, err := net.Forward(batch.Volumes, batch.Features)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, pred.Shape)
	assert.True(t, pred.IsFinite())

	spec := net.Spec()
	assert.Equal(t, Architecture, spec.Architecture)
	assert.Equal(t, int64(62865), spec.TotalParameters)

	params := net.Parameters()
	assert.Equal(t, "initial.conv.weight", params[0].Name)
	assert.Equal(t, []int{8, 1, 3, 3, 3}, params[0].Value.Shape)
	assert.Equal(t, "combined.out.bias", params[len(params)-1].Name)

	var names []string
	for _, p := range params {
		names = append(names, p.Name)
	}
	joined := strings.Join(names, " ")
	for _, want := range []string{"res1.shortcut.conv.weight", "res2.conv2.weight", "pool.weight", "feature_branch.fc.weight", "brain_feature_branch.fc.weight", "combined.fc.weight"} {
		assert.Contains(t, joined, want)
	}
	assert.Len(t, net.Buffers(), 2*7, "seven BatchNorm layers")
	assert.Contains(t, net.Summary(), "Model Summary: BrainAgeCNN")
}

func TestBrainAgeNetInputValidation(t *testing.T) {
	net := newNet(t, DefaultConfig())
	batch := randomBatch(2, 2)

	_, err := net.Forward(tensor.Zeros(2, 2, 8, 8, 8), batch.Features)
	assert.Error(t, err, "two channels")
	_, err = net.Forward(batch.Volumes, tensor.Zeros(2, 24))
	assert.Error(t, err, "wrong feature width")
	_, err = net.Forward(batch.Volumes, tensor.Zeros(3, features.VectorLength))
	assert.Error(t, err, "batch mismatch")
	assert.Error(t, net.Backward(tensor.Zeros(2)), "backward before forward")

	_, err = NewBrainAgeNet(Config{})
	assert.Error(t, err)
}

func TestBrainAgeNetBackwardReachesBothBranches(t *testing.T) {
	net := newNet(t, DefaultConfig())
	batch := randomBatch(3, 2)

	_, err := net.Forward(batch.Volumes, batch.Features)
	require.NoError(t, err)
	require.NoError(t, net.Backward(tensor.Full(1, 2)))

	byName := map[string]*layers.Parameter{}
	for _, p := range net.Parameters() {
		byName[p.Name] = p
	}
	for _, name := range []string{"initial.conv.weight", "brain_feature_branch.fc.weight", "combined.out.weight"} {
		assert.Greater(t, optimizer.GlobalGradNorm([]*layers.Parameter{byName[name]}), 0.0, name)
	}
	assert.Error(t, net.Backward(tensor.Full(1, 3)), "wrong gradient size")
}

func TestEvalModeIsDeterministic(t *testing.T) {
	net := newNet(t, DefaultConfig())
	batch := randomBatch(4, 2)
	ie, err := NewInferenceEngine(net)
	require.NoError(t, err)

	a, err := ie.Predict(batch)
	require.NoError(t, err)
	b, err := ie.Predict(batch)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.False(t, net.IsTraining())

	net.Train()
	assert.True(t, net.IsTraining())
}

func TestTrainingEngineFitsSmallBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialDropout, cfg.Res1Dropout, cfg.Res2Dropout, cfg.HeadDropout = 0, 0, 0, 0
	net := newNet(t, cfg)
	opt, err := optimizer.NewAdamW(optimizer.AdamWConfig{LearningRate: 5e-3, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, net.Parameters())
	require.NoError(t, err)
	te, err := NewTrainingEngine(net, opt, mse, 1.0)
	require.NoError(t, err)

	batch := randomBatch(5, 4)
	net.Train()
	first, err := te.ExecuteStep(batch)
	require.NoError(t, err)
	assert.Greater(t, first.GradNorm, 0.0)

	last := first
	for i := 0; i < 40; i++ {
		last, err = te.ExecuteStep(batch)
		require.NoError(t, err)
	}
	assert.Less(t, last.Loss, first.Loss)
	assert.Equal(t, uint64(41), opt.GetStepCount())

	_, err = NewTrainingEngine(net, opt, nil, 1)
	assert.Error(t, err)
}

// fakeDataset serves random volumes on the small grid
type fakeDataset struct {
	n int
}

func (f fakeDataset) Len() int                 { return f.n }
func (f fakeDataset) Grid() preprocessing.Grid { return smallGrid }

func (f fakeDataset) Get(i int) (*preprocessing.Volume, []float32, float32, error) {
	rng := rand.New(rand.NewSource(int64(i)))
	data := make([]float32, smallGrid.Voxels())
	for j := range data {
		data[j] = float32(rng.NormFloat64())
	}
	v, err := preprocessing.NewVolume(smallGrid, data)
	return v, make([]float32, features.VectorLength), float32(i), err
}

func TestPredictAll(t *testing.T) {
	net := newNet(t, DefaultConfig())
	ie, err := NewInferenceEngine(net)
	require.NoError(t, err)
	loader, err := dataloader.NewDataLoader(fakeDataset{n: 5}, dataloader.Config{BatchSize: 2})
	require.NoError(t, err)

	preds, err := ie.PredictAll(context.Background(), loader)
	require.NoError(t, err)
	require.Len(t, preds, 5)
	for i, p := range preds {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, float32(i), p.Target)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ie.PredictAll(ctx, loader)
	assert.ErrorIs(t, err, context.Canceled)
}
