package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainage/brainage/tensor"
)

// gradCheck compares analytic gradients of sum(Forward(x) * r) against
// central finite differences. Up to tolerated mismatching entries are
// allowed to absorb ReLU kinks.
func gradCheck(t *testing.T, m Module, x *tensor.Tensor, tolerated float64) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))

	out, err := m.Forward(x.Clone())
	require.NoError(t, err)
	r := tensor.Randn(rng, 1, out.Shape...)
	for _, p := range m.Parameters() {
		p.Grad.Zero()
	}
	dx, err := m.Backward(r)
	require.NoError(t, err)
	require.Equal(t, x.Shape, dx.Shape)

	loss := func() float64 {
		o, err := m.Forward(x.Clone())
		require.NoError(t, err)
		var s float64
		for i, v := range o.Data {
			s += float64(v) * float64(r.Data[i])
		}
		return s
	}

	const eps = 1e-3
	checked, bad := 0, 0
	probe := func(values []float32, analytic []float32) {
		step := max(1, len(values)/20)
		for i := 0; i < len(values); i += step {
			orig := values[i]
			values[i] = orig + eps
			lp := loss()
			values[i] = orig - eps
			lm := loss()
			values[i] = orig

			num := (lp - lm) / (2 * eps)
			got := float64(analytic[i])
			checked++
			if math.Abs(num-got) > 2e-2+0.05*math.Max(math.Abs(num), math.Abs(got)) {
				bad++
				if tolerated == 0 {
					t.Errorf("gradient %d: analytic %v, numeric %v", i, got, num)
				}
			}
		}
	}

	probe(x.Data, dx.Data)
	for _, p := range m.Parameters() {
		probe(p.Value.Data, p.Grad.Data)
	}
	if tolerated > 0 {
		assert.LessOrEqual(t, float64(bad), tolerated*float64(checked), "%d of %d gradients disagree", bad, checked)
	}
}

func TestConv3DGradients(t *testing.T) {
	SetRandomSeed(1)
	rng := rand.New(rand.NewSource(2))

	cases := []struct {
		name                 string
		in, out, k, s, p     int
		bias                 bool
		depth, height, width int
	}{
		{"same padding", 2, 3, 3, 1, 1, true, 4, 4, 4},
		{"strided downsample", 2, 2, 2, 2, 0, true, 4, 4, 6},
		{"pointwise no bias", 3, 2, 1, 1, 0, false, 3, 2, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conv, err := NewConv3D("conv", tc.in, tc.out, tc.k, tc.s, tc.p, tc.bias)
			require.NoError(t, err)
			x := tensor.Randn(rng, 1, 2, tc.in, tc.depth, tc.height, tc.width)
			gradCheck(t, conv, x, 0)
		})
	}
}

func TestConv3DKnownValues(t *testing.T) {
	conv, err := NewConv3D("conv", 1, 1, 3, 1, 1, true)
	require.NoError(t, err)
	for i := range conv.weight.Value.Data {
		conv.weight.Value.Data[i] = 1
	}
	conv.bias.Value.Data[0] = 0.5

	out, err := conv.Forward(tensor.Full(1, 1, 1, 3, 3, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3, 3, 3}, out.Shape)
	assert.InDelta(t, 27.5, out.At(0, 0, 1, 1, 1), 1e-5, "centre sees every tap")
	assert.InDelta(t, 8.5, out.At(0, 0, 0, 0, 0), 1e-5, "corner sees 2x2x2 taps")
	assert.InDelta(t, 12.5, out.At(0, 0, 0, 1, 0), 1e-5)
}

func TestConv3DShapes(t *testing.T) {
	pool, err := NewConv3D("pool", 4, 4, 2, 2, 0, true)
	require.NoError(t, err)
	out, err := pool.Forward(tensor.Zeros(1, 4, 8, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 4, 4, 4}, out.Shape)

	_, err = pool.Forward(tensor.Zeros(1, 3, 8, 8, 8))
	assert.Error(t, err, "wrong channel count")
	_, err = pool.Forward(tensor.Zeros(4, 8, 8, 8))
	assert.Error(t, err, "wrong rank")

	_, err = NewConv3D("bad", 1, 1, 0, 1, 0, true)
	assert.Error(t, err)

	fresh, _ := NewConv3D("fresh", 1, 1, 1, 1, 0, true)
	_, err = fresh.Backward(tensor.Zeros(1, 1, 1, 1, 1))
	assert.Error(t, err, "backward before forward")
}

func TestDenseGradients(t *testing.T) {
	SetRandomSeed(3)
	dense, err := NewDense("fc", 5, 4, true)
	require.NoError(t, err)
	x := tensor.Randn(rand.New(rand.NewSource(4)), 1, 3, 5)
	gradCheck(t, dense, x, 0)

	assert.Equal(t, []int{4, 5}, dense.weight.Value.Shape)
	bound := float32(1 / math.Sqrt(5))
	for _, v := range dense.weight.Value.Data {
		assert.LessOrEqual(t, float32(math.Abs(float64(v))), bound)
	}
}

func TestBatchNormGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	x := tensor.Randn(rng, 2, 3, 2, 2, 2, 2)

	t.Run("training", func(t *testing.T) {
		bn, err := NewBatchNorm3D("bn", 2, DefaultBatchNormEps, DefaultBatchNormMomentum)
		require.NoError(t, err)
		bn.gamma.Value.Data[0], bn.gamma.Value.Data[1] = 1.5, 0.7
		gradCheck(t, bn, x, 0)
	})

	t.Run("eval", func(t *testing.T) {
		bn, err := NewBatchNorm3D("bn", 2, DefaultBatchNormEps, DefaultBatchNormMomentum)
		require.NoError(t, err)
		bn.runningMean.Value.Data[0] = 0.3
		bn.runningVar.Value.Data[1] = 2
		bn.Eval()
		gradCheck(t, bn, x, 0)
	})
}

func TestBatchNormStatistics(t *testing.T) {
	bn, err := NewBatchNorm3D("bn", 1, DefaultBatchNormEps, DefaultBatchNormMomentum)
	require.NoError(t, err)

	// Values 1..8 in a single channel: mean 4.5, biased var 5.25, unbiased 6
	x := tensor.Zeros(1, 1, 2, 2, 2)
	for i := range x.Data {
		x.Data[i] = float32(i + 1)
	}
	out, err := bn.Forward(x)
	require.NoError(t, err)

	var sum, sq float64
	for _, v := range out.Data {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	assert.InDelta(t, 0, sum/8, 1e-5)
	assert.InDelta(t, 1, sq/8, 1e-4)

	assert.InDelta(t, 0.45, bn.runningMean.Value.Data[0], 1e-6)
	assert.InDelta(t, 0.9+0.6, bn.runningVar.Value.Data[0], 1e-5)

	bn.Eval()
	out, err = bn.Forward(x)
	require.NoError(t, err)
	want := (1 - 0.45) / math.Sqrt(1.5+DefaultBatchNormEps)
	assert.InDelta(t, want, out.Data[0], 1e-5)
	assert.InDelta(t, 0.45, bn.runningMean.Value.Data[0], 1e-6, "eval leaves running stats alone")

	bn.Train()
	_, err = bn.Forward(tensor.Zeros(1, 1, 1, 1, 1))
	assert.Error(t, err, "single value per channel in training")
}

func TestGlobalAvgPoolGradients(t *testing.T) {
	x := tensor.Randn(rand.New(rand.NewSource(6)), 1, 2, 3, 2, 2, 3)
	gradCheck(t, NewGlobalAvgPool3D("gap"), x, 0)

	out, err := NewGlobalAvgPool3D("gap").Forward(tensor.Full(2.5, 1, 2, 2, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, out.Shape)
	assert.InDelta(t, 2.5, out.Data[1], 1e-6)
}

func TestReLU(t *testing.T) {
	x, _ := tensor.New([]int{4}, []float32{-1, 0, 2, -3})
	out, err := NewReLU("relu", false).Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 2, 0}, out.Data)
	assert.Equal(t, float32(-1), x.Data[0], "input untouched")

	inplace := NewReLU("relu", true)
	y := x.Clone()
	out, err = inplace.Forward(y)
	require.NoError(t, err)
	assert.Same(t, y, out)
	assert.Equal(t, []float32{0, 0, 2, 0}, y.Data)

	g, _ := tensor.New([]int{4}, []float32{1, 1, 1, 1})
	grad, err := inplace.Backward(g)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1, 0}, grad.Data)
}

func TestDropout(t *testing.T) {
	SetRandomSeed(9)

	t.Run("eval is identity", func(t *testing.T) {
		d, err := NewDropout("drop", 0.5)
		require.NoError(t, err)
		d.Eval()
		x := tensor.Full(3, 10)
		out, err := d.Forward(x)
		require.NoError(t, err)
		assert.Equal(t, x.Data, out.Data)
		g, err := d.Backward(tensor.Full(1, 10))
		require.NoError(t, err)
		assert.Equal(t, tensor.Full(1, 10).Data, g.Data)
	})

	t.Run("element-wise scaling", func(t *testing.T) {
		d, err := NewDropout("drop", 0.3)
		require.NoError(t, err)
		out, err := d.Forward(tensor.Full(1, 10000))
		require.NoError(t, err)
		zeros := 0
		for _, v := range out.Data {
			if v == 0 {
				zeros++
			} else {
				assert.InDelta(t, 1/0.7, v, 1e-6)
			}
		}
		assert.InDelta(t, 0.3, float64(zeros)/10000, 0.03)

		grad, err := d.Backward(tensor.Full(1, 10000))
		require.NoError(t, err)
		assert.Equal(t, out.Data, grad.Data, "gradient reuses the mask")
	})

	t.Run("channel-wise", func(t *testing.T) {
		d, err := NewDropout3D("drop3d", 0.5)
		require.NoError(t, err)
		out, err := d.Forward(tensor.Full(1, 4, 8, 2, 2, 2))
		require.NoError(t, err)
		dropped := 0
		for m := 0; m < 32; m++ {
			first := out.Data[m*8]
			for _, v := range out.Data[m*8 : (m+1)*8] {
				assert.Equal(t, first, v, "map %d mixes kept and dropped voxels", m)
			}
			if first == 0 {
				dropped++
			} else {
				assert.InDelta(t, 2, first, 1e-6)
			}
		}
		assert.Greater(t, dropped, 0)
		assert.Less(t, dropped, 32)

		_, err = d.Forward(tensor.Full(1, 4, 8))
		assert.Error(t, err, "channel dropout needs 5D input")
	})

	t.Run("invalid rate", func(t *testing.T) {
		_, err := NewDropout("drop", 1)
		assert.Error(t, err)
		_, err = NewDropout3D("drop", -0.1)
		assert.Error(t, err)
	})
}

func TestResidualBlock(t *testing.T) {
	rng := rand.New(rand.NewSource(11))

	t.Run("projection shortcut", func(t *testing.T) {
		SetRandomSeed(12)
		block, err := NewResidualBlock("res", 2, 3, 0)
		require.NoError(t, err)
		assert.True(t, block.HasProjection())

		x := tensor.Randn(rng, 1, 2, 2, 3, 3, 3)
		out, err := block.Forward(x)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3, 3, 3, 3}, out.Shape)
		for _, v := range out.Data {
			assert.GreaterOrEqual(t, v, float32(0))
		}
		gradCheck(t, block, x, 0.1)
	})

	t.Run("identity shortcut", func(t *testing.T) {
		SetRandomSeed(13)
		block, err := NewResidualBlock("res", 2, 2, 0)
		require.NoError(t, err)
		assert.False(t, block.HasProjection())
		gradCheck(t, block, tensor.Randn(rng, 1, 2, 2, 3, 3, 3), 0.1)
	})

	t.Run("parameter names", func(t *testing.T) {
		block, err := NewResidualBlock("res1", 8, 16, 0.1)
		require.NoError(t, err)
		var names []string
		for _, p := range block.Parameters() {
			names = append(names, p.Name)
		}
		assert.Equal(t, []string{
			"res1.conv1.weight", "res1.conv1.bias",
			"res1.bn1.weight", "res1.bn1.bias",
			"res1.conv2.weight", "res1.conv2.bias",
			"res1.bn2.weight", "res1.bn2.bias",
			"res1.shortcut.conv.weight", "res1.shortcut.conv.bias",
			"res1.shortcut.bn.weight", "res1.shortcut.bn.bias",
		}, names)
		assert.Len(t, block.Buffers(), 6)

		block.Eval()
		for _, m := range block.main.Modules() {
			assert.False(t, m.IsTraining())
		}
	})
}

func TestModelSpec(t *testing.T) {
	SetRandomSeed(1)
	build := func(out int) *ModelSpec {
		conv, _ := NewConv3D("conv", 1, 2, 3, 1, 1, true)
		bn, _ := NewBatchNorm3D("bn", 2, DefaultBatchNormEps, DefaultBatchNormMomentum)
		fc, _ := NewDense("fc", 2, out, true)
		return NewModelSpec("test-net", NewSequential("trunk", conv, bn, NewReLU("relu", true), NewGlobalAvgPool3D("gap")), fc)
	}

	spec := build(1)
	assert.Equal(t, int64(2*27+2+2+2+2+1), spec.TotalParameters)
	assert.Len(t, spec.Tensors, 8)
	assert.Equal(t, "bn.running_mean", spec.Tensors[4].Name)
	assert.False(t, spec.Tensors[4].Trainable)

	require.NoError(t, spec.Compatible(build(1)))
	assert.Error(t, spec.Compatible(build(2)))
	assert.Error(t, spec.Compatible(nil))

	other := build(1)
	other.Architecture = "other"
	assert.Error(t, spec.Compatible(other))

	summary := spec.Summary()
	assert.Contains(t, summary, "Model Summary: test-net")
	assert.Contains(t, summary, "  conv (Conv3D)")
	assert.Contains(t, summary, "fc (Dense) params=3")
}
