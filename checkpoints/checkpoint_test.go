package checkpoints

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainage/brainage/layers"
)

// testModel is a conv + batchnorm + dense stack exposing the Model view
type testModel struct {
	trunk *layers.SequentialLayer
	head  *layers.DenseLayer
}

func newTestModel(t *testing.T, out int) *testModel {
	t.Helper()
	conv, err := layers.NewConv3D("conv", 1, 2, 3, 1, 1, true)
	require.NoError(t, err)
	bn, err := layers.NewBatchNorm3D("bn", 2, layers.DefaultBatchNormEps, layers.DefaultBatchNormMomentum)
	require.NoError(t, err)
	head, err := layers.NewDense("head", 2, out, true)
	require.NoError(t, err)
	return &testModel{
		trunk: layers.NewSequential("trunk", conv, bn, layers.NewGlobalAvgPool3D("gap")),
		head:  head,
	}
}

func (m *testModel) Spec() *layers.ModelSpec {
	return layers.NewModelSpec("TestNet", m.trunk, m.head)
}

func (m *testModel) Parameters() []*layers.Parameter {
	return append(m.trunk.Parameters(), m.head.Parameters()...)
}

func (m *testModel) Buffers() []*layers.Buffer {
	return m.trunk.Buffers()
}

func newTestCheckpoint(t *testing.T, model *testModel) *Checkpoint {
	t.Helper()
	// Make running statistics distinguishable from their defaults
	for _, b := range model.Buffers() {
		for i := range b.Value.Data {
			b.Value.Data[i] = float32(i) + 0.25
		}
	}
	return &Checkpoint{
		ModelSpec: model.Spec(),
		Weights:   ExtractWeights(model),
		TrainingState: TrainingState{
			Epoch:        7,
			Step:         140,
			LearningRate: 5e-4,
			TrainLoss:    0.42,
			ValLoss:      0.51,
			BestLoss:     0.51,
			BestEpoch:    7,
			TotalSteps:   140,
		},
		OptimizerState: &OptimizerState{
			Type:       "AdamW",
			Parameters: map[string]interface{}{"beta1": 0.9, "step_count": 140.0},
			StateData: []OptimizerTensor{
				{Name: "m_0", Shape: []int{2}, Data: []float32{0.1, -0.2}, StateType: "m"},
				{Name: "v_0", Shape: []int{2}, Data: []float32{0.01, 0.04}, StateType: "v"},
			},
		},
		AgeNormalization:     AgeNormalization{Mean: 74.5, Std: 7.25},
		FeatureNormalization: &FeatureNormalization{Mean: []float64{1, 2, 3}, Scale: []float64{0.5, 1, 2}},
		Metadata: CheckpointMetadata{
			RunID:            "6f1c3e9a-93a4-4f53-9d59-7d2c1b9f0a11",
			Description:      "test checkpoint",
			Tags:             []string{"test"},
			TrainingSubjects: []string{"OAS2_0001", "OAS2_0004"},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		format CheckpointFormat
		file   string
	}{
		{"json", FormatJSON, "best.json"},
		{"json compressed", FormatJSON, "best.json.xz"},
		{"binary", FormatBinary, "best.ckpt"},
		{"binary compressed", FormatBinary, "best.ckpt.xz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := newTestModel(t, 1)
			want := newTestCheckpoint(t, model)
			path := filepath.Join(t.TempDir(), "nested", tc.file)

			require.NoError(t, NewCheckpointSaver(tc.format).SaveCheckpoint(want, path))
			assert.Equal(t, Framework, want.Metadata.Framework)

			got, err := Load(path)
			require.NoError(t, err)

			require.NoError(t, got.Validate(model.Spec()))
			assert.Equal(t, want.Weights, got.Weights)
			assert.Equal(t, want.TrainingState, got.TrainingState)
			assert.Equal(t, want.AgeNormalization, got.AgeNormalization)
			assert.Equal(t, want.FeatureNormalization, got.FeatureNormalization)
			assert.Equal(t, want.OptimizerState.Type, got.OptimizerState.Type)
			assert.Equal(t, want.OptimizerState.StateData, got.OptimizerState.StateData)
			assert.Equal(t, 140.0, got.OptimizerState.Parameters["step_count"])
			assert.Equal(t, want.Metadata.RunID, got.Metadata.RunID)
			assert.Equal(t, want.Metadata.Tags, got.Metadata.Tags)
			assert.Equal(t, want.Metadata.TrainingSubjects, got.Metadata.TrainingSubjects)
			assert.True(t, want.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))

			entries, err := os.ReadDir(filepath.Dir(path))
			require.NoError(t, err)
			assert.Len(t, entries, 1, "temporary file left behind")
		})
	}
}

func TestCompressedFilesAreXZ(t *testing.T) {
	model := newTestModel(t, 1)
	path := filepath.Join(t.TempDir(), "c.ckpt.xz")
	require.NoError(t, NewCheckpointSaver(FormatBinary).SaveCheckpoint(newTestCheckpoint(t, model), path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, xzMagic, raw[:len(xzMagic)])
}

func TestLoadWeights(t *testing.T) {
	source := newTestModel(t, 1)
	cp := newTestCheckpoint(t, source)

	t.Run("copies parameters and running statistics", func(t *testing.T) {
		target := newTestModel(t, 1)
		require.NoError(t, LoadWeights(cp, target))
		for i, p := range target.Parameters() {
			assert.Equal(t, source.Parameters()[i].Value.Data, p.Value.Data, p.Name)
		}
		for i, b := range target.Buffers() {
			assert.Equal(t, source.Buffers()[i].Value.Data, b.Value.Data, b.Name)
		}
	})

	t.Run("mismatch loads nothing", func(t *testing.T) {
		target := newTestModel(t, 2)
		before := append([]float32(nil), target.Parameters()[0].Value.Data...)
		err := LoadWeights(cp, target)
		assert.True(t, errors.Is(err, ErrCheckpointMismatch), "got %v", err)
		assert.Equal(t, before, target.Parameters()[0].Value.Data)
	})
}

func TestValidate(t *testing.T) {
	model := newTestModel(t, 1)

	cases := []struct {
		name   string
		mutate func(c *Checkpoint)
	}{
		{"renamed tensor", func(c *Checkpoint) { c.Weights[0].Name = "other.weight" }},
		{"wrong shape", func(c *Checkpoint) { c.Weights[1].Shape = []int{3} }},
		{"short data", func(c *Checkpoint) { c.Weights[1].Data = c.Weights[1].Data[:1] }},
		{"missing tensor", func(c *Checkpoint) { c.Weights = c.Weights[:len(c.Weights)-1] }},
		{"architecture", func(c *Checkpoint) { c.ModelSpec.Architecture = "Other" }},
		{"no model spec", func(c *Checkpoint) { c.ModelSpec = nil }},
		{"degenerate age std", func(c *Checkpoint) { c.AgeNormalization.Std = 0 }},
		{"feature normalization widths", func(c *Checkpoint) { c.FeatureNormalization.Scale = c.FeatureNormalization.Scale[:1] }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cp := newTestCheckpoint(t, model)
			tc.mutate(cp)
			err := cp.Validate(model.Spec())
			assert.True(t, errors.Is(err, ErrCheckpointMismatch), "got %v", err)
		})
	}

	require.NoError(t, newTestCheckpoint(t, model).Validate(model.Spec()))
}

func TestExtractWeightsNaming(t *testing.T) {
	weights := ExtractWeights(newTestModel(t, 1))
	var names []string
	for _, w := range weights {
		names = append(names, w.Name)
	}
	assert.Equal(t, []string{
		"conv.weight", "conv.bias", "bn.weight", "bn.bias",
		"bn.running_mean", "bn.running_var", "head.weight", "head.bias",
	}, names)
	assert.Equal(t, "bn", weights[4].Layer)
	assert.Equal(t, "running_mean", weights[4].Type)
}

func TestCheckpointFormat(t *testing.T) {
	assert.Equal(t, "JSON", FormatJSON.String())
	assert.Equal(t, "Binary", FormatBinary.String())
	assert.Equal(t, "Unknown", CheckpointFormat(999).String())

	f, err := ParseFormat("BINARY")
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, f)
	_, err = ParseFormat("onnx")
	assert.Error(t, err)

	err = NewCheckpointSaver(CheckpointFormat(999)).SaveCheckpoint(&Checkpoint{}, filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported checkpoint format"))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "failed to open checkpoint file")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{invalid json"), 0o644))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "failed to decode checkpoint")

	truncated := filepath.Join(dir, "truncated.ckpt")
	model := newTestModel(t, 1)
	data, err := marshalBinary(newTestCheckpoint(t, model))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(truncated, data[:len(data)-3], 0o644))
	_, err = Load(truncated)
	assert.ErrorContains(t, err, "failed to decode binary checkpoint")
}

func TestMetadataDefaults(t *testing.T) {
	cp := &Checkpoint{}
	before := time.Now().Add(-time.Second)
	cp.fillMetadata()
	assert.Equal(t, Framework, cp.Metadata.Framework)
	assert.Equal(t, Version, cp.Metadata.Version)
	assert.True(t, cp.Metadata.CreatedAt.After(before))

	kept := &Checkpoint{Metadata: CheckpointMetadata{Framework: "custom", Version: "0.1"}}
	kept.fillMetadata()
	assert.Equal(t, "custom", kept.Metadata.Framework)
}
