package dataset

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/brainage/brainage/vision/features"
	"github.com/brainage/brainage/vision/preprocessing"
)

var smallGrid = preprocessing.Grid{Depth: 8, Height: 8, Width: 8}

func smallCollection(t *testing.T, subjects, scans int) *Collection {
	t.Helper()
	cfg := DefaultSyntheticConfig()
	cfg.Grid = smallGrid
	cfg.Subjects = subjects
	cfg.ScansPerSubject = scans
	cfg.Cohorts = []Cohort{Nondemented, Demented}
	c, err := Synthetic(cfg)
	require.NoError(t, err)
	return c
}

func normalizedAges(t *testing.T, ages []float64) []float32 {
	t.Helper()
	n, err := FitAgeNormalizer(ages)
	require.NoError(t, err)
	return n.NormalizeAll(ages)
}

func TestNewTrainingDatasetStandardizesFeatures(t *testing.T) {
	c := smallCollection(t, 3, 4)
	ds, err := New(context.Background(), c.Volumes, normalizedAges(t, c.Ages),
		WithTraining(true),
		WithGrid(smallGrid),
		WithSubjects(c.Subjects),
		WithCohorts(c.Cohorts),
		WithWorkers(2),
	)
	require.NoError(t, err)
	require.Equal(t, c.Len(), ds.Len())
	require.True(t, ds.FeatureNormalizer().Fitted())

	for j := 0; j < features.VectorLength; j++ {
		var sum, ss float64
		for i := 0; i < ds.Len(); i++ {
			s, err := ds.Sample(i)
			require.NoError(t, err)
			require.Len(t, s.Features, features.VectorLength)
			sum += float64(s.Features[j])
		}
		mean := sum / float64(ds.Len())
		for i := 0; i < ds.Len(); i++ {
			s, _ := ds.Sample(i)
			d := float64(s.Features[j]) - mean
			ss += d * d
		}
		std := math.Sqrt(ss / float64(ds.Len()))
		assert.InDeltaf(t, 0, mean, 1e-5, "column %d mean", j)
		// Constant columns stay at zero instead of unit variance
		if std > 1e-6 {
			assert.InDeltaf(t, 1, std, 1e-4, "column %d std", j)
		}
	}
}

func TestEvaluationModeRequiresNormalizer(t *testing.T) {
	c := smallCollection(t, 2, 2)
	ages := normalizedAges(t, c.Ages)

	_, err := New(context.Background(), c.Volumes, ages, WithGrid(smallGrid))
	assert.ErrorIs(t, err, ErrMissingNormalizer)

	train, err := New(context.Background(), c.Volumes, ages, WithGrid(smallGrid), WithTraining(true))
	require.NoError(t, err)

	eval, err := New(context.Background(), c.Volumes, ages,
		WithGrid(smallGrid),
		WithFeatureNormalizer(train.FeatureNormalizer()),
	)
	require.NoError(t, err)
	assert.Same(t, train.FeatureNormalizer(), eval.FeatureNormalizer())

	// Same normalizer, same raw features: identical standardized vectors
	for i := 0; i < eval.Len(); i++ {
		a, _ := train.Sample(i)
		b, _ := eval.Sample(i)
		assert.Equal(t, a.Features, b.Features)
	}
}

func TestEvaluationGetReturnsStoredVolume(t *testing.T) {
	c := smallCollection(t, 2, 2)
	ages := normalizedAges(t, c.Ages)
	train, err := New(context.Background(), c.Volumes, ages, WithGrid(smallGrid), WithTraining(true))
	require.NoError(t, err)
	eval, err := New(context.Background(), c.Volumes, ages, WithGrid(smallGrid), WithFeatureNormalizer(train.FeatureNormalizer()))
	require.NoError(t, err)

	vol, feats, age, err := eval.Get(1)
	require.NoError(t, err)
	assert.Same(t, c.Volumes[1], vol)
	assert.Len(t, feats, features.VectorLength)
	assert.Equal(t, ages[1], age)

	_, _, _, err = eval.Get(eval.Len())
	assert.Error(t, err)
}

func TestSampleKeepsChronologicalAge(t *testing.T) {
	c := smallCollection(t, 2, 2)
	c.Ages[2] = 81.0
	ds, err := New(context.Background(), c.Volumes, normalizedAges(t, c.Ages),
		WithGrid(smallGrid),
		WithTraining(true),
		WithChronologicalAges(c.Ages),
	)
	require.NoError(t, err)

	s, err := ds.Sample(2)
	require.NoError(t, err)
	assert.Equal(t, 81.0, s.ChronologicalAge)
	years, ok := ds.ChronologicalAge(2)
	assert.True(t, ok)
	assert.Equal(t, 81.0, years)

	bare, err := New(context.Background(), c.Volumes, normalizedAges(t, c.Ages), WithGrid(smallGrid), WithTraining(true))
	require.NoError(t, err)
	_, ok = bare.ChronologicalAge(2)
	assert.False(t, ok)

	_, err = New(context.Background(), c.Volumes, normalizedAges(t, c.Ages),
		WithGrid(smallGrid),
		WithTraining(true),
		WithChronologicalAges(c.Ages[:1]),
	)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestTrainingGetAugmentsCopy(t *testing.T) {
	c := smallCollection(t, 2, 2)
	orig := c.Volumes[0].Clone()
	ds, err := New(context.Background(), c.Volumes, normalizedAges(t, c.Ages),
		WithGrid(smallGrid),
		WithTraining(true),
		WithAugmenter(NewAugmenter(DefaultAugmentConfig(), 3)),
	)
	require.NoError(t, err)

	for k := 0; k < 5; k++ {
		vol, _, _, err := ds.Get(0)
		require.NoError(t, err)
		assert.NotSame(t, c.Volumes[0], vol)
		for _, x := range vol.Data {
			require.GreaterOrEqual(t, x, float32(-3))
			require.LessOrEqual(t, x, float32(3))
		}
	}
	assert.Equal(t, orig.Data, c.Volumes[0].Data, "stored volume must not change")
}

func TestNewFailsFastOnShapeMismatch(t *testing.T) {
	c := smallCollection(t, 2, 2)
	c.Volumes[2] = &preprocessing.Volume{Grid: preprocessing.Grid{Depth: 4, Height: 8, Width: 8}, Data: make([]float32, 256)}

	_, err := New(context.Background(), c.Volumes, normalizedAges(t, c.Ages), WithGrid(smallGrid), WithTraining(true))
	require.Error(t, err)
	assert.ErrorIs(t, err, preprocessing.ErrShapeMismatch)
	assert.Contains(t, err.Error(), "sample 2")
}

func TestNewLengthMismatch(t *testing.T) {
	c := smallCollection(t, 2, 2)
	_, err := New(context.Background(), c.Volumes, make([]float32, 3), WithGrid(smallGrid), WithTraining(true))
	assert.ErrorIs(t, err, ErrLengthMismatch)

	_, err = New(context.Background(), nil, nil, WithTraining(true))
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestAgeNormalizerRoundTrip(t *testing.T) {
	ages := []float64{61.5, 70, 72.25, 88, 90}
	n, err := FitAgeNormalizer(ages)
	require.NoError(t, err)

	for _, a := range ages {
		assert.InDelta(t, a, n.Denormalize(n.Normalize(a)), 1e-9)
	}

	_, err = FitAgeNormalizer([]float64{70, 70, 70})
	assert.ErrorIs(t, err, ErrDegenerateAges)
	_, err = FitAgeNormalizer(nil)
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestFeatureNormalizer(t *testing.T) {
	X := mat.NewDense(4, 3, []float64{
		1, 5, 10,
		2, 5, 20,
		3, 5, 30,
		4, 5, 40,
	})

	n := NewFeatureNormalizer()
	_, err := n.Transform(X)
	assert.ErrorIs(t, err, ErrNotFitted)

	out, err := n.FitTransform(X)
	require.NoError(t, err)
	assert.Equal(t, 1.0, n.Scale()[1])
	assert.InDelta(t, math.Sqrt(125), n.Scale()[2], 1e-9)
	assert.InDelta(t, 0, out.At(1, 1), 1e-12, "zero-variance column is only centred")
	assert.InDelta(t, -3/math.Sqrt(5), out.At(0, 0), 1e-12)

	assert.ErrorIs(t, n.Fit(X), ErrAlreadyFitted)

	restored, err := RestoreFeatureNormalizer(n.Mean(), n.Scale())
	require.NoError(t, err)
	vec, err := restored.TransformVector([]float64{4, 5, 40})
	require.NoError(t, err)
	assert.InDelta(t, out.At(3, 0), float64(vec[0]), 1e-6)

	_, err = restored.TransformVector([]float64{1, 2})
	assert.Error(t, err)
	_, err = RestoreFeatureNormalizer([]float64{1}, []float64{0})
	assert.Error(t, err)
}

func TestParseCohort(t *testing.T) {
	tests := []struct {
		label   string
		want    Cohort
		wantErr bool
	}{
		{"Nondemented", Nondemented, false},
		{"DEMENTED", Demented, false},
		{" converted ", Converted, false},
		{"", Nondemented, false},
		{"mild", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := ParseCohort(tt.label)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownCohort)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
