package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarmupScheduler(t *testing.T) {
	s := NewWarmupScheduler(3)
	baseLR := 0.001

	tests := []struct {
		epoch int
		want  float64
	}{
		{0, 0.001 / 3},
		{1, 0.002 / 3},
		{2, 0.001},
		{3, 0.001},
		{10, 0.001},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, s.GetLR(tt.epoch, 0, baseLR), 1e-12, "epoch %d", tt.epoch)
	}
	assert.True(t, s.Active(2))
	assert.False(t, s.Active(3))

	none := NewWarmupScheduler(0)
	assert.False(t, none.Active(0))
	assert.Equal(t, baseLR, none.GetLR(0, 0, baseLR))
}

func TestReduceLROnPlateauScheduler(t *testing.T) {
	s, err := NewReduceLROnPlateauScheduler(0.5, 2, 1e-4, 0.01, "min")
	require.NoError(t, err)
	assert.Equal(t, 0.1, s.GetLR(0, 0, 0.1), "base rate before the first step")

	lr := s.Step(1.0, 0.1)
	assert.Equal(t, 0.1, lr, "first value is always an improvement")
	assert.Equal(t, 0, s.BadEpochs())

	lr = s.Step(0.99995, lr)
	assert.Equal(t, 0.1, lr)
	assert.Equal(t, 1, s.BadEpochs(), "gain below the relative threshold is not an improvement")

	lr = s.Step(1.0, lr)
	assert.Equal(t, 0.1, lr, "patience epochs without improvement are tolerated")

	lr = s.Step(1.0, lr)
	assert.InDelta(t, 0.05, lr, 1e-12, "reduced once patience is exceeded")
	assert.Equal(t, 0, s.BadEpochs())
	assert.Equal(t, 1, s.Reductions())
	assert.Equal(t, lr, s.GetLR(5, 0, 0.1))

	t.Run("floor", func(t *testing.T) {
		lr := 0.02
		for i := 0; i < 3; i++ {
			lr = s.Step(2.0, lr)
		}
		assert.InDelta(t, 0.01, lr, 1e-12)
		assert.Equal(t, 2, s.Reductions())

		for i := 0; i < 3; i++ {
			lr = s.Step(2.0, lr)
		}
		assert.InDelta(t, 0.01, lr, 1e-12, "never below the minimum")
		assert.Equal(t, 2, s.Reductions())
	})

	t.Run("improvement resets the count", func(t *testing.T) {
		s, err := NewReduceLROnPlateauScheduler(0.5, 1, 0, 0, "min")
		require.NoError(t, err)
		s.Step(1.0, 1)
		s.Step(1.5, 1)
		assert.Equal(t, 1.0, s.Step(0.5, 1))
		assert.Equal(t, 0, s.BadEpochs())
	})
}

func TestReduceLROnPlateauMaxMode(t *testing.T) {
	s, err := NewReduceLROnPlateauScheduler(0.1, 0, 0, 0, "max")
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Step(0.5, 1))
	assert.Equal(t, 1.0, s.Step(0.6, 1))
	assert.InDelta(t, 0.1, s.Step(0.6, 1), 1e-12)
}

func TestNewReduceLROnPlateauValidation(t *testing.T) {
	_, err := NewReduceLROnPlateauScheduler(1, 5, 1e-4, 0, "min")
	assert.Error(t, err)
	_, err = NewReduceLROnPlateauScheduler(0.5, -1, 1e-4, 0, "min")
	assert.Error(t, err)
	_, err = NewReduceLROnPlateauScheduler(0.5, 5, 1e-4, 0, "sideways")
	assert.Error(t, err)
}

func TestSchedulerNames(t *testing.T) {
	plateau, err := NewReduceLROnPlateauScheduler(0.5, 5, 1e-4, 1e-6, "min")
	require.NoError(t, err)

	tests := []struct {
		scheduler LRScheduler
		expected  string
	}{
		{NewWarmupScheduler(3), "LinearWarmup"},
		{plateau, "ReduceLROnPlateau"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.scheduler.GetName())
	}
}

func TestEarlyStopping(t *testing.T) {
	es := NewEarlyStopping(3)
	assert.Equal(t, -1, es.BestEpoch())

	losses := []float64{1.0, 0.8, 0.8, 0.9, 0.85, 0.7, 0.75, 0.75, 0.71}
	type step struct{ improved, stop bool }
	want := []step{
		{true, false},
		{true, false},
		{false, false}, // equal is not an improvement
		{false, false},
		{false, true},
		{true, false},
		{false, false},
		{false, false},
		{false, true},
	}
	for epoch, loss := range losses {
		improved, stop := es.Step(epoch, loss)
		assert.Equal(t, want[epoch], step{improved, stop}, "epoch %d", epoch)
	}
	assert.Equal(t, 5, es.BestEpoch())
	assert.Equal(t, 0.7, es.BestLoss())
	assert.Equal(t, 3, es.Counter())
}

func TestEarlyStoppingDefaultPatience(t *testing.T) {
	es := NewEarlyStopping(DefaultConfig().EarlyStopPatience)
	losses := []float64{1.0, 0.9, 0.8, 0.7, 0.6}
	for i := 0; i < 12; i++ {
		losses = append(losses, 0.6)
	}

	stoppedAt := -1
	for epoch, loss := range losses {
		improved, stop := es.Step(epoch, loss)
		assert.Equal(t, epoch <= 4, improved, "epoch %d", epoch)
		if stop {
			stoppedAt = epoch
			break
		}
	}
	assert.Equal(t, 14, stoppedAt)
	assert.Equal(t, 4, es.BestEpoch())
	assert.Equal(t, 0.6, es.BestLoss())
	assert.Equal(t, 10, es.Counter())
}
