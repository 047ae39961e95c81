package training

import (
	"fmt"

	"github.com/brainage/brainage/checkpoints"
	"github.com/brainage/brainage/optimizer"
)

// Config holds every hyperparameter of a training run
type Config struct {
	BaseLearningRate float64
	WeightDecay      float64
	Beta1            float64
	Beta2            float64
	Epsilon          float64

	BatchSize    int
	Epochs       int
	WarmupEpochs int

	// ReduceLROnPlateau on the validation loss
	SchedulerPatience  int
	SchedulerFactor    float64
	SchedulerThreshold float64
	MinLearningRate    float64

	EarlyStopPatience int
	GradClipNorm      float64 // 0 disables clipping
	Seed              int64

	// CheckpointPath receives the best model so far. Empty disables saving.
	CheckpointPath   string
	CheckpointFormat checkpoints.CheckpointFormat

	// RestoreBest reloads the best checkpoint into the model before Fit
	// returns. Without it the model keeps the weights of the last epoch.
	RestoreBest bool
}

// DefaultConfig returns the reference schedule: AdamW at 1e-3 with weight
// decay 0.05, 3 warmup epochs, plateau halving after 5 stale epochs and early
// stopping after 10.
func DefaultConfig() Config {
	return Config{
		BaseLearningRate:   1e-3,
		WeightDecay:        0.05,
		Beta1:              0.9,
		Beta2:              0.999,
		Epsilon:            1e-8,
		BatchSize:          8,
		Epochs:             50,
		WarmupEpochs:       3,
		SchedulerPatience:  5,
		SchedulerFactor:    0.5,
		SchedulerThreshold: 1e-4,
		MinLearningRate:    1e-6,
		EarlyStopPatience:  10,
		GradClipNorm:       1.0,
		Seed:               42,
		CheckpointFormat:   checkpoints.FormatJSON,
	}
}

// Validate rejects configurations the trainer cannot run
func (c Config) Validate() error {
	switch {
	case c.BaseLearningRate <= 0:
		return fmt.Errorf("base learning rate must be positive, got %v", c.BaseLearningRate)
	case c.WeightDecay < 0:
		return fmt.Errorf("weight decay must be non-negative, got %v", c.WeightDecay)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.WarmupEpochs < 0:
		return fmt.Errorf("warmup epochs must be non-negative, got %d", c.WarmupEpochs)
	case c.SchedulerPatience < 0:
		return fmt.Errorf("scheduler patience must be non-negative, got %d", c.SchedulerPatience)
	case c.SchedulerFactor <= 0 || c.SchedulerFactor >= 1:
		return fmt.Errorf("scheduler factor must be in (0, 1), got %v", c.SchedulerFactor)
	case c.SchedulerThreshold < 0:
		return fmt.Errorf("scheduler threshold must be non-negative, got %v", c.SchedulerThreshold)
	case c.MinLearningRate < 0 || c.MinLearningRate > c.BaseLearningRate:
		return fmt.Errorf("min learning rate must be in [0, %v], got %v", c.BaseLearningRate, c.MinLearningRate)
	case c.EarlyStopPatience <= 0:
		return fmt.Errorf("early stop patience must be positive, got %d", c.EarlyStopPatience)
	case c.GradClipNorm < 0:
		return fmt.Errorf("gradient clip norm must be non-negative, got %v", c.GradClipNorm)
	case c.RestoreBest && c.CheckpointPath == "":
		return fmt.Errorf("restoring the best model requires a checkpoint path")
	}
	return nil
}

// AdamW returns the optimizer configuration for this run
func (c Config) AdamW() optimizer.AdamWConfig {
	return optimizer.AdamWConfig{
		LearningRate: float32(c.BaseLearningRate),
		Beta1:        float32(c.Beta1),
		Beta2:        float32(c.Beta2),
		Epsilon:      float32(c.Epsilon),
		WeightDecay:  float32(c.WeightDecay),
	}
}
