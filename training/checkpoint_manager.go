package training

import (
	"fmt"
	"slices"

	"github.com/brainage/brainage/checkpoints"
	"github.com/brainage/brainage/engine"
	"github.com/brainage/brainage/optimizer"
	"github.com/brainage/brainage/vision/dataset"
)

// CheckpointManager persists the best model of a run together with the
// optimizer state and both normalizations, and restores it on request.
type CheckpointManager struct {
	path     string
	saver    *checkpoints.CheckpointSaver
	runID    string
	ages     dataset.AgeNormalizer
	features *dataset.FeatureNormalizer
	subjects []string
	saves    int
}

// NewCheckpointManager creates a manager that overwrites path on every save
func NewCheckpointManager(path string, format checkpoints.CheckpointFormat, runID string, ages dataset.AgeNormalizer, features *dataset.FeatureNormalizer) (*CheckpointManager, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is empty")
	}
	if err := ages.Validate(); err != nil {
		return nil, err
	}
	return &CheckpointManager{
		path:     path,
		saver:    checkpoints.NewCheckpointSaver(format),
		runID:    runID,
		ages:     ages,
		features: features,
	}, nil
}

func (cm *CheckpointManager) Path() string { return cm.path }

// SetTrainingSubjects sets the subjects stored with each checkpoint.
// Duplicates are dropped and the list is sorted.
func (cm *CheckpointManager) SetTrainingSubjects(subjects []string) {
	cm.subjects = uniqueSorted(subjects)
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}

// Saves returns the number of checkpoints written so far
func (cm *CheckpointManager) Saves() int { return cm.saves }

// Save writes the current model and optimizer state
func (cm *CheckpointManager) Save(model engine.Model, opt optimizer.Optimizer, state checkpoints.TrainingState) error {
	c := NewCheckpoint(model, cm.ages, cm.features)
	c.TrainingState = state
	c.Metadata.RunID = cm.runID
	c.Metadata.TrainingSubjects = cm.subjects
	c.Metadata.Description = fmt.Sprintf("best model at epoch %d, validation loss %.6f", state.Epoch, state.ValLoss)

	if opt != nil {
		st, err := opt.GetState()
		if err != nil {
			return fmt.Errorf("failed to capture optimizer state: %w", err)
		}
		c.OptimizerState = st
	}
	if err := cm.saver.SaveCheckpoint(c, cm.path); err != nil {
		return err
	}
	cm.saves++
	return nil
}

// Restore loads the saved checkpoint into model. Nothing is copied when the
// checkpoint does not match the model.
func (cm *CheckpointManager) Restore(model engine.Model) (*checkpoints.Checkpoint, error) {
	c, err := cm.saver.LoadCheckpoint(cm.path)
	if err != nil {
		return nil, err
	}
	if err := checkpoints.LoadWeights(c, model); err != nil {
		return nil, err
	}
	return c, nil
}

// NewCheckpoint snapshots the model weights with the age and feature
// normalizations fitted on the training partition.
func NewCheckpoint(model engine.Model, ages dataset.AgeNormalizer, features *dataset.FeatureNormalizer) *checkpoints.Checkpoint {
	c := &checkpoints.Checkpoint{
		ModelSpec:        model.Spec(),
		Weights:          checkpoints.ExtractWeights(model),
		AgeNormalization: checkpoints.AgeNormalization(ages),
		Metadata:         checkpoints.CheckpointMetadata{Tags: []string{"brain-age"}},
	}
	if features.Fitted() {
		c.FeatureNormalization = &checkpoints.FeatureNormalization{
			Mean:  features.Mean(),
			Scale: features.Scale(),
		}
	}
	return c
}

// Normalizers rebuilds the normalizations stored in a checkpoint
func Normalizers(c *checkpoints.Checkpoint) (dataset.AgeNormalizer, *dataset.FeatureNormalizer, error) {
	ages := dataset.AgeNormalizer(c.AgeNormalization)
	if err := ages.Validate(); err != nil {
		return dataset.AgeNormalizer{}, nil, fmt.Errorf("%w: %v", checkpoints.ErrCheckpointMismatch, err)
	}
	if c.FeatureNormalization == nil {
		return dataset.AgeNormalizer{}, nil, fmt.Errorf("%w: checkpoint has no feature normalization", checkpoints.ErrCheckpointMismatch)
	}
	features, err := dataset.RestoreFeatureNormalizer(c.FeatureNormalization.Mean, c.FeatureNormalization.Scale)
	if err != nil {
		return dataset.AgeNormalizer{}, nil, fmt.Errorf("%w: %v", checkpoints.ErrCheckpointMismatch, err)
	}
	return ages, features, nil
}
