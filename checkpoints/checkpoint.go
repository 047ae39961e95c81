package checkpoints

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brainage/brainage/layers"
)

// ErrCheckpointMismatch is returned when a checkpoint does not describe the
// model it is being loaded into. Nothing is loaded in that case.
var ErrCheckpointMismatch = errors.New("checkpoint does not match model")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// ParseFormat maps "json" or "binary" to a format
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "binary", "bin":
		return FormatBinary, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

const (
	Framework = "brainage"
	Version   = "1.0.0"
)

// Checkpoint represents a complete model state including weights, optimizer
// state, training progress and the normalizations needed to reuse the model.
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Target and input normalization fitted on the training partition
	AgeNormalization     AgeNormalization      `json:"age_normalization"`
	FeatureNormalization *FeatureNormalization `json:"feature_normalization,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a persisted model tensor with its data. Layer is
// the owning layer name and Type the tensor role ("weight", "bias",
// "running_mean", "running_var").
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"`
}

// TrainingState captures the training progress at the time of the save
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	TrainLoss    float32 `json:"train_loss"`
	ValLoss      float32 `json:"val_loss"`
	BestLoss     float32 `json:"best_loss"`
	BestEpoch    int     `json:"best_epoch"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (moments, step count)
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents one optimizer state tensor
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "m", "v"
}

// AgeNormalization is the z-score transform applied to training targets
type AgeNormalization struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// FeatureNormalization holds the per-column standardization of the
// anatomical feature vector.
type FeatureNormalization struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// CheckpointMetadata contains checkpoint metadata. TrainingSubjects lists
// the subjects the weights were fitted on, sorted.
type CheckpointMetadata struct {
	Version          string    `json:"version"`
	Framework        string    `json:"framework"`
	RunID            string    `json:"run_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	Description      string    `json:"description,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	TrainingSubjects []string  `json:"training_subjects,omitempty"`
}

func (c *Checkpoint) fillMetadata() {
	if c.Metadata.Framework == "" {
		c.Metadata.Framework = Framework
		c.Metadata.Version = Version
	}
	if c.Metadata.CreatedAt.IsZero() {
		c.Metadata.CreatedAt = time.Now().UTC()
	}
}

// Validate checks that the checkpoint describes exactly the tensors of spec,
// by name, order and shape, and that the normalizations are usable.
func (c *Checkpoint) Validate(spec *layers.ModelSpec) error {
	if spec == nil {
		return fmt.Errorf("%w: no model spec to validate against", ErrCheckpointMismatch)
	}
	if err := spec.Compatible(c.ModelSpec); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointMismatch, err)
	}
	if len(c.Weights) != len(spec.Tensors) {
		return fmt.Errorf("%w: %d weight tensors, model has %d", ErrCheckpointMismatch, len(c.Weights), len(spec.Tensors))
	}
	for i, want := range spec.Tensors {
		w := c.Weights[i]
		if w.Name != want.Name {
			return fmt.Errorf("%w: weight %d is %q, expected %q", ErrCheckpointMismatch, i, w.Name, want.Name)
		}
		if err := checkShape(w.Name, w.Shape, want.Shape, len(w.Data)); err != nil {
			return err
		}
	}
	if c.AgeNormalization.Std <= 0 {
		return fmt.Errorf("%w: age normalization has non-positive std %v", ErrCheckpointMismatch, c.AgeNormalization.Std)
	}
	if fn := c.FeatureNormalization; fn != nil && len(fn.Mean) != len(fn.Scale) {
		return fmt.Errorf("%w: feature normalization has %d means and %d scales", ErrCheckpointMismatch, len(fn.Mean), len(fn.Scale))
	}
	return nil
}

func checkShape(name string, got, want []int, dataLen int) error {
	n := 1
	for _, d := range want {
		n *= d
	}
	if len(got) != len(want) || dataLen != n {
		return fmt.Errorf("%w: %q has shape %v with %d values, expected %v", ErrCheckpointMismatch, name, got, dataLen, want)
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("%w: %q has shape %v, expected %v", ErrCheckpointMismatch, name, got, want)
		}
	}
	return nil
}
