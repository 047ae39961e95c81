package optimizer

import (
	"fmt"

	"github.com/brainage/brainage/checkpoints"
	"github.com/brainage/brainage/layers"
)

// Optimizer defines the common interface for all optimizers. It updates the
// parameters it was constructed with from their accumulated gradients and
// supports state save/restore for checkpointing.
type Optimizer interface {
	// Step performs a single optimization step using Parameter.Grad
	Step() error

	// ZeroGrad clears the gradients of every managed parameter
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint. The state must
	// describe the same parameters in the same order.
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	SetLearningRate(lr float32)
	GetLearningRate() float32
}

// OptimizerState is the serializable optimizer state stored in checkpoints
type OptimizerState = checkpoints.OptimizerState

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func zeroGrads(params []*layers.Parameter) {
	for _, p := range params {
		p.Grad.Zero()
	}
}
