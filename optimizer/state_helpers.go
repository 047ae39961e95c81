package optimizer

import (
	"fmt"

	"github.com/brainage/brainage/checkpoints"
)

// extractBufferState copies one state buffer for checkpointing
func extractBufferState(data []float32, shape []int, name, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), data...),
		StateType: stateType,
	}
}

// restoreBufferState checks a saved buffer against its destination
func restoreBufferState(dst []float32, saved checkpoints.OptimizerTensor, name string) error {
	if saved.Name != name {
		return fmt.Errorf("expected state tensor %s, got %s", name, saved.Name)
	}
	if len(saved.Data) != len(dst) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(dst), len(saved.Data))
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	}
	return defaultValue
}
