package optimizer

import (
	"fmt"
	"math"

	"github.com/brainage/brainage/checkpoints"
	"github.com/brainage/brainage/layers"
	"github.com/brainage/brainage/parallel"
)

const adamWType = "AdamW"

// AdamWConfig holds configuration for the AdamW optimizer
type AdamWConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamWConfig returns lr 1e-3, betas (0.9, 0.999), eps 1e-8 and
// weight decay 0.05.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.05,
	}
}

// AdamW is Adam with decoupled weight decay: parameters shrink by
// lr·weightDecay before the bias-corrected Adam update is applied.
type AdamW struct {
	config    AdamWConfig
	params    []*layers.Parameter
	momentum  [][]float32
	variance  [][]float32
	stepCount uint64
	workers   int
}

// NewAdamW creates an optimizer over params with zeroed moments
func NewAdamW(config AdamWConfig, params []*layers.Parameter) (*AdamW, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %v and %v", config.Beta1, config.Beta2)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay must be non-negative, got %v", config.WeightDecay)
	}

	opt := &AdamW{
		config:   config,
		params:   params,
		momentum: make([][]float32, len(params)),
		variance: make([][]float32, len(params)),
		workers:  parallel.Workers(),
	}
	for i, p := range params {
		opt.momentum[i] = make([]float32, p.Value.NumElems)
		opt.variance[i] = make([]float32, p.Value.NumElems)
	}
	return opt, nil
}

// Step applies one update to every parameter
func (a *AdamW) Step() error {
	a.stepCount++
	c := a.config
	t := float64(a.stepCount)
	bc1 := 1 - math.Pow(float64(c.Beta1), t)
	bc2 := 1 - math.Pow(float64(c.Beta2), t)
	lr := float64(c.LearningRate)
	stepSize := lr / bc1
	decay := 1 - lr*float64(c.WeightDecay)
	b1, b2 := float64(c.Beta1), float64(c.Beta2)
	eps := float64(c.Epsilon)

	parallel.ForEach(len(a.params), a.workers, func(i int) {
		p := a.params[i]
		w, g := p.Value.Data, p.Grad.Data
		m, v := a.momentum[i], a.variance[i]
		for j := range w {
			gj := float64(g[j])
			mj := b1*float64(m[j]) + (1-b1)*gj
			vj := b2*float64(v[j]) + (1-b2)*gj*gj
			m[j], v[j] = float32(mj), float32(vj)

			denom := math.Sqrt(vj/bc2) + eps
			w[j] = float32(float64(w[j])*decay - stepSize*mj/denom)
		}
	})
	return nil
}

// ZeroGrad clears every managed gradient
func (a *AdamW) ZeroGrad() {
	zeroGrads(a.params)
}

func (a *AdamW) GetStepCount() uint64 { return a.stepCount }

func (a *AdamW) SetLearningRate(lr float32) { a.config.LearningRate = lr }

func (a *AdamW) GetLearningRate() float32 { return a.config.LearningRate }

// Config returns the current hyperparameters
func (a *AdamW) Config() AdamWConfig { return a.config }

// GetState copies both moment buffers of every parameter
func (a *AdamW) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: adamWType,
		Parameters: map[string]interface{}{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    a.stepCount,
		},
		StateData: make([]checkpoints.OptimizerTensor, 0, 2*len(a.params)),
	}
	for i, p := range a.params {
		state.StateData = append(state.StateData,
			extractBufferState(a.momentum[i], p.Value.Shape, fmt.Sprintf("m_%d", i), "m"),
			extractBufferState(a.variance[i], p.Value.Shape, fmt.Sprintf("v_%d", i), "v"),
		)
	}
	return state, nil
}

// LoadState restores moments, step count and hyperparameters. Nothing
// changes when the state does not match the managed parameters.
func (a *AdamW) LoadState(state *OptimizerState) error {
	if err := validateStateType(adamWType, state); err != nil {
		return err
	}
	if len(state.StateData) != 2*len(a.params) {
		return fmt.Errorf("state has %d tensors, expected %d", len(state.StateData), 2*len(a.params))
	}
	for i := range a.params {
		if err := restoreBufferState(a.momentum[i], state.StateData[2*i], fmt.Sprintf("m_%d", i)); err != nil {
			return err
		}
		if err := restoreBufferState(a.variance[i], state.StateData[2*i+1], fmt.Sprintf("v_%d", i)); err != nil {
			return err
		}
	}
	for i := range a.params {
		copy(a.momentum[i], state.StateData[2*i].Data)
		copy(a.variance[i], state.StateData[2*i+1].Data)
	}

	p := state.Parameters
	a.config.LearningRate = extractFloat32Param(p, "learning_rate", a.config.LearningRate)
	a.config.Beta1 = extractFloat32Param(p, "beta1", a.config.Beta1)
	a.config.Beta2 = extractFloat32Param(p, "beta2", a.config.Beta2)
	a.config.Epsilon = extractFloat32Param(p, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloat32Param(p, "weight_decay", a.config.WeightDecay)
	a.stepCount = extractUint64Param(p, "step_count", a.stepCount)
	return nil
}
