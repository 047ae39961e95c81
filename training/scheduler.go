package training

import (
	"fmt"
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// WarmupScheduler ramps the learning rate linearly over the first epochs:
// epoch e < WarmupEpochs trains at (e+1)/WarmupEpochs of the base rate.
type WarmupScheduler struct {
	WarmupEpochs int
}

// NewWarmupScheduler creates a linear warmup over warmupEpochs epochs
func NewWarmupScheduler(warmupEpochs int) *WarmupScheduler {
	return &WarmupScheduler{WarmupEpochs: max(warmupEpochs, 0)}
}

// Active reports whether epoch is still in the warmup phase
func (s *WarmupScheduler) Active(epoch int) bool {
	return epoch < s.WarmupEpochs
}

func (s *WarmupScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if !s.Active(epoch) {
		return baseLR
	}
	return baseLR * float64(epoch+1) / float64(s.WarmupEpochs)
}

func (s *WarmupScheduler) GetName() string {
	return "LinearWarmup"
}

// minLRDelta is the smallest reduction worth applying
const minLRDelta = 1e-8

// ReduceLROnPlateauScheduler reduces the learning rate when a metric stops
// improving. An epoch counts as an improvement only when it beats the best
// value by the relative Threshold; the rate is multiplied by Factor once more
// than Patience epochs in a row fail to improve, and never drops below MinLR.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	MinLR     float64
	Mode      string // "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	reductions  int
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold, minLR float64, mode string) (*ReduceLROnPlateauScheduler, error) {
	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("plateau factor must be in (0, 1), got %v", factor)
	}
	if patience < 0 || threshold < 0 || minLR < 0 {
		return nil, fmt.Errorf("plateau patience, threshold and min lr must be non-negative")
	}
	if mode != "min" && mode != "max" {
		return nil, fmt.Errorf("plateau mode must be min or max, got %q", mode)
	}

	best := math.Inf(1)
	if mode == "max" {
		best = math.Inf(-1)
	}
	return &ReduceLROnPlateauScheduler{
		Factor:     factor,
		Patience:   patience,
		Threshold:  threshold,
		MinLR:      minLR,
		Mode:       mode,
		bestMetric: best,
	}, nil
}

func (s *ReduceLROnPlateauScheduler) isBetter(metric float64) bool {
	if s.Mode == "min" {
		return metric < s.bestMetric*(1-s.Threshold)
	}
	return metric > s.bestMetric*(1+s.Threshold)
}

// Step records one epoch's metric and returns the learning rate to use from
// now on. currentLR is the rate the optimizer is running at.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	s.initialized = true
	s.currentLR = currentLR

	if s.isBetter(metric) {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
	}

	if s.badEpochs > s.Patience {
		newLR := math.Max(currentLR*s.Factor, s.MinLR)
		if currentLR-newLR > minLRDelta {
			s.currentLR = newLR
			s.reductions++
		}
		s.badEpochs = 0
	}
	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// Reductions happen in Step; before the first call the base rate applies
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// BadEpochs returns the current run of non-improving epochs
func (s *ReduceLROnPlateauScheduler) BadEpochs() int {
	return s.badEpochs
}

// Reductions returns how many times the rate has been lowered
func (s *ReduceLROnPlateauScheduler) Reductions() int {
	return s.reductions
}
