package training

import "math"

// EarlyStopping tracks the best validation loss. Only a strict improvement
// resets the counter; training should stop once Patience consecutive epochs
// fail to improve.
type EarlyStopping struct {
	Patience int

	bestLoss  float64
	bestEpoch int
	counter   int
}

// NewEarlyStopping creates a tracker with no best loss yet
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience, bestLoss: math.Inf(1), bestEpoch: -1}
}

// Step records the validation loss of epoch. improved means the model should
// be checkpointed now; stop means training should end after this epoch.
func (es *EarlyStopping) Step(epoch int, valLoss float64) (improved, stop bool) {
	if valLoss < es.bestLoss {
		es.bestLoss = valLoss
		es.bestEpoch = epoch
		es.counter = 0
		return true, false
	}
	es.counter++
	return false, es.counter >= es.Patience
}

// BestLoss returns the lowest validation loss seen, +Inf before any epoch
func (es *EarlyStopping) BestLoss() float64 { return es.bestLoss }

// BestEpoch returns the epoch of BestLoss, -1 before any improvement
func (es *EarlyStopping) BestEpoch() int { return es.bestEpoch }

// Counter returns the number of epochs since the last improvement
func (es *EarlyStopping) Counter() int { return es.counter }
