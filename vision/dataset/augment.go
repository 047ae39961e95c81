package dataset

import (
	"math/rand"
	"sync"

	"github.com/brainage/brainage/vision/preprocessing"
)

// AugmentConfig controls the training-time volume perturbations
type AugmentConfig struct {
	Probability float64 // chance of applying each step
	NoiseStd    float64
	ScaleMin    float64
	ScaleMax    float64
	ClampMin    float32
	ClampMax    float32
}

// DefaultAugmentConfig returns the perturbations used for training
func DefaultAugmentConfig() AugmentConfig {
	return AugmentConfig{
		Probability: 0.5,
		NoiseStd:    0.05,
		ScaleMin:    0.9,
		ScaleMax:    1.1,
		ClampMin:    -3,
		ClampMax:    3,
	}
}

// Augmenter applies random noise, intensity scaling and a width flip to
// copies of volumes. It is safe for concurrent use.
type Augmenter struct {
	mu  sync.Mutex
	rng *rand.Rand
	cfg AugmentConfig
}

// NewAugmenter creates an augmenter with its own seeded source
func NewAugmenter(cfg AugmentConfig, seed int64) *Augmenter {
	return &Augmenter{
		rng: rand.New(rand.NewSource(seed)),
		cfg: cfg,
	}
}

// Apply returns an augmented copy of v; v itself is never modified.
// Clamping always runs, even when no random step fired.
func (a *Augmenter) Apply(v *preprocessing.Volume) *preprocessing.Volume {
	out := v.Clone()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rng.Float64() < a.cfg.Probability {
		for i := range out.Data {
			out.Data[i] += float32(a.rng.NormFloat64() * a.cfg.NoiseStd)
		}
	}

	if a.rng.Float64() < a.cfg.Probability {
		factor := float32(a.cfg.ScaleMin + a.rng.Float64()*(a.cfg.ScaleMax-a.cfg.ScaleMin))
		for i := range out.Data {
			out.Data[i] *= factor
		}
	}

	if a.rng.Float64() < a.cfg.Probability {
		flipWidth(out)
	}

	for i, x := range out.Data {
		out.Data[i] = min(max(x, a.cfg.ClampMin), a.cfg.ClampMax)
	}
	return out
}

// flipWidth mirrors the volume along its last axis in place
func flipWidth(v *preprocessing.Volume) {
	w := v.Grid.Width
	for row := 0; row < len(v.Data); row += w {
		line := v.Data[row : row+w]
		for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
			line[i], line[j] = line[j], line[i]
		}
	}
}
