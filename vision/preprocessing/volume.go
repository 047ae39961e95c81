package preprocessing

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch is returned when a volume does not match the expected grid
var ErrShapeMismatch = errors.New("volume shape mismatch")

// Grid is the (depth, height, width) extent of a volume
type Grid struct {
	Depth  int
	Height int
	Width  int
}

// CanonicalGrid is the 64³ grid every volume is resampled to upstream
var CanonicalGrid = Grid{Depth: 64, Height: 64, Width: 64}

// Voxels returns the number of voxels on the grid
func (g Grid) Voxels() int {
	return g.Depth * g.Height * g.Width
}

func (g Grid) String() string {
	return fmt.Sprintf("%dx%dx%d", g.Depth, g.Height, g.Width)
}

// ParseGrid parses "DxHxW", or a single "N" for a cube
func ParseGrid(s string) (Grid, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) == 1 {
		parts = []string{parts[0], parts[0], parts[0]}
	}
	if len(parts) != 3 {
		return Grid{}, fmt.Errorf("invalid grid %q: want DxHxW", s)
	}
	var dims [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return Grid{}, fmt.Errorf("invalid grid %q: extent %q is not a positive integer", s, p)
		}
		dims[i] = n
	}
	return Grid{Depth: dims[0], Height: dims[1], Width: dims[2]}, nil
}

// Valid reports whether every extent is positive
func (g Grid) Valid() bool {
	return g.Depth > 0 && g.Height > 0 && g.Width > 0
}

// Volume is a single-channel 3D intensity image stored row-major in
// (depth, height, width) order. Producers hand out a Volume once and never
// mutate it; augmentation works on copies.
type Volume struct {
	Grid Grid
	Data []float32
}

// NewVolume wraps voxels after checking they fill grid exactly
func NewVolume(grid Grid, data []float32) (*Volume, error) {
	v := &Volume{Grid: grid, Data: data}
	if err := v.Validate(grid); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks the volume against the expected grid
func (v *Volume) Validate(expected Grid) error {
	if v == nil {
		return fmt.Errorf("%w: nil volume", ErrShapeMismatch)
	}
	if !expected.Valid() {
		return fmt.Errorf("%w: invalid expected grid %s", ErrShapeMismatch, expected)
	}
	if v.Grid != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrShapeMismatch, expected, v.Grid)
	}
	if len(v.Data) != expected.Voxels() {
		return fmt.Errorf("%w: expected %d voxels, got %d", ErrShapeMismatch, expected.Voxels(), len(v.Data))
	}
	return nil
}

// Index returns the flat offset of voxel (d, h, w)
func (v *Volume) Index(d, h, w int) int {
	return (d*v.Grid.Height+h)*v.Grid.Width + w
}

func (v *Volume) At(d, h, w int) float32 {
	return v.Data[v.Index(d, h, w)]
}

// Clone returns a deep copy
func (v *Volume) Clone() *Volume {
	data := make([]float32, len(v.Data))
	copy(data, v.Data)
	return &Volume{Grid: v.Grid, Data: data}
}

// Float64 returns the voxels widened to float64 for statistics
func (v *Volume) Float64() []float64 {
	out := make([]float64, len(v.Data))
	for i, x := range v.Data {
		out[i] = float64(x)
	}
	return out
}

// MinMax rescales voxels to [0, 1]. A constant volume maps to all zeros.
func MinMax(voxels []float64) []float64 {
	out := make([]float64, len(voxels))
	if len(voxels) == 0 {
		return out
	}
	lo, hi := floats.Min(voxels), floats.Max(voxels)
	span := hi - lo
	if span == 0 || math.IsNaN(span) || math.IsInf(span, 0) {
		return out
	}
	for i, x := range voxels {
		out[i] = (x - lo) / span
	}
	return out
}

// ZScore standardizes the volume in place to zero mean and unit population
// standard deviation. A constant volume is only centred.
func ZScore(v *Volume) {
	n := float64(len(v.Data))
	if n == 0 {
		return
	}
	var sum float64
	for _, x := range v.Data {
		sum += float64(x)
	}
	mean := sum / n
	var ss float64
	for _, x := range v.Data {
		d := float64(x) - mean
		ss += d * d
	}
	std := math.Sqrt(ss / n)
	if std == 0 {
		std = 1
	}
	for i, x := range v.Data {
		v.Data[i] = float32((float64(x) - mean) / std)
	}
}
