// Package features computes the fixed-length anatomical descriptor of a brain
// volume: ventricle, gray matter and white matter measurements derived from
// intensity thresholds after min-max rescaling.
package features

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/brainage/brainage/parallel"
	"github.com/brainage/brainage/vision/preprocessing"
)

const (
	VentricleLen   = 5
	GrayMatterLen  = 13
	WhiteMatterLen = 7

	// VectorLength is the size of the concatenated descriptor
	VectorLength = VentricleLen + GrayMatterLen + WhiteMatterLen
)

// Intensity thresholds on the [0, 1] rescaled volume
const (
	ventricleUpper   = 0.2
	grayLower        = 0.3
	grayUpper        = 0.7
	whiteLower       = 0.7
	asymmetryEpsilon = 1e-6
)

// ErrEmptyVolume is returned for volumes without voxels or with a bad grid
var ErrEmptyVolume = errors.New("empty volume")

// Names lists the descriptor entries in output order
var Names = [VectorLength]string{
	"ventricle_volume", "ventricle_components", "ventricle_mean_size", "ventricle_asymmetry", "ventricle_centroid_distance",
	"gray_volume", "gray_mean", "gray_std", "gray_skew", "gray_kurtosis",
	"gray_octant_000", "gray_octant_001", "gray_octant_010", "gray_octant_011",
	"gray_octant_100", "gray_octant_101", "gray_octant_110", "gray_octant_111",
	"white_volume", "white_mean", "white_std", "white_skew", "white_kurtosis",
	"white_gradient_mean", "white_gradient_std",
}

// Extract validates v and returns its 25-value descriptor in the order
// ventricle, gray matter, white matter.
func Extract(v *preprocessing.Volume) ([]float64, error) {
	if v == nil || !v.Grid.Valid() || len(v.Data) == 0 {
		return nil, ErrEmptyVolume
	}
	if err := v.Validate(v.Grid); err != nil {
		return nil, err
	}

	norm := preprocessing.MinMax(v.Float64())

	out := make([]float64, 0, VectorLength)
	vent := ventricle(v.Grid, norm)
	gray := grayMatter(v.Grid, norm)
	white := whiteMatter(v.Grid, norm)
	out = append(out, vent[:]...)
	out = append(out, gray[:]...)
	out = append(out, white[:]...)
	return out, nil
}

// ExtractAll runs Extract over volumes with at most workers goroutines.
// Results keep the input order.
func ExtractAll(ctx context.Context, volumes []*preprocessing.Volume, workers int) ([][]float64, error) {
	out := make([][]float64, len(volumes))
	err := parallel.ForEachErr(ctx, len(volumes), workers, func(_ context.Context, i int) error {
		vec, err := Extract(volumes[i])
		if err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		out[i] = vec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ventricle returns total volume, component count, mean component size,
// left/right asymmetry and centroid distance of the dark-intensity mask.
func Ventricle(v *preprocessing.Volume) [VentricleLen]float64 {
	return ventricle(v.Grid, preprocessing.MinMax(v.Float64()))
}

// GrayMatter returns volume, intensity moments and the 8 octant volumes of
// the mid-intensity mask.
func GrayMatter(v *preprocessing.Volume) [GrayMatterLen]float64 {
	return grayMatter(v.Grid, preprocessing.MinMax(v.Float64()))
}

// WhiteMatter returns volume, intensity moments and gradient magnitude
// statistics of the bright-intensity mask.
func WhiteMatter(v *preprocessing.Volume) [WhiteMatterLen]float64 {
	return whiteMatter(v.Grid, preprocessing.MinMax(v.Float64()))
}

func ventricle(g preprocessing.Grid, norm []float64) [VentricleLen]float64 {
	var f [VentricleLen]float64

	mask := make([]bool, len(norm))
	total := 0
	for i, x := range norm {
		if x < ventricleUpper {
			mask[i] = true
			total++
		}
	}
	components := countComponents(g, mask)

	f[0] = float64(total)
	f[1] = float64(components)
	if components > 0 {
		f[2] = float64(total) / float64(components)
	}

	// Hemispheres split along width at W/2
	mid := g.Width / 2
	var left, right float64
	var cd, ch, cw float64
	for d := 0; d < g.Depth; d++ {
		for h := 0; h < g.Height; h++ {
			row := (d*g.Height + h) * g.Width
			for w := 0; w < g.Width; w++ {
				if !mask[row+w] {
					continue
				}
				if w < mid {
					left++
				} else {
					right++
				}
				cd += float64(d)
				ch += float64(h)
				cw += float64(w)
			}
		}
	}
	f[3] = math.Abs(left-right) / (left + right + asymmetryEpsilon)

	if components > 0 {
		n := float64(total)
		centroid := []float64{cd / n, ch / n, cw / n}
		centre := []float64{float64(g.Depth) / 2, float64(g.Height) / 2, float64(g.Width) / 2}
		f[4] = floats.Distance(centroid, centre, 2)
	}
	return f
}

func grayMatter(g preprocessing.Grid, norm []float64) [GrayMatterLen]float64 {
	var f [GrayMatterLen]float64

	mask := make([]bool, len(norm))
	values := make([]float64, 0, len(norm)/4)
	for i, x := range norm {
		if x > grayLower && x < grayUpper {
			mask[i] = true
			values = append(values, x)
		}
	}
	f[0] = float64(len(values))
	m := moments(values)
	copy(f[1:5], m[:])

	sd, sh, sw := g.Depth/2, g.Height/2, g.Width/2
	idx := 5
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			for k := 0; k < 2; k++ {
				d0, d1 := i*sd, min(i*sd+sd, g.Depth)
				h0, h1 := j*sh, min(j*sh+sh, g.Height)
				w0, w1 := k*sw, min(k*sw+sw, g.Width)
				count := 0
				for d := d0; d < d1; d++ {
					for h := h0; h < h1; h++ {
						row := (d*g.Height + h) * g.Width
						for w := w0; w < w1; w++ {
							if mask[row+w] {
								count++
							}
						}
					}
				}
				f[idx] = float64(count)
				idx++
			}
		}
	}
	return f
}

func whiteMatter(g preprocessing.Grid, norm []float64) [WhiteMatterLen]float64 {
	var f [WhiteMatterLen]float64

	values := make([]float64, 0, len(norm)/4)
	index := make([]int, 0, len(norm)/4)
	for i, x := range norm {
		if x > whiteLower {
			values = append(values, x)
			index = append(index, i)
		}
	}
	f[0] = float64(len(values))
	m := moments(values)
	copy(f[1:5], m[:])

	if len(index) > 0 {
		mag := gradientMagnitude(g, norm)
		edges := make([]float64, len(index))
		for i, at := range index {
			edges[i] = mag[at]
		}
		f[5], f[6] = stat.PopMeanStdDev(edges, nil)
	}
	return f
}

// moments returns mean, population std, biased skewness and biased excess
// kurtosis. Empty input gives zeros, zero variance gives zero skew/kurtosis.
func moments(values []float64) [4]float64 {
	var m [4]float64
	if len(values) == 0 {
		return m
	}
	mean, variance := stat.PopMeanVariance(values, nil)
	m[0] = mean
	m[1] = math.Sqrt(variance)
	if variance == 0 {
		return m
	}
	m3 := stat.Moment(3, values, nil)
	m4 := stat.Moment(4, values, nil)
	m[2] = m3 / math.Pow(variance, 1.5)
	m[3] = m4/(variance*variance) - 3
	return m
}
