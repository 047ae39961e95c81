package features

import (
	"math"

	"github.com/brainage/brainage/vision/preprocessing"
)

// countComponents labels the mask with face (6-)connectivity and returns the
// number of components. Labeling scans in flat index order with an explicit
// queue, so the result is deterministic.
func countComponents(g preprocessing.Grid, mask []bool) int {
	visited := make([]bool, len(mask))
	queue := make([]int, 0, 64)
	plane := g.Height * g.Width
	count := 0

	for start, on := range mask {
		if !on || visited[start] {
			continue
		}
		count++
		visited[start] = true
		queue = append(queue[:0], start)

		for len(queue) > 0 {
			at := queue[len(queue)-1]
			queue = queue[:len(queue)-1]

			d := at / plane
			h := (at % plane) / g.Width
			w := at % g.Width

			visit := func(n int) {
				if mask[n] && !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
			if d > 0 {
				visit(at - plane)
			}
			if d < g.Depth-1 {
				visit(at + plane)
			}
			if h > 0 {
				visit(at - g.Width)
			}
			if h < g.Height-1 {
				visit(at + g.Width)
			}
			if w > 0 {
				visit(at - 1)
			}
			if w < g.Width-1 {
				visit(at + 1)
			}
		}
	}
	return count
}

// gradientMagnitude returns the Euclidean norm of the per-axis finite
// difference gradient: central differences inside, one-sided at the borders,
// zero along axes of extent 1.
func gradientMagnitude(g preprocessing.Grid, vol []float64) []float64 {
	plane := g.Height * g.Width
	out := make([]float64, len(vol))

	axisDiff := func(at, pos, extent, stride int) float64 {
		switch {
		case extent < 2:
			return 0
		case pos == 0:
			return vol[at+stride] - vol[at]
		case pos == extent-1:
			return vol[at] - vol[at-stride]
		default:
			return (vol[at+stride] - vol[at-stride]) / 2
		}
	}

	for d := 0; d < g.Depth; d++ {
		for h := 0; h < g.Height; h++ {
			for w := 0; w < g.Width; w++ {
				at := d*plane + h*g.Width + w
				gd := axisDiff(at, d, g.Depth, plane)
				gh := axisDiff(at, h, g.Height, g.Width)
				gw := axisDiff(at, w, g.Width, 1)
				out[at] = math.Sqrt(gd*gd + gh*gh + gw*gw)
			}
		}
	}
	return out
}
