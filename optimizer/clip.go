package optimizer

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/floats"

	"github.com/brainage/brainage/layers"
)

func gradVector(p *layers.Parameter) blas32.Vector {
	return blas32.Vector{N: len(p.Grad.Data), Inc: 1, Data: p.Grad.Data}
}

// GlobalGradNorm returns the L2 norm of all gradients taken together
func GlobalGradNorm(params []*layers.Parameter) float64 {
	norms := make([]float64, 0, len(params))
	for _, p := range params {
		if len(p.Grad.Data) == 0 {
			continue
		}
		norms = append(norms, float64(blas32.Nrm2(gradVector(p))))
	}
	if len(norms) == 0 {
		return 0
	}
	return floats.Norm(norms, 2)
}

// ClipGradNorm rescales all gradients so their global norm is at most
// maxNorm and returns the norm measured before clipping.
func ClipGradNorm(params []*layers.Parameter, maxNorm float64) float64 {
	total := GlobalGradNorm(params)
	if maxNorm <= 0 {
		return total
	}
	coef := maxNorm / (total + 1e-6)
	if coef >= 1 {
		return total
	}
	for _, p := range params {
		if len(p.Grad.Data) > 0 {
			blas32.Scal(float32(coef), gradVector(p))
		}
	}
	return total
}
