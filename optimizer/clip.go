package optimizer

import (
	"math"

	"github.com/yizhe-ang/MMSceneGraph/nn"
)

// ClipGradNorm rescales the gradients of params in place so that their
// joint p-norm is at most maxNorm. normType may be +Inf for the max norm.
// Parameters without a gradient are skipped. The norm before clipping is
// returned.
func ClipGradNorm(params []*nn.Parameter, maxNorm, normType float64) float64 {
	var total float64
	if math.IsInf(normType, 1) {
		for _, p := range params {
			for _, g := range p.Grad {
				total = math.Max(total, math.Abs(g))
			}
		}
	} else {
		for _, p := range params {
			for _, g := range p.Grad {
				total += math.Pow(math.Abs(g), normType)
			}
		}
		total = math.Pow(total, 1/normType)
	}

	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= coef
			}
		}
	}
	return total
}
