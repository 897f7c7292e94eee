package hessian

import (
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"github.com/rweiss/pintrain/internal/tensor"
)

// curvatureFloor is the yᵀs threshold below which BFGS's rank-2 update
// is numerically unsafe; spec.md §4.5/§7 calls for falling back to the
// identity direction and logging a warning rather than failing.
const curvatureFloor = 1e-12

// BFGS is the explicit-Hessian variant: an n x n dense approximate
// inverse Hessian, updated by the standard rank-2 formula. Spec.md
// §4.5 marks this variant single-worker only — H is never distributed
// across ranks, so BFGS must only be constructed on the coordinator.
type BFGS struct {
	n                int
	h                *mat.Dense
	sPrev, yPrev     []float64
	curvatureFailed  bool
	everUpdated      bool
}

// NewBFGS allocates an n x n BFGS memory, H initialised to identity.
func NewBFGS(n int) *BFGS {
	b := &BFGS{n: n, h: mat.NewDense(n, n, nil)}
	b.resetIdentity()
	return b
}

func (b *BFGS) Name() string { return "BFGS" }

func (b *BFGS) resetIdentity() {
	for i := 0; i < b.n; i++ {
		for j := 0; j < b.n; j++ {
			v := 0.0
			if i == j {
				v = 1
			}
			b.h.Set(i, j, v)
		}
	}
}

// UpdateMemory is called at the start of each iteration > 0. On iter 0
// this is a no-op (there is no previous (x,g) pair yet). When the
// curvature condition yᵀs < 1e-12 fails, H resets to identity and the
// next ComputeDescentDir call returns exactly the gradient.
func (b *BFGS) UpdateMemory(iter int, xNew, xOld, gNew, gOld []float64) {
	if iter == 0 {
		return
	}
	s := make([]float64, b.n)
	y := make([]float64, b.n)
	for i := 0; i < b.n; i++ {
		s[i] = xNew[i] - xOld[i]
		y[i] = gNew[i] - gOld[i]
	}
	ys := tensor.Dot(y, s)
	if ys < curvatureFloor {
		slog.Warn("bfgs: curvature condition failed, resetting to identity", "yTs", ys, "iter", iter)
		b.resetIdentity()
		b.curvatureFailed = true
		return
	}
	b.curvatureFailed = false

	if iter == 1 {
		yy := tensor.Dot(y, y)
		scale := ys / yy
		for i := 0; i < b.n; i++ {
			for j := 0; j < b.n; j++ {
				v := 0.0
				if i == j {
					v = scale
				}
				b.h.Set(i, j, v)
			}
		}
	}

	hy := mat.NewVecDense(b.n, nil)
	hy.MulVec(b.h, mat.NewVecDense(b.n, y))
	rho := 1.0 / ys
	bScalar := 1 + rho*tensor.Dot(y, matVec(hy))

	// H <- H + rho*(bScalar*s*sT - A - A^T), A = H*y*sT.
	var update mat.Dense
	update.CloneFrom(b.h)
	for i := 0; i < b.n; i++ {
		for j := 0; j < b.n; j++ {
			a := hy.AtVec(i) * s[j]
			at := hy.AtVec(j) * s[i]
			term := rho * (bScalar*s[i]*s[j] - a - at)
			update.Set(i, j, b.h.At(i, j)+term)
		}
	}
	b.h = &update
	b.sPrev, b.yPrev = s, y
	b.everUpdated = true
}

func matVec(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

// ComputeDescentDir fills d with H*g, or exactly g when the curvature
// condition failed this iteration or this is iteration 0.
func (b *BFGS) ComputeDescentDir(iter int, g []float64, d []float64) {
	if iter == 0 || b.curvatureFailed {
		copy(d, g)
		return
	}
	dv := mat.NewVecDense(b.n, nil)
	dv.MulVec(b.h, mat.NewVecDense(b.n, g))
	for i := range d {
		d[i] = dv.AtVec(i)
	}
}
