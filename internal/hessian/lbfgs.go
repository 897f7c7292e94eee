package hessian

import (
	"log/slog"

	"github.com/rweiss/pintrain/internal/tensor"
)

type lbfgsEntry struct {
	s, y []float64
	rho  float64
	ys   float64 // the (possibly substituted) yTs this entry's rho was built from
}

// LBFGS is the limited-memory two-loop-recursion variant: a ring
// buffer of depth M holding (s, y, rho) triples plus the scalar
// initial scaling H0, computed fresh each call from the most recent
// pair. Dot is distributed-aware (spec.md §4.5): when the design
// vector is sharded across ranks, pass a DotFunc that performs an
// all-reduce sum; single-worker callers can pass nil to get a plain
// local dot product.
type LBFGS struct {
	M    int
	Dot  DotFunc
	ring []lbfgsEntry
}

// NewLBFGS allocates an L-BFGS memory of ring depth m. A nil dot
// defaults to internal/tensor's gonum-backed Dot (the same local
// reduction internal/tensor.SpatialNorm and internal/tensor.Norm2
// already use); pass a distributed-reducing DotFunc when the design
// vector is sharded across ranks.
func NewLBFGS(m int, dot DotFunc) *LBFGS {
	if dot == nil {
		dot = tensor.Dot
	}
	return &LBFGS{M: m, Dot: dot}
}

func (l *LBFGS) Name() string { return "L-BFGS" }

// UpdateMemory pushes the newest (s, y, rho) triple onto the ring,
// evicting the oldest once depth M is exceeded. On iter 0 this is a
// no-op: there is no previous (x, g) pair to difference yet, matching
// spec.md's testable property 7 (steepest descent on the first
// iteration).
func (l *LBFGS) UpdateMemory(iter int, xNew, xOld, gNew, gOld []float64) {
	if iter == 0 {
		return
	}
	n := len(xNew)
	s := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		s[i] = xNew[i] - xOld[i]
		y[i] = gNew[i] - gOld[i]
	}
	ys := l.Dot(y, s)
	if ys == 0 {
		slog.Warn("lbfgs: yTs is zero, substituting 1.0", "iter", iter)
		ys = 1.0
	}
	entry := lbfgsEntry{s: s, y: y, rho: 1.0 / ys, ys: ys}
	l.ring = append(l.ring, entry)
	if len(l.ring) > l.M {
		l.ring = l.ring[1:]
	}
}

// ComputeDescentDir runs the standard two-loop recursion. With no
// memory yet (iteration 0), d is exactly g — H0 defaults to 1.
func (l *LBFGS) ComputeDescentDir(iter int, g []float64, d []float64) {
	copy(d, g)
	n := len(l.ring)
	if n == 0 {
		return
	}
	alphas := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		e := l.ring[i]
		alphas[i] = e.rho * l.Dot(e.s, d)
		axpy(d, -alphas[i], e.y)
	}

	last := l.ring[n-1]
	yy := l.Dot(last.y, last.y)
	if yy == 0 {
		slog.Warn("lbfgs: yTy is zero, substituting 1.0")
		yy = 1.0
	}
	h0 := last.ys / yy
	for i := range d {
		d[i] *= h0
	}

	for i := 0; i < n; i++ {
		e := l.ring[i]
		beta := e.rho * l.Dot(e.y, d)
		axpy(d, alphas[i]-beta, e.s)
	}
}

func axpy(d []float64, alpha float64, x []float64) {
	for i := range d {
		d[i] += alpha * x[i]
	}
}
