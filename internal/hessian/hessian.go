// Package hessian implements the three interchangeable HessianApprox
// variants spec.md §4.5 specifies: Identity (steepest descent), BFGS
// (explicit dense H update, single-worker), and L-BFGS (two-loop
// recursion, distributed-dot-product-aware). All three share the same
// two-operation interface so the optimiser can swap between them via
// config without touching its own loop.
package hessian

import "log/slog"

// Approx is the HessianApprox contract: update the curvature memory at
// the start of each iteration > 0, then fill d with the search
// direction (same sign convention as the gradient — the optimiser
// subtracts stepsize*d).
type Approx interface {
	UpdateMemory(iter int, xNew, xOld, gNew, gOld []float64)
	ComputeDescentDir(iter int, g []float64, d []float64)
	Name() string
}

// Identity is the steepest-descent variant: d is always a copy of g,
// and memory update is a no-op.
type Identity struct{}

func (Identity) Name() string { return "Identity" }

func (Identity) UpdateMemory(iter int, xNew, xOld, gNew, gOld []float64) {}

func (Identity) ComputeDescentDir(iter int, g []float64, d []float64) {
	copy(d, g)
}

// DotFunc computes a (possibly distributed) dot product. L-BFGS is the
// only variant that needs this to be distributed-aware (spec.md
// §4.5); Identity and BFGS are single-worker and use
// internal/tensor's gonum-backed Dot directly instead of a second,
// duplicated reduction.
type DotFunc func(a, b []float64) float64
