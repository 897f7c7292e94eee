// Package tensor provides the small set of dense numeric helpers the
// rest of pintrain needs: per-example activation matrices, design/
// gradient vector arithmetic.
//
// Design/gradient buffers stay plain []float64 rather than gonum types
// because Layer weights/biases must alias contiguous slices of a
// Network-wide buffer (see internal/network); internal/layer wraps such
// slices in zero-copy mat.Dense views only inside its own kernels, and
// this package itself uses gonum's floats routines alone.
package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Matrix is a row-major examples x channels activation buffer: the
// object that flows through the time integrator at a single layer.
type Matrix struct {
	Rows, Cols int
	Data       []float64
}

// NewMatrix allocates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// Row returns the slice backing example i's channel vector. Mutating it
// mutates the matrix.
func (m *Matrix) Row(i int) []float64 {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

// Clone deep-copies the matrix.
func (m *Matrix) Clone() *Matrix {
	out := &Matrix{Rows: m.Rows, Cols: m.Cols, Data: make([]float64, len(m.Data))}
	copy(out.Data, m.Data)
	return out
}

// Zero resets every entry to 0.
func (m *Matrix) Zero() {
	for i := range m.Data {
		m.Data[i] = 0
	}
}

// Sum computes y <- alpha*x + beta*y elementwise, matching the
// TimeIntegratorAdapter `sum` callback contract.
func Sum(alpha float64, x *Matrix, beta float64, y *Matrix) error {
	if x.Rows != y.Rows || x.Cols != y.Cols {
		return fmt.Errorf("tensor: sum shape mismatch %dx%d vs %dx%d", x.Rows, x.Cols, y.Rows, y.Cols)
	}
	for i := range y.Data {
		y.Data[i] = alpha*x.Data[i] + beta*y.Data[i]
	}
	return nil
}

// SpatialNorm implements the `spatial_norm` callback: sqrt(sum(u*u))/nexamples.
func SpatialNorm(u *Matrix) float64 {
	if u.Rows == 0 {
		return 0
	}
	ss := floats.Dot(u.Data, u.Data)
	return math.Sqrt(ss) / float64(u.Rows)
}

// Dot is the distributed-dot-product-aware primitive L-BFGS needs for
// its local contribution; callers add the cross-rank reduction.
func Dot(a, b []float64) float64 {
	return floats.Dot(a, b)
}

// Norm2 returns the Euclidean norm of a flat vector.
func Norm2(v []float64) float64 {
	return math.Sqrt(floats.Dot(v, v))
}

// AxpyTo computes dst[i] += alpha*x[i] for every i.
func AxpyTo(dst []float64, alpha float64, x []float64) {
	for i := range dst {
		dst[i] += alpha * x[i]
	}
}

// Scale multiplies every entry of v by alpha in place.
func Scale(alpha float64, v []float64) {
	for i := range v {
		v[i] *= alpha
	}
}
