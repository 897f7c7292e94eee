// Package state implements StateVector, the object flowing through the
// time integrator at one time index: per-example channel activations,
// a reference to the layer active at that time, and a flag marking
// whether that layer is worker-local or a migrated copy.
package state

import (
	"github.com/rweiss/pintrain/internal/layer"
	"github.com/rweiss/pintrain/internal/tensor"
)

// SendFlag marks whether Vector.Layer is owned by this worker (Local)
// or was received over the wire during buf_unpack (Migrated) — the
// flag that drives the layer's destruction at the end of step.
type SendFlag int

const (
	Local SendFlag = iota
	Migrated
)

// Vector is the MGRIT carrier: an examples x channels activation
// matrix, a reference to the Layer active at the current time index,
// and the send flag.
type Vector struct {
	Activations *tensor.Matrix
	Layer       *layer.Layer
	Flag        SendFlag
}

// New allocates a fresh, zeroed state matrix bound to l.
func New(examples, channels int, l *layer.Layer, flag SendFlag) *Vector {
	return &Vector{
		Activations: tensor.NewMatrix(examples, channels),
		Layer:       l,
		Flag:        flag,
	}
}

// Clone deep-copies the activation matrix; the layer reference and
// send flag are copied as-is (shallow), matching spec.md §4.3.
func (v *Vector) Clone() *Vector {
	return &Vector{
		Activations: v.Activations.Clone(),
		Layer:       v.Layer,
		Flag:        v.Flag,
	}
}

// Sum computes y <- alpha*x + beta*y elementwise on the activation
// matrices of x and y.
func Sum(alpha float64, x *Vector, beta float64, y *Vector) error {
	return tensor.Sum(alpha, x.Activations, beta, y.Activations)
}

// SpatialNorm returns sqrt(sum(u*u))/nexamples.
func SpatialNorm(v *Vector) float64 {
	return tensor.SpatialNorm(v.Activations)
}
