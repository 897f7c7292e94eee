// Package timeintegrator adapts network.Network and state.Vector to
// the twelve callbacks spec.md §4.3 requires of a time-integration
// core: init/clone/free/sum/spatial_norm/buf_size/buf_pack/buf_unpack
// and step/access for the primal sweep, plus init_adj/step_adj and
// their own buf_* trio for the adjoint sweep.
//
// pintrain's degenerate single-level driver (SPEC_FULL.md §4 ADD)
// calls these directly in primal and reversed-rank-order adjoint
// passes rather than handing them to a real multigrid solver; the
// contracts themselves are unchanged.
package timeintegrator

import (
	"fmt"
	"math"

	"github.com/rweiss/pintrain/internal/layer"
	"github.com/rweiss/pintrain/internal/network"
	"github.com/rweiss/pintrain/internal/state"
)

// Adapter is the primal-sweep time integrator for one worker.
type Adapter struct {
	Net          *network.Network
	Trajectory   *Trajectory
	NExamples    int
	NChannels    int
	Examples     [][]float64 // local batch raw features, len == NExamples
	GlobalLayers int
	Dt           float64 // fixed per-hidden-layer integration step, network.Config.dt()
}

// pointIndex maps a driver time coordinate back to the layer index
// bound there. Our grid is t_i = i*Dt for i = 0..GlobalLayers-1, so
// this is exact (no rounding drift) as long as callers only ever pass
// grid points back in, which step/access/init_adj/step_adj do.
func (a *Adapter) pointIndex(t float64) int {
	if a.Dt == 0 {
		return 0
	}
	return int(math.Round(t / a.Dt))
}

// PointTime is the inverse of pointIndex, used by the driver to
// generate the (t_start, t_stop) pairs passed into Step/Access.
func (a *Adapter) PointTime(point int) float64 {
	return float64(point) * a.Dt
}

// Init allocates a fresh zeroed state bound to the layer active at t.
// Real activations only appear after the first Step call that uses
// this layer's forward contract — matching the convention that the
// opening layer's own forward pass happens during the first step, not
// during init.
func (a *Adapter) Init(t float64) (*state.Vector, error) {
	idx := a.pointIndex(t)
	l := a.Net.GetLayer(idx)
	if l == nil {
		return nil, fmt.Errorf("timeintegrator: init at t=%v (point %d) has no known layer", t, idx)
	}
	return state.New(a.NExamples, a.NChannels, l, state.Local), nil
}

// Clone deep-copies a state vector.
func (a *Adapter) Clone(v *state.Vector) *state.Vector { return v.Clone() }

// Free releases a state vector. Migrated vectors own independent
// storage (see BufUnpack); both cases are left to the garbage
// collector, so this is a no-op kept only to round out the contract.
func (a *Adapter) Free(v *state.Vector) {}

// Sum computes y <- alpha*x + beta*y.
func (a *Adapter) Sum(alpha float64, x *state.Vector, beta float64, y *state.Vector) error {
	return state.Sum(alpha, x, beta, y)
}

// SpatialNorm returns sqrt(sum(u*u))/nexamples.
func (a *Adapter) SpatialNorm(v *state.Vector) float64 { return state.SpatialNorm(v) }

// BufSize returns the worst-case byte length buf_pack can produce:
// the activation matrix plus the largest owned layer's header and
// design (a state vector crossing a worker boundary carries its bound
// layer along, the "migrated" ownership mode).
func (a *Adapter) BufSize() int {
	maxDesign := 0
	for _, l := range a.Net.Layers {
		if nd := l.DimIn*l.DimOut + l.DimBias; nd > maxDesign {
			maxDesign = nd
		}
	}
	return matrixBufSize(a.NExamples, a.NChannels) + layer.HeaderSize + maxDesign*8
}

// BufPack serialises a state vector: matrix, then the bound layer's
// header and weights/bias.
func (a *Adapter) BufPack(v *state.Vector) []byte {
	buf := make([]byte, 0, a.BufSize())
	buf = packMatrix(buf, v.Activations)
	buf = append(buf, layer.EncodeHeader(v.Layer.Header())...)
	buf = layer.EncodeWeightsAndBias(buf, v.Layer)
	return buf
}

// BufUnpack is the inverse of BufPack. The recovered layer is always a
// migrated ghost: it owns its own weight/bias storage, independent of
// the sender's design buffer.
func (a *Adapter) BufUnpack(buf []byte) (*state.Vector, error) {
	m, off := unpackMatrix(buf)
	if off+layer.HeaderSize > len(buf) {
		return nil, fmt.Errorf("timeintegrator: buf_unpack: truncated header")
	}
	h := layer.DecodeHeader(buf[off : off+layer.HeaderSize])
	off += layer.HeaderSize
	weights, bias := layer.DecodeWeightsAndBias(buf[off:], h.NDesign-h.DimBias, h.DimBias)
	l := layer.NewGhost(h)
	copy(l.Weights, weights)
	copy(l.Bias, bias)
	return &state.Vector{Activations: m, Layer: l, Flag: state.Migrated}, nil
}

// Step applies the bound layer's forward contract to every example's
// row in place, then rebinds v to the layer active at t_stop. Per
// spec.md §4.1, only the opening and hidden/conv layers run through
// this generic path; the classification layer's forward is evaluated
// directly by objective assembly instead (spec.md §4.4), so the grid
// point bound to it is reached only as the final rebinding target and
// never stepped from.
func (a *Adapter) Step(v *state.Vector, tStart, tStop float64) error {
	l := v.Layer
	l.Dt = tStop - tStart
	isOpening := l.Kind == layer.OpenExpandZero || l.Kind == layer.OpenDense
	for i := 0; i < a.NExamples; i++ {
		row := v.Activations.Row(i)
		if isOpening {
			l.SetExample(a.Examples[i])
		}
		if err := l.ApplyForward(row); err != nil {
			return fmt.Errorf("timeintegrator: step at layer %d example %d: %w", l.Index, i, err)
		}
	}
	next := a.Net.GetLayer(a.pointIndex(tStop))
	v.Layer = next
	return nil
}

// Access records the state at this time point into the primal
// trajectory the adjoint sweep will later read. spec.md describes
// access as an optional hook most naturally used to write out the
// final-time solution; our driver calls it at every point because the
// adjoint sweep needs the full trajectory (spec.md §4.3 and §9), so
// Access is where that storage actually happens.
func (a *Adapter) Access(v *state.Vector, t float64) error {
	a.Trajectory.Store(a.pointIndex(t), v.Clone())
	return nil
}
