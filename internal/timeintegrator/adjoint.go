package timeintegrator

import (
	"fmt"

	"github.com/rweiss/pintrain/internal/layer"
	"github.com/rweiss/pintrain/internal/network"
	"github.com/rweiss/pintrain/internal/state"
)

// AdjointAdapter is the reverse-sweep time integrator for one worker.
// Primal is a read-only handle into the same worker's primal
// trajectory (spec.md §9's resolution of the "shared state between
// primal and adjoint solvers" open question: an explicit reference,
// never implicit global access).
type AdjointAdapter struct {
	Net          *network.Network
	Primal       *Trajectory
	Labels       [][]float64 // non-nil only on the worker owning the final layer
	NExamples    int
	NChannels    int
	GlobalLayers int
	Dt           float64

	resetDone map[int]bool // layers whose bars have been reset this iteration
}

// ResetIteration clears the per-iteration bar-reset bookkeeping. Must
// be called once before each adjoint sweep.
func (a *AdjointAdapter) ResetIteration() {
	a.resetDone = make(map[int]bool)
}

func (a *AdjointAdapter) resetBarOnce(l *layer.Layer) {
	if a.resetDone == nil {
		a.resetDone = make(map[int]bool)
	}
	if !a.resetDone[l.Index] {
		l.ResetBar()
		a.resetDone[l.Index] = true
	}
}

func isHidden(k layer.Kind) bool { return k == layer.Dense || k == layer.Conv }

// InitAdj allocates the adjoint sweep's seed. On the worker owning the
// final layer, t=0 is by convention the terminal adjoint time
// corresponding to the primal's last index: it recomputes the
// classification layer's backward pass directly against the stored
// final primal state and labels, seeding the returned vector with
// bar_x (the adjoint of the state that fed the classification layer).
// Every other worker returns a zeroed vector; its real incoming
// adjoint arrives over comm from its right-hand neighbour before the
// first StepAdj call.
func (a *AdjointAdapter) InitAdj(t float64) (*state.Vector, error) {
	ubar := state.New(a.NExamples, a.NChannels, nil, state.Local)
	if a.Labels == nil {
		return ubar, nil
	}
	finalPoint, ok := a.Primal.Get(a.GlobalLayers - 1)
	if !ok {
		return nil, fmt.Errorf("timeintegrator: init_adj: no stored primal state at final point %d", a.GlobalLayers-1)
	}
	cls := a.Net.GetLayer(a.GlobalLayers - 1)
	if cls == nil || cls.Kind != layer.Classification {
		return nil, fmt.Errorf("timeintegrator: init_adj: worker has labels but does not own the classification layer")
	}
	a.resetBarOnce(cls)

	inputs := make([][]float64, a.NExamples)
	for i := 0; i < a.NExamples; i++ {
		inputs[i] = finalPoint.Activations.Row(i)[:cls.DimIn]
	}
	diffs := cls.EvalClassificationDiff(inputs, a.Labels)
	for i := 0; i < a.NExamples; i++ {
		barX := cls.ApplyClassificationBackward(inputs[i], diffs[i], true)
		copy(ubar.Activations.Row(i), barX)
	}
	cls.EvalTikhDiff(1.0)
	return ubar, nil
}

// StepAdj advances the adjoint sweep by one interval. p is the
// position on the adjoint time grid (mirroring the primal grid); the
// real primal layer it corresponds to is q = (n_layers_global-1) - p,
// per spec.md §4.3's correspondence. Fetches the primal state stored
// at q, runs that layer's reverse pass per example, and folds in the
// regularisation gradient contributions so each layer's bars are
// touched exactly once per iteration (spec.md §5).
func (a *AdjointAdapter) StepAdj(ubar *state.Vector, tStart, tStop float64) error {
	p := a.pointIndex(tStop)
	q := (a.GlobalLayers - 1) - p
	l := a.Net.GetLayer(q)
	if l == nil {
		return fmt.Errorf("timeintegrator: step_adj: no known layer at primal index %d", q)
	}
	primalPoint, ok := a.Primal.Get(q)
	if !ok {
		return fmt.Errorf("timeintegrator: step_adj: no stored primal state at point %d", q)
	}
	a.resetBarOnce(l)

	for i := 0; i < a.NExamples; i++ {
		x := primalPoint.Activations.Row(i)
		adjRow := ubar.Activations.Row(i)
		if err := l.ApplyBackward(x, adjRow, true); err != nil {
			return fmt.Errorf("timeintegrator: step_adj at layer %d example %d: %w", q, i, err)
		}
	}

	if isHidden(l.Kind) {
		if prev := a.Net.GetLayer(q - 1); prev != nil && isHidden(prev.Kind) {
			// This is the first write into prev's bars this sweep, so
			// they are reset here rather than at prev's own visit.
			a.resetBarOnce(prev)
			if err := network.EvalRegulDdtDiff(prev, l); err != nil {
				return fmt.Errorf("timeintegrator: step_adj ddt_diff at layer %d: %w", q, err)
			}
		}
	}
	l.EvalTikhDiff(1.0)
	return nil
}

func (a *AdjointAdapter) pointIndex(t float64) int {
	if a.Dt == 0 {
		return 0
	}
	return int(t/a.Dt + 0.5)
}

// PointTime is the inverse of pointIndex, used by the driver to
// generate the (t_start, t_stop) pairs passed into InitAdj/StepAdj.
func (a *AdjointAdapter) PointTime(point int) float64 {
	return float64(point) * a.Dt
}

// BufSizeAdj, BufPackAdj and BufUnpackAdj mirror the primal trio but
// carry only the adjoint matrix: adjoint vectors have no bound layer
// of their own (they represent a derivative, not a design object), so
// nothing needs to travel across a worker boundary beyond the data.
func (a *AdjointAdapter) BufSizeAdj() int {
	return matrixBufSize(a.NExamples, a.NChannels)
}

func (a *AdjointAdapter) BufPackAdj(v *state.Vector) []byte {
	return packMatrix(make([]byte, 0, a.BufSizeAdj()), v.Activations)
}

func (a *AdjointAdapter) BufUnpackAdj(buf []byte) (*state.Vector, error) {
	m, _ := unpackMatrix(buf)
	return &state.Vector{Activations: m, Layer: nil, Flag: state.Migrated}, nil
}

// CloneAdj, SumAdj, SpatialNormAdj and FreeAdj reuse the primal
// implementations: they operate purely on the activation matrix, with
// no layer-specific behaviour to diverge between sweeps.
func (a *AdjointAdapter) CloneAdj(v *state.Vector) *state.Vector       { return v.Clone() }
func (a *AdjointAdapter) SumAdj(alpha float64, x *state.Vector, beta float64, y *state.Vector) error {
	return state.Sum(alpha, x, beta, y)
}
func (a *AdjointAdapter) SpatialNormAdj(v *state.Vector) float64 { return state.SpatialNorm(v) }
func (a *AdjointAdapter) FreeAdj(v *state.Vector)                {}
