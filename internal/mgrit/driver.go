// Package mgrit is pintrain's deliberately degenerate single-level
// time-parallel driver: full multigrid-reduction-in-time coarsening
// is treated as an external collaborator out of scope for this
// module (SPEC_FULL.md §4 ADD), so Driver runs the twelve
// timeintegrator callbacks over exactly one (the finest) level —
// equivalent to plain parallel time-stepping with ghost exchange, no
// F/C-relaxation or coarse-grid correction.
package mgrit

import (
	"fmt"

	"github.com/rweiss/pintrain/internal/comm"
	"github.com/rweiss/pintrain/internal/layer"
	"github.com/rweiss/pintrain/internal/network"
	"github.com/rweiss/pintrain/internal/state"
	"github.com/rweiss/pintrain/internal/timeintegrator"
)

// Driver runs one worker's slice of the primal and adjoint sweeps.
type Driver struct {
	Rt           comm.Runtime
	Net          *network.Network
	Primal       *timeintegrator.Adapter
	Adjoint      *timeintegrator.AdjointAdapter
	GlobalLayers int
}

// RunPrimal steps this worker's owned layers in time order, storing
// every visited point into the primal trajectory, and forwards the
// resulting state to the next worker unless this worker owns the
// final (classification) layer.
func (d *Driver) RunPrimal() error {
	rank, size := d.Rt.Rank(), d.Rt.Size()
	d.Primal.Trajectory.Reset()

	var v *state.Vector
	var err error
	if rank == 0 {
		v, err = d.Primal.Init(d.Primal.PointTime(d.Net.StartID))
	} else {
		var buf []byte
		buf, err = d.Rt.Recv(rank - 1)
		if err == nil {
			v, err = d.Primal.BufUnpack(buf)
		}
	}
	if err != nil {
		return fmt.Errorf("mgrit: rank %d primal init: %w", rank, err)
	}

	if err := d.Primal.Access(v, d.Primal.PointTime(d.Net.StartID)); err != nil {
		return fmt.Errorf("mgrit: rank %d primal access at start: %w", rank, err)
	}

	point := d.Net.StartID
	for point <= d.Net.EndID {
		l := d.Net.GetLayer(point)
		if l == nil {
			return fmt.Errorf("mgrit: rank %d primal: no layer at point %d", rank, point)
		}
		if l.Kind == layer.Classification {
			break
		}
		tStart := d.Primal.PointTime(point)
		tStop := d.Primal.PointTime(point + 1)
		if err := d.Primal.Step(v, tStart, tStop); err != nil {
			return fmt.Errorf("mgrit: rank %d primal step at point %d: %w", rank, point, err)
		}
		point++
		if err := d.Primal.Access(v, d.Primal.PointTime(point)); err != nil {
			return fmt.Errorf("mgrit: rank %d primal access at point %d: %w", rank, point, err)
		}
	}

	if d.Net.EndID < d.GlobalLayers-1 && rank < size-1 {
		if err := d.Rt.Send(rank+1, d.Primal.BufPack(v)); err != nil {
			return fmt.Errorf("mgrit: rank %d primal handoff: %w", rank, err)
		}
	}
	return nil
}

// RunAdjoint runs the reverse sweep. Workers participate in reversed
// rank order: the adjoint seed starts on the worker owning the final
// layer and each worker's incoming adjoint arrives from its right
// neighbour, so the goroutine for rank r blocks on that Recv until
// rank r+1 has finished its portion — enforcing the ordering through
// data dependency rather than explicit scheduling.
func (d *Driver) RunAdjoint() error {
	rank, size := d.Rt.Rank(), d.Rt.Size()
	d.Adjoint.ResetIteration()

	var ubar *state.Vector
	var err error
	if rank == size-1 {
		ubar, err = d.Adjoint.InitAdj(0)
	} else {
		var buf []byte
		buf, err = d.Rt.Recv(rank + 1)
		if err == nil {
			ubar, err = d.Adjoint.BufUnpackAdj(buf)
		}
	}
	if err != nil {
		return fmt.Errorf("mgrit: rank %d adjoint init: %w", rank, err)
	}

	qStart := d.Net.EndID
	if qStart == d.GlobalLayers-1 {
		qStart = d.GlobalLayers - 2 // classification already handled by InitAdj
	}
	for q := qStart; q >= d.Net.StartID; q-- {
		p := (d.GlobalLayers - 1) - q
		tStart := d.Adjoint.PointTime(p - 1)
		tStop := d.Adjoint.PointTime(p)
		if err := d.Adjoint.StepAdj(ubar, tStart, tStop); err != nil {
			return fmt.Errorf("mgrit: rank %d adjoint step at layer %d: %w", rank, q, err)
		}
	}

	if d.Net.StartID > 0 && rank > 0 {
		if err := d.Rt.Send(rank-1, d.Adjoint.BufPackAdj(ubar)); err != nil {
			return fmt.Errorf("mgrit: rank %d adjoint handoff: %w", rank, err)
		}
	}
	return nil
}
