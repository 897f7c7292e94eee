// Package objective implements ObjectiveAssembly (spec.md §4.4): after
// a primal sweep, each worker walks its owned layers in time order and
// sums Tikhonov and time-derivative regularisation, plus — on the
// worker owning the final layer — the classification loss and
// accuracy, before a single global-sum reduction produces the
// coordinator's scalars.
package objective

import (
	"github.com/rweiss/pintrain/internal/comm"
	"github.com/rweiss/pintrain/internal/layer"
	"github.com/rweiss/pintrain/internal/network"
)

// Local holds one worker's unreduced contribution.
type Local struct {
	Tikh     float64
	Ddt      float64
	Loss     float64
	Accuracy float64
	HasFinal bool // true only for the worker owning the classification layer
}

// Reduced holds the coordinator's globally-reduced scalars.
type Reduced struct {
	Objective float64 // loss + tikh + ddt
	Loss      float64
	Accuracy  float64
}

// AssembleLocal walks n's owned layers in time order, summing the
// Tikhonov term on every layer and the ddt term on strictly interior
// adjacent pairs (never across the opening/classification boundary).
// If n owns the final layer, it also evaluates classification loss and
// accuracy against finalInputs/labels (both indexed per example).
func AssembleLocal(n *network.Network, globalLayers int, finalInputs, labels [][]float64) (Local, error) {
	var loc Local
	for _, l := range n.Layers {
		loc.Tikh += l.EvalTikh()
	}
	for i := 1; i < len(n.Layers); i++ {
		prev, curr := n.Layers[i-1], n.Layers[i]
		if !isHidden(prev.Kind) || !isHidden(curr.Kind) {
			continue
		}
		d, err := network.EvalRegulDdt(prev, curr)
		if err != nil {
			return Local{}, err
		}
		loc.Ddt += d
	}
	if n.EndID == globalLayers-1 {
		cls := n.Layers[len(n.Layers)-1]
		loss, acc, err := cls.EvalClassification(finalInputs, labels)
		if err != nil {
			return Local{}, err
		}
		loc.Loss, loc.Accuracy, loc.HasFinal = loss, acc, true
	}
	return loc, nil
}

func isHidden(k layer.Kind) bool { return k == layer.Dense || k == layer.Conv }

// Reduce performs the single global-sum reduction spec.md §4.4
// describes, producing the scalars the optimiser needs on the
// coordinator. Loss/accuracy are contributed by exactly one rank (the
// one owning the classification layer); summing across ranks is
// correct because every other rank's Loss/Accuracy is zero.
func Reduce(rt comm.Runtime, loc Local) Reduced {
	tikh := rt.AllreduceSum(loc.Tikh)
	ddt := rt.AllreduceSum(loc.Ddt)
	loss := rt.AllreduceSum(loc.Loss)
	acc := rt.AllreduceSum(loc.Accuracy)
	return Reduced{
		Objective: loss + tikh + ddt,
		Loss:      loss,
		Accuracy:  acc,
	}
}
