package timeintegrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rweiss/pintrain/internal/layer"
	"github.com/rweiss/pintrain/internal/network"
	"github.com/rweiss/pintrain/internal/state"
)

func smallNetwork(t *testing.T) (*network.Network, network.Config) {
	t.Helper()
	cfg := network.Config{
		GlobalLayers: 4,
		NFeatures:    2,
		NClasses:     2,
		NChannels:    3,
		T:            1.0,
		Activation:   layer.Tanh,
		NetworkType:  network.TypeDense,
		OpenKind:     network.OpenReplicate,
	}
	n, err := network.New(cfg, 0, cfg.GlobalLayers-1)
	require.NoError(t, err)
	n.Initialise(7, 0.1, 0.1, 0.1)
	return n, cfg
}

func TestTrajectoryStoreGetReset(t *testing.T) {
	traj := NewTrajectory()
	_, ok := traj.Get(1)
	assert.False(t, ok)

	n, cfg := smallNetwork(t)
	l := n.GetLayer(1)
	v := state.New(2, cfg.NChannels, l, state.Local)
	traj.Store(1, v)

	got, ok := traj.Get(1)
	require.True(t, ok)
	assert.Same(t, v, got)

	traj.Reset()
	_, ok = traj.Get(1)
	assert.False(t, ok)
}

func TestAdapterPointIndexAndPointTimeRoundTrip(t *testing.T) {
	n, cfg := smallNetwork(t)
	a := &Adapter{Net: n, Trajectory: NewTrajectory(), NExamples: 2, NChannels: cfg.NChannels, Dt: 1.0 / float64(cfg.GlobalLayers-2)}
	for p := 0; p < cfg.GlobalLayers; p++ {
		pt := a.PointTime(p)
		assert.Equal(t, p, a.pointIndex(pt))
	}
}

func TestAdapterInitBindsLayerAtPoint(t *testing.T) {
	n, cfg := smallNetwork(t)
	a := &Adapter{Net: n, Trajectory: NewTrajectory(), NExamples: 2, NChannels: cfg.NChannels, Dt: 1.0 / float64(cfg.GlobalLayers-2)}
	v, err := a.Init(a.PointTime(0))
	require.NoError(t, err)
	assert.Equal(t, n.GetLayer(0), v.Layer)
	assert.Equal(t, 2, v.Activations.Rows)
	assert.Equal(t, cfg.NChannels, v.Activations.Cols)
}

func TestAdapterBufPackUnpackRoundTrip(t *testing.T) {
	n, cfg := smallNetwork(t)
	a := &Adapter{Net: n, Trajectory: NewTrajectory(), NExamples: 2, NChannels: cfg.NChannels, Dt: 1.0 / float64(cfg.GlobalLayers-2)}
	v, err := a.Init(a.PointTime(1))
	require.NoError(t, err)
	v.Activations.Data[0] = 3.5

	buf := a.BufPack(v)
	got, err := a.BufUnpack(buf)
	require.NoError(t, err)
	assert.Equal(t, v.Activations.Data, got.Activations.Data)
	assert.Equal(t, v.Layer.Header(), got.Layer.Header())
	assert.False(t, got.Layer.Owned)
}

// TestStepAdjReadsPrimalStateAtMappedIndex is spec.md §8's S4 scenario:
// for a 6-layer net, at adjoint time t_stop with p = round(t_stop/dt) =
// 4, the primal-core fetch index is (global_layers-1)-p = 1. Only the
// primal state at index 1 is stored in the trajectory; if StepAdj
// fetched any other index it would fail to find it.
func TestStepAdjReadsPrimalStateAtMappedIndex(t *testing.T) {
	cfg := network.Config{
		GlobalLayers: 6,
		NFeatures:    2,
		NClasses:     2,
		NChannels:    3,
		T:            1.0,
		Activation:   layer.Tanh,
		NetworkType:  network.TypeDense,
		OpenKind:     network.OpenReplicate,
	}
	n, err := network.New(cfg, 0, cfg.GlobalLayers-1)
	require.NoError(t, err)
	n.Initialise(11, 0.1, 0.1, 0.1)
	dt := 1.0 / float64(cfg.GlobalLayers-2)

	a := &AdjointAdapter{
		Net: n, Primal: NewTrajectory(), NExamples: 1, NChannels: cfg.NChannels,
		GlobalLayers: cfg.GlobalLayers, Dt: dt,
	}
	a.ResetIteration()

	p := 4
	q := (cfg.GlobalLayers - 1) - p
	require.Equal(t, 1, q, "S4's worked example: p=4 on a 6-layer net maps to primal index 1")

	ubar := state.New(1, cfg.NChannels, nil, state.Local)
	tStart, tStop := a.PointTime(p-1), a.PointTime(p)
	require.Equal(t, p, a.pointIndex(tStop))

	err = a.StepAdj(ubar, tStart, tStop)
	require.Error(t, err, "no primal state has been stored yet, so the fetch at index 1 must fail")
	assert.Contains(t, err.Error(), "point 1")

	primalLayer := n.GetLayer(q)
	primalState := state.New(1, cfg.NChannels, primalLayer, state.Local)
	a.Primal.Store(q, primalState)

	err = a.StepAdj(ubar, tStart, tStop)
	assert.NoError(t, err, "storing only index 1 must be enough for StepAdj to succeed, confirming it fetched exactly that index")
}

// TestResetBarOnceDoesNotZeroASecondVisit is spec.md §8's testable
// property 6: over one iteration, a layer's bar is zeroed exactly once
// by the finest-level adjoint visit and left alone on any later visit
// to the same layer within that iteration.
func TestResetBarOnceDoesNotZeroASecondVisit(t *testing.T) {
	n, _ := smallNetwork(t)
	l := n.GetLayer(1)
	a := &AdjointAdapter{}
	a.ResetIteration()

	a.resetBarOnce(l)
	l.WeightsBar[0] = 7
	a.resetBarOnce(l)
	assert.Equal(t, 7.0, l.WeightsBar[0], "a second visit within the same iteration must not re-zero the bar")
}

func TestAdapterSumAndSpatialNorm(t *testing.T) {
	n, cfg := smallNetwork(t)
	a := &Adapter{Net: n, Trajectory: NewTrajectory(), NExamples: 1, NChannels: cfg.NChannels, Dt: 1.0}
	x, err := a.Init(a.PointTime(0))
	require.NoError(t, err)
	x.Activations.Data = []float64{3, 4, 0}
	y, err := a.Init(a.PointTime(0))
	require.NoError(t, err)
	y.Activations.Data = []float64{0, 0, 0}

	require.NoError(t, a.Sum(1, x, 0, y))
	assert.Equal(t, []float64{3, 4, 0}, y.Activations.Data)
	assert.InDelta(t, 5.0, a.SpatialNorm(y), 1e-12)
}
