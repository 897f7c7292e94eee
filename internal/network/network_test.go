package network

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rweiss/pintrain/internal/comm"
	"github.com/rweiss/pintrain/internal/layer"
)

func baseConfig() Config {
	return Config{
		GlobalLayers: 5,
		NFeatures:    3,
		NClasses:     2,
		NChannels:    4,
		T:            1.0,
		Activation:   layer.Tanh,
		NetworkType:  TypeDense,
		OpenKind:     OpenReplicate,
		GammaTik:     0.1,
		GammaDdt:     0.1,
		GammaClass:   0.1,
	}
}

func TestNewPartitionsOwnedLayersAndBuffers(t *testing.T) {
	cfg := baseConfig()
	n, err := New(cfg, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n.StartID)
	assert.Equal(t, 2, n.EndID)
	require.Len(t, n.Layers, 2)
	assert.Equal(t, layer.Dense, n.Layers[0].Kind)
	assert.Equal(t, layer.Dense, n.Layers[1].Kind)
	assert.Equal(t, len(n.Design), len(n.Gradient))
}

func TestNewRejectsInvalidRange(t *testing.T) {
	cfg := baseConfig()
	_, err := New(cfg, 2, 1)
	require.Error(t, err)
	_, err = New(cfg, 0, cfg.GlobalLayers)
	require.Error(t, err)
}

func TestInitialiseZeroesGradientAndScalesWeights(t *testing.T) {
	cfg := baseConfig()
	n, err := New(cfg, 0, cfg.GlobalLayers-1)
	require.NoError(t, err)
	n.Initialise(1, 0.01, 0.02, 0.03)
	for _, g := range n.Gradient {
		assert.Equal(t, 0.0, g)
	}
	// OpenExpandZero (the default OpenReplicate opening layer) has no
	// design variables at all; see weightsLen.
	open := n.Layers[0]
	assert.Empty(t, open.Weights)
	assert.Empty(t, open.Bias)

	hidden := n.Layers[1]
	for _, w := range hidden.Weights {
		assert.True(t, w >= -0.01 && w <= 0.01)
	}
}

func TestNewGivesOpenExpandZeroNoDesignEntries(t *testing.T) {
	cfg := baseConfig()
	n, err := New(cfg, 0, cfg.GlobalLayers-1)
	require.NoError(t, err)
	open := n.Layers[0]
	assert.Equal(t, layer.OpenExpandZero, open.Kind)
	assert.Zero(t, len(open.Weights)+len(open.Bias))
	// dim_in/dim_out stay real (NFeatures/NChannels) for the
	// forward/backward shape contract, even though no design entries
	// were allocated for them.
	assert.Equal(t, cfg.NFeatures, open.DimIn)
	assert.Equal(t, cfg.NChannels, open.DimOut)
}

func TestResetGradientZeroesBuffer(t *testing.T) {
	cfg := baseConfig()
	n, err := New(cfg, 0, cfg.GlobalLayers-1)
	require.NoError(t, err)
	for i := range n.Gradient {
		n.Gradient[i] = 1
	}
	n.ResetGradient()
	for _, g := range n.Gradient {
		assert.Equal(t, 0.0, g)
	}
}

func TestEvalRegulDdtRejectsZeroDt(t *testing.T) {
	cfg := baseConfig()
	n, err := New(cfg, 1, 2)
	require.NoError(t, err)
	n.Layers[1].Dt = 0
	_, err = EvalRegulDdt(n.Layers[0], n.Layers[1])
	require.Error(t, err)
}

func TestEvalRegulDdtAndDiffAgree(t *testing.T) {
	cfg := baseConfig()
	n, err := New(cfg, 1, 2)
	require.NoError(t, err)
	prev, curr := n.Layers[0], n.Layers[1]
	curr.Dt = 0.5
	for i := range prev.Weights {
		prev.Weights[i] = float64(i) * 0.1
		curr.Weights[i] = float64(i)*0.1 + 0.2
	}
	val, err := EvalRegulDdt(prev, curr)
	require.NoError(t, err)
	assert.Greater(t, val, 0.0)

	require.NoError(t, EvalRegulDdtDiff(prev, curr))
	assert.NotEqual(t, 0.0, curr.WeightsBar[0])
	assert.Equal(t, -curr.WeightsBar[0], prev.WeightsBar[0])
}

func TestCheckFiniteDetectsNaN(t *testing.T) {
	cfg := baseConfig()
	n, err := New(cfg, 0, cfg.GlobalLayers-1)
	require.NoError(t, err)
	require.NoError(t, n.CheckFinite())
	n.Design[0] = math.NaN()
	require.Error(t, n.CheckFinite())
}

// TestCommunicateNeighboursGhostExchange is the three-worker migration
// scenario (spec.md §8 S3): after CommunicateNeighbours, each
// non-leftmost rank's LayerLeft header matches its left neighbour's
// rightmost owned layer header, and the ghost owns independent
// storage.
func TestCommunicateNeighboursGhostExchange(t *testing.T) {
	cfg := baseConfig()
	cfg.GlobalLayers = 5
	boundaries := [][2]int{{0, 0}, {1, 2}, {3, 4}}
	rts := comm.NewGroup(len(boundaries))
	nets := make([]*Network, len(boundaries))
	for i, b := range boundaries {
		n, err := New(cfg, b[0], b[1])
		require.NoError(t, err)
		n.Initialise(int64(i+1), 0.1, 0.1, 0.1)
		nets[i] = n
	}

	var wg sync.WaitGroup
	errs := make([]error, len(nets))
	wg.Add(len(nets))
	for i := range nets {
		go func(i int) {
			defer wg.Done()
			errs[i] = nets[i].CommunicateNeighbours(rts[i])
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	rank0Rightmost := nets[0].Layers[len(nets[0].Layers)-1]
	assert.Equal(t, rank0Rightmost.Header(), nets[1].LayerLeft.Header())
	assert.NotSame(t, rank0Rightmost, nets[1].LayerLeft)

	rank1Rightmost := nets[1].Layers[len(nets[1].Layers)-1]
	assert.Equal(t, rank1Rightmost.Header(), nets[2].LayerLeft.Header())

	assert.Nil(t, nets[0].LayerLeft)
	assert.Nil(t, nets[2].LayerRight)
}

// TestGhostBarWritesAreIsolatedFromTheOwningRank exercises the
// read-only discipline spec.md §5 requires of ghost layers: a rank
// that differentiates a regularisation term spanning its left ghost
// (network.EvalRegulDdtDiff, called by timeintegrator's adjoint sweep
// with a ghost as prev) writes into the ghost's own bar storage, which
// CommunicateNeighbours allocated independently of the sending rank's
// real Gradient buffer — so the left neighbour's real bar entries are
// left untouched no matter what the receiver accumulates into its copy.
func TestGhostBarWritesAreIsolatedFromTheOwningRank(t *testing.T) {
	cfg := baseConfig()
	cfg.GlobalLayers = 5
	rts := comm.NewGroup(2)
	left, err := New(cfg, 0, 2)
	require.NoError(t, err)
	right, err := New(cfg, 3, 4)
	require.NoError(t, err)
	left.Initialise(1, 0.1, 0.1, 0.1)
	right.Initialise(2, 0.1, 0.1, 0.1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = left.CommunicateNeighbours(rts[0]) }()
	go func() { defer wg.Done(); errs[1] = right.CommunicateNeighbours(rts[1]) }()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	leftRightmost := left.Layers[len(left.Layers)-1]
	leftRightmostBarBefore := append([]float64(nil), leftRightmost.WeightsBar...)

	ghost := right.LayerLeft
	curr := right.Layers[0]
	require.NoError(t, EvalRegulDdtDiff(ghost, curr))

	assert.NotEqual(t, make([]float64, len(ghost.WeightsBar)), ghost.WeightsBar, "ghost bar should have accumulated the symmetric contribution")
	assert.Equal(t, leftRightmostBarBefore, leftRightmost.WeightsBar, "writes into the ghost must never reach the owning rank's real gradient buffer")
}
