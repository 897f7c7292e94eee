package objective

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rweiss/pintrain/internal/comm"
	"github.com/rweiss/pintrain/internal/layer"
	"github.com/rweiss/pintrain/internal/network"
)

func twoLayerNetwork(t *testing.T) *network.Network {
	t.Helper()
	cfg := network.Config{
		GlobalLayers: 2,
		NFeatures:    2,
		NClasses:     2,
		NChannels:    2,
		T:            1.0,
		Activation:   layer.Tanh,
		NetworkType:  network.TypeDense,
		OpenKind:     network.OpenReplicate,
		GammaTik:     0.1,
		GammaClass:   0.1,
	}
	n, err := network.New(cfg, 0, cfg.GlobalLayers-1)
	require.NoError(t, err)
	n.Initialise(11, 0.1, 0.1, 0.1)
	return n
}

func TestAssembleLocalSumsTikhAndClassificationOnFinalRank(t *testing.T) {
	n := twoLayerNetwork(t)
	inputs := [][]float64{{1, -1}, {0.5, 0.5}}
	labels := [][]float64{{1, 0}, {0, 1}}

	loc, err := AssembleLocal(n, 2, inputs, labels)
	require.NoError(t, err)
	assert.True(t, loc.HasFinal)
	assert.Greater(t, loc.Tikh, 0.0)
	assert.GreaterOrEqual(t, loc.Loss, 0.0)
}

func TestAssembleLocalSkipsClassificationWhenNotFinalRank(t *testing.T) {
	cfg := network.Config{
		GlobalLayers: 4,
		NFeatures:    2,
		NClasses:     2,
		NChannels:    3,
		T:            1.0,
		Activation:   layer.Tanh,
		NetworkType:  network.TypeDense,
		OpenKind:     network.OpenReplicate,
		GammaTik:     0.1,
	}
	n, err := network.New(cfg, 1, 2)
	require.NoError(t, err)
	n.Initialise(1, 0.1, 0.1, 0.1)

	loc, err := AssembleLocal(n, cfg.GlobalLayers, nil, nil)
	require.NoError(t, err)
	assert.False(t, loc.HasFinal)
	assert.Equal(t, 0.0, loc.Loss)
	assert.Equal(t, 0.0, loc.Accuracy)
}

func TestReduceSumsAcrossRanksOnlyOneContributesLoss(t *testing.T) {
	const n = 3
	rts := comm.NewGroup(n)
	locals := []Local{
		{Tikh: 1, Ddt: 2},
		{Tikh: 1, Ddt: 2},
		{Tikh: 1, Ddt: 2, Loss: 0.7, Accuracy: 0.9, HasFinal: true},
	}
	results := make([]Reduced, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = Reduce(rts[i], locals[i])
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.InDelta(t, 9.7, r.Objective, 1e-12) // sum(tikh)=3 + sum(ddt)=6 + loss=0.7
		assert.InDelta(t, 0.7, r.Loss, 1e-12)
		assert.InDelta(t, 0.9, r.Accuracy, 1e-12)
	}
}
