package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rweiss/pintrain/internal/layer"
)

func newTestLayer(t *testing.T) *layer.Layer {
	t.Helper()
	l, err := layer.New(0, layer.Dense, 2, 2, 2, layer.Tanh, 0.1, 0, make([]float64, 4), make([]float64, 2), make([]float64, 4), make([]float64, 2))
	require.NoError(t, err)
	return l
}

func TestNewBindsLayerAndFlag(t *testing.T) {
	l := newTestLayer(t)
	v := New(3, 2, l, Migrated)
	assert.Equal(t, 3, v.Activations.Rows)
	assert.Equal(t, 2, v.Activations.Cols)
	assert.Same(t, l, v.Layer)
	assert.Equal(t, Migrated, v.Flag)
}

func TestCloneDeepCopiesActivationsOnly(t *testing.T) {
	l := newTestLayer(t)
	v := New(1, 2, l, Local)
	v.Activations.Data[0] = 42
	c := v.Clone()
	c.Activations.Data[0] = 99
	assert.Equal(t, 42.0, v.Activations.Data[0])
	assert.Same(t, l, c.Layer)
	assert.Equal(t, Local, c.Flag)
}

func TestSumAndSpatialNorm(t *testing.T) {
	l := newTestLayer(t)
	x := New(1, 2, l, Local)
	x.Activations.Data = []float64{3, 4}
	y := New(1, 2, l, Local)
	y.Activations.Data = []float64{0, 0}

	require.NoError(t, Sum(1, x, 0, y))
	assert.Equal(t, []float64{3, 4}, y.Activations.Data)
	assert.InDelta(t, 5.0, SpatialNorm(y), 1e-12)
}
