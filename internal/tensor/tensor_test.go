package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowViewMutatesMatrix(t *testing.T) {
	m := NewMatrix(2, 3)
	row := m.Row(1)
	row[0] = 5
	assert.Equal(t, 5.0, m.Data[3])
}

func TestCloneIsIndependent(t *testing.T) {
	m := NewMatrix(2, 2)
	m.Data[0] = 1
	c := m.Clone()
	c.Data[0] = 99
	assert.Equal(t, 1.0, m.Data[0])
	assert.Equal(t, 99.0, c.Data[0])
}

func TestZeroClearsEntries(t *testing.T) {
	m := NewMatrix(2, 2)
	for i := range m.Data {
		m.Data[i] = 7
	}
	m.Zero()
	for _, v := range m.Data {
		assert.Equal(t, 0.0, v)
	}
}

func TestSumRejectsShapeMismatch(t *testing.T) {
	x := NewMatrix(2, 2)
	y := NewMatrix(3, 2)
	require.Error(t, Sum(1, x, 1, y))
}

func TestSumComputesAxpy(t *testing.T) {
	x := NewMatrix(1, 2)
	x.Data = []float64{1, 2}
	y := NewMatrix(1, 2)
	y.Data = []float64{10, 20}
	require.NoError(t, Sum(2, x, 0.5, y))
	assert.Equal(t, []float64{7, 11}, y.Data)
}

func TestSpatialNormDividesByExampleCount(t *testing.T) {
	u := NewMatrix(2, 2)
	u.Data = []float64{3, 4, 0, 0}
	assert.InDelta(t, 2.5, SpatialNorm(u), 1e-12)
}

func TestSpatialNormZeroExamples(t *testing.T) {
	u := NewMatrix(0, 2)
	assert.Equal(t, 0.0, SpatialNorm(u))
}

func TestDotAndNorm2(t *testing.T) {
	a := []float64{1, 2, 3}
	b := []float64{4, 5, 6}
	assert.Equal(t, 32.0, Dot(a, b))
	assert.InDelta(t, 3.7416573867739413, Norm2(a), 1e-12)
}

func TestAxpyToAccumulates(t *testing.T) {
	dst := []float64{1, 1}
	AxpyTo(dst, 2, []float64{3, 4})
	assert.Equal(t, []float64{7, 9}, dst)
}

func TestScaleMultipliesInPlace(t *testing.T) {
	v := []float64{1, -2, 3}
	Scale(2, v)
	assert.Equal(t, []float64{2, -4, 6}, v)
}
