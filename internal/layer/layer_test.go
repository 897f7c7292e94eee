package layer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNDesign(t *testing.T) {
	assert.Equal(t, 3*4+4, NDesign(3, 4, 4))
}

func TestNewRejectsClassificationShape(t *testing.T) {
	_, err := New(0, Classification, 2, 3, 3, Tanh, 0.1, 0, make([]float64, 6), make([]float64, 3), make([]float64, 6), make([]float64, 3))
	require.Error(t, err)
}

func TestHeaderRoundTripsThroughWire(t *testing.T) {
	weights := make([]float64, 6)
	bias := make([]float64, 2)
	l, err := New(3, Dense, 3, 2, 2, Tanh, 0.25, 0.01, weights, bias, make([]float64, 6), make([]float64, 2))
	require.NoError(t, err)

	h := l.Header()
	buf := EncodeHeader(h)
	require.Len(t, buf, HeaderSize)
	got := DecodeHeader(buf)
	assert.Equal(t, h, got)
}

func TestEncodeDecodeWeightsAndBiasRoundTrip(t *testing.T) {
	weights := []float64{1, 2, 3, 4, 5, 6}
	bias := []float64{7, 8}
	l, err := New(0, Dense, 3, 2, 2, Tanh, 0.1, 0, weights, bias, make([]float64, 6), make([]float64, 2))
	require.NoError(t, err)

	buf := EncodeWeightsAndBias(nil, l)
	gotW, gotB := DecodeWeightsAndBias(buf, 6, 2)
	assert.Equal(t, weights, gotW)
	assert.Equal(t, bias, gotB)
}

func TestResetBarZeroesAccumulators(t *testing.T) {
	weights := make([]float64, 4)
	bias := make([]float64, 2)
	l, err := New(1, Dense, 2, 2, 2, Tanh, 0.1, 0, weights, bias, make([]float64, 4), make([]float64, 2))
	require.NoError(t, err)
	l.WeightsBar[0] = 5
	l.BiasBar[0] = 3
	l.ResetBar()
	assert.Equal(t, make([]float64, 4), l.WeightsBar)
	assert.Equal(t, make([]float64, 2), l.BiasBar)
}

func TestEvalTikhAndDiff(t *testing.T) {
	weights := []float64{1, 2}
	bias := []float64{3}
	l, err := New(0, Dense, 2, 1, 1, Tanh, 0.1, 2.0, weights, bias, make([]float64, 2), make([]float64, 1))
	require.NoError(t, err)

	got := l.EvalTikh()
	want := 0.5 * 2.0 * (1*1 + 2*2 + 3*3)
	assert.InDelta(t, want, got, 1e-12)

	l.EvalTikhDiff(1.0)
	assert.InDelta(t, 2.0*1, l.WeightsBar[0], 1e-12)
	assert.InDelta(t, 2.0*2, l.WeightsBar[1], 1e-12)
	assert.InDelta(t, 2.0*3, l.BiasBar[0], 1e-12)
}

// TestDenseResidualForm is testable property 1: state_after - state_before
// == dt * activation(W*state_before + b) for a hidden residual step, and
// dt=0 reduces the step to the identity.
func TestDenseResidualForm(t *testing.T) {
	dimIn, dimOut := 2, 2
	weights := []float64{0.3, -0.2, 0.1, 0.4}
	bias := []float64{0.05, -0.05}

	l, err := New(1, Dense, dimIn, dimOut, dimOut, Tanh, 0.2, 0, append([]float64(nil), weights...), append([]float64(nil), bias...), make([]float64, 4), make([]float64, 2))
	require.NoError(t, err)

	before := []float64{1.0, -0.5}
	row := append([]float64(nil), before...)
	require.NoError(t, l.ApplyForward(row))

	z := matVecPlusBias(weights, before, bias, dimOut, dimIn)
	act := Tanh.forward(z)
	for i := range before {
		want := before[i] + l.Dt*act[i]
		assert.InDelta(t, want, row[i], 1e-12)
	}

	identity, err := New(1, Dense, dimIn, dimOut, dimOut, Tanh, 0, 0, append([]float64(nil), weights...), append([]float64(nil), bias...), make([]float64, 4), make([]float64, 2))
	require.NoError(t, err)
	row2 := append([]float64(nil), before...)
	require.NoError(t, identity.ApplyForward(row2))
	assert.Equal(t, before, row2, "dt=0 must make the residual step the identity")
}

// TestDenseForwardBackwardGradientMatchesFiniteDifference is the
// single-layer analogue of the end-to-end finite-difference scenario
// (spec.md §8 S2): perturbing one weight and re-evaluating the
// residual step's contribution to a scalar loss should match the
// analytic gradient this layer's backward pass produces.
func TestDenseForwardBackwardGradientMatchesFiniteDifference(t *testing.T) {
	dimIn, dimOut := 2, 2
	weights := []float64{0.3, -0.2, 0.1, 0.4}
	bias := []float64{0.05, -0.05}
	x := []float64{1.0, -0.5}

	newLayer := func() *Layer {
		w := append([]float64(nil), weights...)
		b := append([]float64(nil), bias...)
		l, err := New(1, Dense, dimIn, dimOut, dimOut, Tanh, 0.2, 0, w, b, make([]float64, len(w)), make([]float64, len(b)))
		require.NoError(t, err)
		return l
	}

	loss := func(l *Layer) float64 {
		row := append([]float64(nil), x...)
		require.NoError(t, l.ApplyForward(row))
		s := 0.0
		for _, v := range row {
			s += 0.5 * v * v
		}
		return s
	}

	base := newLayer()
	row := append([]float64(nil), x...)
	require.NoError(t, base.ApplyForward(row))
	adjoint := append([]float64(nil), row...) // dL/drow = row, since L = 0.5*sum(row^2)
	require.NoError(t, base.backwardDense(x, adjoint, true))

	const eps = 1e-6
	idx := 0 // perturb weights[0]
	plus := newLayer()
	plus.Weights[idx] += eps
	minus := newLayer()
	minus.Weights[idx] -= eps

	fd := (loss(plus) - loss(minus)) / (2 * eps)
	assert.InDelta(t, fd, base.WeightsBar[idx], 1e-4)
}
