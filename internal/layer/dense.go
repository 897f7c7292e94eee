package layer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// forwardExpandZero copies the example's dim_in features into the
// first slots of state and zeroes the rest — the opening layer used
// when type_openlayer=replicate.
func (l *Layer) forwardExpandZero(row []float64) error {
	if l.example == nil {
		return fmt.Errorf("layer: OpenExpandZero forward called before SetExample")
	}
	if len(row) < l.DimIn {
		return fmt.Errorf("layer: OpenExpandZero row too small: %d < dim_in %d", len(row), l.DimIn)
	}
	copy(row[:l.DimIn], l.example)
	for i := l.DimIn; i < len(row); i++ {
		row[i] = 0
	}
	return nil
}

func (l *Layer) backwardExpandZero(adjoint []float64) error {
	// Identity on the copied slots; there is no earlier layer to
	// propagate into (this is the t=0 opening layer) and no weights to
	// accumulate into, so this is a no-op beyond validating shape.
	if len(adjoint) != l.DimOut {
		return fmt.Errorf("layer: OpenExpandZero backward adjoint shape mismatch")
	}
	return nil
}

// forwardOpenDense computes state = activation(W*example + b) — no
// residual update, the opening layer replaces the state outright.
func (l *Layer) forwardOpenDense(row []float64) error {
	if l.example == nil {
		return fmt.Errorf("layer: OpenDense forward called before SetExample")
	}
	z := matVecPlusBias(l.Weights, l.example, l.Bias, l.DimOut, l.DimIn)
	act := l.Activation.forward(z)
	if len(row) != l.DimOut {
		return fmt.Errorf("layer: OpenDense row shape mismatch: %d != dim_out %d", len(row), l.DimOut)
	}
	copy(row, act)
	return nil
}

// backwardOpenDense recomputes z=Wx+b and act=activation(z) from the
// primal input x (fetched by the caller from the trajectory) rather
// than from a local cache.
func (l *Layer) backwardOpenDense(x, adjoint []float64, computeGradient bool) error {
	z := matVecPlusBias(l.Weights, x, l.Bias, l.DimOut, l.DimIn)
	act := l.Activation.forward(z)
	fprime := l.Activation.backwardFromPreAct(z, act)
	g := make([]float64, len(adjoint))
	for i := range g {
		g[i] = fprime[i] * adjoint[i]
	}
	if computeGradient {
		accumulateOuter(l.WeightsBar, g, x, l.DimOut, l.DimIn)
		for i, gi := range g {
			l.BiasBar[i] += gi
		}
	}
	// No earlier layer consumes bar_x: the opening layer is the first
	// in time and its input is raw data, not a prior state.
	return nil
}

// forwardDense is the hidden-layer residual step:
// state += dt * activation(W*state + b).
func (l *Layer) forwardDense(row []float64) error {
	if len(row) != l.DimIn || l.DimIn != l.DimOut {
		return fmt.Errorf("layer: Dense requires square state, got row=%d in=%d out=%d", len(row), l.DimIn, l.DimOut)
	}
	x := append([]float64(nil), row...)
	z := matVecPlusBias(l.Weights, x, l.Bias, l.DimOut, l.DimIn)
	act := l.Activation.forward(z)
	for i := range row {
		row[i] += l.Dt * act[i]
	}
	return nil
}

// backwardDense recomputes z=Wx+b and act=activation(z) from the
// primal input x rather than from a local cache (see ApplyBackward).
func (l *Layer) backwardDense(x, adjoint []float64, computeGradient bool) error {
	z := matVecPlusBias(l.Weights, x, l.Bias, l.DimOut, l.DimIn)
	act := l.Activation.forward(z)
	fprime := l.Activation.backwardFromPreAct(z, act)
	g := make([]float64, len(adjoint))
	for i := range g {
		g[i] = l.Dt * fprime[i] * adjoint[i]
	}
	if computeGradient {
		accumulateOuter(l.WeightsBar, g, x, l.DimOut, l.DimIn)
		for i, gi := range g {
			l.BiasBar[i] += gi
		}
	}
	// bar_x = bar_y + dt * W^T (f'(z) ⊙ bar_y): the residual identity
	// term plus the chain-rule contribution through W.
	wtg := matTVec(l.Weights, g, l.DimOut, l.DimIn)
	for i := range adjoint {
		adjoint[i] += wtg[i]
	}
	return nil
}

// matVecPlusBias computes W*x + b where W is stored row-major with
// shape (dimOut, dimIn), via gonum's BLAS-backed mat.Dense/VecDense —
// the same delegation the teacher's utils.Tensor.MatMul makes to
// gonum (go/neuro/utils/tensor.go). mat.NewDense/NewVecDense wrap the
// given slice as their backing array rather than copying it, so this
// costs no allocation beyond the freshly-made output vector.
func matVecPlusBias(w, x, b []float64, dimOut, dimIn int) []float64 {
	wm := mat.NewDense(dimOut, dimIn, w)
	xv := mat.NewVecDense(dimIn, x)
	bv := mat.NewVecDense(dimOut, b)
	out := mat.NewVecDense(dimOut, nil)
	out.MulVec(wm, xv)
	out.AddVec(out, bv)
	return out.RawVector().Data
}

// matTVec computes W^T * g where W has shape (dimOut, dimIn).
func matTVec(w, g []float64, dimOut, dimIn int) []float64 {
	wm := mat.NewDense(dimOut, dimIn, w)
	gv := mat.NewVecDense(dimOut, g)
	out := mat.NewVecDense(dimIn, nil)
	out.MulVec(wm.T(), gv)
	return out.RawVector().Data
}

// accumulateOuter adds outer(g, x) into bar, where bar has shape
// (dimOut, dimIn) row-major. barM aliases bar directly (zero-copy), so
// the in-place Add below writes straight back into the caller's bar
// slice.
func accumulateOuter(bar, g, x []float64, dimOut, dimIn int) {
	barM := mat.NewDense(dimOut, dimIn, bar)
	gv := mat.NewVecDense(dimOut, g)
	xv := mat.NewVecDense(dimIn, x)
	var outer mat.Dense
	outer.Outer(1, gv, xv)
	barM.Add(barM, &outer)
}
