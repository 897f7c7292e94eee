// Package layer implements one discrete time step's operator in the
// residual-network-as-ODE view: the five layer kinds (OpenExpandZero,
// OpenDense, Dense, Conv, Classification), their forward/backward
// contracts, and the regularisation terms the optimiser needs.
//
// A Layer carries no mutable state other than its buffer contents and
// Dt (set by the time integrator before each step) — the activation and
// layer kind are tagged variants fixed at construction, replacing the
// inheritance hierarchy a language with virtual dispatch would reach
// for here.
package layer

import "fmt"

// Kind tags which forward/backward contract a Layer implements. The
// wire header's kind field (see Header) selects the constructor on
// unpack.
type Kind int

const (
	OpenExpandZero Kind = iota
	OpenDense
	Dense
	Conv
	Classification
)

func (k Kind) String() string {
	switch k {
	case OpenExpandZero:
		return "OpenExpandZero"
	case OpenDense:
		return "OpenDense"
	case Dense:
		return "Dense"
	case Conv:
		return "Conv"
	case Classification:
		return "Classification"
	default:
		return "unknown"
	}
}

// Header is the fixed-width wire record exchanged during ghost-layer
// and migration transfers: {kind, index, dim_in, dim_out, dim_bias,
// activation_kind, n_design, gamma}.
type Header struct {
	Kind           Kind
	Index          int
	DimIn          int
	DimOut         int
	DimBias        int
	ActivationKind Activation
	NDesign        int
	Gamma          float64
}

// Layer is one time step's operator: weights/biases, their adjoint
// ("bar") companions, and the fixed-at-construction shape/kind tags.
type Layer struct {
	Index          int
	Kind           Kind
	Activation     Activation
	DimIn, DimOut  int
	DimBias        int
	Dt             float64
	Gamma          float64
	GammaDdt       float64 // only meaningful for hidden layers, used by Network.eval_regul_ddt
	Weights        []float64
	Bias           []float64
	WeightsBar     []float64
	BiasBar        []float64
	Owned          bool // false => this Layer owns its own storage (a migrated ghost)

	// Conv-only spatial shape. NConv*Height*Width must equal DimIn (==DimOut).
	NConv, Height, Width int

	example []float64 // bound by SetExample, consumed by the next ApplyForward
}

// NDesign returns dim_in*dim_out + dim_bias, the invariant from spec §3.
func NDesign(dimIn, dimOut, dimBias int) int {
	return dimIn*dimOut + dimBias
}

// New constructs a layer of the given kind with weights/bias/their bars
// all aliasing the provided slices (design-buffer and gradient-buffer
// views, respectively) — the normal, owned case, per spec.md §3's
// invariant that weights and weights_bar are aliased views into the
// network-wide design and gradient buffers. Ghost/migrated layers are
// built with NewGhost instead, which always allocates its own storage.
func New(index int, kind Kind, dimIn, dimOut, dimBias int, act Activation, dt, gamma float64, weights, bias, weightsBar, biasBar []float64) (*Layer, error) {
	if err := validateShape(kind, dimIn, dimOut, dimBias); err != nil {
		return nil, err
	}
	l := &Layer{
		Index:      index,
		Kind:       kind,
		Activation: act,
		DimIn:      dimIn,
		DimOut:     dimOut,
		DimBias:    dimBias,
		Dt:         dt,
		Gamma:      gamma,
		Weights:    weights,
		Bias:       bias,
		WeightsBar: weightsBar,
		BiasBar:    biasBar,
		Owned:      true,
	}
	if kind == Conv {
		l.NConv = dimBias
		hw := dimIn / l.NConv
		side := isqrt(hw)
		l.Height, l.Width = side, side
	}
	return l, nil
}

// NewGhost constructs a migrated copy that owns its own weight/bias
// storage independent of any Network design buffer — the "migrated"
// ownership mode from spec §9.
func NewGhost(h Header) *Layer {
	l := &Layer{
		Index:      h.Index,
		Kind:       h.Kind,
		Activation: h.ActivationKind,
		DimIn:      h.DimIn,
		DimOut:     h.DimOut,
		DimBias:    h.DimBias,
		Gamma:      h.Gamma,
		Weights:    make([]float64, h.DimIn*h.DimOut),
		Bias:       make([]float64, h.DimBias),
		Owned:      false,
	}
	l.WeightsBar = make([]float64, len(l.Weights))
	l.BiasBar = make([]float64, len(l.Bias))
	if h.Kind == Conv && h.DimBias > 0 {
		l.NConv = h.DimBias
		hw := h.DimIn / l.NConv
		side := isqrt(hw)
		l.Height, l.Width = side, side
	}
	return l
}

func isqrt(n int) int {
	if n <= 0 {
		return 0
	}
	r := 1
	for r*r < n {
		r++
	}
	return r
}

func validateShape(kind Kind, dimIn, dimOut, dimBias int) error {
	if dimIn < 0 || dimOut < 0 || dimBias < 0 {
		return fmt.Errorf("layer: negative dimension (in=%d out=%d bias=%d)", dimIn, dimOut, dimBias)
	}
	if kind == Classification && dimIn < dimOut {
		return fmt.Errorf("layer: classification requires dim_in >= dim_out, got in=%d out=%d", dimIn, dimOut)
	}
	return nil
}

// Header returns this layer's wire header. OpenExpandZero reports
// n_design=0 regardless of dim_in/dim_out — it has no design
// variables (see weightsLen in internal/network) — even though those dims stay
// real for the forward/backward shape contract.
func (l *Layer) Header() Header {
	nd := NDesign(l.DimIn, l.DimOut, l.DimBias)
	if l.Kind == OpenExpandZero {
		nd = 0
	}
	return Header{
		Kind:           l.Kind,
		Index:          l.Index,
		DimIn:          l.DimIn,
		DimOut:         l.DimOut,
		DimBias:        l.DimBias,
		ActivationKind: l.Activation,
		NDesign:        nd,
		Gamma:          l.Gamma,
	}
}

// SetExample binds the next ApplyForward call to a specific example's
// raw feature vector. Only meaningful for opening layers.
func (l *Layer) SetExample(features []float64) {
	l.example = features
}

// ResetBar zeros this layer's gradient accumulators. Must be called
// exactly once per optimisation iteration, at the first finest-level
// reverse-pass visit (spec §4.3's key invariant).
func (l *Layer) ResetBar() {
	for i := range l.WeightsBar {
		l.WeightsBar[i] = 0
	}
	for i := range l.BiasBar {
		l.BiasBar[i] = 0
	}
}

// ApplyForward performs the in-place update of one example's channel
// row at this time index, per the contract in spec §4.1.
func (l *Layer) ApplyForward(row []float64) error {
	switch l.Kind {
	case OpenExpandZero:
		return l.forwardExpandZero(row)
	case OpenDense:
		return l.forwardOpenDense(row)
	case Dense:
		return l.forwardDense(row)
	case Conv:
		return l.forwardConv(row)
	case Classification:
		return l.forwardClassification(row)
	default:
		return fmt.Errorf("layer: unknown kind %v", l.Kind)
	}
}

// ApplyBackward is the reverse-mode pass. adjoint is in/out: on entry
// the adjoint wrt the next-time state, on exit the adjoint wrt the
// current-time state. x is this layer's forward-pass input for the
// example being processed, fetched by the caller from the primal
// trajectory rather than cached locally (a Layer is shared across all
// examples at its time index, so it cannot itself retain a per-example
// cache). When computeGradient is true, WeightsBar/BiasBar accumulate
// this layer's contribution (the caller must have called ResetBar
// earlier this iteration, at most once).
func (l *Layer) ApplyBackward(x, adjoint []float64, computeGradient bool) error {
	switch l.Kind {
	case OpenExpandZero:
		return l.backwardExpandZero(adjoint)
	case OpenDense:
		return l.backwardOpenDense(x, adjoint, computeGradient)
	case Dense:
		return l.backwardDense(x, adjoint, computeGradient)
	case Conv:
		return l.backwardConv(x, adjoint, computeGradient)
	case Classification:
		return fmt.Errorf("layer: classification backward must go through ApplyClassificationBackward")
	default:
		return fmt.Errorf("layer: unknown kind %v", l.Kind)
	}
}

// EvalTikh returns (gamma/2)*(||W||^2 + ||b||^2).
func (l *Layer) EvalTikh() float64 {
	sum := 0.0
	for _, w := range l.Weights {
		sum += w * w
	}
	for _, b := range l.Bias {
		sum += b * b
	}
	return 0.5 * l.Gamma * sum
}

// EvalTikhDiff accumulates gamma*scale*W (resp. B) into the bars.
func (l *Layer) EvalTikhDiff(scale float64) {
	factor := l.Gamma * scale
	for i, w := range l.Weights {
		l.WeightsBar[i] += factor * w
	}
	for i, b := range l.Bias {
		l.BiasBar[i] += factor * b
	}
}
