// Package network implements the time-distributed network
// representation: the contiguous slab of layers owned by one worker,
// their shared design/gradient buffers, and the ghost-layer exchange
// that keeps worker boundaries consistent.
package network

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/rweiss/pintrain/internal/layer"
)

// OpenKind selects the opening-layer forward contract: replicate
// (OpenExpandZero, zero-pad) or activate (OpenDense, affine+activation).
type OpenKind int

const (
	OpenReplicate OpenKind = iota
	OpenActivate
)

// NetworkType selects hidden-layer shape: dense or convolutional.
type NetworkType int

const (
	TypeDense NetworkType = iota
	TypeConvolutional
)

// Config holds the hyperparameters Network construction needs — the
// subset of spec.md §6's recognised config keys that shape the layer
// stack, independent of which worker owns which slice.
type Config struct {
	GlobalLayers int
	NFeatures    int
	NClasses     int
	NChannels    int
	T            float64
	Activation   layer.Activation
	NetworkType  NetworkType
	OpenKind     OpenKind
	GammaTik     float64
	GammaDdt     float64
	GammaClass   float64
	NConv        int // only used when NetworkType == TypeConvolutional
}

func (c Config) dt() float64 {
	if c.GlobalLayers <= 2 {
		return 0
	}
	return c.T / float64(c.GlobalLayers-2)
}

// Network owns layers with start_id <= index <= end_id.
type Network struct {
	cfg      Config
	StartID  int
	EndID    int
	Design   []float64
	Gradient []float64
	Layers   []*layer.Layer // ordered by index, StartID..EndID inclusive

	LayerLeft  *layer.Layer // ghost: copy of left neighbour's rightmost owned layer
	LayerRight *layer.Layer // ghost: copy of right neighbour's leftmost owned layer
}

// New constructs the layers this worker owns (opening at index 0,
// classification at globalLayers-1, hidden/conv otherwise), allocates
// one contiguous design buffer and one gradient buffer sized to the
// sum of owned layers' design counts, and wires each layer's
// weight/bias slices into those buffers.
func New(cfg Config, startID, endID int) (*Network, error) {
	if startID < 0 || endID < startID || endID >= cfg.GlobalLayers {
		return nil, fmt.Errorf("network: invalid owned range [%d,%d] for %d global layers", startID, endID, cfg.GlobalLayers)
	}
	if cfg.NetworkType == TypeConvolutional && cfg.NConv <= 0 {
		return nil, fmt.Errorf("network: convolutional network_type requires nconv > 0")
	}

	n := &Network{cfg: cfg, StartID: startID, EndID: endID}
	dt := cfg.dt()

	// First pass: compute each owned layer's shape/n_design, without
	// allocating backing storage, so we know the total buffer size.
	type shape struct {
		kind              layer.Kind
		dimIn, dimOut, db int
	}
	shapes := make([]shape, 0, endID-startID+1)
	total := 0
	for idx := startID; idx <= endID; idx++ {
		s, err := layerShape(cfg, idx)
		if err != nil {
			return nil, err
		}
		shapes = append(shapes, shape{s.kind, s.dimIn, s.dimOut, s.db})
		total += weightsLen(s.kind, s.dimIn, s.dimOut) + s.db
	}

	n.Design = make([]float64, total)
	n.Gradient = make([]float64, total)

	offset := 0
	for i, idx := range seq(startID, endID) {
		s := shapes[i]
		wl := weightsLen(s.kind, s.dimIn, s.dimOut)
		nd := wl + s.db
		weights := n.Design[offset : offset+wl]
		bias := n.Design[offset+wl : offset+nd]
		weightsBar := n.Gradient[offset : offset+wl]
		biasBar := n.Gradient[offset+wl : offset+nd]
		gamma := cfg.GammaTik
		if idx == cfg.GlobalLayers-1 {
			gamma = cfg.GammaClass
		}
		l, err := layer.New(idx, s.kind, s.dimIn, s.dimOut, s.db, cfg.Activation, dt, gamma, weights, bias, weightsBar, biasBar)
		if err != nil {
			return nil, err
		}
		l.GammaDdt = cfg.GammaDdt
		if s.kind == layer.Conv {
			l.NConv = cfg.NConv
		}
		n.Layers = append(n.Layers, l)
		offset += nd
	}
	return n, nil
}

func seq(start, end int) []int {
	out := make([]int, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, i)
	}
	return out
}

type layerKindShape struct {
	kind           layer.Kind
	dimIn, dimOut  int
	db             int
}

// weightsLen returns how many n.Design/n.Gradient entries a layer's
// weights occupy. OpenExpandZero has no design variables at all — its
// forward/backward contract never reads or writes Weights/Bias, just
// copies the raw example into the state and zero-pads the remainder —
// so, per spec.md §3 and the original OpenExpandZero constructor's
// explicit `ndesign = 0`, it contributes nothing to the design buffer
// even though dimIn/dimOut (still NFeatures/NChannels) stay real for
// shape validation in forwardExpandZero/backwardExpandZero.
func weightsLen(kind layer.Kind, dimIn, dimOut int) int {
	if kind == layer.OpenExpandZero {
		return 0
	}
	return dimIn * dimOut
}

func layerShape(cfg Config, idx int) (layerKindShape, error) {
	switch {
	case idx == 0:
		if cfg.OpenKind == OpenReplicate {
			return layerKindShape{layer.OpenExpandZero, cfg.NFeatures, cfg.NChannels, 0}, nil
		}
		return layerKindShape{layer.OpenDense, cfg.NFeatures, cfg.NChannels, cfg.NChannels}, nil
	case idx == cfg.GlobalLayers-1:
		return layerKindShape{layer.Classification, cfg.NChannels, cfg.NClasses, cfg.NClasses}, nil
	default:
		if cfg.NetworkType == TypeConvolutional {
			return layerKindShape{layer.Conv, cfg.NChannels, cfg.NChannels, cfg.NConv}, nil
		}
		return layerKindShape{layer.Dense, cfg.NChannels, cfg.NChannels, cfg.NChannels}, nil
	}
}

// GetLayer returns the owned layer or ghost whose index matches, or
// nil if this worker has no knowledge of that index.
func (n *Network) GetLayer(index int) *layer.Layer {
	if index >= n.StartID && index <= n.EndID {
		return n.Layers[index-n.StartID]
	}
	if n.LayerLeft != nil && n.LayerLeft.Index == index {
		return n.LayerLeft
	}
	if n.LayerRight != nil && n.LayerRight.Index == index {
		return n.LayerRight
	}
	return nil
}

// Initialise fills owned design entries with scaled uniform random
// values and zeroes the gradient buffer.
func (n *Network) Initialise(seed int64, weightInit, weightOpenInit, weightClassInit float64) {
	r := rand.New(rand.NewSource(seed))
	for _, l := range n.Layers {
		scale := weightInit
		if l.Index == 0 {
			scale = weightOpenInit
		} else if l.Kind == layer.Classification {
			scale = weightClassInit
		}
		for i := range l.Weights {
			l.Weights[i] = scale * (2*r.Float64() - 1)
		}
		for i := range l.Bias {
			l.Bias[i] = 0
		}
	}
	for i := range n.Gradient {
		n.Gradient[i] = 0
	}
}

// EvalRegulDdt computes the time-derivative regularisation
// (gamma_ddt/2) * sum(((curr.W - prev.W)/dt)^2) between two adjacent
// hidden layers of matching shape.
func EvalRegulDdt(prev, curr *layer.Layer) (float64, error) {
	if len(prev.Weights) != len(curr.Weights) || len(prev.Bias) != len(curr.Bias) {
		return 0, fmt.Errorf("network: eval_regul_ddt dimension mismatch between layer %d and %d", prev.Index, curr.Index)
	}
	if curr.Dt == 0 {
		return 0, fmt.Errorf("network: eval_regul_ddt called with dt=0")
	}
	sum := 0.0
	invDt := 1.0 / curr.Dt
	for i := range prev.Weights {
		d := (curr.Weights[i] - prev.Weights[i]) * invDt
		sum += d * d
	}
	for i := range prev.Bias {
		d := (curr.Bias[i] - prev.Bias[i]) * invDt
		sum += d * d
	}
	return 0.5 * curr.GammaDdt * sum, nil
}

// EvalRegulDdtDiff accumulates the symmetric derivative contributions
// of EvalRegulDdt into both layers' bars.
func EvalRegulDdtDiff(prev, curr *layer.Layer) error {
	if len(prev.Weights) != len(curr.Weights) || len(prev.Bias) != len(curr.Bias) {
		return fmt.Errorf("network: eval_regul_ddt_diff dimension mismatch between layer %d and %d", prev.Index, curr.Index)
	}
	if curr.Dt == 0 {
		return fmt.Errorf("network: eval_regul_ddt_diff called with dt=0")
	}
	factor := curr.GammaDdt / (curr.Dt * curr.Dt)
	for i := range prev.Weights {
		d := curr.Weights[i] - prev.Weights[i]
		curr.WeightsBar[i] += factor * d
		prev.WeightsBar[i] -= factor * d
	}
	for i := range prev.Bias {
		d := curr.Bias[i] - prev.Bias[i]
		curr.BiasBar[i] += factor * d
		prev.BiasBar[i] -= factor * d
	}
	return nil
}

// ResetGradient zeroes the network-wide gradient buffer and every
// owned layer's bar (layer bars alias into it for owned layers, so
// this is the per-iteration discipline spec.md §5 requires happen
// exactly once, driven from here at the start of an iteration).
func (n *Network) ResetGradient() {
	for i := range n.Gradient {
		n.Gradient[i] = 0
	}
}

// finite guards against non-finite design/gradient values slipping
// through an iteration undetected (spec.md §7: arithmetic
// non-finiteness is not explicitly detected by the driver, but
// implementations are encouraged to check and abort).
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// CheckFinite reports the first non-finite entry found in the design
// or gradient buffers, if any.
func (n *Network) CheckFinite() error {
	for i, v := range n.Design {
		if !finite(v) {
			return fmt.Errorf("network: design[%d] is not finite (%v)", i, v)
		}
	}
	for i, v := range n.Gradient {
		if !finite(v) {
			return fmt.Errorf("network: gradient[%d] is not finite (%v)", i, v)
		}
	}
	return nil
}
