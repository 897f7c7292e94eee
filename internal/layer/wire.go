package layer

import (
	"encoding/binary"
	"math"
)

const headerReals = 8

// HeaderSize is the byte length of a serialised Header: eight float64
// reals, always little-endian whatever the host byte order.
const HeaderSize = headerReals * 8

// EncodeHeader writes the eight-real fixed header described in spec §6.
func EncodeHeader(h Header) []byte {
	vals := [headerReals]float64{
		float64(h.Kind),
		float64(h.Index),
		float64(h.DimIn),
		float64(h.DimOut),
		float64(h.DimBias),
		float64(h.ActivationKind),
		float64(h.NDesign),
		h.Gamma,
	}
	buf := make([]byte, HeaderSize)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:(i+1)*8], math.Float64bits(v))
	}
	return buf
}

// DecodeHeader reads back a Header written by EncodeHeader.
func DecodeHeader(buf []byte) Header {
	var vals [headerReals]float64
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8 : (i+1)*8]))
	}
	return Header{
		Kind:           Kind(int(vals[0])),
		Index:          int(vals[1]),
		DimIn:          int(vals[2]),
		DimOut:         int(vals[3]),
		DimBias:        int(vals[4]),
		ActivationKind: Activation(int(vals[5])),
		NDesign:        int(vals[6]),
		Gamma:          vals[7],
	}
}

// EncodeWeightsAndBias appends a layer's weights then biases (never
// their bar counterparts — adjoint bars are strictly local gradient
// accumulators and are never migrated) to buf.
func EncodeWeightsAndBias(buf []byte, l *Layer) []byte {
	buf = appendFloats(buf, l.Weights)
	buf = appendFloats(buf, l.Bias)
	return buf
}

func appendFloats(buf []byte, vals []float64) []byte {
	for _, v := range vals {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		buf = append(buf, b[:]...)
	}
	return buf
}

// DecodeWeightsAndBias reads nWeights then nBias reals starting at buf[0].
func DecodeWeightsAndBias(buf []byte, nWeights, nBias int) (weights, bias []float64) {
	weights = make([]float64, nWeights)
	for i := range weights {
		weights[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8 : (i+1)*8]))
	}
	off := nWeights * 8
	bias = make([]float64, nBias)
	for i := range bias {
		bias[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off+i*8 : off+(i+1)*8]))
	}
	return weights, bias
}
