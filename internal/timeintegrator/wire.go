package timeintegrator

import (
	"encoding/binary"
	"math"

	"github.com/rweiss/pintrain/internal/tensor"
)

func putFloat(buf []byte, v float64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	return append(buf, b[:]...)
}

func getFloat(buf []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+8]))
}

// packMatrix writes rows, cols, then the row-major data.
func packMatrix(buf []byte, m *tensor.Matrix) []byte {
	buf = putFloat(buf, float64(m.Rows))
	buf = putFloat(buf, float64(m.Cols))
	for _, v := range m.Data {
		buf = putFloat(buf, v)
	}
	return buf
}

// unpackMatrix reads a matrix written by packMatrix and returns it
// alongside the number of bytes consumed.
func unpackMatrix(buf []byte) (*tensor.Matrix, int) {
	rows := int(getFloat(buf, 0))
	cols := int(getFloat(buf, 8))
	off := 16
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = getFloat(buf, off+i*8)
	}
	return &tensor.Matrix{Rows: rows, Cols: cols, Data: data}, off + len(data)*8
}

func matrixBufSize(rows, cols int) int {
	return 16 + rows*cols*8
}
