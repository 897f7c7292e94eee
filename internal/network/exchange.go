package network

import (
	"fmt"

	"github.com/rweiss/pintrain/internal/comm"
	"github.com/rweiss/pintrain/internal/layer"
)

// CommunicateNeighbours implements spec.md §4.2's ghost exchange: every
// worker except the rightmost sends its rightmost owned layer (header
// + weights + biases) to the right; every worker except the leftmost
// receives one and stores it as LayerLeft, allocating fresh storage
// for the ghost's weights/biases so it owns them independently of the
// sender's design buffer (the "migrated" ownership mode, spec.md §9).
//
// Symmetrically, every worker except the leftmost sends its leftmost
// owned layer to the left, and every worker except the rightmost
// receives LayerRight. Both ghosts are invalidated and replaced every
// call, matching spec.md §5's "ghosts are read-only copies invalidated
// and replaced at the start of every optimisation iteration".
func (n *Network) CommunicateNeighbours(rt comm.Runtime) error {
	rank, size := rt.Rank(), rt.Size()

	if rank < size-1 {
		right := n.Layers[len(n.Layers)-1]
		if err := sendLayer(rt, rank+1, right); err != nil {
			return fmt.Errorf("network: send right ghost from rank %d: %w", rank, err)
		}
	}
	if rank > 0 {
		g, err := recvLayer(rt, rank-1)
		if err != nil {
			return fmt.Errorf("network: recv left ghost at rank %d: %w", rank, err)
		}
		n.LayerLeft = g
	} else {
		n.LayerLeft = nil
	}

	if rank > 0 {
		left := n.Layers[0]
		if err := sendLayer(rt, rank-1, left); err != nil {
			return fmt.Errorf("network: send left ghost from rank %d: %w", rank, err)
		}
	}
	if rank < size-1 {
		g, err := recvLayer(rt, rank+1)
		if err != nil {
			return fmt.Errorf("network: recv right ghost at rank %d: %w", rank, err)
		}
		n.LayerRight = g
	} else {
		n.LayerRight = nil
	}
	return nil
}

func sendLayer(rt comm.Runtime, to int, l *layer.Layer) error {
	buf := layer.EncodeHeader(l.Header())
	buf = layer.EncodeWeightsAndBias(buf, l)
	return rt.Send(to, buf)
}

func recvLayer(rt comm.Runtime, from int) (*layer.Layer, error) {
	buf, err := rt.Recv(from)
	if err != nil {
		return nil, err
	}
	h := layer.DecodeHeader(buf)
	weights, bias := layer.DecodeWeightsAndBias(buf[layer.HeaderSize:], h.NDesign-h.DimBias, h.DimBias)
	g := layer.NewGhost(h)
	copy(g.Weights, weights)
	copy(g.Bias, bias)
	return g, nil
}
