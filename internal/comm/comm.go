// Package comm is the message-passing runtime collaborator spec.md §6
// requires: rank, size, point-to-point send/receive, broadcast,
// 1-D scatter, 1-D gather, and all-reduce(sum).
//
// The canonical implementation runs one OS process per worker over a
// real MPI-like transport. Here, since pintrain runs its workers as
// goroutines inside one process (SPEC_FULL.md §1 ADD), Group plays the
// role of the transport: point-to-point Send/Recv are per-(src,dst)
// buffered channels, and the collectives are barrier rendezvous built
// from a shared mutex+condition-variable — the same fan-in/fan-out
// shape the teacher's games_ws_backend hub uses for its
// register/unregister/broadcast channels, here adapted from "hub owns
// clients" to "coordinator owns ranks".
package comm

import (
	"fmt"
	"sync"
)

// Runtime is the per-rank handle into a Group.
type Runtime interface {
	Rank() int
	Size() int
	Send(to int, data []byte) error
	Recv(from int) ([]byte, error)
	Broadcast(root int, data []float64) []float64
	Scatter(root int, data []float64, counts []int) []float64
	Gather(root int, local []float64) []float64
	AllreduceSum(local float64) float64
	AllreduceSumVec(local []float64) []float64
	Barrier()
}

// Group is an in-process collective domain shared by Size() ranks.
type Group struct {
	size int
	mu   sync.Mutex
	cond *sync.Cond

	// point-to-point: pt2pt[from][to] is a buffered channel of frames.
	pt2pt [][]chan []byte

	// each named collective below is guarded by mu/cond and keyed by a
	// generation counter so ranks can reuse the same Group across many
	// optimisation iterations without re-allocating channels.
	barrierGen, barrierArrived int

	reduceGen, reduceArrived int
	reduceBuf                []float64
	reduceResult             float64

	reduceVecGen, reduceVecArrived int
	reduceVecBuf                   [][]float64
	reduceVecResult                []float64

	gatherGen, gatherArrived int
	gatherBuf                [][]float64
	gatherResult             []float64

	scatterGen, scatterArrived int
	scatterInput               []float64
	scatterCounts               []int
	scatterResult               [][]float64

	bcastGen, bcastArrived int
	bcastData              []float64
}

// NewGroup allocates a Group for the given number of ranks and returns
// one Runtime handle per rank, indexed by rank.
func NewGroup(size int) []Runtime {
	g := &Group{size: size}
	g.cond = sync.NewCond(&g.mu)
	g.pt2pt = make([][]chan []byte, size)
	for i := range g.pt2pt {
		g.pt2pt[i] = make([]chan []byte, size)
		for j := range g.pt2pt[i] {
			g.pt2pt[i][j] = make(chan []byte, 4)
		}
	}
	g.reduceBuf = make([]float64, size)
	g.reduceVecBuf = make([][]float64, size)
	g.gatherBuf = make([][]float64, size)
	g.scatterResult = make([][]float64, size)

	rts := make([]Runtime, size)
	for r := 0; r < size; r++ {
		rts[r] = &rank{g: g, rank: r}
	}
	return rts
}

type rank struct {
	g    *Group
	rank int
}

func (r *rank) Rank() int { return r.rank }
func (r *rank) Size() int { return r.g.size }

func (r *rank) Send(to int, data []byte) error {
	if to < 0 || to >= r.g.size {
		return fmt.Errorf("comm: send to out-of-range rank %d", to)
	}
	frame := append([]byte(nil), data...)
	r.g.pt2pt[r.rank][to] <- frame
	return nil
}

func (r *rank) Recv(from int) ([]byte, error) {
	if from < 0 || from >= r.g.size {
		return nil, fmt.Errorf("comm: recv from out-of-range rank %d", from)
	}
	frame := <-r.g.pt2pt[from][r.rank]
	return frame, nil
}

func (r *rank) Barrier() {
	g := r.g
	g.mu.Lock()
	gen := g.barrierGen
	g.barrierArrived++
	if g.barrierArrived == g.size {
		g.barrierArrived = 0
		g.barrierGen++
		g.cond.Broadcast()
	} else {
		for g.barrierGen == gen {
			g.cond.Wait()
		}
	}
	g.mu.Unlock()
}

func (r *rank) AllreduceSum(local float64) float64 {
	g := r.g
	g.mu.Lock()
	gen := g.reduceGen
	g.reduceBuf[r.rank] = local
	g.reduceArrived++
	if g.reduceArrived == g.size {
		sum := 0.0
		for _, v := range g.reduceBuf {
			sum += v
		}
		g.reduceResult = sum
		g.reduceArrived = 0
		g.reduceGen++
		g.cond.Broadcast()
	} else {
		for g.reduceGen == gen {
			g.cond.Wait()
		}
	}
	result := g.reduceResult
	g.mu.Unlock()
	return result
}

func (r *rank) AllreduceSumVec(local []float64) []float64 {
	g := r.g
	g.mu.Lock()
	gen := g.reduceVecGen
	g.reduceVecBuf[r.rank] = local
	g.reduceVecArrived++
	if g.reduceVecArrived == g.size {
		n := 0
		for _, v := range g.reduceVecBuf {
			if len(v) > n {
				n = len(v)
			}
		}
		sum := make([]float64, n)
		for _, v := range g.reduceVecBuf {
			for i, x := range v {
				sum[i] += x
			}
		}
		g.reduceVecResult = sum
		g.reduceVecArrived = 0
		g.reduceVecGen++
		g.cond.Broadcast()
	} else {
		for g.reduceVecGen == gen {
			g.cond.Wait()
		}
	}
	result := g.reduceVecResult
	g.mu.Unlock()
	return result
}

// Gather collects each rank's local slice onto root, in rank order.
// Non-root callers receive nil.
func (r *rank) Gather(root int, local []float64) []float64 {
	g := r.g
	g.mu.Lock()
	gen := g.gatherGen
	g.gatherBuf[r.rank] = local
	g.gatherArrived++
	if g.gatherArrived == g.size {
		var out []float64
		for _, v := range g.gatherBuf {
			out = append(out, v...)
		}
		g.gatherResult = out
		g.gatherArrived = 0
		g.gatherGen++
		g.cond.Broadcast()
	} else {
		for g.gatherGen == gen {
			g.cond.Wait()
		}
	}
	var result []float64
	if r.rank == root {
		result = g.gatherResult
	}
	g.mu.Unlock()
	return result
}

// Scatter splits root's data into len(counts) contiguous chunks and
// distributes chunk i to rank i. Non-root callers pass nil data/counts.
func (r *rank) Scatter(root int, data []float64, counts []int) []float64 {
	g := r.g
	g.mu.Lock()
	gen := g.scatterGen
	if r.rank == root {
		offset := 0
		for i, c := range counts {
			g.scatterResult[i] = data[offset : offset+c]
			offset += c
		}
	}
	g.scatterArrived++
	if g.scatterArrived == g.size {
		g.scatterArrived = 0
		g.scatterGen++
		g.cond.Broadcast()
	} else {
		for g.scatterGen == gen {
			g.cond.Wait()
		}
	}
	result := append([]float64(nil), g.scatterResult[r.rank]...)
	g.mu.Unlock()
	return result
}

// Broadcast distributes root's data to every rank.
func (r *rank) Broadcast(root int, data []float64) []float64 {
	g := r.g
	g.mu.Lock()
	gen := g.bcastGen
	if r.rank == root {
		g.bcastData = data
	}
	g.bcastArrived++
	if g.bcastArrived == g.size {
		g.bcastArrived = 0
		g.bcastGen++
		g.cond.Broadcast()
	} else {
		for g.bcastGen == gen {
			g.cond.Wait()
		}
	}
	result := append([]float64(nil), g.bcastData...)
	g.mu.Unlock()
	return result
}
