// Package dashboard exposes a small mucks-routed HTTP server with a
// /ws upgrade broadcasting one JSON frame per optimisation iteration
// to any connected viewers. Grounded on
// domains/games/apis/games_ws_backend/hub/hub.go's register/
// unregister/broadcast hub pattern, repurposed here from game state to
// training telemetry, and go/mucks for the router itself.
//
// This is presentation-only: the optimiser loop never blocks on a
// slow or absent viewer. Broadcast is best-effort — a client whose
// send buffer is full simply misses the frame.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rweiss/pintrain/internal/clock"
	"github.com/rweiss/pintrain/internal/mucks"
	"github.com/rweiss/pintrain/internal/optimizer"
	"github.com/rweiss/pintrain/internal/ratelimit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // local operator tool, no untrusted origins
}

// Frame is one broadcast JSON payload: the optimizer.Stats row plus
// the run ID so multiple runs' viewers never mix up iteration numbers.
type Frame struct {
	RunID     string  `json:"runId"`
	Iter      int     `json:"iter"`
	Objective float64 `json:"objective"`
	Loss      float64 `json:"loss"`
	GradNorm  float64 `json:"gradNorm"`
	Stepsize  float64 `json:"stepsize"`
	LSIters   int     `json:"lsIters"`
	TrainAcc  float64 `json:"trainAccuracy"`
	ValAcc    float64 `json:"valAccuracy"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub owns the set of connected dashboard viewers and fans each
// broadcast out to all of them.
type Hub struct {
	runID string

	mu      sync.Mutex
	clients map[*client]bool
}

// NewHub allocates a dashboard hub tagged with runID (spec.md's run
// identity, SPEC_FULL.md §6 ADD).
func NewHub(runID string) *Hub {
	return &Hub{runID: runID, clients: make(map[*client]bool)}
}

// Observe is an optimizer.Optimiser.OnIteration callback: it
// broadcasts one Frame to every connected viewer, best-effort.
func (h *Hub) Observe(s optimizer.Stats) {
	frame := Frame{
		RunID: h.runID, Iter: s.Iter, Objective: s.Objective, Loss: s.Loss,
		GradNorm: s.GradNorm, Stepsize: s.Stepsize, LSIters: s.LSIters,
		TrainAcc: s.TrainAcc, ValAcc: s.ValAcc,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Error("dashboard: failed to marshal iteration frame", "error", err)
		return
	}
	h.broadcast(payload)
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slog.Warn("dashboard: client send buffer full, dropping frame")
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("dashboard: websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 32)}
	h.register(c)
	go h.writePump(c)
}

func (h *Hub) writePump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// Router builds the mucks-routed HTTP handler: /ws for the live feed,
// /status for a one-shot JSON snapshot of the run identity. Every route
// is behind a per-IP token-bucket limiter so one runaway viewer can't
// starve the others or the optimiser process.
func (h *Hub) Router() *mucks.Mucks {
	m := mucks.NewMucks()
	factory := ratelimit.NewTokenBucketFactory(clock.NewSystemUTCClock())
	limiterConfig := &ratelimit.BucketConfig{MaxTokens: 20, RefillRate: 5, OpCost: 1}
	m.Add(ratelimit.NewMiddleware(factory, ratelimit.RemoteIPKeyExtractor{}, limiterConfig))
	m.HandleFunc("/ws", h.serveWs)
	m.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		mucks.JSONOk(w, map[string]string{"runId": h.runID, "instance": uuid.NewString()})
	})
	return m
}
