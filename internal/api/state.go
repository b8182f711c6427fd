package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gaspardpetit/nfrx-coord/internal/serverstate"
	"github.com/gaspardpetit/nfrx-coord/sdk/base/worker"
)

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Server serverstate.State `json:"server"`
	Pool   worker.PoolState  `json:"pool"`
}

// StateHandler serves state snapshots and streams.
type StateHandler struct {
	Pool   *worker.Pool
	Server *serverstate.Server
	// Interval between streamed snapshots. Defaults to 2s.
	Interval time.Duration
}

func (h *StateHandler) snapshot() StateResponse {
	resp := StateResponse{Pool: h.Pool.State()}
	if h.Server != nil {
		resp.Server = h.Server.Load()
	}
	return resp
}

// GetState returns a JSON snapshot of the server and pool.
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

// GetStateStream streams state snapshots as Server-Sent Events.
func (h *StateHandler) GetStateStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	interval := h.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	write := func() bool {
		b, _ := json.Marshal(h.snapshot())
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(b); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !write() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !write() {
				return
			}
		}
	}
}
