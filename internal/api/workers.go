package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/nfrx-coord/internal/serverstate"
	"github.com/gaspardpetit/nfrx-coord/sdk/base/worker"
)

// WorkersHandler exposes the registry and drain controls.
type WorkersHandler struct {
	Pool   *worker.Pool
	Server *serverstate.Server
}

type drainRequest struct {
	Reason string `json:"reason"`
}

type drainResponse struct {
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

func readReason(r *http.Request) string {
	var body drainRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Reason == "" {
		return "api"
	}
	return body.Reason
}

func (h *WorkersHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Pool.Registry().List())
}

func (h *WorkersHandler) GetWorker(w http.ResponseWriter, r *http.Request) {
	info, ok := h.Pool.Registry().Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_worker", "")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// DrainWorker stops new assignments to one worker.
func (h *WorkersHandler) DrainWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reason := readReason(r)
	if err := h.Pool.DrainWorker(id, reason); err != nil {
		if errors.Is(err, worker.ErrUnknownWorker) {
			writeError(w, http.StatusNotFound, "unknown_worker", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "drain_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, drainResponse{ID: id, Reason: reason})
}

// DrainPool drains the whole server. In-flight requests keep running.
func (h *WorkersHandler) DrainPool(w http.ResponseWriter, r *http.Request) {
	reason := readReason(r)
	if h.Server != nil {
		h.Server.StartDrain()
	}
	h.Pool.Drain(reason)
	writeJSON(w, http.StatusAccepted, h.Pool.State())
}
