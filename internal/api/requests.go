package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gaspardpetit/nfrx-coord/internal/metrics"
	"github.com/gaspardpetit/nfrx-coord/sdk/base/worker"
)

// RequestsHandler relays requests to workers and waits for the result.
type RequestsHandler struct {
	Pool    *worker.Pool
	Timeout time.Duration
}

// PostRequest dispatches the body as a worker.Request and returns the
// worker's result.
func (h *RequestsHandler) PostRequest(w http.ResponseWriter, r *http.Request) {
	var req worker.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	ctx := r.Context()
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := h.Pool.Call(ctx, req)
	if err != nil {
		status, code := statusFor(err)
		metrics.ObserveCall(code, time.Since(start))
		if status == 0 {
			// client went away
			return
		}
		writeError(w, status, code, err.Error())
		return
	}
	metrics.ObserveCall("success", time.Since(start))
	writeJSON(w, http.StatusOK, res)
}

func statusFor(err error) (int, string) {
	var reqErr *worker.RequestError
	switch {
	case errors.Is(err, worker.ErrNoCapacity):
		return http.StatusServiceUnavailable, "no_capacity"
	case errors.Is(err, worker.ErrDraining):
		return http.StatusServiceUnavailable, "draining"
	case errors.Is(err, worker.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate_request"
	case errors.As(err, &reqErr):
		return http.StatusBadGateway, "worker_error"
	case errors.Is(err, worker.ErrWorkerGone):
		return http.StatusBadGateway, "worker_gone"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return 0, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
