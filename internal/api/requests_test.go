package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gaspardpetit/nfrx-coord/sdk/base/worker"
)

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodPost, "/api/requests", strings.NewReader(body)))
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestPostRequest(t *testing.T) {
	p, _ := startPool(t)
	h := &RequestsHandler{Pool: p, Timeout: time.Second}

	rr := post(h.PostRequest, `{"requestId":"r1","require":{"model":"echo"},"payload":{"n":1}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body)
	}
	var res worker.Result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.RequestID != "r1" || res.WorkerID != "w1" || string(res.Payload) != `{"n":1}` {
		t.Fatalf("result = %+v", res)
	}

	rr = post(h.PostRequest, `{"require":{"model":"other"}}`)
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "no_capacity" {
		t.Fatalf("unmatched model status = %d", rr.Code)
	}

	rr = post(h.PostRequest, `{"require":{"model":"echo"},"payload":"fail"}`)
	if rr.Code != http.StatusBadGateway || errorCode(t, rr) != "worker_error" {
		t.Fatalf("worker error status = %d", rr.Code)
	}

	rr = post(h.PostRequest, `{`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", rr.Code)
	}
}

func TestPostRequestTimeout(t *testing.T) {
	p, _ := startPool(t)
	h := &RequestsHandler{Pool: p, Timeout: 50 * time.Millisecond}
	rr := post(h.PostRequest, `{"require":{"model":"echo"},"payload":"hang"}`)
	if rr.Code != http.StatusGatewayTimeout || errorCode(t, rr) != "timeout" {
		t.Fatalf("status = %d", rr.Code)
	}
	waitFor(t, "capacity release", func() bool { return p.Tracker().Active() == 0 })
}

func TestPostRequestDraining(t *testing.T) {
	p, _ := startPool(t)
	p.Drain("test")
	h := &RequestsHandler{Pool: p}
	rr := post(h.PostRequest, `{"require":{"model":"echo"}}`)
	if rr.Code != http.StatusServiceUnavailable || errorCode(t, rr) != "draining" {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&worker.NoCapacityError{}, http.StatusServiceUnavailable, "no_capacity"},
		{fmt.Errorf("wrap: %w", worker.ErrDraining), http.StatusServiceUnavailable, "draining"},
		{worker.ErrDuplicateRequest, http.StatusConflict, "duplicate_request"},
		{&worker.RequestError{WorkerID: "w", Message: "x"}, http.StatusBadGateway, "worker_error"},
		{worker.ErrWorkerGone, http.StatusBadGateway, "worker_gone"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{context.Canceled, 0, "cancelled"},
		{errors.New("other"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, code := statusFor(tt.err)
		if status != tt.status || code != tt.code {
			t.Fatalf("statusFor(%v) = %d %q; want %d %q", tt.err, status, code, tt.status, tt.code)
		}
	}
}
