package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	ctrl "github.com/gaspardpetit/nfrx-coord/sdk/contracts/control"
)

// Result is a worker's answer to a relayed request.
type Result struct {
	RequestID string            `json:"requestId"`
	WorkerID  string            `json:"workerId"`
	Chunks    []json.RawMessage `json:"chunks,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
}

type outcome struct {
	res *Result
	err error
}

type waiter struct {
	chunks []json.RawMessage
	ch     chan outcome
}

// relay matches worker replies to callers blocked in Pool.Call.
type relay struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newRelay() *relay { return &relay{waiters: make(map[string]*waiter)} }

func (r *relay) add(id string) (*waiter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.waiters[id]; ok {
		return nil, false
	}
	wt := &waiter{ch: make(chan outcome, 1)}
	r.waiters[id] = wt
	return wt, true
}

func (r *relay) remove(id string) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

func (r *relay) chunk(env ctrl.Envelope) {
	var m ctrl.RequestChunkMessage
	if err := env.Into(&m); err != nil {
		return
	}
	r.mu.Lock()
	if wt, ok := r.waiters[env.RequestID]; ok {
		wt.chunks = append(wt.chunks, m.Payload)
	}
	r.mu.Unlock()
}

func (r *relay) deliver(workerID string, env ctrl.Envelope) {
	r.mu.Lock()
	wt, ok := r.waiters[env.RequestID]
	if ok {
		delete(r.waiters, env.RequestID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	switch env.Type {
	case ctrl.TypeRequestComplete:
		var m ctrl.RequestCompleteMessage
		if err := env.Into(&m); err != nil {
			wt.ch <- outcome{err: fmt.Errorf("decode %s: %w", env.Type, err)}
			return
		}
		wt.ch <- outcome{res: &Result{RequestID: env.RequestID, WorkerID: workerID, Chunks: wt.chunks, Payload: m.Payload}}
	case ctrl.TypeRequestError:
		var m ctrl.RequestErrorMessage
		_ = env.Into(&m)
		wt.ch <- outcome{err: &RequestError{WorkerID: workerID, Code: m.Code, Message: m.Error}}
	}
}

func (r *relay) fail(id string) {
	r.mu.Lock()
	wt, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
	}
	r.mu.Unlock()
	if ok {
		wt.ch <- outcome{err: ErrWorkerGone}
	}
}

// Call dispatches req and waits for the worker's completion or error frame.
// Chunks sent before completion are collected into the result. When ctx ends
// first the worker is told to cancel and the request is released.
func (p *Pool) Call(ctx context.Context, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	wt, ok := p.relay.add(req.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	defer p.relay.remove(req.ID)
	if _, err := p.Dispatch(ctx, req); err != nil {
		return nil, err
	}
	select {
	case out := <-wt.ch:
		return out.res, out.err
	case <-ctx.Done():
		p.dispatcher.cancel(req.ID)
		return nil, ctx.Err()
	}
}
