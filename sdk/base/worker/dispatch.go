package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/gaspardpetit/nfrx-coord/sdk/base/metrics"
	ctrl "github.com/gaspardpetit/nfrx-coord/sdk/contracts/control"
)

// Requirement narrows the workers eligible for a request. The zero value
// matches every worker.
type Requirement struct {
	Model     string `json:"model,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`
	Vision    bool   `json:"vision,omitempty"`
	Tools     bool   `json:"tools,omitempty"`
}

// Request is a unit of work to route. Payload is forwarded to the worker
// untouched. An empty ID is replaced by a random one.
type Request struct {
	ID      string          `json:"requestId,omitempty"`
	Require Requirement     `json:"require"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Assignment records where a request was sent.
type Assignment struct {
	RequestID  string `json:"requestId"`
	WorkerID   string `json:"workerId"`
	WorkerName string `json:"workerName"`
	SessionID  string `json:"sessionId"`
}

// Matcher decides whether capabilities satisfy a requirement.
type Matcher interface {
	Match(req Requirement, caps ctrl.Capabilities) bool
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(req Requirement, caps ctrl.Capabilities) bool

func (f MatcherFunc) Match(req Requirement, caps ctrl.Capabilities) bool { return f(req, caps) }

// ModelMatcher requires a single model that has the requested id (when set)
// and every requested feature.
type ModelMatcher struct{}

func (ModelMatcher) Match(req Requirement, caps ctrl.Capabilities) bool {
	if req == (Requirement{}) {
		return true
	}
	for _, m := range caps.Models {
		if req.Model != "" && m.ID != req.Model {
			continue
		}
		if (req.Streaming && !m.SupportsStreaming) || (req.Vision && !m.SupportsVision) || (req.Tools && !m.SupportsTools) {
			continue
		}
		return true
	}
	return false
}

// LeastLoaded prefers fewer active requests, then the older connection.
func LeastLoaded(a, b WorkerInfo) bool {
	if a.ActiveRequests != b.ActiveRequests {
		return a.ActiveRequests < b.ActiveRequests
	}
	if !a.ConnectedAt.Equal(b.ConnectedAt) {
		return a.ConnectedAt.Before(b.ConnectedAt)
	}
	return a.ID < b.ID
}

// Dispatcher picks a worker for each request and keeps track of which worker
// holds which request id until it completes.
type Dispatcher struct {
	pool    *Pool
	matcher Matcher
	less    func(a, b WorkerInfo) bool

	mu sync.Mutex
	// nil while a dispatch for the id is still choosing a worker
	inflight map[string]*connectedWorker
}

// Dispatch forwards req to the eligible worker ranked first. It never
// queues: with no eligible worker it returns a *NoCapacityError.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Assignment, error) {
	if err := ctx.Err(); err != nil {
		return Assignment{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	p := d.pool
	if !p.tracker.TryAccept() {
		metrics.RecordDispatch("draining")
		return Assignment{}, ErrDraining
	}
	d.mu.Lock()
	if _, dup := d.inflight[req.ID]; dup {
		d.mu.Unlock()
		p.tracker.Complete()
		metrics.RecordDispatch("duplicate")
		return Assignment{}, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	d.inflight[req.ID] = nil
	d.mu.Unlock()

	exclude := map[*connectedWorker]bool{}
	for {
		if err := ctx.Err(); err != nil {
			d.unreserve(req.ID)
			p.tracker.Complete()
			return Assignment{}, err
		}
		candidates := d.candidates(req.Require, exclude)
		if len(candidates) == 0 {
			d.unreserve(req.ID)
			p.tracker.Complete()
			metrics.RecordDispatch("no_capacity")
			p.logger().Debug().Str("request_id", req.ID).Str("model", req.Require.Model).Msg("no capacity")
			return Assignment{}, &NoCapacityError{Require: req.Require, Registered: p.reg.Len()}
		}
		w := candidates[0]
		if !d.accept(w, req.ID) {
			exclude[w] = true
			continue
		}
		err := w.Send(ctrl.RequestMessage{Type: ctrl.TypeRequest, RequestID: req.ID, Payload: req.Payload})
		if err == nil {
			metrics.RecordDispatch("assigned")
			p.publish()
			p.logger().Debug().Str("request_id", req.ID).Str("worker_id", w.ID).Msg("dispatched")
			return Assignment{RequestID: req.ID, WorkerID: w.ID, WorkerName: w.Name, SessionID: w.SessionID}, nil
		}
		exclude[w] = true
		if !d.rollback(w, req.ID) {
			// release took the request and reports it through OnDisconnected
			metrics.RecordDispatch("worker_gone")
			return Assignment{RequestID: req.ID, WorkerID: w.ID, WorkerName: w.Name, SessionID: w.SessionID}, nil
		}
		p.logger().Warn().Err(err).Str("request_id", req.ID).Str("worker_id", w.ID).Msg("send failed; trying next worker")
		if errors.Is(err, ErrSendQueueFull) {
			metrics.RecordDispatch("queue_full")
		}
	}
}

// candidates returns the eligible workers, best first.
func (d *Dispatcher) candidates(req Requirement, exclude map[*connectedWorker]bool) []*connectedWorker {
	type ranked struct {
		w    *connectedWorker
		info WorkerInfo
	}
	var list []ranked
	for _, w := range d.pool.reg.snapshot() {
		if exclude[w] || w.detached() {
			continue
		}
		info := w.Info()
		if info.Status != StatusAvailable || !d.matcher.Match(req, info.Capabilities) {
			continue
		}
		list = append(list, ranked{w: w, info: info})
	}
	sort.SliceStable(list, func(i, j int) bool { return d.less(list[i].info, list[j].info) })
	out := make([]*connectedWorker, len(list))
	for i, r := range list {
		out[i] = r.w
	}
	return out
}

// accept admits id on w unless w changed since it was ranked.
func (d *Dispatcher) accept(w *connectedWorker, id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.detached() || w.unhealthy || len(w.pending) >= w.caps.MaxConcurrentRequests {
		return false
	}
	if !w.tracker.TryAccept() {
		return false
	}
	w.pending[id] = d.pool.now()
	w.recomputeLocked()
	d.mu.Lock()
	d.inflight[id] = w
	d.mu.Unlock()
	return true
}

// rollback undoes accept. It returns false when release already took the
// request away from w.
func (d *Dispatcher) rollback(w *connectedWorker, id string) bool {
	w.mu.Lock()
	_, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
		w.recomputeLocked()
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	d.mu.Lock()
	if d.inflight[id] == w {
		d.inflight[id] = nil
	}
	d.mu.Unlock()
	w.tracker.Complete()
	return true
}

func (d *Dispatcher) unreserve(id string) {
	d.mu.Lock()
	if w, ok := d.inflight[id]; ok && w == nil {
		delete(d.inflight, id)
	}
	d.mu.Unlock()
}

// forget drops id when it is still held by w.
func (d *Dispatcher) forget(id string, w *connectedWorker) {
	d.mu.Lock()
	if d.inflight[id] == w {
		delete(d.inflight, id)
	}
	d.mu.Unlock()
}

// Complete releases a dispatched request: the id leaves the worker's pending
// set, its tracker is released and the completed counter grows.
func (d *Dispatcher) Complete(requestID string) error {
	return d.complete(requestID, nil, "success")
}

// complete releases requestID. When from is set the request must be held by
// that worker.
func (d *Dispatcher) complete(requestID string, from *connectedWorker, outcome string) error {
	d.mu.Lock()
	w := d.inflight[requestID]
	if w == nil || (from != nil && w != from) {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	delete(d.inflight, requestID)
	d.mu.Unlock()

	w.mu.Lock()
	started, ok := w.pending[requestID]
	if ok {
		delete(w.pending, requestID)
		w.completed++
		w.recomputeLocked()
	}
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	w.tracker.Complete()
	d.pool.tracker.Complete()
	metrics.RecordComplete(outcome, d.pool.now().Sub(started))
	d.pool.publish()
	return nil
}

// cancel asks the worker holding requestID to stop and releases it.
func (d *Dispatcher) cancel(requestID string) {
	d.mu.Lock()
	w := d.inflight[requestID]
	d.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.Send(ctrl.RequestCancelMessage{Type: ctrl.TypeRequestCancel, RequestID: requestID}); err != nil {
		d.pool.logger().Debug().Err(err).Str("request_id", requestID).Msg("cancel not sent")
	}
	_ = d.complete(requestID, w, "cancelled")
}

// Holder returns the id of the worker processing requestID.
func (d *Dispatcher) Holder(requestID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.inflight[requestID]
	if w == nil {
		return "", false
	}
	return w.ID, true
}
