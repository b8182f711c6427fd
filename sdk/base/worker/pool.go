package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/nfrx-coord/core/logx"
	"github.com/gaspardpetit/nfrx-coord/sdk/base/inflight"
	"github.com/gaspardpetit/nfrx-coord/sdk/base/metrics"
	ctrl "github.com/gaspardpetit/nfrx-coord/sdk/contracts/control"
)

// Disconnect reasons.
const (
	ReasonClosed           = "closed"
	ReasonReplaced         = "replaced"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonWriteError       = "write_error"
	ReasonShutdown         = "shutdown"
)

// Pool owns the worker registry and every component that reads or mutates
// it. Several pools can coexist in one process.
type Pool struct {
	opts       Options
	reg        *Registry
	events     *Events
	tracker    *inflight.Tracker
	dispatcher *Dispatcher
	monitor    *Monitor
	relay      *relay
	authToken  atomic.Value
}

// NewPool constructs a pool. Call Run to start the heartbeat monitor and
// mount Handler on the worker connect path.
func NewPool(opts Options) *Pool {
	opts = opts.withDefaults()
	p := &Pool{
		opts:    opts,
		reg:     NewRegistry(),
		tracker: inflight.New(ScopePool),
		relay:   newRelay(),
	}
	p.authToken.Store(opts.AuthToken)
	p.events = newEvents(p.logger)
	p.dispatcher = &Dispatcher{pool: p, matcher: opts.Matcher, less: opts.Less, inflight: make(map[string]*connectedWorker)}
	p.monitor = &Monitor{pool: p, interval: opts.HealthCheckInterval, timeout: opts.HeartbeatTimeout}
	p.tracker.On(inflight.EventDraining, func(reason string) { p.events.emitDraining(ScopePool, reason) })
	p.tracker.On(inflight.EventDrained, func(string) { p.events.emitDrained(ScopePool) })
	p.setStatus("not_ready")
	return p
}

func (p *Pool) logger() *zerolog.Logger {
	if p.opts.Logger != nil {
		return p.opts.Logger
	}
	return &logx.Log
}

func (p *Pool) now() time.Time { return p.opts.Now() }

func (p *Pool) Registry() *Registry        { return p.reg }
func (p *Pool) Events() *Events            { return p.events }
func (p *Pool) Dispatcher() *Dispatcher    { return p.dispatcher }
func (p *Pool) Monitor() *Monitor          { return p.monitor }
func (p *Pool) Tracker() *inflight.Tracker { return p.tracker }
func (p *Pool) Options() Options           { return p.opts }

// SetAuthToken replaces the pre-shared worker token. Existing connections
// are not affected.
func (p *Pool) SetAuthToken(tok string) { p.authToken.Store(tok) }

func (p *Pool) currentAuthToken() string {
	s, _ := p.authToken.Load().(string)
	return s
}

// Dispatch selects a worker for req and forwards it.
func (p *Pool) Dispatch(ctx context.Context, req Request) (Assignment, error) {
	return p.dispatcher.Dispatch(ctx, req)
}

// Complete releases a dispatched request on behalf of the caller.
func (p *Pool) Complete(requestID string) error {
	return p.dispatcher.Complete(requestID)
}

// Run runs the heartbeat monitor until ctx is done.
func (p *Pool) Run(ctx context.Context) { p.monitor.Run(ctx) }

// Draining reports whether the whole pool stopped accepting work.
func (p *Pool) Draining() bool { return p.tracker.Draining() }

// Drain stops admission pool-wide and drains every registered worker.
// Requests already dispatched keep running; the pool reports "drained" once
// the last one completes or its worker goes away.
func (p *Pool) Drain(reason string) {
	if !p.tracker.StartDraining(reason) {
		return
	}
	p.logger().Info().Str("reason", reason).Int("inflight", p.tracker.Active()).Msg("draining pool")
	p.setStatus("draining")
	for _, w := range p.reg.snapshot() {
		p.drainWorker(w, reason)
	}
	p.publish()
}

// DrainWorker stops routing new work to one worker. It keeps serving its
// pending requests. There is no way to undo a drain.
func (p *Pool) DrainWorker(id, reason string) error {
	w := p.reg.lookup(id)
	if w == nil {
		return ErrUnknownWorker
	}
	p.drainWorker(w, reason)
	p.publish()
	return nil
}

func (p *Pool) drainWorker(w *connectedWorker, reason string) {
	if !w.tracker.StartDraining(reason) {
		return
	}
	w.mu.Lock()
	w.recomputeLocked()
	w.mu.Unlock()
	if err := w.Send(ctrl.DrainMessage{Type: ctrl.TypeDrain, Reason: reason}); err != nil {
		p.logger().Debug().Err(err).Str("worker_id", w.ID).Msg("drain notice not sent")
	}
	p.logger().Info().Str("worker_id", w.ID).Str("worker_name", w.Name).Str("reason", reason).Msg("draining worker")
}

// admit makes a freshly handshaken worker visible to the dispatcher. A live
// connection with the same id is closed and reported as disconnected first.
// It reports false when w was released before it could be registered.
func (p *Pool) admit(w *connectedWorker) bool {
	w.tracker.On(inflight.EventDraining, func(reason string) { p.events.emitDraining(WorkerScope(w.ID), reason) })
	w.tracker.On(inflight.EventDrained, func(string) { p.events.emitDrained(WorkerScope(w.ID)) })

	if old := p.reg.swap(w); old != nil {
		p.logger().Warn().Str("worker_id", w.ID).Str("old_session", old.SessionID).Str("session_id", w.SessionID).Msg("duplicate registration; closing previous connection")
		p.release(old, ReasonReplaced, false)
	}
	if w.detached() {
		// release ran before the swap and could not remove it
		p.reg.removeIf(w)
		if p.reg.Len() == 0 {
			p.setStatus("not_ready")
		}
		p.publish()
		p.logger().Debug().Str("worker_id", w.ID).Str("session_id", w.SessionID).Msg("connection lost during registration")
		return false
	}
	if p.Draining() {
		p.drainWorker(w, p.tracker.Reason())
	}
	metrics.RecordRegistration("success")
	p.setStatus("ready")
	p.publish()
	info := w.Info()
	p.logger().Info().Str("worker_id", info.ID).Str("worker_name", info.Name).Str("session_id", info.SessionID).
		Int("max_concurrent", info.Capabilities.MaxConcurrentRequests).Int("model_count", len(info.Capabilities.Models)).Msg("registered")
	p.events.emitConnected(info)
	return true
}

// release removes w from the pool exactly once: it leaves the registry, its
// transport is closed, its pending requests are abandoned and a disconnected
// event reports them.
func (p *Pool) release(w *connectedWorker, reason string, unhealthy bool) (WorkerInfo, bool) {
	if !w.detach() {
		return WorkerInfo{}, false
	}
	p.reg.removeIf(w)

	w.mu.Lock()
	if unhealthy {
		w.unhealthy = true
	}
	w.recomputeLocked()
	info := w.infoLocked()
	abandoned := w.pending
	w.pending = make(map[string]time.Time)
	w.mu.Unlock()

	w.close(closeCodeFor(reason), reason)

	now := p.now()
	for id, started := range abandoned {
		p.dispatcher.forget(id, w)
		p.relay.fail(id)
		w.tracker.Complete()
		p.tracker.Complete()
		metrics.RecordComplete("abandoned", now.Sub(started))
	}
	metrics.RecordDisconnect(reason)
	if p.reg.Len() == 0 {
		p.setStatus("not_ready")
	}
	p.publish()

	lvl := p.logger().Warn()
	if reason == ReasonClosed || reason == ReasonShutdown {
		lvl = p.logger().Info()
	}
	lvl.Str("worker_id", info.ID).Str("worker_name", info.Name).Str("reason", reason).Int("pending", len(abandoned)).Msg("worker removed")
	p.events.emitDisconnected(info, info.PendingRequests)
	return info, true
}

// Close disconnects every worker. Pending requests are reported through
// OnDisconnected as usual.
func (p *Pool) Close() {
	for _, w := range p.reg.snapshot() {
		p.release(w, ReasonShutdown, false)
	}
}

// PoolState is a point-in-time view of the pool.
type PoolState struct {
	Draining    bool           `json:"draining"`
	DrainReason string         `json:"drainReason,omitempty"`
	Inflight    int            `json:"inflight"`
	Summary     map[Status]int `json:"summary"`
	Workers     []WorkerInfo   `json:"workers"`
}

func (p *Pool) State() PoolState {
	workers := p.reg.List()
	summary := map[Status]int{}
	for _, w := range workers {
		summary[w.Status]++
	}
	return PoolState{
		Draining:    p.tracker.Draining(),
		DrainReason: p.tracker.Reason(),
		Inflight:    p.tracker.Active(),
		Summary:     summary,
		Workers:     workers,
	}
}

func (p *Pool) publish() {
	counts := p.reg.StatusCounts()
	byStatus := make(map[string]int, len(counts))
	for s, n := range counts {
		byStatus[string(s)] = n
	}
	metrics.SetWorkers(byStatus)
}

func (p *Pool) setStatus(s string) {
	if p.opts.State != nil {
		if p.Draining() && s != "draining" {
			return
		}
		p.opts.State.SetStatus(s)
	}
}

func closeCodeFor(reason string) CloseCode {
	switch reason {
	case ReasonClosed, ReasonShutdown:
		return websocket.StatusGoingAway
	case ReasonWriteError:
		return websocket.StatusInternalError
	default:
		return websocket.StatusPolicyViolation
	}
}
