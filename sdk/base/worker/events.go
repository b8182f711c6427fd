package worker

import (
	"sync"

	"github.com/rs/zerolog"

	ctrl "github.com/gaspardpetit/nfrx-coord/sdk/contracts/control"
)

// Scope names used in drain notifications.
const ScopePool = "pool"

// WorkerScope returns the drain scope for a worker id.
func WorkerScope(id string) string { return "worker:" + id }

type listenerSet[F any] struct {
	mu      sync.RWMutex
	next    uint64
	entries []listenerEntry[F]
}

type listenerEntry[F any] struct {
	id uint64
	fn F
}

func (s *listenerSet[F]) add(fn F) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.entries = append(s.entries, listenerEntry[F]{id: id, fn: fn})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.entries {
			if e.id == id {
				s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
				return
			}
		}
	}
}

func (s *listenerSet[F]) snapshot() []F {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]F, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.fn
	}
	return out
}

// Events fans lifecycle notifications out to registered callbacks. Callbacks
// run synchronously on the goroutine that produced the event, in
// registration order, with no pool lock held. A panicking callback is logged
// and the remaining callbacks still run.
type Events struct {
	logger func() *zerolog.Logger

	connected    listenerSet[func(WorkerInfo)]
	disconnected listenerSet[func(WorkerInfo, []string)]
	message      listenerSet[func(WorkerInfo, ctrl.Envelope)]
	draining     listenerSet[func(scope, reason string)]
	drained      listenerSet[func(scope string)]
}

func newEvents(logger func() *zerolog.Logger) *Events { return &Events{logger: logger} }

// OnConnected is called after a worker registered successfully.
func (e *Events) OnConnected(fn func(WorkerInfo)) func() { return e.connected.add(fn) }

// OnDisconnected is called once per removed worker with the ids of requests
// that were still pending. The caller that dispatched them decides whether to
// retry or fail them.
func (e *Events) OnDisconnected(fn func(WorkerInfo, []string)) func() {
	return e.disconnected.add(fn)
}

// OnMessage receives every frame a worker sends other than registration and
// heartbeats.
func (e *Events) OnMessage(fn func(WorkerInfo, ctrl.Envelope)) func() { return e.message.add(fn) }

func (e *Events) OnDraining(fn func(scope, reason string)) func() { return e.draining.add(fn) }

func (e *Events) OnDrained(fn func(scope string)) func() { return e.drained.add(fn) }

func (e *Events) emitConnected(info WorkerInfo) {
	for _, fn := range e.connected.snapshot() {
		e.safely("connected", info.ID, func() { fn(info) })
	}
}

func (e *Events) emitDisconnected(info WorkerInfo, pending []string) {
	for _, fn := range e.disconnected.snapshot() {
		ids := append([]string(nil), pending...)
		e.safely("disconnected", info.ID, func() { fn(info, ids) })
	}
}

func (e *Events) emitMessage(info WorkerInfo, env ctrl.Envelope) {
	for _, fn := range e.message.snapshot() {
		e.safely("message", info.ID, func() { fn(info, env) })
	}
}

func (e *Events) emitDraining(scope, reason string) {
	for _, fn := range e.draining.snapshot() {
		e.safely("draining", scope, func() { fn(scope, reason) })
	}
}

func (e *Events) emitDrained(scope string) {
	for _, fn := range e.drained.snapshot() {
		e.safely("drained", scope, func() { fn(scope) })
	}
}

func (e *Events) safely(event, subject string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger().Error().Str("event", event).Str("subject", subject).Interface("panic", r).Msg("listener failed")
		}
	}()
	fn()
}
