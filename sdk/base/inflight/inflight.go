// Package inflight provides the admission and draining primitive shared by a
// worker scope and the whole pool.
package inflight

import (
	"context"
	"sync"

	"github.com/gaspardpetit/nfrx-coord/core/logx"
)

// Event names a tracker lifecycle notification.
type Event string

const (
	EventDraining Event = "draining"
	EventDrained  Event = "drained"
)

// Listener receives the drain reason.
type Listener func(reason string)

// Tracker counts in-flight work for one scope and gates admission once the
// scope starts draining. Draining is irrevocable for a Tracker instance.
type Tracker struct {
	scope string

	mu        sync.Mutex
	active    int
	draining  bool
	drained   bool
	reason    string
	drainedCh chan struct{}
	listeners map[Event]map[uint64]Listener
	nextID    uint64
	queue     []Event
	emitting  bool
}

// New returns an idle tracker. scope is only used in logs.
func New(scope string) *Tracker {
	return &Tracker{
		scope:     scope,
		drainedCh: make(chan struct{}),
		listeners: make(map[Event]map[uint64]Listener),
	}
}

// TryAccept admits one unit of work. It returns false, without side effects,
// once the tracker is draining.
func (t *Tracker) TryAccept() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.active++
	return true
}

// Complete releases one unit of work admitted by TryAccept.
func (t *Tracker) Complete() {
	t.mu.Lock()
	if t.active == 0 {
		t.mu.Unlock()
		logx.Log.Warn().Str("scope", t.scope).Msg("complete without matching accept")
		return
	}
	t.active--
	t.maybeDrainedLocked()
	t.mu.Unlock()
	t.flush()
}

// StartDraining stops admission. The first call emits EventDraining and, when
// nothing is in flight, EventDrained before returning, then reports true.
// Later calls are no-ops and report false.
func (t *Tracker) StartDraining(reason string) bool {
	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return false
	}
	t.draining = true
	t.reason = reason
	t.queue = append(t.queue, EventDraining)
	t.maybeDrainedLocked()
	t.mu.Unlock()
	t.flush()
	return true
}

func (t *Tracker) maybeDrainedLocked() {
	if t.draining && t.active == 0 && !t.drained {
		t.drained = true
		close(t.drainedCh)
		t.queue = append(t.queue, EventDrained)
	}
}

// Draining reports whether StartDraining was called.
func (t *Tracker) Draining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}

// Drained reports whether the tracker is draining with nothing in flight.
func (t *Tracker) Drained() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drained
}

// Active returns the number of admitted, uncompleted units.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Reason returns the reason given to the first StartDraining call.
func (t *Tracker) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// On registers fn for ev and returns a func that removes it.
func (t *Tracker) On(ev Event, fn Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	set := t.listeners[ev]
	if set == nil {
		set = make(map[uint64]Listener)
		t.listeners[ev] = set
	}
	set[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.listeners[ev], id)
		t.mu.Unlock()
	}
}

// WaitDrained blocks until the tracker has drained or ctx is done.
func (t *Tracker) WaitDrained(ctx context.Context) bool {
	select {
	case <-t.drainedCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// flush delivers queued events in order. A listener that triggers another
// event (for example by calling Complete) has it delivered by the outer flush.
func (t *Tracker) flush() {
	t.mu.Lock()
	if t.emitting {
		t.mu.Unlock()
		return
	}
	t.emitting = true
	for len(t.queue) > 0 {
		ev := t.queue[0]
		t.queue = t.queue[1:]
		fns := make([]Listener, 0, len(t.listeners[ev]))
		for _, fn := range t.listeners[ev] {
			fns = append(fns, fn)
		}
		reason := t.reason
		t.mu.Unlock()
		for _, fn := range fns {
			t.call(ev, fn, reason)
		}
		t.mu.Lock()
	}
	t.emitting = false
	t.mu.Unlock()
}

func (t *Tracker) call(ev Event, fn Listener, reason string) {
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().Str("scope", t.scope).Str("event", string(ev)).Interface("panic", r).Msg("tracker listener failed")
		}
	}()
	fn(reason)
}
