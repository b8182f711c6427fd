package worker

import (
	"context"
	"testing"
	"time"

	ctrl "github.com/gaspardpetit/nfrx-coord/sdk/contracts/control"
)

func TestSweepEvictsSilentWorker(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(clock)
	w := addWorker(t, p, "w1", 2)
	if _, err := p.Dispatch(t.Context(), Request{ID: "r1"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var gone WorkerInfo
	var pending []string
	p.Events().OnDisconnected(func(info WorkerInfo, ids []string) {
		gone = info
		pending = ids
	})

	clock.Advance(time.Minute)
	if ev := p.Monitor().Sweep(clock.Now()); len(ev) != 0 {
		t.Fatalf("worker at exactly the timeout must survive, evicted %v", ev)
	}
	clock.Advance(10 * time.Second)
	ev := p.Monitor().Sweep(clock.Now())
	if len(ev) != 1 || ev[0].ID != "w1" {
		t.Fatalf("expected w1 evicted, got %v", ev)
	}
	if _, ok := p.Registry().Get("w1"); ok {
		t.Fatalf("evicted worker still registered")
	}
	if gone.Status != StatusUnhealthy || len(pending) != 1 || pending[0] != "r1" {
		t.Fatalf("disconnected event: %+v %v", gone, pending)
	}
	if got := w.closeReasons(); len(got) != 1 || got[0] != ReasonHeartbeatTimeout {
		t.Fatalf("transport should be closed, got %v", got)
	}
	if len(p.Monitor().Sweep(clock.Now())) != 0 {
		t.Fatalf("second sweep should be a no-op")
	}
}

func TestHeartbeatKeepsWorkerAlive(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(clock)
	w := addWorker(t, p, "w1", 1)
	hb, _ := ctrl.Decode([]byte(`{"type":"heartbeat","workerId":"w1","timestamp":1}`))
	for i := 0; i < 5; i++ {
		clock.Advance(50 * time.Second)
		p.handleFrame(w.connectedWorker, hb)
		if ev := p.Monitor().Sweep(clock.Now()); len(ev) != 0 {
			t.Fatalf("heartbeating worker evicted at round %d", i)
		}
	}
	waitFor(t, "heartbeat acks", func() bool { return len(w.sent()) == 5 })
	ack, ok := w.sent()[4].(ctrl.HeartbeatAck)
	if !ok {
		t.Fatalf("expected heartbeat ack, got %#v", w.sent()[4])
	}
	now := clock.Now()
	if ack.Timestamp != now.UnixMilli() || ack.NextHeartbeatDeadline != now.Add(time.Minute).UnixMilli() {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if info := w.Info(); !info.LastHeartbeat.Equal(now) {
		t.Fatalf("last heartbeat %v, want %v", info.LastHeartbeat, now)
	}
}

func TestMonitorRunStopsWithContext(t *testing.T) {
	p := NewPool(Options{HealthCheckInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("monitor did not stop")
	}
}
