package inflight

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTryAcceptAndComplete(t *testing.T) {
	tr := New("test")
	if !tr.TryAccept() || !tr.TryAccept() {
		t.Fatalf("expected admission while not draining")
	}
	if tr.Active() != 2 {
		t.Fatalf("active = %d; want 2", tr.Active())
	}
	tr.Complete()
	tr.Complete()
	tr.Complete() // unmatched; must not go negative
	if tr.Active() != 0 {
		t.Fatalf("active = %d; want 0", tr.Active())
	}
}

func TestDrainingRejectsForever(t *testing.T) {
	tr := New("test")
	tr.StartDraining("restart")
	for i := 0; i < 100; i++ {
		if tr.TryAccept() {
			t.Fatalf("TryAccept succeeded while draining")
		}
	}
	if tr.Active() != 0 {
		t.Fatalf("rejected accepts changed active to %d", tr.Active())
	}
}

func TestStartDrainingIdempotent(t *testing.T) {
	tr := New("test")
	var reasons []string
	tr.On(EventDraining, func(reason string) { reasons = append(reasons, reason) })
	if !tr.StartDraining("first") {
		t.Fatalf("first StartDraining reported false")
	}
	if tr.StartDraining("second") {
		t.Fatalf("second StartDraining reported true")
	}
	if len(reasons) != 1 || reasons[0] != "first" {
		t.Fatalf("draining events = %v; want [first]", reasons)
	}
	if tr.Reason() != "first" {
		t.Fatalf("reason = %q", tr.Reason())
	}
}

func TestDrainedSynchronousWhenIdle(t *testing.T) {
	tr := New("test")
	var order []Event
	tr.On(EventDraining, func(string) { order = append(order, EventDraining) })
	tr.On(EventDrained, func(string) { order = append(order, EventDrained) })
	tr.StartDraining("restart")
	if len(order) != 2 || order[0] != EventDraining || order[1] != EventDrained {
		t.Fatalf("events = %v; want [draining drained]", order)
	}
	if !tr.Drained() {
		t.Fatalf("expected drained")
	}
}

func TestDrainedAfterMatchingComplete(t *testing.T) {
	tr := New("test")
	drained := 0
	tr.On(EventDrained, func(string) { drained++ })
	if !tr.TryAccept() {
		t.Fatalf("accept failed")
	}
	tr.StartDraining("restart")
	if drained != 0 {
		t.Fatalf("drained fired with work in flight")
	}
	tr.Complete()
	if drained != 1 {
		t.Fatalf("drained = %d; want 1", drained)
	}
	tr.Complete()
	if drained != 1 {
		t.Fatalf("drained fired twice")
	}
}

func TestListenerCompletingWorkIsDelivered(t *testing.T) {
	tr := New("test")
	tr.TryAccept()
	var got []Event
	tr.On(EventDraining, func(string) {
		got = append(got, EventDraining)
		tr.Complete()
	})
	tr.On(EventDrained, func(string) { got = append(got, EventDrained) })
	tr.StartDraining("restart")
	if len(got) != 2 || got[1] != EventDrained {
		t.Fatalf("events = %v", got)
	}
}

func TestListenerPanicIsolated(t *testing.T) {
	tr := New("test")
	called := false
	tr.On(EventDraining, func(string) { panic("boom") })
	tr.On(EventDraining, func(string) { called = true })
	tr.StartDraining("restart")
	if !called {
		t.Fatalf("second listener not called after panic")
	}
}

func TestUnsubscribe(t *testing.T) {
	tr := New("test")
	n := 0
	off := tr.On(EventDraining, func(string) { n++ })
	off()
	tr.StartDraining("x")
	if n != 0 {
		t.Fatalf("unsubscribed listener called")
	}
}

func TestWaitDrained(t *testing.T) {
	tr := New("test")
	tr.TryAccept()
	tr.StartDraining("x")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.WaitDrained(ctx) {
		t.Fatalf("WaitDrained returned true with work in flight")
	}
	go tr.Complete()
	if !tr.WaitDrained(context.Background()) {
		t.Fatalf("WaitDrained returned false after completion")
	}
}

func TestActiveNeverNegativeConcurrent(t *testing.T) {
	tr := New("test")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if tr.TryAccept() {
					if tr.Active() < 1 {
						t.Errorf("active < 1 after accept")
					}
					tr.Complete()
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		tr.StartDraining("race")
	}()
	wg.Wait()
	if tr.Active() != 0 {
		t.Fatalf("active = %d; want 0", tr.Active())
	}
	if !tr.Drained() {
		t.Fatalf("expected drained after all work completed")
	}
}

func TestStartDrainingConcurrentSingleWinner(t *testing.T) {
	tr := New("test")
	var mu sync.Mutex
	won := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.StartDraining("race") {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Fatalf("StartDraining winners = %d; want 1", won)
	}
}
