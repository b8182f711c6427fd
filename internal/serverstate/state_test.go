package serverstate

import "testing"

func TestServerDrainIsSticky(t *testing.T) {
	s := New(nil)
	if got := s.Status(); got != "not_ready" {
		t.Fatalf("initial status = %q", got)
	}
	s.SetStatus("ready")
	if got := s.Status(); got != "ready" {
		t.Fatalf("status = %q; want ready", got)
	}
	s.StartDrain()
	s.SetStatus("ready")
	if got := s.Status(); got != "draining" {
		t.Fatalf("status after drain = %q; want draining", got)
	}
	if !s.IsDraining() {
		t.Fatalf("IsDraining = false")
	}
	if s.Load().UpdatedAt.IsZero() {
		t.Fatalf("UpdatedAt not set")
	}
}

func TestNewResetsStore(t *testing.T) {
	ms := NewMemoryStore()
	ms.Store(State{Status: "draining", Draining: true})
	s := New(ms)
	if s.IsDraining() || s.Status() != "not_ready" {
		t.Fatalf("state not reset: %#v", s.Load())
	}
}
