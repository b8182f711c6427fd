// Package serverstate keeps the coarse server status (not_ready, ready,
// draining) in a pluggable store so load balancers and peers can read it.
package serverstate

import (
	"sync"
	"sync/atomic"
	"time"
)

// State holds the server status and draining flag. Both are stored together
// so readers always observe a consistent snapshot.
type State struct {
	Status    string    `json:"status"`
	Draining  bool      `json:"draining"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists State. Implementations may keep it in memory or in an
// external service such as Redis.
type Store interface {
	Load() State
	Store(State)
}

// Server is the status of one server instance.
type Server struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
}

// New returns a Server backed by s, or by memory when s is nil. The stored
// state is reset to not_ready.
func New(s Store) *Server {
	if s == nil {
		s = NewMemoryStore()
	}
	srv := &Server{store: s, now: time.Now}
	srv.store.Store(State{Status: "not_ready", UpdatedAt: srv.now()})
	return srv
}

// SetStatus updates the status string. Once draining, only "draining" is
// accepted, and setting it marks the server as draining.
func (s *Server) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.store.Load()
	if st.Draining && status != "draining" {
		return
	}
	st.Status = status
	if status == "draining" {
		st.Draining = true
	}
	st.UpdatedAt = s.now()
	s.store.Store(st)
}

// StartDrain marks the server as draining. It cannot be undone.
func (s *Server) StartDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.store.Load()
	st.Draining = true
	st.Status = "draining"
	st.UpdatedAt = s.now()
	s.store.Store(st)
}

func (s *Server) Status() string   { return s.store.Load().Status }
func (s *Server) IsDraining() bool { return s.store.Load().Draining }
func (s *Server) Load() State      { return s.store.Load() }

// memoryStore keeps State in an atomic.Value.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: "not_ready"})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) { m.v.Store(s) }
