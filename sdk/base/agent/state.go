package agent

import "time"

// State is the agent status reported by the local control server.
type State struct {
	State                 string    `json:"state"`
	WorkerID              string    `json:"worker_id"`
	WorkerName            string    `json:"worker_name"`
	SessionID             string    `json:"session_id,omitempty"`
	ConnectedToServer     bool      `json:"connected_to_server"`
	CurrentRequests       int       `json:"current_requests"`
	MaxConcurrentRequests int       `json:"max_concurrent_requests"`
	Draining              bool      `json:"draining"`
	DrainReason           string    `json:"drain_reason,omitempty"`
	LastError             string    `json:"last_error,omitempty"`
	LastHeartbeat         time.Time `json:"last_heartbeat"`
	NextHeartbeatDeadline time.Time `json:"next_heartbeat_deadline"`
}

// State returns a copy of the current agent state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) update(fn func(*State)) {
	a.mu.Lock()
	fn(&a.state)
	cur := a.state.CurrentRequests
	a.mu.Unlock()
	setInflight(cur)
}

func (a *Agent) fail(err error) {
	a.update(func(s *State) {
		s.LastError = err.Error()
		if !s.Draining {
			s.State = "error"
		}
	})
}
