package worker

import (
	"context"
	"time"
)

// Monitor evicts workers whose heartbeats stopped.
type Monitor struct {
	pool     *Pool
	interval time.Duration
	timeout  time.Duration
}

// Run sweeps every health check interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(m.pool.now())
		}
	}
}

// Sweep marks every worker silent for longer than the heartbeat timeout as
// unhealthy and removes it. The evicted workers are returned.
func (m *Monitor) Sweep(now time.Time) []WorkerInfo {
	var evicted []WorkerInfo
	for _, w := range m.pool.reg.snapshot() {
		w.mu.Lock()
		silent := now.Sub(w.lastHeartbeat)
		stale := silent > m.timeout
		if stale {
			w.unhealthy = true
			w.recomputeLocked()
		}
		w.mu.Unlock()
		if !stale {
			continue
		}
		m.pool.logger().Warn().Str("worker_id", w.ID).Str("worker_name", w.Name).Dur("silent", silent).Msg("heartbeat timeout")
		if info, ok := m.pool.release(w, ReasonHeartbeatTimeout, true); ok {
			evicted = append(evicted, info)
		}
	}
	return evicted
}
