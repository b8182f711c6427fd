package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/gaspardpetit/nfrx-coord/sdk/base/inflight"
	ctrl "github.com/gaspardpetit/nfrx-coord/sdk/contracts/control"
)

// Status is derived from a worker's counters and flags; it is never set directly.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusDraining  Status = "draining"
	StatusUnhealthy Status = "unhealthy"
)

// DeriveStatus computes a worker status. Unhealthy overrides draining, which
// overrides busy.
func DeriveStatus(unhealthy, draining bool, active, maxConcurrent int) Status {
	switch {
	case unhealthy:
		return StatusUnhealthy
	case draining:
		return StatusDraining
	case active >= maxConcurrent:
		return StatusBusy
	default:
		return StatusAvailable
	}
}

// WorkerInfo is the read-only view of a connected worker handed to listeners
// and HTTP consumers.
type WorkerInfo struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	SessionID         string            `json:"sessionId"`
	Capabilities      ctrl.Capabilities `json:"capabilities"`
	Status            Status            `json:"status"`
	ConnectedAt       time.Time         `json:"connectedAt"`
	LastHeartbeat     time.Time         `json:"lastHeartbeat"`
	ActiveRequests    int               `json:"activeRequests"`
	PendingRequests   []string          `json:"pendingRequests"`
	CompletedRequests uint64            `json:"completedRequests"`
	DrainReason       string            `json:"drainReason,omitempty"`
}

// connectedWorker is the registry's mutable record for one connection.
// activeRequests is len(pending), so the two can never disagree.
type connectedWorker struct {
	ID          string
	Name        string
	SessionID   string
	ConnectedAt time.Time
	caps        ctrl.Capabilities
	tracker     *inflight.Tracker

	mu            sync.Mutex
	lastHeartbeat time.Time
	unhealthy     bool
	status        Status
	pending       map[string]time.Time
	completed     uint64

	send       chan any
	done       chan struct{}
	detachOnce sync.Once
	closeFn    func(code CloseCode, reason string)
}

func newConnectedWorker(id, name, sessionID string, caps ctrl.Capabilities, now time.Time, queue int) *connectedWorker {
	if queue <= 0 {
		queue = 32
	}
	w := &connectedWorker{
		ID:            id,
		Name:          name,
		SessionID:     sessionID,
		ConnectedAt:   now,
		caps:          caps,
		tracker:       inflight.New("worker:" + id),
		lastHeartbeat: now,
		pending:       make(map[string]time.Time),
		send:          make(chan any, queue),
		done:          make(chan struct{}),
	}
	w.status = DeriveStatus(false, false, 0, caps.MaxConcurrentRequests)
	return w
}

func (w *connectedWorker) recomputeLocked() {
	w.status = DeriveStatus(w.unhealthy, w.tracker.Draining(), len(w.pending), w.caps.MaxConcurrentRequests)
}

func (w *connectedWorker) Info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.infoLocked()
}

func (w *connectedWorker) infoLocked() WorkerInfo {
	return WorkerInfo{
		ID:                w.ID,
		Name:              w.Name,
		SessionID:         w.SessionID,
		Capabilities:      w.caps.Clone(),
		Status:            w.status,
		ConnectedAt:       w.ConnectedAt,
		LastHeartbeat:     w.lastHeartbeat,
		ActiveRequests:    len(w.pending),
		PendingRequests:   w.pendingIDsLocked(),
		CompletedRequests: w.completed,
		DrainReason:       w.tracker.Reason(),
	}
}

func (w *connectedWorker) pendingIDsLocked() []string {
	ids := make([]string, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Send queues msg for the connection writer. It never blocks.
func (w *connectedWorker) Send(msg any) error {
	select {
	case <-w.done:
		return ErrWorkerGone
	default:
	}
	select {
	case w.send <- msg:
		return nil
	case <-w.done:
		return ErrWorkerGone
	default:
		return ErrSendQueueFull
	}
}

// detach marks the worker as gone. Only the first caller gets true.
func (w *connectedWorker) detach() bool {
	first := false
	w.detachOnce.Do(func() {
		first = true
		close(w.done)
	})
	return first
}

func (w *connectedWorker) detached() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *connectedWorker) close(code CloseCode, reason string) {
	if w.closeFn != nil {
		w.closeFn(code, reason)
	}
}

// Registry is the in-memory directory of connected workers keyed by id.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*connectedWorker
}

func NewRegistry() *Registry { return &Registry{workers: make(map[string]*connectedWorker)} }

// swap inserts w and returns the entry it replaced, if any.
func (r *Registry) swap(w *connectedWorker) *connectedWorker {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.workers[w.ID]
	r.workers[w.ID] = w
	return old
}

// removeIf deletes w only while it is still the registered entry for its id.
func (r *Registry) removeIf(w *connectedWorker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.workers[w.ID]; ok && cur == w {
		delete(r.workers, w.ID)
		return true
	}
	return false
}

func (r *Registry) lookup(id string) *connectedWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

// snapshot returns the registered workers ordered by connection time.
func (r *Registry) snapshot() []*connectedWorker {
	r.mu.RLock()
	res := make([]*connectedWorker, 0, len(r.workers))
	for _, w := range r.workers {
		res = append(res, w)
	}
	r.mu.RUnlock()
	sort.Slice(res, func(i, j int) bool {
		if res[i].ConnectedAt.Equal(res[j].ConnectedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].ConnectedAt.Before(res[j].ConnectedAt)
	})
	return res
}

// Get returns the view of one worker.
func (r *Registry) Get(id string) (WorkerInfo, bool) {
	w := r.lookup(id)
	if w == nil {
		return WorkerInfo{}, false
	}
	return w.Info(), true
}

// List returns every registered worker ordered by connection time.
func (r *Registry) List() []WorkerInfo {
	ws := r.snapshot()
	res := make([]WorkerInfo, 0, len(ws))
	for _, w := range ws {
		res = append(res, w.Info())
	}
	return res
}

func (r *Registry) Len() int { r.mu.RLock(); defer r.mu.RUnlock(); return len(r.workers) }

// StatusCounts returns the number of workers per status.
func (r *Registry) StatusCounts() map[Status]int {
	counts := map[Status]int{}
	for _, w := range r.snapshot() {
		w.mu.Lock()
		counts[w.status]++
		w.mu.Unlock()
	}
	return counts
}
