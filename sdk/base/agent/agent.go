// Package agent is the worker side of the coordination protocol: it
// registers with the server, heartbeats, runs dispatched requests through a
// Handler and reconnects when the connection drops.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/nfrx-coord/core/logx"
	"github.com/gaspardpetit/nfrx-coord/core/reconnect"
	ctrl "github.com/gaspardpetit/nfrx-coord/sdk/contracts/control"
)

// Handler runs one request. emit forwards a partial result as a
// request_chunk frame. The returned payload is sent with request_complete;
// an error is sent as request_error.
type Handler func(ctx context.Context, req ctrl.RequestMessage, emit func(payload json.RawMessage) error) (json.RawMessage, error)

// Config holds the settings for a worker agent.
type Config struct {
	ServerURL  string
	WorkerID   string
	WorkerName string
	AuthToken  string

	Models                []ctrl.ModelDescriptor
	MaxConcurrentRequests int
	Metadata              map[string]any
	// HostMetadata adds host facts (hostname, OS, CPU and memory) to the
	// advertised metadata.
	HostMetadata bool

	Reconnect bool
	// Backoff paces reconnect attempts. Empty Steps use reconnect.Default.
	Backoff          reconnect.Policy
	HandshakeTimeout time.Duration
}

// ErrRejected matches every *RejectedError.
var ErrRejected = errors.New("registration rejected")

// RejectedError is returned when the server refuses the registration. The
// agent does not retry it.
type RejectedError struct{ Reason string }

func (e *RejectedError) Error() string     { return "registration rejected: " + e.Reason }
func (e *RejectedError) Is(err error) bool { return err == ErrRejected }

// Agent connects one worker to a coordination server.
type Agent struct {
	cfg     Config
	handler Handler

	mu         sync.Mutex
	state      State
	drainCheck func()
	draining   atomic.Bool
}

// New returns an agent. An empty WorkerID defaults to the hostname.
func New(cfg Config, h Handler) *Agent {
	if cfg.WorkerID == "" {
		if hn, err := os.Hostname(); err == nil && hn != "" {
			cfg.WorkerID = hn
		} else {
			cfg.WorkerID = time.Now().Format("20060102150405")
		}
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 1
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if len(cfg.Backoff.Steps) == 0 {
		cfg.Backoff = reconnect.Default
	}
	return &Agent{
		cfg:     cfg,
		handler: h,
		state: State{
			State:                 "disconnected",
			WorkerID:              cfg.WorkerID,
			WorkerName:            cfg.WorkerName,
			MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		},
	}
}

// Run serves until ctx is done, the agent drains, or the server rejects the
// registration. With Reconnect set, dropped connections are retried after
// the delays of cfg.Backoff.
func (a *Agent) Run(ctx context.Context) error {
	attempt := 0
	for {
		registered, err := a.connectAndServe(ctx)
		if err == nil || a.Draining() {
			return nil
		}
		if !a.cfg.Reconnect || errors.Is(err, ErrRejected) {
			return err
		}
		if registered {
			attempt = 0
		}
		delay := a.cfg.Backoff.Delay(attempt)
		attempt++
		logx.Log.Warn().Err(err).Dur("retry_in", delay).Msg("server connection lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Drain stops accepting requests. Once running requests finish the agent
// closes its connection and Run returns.
func (a *Agent) Drain(reason string) {
	if a.draining.Swap(true) {
		return
	}
	logx.Log.Info().Str("reason", reason).Int("current", a.State().CurrentRequests).Msg("agent draining")
	a.update(func(s *State) {
		s.State = "draining"
		s.Draining = true
		s.DrainReason = reason
	})
	a.mu.Lock()
	fn := a.drainCheck
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (a *Agent) Draining() bool { return a.draining.Load() }

func (a *Agent) setDrainCheck(fn func()) {
	a.mu.Lock()
	a.drainCheck = fn
	a.mu.Unlock()
}

func (a *Agent) capabilities(ctx context.Context) ctrl.Capabilities {
	md := map[string]any{}
	if a.cfg.HostMetadata {
		for k, v := range HostMetadata(ctx) {
			md[k] = v
		}
	}
	for k, v := range a.cfg.Metadata {
		md[k] = v
	}
	if len(md) == 0 {
		md = nil
	}
	return ctrl.Capabilities{
		Models:                append([]ctrl.ModelDescriptor(nil), a.cfg.Models...),
		MaxConcurrentRequests: a.cfg.MaxConcurrentRequests,
		Metadata:              md,
	}
}
