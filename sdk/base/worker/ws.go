package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gaspardpetit/nfrx-coord/sdk/base/auth"
	"github.com/gaspardpetit/nfrx-coord/sdk/base/metrics"
	ctrl "github.com/gaspardpetit/nfrx-coord/sdk/contracts/control"
)

// CloseCode is the WebSocket status sent when the server closes a worker.
type CloseCode = websocket.StatusCode

// Handler accepts worker WebSocket connections.
func (p *Pool) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reject new worker connections while draining
		if p.Draining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			p.logger().Error().Err(err).Str("remote", r.RemoteAddr).Msg("ws accept")
			return
		}
		p.ServeConn(r.Context(), c, r.RemoteAddr)
	})
}

// ServeConn runs the registration handshake on c and then serves the
// worker until the connection ends. It returns once the worker is removed.
func (p *Pool) ServeConn(ctx context.Context, c *websocket.Conn, remote string) {
	log := p.logger()
	rm, err := p.readRegistration(ctx, c)
	if err != nil {
		metrics.RecordRegistration("invalid")
		log.Warn().Err(err).Str("remote", remote).Msg("ws invalid first message; expected worker_registration")
		_ = c.Close(websocket.StatusPolicyViolation, "expected worker_registration")
		return
	}
	if err := rm.Validate(); err != nil {
		metrics.RecordRegistration("invalid")
		log.Warn().Err(err).Str("remote", remote).Str("worker_id", rm.WorkerID).Msg("registration rejected")
		p.refuse(ctx, c, err.Error())
		return
	}
	if !auth.CheckSecret(rm.AuthToken, p.currentAuthToken()) {
		metrics.RecordRegistration("unauthorized")
		log.Warn().Str("remote", remote).Str("worker_id", rm.WorkerID).Msg("registration rejected: bad auth token")
		p.refuse(ctx, c, "unauthorized")
		return
	}

	name := rm.WorkerName
	if name == "" {
		name = rm.WorkerID
		if len(name) > 8 {
			name = name[:8]
		}
	}
	wk := newConnectedWorker(rm.WorkerID, name, uuid.NewString(), rm.Capabilities.Clone(), p.now(), p.opts.SendQueueSize)
	wk.closeFn = func(code CloseCode, reason string) {
		// Close waits for the close handshake; never block the caller on it.
		go func() { _ = c.Close(code, reason) }()
	}
	// The ack is queued before the worker becomes visible so it is always the
	// first frame the worker reads.
	wk.send <- ctrl.RegistrationAck{
		Type:                ctrl.TypeRegistrationAck,
		Success:             true,
		SessionID:           wk.SessionID,
		HeartbeatIntervalMs: p.opts.HeartbeatInterval.Milliseconds(),
	}

	if !p.admit(wk) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.writeLoop(ctx, c, wk)

	reason := p.readLoop(ctx, c, wk)
	p.release(wk, reason, false)
}

func (p *Pool) readRegistration(ctx context.Context, c *websocket.Conn) (ctrl.RegistrationMessage, error) {
	var rm ctrl.RegistrationMessage
	rctx, cancel := context.WithTimeout(ctx, p.opts.RegistrationTimeout)
	defer cancel()
	_, data, err := c.Read(rctx)
	if err != nil {
		return rm, err
	}
	env, err := ctrl.Decode(data)
	if err != nil {
		return rm, err
	}
	if env.Type != ctrl.TypeRegistration {
		return rm, errors.New("unexpected message type " + env.Type)
	}
	if err := env.Into(&rm); err != nil {
		return rm, err
	}
	return rm, nil
}

// refuse answers a registration with a failure ack and closes.
func (p *Pool) refuse(ctx context.Context, c *websocket.Conn, reason string) {
	b, _ := json.Marshal(ctrl.RegistrationAck{Type: ctrl.TypeRegistrationAck, Success: false, Error: reason})
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Write(wctx, websocket.MessageText, b); err != nil {
		p.logger().Debug().Err(err).Msg("ws write registration ack")
	}
	_ = c.Close(websocket.StatusPolicyViolation, reason)
}

func (p *Pool) writeLoop(ctx context.Context, c *websocket.Conn, wk *connectedWorker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wk.done:
			return
		case msg := <-wk.send:
			b, err := json.Marshal(msg)
			if err != nil {
				p.logger().Error().Err(err).Str("worker_id", wk.ID).Msg("ws encode")
				continue
			}
			if err := c.Write(ctx, websocket.MessageText, b); err != nil {
				p.logger().Error().Err(err).Str("worker_id", wk.ID).Str("worker_name", wk.Name).Msg("ws write")
				p.release(wk, ReasonWriteError, false)
				return
			}
		}
	}
}

// readLoop consumes frames until the connection fails and returns the
// disconnect reason.
func (p *Pool) readLoop(ctx context.Context, c *websocket.Conn, wk *connectedWorker) string {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if wk.detached() {
				return ReasonClosed
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				lvl := p.logger().Info()
				if ce.Code != websocket.StatusNormalClosure && ce.Code != websocket.StatusGoingAway {
					lvl = p.logger().Warn()
				}
				lvl.Str("worker_id", wk.ID).Str("worker_name", wk.Name).Str("reason", ce.Reason).Msg("disconnected")
			} else {
				p.logger().Warn().Err(err).Str("worker_id", wk.ID).Str("worker_name", wk.Name).Msg("disconnected")
			}
			return ReasonClosed
		}
		env, err := ctrl.Decode(data)
		if err != nil {
			p.logger().Debug().Err(err).Str("worker_id", wk.ID).Msg("ws decode message")
			continue
		}
		p.handleFrame(wk, env)
	}
}

func (p *Pool) handleFrame(wk *connectedWorker, env ctrl.Envelope) {
	switch env.Type {
	case ctrl.TypeHeartbeat:
		now := p.now()
		wk.mu.Lock()
		wk.lastHeartbeat = now
		wk.mu.Unlock()
		metrics.RecordHeartbeat()
		ack := ctrl.HeartbeatAck{
			Type:                  ctrl.TypeHeartbeatAck,
			Timestamp:             now.UnixMilli(),
			NextHeartbeatDeadline: now.Add(p.opts.HeartbeatTimeout).UnixMilli(),
		}
		if err := wk.Send(ack); err != nil {
			p.logger().Warn().Err(err).Str("worker_id", wk.ID).Msg("heartbeat ack not sent")
		}
		return
	case ctrl.TypeRegistration:
		p.logger().Warn().Str("worker_id", wk.ID).Msg("ignoring repeated registration")
		return
	case ctrl.TypeRequestChunk:
		p.relay.chunk(env)
	case ctrl.TypeRequestComplete:
		if err := p.dispatcher.complete(env.RequestID, wk, "success"); err != nil {
			p.logger().Debug().Err(err).Str("worker_id", wk.ID).Msg("completion for unknown request")
		}
		p.relay.deliver(wk.ID, env)
	case ctrl.TypeRequestError:
		if err := p.dispatcher.complete(env.RequestID, wk, "error"); err != nil {
			p.logger().Debug().Err(err).Str("worker_id", wk.ID).Msg("error for unknown request")
		}
		p.relay.deliver(wk.ID, env)
	}
	p.events.emitMessage(wk.Info(), env)
}
