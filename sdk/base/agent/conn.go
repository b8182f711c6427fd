package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/nfrx-coord/core/logx"
	ctrl "github.com/gaspardpetit/nfrx-coord/sdk/contracts/control"
)

const defaultHeartbeatInterval = 15 * time.Second

// connectAndServe runs one connection. registered reports whether the
// handshake succeeded before the connection ended.
func (a *Agent) connectAndServe(ctx context.Context) (registered bool, err error) {
	a.update(func(s *State) { s.State = "connecting" })
	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	ws, _, err := websocket.Dial(connCtx, a.cfg.ServerURL, nil)
	if err != nil {
		a.fail(err)
		return false, err
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "closing") }()

	ack, err := a.register(connCtx, ws)
	if err != nil {
		a.fail(err)
		return false, err
	}
	logx.Log.Info().Str("server", a.cfg.ServerURL).Str("session_id", ack.SessionID).Msg("registered with server")
	a.update(func(s *State) {
		s.ConnectedToServer = true
		s.SessionID = ack.SessionID
		s.LastError = ""
		if !s.Draining {
			s.State = "connected"
		}
	})
	defer a.update(func(s *State) { s.ConnectedToServer = false })

	interval := time.Duration(ack.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	sendCh := make(chan []byte, 16)
	closing := make(chan struct{})
	var closeOnce sync.Once
	go func() {
		defer cancelConn()
		for {
			select {
			case msg := <-sendCh:
				if err := ws.Write(connCtx, websocket.MessageText, msg); err != nil {
					logx.Log.Warn().Err(err).Msg("write to server failed")
					return
				}
			case <-closing:
				// flush replies queued before the drain completed
				for {
					select {
					case msg := <-sendCh:
						_ = ws.Write(connCtx, websocket.MessageText, msg)
					default:
						_ = ws.Close(websocket.StatusNormalClosure, "drained")
						return
					}
				}
			case <-connCtx.Done():
				return
			}
		}
	}()
	go a.heartbeat(connCtx, interval, sendCh)

	var (
		jobMu sync.Mutex
		jobs  = map[string]context.CancelFunc{}
	)
	checkDrain := func() {
		if connCtx.Err() != nil {
			return
		}
		if a.Draining() && a.State().CurrentRequests == 0 {
			closeOnce.Do(func() {
				a.update(func(s *State) { s.State = "terminating" })
				logx.Log.Info().Msg("agent drained; closing connection")
				close(closing)
			})
		}
	}
	a.setDrainCheck(checkDrain)
	defer a.setDrainCheck(nil)
	checkDrain()

	for {
		_, data, err := ws.Read(connCtx)
		if err != nil {
			if a.Draining() || ctx.Err() != nil {
				return true, nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				logx.Log.Warn().Str("reason", ce.Reason).Msg("server connection closed")
			}
			a.fail(err)
			return true, err
		}
		env, err := ctrl.Decode(data)
		if err != nil {
			logx.Log.Debug().Err(err).Msg("decode server frame")
			continue
		}
		switch env.Type {
		case ctrl.TypeRequest:
			var m ctrl.RequestMessage
			if err := env.Into(&m); err != nil {
				continue
			}
			if a.Draining() {
				send(connCtx, sendCh, ctrl.RequestErrorMessage{Type: ctrl.TypeRequestError, RequestID: m.RequestID, Code: "worker_draining", Error: "worker is draining"})
				continue
			}
			jobCtx, cancel := context.WithCancel(connCtx)
			jobMu.Lock()
			jobs[m.RequestID] = cancel
			jobMu.Unlock()
			a.update(func(s *State) { s.CurrentRequests++ })
			recordStart()
			go a.handle(jobCtx, m, sendCh, func() {
				jobMu.Lock()
				delete(jobs, m.RequestID)
				jobMu.Unlock()
				cancel()
				a.update(func(s *State) { s.CurrentRequests-- })
				checkDrain()
			})
		case ctrl.TypeRequestCancel:
			jobMu.Lock()
			if cancel, ok := jobs[env.RequestID]; ok {
				cancel()
			}
			jobMu.Unlock()
		case ctrl.TypeDrain:
			var m ctrl.DrainMessage
			_ = env.Into(&m)
			a.Drain(m.Reason)
		case ctrl.TypeHeartbeatAck:
			var m ctrl.HeartbeatAck
			if err := env.Into(&m); err == nil {
				a.update(func(s *State) { s.NextHeartbeatDeadline = time.UnixMilli(m.NextHeartbeatDeadline) })
			}
		default:
			logx.Log.Debug().Str("type", env.Type).Msg("ignoring server frame")
		}
	}
}

func (a *Agent) register(ctx context.Context, ws *websocket.Conn) (ctrl.RegistrationAck, error) {
	var ack ctrl.RegistrationAck
	rm := ctrl.RegistrationMessage{
		Type:         ctrl.TypeRegistration,
		WorkerID:     a.cfg.WorkerID,
		WorkerName:   a.cfg.WorkerName,
		Capabilities: a.capabilities(ctx),
		AuthToken:    a.cfg.AuthToken,
	}
	b, err := json.Marshal(rm)
	if err != nil {
		return ack, err
	}
	if err := ws.Write(ctx, websocket.MessageText, b); err != nil {
		return ack, err
	}
	rctx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()
	_, data, err := ws.Read(rctx)
	if err != nil {
		return ack, err
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return ack, err
	}
	if ack.Type != ctrl.TypeRegistrationAck {
		return ack, errors.New("unexpected frame " + ack.Type + " during registration")
	}
	if !ack.Success {
		return ack, &RejectedError{Reason: ack.Error}
	}
	return ack, nil
}

func (a *Agent) heartbeat(ctx context.Context, interval time.Duration, sendCh chan<- []byte) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			send(ctx, sendCh, ctrl.HeartbeatMessage{Type: ctrl.TypeHeartbeat, WorkerID: a.cfg.WorkerID, Timestamp: t.UnixMilli()})
			a.update(func(s *State) { s.LastHeartbeat = t })
		}
	}
}

func (a *Agent) handle(ctx context.Context, m ctrl.RequestMessage, sendCh chan<- []byte, done func()) {
	defer done()
	start := time.Now()
	emit := func(p json.RawMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		send(ctx, sendCh, ctrl.RequestChunkMessage{Type: ctrl.TypeRequestChunk, RequestID: m.RequestID, Payload: p})
		return nil
	}
	out, err := a.handler(ctx, m, emit)
	if ctx.Err() != nil {
		// cancelled by the server or the connection is gone
		recordEnd("cancelled", time.Since(start))
		return
	}
	if err != nil {
		logx.Log.Warn().Err(err).Str("request_id", m.RequestID).Msg("request failed")
		send(ctx, sendCh, ctrl.RequestErrorMessage{Type: ctrl.TypeRequestError, RequestID: m.RequestID, Code: "handler_error", Error: err.Error()})
		recordEnd("error", time.Since(start))
		return
	}
	send(ctx, sendCh, ctrl.RequestCompleteMessage{Type: ctrl.TypeRequestComplete, RequestID: m.RequestID, Payload: out})
	recordEnd("success", time.Since(start))
}

// send marshals v onto the writer queue unless ctx ends first.
func send(ctx context.Context, ch chan<- []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case <-ctx.Done():
		return
	default:
	}
	select {
	case ch <- b:
	case <-ctx.Done():
	}
}
