// Package control defines the JSON frames exchanged between workers and the
// coordination server. Every frame carries a "type" discriminator.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types.
const (
	TypeRegistration    = "worker_registration"
	TypeRegistrationAck = "worker_registration_ack"
	TypeHeartbeat       = "heartbeat"
	TypeHeartbeatAck    = "heartbeat_ack"
	TypeRequest         = "request"
	TypeRequestChunk    = "request_chunk"
	TypeRequestComplete = "request_complete"
	TypeRequestError    = "request_error"
	TypeRequestCancel   = "request_cancel"
	TypeDrain           = "drain"
)

// ModelDescriptor describes one model a worker can serve.
type ModelDescriptor struct {
	ID                string `json:"id"`
	Name              string `json:"name,omitempty"`
	ContextLength     int    `json:"contextLength,omitempty"`
	MaxOutputTokens   int    `json:"maxOutputTokens,omitempty"`
	SupportsStreaming bool   `json:"supportsStreaming,omitempty"`
	SupportsVision    bool   `json:"supportsVision,omitempty"`
	SupportsTools     bool   `json:"supportsTools,omitempty"`
}

// Capabilities are declared once at registration and never change for the
// lifetime of a connection.
type Capabilities struct {
	Models                []ModelDescriptor `json:"models"`
	MaxConcurrentRequests int               `json:"maxConcurrentRequests"`
	Metadata              map[string]any    `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy that callers cannot mutate the original.
func (c Capabilities) Clone() Capabilities {
	out := Capabilities{MaxConcurrentRequests: c.MaxConcurrentRequests}
	if c.Models != nil {
		out.Models = append([]ModelDescriptor(nil), c.Models...)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// RegistrationMessage is the first frame a worker sends.
type RegistrationMessage struct {
	Type         string       `json:"type"`
	WorkerID     string       `json:"workerId"`
	WorkerName   string       `json:"workerName,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	AuthToken    string       `json:"authToken,omitempty"`
}

// Validate reports structural problems with a registration.
func (m RegistrationMessage) Validate() error {
	if m.Type != TypeRegistration {
		return fmt.Errorf("unexpected message type %q", m.Type)
	}
	if m.WorkerID == "" {
		return errors.New("workerId is required")
	}
	if m.Capabilities.MaxConcurrentRequests < 1 {
		return errors.New("capabilities.maxConcurrentRequests must be at least 1")
	}
	return nil
}

// RegistrationAck answers a RegistrationMessage.
type RegistrationAck struct {
	Type                string `json:"type"`
	Success             bool   `json:"success"`
	Error               string `json:"error,omitempty"`
	SessionID           string `json:"sessionId,omitempty"`
	HeartbeatIntervalMs int64  `json:"heartbeatIntervalMs,omitempty"`
}

type HeartbeatMessage struct {
	Type      string `json:"type"`
	WorkerID  string `json:"workerId"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatAck carries the server time and the deadline for the next
// heartbeat, both in Unix milliseconds.
type HeartbeatAck struct {
	Type                  string `json:"type"`
	Timestamp             int64  `json:"timestamp"`
	NextHeartbeatDeadline int64  `json:"nextHeartbeatDeadline"`
}

// RequestMessage forwards a dispatched request to a worker. The payload is
// opaque to the coordination server.
type RequestMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type RequestChunkMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type RequestCompleteMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type RequestErrorMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error"`
}

type RequestCancelMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// DrainMessage tells a worker the server stopped routing new work to it.
type DrainMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Envelope is a decoded frame header plus the raw frame. It is what message
// listeners receive for frames the server does not consume itself.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// Decode parses the type and request id of a frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode frame: missing type")
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return env, nil
}

// Into unmarshals the raw frame into v.
func (e Envelope) Into(v any) error {
	return json.Unmarshal(e.Raw, v)
}
