package control

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := Decode([]byte(`{"type":"request_complete","requestId":"r1","payload":{"ok":true}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeRequestComplete || env.RequestID != "r1" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	var m RequestCompleteMessage
	if err := env.Into(&m); err != nil {
		t.Fatalf("into: %v", err)
	}
	if string(m.Payload) != `{"ok":true}` {
		t.Fatalf("payload = %s", m.Payload)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"requestId":"r1"}`)); err == nil {
		t.Fatalf("expected error for missing type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestRegistrationValidate(t *testing.T) {
	ok := RegistrationMessage{Type: TypeRegistration, WorkerID: "w1", Capabilities: Capabilities{MaxConcurrentRequests: 1}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tests := []struct {
		name string
		msg  RegistrationMessage
		want string
	}{
		{"wrong type", RegistrationMessage{Type: "register", WorkerID: "w1", Capabilities: Capabilities{MaxConcurrentRequests: 1}}, "unexpected message type"},
		{"no id", RegistrationMessage{Type: TypeRegistration, Capabilities: Capabilities{MaxConcurrentRequests: 1}}, "workerId"},
		{"no capacity", RegistrationMessage{Type: TypeRegistration, WorkerID: "w1"}, "maxConcurrentRequests"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v; want error containing %q", err, tt.want)
			}
		})
	}
}

func TestRegistrationWireNames(t *testing.T) {
	b, _ := json.Marshal(RegistrationAck{Type: TypeRegistrationAck, Success: true, SessionID: "s", HeartbeatIntervalMs: 15000})
	s := string(b)
	for _, want := range []string{`"sessionId":"s"`, `"heartbeatIntervalMs":15000`, `"success":true`} {
		if !strings.Contains(s, want) {
			t.Fatalf("%s missing %s", s, want)
		}
	}
}

func TestCapabilitiesClone(t *testing.T) {
	c := Capabilities{Models: []ModelDescriptor{{ID: "m"}}, MaxConcurrentRequests: 2, Metadata: map[string]any{"k": "v"}}
	cp := c.Clone()
	cp.Models[0].ID = "x"
	cp.Metadata["k"] = "changed"
	if c.Models[0].ID != "m" || c.Metadata["k"] != "v" {
		t.Fatalf("clone shares state with original")
	}
}
