package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gaspardpetit/nfrx-coord/internal/config"
	ctrl "github.com/gaspardpetit/nfrx-coord/sdk/contracts/control"
)

func TestAgentConfig(t *testing.T) {
	cfg := config.WorkerConfig{
		ServerURL:             "ws://x/api/workers/connect",
		WorkerID:              "w1",
		Models:                []string{"a", "b"},
		MaxConcurrentRequests: 3,
		Metadata:              map[string]string{"zone": "eu"},
		Reconnect:             true,
	}
	ac := agentConfig(cfg)
	if ac.WorkerID != "w1" || ac.MaxConcurrentRequests != 3 || !ac.Reconnect {
		t.Fatalf("unexpected config %+v", ac)
	}
	if len(ac.Models) != 2 || ac.Models[1].ID != "b" {
		t.Fatalf("models = %+v", ac.Models)
	}
	if ac.Metadata["zone"] != "eu" || ac.Metadata["version"] != version {
		t.Fatalf("metadata = %+v", ac.Metadata)
	}
}

func TestEcho(t *testing.T) {
	var chunks []string
	out, err := echo(context.Background(), ctrl.RequestMessage{Payload: json.RawMessage(`{"a":1}`)}, func(p json.RawMessage) error {
		chunks = append(chunks, string(p))
		return nil
	})
	if err != nil || string(out) != `{"a":1}` || len(chunks) != 1 {
		t.Fatalf("echo = %s %v chunks=%v", out, err, chunks)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := echo(ctx, ctrl.RequestMessage{}, func(json.RawMessage) error { return nil }); err == nil {
		t.Fatalf("expected cancelled error")
	}
}
