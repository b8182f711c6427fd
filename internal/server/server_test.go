package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/nfrx-coord/internal/config"
	"github.com/gaspardpetit/nfrx-coord/internal/serverstate"
	"github.com/gaspardpetit/nfrx-coord/sdk/base/agent"
	"github.com/gaspardpetit/nfrx-coord/sdk/base/worker"
	ctrl "github.com/gaspardpetit/nfrx-coord/sdk/contracts/control"
)

func testConfig() config.ServerConfig {
	cfg := config.ServerConfig{Port: 8080}
	cfg.SetDefaults()
	cfg.RequestTimeout = time.Second
	return cfg
}

func startServer(t *testing.T, cfg config.ServerConfig, ext Extensions) (*worker.Pool, *serverstate.Server, *httptest.Server) {
	t.Helper()
	state := serverstate.New(nil)
	opts := cfg.PoolOptions()
	opts.State = state
	pool := worker.NewPool(opts)
	preg := prometheus.NewRegistry()
	preg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{Name: "nfrx_coord_test_gauge", Help: "test"}))
	ts := httptest.NewServer(New(cfg, pool, state, preg, ext))
	t.Cleanup(func() {
		pool.Close()
		ts.Close()
	})
	return pool, state, ts
}

func get(t *testing.T, url string, hdr map[string]string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestMetricsEndpointDefaultPort(t *testing.T) {
	_, _, ts := startServer(t, testConfig(), Extensions{})
	resp := get(t, ts.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "nfrx_coord_test_gauge") {
		t.Fatalf("metrics missing registry content")
	}
}

func TestMetricsEndpointSeparatePort(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsAddr = ":9090"
	_, _, ts := startServer(t, cfg, Extensions{})
	resp := get(t, ts.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	pool, _, ts := startServer(t, testConfig(), Extensions{})
	resp := get(t, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var h health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil || h.Status != "not_ready" {
		t.Fatalf("health = %+v err=%v", h, err)
	}

	pool.Drain("maintenance")
	resp = get(t, ts.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil || !h.Draining {
		t.Fatalf("health = %+v err=%v", h, err)
	}
}

func TestAPIKeyGuardsAPIButNotWorkerSocket(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "k3y"
	pool, _, ts := startServer(t, cfg, Extensions{})

	if resp := get(t, ts.URL+"/api/state", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/api/state", map[string]string{"Authorization": "Bearer k3y"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	a := agent.New(agent.Config{
		ServerURL:             "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.WSPath,
		WorkerID:              "w1",
		Models:                []ctrl.ModelDescriptor{{ID: "m"}},
		MaxConcurrentRequests: 1,
	}, func(_ context.Context, req ctrl.RequestMessage, _ func(json.RawMessage) error) (json.RawMessage, error) {
		return req.Payload, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	deadline := time.Now().Add(3 * time.Second)
	for pool.Registry().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if resp := get(t, ts.URL+"/api/workers/w1", map[string]string{"Authorization": "Bearer k3y"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("get worker = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/requests", strings.NewReader(`{"require":{"model":"m"},"payload":"hi"}`))
	req.Header.Set("Authorization", "Bearer k3y")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var res worker.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil || string(res.Payload) != `"hi"` {
		t.Fatalf("relay = %d %+v err=%v", resp.StatusCode, res, err)
	}
}

func TestStatusPage(t *testing.T) {
	_, _, ts := startServer(t, testConfig(), Extensions{})
	resp := get(t, ts.URL+"/state", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("cache control = %q", cc)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `data-stream="/api/state/stream"`) {
		t.Fatalf("page does not point at the state stream:\n%s", body)
	}
}

func TestExtensions(t *testing.T) {
	ext := Extensions{
		Connections: map[string]ConnectionHandler{
			"/ext/echo": func(ctx context.Context, c *websocket.Conn, _ *http.Request) {
				typ, b, err := c.Read(ctx)
				if err != nil {
					return
				}
				_ = c.Write(ctx, typ, b)
				_ = c.Close(websocket.StatusNormalClosure, "")
			},
		},
		Routes: []RouteHandler{
			func(w http.ResponseWriter, r *http.Request) bool {
				if r.URL.Path != "/custom" {
					return false
				}
				w.WriteHeader(http.StatusTeapot)
				return true
			},
		},
	}
	_, _, ts := startServer(t, testConfig(), ext)

	if resp := get(t, ts.URL+"/custom", nil); resp.StatusCode != http.StatusTeapot {
		t.Fatalf("custom route = %d", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/nowhere", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unmatched route = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ext/echo", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.CloseNow() }()
	if err := c.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, b, err := c.Read(ctx)
	if err != nil || string(b) != "ping" {
		t.Fatalf("echo = %q err=%v", b, err)
	}
}

func TestExtensionRouteClaimsOtherMethod(t *testing.T) {
	ext := Extensions{
		Routes: []RouteHandler{
			func(w http.ResponseWriter, r *http.Request) bool {
				if r.Method != http.MethodPost || r.URL.Path != "/healthz" {
					return false
				}
				w.WriteHeader(http.StatusAccepted)
				return true
			},
		},
	}
	_, _, ts := startServer(t, testConfig(), ext)

	resp, err := http.Post(ts.URL+"/healthz", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /healthz = %d, want extension status", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/healthz", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE /healthz = %d, want 405", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz = %d", resp.StatusCode)
	}
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://example.com"}
	_, _, ts := startServer(t, cfg, Extensions{})
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/state", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Fatalf("allow origin = %q", got)
	}
}
