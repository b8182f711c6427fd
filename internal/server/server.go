package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/nfrx-coord/core/logx"
	"github.com/gaspardpetit/nfrx-coord/internal/api"
	"github.com/gaspardpetit/nfrx-coord/internal/config"
	"github.com/gaspardpetit/nfrx-coord/internal/serverstate"
	"github.com/gaspardpetit/nfrx-coord/sdk/base/worker"
)

// ConnectionHandler serves an accepted WebSocket. The connection is closed
// by the caller once the handler returns.
type ConnectionHandler func(ctx context.Context, c *websocket.Conn, r *http.Request)

// RouteHandler is offered requests no built-in route matched. It returns
// false to pass the request on.
type RouteHandler func(w http.ResponseWriter, r *http.Request) bool

// Extensions lets embedders add endpoints without touching the router.
type Extensions struct {
	// Connections maps extra WebSocket paths to their handlers.
	Connections map[string]ConnectionHandler
	// Routes are tried in order before answering 404.
	Routes []RouteHandler
}

// New constructs the HTTP handler for the server. preg receives the metrics
// served on /metrics when they share the main port.
func New(cfg config.ServerConfig, pool *worker.Pool, state *serverstate.Server, preg *prometheus.Registry, ext Extensions) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}
	if state == nil {
		state = serverstate.New(nil)
	}

	stateH := &api.StateHandler{Pool: pool, Server: state}
	workersH := &api.WorkersHandler{Pool: pool, Server: state}
	requestsH := &api.RequestsHandler{Pool: pool, Timeout: cfg.RequestTimeout}

	r.Get("/healthz", healthz(pool, state))
	r.Get("/state", StatusHandler("/api/state/stream"))
	r.Handle(cfg.WSPath, pool.Handler())
	for path, fn := range ext.Connections {
		r.Handle(path, acceptConn(fn, cfg.AllowedOrigins))
	}

	r.Group(func(g chi.Router) {
		g.Use(api.APIKeyMiddleware(cfg.APIKey))
		g.Get("/api/state", stateH.GetState)
		g.Get("/api/state/stream", stateH.GetStateStream)
		g.Get("/api/workers", workersH.ListWorkers)
		g.Get("/api/workers/{id}", workersH.GetWorker)
		g.Post("/api/workers/{id}/drain", workersH.DrainWorker)
		g.Post("/api/drain", workersH.DrainPool)
		g.Post("/api/requests", requestsH.PostRequest)
	})

	if preg != nil && (cfg.MetricsAddr == "" || cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port)) {
		r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	}

	// Extension routes may claim any request the router cannot serve,
	// including known paths hit with another method.
	r.NotFound(fallback(ext.Routes, http.NotFound))
	r.MethodNotAllowed(fallback(ext.Routes, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}))
	return r
}

func fallback(routes []RouteHandler, otherwise http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		for _, fn := range routes {
			if fn(w, req) {
				return
			}
		}
		otherwise(w, req)
	}
}

type health struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
	Workers  int    `json:"workers"`
}

func healthz(pool *worker.Pool, state *serverstate.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := state.Load()
		code := http.StatusOK
		if st.Draining || pool.Draining() {
			code = http.StatusServiceUnavailable
			st.Status = "draining"
			st.Draining = true
		}
		writeJSON(w, code, health{Status: st.Status, Draining: st.Draining, Workers: pool.Registry().Len()})
	}
}

func acceptConn(fn ConnectionHandler, origins []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
		if err != nil {
			logx.Log.Error().Err(err).Str("path", r.URL.Path).Msg("ws accept")
			return
		}
		defer func() { _ = c.CloseNow() }()
		fn(r.Context(), c, r)
	}
}
