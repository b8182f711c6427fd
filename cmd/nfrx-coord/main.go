package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/nfrx-coord/core/logx"
	"github.com/gaspardpetit/nfrx-coord/core/secret"
	"github.com/gaspardpetit/nfrx-coord/internal/config"
	"github.com/gaspardpetit/nfrx-coord/internal/metrics"
	"github.com/gaspardpetit/nfrx-coord/internal/server"
	"github.com/gaspardpetit/nfrx-coord/internal/serverstate"
	sdkmetrics "github.com/gaspardpetit/nfrx-coord/sdk/base/metrics"
	"github.com/gaspardpetit/nfrx-coord/sdk/base/worker"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	var cfg config.ServerConfig
	cfg.SetDefaults()
	if v := config.GetEnv("CONFIG_FILE", ""); v != "" {
		cfg.ConfigFile = v
	}
	if v := config.ConfigFileArg(os.Args[1:]); v != "" {
		cfg.ConfigFile = v
	}
	if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}
	cfg.ApplyEnv()

	showVersion := flag.Bool("version", false, "print version and exit")
	cfg.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "nfrx-coord version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("nfrx-coord version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store serverstate.Store
	if cfg.RedisAddr != "" {
		host, _ := os.Hostname()
		instance := fmt.Sprintf("%s:%d:%s", host, cfg.Port, uuid.NewString()[:8])
		rs, err := serverstate.NewRedisStore(ctx, cfg.RedisAddr, instance)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		store = rs
		logx.Log.Info().Str("instance", instance).Msg("using redis state store")
	}
	state := serverstate.New(store)

	preg := prometheus.NewRegistry()
	preg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sdkmetrics.Register(preg)
	metrics.Register(preg)
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	opts := cfg.PoolOptions()
	opts.State = state
	pool := worker.NewPool(opts)
	pool.Events().OnDraining(func(scope, reason string) {
		if scope == worker.ScopePool {
			metrics.SetDraining(true)
		}
	})

	if cfg.AuthTokenFile != "" {
		tok, err := config.ReadToken(cfg.AuthTokenFile)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("path", cfg.AuthTokenFile).Msg("read auth token")
		}
		pool.SetAuthToken(tok)
		go func() {
			err := config.WatchToken(ctx, cfg.AuthTokenFile, func(tok string) {
				pool.SetAuthToken(tok)
				logx.Log.Info().Str("path", cfg.AuthTokenFile).Str("token", secret.Mask(tok)).Msg("worker auth token rotated")
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logx.Log.Error().Err(err).Msg("token watcher stopped")
			}
		}()
	}
	go pool.Run(ctx)

	handler := server.New(cfg, pool, state, preg, server.Extensions{})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" && cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if pool.Draining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			state.StartDrain()
			pool.Drain("shutdown")
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Int("inflight", pool.Tracker().Active()).Msg("draining; send SIGTERM again to terminate immediately")
			go func() {
				wctx, wcancel := ctx, context.CancelFunc(func() {})
				if cfg.DrainTimeout > 0 {
					wctx, wcancel = context.WithTimeout(ctx, cfg.DrainTimeout)
				}
				defer wcancel()
				if pool.Tracker().WaitDrained(wctx) {
					logx.Log.Info().Msg("drained")
				} else if ctx.Err() == nil {
					logx.Log.Warn().Int("inflight", pool.Tracker().Active()).Msg("drain timeout exceeded; terminating")
				}
				cancel()
			}()
		}
	}()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		pool.Close()
		if err := srv.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(sctx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Msg("API key auth enabled")
	}
	if cfg.AuthToken == "" && cfg.AuthTokenFile == "" {
		logx.Log.Warn().Msg("no worker auth token configured; any worker may register")
	} else if cfg.AuthToken != "" {
		logx.Log.Info().Str("token", secret.Mask(cfg.AuthToken)).Msg("worker auth enabled")
	}
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	logx.Log.Info().Int("port", cfg.Port).Str("ws_path", cfg.WSPath).Str("version", version).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	<-stopped
}
