package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gaspardpetit/nfrx-coord/core/logx"
	"github.com/gaspardpetit/nfrx-coord/core/secret"
	"github.com/gaspardpetit/nfrx-coord/internal/config"
	"github.com/gaspardpetit/nfrx-coord/sdk/base/agent"
	ctrl "github.com/gaspardpetit/nfrx-coord/sdk/contracts/control"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

// echo returns the request payload unchanged after streaming it once as a
// chunk. It stands in for a real backend when exercising a deployment.
func echo(ctx context.Context, req ctrl.RequestMessage, emit func(json.RawMessage) error) (json.RawMessage, error) {
	if err := emit(req.Payload); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return req.Payload, nil
}

func agentConfig(cfg config.WorkerConfig) agent.Config {
	models := make([]ctrl.ModelDescriptor, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		models = append(models, ctrl.ModelDescriptor{ID: m, SupportsStreaming: true})
	}
	meta := make(map[string]any, len(cfg.Metadata)+1)
	for k, v := range cfg.Metadata {
		meta[k] = v
	}
	meta["version"] = version
	return agent.Config{
		ServerURL:             cfg.ServerURL,
		WorkerID:              cfg.WorkerID,
		WorkerName:            cfg.WorkerName,
		AuthToken:             cfg.AuthToken,
		Models:                models,
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		Metadata:              meta,
		HostMetadata:          cfg.HostMetadata,
		Reconnect:             cfg.Reconnect,
	}
}

func main() {
	var cfg config.WorkerConfig
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
	flag.Parse()
	if *showVersion {
		fmt.Printf("nfrx-coord-worker version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := agent.New(agentConfig(cfg), echo)

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		agent.RegisterMetrics(reg)
		addr, err := agent.StartMetricsServer(ctx, cfg.MetricsAddr, reg)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("metrics server")
		}
		logx.Log.Info().Str("addr", addr).Msg("metrics server started")
	}

	drain := func(reason string) {
		if a.Draining() {
			return
		}
		a.Drain(reason)
		logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to exit immediately")
		if cfg.DrainTimeout > 0 {
			time.AfterFunc(cfg.DrainTimeout, func() {
				logx.Log.Warn().Msg("drain timeout exceeded; exiting")
				cancel()
			})
		}
	}

	if cfg.StatusAddr != "" {
		addr, err := agent.StartControlServer(ctx, cfg.StatusAddr, cfg.TokenPath, a, cancel)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("control server")
		}
		logx.Log.Info().Str("addr", addr).Msg("status server started")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if a.Draining() {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			drain("signal")
		}
	}()

	log := logx.Log.Info().Str("worker_name", cfg.WorkerName).Str("server", cfg.ServerURL).Strs("models", cfg.Models)
	if cfg.AuthToken != "" {
		log = log.Str("token", secret.Mask(cfg.AuthToken))
	}
	log.Msg("worker starting")

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Fatal().Err(err).Msg("worker exited")
	}
	logx.Log.Info().Msg("worker stopped")
}
