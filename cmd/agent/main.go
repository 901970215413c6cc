// Command agent runs the publisher runtime process: it owns one WAL file
// and one mTLS connection to the bus, signing and delivering envelopes
// handed to it by collectors (out of scope here).
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ap3pp3rs94/telemetry-core/internal/eventbus"
	"github.com/Ap3pp3rs94/telemetry-core/internal/publisher"
	"github.com/Ap3pp3rs94/telemetry-core/internal/wal"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/config"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/telemetry"
)

const drainBatchLimit = 100

func main() {
	configPath := flag.String("config", "", "path to agent YAML config")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent: load config:", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(os.Stdout, telemetry.Options{Service: "agent", Level: telemetry.LevelInfo}).With(cfg.AgentID)
	metrics := telemetry.NewMetrics("agent")

	skRaw, err := hex.DecodeString(cfg.PrivateKeyHex)
	if err != nil || len(skRaw) != ed25519.PrivateKeySize {
		logger.Error("invalid private_key_hex", map[string]any{"err": err})
		os.Exit(1)
	}
	sk := ed25519.PrivateKey(skRaw)

	w, err := wal.Open(cfg.WALPath, cfg.MaxBacklogBytes)
	if err != nil {
		logger.Error("failed to open wal", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	eventbus.RegisterCodec()

	tlsConfig, err := publisher.ClientTLSConfig(cfg.ClientCertPath, cfg.ClientKeyPath, cfg.CACertPath)
	if err != nil {
		logger.Error("failed to build client tls config", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	client, err := publisher.Dial(cfg.BusAddress, tlsConfig)
	if err != nil {
		logger.Error("failed to dial bus", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	pub := publisher.New(w, client, sk, cfg, metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go pub.DrainLoop(ctx, drainBatchLimit)

	health := telemetry.NewHealth(cfg.AgentID, func() []telemetry.ComponentStatus {
		return []telemetry.ComponentStatus{{Name: "wal", Status: telemetry.StatusOK, CheckedAt: time.Now().UTC()}}
	}, func() []telemetry.ComponentStatus {
		ready, reason := pub.Ready(context.Background())
		status := telemetry.StatusOK
		if !ready {
			status = telemetry.StatusDegraded
		}
		return []telemetry.ComponentStatus{{Name: "publisher", Status: status, CheckedAt: time.Now().UTC(), Message: reason}}
	})

	router := mux.NewRouter()
	router.HandleFunc("/healthz", health.LivenessHandler)
	router.HandleFunc("/readyz", health.ReadinessHandler)
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: cfg.MetricsListenAddr, Handler: router}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http side-channel failed", map[string]any{"err": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down", nil)
	cancel()
	if err := pub.Shutdown(); err != nil {
		logger.Error("shutdown error", map[string]any{"err": err.Error()})
	}
	_ = client.Close()
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	_ = httpServer.Shutdown(shCtx)
}
