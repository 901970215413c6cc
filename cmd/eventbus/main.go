// Command eventbus runs the broker process: it authenticates agents over
// mTLS, admits, validates, verifies, dedups, and durably persists signed
// telemetry envelopes.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/Ap3pp3rs94/telemetry-core/internal/eventbus"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/config"
	"github.com/Ap3pp3rs94/telemetry-core/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to broker YAML config")
	flag.Parse()

	cfg, err := config.LoadBroker(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "eventbus: load config:", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(os.Stdout, telemetry.Options{Service: "eventbus", Level: telemetry.LevelInfo})
	metrics := telemetry.NewMetrics("eventbus")

	store, err := buildEventStore(cfg, logger)
	if err != nil {
		logger.Error("failed to build event store", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	defer store.Close()

	auth, err := eventbus.NewAuthTable(cfg.CNAllowlist, cfg.AgentKeyMapHex)
	if err != nil {
		logger.Error("failed to build auth table", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	dedup, err := eventbus.NewDedup(cfg.DedupCacheSize)
	if err != nil {
		logger.Error("failed to build dedup cache", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	admission := eventbus.NewAdmission(cfg.MaxInflight)
	admission.SetOverloadMode(cfg.OverloadMode)

	server := eventbus.NewServer(admission, dedup, auth, store, cfg.MaxEnvelopeBytes, metrics, logger)

	eventbus.RegisterCodec()

	tlsConfig, err := eventbus.ServerTLSConfig(cfg.ServerCertPath, cfg.ServerKeyPath, cfg.CACertPath)
	if err != nil {
		logger.Error("failed to build server tls config", map[string]any{"err": err.Error()})
		os.Exit(1)
	}

	grpcServer := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsConfig)))
	eventbus.RegisterEventBusServer(grpcServer, server)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		logger.Error("failed to listen", map[string]any{"err": err.Error(), "port": cfg.ListenPort})
		os.Exit(1)
	}

	health := telemetry.NewHealth("eventbus", nil, func() []telemetry.ComponentStatus {
		status := telemetry.StatusOK
		msg := ""
		if admission.OverloadMode() {
			status = telemetry.StatusDegraded
			msg = "overload mode active"
		}
		return []telemetry.ComponentStatus{{Name: "admission", Status: status, CheckedAt: time.Now().UTC(), Message: msg}}
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

	go func() {
		logger.Info("eventbus listening", map[string]any{"port": cfg.ListenPort})
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", map[string]any{"err": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			reloadAuthConfig(*configPath, server, logger)
			continue
		}
		break
	}

	logger.Info("shutting down", nil)
	grpcServer.GracefulStop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
}

// reloadAuthConfig re-reads the broker config file and hot-swaps the CN
// allowlist and agent signing-key map in place, without restarting the
// process or disturbing in-flight RPCs. It is the SIGHUP-triggered path to
// the same rotation UpdateAuthConfig exposes over gRPC for remote callers.
func reloadAuthConfig(configPath string, server *eventbus.Server, logger *telemetry.Logger) {
	cfg, err := config.LoadBroker(configPath)
	if err != nil {
		logger.Error("sighup: reload config failed, auth tables unchanged", map[string]any{"err": err.Error()})
		return
	}
	resp, err := server.UpdateAuthConfig(context.Background(), &eventbus.UpdateAuthConfigRequest{
		CNAllowlist:    cfg.CNAllowlist,
		AgentKeyMapHex: cfg.AgentKeyMapHex,
	})
	if err != nil || !resp.OK {
		reason := err
		if reason == nil {
			reason = fmt.Errorf("%s", resp.Error)
		}
		logger.Error("sighup: auth config reload rejected", map[string]any{"err": reason.Error()})
		return
	}
	logger.Info("sighup: auth config reloaded", nil)
}

func buildEventStore(cfg config.BrokerConfig, logger *telemetry.Logger) (eventbus.EventStore, error) {
	if cfg.EventStoreDSN == "" {
		logger.Warn("no event_store_dsn configured, using in-memory event store", nil)
		return eventbus.NewMemoryEventStore(), nil
	}
	db, err := sql.Open("postgres", cfg.EventStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	store, err := eventbus.NewPostgresEventStore(db, "")
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		return nil, err
	}
	return store, nil
}
