package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"futarchy/config"
	"futarchy/core"
	"futarchy/observability/logging"
	"futarchy/rpc"
	"futarchy/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "Path to the TOML config file")
	flag.Parse()

	env := os.Getenv("FUTARCHY_ENV")
	logger := logging.Setup("futarchyd", env)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	var db storage.Database
	if cfg.Ephemeral {
		logger.Warn("running with ephemeral in-memory storage; state is lost on exit")
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			logger.Error("failed to open database", "dir", cfg.DataDir, "err", err)
			os.Exit(1)
		}
		db = ldb
	}

	node, err := core.NewNode(db)
	if err != nil {
		logger.Error("failed to start node", "err", err)
		db.Close()
		os.Exit(1)
	}
	node.SetLogger(logger)
	node.SetSweepWindow(cfg.SweepWindow())

	rpcServer := rpc.NewServer(node,
		rpc.WithLogger(logger),
		rpc.WithRateLimit(cfg.RateLimitPerMinute, cfg.RateLimitBurst),
		rpc.WithMaxRequestBytes(cfg.MaxRequestBytes),
	)

	api := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           rpcServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ops := &http.Server{
		Addr:              cfg.OpsAddress,
		Handler:           opsRouter(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("JSON-RPC listening", "addr", cfg.RPCAddress, "network", cfg.NetworkName)
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("ops endpoint listening", "addr", cfg.OpsAddress)
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "err", err)
	}

	grace := time.Duration(cfg.ShutdownGraceSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := api.Shutdown(ctx); err != nil {
		logger.Error("RPC shutdown", "err", err)
	}
	if err := ops.Shutdown(ctx); err != nil {
		logger.Error("ops shutdown", "err", err)
	}
	node.Close()
	logger.Info("node stopped")
}

// opsRouter serves the operational surface: liveness and Prometheus metrics.
func opsRouter(cfg *config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if !cfg.DisableMetricsServing {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}
