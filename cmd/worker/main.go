package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devanshbm/runq/internal/config"
	"github.com/devanshbm/runq/internal/domain"
	"github.com/devanshbm/runq/internal/platform/broker"
	"github.com/devanshbm/runq/internal/platform/cache"
	"github.com/devanshbm/runq/internal/sandbox"
	"github.com/devanshbm/runq/internal/storage/sqlite"
	"github.com/devanshbm/runq/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resultCache, err := cache.New(cfg.Redis.Addr)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer resultCache.Close()

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		slog.Error("failed to open result store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	runner, err := sandbox.NewDockerRunner()
	if err != nil {
		slog.Error("failed to connect to docker", "error", err)
		os.Exit(1)
	}
	executor := sandbox.NewExecutor(runner, cfg.Sandbox.ScratchDir, cfg.Sandbox.Timeout, cfg.Sandbox.MemoryMB)

	manager := broker.NewManager(cfg.Broker.URL, cfg.Broker.Queue,
		broker.WithPrefetch(cfg.Worker.Prefetch),
		broker.WithReconnectPolicy(cfg.Broker.ReconnectDelay, cfg.Broker.MaxRetries),
	)
	if err := manager.Connect(); err != nil {
		slog.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer manager.Close()

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		slog.Info("metrics server starting", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	w := worker.New(manager, executor, resultCache, store, resultCache, cfg.Cache.ResultTTL, cfg.Worker.Prefetch)

	// The delivery stream closes on connection loss; re-enter Run once the
	// manager has reconnected, and give up only when it reports failed.
	for ctx.Err() == nil {
		if err := w.Run(ctx); err != nil {
			if errors.Is(err, domain.ErrBrokerUnavailable) {
				if manager.State() == broker.StateFailed {
					slog.Error("broker permanently unavailable, exiting")
					break
				}
				select {
				case <-ctx.Done():
				case <-time.After(cfg.Broker.ReconnectDelay):
				}
				continue
			}
			slog.Error("worker stopped", "error", err)
			break
		}
		if ctx.Err() == nil {
			slog.Warn("delivery stream closed, waiting for reconnect")
			select {
			case <-ctx.Done():
			case <-time.After(cfg.Broker.ReconnectDelay):
			}
		}
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", "error", err)
	}
}
