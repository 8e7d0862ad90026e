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

	"github.com/devanshbm/runq/internal/config"
	"github.com/devanshbm/runq/internal/notify"
	"github.com/devanshbm/runq/internal/platform/broker"
	"github.com/devanshbm/runq/internal/platform/cache"
	"github.com/devanshbm/runq/internal/publish"
	"github.com/devanshbm/runq/internal/server"
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

	manager := broker.NewManager(cfg.Broker.URL, cfg.Broker.Queue,
		broker.WithReconnectPolicy(cfg.Broker.ReconnectDelay, cfg.Broker.MaxRetries),
	)
	if err := manager.Connect(); err != nil {
		// The manager retries in the background; submissions answer 503
		// until it recovers.
		slog.Warn("broker unreachable at startup", "error", err)
	}
	defer manager.Close()

	publisher := publish.NewPublisher(manager, resultCache, cfg.Cache.ResultTTL)
	registry := notify.NewRegistry()

	// Bridge worker completion events into this instance's subscriptions.
	results, err := resultCache.Results(ctx)
	if err != nil {
		slog.Error("failed to subscribe to completion events", "error", err)
		os.Exit(1)
	}
	go func() {
		for res := range results {
			registry.Notify(res)
		}
	}()

	srv := server.New(publisher, resultCache, registry, manager, cfg.Server.RateLimit, cfg.Server.RateBurst)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Handler(),
	}

	go func() {
		slog.Info("API server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}
