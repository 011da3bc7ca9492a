package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowroom/engine/internal/accessoracle"
	"github.com/flowroom/engine/internal/api"
	"github.com/flowroom/engine/internal/auditlog"
	"github.com/flowroom/engine/internal/config"
	"github.com/flowroom/engine/internal/durable"
	"github.com/flowroom/engine/internal/finalize"
	"github.com/flowroom/engine/internal/observability"
	"github.com/flowroom/engine/internal/roomctl"
	"github.com/flowroom/engine/internal/transport"
	"github.com/flowroom/engine/internal/utils"
	"github.com/flowroom/engine/internal/warmcache"
)

func main() {
	cfg := config.Load()

	otelCleanup, err := observability.InitOpenTelemetry("flowroom-engine", "1.0.0")
	if err != nil {
		panic(err)
	}

	logger := utils.NewLogger(cfg.LogLevel)
	ctx := context.Background()

	ds, err := durable.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize durable store: %v", err)
	}

	wc, err := warmcache.New(cfg.RedisURL)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize warm cache: %v", err)
	}

	tokens, err := accessoracle.NewTokenManager(cfg.JWTRSAPrivateKey, cfg.JWTRSAPublicKey)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize token manager: %v", err)
	}
	oracle := accessoracle.New(tokens, ds)

	var audit roomctl.Auditor
	if cfg.AuditRejections {
		a, err := auditlog.New(cfg.AuditPath)
		if err != nil {
			logger.Fatal(ctx, "failed to initialize audit log: %v", err)
		}
		audit = a
	}

	registry := roomctl.NewRegistry(cfg, logger, oracle, ds, wc, audit)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	go registry.RunEvictionSweep(sweepCtx)
	defer stopSweep()

	wsHandler := transport.NewHandler(cfg, logger, registry, oracle)
	router := api.NewRouter(cfg, logger, wsHandler, ds, wc)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived.
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info(ctx, "starting engine on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fin := finalize.New(logger, server, registry, ds, wc, otelCleanup, cfg.FinalizationDeadline)
	fin.Shutdown(ctx)

	logger.Info(ctx, "engine stopped")
}
