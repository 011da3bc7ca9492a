// Package finalize is the top-level Finalizer (FN): it orders the engine's
// graceful shutdown, stopping inbound traffic before draining every Room
// Controller in parallel under a bounded deadline (spec.md §4.6).
package finalize

import (
	"context"
	"net/http"
	"time"

	"github.com/flowroom/engine/internal/durable"
	"github.com/flowroom/engine/internal/roomctl"
	"github.com/flowroom/engine/internal/utils"
	"github.com/flowroom/engine/internal/warmcache"
)

// Finalizer coordinates shutdown across the HTTP server, every active Room
// Controller, and the downstream connections.
type Finalizer struct {
	logger    *utils.Logger
	server    *http.Server
	registry  *roomctl.Registry
	ds        *durable.Store
	wc        *warmcache.Cache
	otelClose func(context.Context) error
	deadline  time.Duration
}

// New constructs a Finalizer over the engine's components.
func New(logger *utils.Logger, server *http.Server, registry *roomctl.Registry, ds *durable.Store, wc *warmcache.Cache, otelClose func(context.Context) error, deadline time.Duration) *Finalizer {
	return &Finalizer{
		logger:    logger,
		server:    server,
		registry:  registry,
		ds:        ds,
		wc:        wc,
		otelClose: otelClose,
		deadline:  deadline,
	}
}

// Shutdown runs the ordered graceful-shutdown sequence: stop accepting new
// connections, finalize every room in parallel, then release downstream
// resources.
func (f *Finalizer) Shutdown(parentCtx context.Context) {
	f.logger.Info(parentCtx, "shutting down engine")

	shutdownCtx, cancel := context.WithTimeout(parentCtx, f.deadline)
	defer cancel()

	if f.server != nil {
		if err := f.server.Shutdown(shutdownCtx); err != nil {
			f.logger.Error(parentCtx, "http server shutdown error: %v", err)
		} else {
			f.logger.Info(parentCtx, "http server stopped")
		}
	}

	if err := f.registry.FinalizeAll(shutdownCtx); err != nil {
		f.logger.Error(parentCtx, "one or more rooms failed to finalize cleanly: %v", err)
	} else {
		f.logger.Info(parentCtx, "all rooms finalized")
	}

	if f.wc != nil {
		if err := f.wc.Close(); err != nil {
			f.logger.Error(parentCtx, "warm cache close error: %v", err)
		}
	}
	if f.ds != nil {
		f.ds.Close()
	}
	if f.otelClose != nil {
		if err := f.otelClose(shutdownCtx); err != nil {
			f.logger.Error(parentCtx, "opentelemetry shutdown error: %v", err)
		}
	}

	f.logger.Info(parentCtx, "graceful shutdown complete")
}
