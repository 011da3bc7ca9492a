// Package api wires the engine's HTTP surface: the WebSocket upgrade
// endpoint, health check, and Prometheus metrics exposition. Unlike the
// teacher's REST-heavy router, room state never crosses HTTP — every
// mutation flows through the WebSocket session into roomctl.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowroom/engine/internal/config"
	"github.com/flowroom/engine/internal/durable"
	"github.com/flowroom/engine/internal/middleware"
	"github.com/flowroom/engine/internal/transport"
	"github.com/flowroom/engine/internal/utils"
	"github.com/flowroom/engine/internal/warmcache"
)

// Router is the engine's top-level HTTP handler.
type Router struct {
	mux *http.ServeMux
	ds  *durable.Store
	wc  *warmcache.Cache
}

// NewRouter builds the engine's HTTP handler: /ws for the Transport
// Gateway, /healthz for liveness, /metrics for Prometheus scraping.
func NewRouter(cfg *config.Config, logger *utils.Logger, wsHandler *transport.Handler, ds *durable.Store, wc *warmcache.Cache) http.Handler {
	r := &Router{mux: http.NewServeMux(), ds: ds, wc: wc}

	r.mux.Handle("/ws", wsHandler)
	r.mux.HandleFunc("/healthz", r.HealthzHandler)
	r.mux.Handle("/metrics", promhttp.Handler())

	routerWithMiddleware := middleware.RequestIDMiddleware(r.mux)
	routerWithMiddleware = middleware.TracingMiddleware(routerWithMiddleware)
	return routerWithMiddleware
}

// HealthzHandler reports liveness of the durable store and warm cache.
func (r *Router) HealthzHandler(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 3*time.Second)
	defer cancel()

	if r.ds != nil {
		if err := r.ds.Health(ctx); err != nil {
			http.Error(w, "durable store unhealthy: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	if r.wc != nil {
		if err := r.wc.Health(ctx); err != nil {
			http.Error(w, "warm cache unhealthy: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
