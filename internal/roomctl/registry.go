package roomctl

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flowroom/engine/internal/config"
	"github.com/flowroom/engine/internal/metrics"
	"github.com/flowroom/engine/internal/utils"
)

// Registry is the Room Registry (RR): the in-engine map from roomId to
// Controller. It creates controllers on first access and reaps them once
// their finalization completes (spec.md §2, §4.6).
type Registry struct {
	cfg    *config.Config
	logger *utils.Logger
	oracle AccessOracle
	ds     DurableStore
	wc     WarmCache
	audit  Auditor

	mu          sync.Mutex
	controllers map[uuid.UUID]*Controller
}

// NewRegistry constructs an empty Registry over the engine's shared
// downstream collaborators. audit may be nil when cfg.AuditRejections is
// false.
func NewRegistry(cfg *config.Config, logger *utils.Logger, oracle AccessOracle, ds DurableStore, wc WarmCache, audit Auditor) *Registry {
	return &Registry{
		cfg:         cfg,
		logger:      logger,
		oracle:      oracle,
		ds:          ds,
		wc:          wc,
		audit:       audit,
		controllers: make(map[uuid.UUID]*Controller),
	}
}

// GetOrCreate returns the Controller owning roomID, starting a fresh one if
// none exists yet.
func (r *Registry) GetOrCreate(roomID uuid.UUID) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.controllers[roomID]; ok {
		return c
	}

	c := New(roomID, r.cfg, r.logger, r.oracle, r.ds, r.wc, r.audit, r.handleEmpty)
	r.controllers[roomID] = c
	c.Start()
	go r.relayRemote(c)
	metrics.ActiveRooms.Set(float64(len(r.controllers)))
	return c
}

// relayRemote subscribes to roomID's cross-instance broadcast channel and
// hands every inbound payload to the Controller for local delivery, until
// either the subscription drops or the Controller's executor stops (room
// reaped). This is the consumer side of the fan-out Controller.publishRemote
// produces (SPEC_FULL.md §11); it is what lets a FLOW_CHANGE or CURSOR_MOVE
// broadcast on one engine instance reach sockets held open by another.
func (r *Registry) relayRemote(c *Controller) {
	ch, closeFn := r.wc.Subscribe(context.Background(), c.ID())
	defer closeFn()

	for {
		select {
		case <-c.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			c.DeliverRemote(payload)
		}
	}
}

// handleEmpty is invoked by a Controller (from its executor goroutine) when
// its participant set becomes empty. Finalization must not run inline on
// the executor goroutine that called this — that goroutine is what drives
// the mailbox Finalize itself dispatches onto — so it is handed off to a
// fresh goroutine.
func (r *Registry) handleEmpty(roomID uuid.UUID) {
	go r.finalizeAndReap(roomID)
}

func (r *Registry) finalizeAndReap(roomID uuid.UUID) {
	r.mu.Lock()
	c, ok := r.controllers[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	if err := c.Finalize(ctx); err != nil {
		r.logger.Error(ctx, "finalization failed for room %s: %v", roomID, err)
	}
	if !c.Reaped() {
		// A participant rejoined before finalization ran; the controller
		// stays active and registered.
		return
	}

	r.mu.Lock()
	if current, ok := r.controllers[roomID]; ok && current == c {
		delete(r.controllers, roomID)
	}
	metrics.ActiveRooms.Set(float64(len(r.controllers)))
	r.mu.Unlock()
}

// FinalizeAll drains every active room in parallel, used on engine shutdown
// (spec.md §4.6: "finalize all rooms in parallel; the shutdown signal
// handler waits until all finalizers complete (or deadline) before exiting").
func (r *Registry) FinalizeAll(ctx context.Context) error {
	r.mu.Lock()
	controllers := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		controllers = append(controllers, c)
	}
	r.mu.Unlock()

	// Each Controller.Finalize derives its own finalizationDeadline from
	// ctx; a plain Group is used (not WithContext) so one room's finalize
	// failure doesn't cancel the others still draining.
	var g errgroup.Group
	for _, c := range controllers {
		c := c
		g.Go(func() error {
			return c.Finalize(ctx)
		})
	}
	err := g.Wait()

	r.mu.Lock()
	for _, c := range controllers {
		delete(r.controllers, c.ID())
	}
	metrics.ActiveRooms.Set(float64(len(r.controllers)))
	r.mu.Unlock()

	return err
}

// Count reports the number of currently active room controllers, exposed
// as a gauge by internal/metrics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// RunEvictionSweep periodically reaps controllers that have sat empty for
// longer than cfg.RoomEvictionThreshold without their empty-room reap ever
// firing — a safety net alongside the synchronous reap in Leave, covering
// the case where a crash or a lost onEmpty callback left a zero-participant
// controller registered (SPEC_FULL.md §11). Blocks until ctx is canceled.
func (r *Registry) RunEvictionSweep(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RoomEvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	r.mu.Lock()
	candidates := make([]*Controller, 0)
	for _, c := range r.controllers {
		idle, participants := c.IdleSince()
		if participants == 0 && idle >= r.cfg.RoomEvictionThreshold {
			candidates = append(candidates, c)
		}
	}
	r.mu.Unlock()

	for _, c := range candidates {
		r.logger.Warn(context.Background(), "cold-room sweep reaping idle room %s", c.ID())
		go r.finalizeAndReap(c.ID())
	}
}
