package roomctl

import (
	"context"
	"math/rand"
	"time"

	"github.com/flowroom/engine/internal/conflict"
	"github.com/flowroom/engine/internal/consolidate"
	"github.com/flowroom/engine/internal/errs"
	"github.com/flowroom/engine/internal/metrics"
	"github.com/flowroom/engine/internal/model"
)

// Finalize drains both queues and the Warm Cache's pending-changes list,
// retrying Durable Store writes under a bounded deadline, then stops the
// executor (spec.md §4.6). Called when the last participant leaves, or by
// the Finalizer on shutdown.
func (c *Controller) Finalize(parentCtx context.Context) error {
	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.FinalizationDeadline)
	defer cancel()

	start := time.Now()
	err := c.dispatch(ctx, func() {
		c.finalizeLocked(ctx)
	})
	outcome := "ok"
	if ctx.Err() != nil {
		outcome = "deadline_exceeded"
	}
	metrics.FinalizeDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return err
}

func (c *Controller) finalizeLocked(ctx context.Context) {
	if len(c.participants) > 0 {
		// A participant rejoined since this finalize was scheduled (spec.md
		// §4.1: "a new join during Draining cancels reap and returns to
		// Active"). Leave timers and queues untouched.
		return
	}

	if c.broadcastTimer != nil {
		c.broadcastTimer.Stop()
		c.broadcastTimer = nil
	}
	if c.syncTimer != nil {
		c.syncTimer.Stop()
		c.syncTimer = nil
	}

	// Step 1: drain the broadcast queue. No participants remain to receive
	// it in the common case, but run it for audit completeness.
	c.fireBroadcast()

	// Step 2: drain the sync queue fully, with bounded-deadline retry.
	if len(c.syncQueue) > 0 {
		c.drainSyncWithDeadline(ctx, c.syncQueue)
		c.syncQueue = nil
	}

	// Step 3: drain WC's pending-changes list — events that reached WC but
	// never made the sync queue (RC crash or race).
	pending, err := c.wc.GetAndClearPending(ctx, c.id)
	if err != nil {
		c.logger.Error(ctx, "failed to drain pending changes for room %s during finalize: %v", c.id, err)
	} else if len(pending) > 0 {
		c.drainSyncWithDeadline(ctx, pending)
	}

	// Step 4: release resources.
	if err := c.wc.DeleteRoom(ctx, c.id); err != nil {
		c.logger.Warn(ctx, "failed to release warm cache entry for room %s: %v", c.id, err)
	}
	c.state = Reaped
	c.reaped.Store(true)
	close(c.shutdown)
}

// drainSyncWithDeadline applies and persists a batch, retrying with
// exponential backoff and jitter until success or ctx's deadline elapses.
func (c *Controller) drainSyncWithDeadline(ctx context.Context, queue []model.ChangeEvent) {
	consolidate.SortStable(queue)
	backoff := c.cfg.SyncRetryInitial

	for {
		flow, err := c.loadRoom(ctx)
		if err == nil {
			c.flowData = flow
			valid := c.validateBatch(ctx, c.flowData, queue)
			batch := consolidate.Consolidate(valid, false)
			conflict.Apply(&c.flowData, batch.Nodes, batch.Edges)

			if err := c.ds.UpdateFlowData(ctx, c.id, c.flowData); err == nil {
				c.lastSyncedAt = time.Now()
				if err := c.wc.PutRoom(ctx, c.id, c.flowData, c.cfg.RoomCacheTTL); err != nil {
					c.logger.Warn(ctx, "failed to refresh warm cache for room %s during finalize: %v", c.id, err)
				}
				return
			}
		}

		if ctx.Err() != nil {
			c.logger.Error(ctx, "finalization deadline exceeded for room %s with unsynced changes: %v", c.id, errs.New(errs.DownstreamUnavailable, "durable store unreachable"))
			return
		}

		jitterRange := float64(backoff) * c.cfg.SyncRetryJitter
		jittered := float64(backoff) + (rand.Float64()*2-1)*jitterRange
		if jittered < 0 {
			jittered = 0
		}
		select {
		case <-time.After(time.Duration(jittered)):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > c.cfg.SyncRetryMax {
			backoff = c.cfg.SyncRetryMax
		}
	}
}
