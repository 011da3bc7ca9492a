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

// loadRoom implements the cache-and-fallback strategy (spec.md §4.5): WC
// first, DS on miss, materializing empty node/edge slices when the stored
// document is missing either field, then publishing back to WC.
func (c *Controller) loadRoom(ctx context.Context) (model.FlowData, error) {
	cached, err := c.wc.GetRoom(ctx, c.id)
	if err != nil {
		return model.FlowData{}, errs.Wrap(errs.DownstreamUnavailable, "warm cache unavailable", err)
	}
	if cached != nil {
		return materialize(*cached), nil
	}

	room, err := c.ds.GetRoom(ctx, c.id)
	if err != nil {
		return model.FlowData{}, errs.New(errs.RoomNotFound, "room not found in durable store")
	}

	flow := materialize(room.FlowData)
	c.lastSyncedAt = room.LastSyncedAt
	if err := c.wc.PutRoom(ctx, c.id, flow, c.cfg.RoomCacheTTL); err != nil {
		c.logger.Warn(ctx, "failed to warm cache for room %s: %v", c.id, err)
	}
	return flow, nil
}

func materialize(flow model.FlowData) model.FlowData {
	if flow.Nodes == nil {
		flow.Nodes = []model.Node{}
	}
	if flow.Edges == nil {
		flow.Edges = []model.Edge{}
	}
	return flow
}

// validateBatch runs timestamp-ordered single-writer validation (spec.md
// §4.3): each event is checked against a working copy that reflects every
// previously accepted event in this same batch. Rejected events are
// reported to their authors and excluded from the returned slice.
func (c *Controller) validateBatch(ctx context.Context, snapshot model.FlowData, events []model.ChangeEvent) []model.ChangeEvent {
	working := snapshot.Clone()
	valid := make([]model.ChangeEvent, 0, len(events))

	for _, ev := range events {
		result := conflict.Validate(working, ev)
		if !result.Valid {
			c.notifyReject(ev, result.Reason)
			continue
		}
		// Apply this single accepted event to the working copy so the next
		// event in the batch validates against up-to-date state.
		switch ev.Type {
		case model.BulkNodes, model.GranularNodes:
			conflict.Apply(&working, &ev, nil)
		case model.BulkEdges, model.GranularEdges:
			conflict.Apply(&working, nil, &ev)
		}
		valid = append(valid, ev)
	}
	return valid
}

func (c *Controller) notifyReject(ev model.ChangeEvent, reason model.RejectReason) {
	t, ok := c.transports[ev.UserID]
	if !ok {
		return
	}
	if reason == "" {
		reason = model.ReasonUnknown
	}
	metrics.ConflictsTotal.WithLabelValues(string(reason)).Inc()
	if c.cfg.AuditRejections && c.audit != nil {
		if err := c.audit.Record(ev, reason); err != nil {
			c.logger.Warn(context.Background(), "failed to audit rejected change for room %s: %v", c.id, err)
		}
	}
	_ = t.Send(model.Envelope{
		Type: model.EnvOperationConflict,
		OperationConflict: &model.OperationConflictPayload{
			Type:       ev.Type,
			Timestamp:  ev.Timestamp,
			Reason:     reason,
			Suggestion: model.Suggestion(ev.Type, reason),
		},
	})
}

// fireBroadcast drains and reduces the broadcast queue, emitting FLOW_CHANGE
// to every transport in the room (spec.md §4.2). Validation runs here too:
// S2 in spec.md §8 requires a rejected event never reach peers, so this
// path validates against the RC's current snapshot before consolidating.
func (c *Controller) fireBroadcast() {
	queue := c.broadcastQueue
	c.broadcastQueue = nil
	if len(queue) == 0 {
		return
	}

	consolidate.SortStable(queue)
	ctx := context.Background()
	valid := c.validateBatch(ctx, c.flowData, queue)
	if len(valid) == 0 {
		metrics.BroadcastFires.WithLabelValues("empty").Inc()
		return
	}

	batch := consolidate.Consolidate(valid, true)
	if batch.Nodes != nil {
		c.emitFlowChange(*batch.Nodes)
	}
	if batch.Edges != nil {
		c.emitFlowChange(*batch.Edges)
	}
	metrics.BroadcastFires.WithLabelValues("delivered").Inc()
}

func (c *Controller) emitFlowChange(ev model.ChangeEvent) {
	ctx := context.Background()
	env := model.Envelope{Type: model.EnvFlowChange, FlowChange: &ev}
	for uid, t := range c.transports {
		if err := t.Send(env); err != nil {
			c.logger.Warn(ctx, "dropping transport for %s in room %s: %v", uid, c.id, err)
			delete(c.transports, uid)
		}
	}
	c.publishRemote(ctx, env)
}

// fireSync drains and reduces the sync queue, validates and applies it to
// the authoritative flowData, and persists to the Durable Store (spec.md
// §4.2). On write failure the queue is restored and retried with bounded
// exponential backoff and jitter.
func (c *Controller) fireSync() {
	queue := c.syncQueue
	c.syncQueue = nil
	if len(queue) == 0 {
		return
	}
	c.syncOnce(queue)
}

func (c *Controller) syncOnce(queue []model.ChangeEvent) {
	ctx := context.Background()
	consolidate.SortStable(queue)

	flow, err := c.loadRoom(ctx)
	if err != nil {
		c.logger.Error(ctx, "failed to load room %s before sync: %v", c.id, err)
		c.scheduleRetry(queue)
		return
	}
	c.flowData = flow

	valid := c.validateBatch(ctx, c.flowData, queue)
	batch := consolidate.Consolidate(valid, false)
	conflict.Apply(&c.flowData, batch.Nodes, batch.Edges)

	if err := c.ds.UpdateFlowData(ctx, c.id, c.flowData); err != nil {
		c.logger.Error(ctx, "durable sync failed for room %s: %v", c.id, err)
		c.scheduleRetry(queue)
		return
	}
	metrics.SyncFires.WithLabelValues("ok").Inc()
	c.lastSyncedAt = time.Now()

	if err := c.wc.PutRoom(ctx, c.id, c.flowData, c.cfg.RoomCacheTTL); err != nil {
		c.logger.Warn(ctx, "failed to refresh warm cache for room %s: %v", c.id, err)
	}
	if _, err := c.wc.GetAndClearPending(ctx, c.id); err != nil {
		c.logger.Warn(ctx, "failed to clear pending changes for room %s: %v", c.id, err)
	}

	c.syncAttempt = 0
	c.syncRetry = c.cfg.SyncRetryInitial
}

// scheduleRetry restores the failed batch to the sync queue and arms the
// sync timer with exponential backoff and jitter, capped at
// cfg.SyncRetryMax (spec.md §4.2 sync failure policy).
func (c *Controller) scheduleRetry(queue []model.ChangeEvent) {
	metrics.SyncFires.WithLabelValues("retry").Inc()
	c.syncQueue = append(queue, c.syncQueue...)
	c.syncAttempt++

	delay := c.syncRetry
	jitterRange := float64(delay) * c.cfg.SyncRetryJitter
	jittered := float64(delay) + (rand.Float64()*2-1)*jitterRange
	if jittered < 0 {
		jittered = 0
	}

	if c.syncTimer != nil {
		c.syncTimer.Stop()
	}
	c.syncTimer = time.NewTimer(time.Duration(jittered))

	c.syncRetry *= 2
	if c.syncRetry > c.cfg.SyncRetryMax {
		c.syncRetry = c.cfg.SyncRetryMax
	}
}
