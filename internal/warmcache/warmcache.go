package warmcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowroom/engine/internal/model"
)

func roomFlowKey(roomID uuid.UUID) string    { return fmt.Sprintf("room:%s:flow", roomID) }
func roomPendingKey(roomID uuid.UUID) string { return fmt.Sprintf("room:%s:pending", roomID) }
func cursorKey(roomID, userID uuid.UUID) string {
	return fmt.Sprintf("room:%s:cursor:%s", roomID, userID)
}
func broadcastChannel(roomID uuid.UUID) string { return fmt.Sprintf("room:%s:broadcast", roomID) }

// getAndClearScript atomically drains a list: it returns every element
// currently queued and removes the key, so a concurrent Append from another
// instance either lands entirely before or entirely after this call.
var getAndClearScript = redis.NewScript(`
local vals = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return vals
`)

// GetRoom reads the cached flow document, returning (nil, nil) on a cache
// miss so the caller falls back to the Durable Store (spec.md §5.2).
func (c *Cache) GetRoom(ctx context.Context, roomID uuid.UUID) (*model.FlowData, error) {
	ctx, end := c.instrument(ctx, "warmcache.room.get")
	defer end()

	data, err := c.client.Get(ctx, roomFlowKey(roomID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached flow for room %s: %w", roomID, err)
	}

	var flow model.FlowData
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("unmarshal cached flow for room %s: %w", roomID, err)
	}
	return &flow, nil
}

// PutRoom writes the flow document into the cache with the given TTL. The
// Room Controller calls it when loading a room from the Durable Store and
// after every successful sync, each call resetting the TTL; the broadcast
// tick does not call it.
func (c *Cache) PutRoom(ctx context.Context, roomID uuid.UUID, flow model.FlowData, ttl time.Duration) error {
	ctx, end := c.instrument(ctx, "warmcache.room.put")
	defer end()

	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("marshal flow for room %s: %w", roomID, err)
	}
	if err := c.client.Set(ctx, roomFlowKey(roomID), data, ttl).Err(); err != nil {
		return fmt.Errorf("put cached flow for room %s: %w", roomID, err)
	}
	return nil
}

// DeleteRoom removes the cached flow document, called at the end of
// finalization after its drain steps have run.
func (c *Cache) DeleteRoom(ctx context.Context, roomID uuid.UUID) error {
	ctx, end := c.instrument(ctx, "warmcache.room.delete")
	defer end()
	return c.client.Del(ctx, roomFlowKey(roomID)).Err()
}

// AppendPending records a change event as not-yet-synced to the Durable
// Store. Drained by GetAndClearPending on the sync debounce tick.
func (c *Cache) AppendPending(ctx context.Context, roomID uuid.UUID, ev model.ChangeEvent) error {
	ctx, end := c.instrument(ctx, "warmcache.pending.append")
	defer end()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal pending change for room %s: %w", roomID, err)
	}
	if err := c.client.RPush(ctx, roomPendingKey(roomID), data).Err(); err != nil {
		return fmt.Errorf("append pending change for room %s: %w", roomID, err)
	}
	return nil
}

// GetAndClearPending atomically drains the pending-changes list, returning
// the events in append order for the Consolidator to reduce (spec.md §4.2).
func (c *Cache) GetAndClearPending(ctx context.Context, roomID uuid.UUID) ([]model.ChangeEvent, error) {
	ctx, end := c.instrument(ctx, "warmcache.pending.drain")
	defer end()

	raw, err := getAndClearScript.Run(ctx, c.client, []string{roomPendingKey(roomID)}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("drain pending changes for room %s: %w", roomID, err)
	}

	items, ok := raw.([]interface{})
	if !ok {
		return nil, nil
	}
	events := make([]model.ChangeEvent, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		var ev model.ChangeEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal pending change for room %s: %w", roomID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// HasPending reports whether a room has change events awaiting sync,
// without draining them (spec.md Warm Cache contract). The sync debounce
// tick does not consult it; it skips an empty batch by checking its own
// sync queue.
func (c *Cache) HasPending(ctx context.Context, roomID uuid.UUID) (bool, error) {
	ctx, end := c.instrument(ctx, "warmcache.pending.has")
	defer end()

	n, err := c.client.LLen(ctx, roomPendingKey(roomID)).Result()
	if err != nil {
		return false, fmt.Errorf("check pending changes for room %s: %w", roomID, err)
	}
	return n > 0, nil
}

// UpdateCursor caches a participant's last-known cursor position with a
// short TTL (spec.md §3 Participant.cursor); cursor events are never synced
// to the Durable Store and never queued as pending changes.
func (c *Cache) UpdateCursor(ctx context.Context, roomID, userID uuid.UUID, pos model.Position, ttl time.Duration) error {
	ctx, end := c.instrument(ctx, "warmcache.cursor.update")
	defer end()

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal cursor for user %s: %w", userID, err)
	}
	if err := c.client.Set(ctx, cursorKey(roomID, userID), data, ttl).Err(); err != nil {
		return fmt.Errorf("update cursor for user %s in room %s: %w", userID, roomID, err)
	}
	return nil
}

// Publish fans a broadcast payload out to every engine instance subscribed
// to the room's channel, so participants connected to a different instance
// still receive FLOW_CHANGE / CURSOR_MOVE events (SPEC_FULL.md §11).
func (c *Cache) Publish(ctx context.Context, roomID uuid.UUID, payload []byte) error {
	ctx, end := c.instrument(ctx, "warmcache.broadcast.publish")
	defer end()

	if err := c.client.Publish(ctx, broadcastChannel(roomID), payload).Err(); err != nil {
		return fmt.Errorf("publish broadcast for room %s: %w", roomID, err)
	}
	return nil
}

// Subscribe opens a long-lived subscription to a room's broadcast channel
// and returns the raw payloads as they arrive, plus a close function the
// caller must invoke exactly once when the room controller retires. The
// returned channel closes once close is called or the subscription drops.
func (c *Cache) Subscribe(ctx context.Context, roomID uuid.UUID) (<-chan []byte, func() error) {
	_, end := c.instrument(ctx, "warmcache.broadcast.subscribe")
	defer end()

	sub := c.client.Subscribe(ctx, broadcastChannel(roomID))
	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return out, sub.Close
}
