package roomctl

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowroom/engine/internal/accessoracle"
	"github.com/flowroom/engine/internal/config"
	"github.com/flowroom/engine/internal/errs"
	"github.com/flowroom/engine/internal/metrics"
	"github.com/flowroom/engine/internal/model"
	"github.com/flowroom/engine/internal/utils"
)

// State is a Room Controller's lifecycle stage (spec.md §4.1).
type State int

const (
	Inactive State = iota
	Loading
	Active
	Draining
	Reaped
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "INACTIVE"
	case Loading:
		return "LOADING"
	case Active:
		return "ACTIVE"
	case Draining:
		return "DRAINING"
	case Reaped:
		return "REAPED"
	default:
		return "UNKNOWN"
	}
}

// JoinResult is returned to a caller of Join on success.
type JoinResult struct {
	FlowData     model.FlowData
	Participants []model.Participant
	Role         model.Role
}

type command func()

// Controller owns one room's hot state. All fields below this comment are
// confined to the executor goroutine started by Start; no external
// goroutine may touch them directly.
type Controller struct {
	id uuid.UUID
	// instanceID tags every Publish this Controller makes so the Registry's
	// own Subscribe consumer for the same room can tell its own echo apart
	// from a peer engine instance's broadcast (see DeliverRemote).
	instanceID uuid.UUID
	cfg        *config.Config
	logger     *utils.Logger
	oracle     AccessOracle
	ds         DurableStore
	wc         WarmCache
	audit      Auditor

	mailbox  chan command
	shutdown chan struct{}
	stopped  chan struct{}
	reaped   atomic.Bool

	state         State
	flowData      model.FlowData
	lastSyncedAt  time.Time
	lastTimestamp int64

	participants map[uuid.UUID]*model.Participant
	transports   map[uuid.UUID]Transport

	broadcastQueue []model.ChangeEvent
	broadcastTimer *time.Timer

	syncQueue  []model.ChangeEvent
	syncTimer  *time.Timer
	syncRetry  time.Duration
	syncAttempt int

	onEmpty func(roomID uuid.UUID) // notifies the Registry to begin reap

	// participantCount and lastActivity mirror executor-confined state for
	// the Registry's cold-RC sweep, which must not block on dispatch just
	// to decide whether a room looks abandoned. Best-effort, eventually
	// consistent; never used to gate a correctness-sensitive decision.
	participantCount atomic.Int32
	lastActivity     atomic.Int64 // unix nanos
}

// New constructs a Controller for roomID. It does not load any state until
// the first Join; callers must invoke Start before using it.
func New(id uuid.UUID, cfg *config.Config, logger *utils.Logger, oracle AccessOracle, ds DurableStore, wc WarmCache, audit Auditor, onEmpty func(uuid.UUID)) *Controller {
	return &Controller{
		id:           id,
		instanceID:   uuid.New(),
		cfg:          cfg,
		logger:       logger,
		oracle:       oracle,
		ds:           ds,
		wc:           wc,
		audit:        audit,
		mailbox:      make(chan command, 256),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		state:        Inactive,
		participants: make(map[uuid.UUID]*model.Participant),
		transports:   make(map[uuid.UUID]Transport),
		syncRetry:    cfg.SyncRetryInitial,
		onEmpty:      onEmpty,
	}
}

// ID returns the room this controller owns.
func (c *Controller) ID() uuid.UUID { return c.id }

// Reaped reports whether this controller has completed finalization and
// should be dropped from the Registry. Safe to call from any goroutine.
func (c *Controller) Reaped() bool { return c.reaped.Load() }

// Done returns a channel closed once the executor goroutine exits, so a
// caller like the Registry's cross-instance relay can stop without blocking
// on dispatch. Safe to call from any goroutine.
func (c *Controller) Done() <-chan struct{} { return c.stopped }

// IdleSince reports how long it has been since the last Join, Leave, or
// Ingest, and the number of participants as of that event. Best-effort and
// racy by design — used only by the Registry's cold-RC sweep, which treats
// its answer as a hint, never as the sole trigger for finalize (the
// spec-mandated empty-room reap still fires synchronously from Leave).
func (c *Controller) IdleSince() (idle time.Duration, participants int) {
	last := c.lastActivity.Load()
	if last == 0 {
		return 0, int(c.participantCount.Load())
	}
	return time.Since(time.Unix(0, last)), int(c.participantCount.Load())
}

// Start launches the executor goroutine. Safe to call once.
func (c *Controller) Start() {
	go c.run()
}

func (c *Controller) run() {
	defer close(c.stopped)
	for {
		var broadcastC, syncC <-chan time.Time
		if c.broadcastTimer != nil {
			broadcastC = c.broadcastTimer.C
		}
		if c.syncTimer != nil {
			syncC = c.syncTimer.C
		}

		select {
		case cmd := <-c.mailbox:
			cmd()
		case <-broadcastC:
			c.broadcastTimer = nil
			c.fireBroadcast()
		case <-syncC:
			c.syncTimer = nil
			c.fireSync()
		case <-c.shutdown:
			return
		}
	}
}

// dispatch runs fn on the executor and blocks until it completes, returning
// whatever fn returned through the closure. Used by every public method
// that must observe or mutate RC state synchronously with the executor.
func (c *Controller) dispatch(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.mailbox <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return errs.New(errs.Fatal, "room controller already stopped")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nextTimestamp assigns the room's monotonic logical clock (spec.md §4.2).
func (c *Controller) nextTimestamp() int64 {
	now := time.Now().UnixMilli()
	if now <= c.lastTimestamp {
		now = c.lastTimestamp + 1
	}
	c.lastTimestamp = now
	return now
}

// Join admits a principal to the room, loading the flow document on first
// access (spec.md §4.1 state machine, Inactive/Loading/Active transitions).
func (c *Controller) Join(parentCtx context.Context, principal model.Principal, t Transport) (*JoinResult, error) {
	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.JoinTimeout)
	defer cancel()

	var result *JoinResult
	var joinErr error

	err := c.dispatch(ctx, func() {
		result, joinErr = c.handleJoin(ctx, principal, t)
	})
	if err != nil {
		return nil, err
	}
	return result, joinErr
}

func (c *Controller) handleJoin(ctx context.Context, principal model.Principal, t Transport) (*JoinResult, error) {
	allowed, err := c.oracle.MayAccess(ctx, c.id, principal.UserID)
	if err != nil {
		return nil, errs.Wrap(errs.DownstreamUnavailable, "access oracle unavailable", err)
	}
	if !allowed {
		return nil, errs.New(errs.AccessDenied, "principal may not access this room")
	}
	role, err := c.oracle.RoleIn(ctx, c.id, principal.UserID)
	if err != nil {
		return nil, errs.Wrap(errs.DownstreamUnavailable, "access oracle unavailable", err)
	}
	if role == "" {
		return nil, errs.New(errs.AccessDenied, "principal holds no role in this room")
	}

	if c.state == Inactive || c.state == Loading {
		c.state = Loading
		flow, err := c.loadRoom(ctx)
		if err != nil {
			c.state = Reaped
			return nil, err
		}
		c.flowData = flow
		c.state = Active
	} else if c.state == Draining {
		// A rejoin during finalization cancels the reap (spec.md §4.1).
		c.state = Active
	}

	now := time.Now()
	participant := &model.Participant{
		UserID:       principal.UserID,
		Name:         principal.Name,
		Role:         role,
		LastActiveAt: now,
	}
	c.participants[principal.UserID] = participant
	c.transports[principal.UserID] = t

	others := make([]model.Participant, 0, len(c.participants)-1)
	for uid, p := range c.participants {
		if uid != principal.UserID {
			others = append(others, *p)
		}
	}

	if err := t.Send(model.Envelope{
		Type: model.EnvRoomJoined,
		RoomJoined: &model.RoomJoinedPayload{
			RoomID:       c.id,
			FlowData:     c.flowData.Clone(),
			Participants: others,
			Role:         role,
		},
	}); err != nil {
		c.logger.Warn(ctx, "failed to deliver ROOM_JOINED to %s: %v", principal.UserID, err)
	}

	c.broadcastExcept(ctx, principal.UserID, model.Envelope{
		Type:              model.EnvParticipantJoined,
		ParticipantJoined: participant,
	})

	c.participantCount.Store(int32(len(c.participants)))
	c.lastActivity.Store(time.Now().UnixNano())

	return &JoinResult{FlowData: c.flowData.Clone(), Participants: others, Role: role}, nil
}

// Leave removes a participant; idempotent. If the room becomes empty it
// transitions to Draining and notifies the Registry to finalize.
func (c *Controller) Leave(userID uuid.UUID) {
	c.mailbox <- func() {
		if _, ok := c.participants[userID]; !ok {
			return
		}
		delete(c.participants, userID)
		delete(c.transports, userID)

		c.broadcastExcept(context.Background(), userID, model.Envelope{
			Type:            model.EnvParticipantLeft,
			ParticipantLeft: &model.ParticipantLeftPayload{UserID: userID},
		})

		c.participantCount.Store(int32(len(c.participants)))
		c.lastActivity.Store(time.Now().UnixNano())

		if len(c.participants) == 0 && c.state == Active {
			c.state = Draining
			if c.onEmpty != nil {
				c.onEmpty(c.id)
			}
		}
	}
}

// Ingest enqueues a change event into both debounced pipelines (spec.md
// §4.2). Cursor events take the fast path instead; callers should use
// Cursor for those.
func (c *Controller) Ingest(ev model.ChangeEvent) {
	c.mailbox <- func() {
		c.lastActivity.Store(time.Now().UnixNano())

		participant, ok := c.participants[ev.UserID]
		if !ok || !accessoracle.CanEdit(participant.Role) {
			c.notifyReject(ev, model.ReasonPermissionDenied)
			return
		}

		ev.Timestamp = c.nextTimestamp()

		if err := c.wc.AppendPending(context.Background(), c.id, ev); err != nil {
			c.logger.Error(context.Background(), "failed to append pending change for room %s: %v", c.id, err)
		}

		c.broadcastQueue = append(c.broadcastQueue, ev)
		if c.broadcastTimer == nil {
			c.broadcastTimer = time.NewTimer(c.cfg.BroadcastDebounce)
		}
		metrics.QueueDepth.WithLabelValues("broadcast").Observe(float64(len(c.broadcastQueue)))

		c.syncQueue = append(c.syncQueue, ev)
		if c.syncTimer == nil {
			c.syncTimer = time.NewTimer(c.cfg.SyncDebounce)
		}
		metrics.QueueDepth.WithLabelValues("sync").Observe(float64(len(c.syncQueue)))
	}
}

// Cursor updates a participant's cursor and fans it out immediately,
// bypassing both debounced queues (spec.md §4.1, §4.2).
func (c *Controller) Cursor(userID uuid.UUID, pos model.Position) {
	c.mailbox <- func() {
		p, ok := c.participants[userID]
		if !ok {
			return
		}
		p.Cursor = &pos
		p.LastActiveAt = time.Now()

		ctx := context.Background()
		if err := c.wc.UpdateCursor(ctx, c.id, userID, pos, c.cfg.CursorCacheTTL); err != nil {
			c.logger.Warn(ctx, "failed to cache cursor for %s in room %s: %v", userID, c.id, err)
		}

		env := model.Envelope{
			Type:       model.EnvCursorMove,
			CursorMove: &model.CursorMovePayload{UserID: userID, Position: pos},
		}
		c.broadcastExcept(ctx, userID, env)
		c.publishRemote(ctx, env)
	}
}

// publishRemote fans env out over the Warm Cache's Pub/Sub channel so
// participants connected to a different engine instance receive it too
// (SPEC_FULL.md §11). Tagged with this Controller's instanceID so the
// Registry's Subscribe consumer for this same room can discard its own echo
// instead of delivering it to local transports twice.
func (c *Controller) publishRemote(ctx context.Context, env model.Envelope) {
	payload, err := json.Marshal(remoteBroadcast{OriginID: c.instanceID, Envelope: env})
	if err != nil {
		c.logger.Warn(ctx, "failed to marshal cross-instance broadcast for room %s: %v", c.id, err)
		return
	}
	if err := c.wc.Publish(ctx, c.id, payload); err != nil {
		c.logger.Warn(ctx, "failed to publish cross-instance broadcast for room %s: %v", c.id, err)
	}
}

// remoteBroadcast is the wire payload carried over the Warm Cache's Pub/Sub
// channel: an envelope plus the instanceID of the engine that produced it.
type remoteBroadcast struct {
	OriginID uuid.UUID      `json:"origin_id"`
	Envelope model.Envelope `json:"envelope"`
}

// DeliverRemote applies an inbound cross-instance broadcast to every local
// transport in this room, run on the executor like any other mutation of
// c.transports. Invoked by the Registry's per-room Subscribe consumer
// (registry.go); never called directly by a Transport or by this
// Controller's own pipeline.
func (c *Controller) DeliverRemote(payload []byte) {
	c.mailbox <- func() {
		var msg remoteBroadcast
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn(context.Background(), "malformed cross-instance broadcast for room %s: %v", c.id, err)
			return
		}
		if msg.OriginID == c.instanceID {
			// Our own publish, already delivered to local transports.
			return
		}
		c.broadcastExcept(context.Background(), uuid.Nil, msg.Envelope)
	}
}

// broadcastExcept delivers env to every transport but excludeUserID (or to
// all if excludeUserID is the zero UUID). Failed sends drop the transport
// per spec.md §4.2's broadcast failure policy; the client reconciles on
// reconnect via ROOM_JOINED.
func (c *Controller) broadcastExcept(ctx context.Context, excludeUserID uuid.UUID, env model.Envelope) {
	for uid, t := range c.transports {
		if uid == excludeUserID {
			continue
		}
		if err := t.Send(env); err != nil {
			c.logger.Warn(ctx, "dropping transport for %s in room %s: %v", uid, c.id, err)
			delete(c.transports, uid)
		}
	}
}
