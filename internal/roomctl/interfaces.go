// Package roomctl implements the Room Controller: the per-room state
// machine and dual debounced pipeline described in spec.md §4.1-§4.6. Each
// Controller is a serial executor — a single goroutine draining a mailbox —
// so every mutation of participants, queues, timers, and the cached flow
// document is single-writer by construction (spec.md §5).
package roomctl

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowroom/engine/internal/model"
)

// DurableStore is the subset of *durable.Store the Room Controller needs.
// Declared here so tests can substitute a fake without a live Postgres.
type DurableStore interface {
	GetRoom(ctx context.Context, roomID uuid.UUID) (*model.Room, error)
	UpdateFlowData(ctx context.Context, roomID uuid.UUID, flow model.FlowData) error
	GetParticipantRole(ctx context.Context, roomID, userID uuid.UUID) (model.Role, error)
}

// WarmCache is the subset of *warmcache.Cache the Room Controller needs.
type WarmCache interface {
	GetRoom(ctx context.Context, roomID uuid.UUID) (*model.FlowData, error)
	PutRoom(ctx context.Context, roomID uuid.UUID, flow model.FlowData, ttl time.Duration) error
	DeleteRoom(ctx context.Context, roomID uuid.UUID) error
	AppendPending(ctx context.Context, roomID uuid.UUID, ev model.ChangeEvent) error
	GetAndClearPending(ctx context.Context, roomID uuid.UUID) ([]model.ChangeEvent, error)
	HasPending(ctx context.Context, roomID uuid.UUID) (bool, error)
	UpdateCursor(ctx context.Context, roomID, userID uuid.UUID, pos model.Position, ttl time.Duration) error

	// Publish fans a broadcast payload out to every engine instance
	// subscribed to roomID's channel (SPEC_FULL.md §11).
	Publish(ctx context.Context, roomID uuid.UUID, payload []byte) error

	// Subscribe opens a long-lived subscription to roomID's broadcast
	// channel. The returned channel is closed once closeFn is called or the
	// subscription drops; closeFn must be called exactly once.
	Subscribe(ctx context.Context, roomID uuid.UUID) (ch <-chan []byte, closeFn func() error)
}

// AccessOracle is the subset of *accessoracle.Oracle the Room Controller
// needs to gate a join.
type AccessOracle interface {
	MayAccess(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	RoleIn(ctx context.Context, roomID, userID uuid.UUID) (model.Role, error)
}

// Auditor persists rejected change events when cfg.AuditRejections is set
// (spec.md §9 Open Question, left configurable). Satisfied by
// *auditlog.Log.
type Auditor interface {
	Record(ev model.ChangeEvent, reason model.RejectReason) error
}

// Transport is an outbound message sink for one connected participant,
// satisfied by *transport.Session. Send must preserve per-socket FIFO
// (spec.md §4.7); Controller never calls Send concurrently for the same
// Transport, but implementations should not assume that of external callers.
type Transport interface {
	UserID() uuid.UUID
	Send(env model.Envelope) error
}
