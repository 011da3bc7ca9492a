package model

import (
	"github.com/google/uuid"
)

// ChangeType is the tagged-union discriminant for ChangeEvent.
type ChangeType string

const (
	BulkNodes     ChangeType = "BULK_NODES"
	GranularNodes ChangeType = "GRANULAR_NODES"
	BulkEdges     ChangeType = "BULK_EDGES"
	GranularEdges ChangeType = "GRANULAR_EDGES"
	CursorMove    ChangeType = "CURSOR_MOVE"
)

// GranularAction is the sub-variant of a granular node/edge change.
type GranularAction string

const (
	ActionAdd        GranularAction = "add"
	ActionRemove     GranularAction = "remove"
	ActionReplace    GranularAction = "replace"
	ActionPosition   GranularAction = "position"
	ActionDimensions GranularAction = "dimensions"
	ActionSelect     GranularAction = "select"
)

// NodeChange is a sum-type over the six granular node mutations.
type NodeChange struct {
	Action           GranularAction `json:"action"`
	ID               string         `json:"id,omitempty"`
	Item             *Node          `json:"item,omitempty"`
	Position         *Position      `json:"position,omitempty"`
	PositionAbsolute *Position      `json:"positionAbsolute,omitempty"`
	Dimensions       *Dimensions    `json:"dimensions,omitempty"`
	Selected         *bool          `json:"selected,omitempty"`
}

// TargetID returns the id this change addresses, whether from Item or ID.
func (c NodeChange) TargetID() string {
	if c.Item != nil {
		return c.Item.ID
	}
	return c.ID
}

// EdgeChange is a sum-type over the four granular edge mutations.
type EdgeChange struct {
	Action   GranularAction `json:"action"`
	ID       string         `json:"id,omitempty"`
	Item     *Edge          `json:"item,omitempty"`
	Selected *bool          `json:"selected,omitempty"`
}

// TargetID returns the id this change addresses, whether from Item or ID.
func (c EdgeChange) TargetID() string {
	if c.Item != nil {
		return c.Item.ID
	}
	return c.ID
}

// ChangeEvent is an immutable, server-timestamped mutation submitted by a
// participant. Exactly one payload field is populated, selected by Type:
// Nodes/Edges for bulk, NodeChanges/EdgeChanges for granular (a single
// ingested event carries exactly one change; a consolidated synthetic event
// may carry several, concatenated in timestamp order), Cursor for
// CURSOR_MOVE.
type ChangeEvent struct {
	Type      ChangeType `json:"type"`
	RoomID    uuid.UUID  `json:"room_id"`
	UserID    uuid.UUID  `json:"user_id"`
	Timestamp int64      `json:"timestamp"`

	Nodes []Node `json:"nodes,omitempty"`
	Edges []Edge `json:"edges,omitempty"`

	NodeChanges []NodeChange `json:"node_changes,omitempty"`
	EdgeChanges []EdgeChange `json:"edge_changes,omitempty"`

	Cursor *Position `json:"cursor,omitempty"`
}

// IsPersistent reports whether this event kind can ever reach the Durable
// Store; CURSOR_MOVE never does.
func (e ChangeEvent) IsPersistent() bool {
	return e.Type != CursorMove
}

// IsBulk reports whether this event replaces a whole collection.
func (e ChangeEvent) IsBulk() bool {
	return e.Type == BulkNodes || e.Type == BulkEdges
}

// RejectReason classifies why a granular change failed validation.
type RejectReason string

const (
	ReasonDoesNotExist     RejectReason = "DOES_NOT_EXIST"
	ReasonAlreadyExists    RejectReason = "ALREADY_EXISTS"
	ReasonDanglingEndpoint RejectReason = "DANGLING_ENDPOINT"
	ReasonPermissionDenied RejectReason = "PERMISSION_DENIED"
	ReasonUnknown          RejectReason = "UNKNOWN"
)

// Suggestion returns a short human-readable remediation string for a
// (type, reason) pair, shown to the rejected event's author.
func Suggestion(t ChangeType, reason RejectReason) string {
	switch reason {
	case ReasonDoesNotExist:
		return "The item you tried to modify was deleted by another user. Please refresh."
	case ReasonAlreadyExists:
		return "Another user already created an item with this id. Please refresh."
	case ReasonDanglingEndpoint:
		return "One of the endpoints for this edge no longer exists. Please refresh."
	case ReasonPermissionDenied:
		return "Your role does not permit editing this room."
	default:
		return "Your change could not be applied. Please refresh."
	}
}
