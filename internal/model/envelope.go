package model

import "github.com/google/uuid"

// EnvelopeType discriminates the Transport Gateway's outbound message kinds
// (spec.md §4.7).
type EnvelopeType string

const (
	EnvRoomJoined         EnvelopeType = "ROOM_JOINED"
	EnvParticipantJoined  EnvelopeType = "PARTICIPANT_JOINED"
	EnvParticipantLeft    EnvelopeType = "PARTICIPANT_LEFT"
	EnvFlowChange         EnvelopeType = "FLOW_CHANGE"
	EnvCursorMove         EnvelopeType = "CURSOR_MOVE"
	EnvOperationConflict  EnvelopeType = "OPERATION_CONFLICT"
	EnvError              EnvelopeType = "ERROR"
)

// Envelope is the typed wire frame sent to a single transport. Exactly one
// payload field is populated, selected by Type.
type Envelope struct {
	Type EnvelopeType `json:"type"`

	RoomJoined        *RoomJoinedPayload        `json:"room_joined,omitempty"`
	ParticipantJoined *Participant               `json:"participant_joined,omitempty"`
	ParticipantLeft   *ParticipantLeftPayload    `json:"participant_left,omitempty"`
	FlowChange        *ChangeEvent               `json:"flow_change,omitempty"`
	CursorMove        *CursorMovePayload         `json:"cursor_move,omitempty"`
	OperationConflict *OperationConflictPayload  `json:"operation_conflict,omitempty"`
	Error             *ErrorPayload              `json:"error,omitempty"`
}

// RoomJoinedPayload is sent to the joining transport only, carrying the
// room snapshot it must render before processing further FLOW_CHANGE events.
type RoomJoinedPayload struct {
	RoomID       uuid.UUID     `json:"room_id"`
	FlowData     FlowData      `json:"flow_data"`
	Participants []Participant `json:"participants"`
	Role         Role          `json:"role"`
}

type ParticipantLeftPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

type CursorMovePayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Position Position  `json:"position"`
}

// OperationConflictPayload is sent to a rejected event's author only
// (spec.md §4.4).
type OperationConflictPayload struct {
	Type       ChangeType   `json:"type"`
	Timestamp  int64        `json:"timestamp"`
	Reason     RejectReason `json:"reason"`
	Suggestion string       `json:"suggestion"`
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
