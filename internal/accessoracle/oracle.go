package accessoracle

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/flowroom/engine/internal/durable"
	"github.com/flowroom/engine/internal/model"
)

// RoleSource resolves a principal's membership role for a room. Satisfied
// by *durable.Store; declared as an interface so tests can substitute a
// fake without a live Postgres connection.
type RoleSource interface {
	GetRoom(ctx context.Context, roomID uuid.UUID) (*model.Room, error)
	GetParticipantRole(ctx context.Context, roomID, userID uuid.UUID) (model.Role, error)
}

// Oracle answers "may principal P access room R, and with what role?".
type Oracle struct {
	tokens *TokenManager
	rooms  RoleSource
}

// New constructs an Oracle over a token manager and a room-role source.
func New(tokens *TokenManager, rooms RoleSource) *Oracle {
	return &Oracle{tokens: tokens, rooms: rooms}
}

// Authenticate validates a bearer token and resolves the principal it
// names, or nil if the token is absent or invalid (spec.md Access Oracle
// contract: authenticate(token) -> principal | null).
func (o *Oracle) Authenticate(tokenString string) *model.Principal {
	claims, err := o.tokens.parseToken(tokenString)
	if err != nil {
		return nil
	}
	return &model.Principal{UserID: claims.UserID, Name: claims.Name}
}

// MayAccess reports whether userID may join roomId: either the room is
// public, or the user holds an explicit membership role.
func (o *Oracle) MayAccess(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	room, err := o.rooms.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, durable.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if room.IsPublic {
		return true, nil
	}
	role, err := o.rooms.GetParticipantRole(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, durable.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return role != "", nil
}

// RoleIn resolves the caller's role within a room, or "" if they hold none
// (spec.md Access Oracle contract: roleIn(roomId, userId) -> role | null).
func (o *Oracle) RoleIn(ctx context.Context, roomID, userID uuid.UUID) (model.Role, error) {
	role, err := o.rooms.GetParticipantRole(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, durable.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return role, nil
}

// CanEdit reports whether role permits mutating the flow document.
// VIEWER may observe but never submit BULK_*/GRANULAR_* node or edge changes.
func CanEdit(role model.Role) bool {
	return role == model.RoleOwner || role == model.RoleEditor
}
