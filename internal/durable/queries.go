package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowroom/engine/internal/model"
)

// ErrNotFound is returned when a room or membership row doesn't exist.
var ErrNotFound = errors.New("durable: not found")

// GetRoom loads a room's metadata and flow document. Called on Room
// Controller activation when the Warm Cache misses (spec.md §5.2).
func (s *Store) GetRoom(ctx context.Context, roomID uuid.UUID) (*model.Room, error) {
	var room model.Room
	var flowJSON []byte

	err := s.queryRow(ctx, "durable.room.get",
		`SELECT id, owner_id, flow_data, is_public, last_synced_at
		 FROM rooms WHERE id = $1`,
		roomID,
	).Scan(&room.ID, &room.OwnerID, &flowJSON, &room.IsPublic, &room.LastSyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}

	if err := json.Unmarshal(flowJSON, &room.FlowData); err != nil {
		return nil, fmt.Errorf("unmarshal flow data for room %s: %w", roomID, err)
	}
	return &room, nil
}

// UpdateFlowData persists a room's current flow document. Called on the
// sync-debounce tick and during finalization (spec.md §4.2, §4.5).
func (s *Store) UpdateFlowData(ctx context.Context, roomID uuid.UUID, flowData model.FlowData) error {
	flowJSON, err := json.Marshal(flowData)
	if err != nil {
		return fmt.Errorf("marshal flow data for room %s: %w", roomID, err)
	}

	tag, err := s.exec(ctx, "durable.room.sync",
		`UPDATE rooms SET flow_data = $1, last_synced_at = NOW() WHERE id = $2`,
		flowJSON, roomID,
	)
	if err != nil {
		return fmt.Errorf("sync flow data for room %s: %w", roomID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetParticipantRole resolves a user's access level within a room, used by
// the Access Oracle to authorize a join (spec.md §3 Participant, §4.1).
func (s *Store) GetParticipantRole(ctx context.Context, roomID, userID uuid.UUID) (model.Role, error) {
	var role model.Role
	err := s.queryRow(ctx, "durable.member.role",
		`SELECT role FROM room_members WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get role for user %s in room %s: %w", userID, roomID, err)
	}
	return role, nil
}
