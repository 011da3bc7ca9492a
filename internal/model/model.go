// Package model defines the flow document: nodes, edges, rooms, participants,
// and the change-event wire types the engine ingests.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is a participant's access level within a room.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

// Position is a 2D point, used for node positions and cursors.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dimensions is a node's measured width/height.
type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Node is a single vertex in the flow graph.
type Node struct {
	ID               string                 `json:"id"`
	Type             string                 `json:"type,omitempty"`
	Position         Position               `json:"position"`
	PositionAbsolute *Position              `json:"positionAbsolute,omitempty"`
	Dimensions       *Dimensions            `json:"dimensions,omitempty"`
	Selected         bool                   `json:"selected,omitempty"`
	Data             map[string]interface{} `json:"data,omitempty"`
}

// Edge connects two nodes by id.
type Edge struct {
	ID            string                 `json:"id"`
	Source        string                 `json:"source"`
	Target        string                 `json:"target"`
	SourceHandle   string                 `json:"sourceHandle,omitempty"`
	TargetHandle   string                 `json:"targetHandle,omitempty"`
	Type          string                 `json:"type,omitempty"`
	Label         string                 `json:"label,omitempty"`
	Animated      bool                   `json:"animated,omitempty"`
	Selected      bool                   `json:"selected,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
}

// FlowData is the full document: ordered nodes and edges.
type FlowData struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Clone returns a deep-enough copy of the flow data so callers may mutate it
// without disturbing the room controller's cached snapshot.
func (f FlowData) Clone() FlowData {
	nodes := make([]Node, len(f.Nodes))
	copy(nodes, f.Nodes)
	edges := make([]Edge, len(f.Edges))
	copy(edges, f.Edges)
	return FlowData{Nodes: nodes, Edges: edges}
}

// NodeIndex returns the position of the node with the given id, or -1.
func (f FlowData) NodeIndex(id string) int {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// EdgeIndex returns the position of the edge with the given id, or -1.
func (f FlowData) EdgeIndex(id string) int {
	for i := range f.Edges {
		if f.Edges[i].ID == id {
			return i
		}
	}
	return -1
}

// HasNode reports whether a node with the given id is present.
func (f FlowData) HasNode(id string) bool {
	return f.NodeIndex(id) >= 0
}

// Room is the externally-owned metadata and document the engine mutates.
type Room struct {
	ID           uuid.UUID `json:"id"`
	OwnerID      uuid.UUID `json:"owner_id"`
	FlowData     FlowData  `json:"flow_data"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	IsPublic     bool      `json:"is_public"`
}

// Principal is an authenticated caller, as resolved by the Access Oracle.
type Principal struct {
	UserID uuid.UUID
	Name   string
}

// Participant is a client currently joined to a room.
type Participant struct {
	UserID       uuid.UUID  `json:"user_id"`
	Name         string     `json:"name"`
	Role         Role       `json:"role"`
	LastActiveAt time.Time  `json:"last_active_at"`
	Cursor       *Position  `json:"cursor,omitempty"`
}
