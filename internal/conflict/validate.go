// Package conflict implements the engine's single-writer conflict
// validation: pure functions that check a granular or bulk change against a
// snapshot and classify rejections. No I/O, no clocks — every timestamp
// already lives on the event.
package conflict

import (
	"github.com/flowroom/engine/internal/model"
)

// Result is the outcome of validating one event against a snapshot.
type Result struct {
	Valid  bool
	Reason model.RejectReason
}

func ok() Result { return Result{Valid: true} }

func reject(reason model.RejectReason) Result {
	return Result{Valid: false, Reason: reason}
}

// Validate checks ev against snapshot per spec.md §4.3's rules. snapshot
// reflects the state produced by all previously accepted events in the
// current batch, not necessarily the last-synced document.
func Validate(snapshot model.FlowData, ev model.ChangeEvent) Result {
	switch ev.Type {
	case model.BulkNodes, model.BulkEdges, model.CursorMove:
		// Bulk replaces the whole collection; cursor never touches flowData.
		// Both are always valid.
		return ok()

	case model.GranularNodes:
		return validateNodeChanges(snapshot, ev.NodeChanges)

	case model.GranularEdges:
		return validateEdgeChanges(snapshot, ev.EdgeChanges)

	default:
		return reject(model.ReasonUnknown)
	}
}

func validateNodeChanges(snapshot model.FlowData, changes []model.NodeChange) Result {
	for _, c := range changes {
		if r := validateNodeChange(snapshot, c); !r.Valid {
			return r
		}
	}
	return ok()
}

func validateNodeChange(snapshot model.FlowData, c model.NodeChange) Result {
	switch c.Action {
	case model.ActionAdd:
		if c.Item == nil {
			return reject(model.ReasonUnknown)
		}
		if snapshot.HasNode(c.Item.ID) {
			return reject(model.ReasonAlreadyExists)
		}
		return ok()

	case model.ActionRemove, model.ActionReplace, model.ActionPosition, model.ActionDimensions, model.ActionSelect:
		if !snapshot.HasNode(c.TargetID()) {
			return reject(model.ReasonDoesNotExist)
		}
		return ok()

	default:
		return reject(model.ReasonUnknown)
	}
}

func validateEdgeChanges(snapshot model.FlowData, changes []model.EdgeChange) Result {
	for _, c := range changes {
		if r := validateEdgeChange(snapshot, c); !r.Valid {
			return r
		}
	}
	return ok()
}

func validateEdgeChange(snapshot model.FlowData, c model.EdgeChange) Result {
	switch c.Action {
	case model.ActionAdd:
		if c.Item == nil {
			return reject(model.ReasonUnknown)
		}
		if snapshot.EdgeIndex(c.Item.ID) >= 0 {
			return reject(model.ReasonAlreadyExists)
		}
		if !snapshot.HasNode(c.Item.Source) || !snapshot.HasNode(c.Item.Target) {
			return reject(model.ReasonDanglingEndpoint)
		}
		return ok()

	case model.ActionRemove, model.ActionSelect:
		if snapshot.EdgeIndex(c.TargetID()) < 0 {
			return reject(model.ReasonDoesNotExist)
		}
		return ok()

	case model.ActionReplace:
		if snapshot.EdgeIndex(c.TargetID()) < 0 {
			return reject(model.ReasonDoesNotExist)
		}
		if c.Item == nil {
			return reject(model.ReasonUnknown)
		}
		if !snapshot.HasNode(c.Item.Source) || !snapshot.HasNode(c.Item.Target) {
			return reject(model.ReasonDanglingEndpoint)
		}
		return ok()

	default:
		return reject(model.ReasonUnknown)
	}
}
