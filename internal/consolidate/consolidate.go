// Package consolidate reduces a time-ordered batch of validated change
// events into a minimal set: at most one event per (kind, bulk|granular)
// slot, per spec.md §4.3. Pure: no I/O, no timestamp generation — the
// primary target for property-based testing.
package consolidate

import (
	"sort"

	"github.com/flowroom/engine/internal/model"
)

// Batch is the consolidated result: at most one surviving event per kind.
// A kind's slot is nil if no event of that kind survived.
type Batch struct {
	Nodes *model.ChangeEvent // either a BULK_NODES or a synthetic GRANULAR_NODES
	Edges *model.ChangeEvent // either a BULK_EDGES or a synthetic GRANULAR_EDGES
	Cursors []model.ChangeEvent
}

// Sorted reports whether events is already non-decreasing by Timestamp, so
// callers can skip sorting in the common case (events usually arrive in
// order already).
func Sorted(events []model.ChangeEvent) bool {
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp < events[i-1].Timestamp {
			return false
		}
	}
	return true
}

// SortStable sorts events by Timestamp, stable on ties.
func SortStable(events []model.ChangeEvent) {
	if Sorted(events) {
		return
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
}

// Consolidate reduces a timestamp-sorted batch to a Batch. skipNonPersistent
// drops CURSOR_MOVE events from the result entirely (used on the broadcast
// path, which still wants cursor fan-out handled by its own fast lane, not
// here — callers pass skipNonPersistent=true there per spec.md §4.2).
func Consolidate(sortedEvents []model.ChangeEvent, skipNonPersistent bool) Batch {
	var out Batch

	var bulkNodes, granularNodes *model.ChangeEvent
	var bulkEdges, granularEdges *model.ChangeEvent

	for i := range sortedEvents {
		ev := sortedEvents[i]
		switch ev.Type {
		case model.BulkNodes:
			// Supersedes all earlier granular node changes.
			granularNodes = nil
			e := ev
			bulkNodes = &e

		case model.GranularNodes:
			if bulkNodes != nil && bulkNodes.Timestamp >= ev.Timestamp {
				// Already superseded by a later-or-equal bulk; drop.
				continue
			}
			if granularNodes == nil {
				e := ev
				granularNodes = &e
			} else {
				granularNodes.NodeChanges = append(granularNodes.NodeChanges, ev.NodeChanges...)
				if ev.Timestamp > granularNodes.Timestamp {
					granularNodes.Timestamp = ev.Timestamp
					granularNodes.UserID = ev.UserID
				}
			}

		case model.BulkEdges:
			granularEdges = nil
			e := ev
			bulkEdges = &e

		case model.GranularEdges:
			if bulkEdges != nil && bulkEdges.Timestamp >= ev.Timestamp {
				continue
			}
			if granularEdges == nil {
				e := ev
				granularEdges = &e
			} else {
				granularEdges.EdgeChanges = append(granularEdges.EdgeChanges, ev.EdgeChanges...)
				if ev.Timestamp > granularEdges.Timestamp {
					granularEdges.Timestamp = ev.Timestamp
					granularEdges.UserID = ev.UserID
				}
			}

		case model.CursorMove:
			if !skipNonPersistent {
				out.Cursors = append(out.Cursors, ev)
			}
		}
	}

	out.Nodes = pickWinner(bulkNodes, granularNodes)
	out.Edges = pickWinner(bulkEdges, granularEdges)
	return out
}

// pickWinner implements the tie-break rule: if both a bulk and an
// accumulated-granular event survive for the same kind, the one with the
// greater timestamp wins and the loser is dropped.
func pickWinner(bulk, granular *model.ChangeEvent) *model.ChangeEvent {
	switch {
	case bulk == nil:
		return granular
	case granular == nil:
		return bulk
	case bulk.Timestamp >= granular.Timestamp:
		return bulk
	default:
		return granular
	}
}
