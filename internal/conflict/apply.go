package conflict

import (
	"github.com/flowroom/engine/internal/model"
)

// Apply mutates flowData in place, applying the surviving node and edge
// events from a Consolidator batch (see spec.md §4.3's Application rules).
// Events must already be validated; Apply does not re-check invariants, it
// relies on the caller having run Validate against the same snapshot these
// events were accumulated from.
func Apply(flowData *model.FlowData, nodesEvent, edgesEvent *model.ChangeEvent) {
	if nodesEvent != nil {
		applyNodesEvent(flowData, nodesEvent)
	}
	if edgesEvent != nil {
		applyEdgesEvent(flowData, edgesEvent)
	}
}

func applyNodesEvent(flowData *model.FlowData, ev *model.ChangeEvent) {
	switch ev.Type {
	case model.BulkNodes:
		flowData.Nodes = ev.Nodes
	case model.GranularNodes:
		for _, c := range ev.NodeChanges {
			applyNodeChange(flowData, c)
		}
	}
}

func applyNodeChange(flowData *model.FlowData, c model.NodeChange) {
	switch c.Action {
	case model.ActionAdd:
		if c.Item != nil {
			flowData.Nodes = append(flowData.Nodes, *c.Item)
		}
	case model.ActionRemove:
		if i := flowData.NodeIndex(c.TargetID()); i >= 0 {
			flowData.Nodes = append(flowData.Nodes[:i], flowData.Nodes[i+1:]...)
		}
	case model.ActionReplace:
		if c.Item == nil {
			return
		}
		if i := flowData.NodeIndex(c.TargetID()); i >= 0 {
			flowData.Nodes[i] = *c.Item
		}
	case model.ActionPosition:
		if i := flowData.NodeIndex(c.TargetID()); i >= 0 && c.Position != nil {
			flowData.Nodes[i].Position = *c.Position
			if c.PositionAbsolute != nil {
				flowData.Nodes[i].PositionAbsolute = c.PositionAbsolute
			}
		}
	case model.ActionDimensions:
		if i := flowData.NodeIndex(c.TargetID()); i >= 0 && c.Dimensions != nil {
			flowData.Nodes[i].Dimensions = c.Dimensions
		}
	case model.ActionSelect:
		if i := flowData.NodeIndex(c.TargetID()); i >= 0 && c.Selected != nil {
			flowData.Nodes[i].Selected = *c.Selected
		}
	}
}

func applyEdgesEvent(flowData *model.FlowData, ev *model.ChangeEvent) {
	switch ev.Type {
	case model.BulkEdges:
		flowData.Edges = ev.Edges
	case model.GranularEdges:
		for _, c := range ev.EdgeChanges {
			applyEdgeChange(flowData, c)
		}
	}
}

func applyEdgeChange(flowData *model.FlowData, c model.EdgeChange) {
	switch c.Action {
	case model.ActionAdd:
		if c.Item != nil {
			flowData.Edges = append(flowData.Edges, *c.Item)
		}
	case model.ActionRemove:
		if i := flowData.EdgeIndex(c.TargetID()); i >= 0 {
			flowData.Edges = append(flowData.Edges[:i], flowData.Edges[i+1:]...)
		}
	case model.ActionReplace:
		if c.Item == nil {
			return
		}
		if i := flowData.EdgeIndex(c.TargetID()); i >= 0 {
			flowData.Edges[i] = *c.Item
		}
	case model.ActionSelect:
		if i := flowData.EdgeIndex(c.TargetID()); i >= 0 && c.Selected != nil {
			flowData.Edges[i].Selected = *c.Selected
		}
	}
}
