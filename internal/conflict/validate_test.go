package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowroom/engine/internal/model"
)

func nodeID(id string) model.Node { return model.Node{ID: id} }

func TestValidate_BulkAlwaysValid(t *testing.T) {
	snapshot := model.FlowData{}
	for _, typ := range []model.ChangeType{model.BulkNodes, model.BulkEdges, model.CursorMove} {
		r := Validate(snapshot, model.ChangeEvent{Type: typ})
		assert.True(t, r.Valid)
	}
}

func TestValidate_GranularAddNode_RejectsWhenAlreadyExists(t *testing.T) {
	snapshot := model.FlowData{Nodes: []model.Node{nodeID("a")}}
	ev := model.ChangeEvent{
		Type:        model.GranularNodes,
		NodeChanges: []model.NodeChange{{Action: model.ActionAdd, Item: &model.Node{ID: "a"}}},
	}
	r := Validate(snapshot, ev)
	assert.False(t, r.Valid)
	assert.Equal(t, model.ReasonAlreadyExists, r.Reason)
}

func TestValidate_GranularAddNode_OkWhenNew(t *testing.T) {
	snapshot := model.FlowData{}
	ev := model.ChangeEvent{
		Type:        model.GranularNodes,
		NodeChanges: []model.NodeChange{{Action: model.ActionAdd, Item: &model.Node{ID: "a"}}},
	}
	r := Validate(snapshot, ev)
	assert.True(t, r.Valid)
}

func TestValidate_GranularMutateNode_RejectsWhenMissing(t *testing.T) {
	snapshot := model.FlowData{}
	for _, action := range []model.GranularAction{model.ActionRemove, model.ActionReplace, model.ActionPosition, model.ActionDimensions, model.ActionSelect} {
		ev := model.ChangeEvent{
			Type:        model.GranularNodes,
			NodeChanges: []model.NodeChange{{Action: action, ID: "missing"}},
		}
		r := Validate(snapshot, ev)
		assert.False(t, r.Valid, "action %s should reject on missing node", action)
		assert.Equal(t, model.ReasonDoesNotExist, r.Reason)
	}
}

func TestValidate_GranularAddEdge_RejectsDanglingEndpoint(t *testing.T) {
	snapshot := model.FlowData{Nodes: []model.Node{nodeID("a")}}
	ev := model.ChangeEvent{
		Type: model.GranularEdges,
		EdgeChanges: []model.EdgeChange{{
			Action: model.ActionAdd,
			Item:   &model.Edge{ID: "e1", Source: "a", Target: "b"},
		}},
	}
	r := Validate(snapshot, ev)
	assert.False(t, r.Valid)
	assert.Equal(t, model.ReasonDanglingEndpoint, r.Reason)
}

func TestValidate_GranularAddEdge_RejectsWhenAlreadyExists(t *testing.T) {
	snapshot := model.FlowData{
		Nodes: []model.Node{nodeID("a"), nodeID("b")},
		Edges: []model.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
	ev := model.ChangeEvent{
		Type: model.GranularEdges,
		EdgeChanges: []model.EdgeChange{{
			Action: model.ActionAdd,
			Item:   &model.Edge{ID: "e1", Source: "a", Target: "b"},
		}},
	}
	r := Validate(snapshot, ev)
	assert.False(t, r.Valid)
	assert.Equal(t, model.ReasonAlreadyExists, r.Reason)
}

func TestValidate_GranularAddEdge_OkWhenEndpointsExist(t *testing.T) {
	snapshot := model.FlowData{Nodes: []model.Node{nodeID("a"), nodeID("b")}}
	ev := model.ChangeEvent{
		Type: model.GranularEdges,
		EdgeChanges: []model.EdgeChange{{
			Action: model.ActionAdd,
			Item:   &model.Edge{ID: "e1", Source: "a", Target: "b"},
		}},
	}
	r := Validate(snapshot, ev)
	assert.True(t, r.Valid)
}

func TestValidate_GranularReplaceEdge_RejectsDanglingEndpoint(t *testing.T) {
	snapshot := model.FlowData{
		Nodes: []model.Node{nodeID("a"), nodeID("b")},
		Edges: []model.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}
	ev := model.ChangeEvent{
		Type: model.GranularEdges,
		EdgeChanges: []model.EdgeChange{{
			Action: model.ActionReplace,
			Item:   &model.Edge{ID: "e1", Source: "a", Target: "ghost"},
		}},
	}
	r := Validate(snapshot, ev)
	assert.False(t, r.Valid)
	assert.Equal(t, model.ReasonDanglingEndpoint, r.Reason)
}

func TestValidate_GranularRemoveEdge_RejectsWhenMissing(t *testing.T) {
	snapshot := model.FlowData{}
	ev := model.ChangeEvent{
		Type:        model.GranularEdges,
		EdgeChanges: []model.EdgeChange{{Action: model.ActionRemove, ID: "missing"}},
	}
	r := Validate(snapshot, ev)
	assert.False(t, r.Valid)
	assert.Equal(t, model.ReasonDoesNotExist, r.Reason)
}

// S2 from spec.md §8: a GRANULAR_EDGES add referencing a node removed
// earlier in the same batch must be rejected, never applied.
func TestValidate_S2_DanglingEdgeAfterNodeRemovedEarlierInBatch(t *testing.T) {
	snapshot := model.FlowData{Nodes: []model.Node{nodeID("a"), nodeID("b")}}

	removeNode := model.ChangeEvent{
		Type:        model.GranularNodes,
		NodeChanges: []model.NodeChange{{Action: model.ActionRemove, ID: "b"}},
	}
	r := Validate(snapshot, removeNode)
	assert.True(t, r.Valid)
	Apply(&snapshot, &removeNode, nil)

	addEdge := model.ChangeEvent{
		Type: model.GranularEdges,
		EdgeChanges: []model.EdgeChange{{
			Action: model.ActionAdd,
			Item:   &model.Edge{ID: "e1", Source: "a", Target: "b"},
		}},
	}
	r = Validate(snapshot, addEdge)
	assert.False(t, r.Valid)
	assert.Equal(t, model.ReasonDanglingEndpoint, r.Reason)
}
