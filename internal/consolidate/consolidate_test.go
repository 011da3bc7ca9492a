package consolidate

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowroom/engine/internal/model"
)

func ev(typ model.ChangeType, ts int64) model.ChangeEvent {
	return model.ChangeEvent{Type: typ, Timestamp: ts, UserID: uuid.New()}
}

func TestSortStable_NoOpWhenAlreadySorted(t *testing.T) {
	events := []model.ChangeEvent{ev(model.BulkNodes, 1), ev(model.BulkNodes, 2)}
	assert.True(t, Sorted(events))
	SortStable(events)
	assert.Equal(t, int64(1), events[0].Timestamp)
}

func TestSortStable_SortsOutOfOrderEvents(t *testing.T) {
	events := []model.ChangeEvent{ev(model.BulkNodes, 5), ev(model.BulkNodes, 2), ev(model.BulkNodes, 3)}
	SortStable(events)
	require.Len(t, events, 3)
	assert.Equal(t, []int64{2, 3, 5}, []int64{events[0].Timestamp, events[1].Timestamp, events[2].Timestamp})
}

// S3 from spec.md §8: a later BULK_NODES supersedes every earlier
// GRANULAR_NODES change in the same batch.
func TestConsolidate_BulkSupersedesEarlierGranular(t *testing.T) {
	granular := ev(model.GranularNodes, 1)
	granular.NodeChanges = []model.NodeChange{{Action: model.ActionAdd, Item: &model.Node{ID: "a"}}}
	bulk := ev(model.BulkNodes, 2)
	bulk.Nodes = []model.Node{{ID: "z"}}

	batch := Consolidate([]model.ChangeEvent{granular, bulk}, false)
	require.NotNil(t, batch.Nodes)
	assert.Equal(t, model.BulkNodes, batch.Nodes.Type)
	assert.Equal(t, int64(2), batch.Nodes.Timestamp)
}

// A granular change after a bulk is NOT superseded — it survives and, with
// the greater timestamp, wins the tie-break; the earlier bulk is dropped.
func TestConsolidate_GranularAfterBulkSurvivesAsTieBreakWinner(t *testing.T) {
	bulk := ev(model.BulkNodes, 1)
	granular := ev(model.GranularNodes, 2)
	granular.NodeChanges = []model.NodeChange{{Action: model.ActionAdd, Item: &model.Node{ID: "a"}}}

	batch := Consolidate([]model.ChangeEvent{bulk, granular}, false)
	require.NotNil(t, batch.Nodes)
	assert.Equal(t, model.GranularNodes, batch.Nodes.Type)
	assert.Equal(t, int64(2), batch.Nodes.Timestamp)
}

// S4 from spec.md §8: consecutive granular changes concatenate in
// timestamp order rather than overwriting one another.
func TestConsolidate_GranularChangesConcatenate(t *testing.T) {
	first := ev(model.GranularNodes, 1)
	first.NodeChanges = []model.NodeChange{{Action: model.ActionAdd, Item: &model.Node{ID: "a"}}}
	second := ev(model.GranularNodes, 2)
	second.NodeChanges = []model.NodeChange{{Action: model.ActionAdd, Item: &model.Node{ID: "b"}}}

	batch := Consolidate([]model.ChangeEvent{first, second}, false)
	require.NotNil(t, batch.Nodes)
	require.Len(t, batch.Nodes.NodeChanges, 2)
	assert.Equal(t, "a", batch.Nodes.NodeChanges[0].TargetID())
	assert.Equal(t, "b", batch.Nodes.NodeChanges[1].TargetID())
	assert.Equal(t, int64(2), batch.Nodes.Timestamp)
}

func TestConsolidate_BulkAndGranular_GreaterTimestampWins(t *testing.T) {
	bulk := ev(model.BulkEdges, 10)
	granularBeforeBulk := ev(model.GranularEdges, 1)
	granularBeforeBulk.EdgeChanges = []model.EdgeChange{{Action: model.ActionRemove, ID: "e1"}}

	batch := Consolidate([]model.ChangeEvent{granularBeforeBulk, bulk}, false)
	require.NotNil(t, batch.Edges)
	assert.Equal(t, model.BulkEdges, batch.Edges.Type)
}

func TestConsolidate_SkipNonPersistentDropsCursors(t *testing.T) {
	events := []model.ChangeEvent{ev(model.CursorMove, 1), ev(model.CursorMove, 2)}

	withCursors := Consolidate(events, false)
	assert.Len(t, withCursors.Cursors, 2)

	withoutCursors := Consolidate(events, true)
	assert.Empty(t, withoutCursors.Cursors)
}

func TestConsolidate_EmptyBatchYieldsNilSlots(t *testing.T) {
	batch := Consolidate(nil, false)
	assert.Nil(t, batch.Nodes)
	assert.Nil(t, batch.Edges)
	assert.Empty(t, batch.Cursors)
}

func TestConsolidate_IndependentNodeAndEdgeSlots(t *testing.T) {
	nodeEv := ev(model.BulkNodes, 1)
	edgeEv := ev(model.BulkEdges, 2)

	batch := Consolidate([]model.ChangeEvent{nodeEv, edgeEv}, false)
	require.NotNil(t, batch.Nodes)
	require.NotNil(t, batch.Edges)
	assert.Equal(t, model.BulkNodes, batch.Nodes.Type)
	assert.Equal(t, model.BulkEdges, batch.Edges.Type)
}
