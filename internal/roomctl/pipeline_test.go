package roomctl

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowroom/engine/internal/model"
)

// runOnExecutor dispatches fn onto the Controller's executor goroutine and
// blocks until it completes, giving tests safe access to otherwise
// executor-confined methods like fireBroadcast/fireSync.
func runOnExecutor(t *testing.T, c *Controller, fn func()) {
	t.Helper()
	err := c.dispatch(context.Background(), fn)
	require.NoError(t, err)
}

func TestIngest_ThenFireBroadcast_DeliversFlowChangeToOtherParticipants(t *testing.T) {
	h := newHarness(t)
	alice := model.Principal{UserID: uuid.New()}
	bob := model.Principal{UserID: uuid.New()}
	_, err := h.controller.Join(context.Background(), alice, newFakeTransport(alice.UserID))
	require.NoError(t, err)
	bobT := newFakeTransport(bob.UserID)
	_, err = h.controller.Join(context.Background(), bob, bobT)
	require.NoError(t, err)

	h.controller.Ingest(model.ChangeEvent{
		Type:        model.GranularNodes,
		UserID:      alice.UserID,
		NodeChanges: []model.NodeChange{{Action: model.ActionAdd, Item: &model.Node{ID: "n1"}}},
	})

	runOnExecutor(t, h.controller, h.controller.fireBroadcast)

	found := false
	for _, e := range bobT.received() {
		if e.Type == model.EnvFlowChange {
			found = true
		}
	}
	assert.True(t, found)
}

// S2 from spec.md §8: validation at broadcast time must reject a dangling
// edge reference, even though the queue never touched the durable snapshot.
func TestFireBroadcast_RejectsInvalidChangeAndNotifiesAuthor(t *testing.T) {
	h := newHarness(t)
	author := model.Principal{UserID: uuid.New()}
	authorT := newFakeTransport(author.UserID)
	_, err := h.controller.Join(context.Background(), author, authorT)
	require.NoError(t, err)

	h.controller.Ingest(model.ChangeEvent{
		Type:   model.GranularEdges,
		UserID: author.UserID,
		EdgeChanges: []model.EdgeChange{{
			Action: model.ActionAdd,
			Item:   &model.Edge{ID: "e1", Source: "missing-a", Target: "missing-b"},
		}},
	})

	runOnExecutor(t, h.controller, h.controller.fireBroadcast)

	var sawConflict bool
	for _, e := range authorT.received() {
		if e.Type == model.EnvOperationConflict {
			sawConflict = true
			assert.Equal(t, model.ReasonDanglingEndpoint, e.OperationConflict.Reason)
		}
	}
	assert.True(t, sawConflict)
}

func TestFireSync_PersistsToDurableStoreAndClearsPending(t *testing.T) {
	h := newHarness(t)
	author := model.Principal{UserID: uuid.New()}
	_, err := h.controller.Join(context.Background(), author, newFakeTransport(author.UserID))
	require.NoError(t, err)

	h.controller.Ingest(model.ChangeEvent{
		Type:        model.GranularNodes,
		UserID:      author.UserID,
		NodeChanges: []model.NodeChange{{Action: model.ActionAdd, Item: &model.Node{ID: "n1"}}},
	})

	runOnExecutor(t, h.controller, h.controller.fireSync)

	assert.Equal(t, 1, h.ds.updateCalls)
	room, err := h.ds.GetRoom(context.Background(), h.controller.ID())
	require.NoError(t, err)
	assert.True(t, room.FlowData.HasNode("n1"))

	has, err := h.wc.HasPending(context.Background(), h.controller.ID())
	require.NoError(t, err)
	assert.False(t, has)
}

func TestFireSync_DurableStoreFailure_SchedulesRetry(t *testing.T) {
	h := newHarness(t)
	h.ds.updateErr = assertErr

	author := model.Principal{UserID: uuid.New()}
	_, err := h.controller.Join(context.Background(), author, newFakeTransport(author.UserID))
	require.NoError(t, err)

	h.controller.Ingest(model.ChangeEvent{
		Type:        model.GranularNodes,
		UserID:      author.UserID,
		NodeChanges: []model.NodeChange{{Action: model.ActionAdd, Item: &model.Node{ID: "n1"}}},
	})

	runOnExecutor(t, h.controller, h.controller.fireSync)

	assert.Equal(t, 1, h.ds.updateCalls)

	var queued int
	runOnExecutor(t, h.controller, func() {
		queued = len(h.controller.syncQueue)
		if h.controller.syncTimer != nil {
			h.controller.syncTimer.Stop()
			h.controller.syncTimer = nil
		}
		h.controller.syncQueue = nil
	})
	assert.Equal(t, 1, queued, "failed batch should be restored to the sync queue for retry")
}

// A VIEWER may observe a room but never submit a mutation (spec.md's
// Access Oracle role semantics, accessoracle.CanEdit).
func TestIngest_ViewerRole_RejectedWithPermissionDenied(t *testing.T) {
	oracle := newFakeOracle()
	oracle.role = model.RoleViewer
	ds := newFakeDurableStore()
	wc := newFakeWarmCache()

	c := New(uuid.New(), testConfig(), testLogger(), oracle, ds, wc, nil, func(uuid.UUID) {})
	c.Start()

	viewer := model.Principal{UserID: uuid.New()}
	viewerT := newFakeTransport(viewer.UserID)
	_, err := c.Join(context.Background(), viewer, viewerT)
	require.NoError(t, err)

	c.Ingest(model.ChangeEvent{
		Type:        model.GranularNodes,
		UserID:      viewer.UserID,
		NodeChanges: []model.NodeChange{{Action: model.ActionAdd, Item: &model.Node{ID: "n1"}}},
	})

	time.Sleep(10 * time.Millisecond)

	var queued int
	runOnExecutor(t, c, func() {
		queued = len(c.syncQueue) + len(c.broadcastQueue)
	})
	assert.Equal(t, 0, queued, "a VIEWER's change must never reach either debounced queue")

	has, err := wc.HasPending(context.Background(), c.ID())
	require.NoError(t, err)
	assert.False(t, has, "a rejected change must never be appended as pending")

	var sawRejection bool
	for _, e := range viewerT.received() {
		if e.Type == model.EnvOperationConflict {
			sawRejection = true
			assert.Equal(t, model.ReasonPermissionDenied, e.OperationConflict.Reason)
		}
	}
	assert.True(t, sawRejection)
}

func TestRejectedChange_IsAudited_WhenAuditRejectionsEnabled(t *testing.T) {
	oracle := newFakeOracle()
	ds := newFakeDurableStore()
	wc := newFakeWarmCache()
	audit := &fakeAuditor{}
	cfg := testConfig()
	cfg.AuditRejections = true

	roomID := uuid.New()
	c := New(roomID, cfg, testLogger(), oracle, ds, wc, audit, func(uuid.UUID) {})
	c.Start()

	author := model.Principal{UserID: uuid.New()}
	_, err := c.Join(context.Background(), author, newFakeTransport(author.UserID))
	require.NoError(t, err)

	c.Ingest(model.ChangeEvent{
		Type:   model.GranularEdges,
		UserID: author.UserID,
		EdgeChanges: []model.EdgeChange{{
			Action: model.ActionAdd,
			Item:   &model.Edge{ID: "e1", Source: "ghost-a", Target: "ghost-b"},
		}},
	})

	runOnExecutor(t, c, c.fireBroadcast)

	time.Sleep(10 * time.Millisecond)
	audit.mu.Lock()
	defer audit.mu.Unlock()
	assert.Len(t, audit.records, 1)
}
