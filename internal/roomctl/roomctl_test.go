package roomctl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowroom/engine/internal/config"
	"github.com/flowroom/engine/internal/model"
	"github.com/flowroom/engine/internal/utils"
)

var errTransportFailed = errors.New("fake transport: send failed")
var assertErr = errors.New("fake durable store: forced failure")

func testConfig() *config.Config {
	return &config.Config{
		// Debounce windows are long enough that tests drive fireBroadcast /
		// fireSync directly rather than racing the real timers.
		BroadcastDebounce:     time.Hour,
		SyncDebounce:          time.Hour,
		JoinTimeout:           5 * time.Second,
		FinalizationDeadline:  5 * time.Second,
		SyncRetryInitial:      10 * time.Millisecond,
		SyncRetryMax:          50 * time.Millisecond,
		SyncRetryJitter:       0.2,
		RoomCacheTTL:          time.Hour,
		CursorCacheTTL:        time.Minute,
		RoomEvictionInterval:  time.Hour,
		RoomEvictionThreshold: time.Hour,
		AuditRejections:       false,
	}
}

func testLogger() *utils.Logger {
	return utils.NewLogger("error")
}

// fakeOracle grants access to every room at RoleEditor unless a userID is
// listed in denied.
type fakeOracle struct {
	mu     sync.Mutex
	denied map[uuid.UUID]bool
	role   model.Role
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{denied: make(map[uuid.UUID]bool), role: model.RoleEditor}
}

func (f *fakeOracle) MayAccess(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.denied[userID], nil
}

func (f *fakeOracle) RoleIn(ctx context.Context, roomID, userID uuid.UUID) (model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[userID] {
		return "", nil
	}
	return f.role, nil
}

func (f *fakeOracle) deny(userID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied[userID] = true
}

// fakeDurableStore is an in-memory stand-in for *durable.Store.
type fakeDurableStore struct {
	mu          sync.Mutex
	rooms       map[uuid.UUID]*model.Room
	updateErr   error
	updateCalls int
}

func newFakeDurableStore() *fakeDurableStore {
	return &fakeDurableStore{rooms: make(map[uuid.UUID]*model.Room)}
}

func (f *fakeDurableStore) GetRoom(ctx context.Context, roomID uuid.UUID) (*model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return &model.Room{ID: roomID, FlowData: model.FlowData{}}, nil
	}
	return room, nil
}

func (f *fakeDurableStore) UpdateFlowData(ctx context.Context, roomID uuid.UUID, flow model.FlowData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	room, ok := f.rooms[roomID]
	if !ok {
		room = &model.Room{ID: roomID}
		f.rooms[roomID] = room
	}
	room.FlowData = flow
	return nil
}

func (f *fakeDurableStore) GetParticipantRole(ctx context.Context, roomID, userID uuid.UUID) (model.Role, error) {
	return model.RoleEditor, nil
}

// fakeWarmCache is an in-memory stand-in for *warmcache.Cache. Publish/
// Subscribe are backed by real per-room fan-out channels (not no-ops) so
// tests can exercise the Registry's cross-instance relay end to end.
type fakeWarmCache struct {
	mu          sync.Mutex
	flows       map[uuid.UUID]*model.FlowData
	pending     map[uuid.UUID][]model.ChangeEvent
	subscribers map[uuid.UUID][]chan []byte
}

func newFakeWarmCache() *fakeWarmCache {
	return &fakeWarmCache{
		flows:       make(map[uuid.UUID]*model.FlowData),
		pending:     make(map[uuid.UUID][]model.ChangeEvent),
		subscribers: make(map[uuid.UUID][]chan []byte),
	}
}

func (f *fakeWarmCache) GetRoom(ctx context.Context, roomID uuid.UUID) (*model.FlowData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flow, ok := f.flows[roomID]
	if !ok {
		return nil, nil
	}
	clone := flow.Clone()
	return &clone, nil
}

func (f *fakeWarmCache) PutRoom(ctx context.Context, roomID uuid.UUID, flow model.FlowData, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := flow.Clone()
	f.flows[roomID] = &clone
	return nil
}

func (f *fakeWarmCache) DeleteRoom(ctx context.Context, roomID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flows, roomID)
	return nil
}

func (f *fakeWarmCache) AppendPending(ctx context.Context, roomID uuid.UUID, ev model.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[roomID] = append(f.pending[roomID], ev)
	return nil
}

func (f *fakeWarmCache) GetAndClearPending(ctx context.Context, roomID uuid.UUID) ([]model.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := f.pending[roomID]
	delete(f.pending, roomID)
	return events, nil
}

func (f *fakeWarmCache) HasPending(ctx context.Context, roomID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending[roomID]) > 0, nil
}

func (f *fakeWarmCache) UpdateCursor(ctx context.Context, roomID, userID uuid.UUID, pos model.Position, ttl time.Duration) error {
	return nil
}

func (f *fakeWarmCache) Publish(ctx context.Context, roomID uuid.UUID, payload []byte) error {
	f.mu.Lock()
	subs := append([]chan []byte(nil), f.subscribers[roomID]...)
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (f *fakeWarmCache) Subscribe(ctx context.Context, roomID uuid.UUID) (<-chan []byte, func() error) {
	ch := make(chan []byte, 16)
	f.mu.Lock()
	f.subscribers[roomID] = append(f.subscribers[roomID], ch)
	f.mu.Unlock()

	closeFn := func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.subscribers[roomID]
		for i, c := range subs {
			if c == ch {
				f.subscribers[roomID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
		return nil
	}
	return ch, closeFn
}

// fakeTransport records every envelope sent to it.
type fakeTransport struct {
	mu      sync.Mutex
	userID  uuid.UUID
	sent    []model.Envelope
	failing bool
}

func newFakeTransport(userID uuid.UUID) *fakeTransport {
	return &fakeTransport{userID: userID}
}

func (f *fakeTransport) UserID() uuid.UUID { return f.userID }

func (f *fakeTransport) Send(env model.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errTransportFailed
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) received() []model.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeAuditor records every rejected change handed to it.
type fakeAuditor struct {
	mu      sync.Mutex
	records []model.ChangeEvent
}

func (f *fakeAuditor) Record(ev model.ChangeEvent, reason model.RejectReason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, ev)
	return nil
}
