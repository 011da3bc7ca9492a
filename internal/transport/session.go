// Package transport is the Transport Gateway (TG): it terminates one
// WebSocket connection per participant, translating the wire protocol in
// spec.md §4.7 into roomctl.Controller calls and delivering outbound
// Envelopes back over the socket in FIFO order.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowroom/engine/internal/config"
	"github.com/flowroom/engine/internal/model"
	"github.com/flowroom/engine/internal/roomctl"
	"github.com/flowroom/engine/internal/utils"
)

// maxMessageSize bounds a single inbound frame. Bulk flow documents can be
// large, so this is generous compared to a plain chat payload.
const maxMessageSize = 1 << 20

// inboundMessage is the client->server wire envelope (spec.md §6).
type inboundMessage struct {
	Type   string          `json:"type"`
	RoomID string          `json:"room_id,omitempty"`
	Token  string          `json:"token,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type cursorData struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Session is a middleman between one WebSocket connection and the room it
// has joined. It satisfies roomctl.Transport.
type Session struct {
	cfg      *config.Config
	logger   *utils.Logger
	registry *roomctl.Registry
	oracle   roomctlOracle

	conn   *websocket.Conn
	send   chan model.Envelope
	userID uuid.UUID
	roomID uuid.UUID

	controller *roomctl.Controller
}

// roomctlOracle is the minimal authentication surface Session needs; kept
// as a narrow interface so NewSession doesn't pull in the full accessoracle
// package signature.
type roomctlOracle interface {
	Authenticate(tokenString string) *model.Principal
}

// NewSession constructs a Session for an already-upgraded connection. The
// caller has already authenticated the initial token and resolved roomID;
// Session itself handles the roomctl.Join handshake before starting pumps.
func NewSession(cfg *config.Config, logger *utils.Logger, registry *roomctl.Registry, oracle roomctlOracle, conn *websocket.Conn, userID uuid.UUID) *Session {
	return &Session{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		oracle:   oracle,
		conn:     conn,
		send:     make(chan model.Envelope, 256),
		userID:   userID,
	}
}

// UserID identifies the participant this session delivers to.
func (s *Session) UserID() uuid.UUID { return s.userID }

// Send enqueues env for delivery over the socket. Never blocks the caller
// on network I/O; if the outbound buffer is full the session is considered
// unresponsive and the transport is dropped (the Controller does this by
// treating a full-channel Send as an error).
func (s *Session) Send(env model.Envelope) error {
	select {
	case s.send <- env:
		return nil
	default:
		return errTransportBackedUp
	}
}

// Join performs the room handshake: resolve the Controller and call its
// Join (the principal was already authenticated by the Handler). On success
// it starts the read/write pumps.
func (s *Session) Join(ctx context.Context, principal model.Principal, roomID uuid.UUID) (*roomctl.JoinResult, error) {
	s.roomID = roomID
	s.controller = s.registry.GetOrCreate(roomID)

	result, err := s.controller.Join(ctx, principal, s)
	if err != nil {
		return nil, err
	}

	go s.writePump()
	go s.readPump()
	return result, nil
}

// readPump pumps inbound frames from the socket into the Controller. One
// goroutine per connection; the connection guarantees at most one reader.
func (s *Session) readPump() {
	defer func() {
		s.controller.Leave(s.userID)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn(context.Background(), "websocket read error for user %s: %v", s.userID, err)
			}
			return
		}
		s.handleInbound(raw)
	}
}

func (s *Session) handleInbound(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn(context.Background(), "malformed message from user %s: %v", s.userID, err)
		return
	}

	switch msg.Type {
	case "FLOW_CHANGE":
		var ev model.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.logger.Warn(context.Background(), "malformed FLOW_CHANGE from user %s: %v", s.userID, err)
			return
		}
		ev.RoomID = s.roomID
		ev.UserID = s.userID
		s.controller.Ingest(ev)

	case "CURSOR_MOVE":
		var pos cursorData
		if err := json.Unmarshal(msg.Data, &pos); err != nil {
			s.logger.Warn(context.Background(), "malformed CURSOR_MOVE from user %s: %v", s.userID, err)
			return
		}
		s.controller.Cursor(s.userID, model.Position{X: pos.X, Y: pos.Y})

	case "DISCONNECT":
		s.conn.Close()

	default:
		s.logger.Warn(context.Background(), "unknown inbound message type %q from user %s", msg.Type, s.userID)
	}
}

// writePump pumps Envelopes queued on send to the socket, and drives the
// heartbeat ping. One goroutine per connection; the connection guarantees
// at most one writer.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(env); err != nil {
				s.logger.Warn(context.Background(), "websocket write error for user %s: %v", s.userID, err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeWait bounds how long a single frame write (including pings) may
// take before the connection is considered dead.
const writeWait = 10 * time.Second
