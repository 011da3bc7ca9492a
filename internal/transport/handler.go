package transport

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowroom/engine/internal/accessoracle"
	"github.com/flowroom/engine/internal/config"
	"github.com/flowroom/engine/internal/model"
	"github.com/flowroom/engine/internal/roomctl"
	"github.com/flowroom/engine/internal/utils"
)

// wsError writes a structured JSON error for pre-upgrade failures (the
// connection is still a plain HTTP response at this point).
func wsError(w http.ResponseWriter, status int, message string) {
	utils.RespondError(w, status, message)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades inbound HTTP requests to WebSocket sessions and performs
// the room join handshake (spec.md §4.7).
type Handler struct {
	cfg      *config.Config
	logger   *utils.Logger
	registry *roomctl.Registry
	oracle   roomctlOracle
}

// NewHandler constructs the /ws upgrade handler.
func NewHandler(cfg *config.Config, logger *utils.Logger, registry *roomctl.Registry, oracle roomctlOracle) *Handler {
	return &Handler{cfg: cfg, logger: logger, registry: registry, oracle: oracle}
}

// ServeHTTP authenticates the token, resolves the target room, upgrades the
// connection, and joins the session before handing off to its pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx, span := otel.Tracer("flowroom-transport").Start(req.Context(), "WebSocketConnection")
	defer span.End()

	authHeader := req.Header.Get("Authorization")
	queryToken := req.URL.Query().Get("token")
	tokenString, err := accessoracle.ExtractBearerToken(authHeader, queryToken)
	if err != nil {
		wsError(w, http.StatusUnauthorized, "missing token")
		span.SetStatus(codes.Error, "missing token")
		return
	}

	principal := h.oracle.Authenticate(tokenString)
	if principal == nil {
		wsError(w, http.StatusUnauthorized, "invalid token")
		span.SetStatus(codes.Error, "invalid token")
		return
	}
	span.SetAttributes(attribute.String("user.id", principal.UserID.String()))

	roomIDStr := req.URL.Query().Get("room_id")
	roomID, err := uuid.Parse(roomIDStr)
	if err != nil {
		wsError(w, http.StatusBadRequest, "invalid room_id")
		span.SetStatus(codes.Error, fmt.Sprintf("invalid room_id: %v", err))
		return
	}
	span.SetAttributes(attribute.String("room.id", roomID.String()))

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		span.SetStatus(codes.Error, fmt.Sprintf("failed to upgrade websocket connection: %v", err))
		return
	}

	session := NewSession(h.cfg, h.logger, h.registry, h.oracle, conn, principal.UserID)
	if _, err := session.Join(ctx, *principal, roomID); err != nil {
		h.logger.Warn(ctx, "join rejected for user %s in room %s: %v", principal.UserID, roomID, err)
		span.SetStatus(codes.Error, fmt.Sprintf("join rejected: %v", err))
		_ = conn.WriteJSON(model.Envelope{
			Type:  model.EnvError,
			Error: &model.ErrorPayload{Kind: "ACCESS_DENIED", Message: err.Error()},
		})
		conn.Close()
		return
	}

	span.SetStatus(codes.Ok, "websocket connection established")
}
