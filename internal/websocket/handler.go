package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"herald/internal/logger"
	"herald/internal/registry"
	"herald/pkg/interfaces"
	"herald/pkg/types"
)

// Hub is the part of the hub the handler drives.
type Hub interface {
	Connect(ctx context.Context, t interfaces.Transport, userID string, metadata map[string]string) (string, error)
	Disconnect(ctx context.Context, connectionID string) bool
	JoinRoom(connectionID, room string) error
	LeaveRoom(connectionID, room string) error
	Subscribe(connectionID, topic string) error
	Unsubscribe(connectionID, topic string) error
	RecordReceive(connectionID string, bytes int)
	Touch(connectionID string)
	Reply(ctx context.Context, connectionID string, env types.Envelope) error
}

// Error codes carried in error envelopes
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownType    = "unknown_type"
	CodeRateLimited    = "rate_limited"
	CodeRejected       = "rejected"
)

// ErrorData is the data of an error envelope.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AckData confirms a room or topic change.
type AckData struct {
	Action string `json:"action"`
	Target string `json:"target"`
}

type Handler struct {
	hub      Hub
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(hub Hub, cfg Config, log *slog.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		hub: hub,
		cfg: cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(*http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		logger: log.With(logger.Component("websocket")),
	}
}

// ServeHTTP upgrades /ws?user_id=...&client_version=... and serves the
// connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if !types.IsValidUserID(userID) {
		http.Error(w, "invalid or missing user_id", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.LogAttrs(r.Context(), slog.LevelWarn, "websocket upgrade failed",
			logger.UserID(userID),
			logger.Error(err),
		)
		return
	}

	conn := NewConnection(ws, h.cfg)
	metadata := map[string]string{"remote_addr": r.RemoteAddr}
	if v := r.URL.Query().Get("client_version"); v != "" {
		metadata["client_version"] = v
	}
	if ua := r.UserAgent(); ua != "" {
		metadata["user_agent"] = ua
	}

	id, err := h.hub.Connect(r.Context(), conn, userID, metadata)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, registry.ErrCapacityExceeded) {
			code = websocket.CloseTryAgainLater
		}
		h.logger.LogAttrs(r.Context(), slog.LevelWarn, "connection rejected",
			logger.UserID(userID),
			logger.Error(err),
		)
		conn.closeWith(code, err.Error())
		return
	}

	h.readLoop(ws, id)
}

func (h *Handler) readLoop(ws *websocket.Conn, id string) {
	ctx := context.Background()
	defer h.hub.Disconnect(ctx, id)

	ws.SetReadLimit(h.cfg.MaxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		h.hub.Touch(id)
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	limiter := rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.LogAttrs(ctx, slog.LevelDebug, "websocket read failed",
					logger.ConnectionID(id),
					logger.Error(err),
				)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		h.hub.RecordReceive(id, len(data))

		if msgType != websocket.TextMessage {
			continue
		}
		if !limiter.Allow() {
			h.replyError(ctx, id, CodeRateLimited, "too many messages")
			continue
		}
		h.handleMessage(ctx, id, data)
	}
}

func (h *Handler) handleMessage(ctx context.Context, id string, data []byte) {
	var msg types.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.replyError(ctx, id, CodeInvalidMessage, "message is not valid JSON")
		return
	}

	var err error
	target := msg.Room
	switch msg.Type {
	case types.ClientPing:
		h.reply(ctx, id, types.Envelope{
			Type: types.EnvelopePong,
			Data: map[string]time.Time{"server_time": time.Now().UTC()},
		})
		return
	case types.ClientJoinRoom:
		err = h.hub.JoinRoom(id, msg.Room)
	case types.ClientLeaveRoom:
		err = h.hub.LeaveRoom(id, msg.Room)
	case types.ClientSubscribe:
		target = msg.Topic
		err = h.hub.Subscribe(id, msg.Topic)
	case types.ClientUnsubscribe:
		target = msg.Topic
		err = h.hub.Unsubscribe(id, msg.Topic)
	default:
		h.replyError(ctx, id, CodeUnknownType, "unknown message type")
		return
	}

	if err != nil {
		h.replyError(ctx, id, CodeRejected, msg.Type+" rejected")
		return
	}
	h.reply(ctx, id, types.Envelope{
		Type: msg.Type,
		Data: AckData{Action: msg.Type, Target: target},
	})
}

func (h *Handler) replyError(ctx context.Context, id, code, message string) {
	h.reply(ctx, id, types.Envelope{
		Type: types.EnvelopeError,
		Data: ErrorData{Code: code, Message: message},
	})
}

func (h *Handler) reply(ctx context.Context, id string, env types.Envelope) {
	if err := h.hub.Reply(ctx, id, env); err != nil {
		h.logger.LogAttrs(ctx, slog.LevelDebug, "reply failed",
			logger.ConnectionID(id),
			slog.String("type", env.Type),
			logger.Error(err),
		)
	}
}
