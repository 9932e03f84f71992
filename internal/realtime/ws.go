package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/protocol"
)

const (
	writeTimeout     = 10 * time.Second
	maxClientFrame   = 4096
	joinCheckTimeout = 5 * time.Second
)

// Gatekeeper authenticates websocket clients and authorizes room joins.
type Gatekeeper interface {
	Authenticate(ctx context.Context, token string) (string, error)
	CanJoin(ctx context.Context, userID, boardID string) error
}

type WSOptions struct {
	SendBuffer    int
	PingInterval  time.Duration
	AllowedOrigin string
}

// WSHandler upgrades /api/ws requests and runs one read and one write
// goroutine per connection.
type WSHandler struct {
	registry     *Registry
	gate         Gatekeeper
	upgrader     websocket.Upgrader
	sendBuffer   int
	pingInterval time.Duration
	logger       *log.Logger
}

func NewWSHandler(registry *Registry, gate Gatekeeper, opts WSOptions, logger *log.Logger) *WSHandler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	allowed := strings.TrimSpace(opts.AllowedOrigin)
	return &WSHandler{
		registry:     registry,
		gate:         gate,
		sendBuffer:   opts.SendBuffer,
		pingInterval: opts.PingInterval,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowed == "" || allowed == "*" || origin == "" || origin == allowed
			},
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	}
	userID, err := h.gate.Authenticate(r.Context(), token)
	if err != nil || userID == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(protocol.ErrorResponse{Code: "UNAUTHORIZED", Error: "Unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	session := NewSession(userID, h.sendBuffer)
	if err := h.registry.Register(session); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	h.logger.WithFields(log.Fields{"session_id": session.ID, "user_id": userID}).Debug("websocket connected")

	go h.writePump(conn, session)
	h.readPump(r.Context(), conn, session)
	h.registry.Unregister(session.ID)
	h.logger.WithFields(log.Fields{"session_id": session.ID, "user_id": userID}).Debug("websocket disconnected")
}

func (h *WSHandler) readPump(ctx context.Context, conn *websocket.Conn, session *Session) {
	defer conn.Close()

	pongWait := 2 * h.pingInterval
	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendError(session, "", "BAD_FRAME", "frame is not valid JSON")
			continue
		}
		boardID := strings.TrimSpace(msg.BoardID)
		switch msg.Type {
		case protocol.FrameJoin:
			h.join(ctx, session, boardID)
		case protocol.FrameLeave:
			h.registry.Leave(session.ID, boardID)
			h.send(session, protocol.Frame{Type: protocol.FrameLeft, BoardID: boardID})
		default:
			h.sendError(session, boardID, "BAD_FRAME", "unknown frame type "+msg.Type)
		}
	}
}

func (h *WSHandler) join(ctx context.Context, session *Session, boardID string) {
	if boardID == "" {
		h.sendError(session, "", "VALIDATION_ERROR", "boardId is required")
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, joinCheckTimeout)
	defer cancel()
	if err := h.gate.CanJoin(checkCtx, session.UserID, boardID); err != nil {
		code := "JOIN_DENIED"
		var coded interface{ ErrorCode() string }
		if errors.As(err, &coded) {
			code = coded.ErrorCode()
		}
		h.sendError(session, boardID, code, "cannot join board")
		return
	}
	if err := h.registry.Join(session.ID, boardID); err != nil {
		h.sendError(session, boardID, "JOIN_FAILED", err.Error())
		return
	}
	h.send(session, protocol.Frame{Type: protocol.FrameJoined, BoardID: boardID})
}

func (h *WSHandler) writePump(conn *websocket.Conn, session *Session) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-session.Outbox():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-session.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}

func (h *WSHandler) send(session *Session, frame protocol.Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if !session.Deliver(raw) {
		h.logger.WithFields(log.Fields{"session_id": session.ID, "frame": frame.Type}).Warn("dropped control frame")
	}
}

func (h *WSHandler) sendError(session *Session, boardID, code, message string) {
	payload, err := json.Marshal(protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	h.send(session, protocol.Frame{Type: protocol.FrameError, BoardID: boardID, Payload: payload})
}
