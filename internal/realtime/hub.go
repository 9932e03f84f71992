package realtime

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/protocol"
)

// Publisher forwards an envelope to every API process. Publish must not
// block.
type Publisher interface {
	Publish(env protocol.Envelope)
}

// Hub is the process's Broadcaster. Without a Publisher it delivers straight
// to the local Registry; with one, delivery happens when the envelope comes
// back through Dispatch.
type Hub struct {
	registry *Registry
	logger   *log.Logger

	mu    sync.RWMutex
	relay Publisher
}

func NewHub(registry *Registry, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{registry: registry, logger: logger}
}

func (h *Hub) SetRelay(relay Publisher) {
	h.mu.Lock()
	h.relay = relay
	h.mu.Unlock()
}

// NotifyBoard is called after a mutation commits. It never blocks the
// caller and never fails; problems are logged.
func (h *Hub) NotifyBoard(boardID, originUserID, eventType string, payload any) {
	env, err := protocol.NewEnvelope(boardID, originUserID, eventType, payload)
	if err != nil {
		h.logger.WithError(err).WithFields(log.Fields{"board_id": boardID, "event": eventType}).Warn("encode board event")
		return
	}

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		relay.Publish(env)
		return
	}
	h.Dispatch(env)
}

// Dispatch delivers env to this process's sessions in the board room and
// returns how many accepted it.
func (h *Hub) Dispatch(env protocol.Envelope) int {
	frame, err := json.Marshal(env.Frame())
	if err != nil {
		h.logger.WithError(err).WithField("event", env.Type).Warn("encode frame")
		return 0
	}

	delivered := 0
	for _, session := range h.registry.Recipients(env.BoardID, env.OriginUserID) {
		if session.Deliver(frame) {
			delivered++
			continue
		}
		h.logger.WithFields(log.Fields{
			"session_id": session.ID,
			"user_id":    session.UserID,
			"board_id":   env.BoardID,
			"event":      env.Type,
		}).Warn("dropped board event for slow session")
	}

	switch env.Type {
	case protocol.EventMemberRemoved:
		var removed protocol.MemberChanged
		if err := json.Unmarshal(env.Payload, &removed); err == nil && removed.UserID != "" {
			h.sendLeft(env.BoardID, h.registry.EvictUser(env.BoardID, removed.UserID))
		}
	case protocol.EventBoardDeleted:
		h.sendLeft(env.BoardID, h.registry.CloseRoom(env.BoardID))
	}
	return delivered
}

func (h *Hub) sendLeft(boardID string, sessions []*Session) {
	if len(sessions) == 0 {
		return
	}
	frame, err := json.Marshal(protocol.Frame{Type: protocol.FrameLeft, BoardID: boardID})
	if err != nil {
		return
	}
	for _, session := range sessions {
		session.Deliver(frame)
	}
}
