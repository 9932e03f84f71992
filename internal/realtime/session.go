// Package realtime fans committed board changes out to connected clients.
//
// A Registry tracks which websocket sessions are subscribed to which board
// rooms. The Hub turns a mutation notification into a frame and hands it to
// every session in the room except those of the user who made the change.
// With a RedisRelay configured, notifications travel through one Redis
// channel first so that every API process delivers them in the same order.
package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Session is one connected client. Frames are queued on a bounded outbox;
// a slow client loses frames rather than slowing down the sender.
type Session struct {
	ID     string
	UserID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(userID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 64
	}
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

// Deliver queues frame without blocking. It reports false when the outbox
// is full or the session is closed.
func (s *Session) Deliver(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) Outbox() <-chan []byte {
	return s.send
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
