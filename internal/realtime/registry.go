package realtime

import (
	"errors"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	ErrRegistryClosed = errors.New("session registry closed")
	ErrUnknownSession = errors.New("unknown session")
)

// Registry maps board rooms to subscribed sessions. It is created once per
// process and shared by the websocket handler and the Hub.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
	joined   map[string]map[string]struct{}
	closed   bool
	logger   *log.Logger
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		sessions: map[string]*Session{},
		rooms:    map[string]map[string]*Session{},
		joined:   map[string]map[string]struct{}{},
		logger:   logger,
	}
}

func (r *Registry) Register(session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.sessions[session.ID] = session
	r.joined[session.ID] = map[string]struct{}{}
	return nil
}

// Unregister drops the session from every room it joined and closes it.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		for boardID := range r.joined[sessionID] {
			r.leaveLocked(sessionID, boardID)
		}
		delete(r.joined, sessionID)
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if ok {
		session.Close()
		r.logger.WithFields(log.Fields{"session_id": sessionID, "user_id": session.UserID}).Debug("session unregistered")
	}
}

func (r *Registry) Join(sessionID, boardID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	session, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	room := r.rooms[boardID]
	if room == nil {
		room = map[string]*Session{}
		r.rooms[boardID] = room
	}
	room[sessionID] = session
	r.joined[sessionID][boardID] = struct{}{}
	r.logger.WithFields(log.Fields{"session_id": sessionID, "user_id": session.UserID, "board_id": boardID}).Debug("session joined board")
	return nil
}

func (r *Registry) Leave(sessionID, boardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID, boardID)
}

func (r *Registry) leaveLocked(sessionID, boardID string) {
	if room := r.rooms[boardID]; room != nil {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.rooms, boardID)
		}
	}
	if boards := r.joined[sessionID]; boards != nil {
		delete(boards, boardID)
	}
}

// Recipients returns the sessions in boardID's room, leaving out every
// session that belongs to excludeUserID.
func (r *Registry) Recipients(boardID, excludeUserID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[boardID]
	out := make([]*Session, 0, len(room))
	for _, session := range room {
		if excludeUserID != "" && session.UserID == excludeUserID {
			continue
		}
		out = append(out, session)
	}
	return out
}

// EvictUser removes all of userID's sessions from boardID's room and
// returns them. The sessions stay connected.
func (r *Registry) EvictUser(boardID, userID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []*Session
	for sessionID, session := range r.rooms[boardID] {
		if session.UserID == userID {
			evicted = append(evicted, session)
			r.leaveLocked(sessionID, boardID)
		}
	}
	return evicted
}

// CloseRoom empties boardID's room and returns the sessions that were in it.
func (r *Registry) CloseRoom(boardID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []*Session
	for sessionID, session := range r.rooms[boardID] {
		evicted = append(evicted, session)
		r.leaveLocked(sessionID, boardID)
	}
	return evicted
}

// Rooms lists the boards a session has joined, sorted.
func (r *Registry) Rooms(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.joined[sessionID]))
	for boardID := range r.joined[sessionID] {
		out = append(out, boardID)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	return out
}

// Close refuses further registrations and closes every live session. The
// transport goroutines notice and unregister on their own.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
