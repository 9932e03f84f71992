package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by both stores when a board, list or card does
// not exist.
var ErrNotFound = errors.New("not found")

// Board.Revision counts committed updates; every Update bumps it once.
type Board struct {
	ID          string
	Title       string
	Description string
	Background  string
	OwnerID     string
	MemberIDs   []string
	StarredBy   []string
	Revision    int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// List is ordered within its board by Position. CardIDs mirrors the
// Position order of its cards.
type List struct {
	ID        string
	BoardID   string
	Title     string
	Position  int
	CardIDs   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Card carries an opaque Payload (labels, due date, cover colour) that the
// ordering engine never inspects.
type Card struct {
	ID          string
	ListID      string
	BoardID     string
	Title       string
	Description string
	Payload     json.RawMessage
	Position    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Activity struct {
	ID        string
	BoardID   string
	CardID    string
	UserID    string
	Type      string
	Data      json.RawMessage
	CreatedAt time.Time
}

// BoardTree is a full board load. Lists are in board order and each
// list's cards are in list order.
type BoardTree struct {
	Board Board
	Lists []List
	Cards map[string][]Card
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
