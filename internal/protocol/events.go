// Package protocol holds the JSON shapes shared by the server, the relay
// and Go clients: board views, push event payloads, websocket frames and
// mutation request bodies.
//
// Payloads that change an order carry the board revision their commit
// produced, so a client holding newer state can tell a late payload apart.
package protocol

import (
	"encoding/json"

	"taskboard/api/internal/ordering"
)

// Push event names.
const (
	EventListCreated   = "list:created"
	EventListUpdated   = "list:updated"
	EventListDeleted   = "list:deleted"
	EventListReordered = "list:reordered"

	EventCardCreated   = "card:created"
	EventCardUpdated   = "card:updated"
	EventCardDeleted   = "card:deleted"
	EventCardMoved     = "card:moved"
	EventCardReordered = "card:reordered"

	EventBoardUpdated  = "board:updated"
	EventBoardDeleted  = "board:deleted"
	EventMemberAdded   = "member:added"
	EventMemberRemoved = "member:removed"
)

// Websocket control frames.
const (
	FrameJoin   = "board:join"
	FrameLeave  = "board:leave"
	FrameJoined = "board:joined"
	FrameLeft   = "board:left"
	FrameError  = "error"
)

type ListCreated struct {
	List     ListView `json:"list"`
	Revision int64    `json:"revision,omitempty"`
}

type ListUpdated struct {
	List ListView `json:"list"`
}

// ListDeleted carries the renumbered survivors so receivers can re-sort
// without a refetch.
type ListDeleted struct {
	ListID   string              `json:"listId"`
	Lists    []ordering.Position `json:"lists"`
	Revision int64               `json:"revision,omitempty"`
}

type ListsReordered struct {
	Lists    []ordering.Position `json:"lists"`
	Revision int64               `json:"revision,omitempty"`
}

type CardCreated struct {
	ListID   string   `json:"listId"`
	Card     CardView `json:"card"`
	Revision int64    `json:"revision,omitempty"`
}

type CardUpdated struct {
	Card CardView `json:"card"`
}

type CardDeleted struct {
	ListID   string              `json:"listId"`
	CardID   string              `json:"cardId"`
	Cards    []ordering.Position `json:"cards"`
	Revision int64               `json:"revision,omitempty"`
}

// CardMoved reports the committed index in the destination list, after
// clamping.
type CardMoved struct {
	CardID       string `json:"cardId"`
	SourceListID string `json:"sourceListId"`
	DestListID   string `json:"destListId"`
	NewPosition  int    `json:"newPosition"`
	Revision     int64  `json:"revision,omitempty"`
}

type CardsReordered struct {
	ListID   string              `json:"listId"`
	Cards    []ordering.Position `json:"cards"`
	Revision int64               `json:"revision,omitempty"`
}

type BoardDeleted struct {
	BoardID string `json:"boardId"`
}

type MemberChanged struct {
	UserID string `json:"userId"`
}

// ClientMessage is a frame sent by a websocket client.
type ClientMessage struct {
	Type    string `json:"type"`
	BoardID string `json:"boardId"`
}

// Frame is a frame sent by the server.
type Frame struct {
	Type    string          `json:"type"`
	BoardID string          `json:"boardId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is one board notification as it travels between processes.
type Envelope struct {
	BoardID      string          `json:"boardId"`
	OriginUserID string          `json:"originUserId"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
}

// Frame returns the client-facing frame for the envelope.
func (e Envelope) Frame() Frame {
	return Frame{Type: e.Type, BoardID: e.BoardID, Payload: e.Payload}
}

// NewEnvelope encodes payload once so every recipient shares the same bytes.
func NewEnvelope(boardID, originUserID, eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{BoardID: boardID, OriginUserID: originUserID, Type: eventType, Payload: raw}, nil
}
