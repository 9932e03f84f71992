package protocol

import (
	"encoding/json"
	"time"
)

// BoardView is the full board document returned by GET /api/boards/{id}.
type BoardView struct {
	ID          string     `json:"_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Background  string     `json:"background"`
	Owner       string     `json:"owner"`
	Members     []string   `json:"members"`
	Starred     []string   `json:"starred"`
	Lists       []ListView `json:"lists,omitempty"`
	Revision    int64      `json:"revision"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ListView lists its cards in position order.
type ListView struct {
	ID        string     `json:"_id"`
	Board     string     `json:"board"`
	Title     string     `json:"title"`
	Position  int        `json:"position"`
	Cards     []CardView `json:"cards"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type CardView struct {
	ID          string          `json:"_id"`
	List        string          `json:"list"`
	Board       string          `json:"board"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Position    int             `json:"position"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ActivityView is one entry of a board's activity log, newest first.
type ActivityView struct {
	ID        string          `json:"_id"`
	Board     string          `json:"board"`
	Card      string          `json:"card,omitempty"`
	User      string          `json:"user"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

type CreateBoardRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Background  string `json:"background"`
}

// UpdateBoardRequest leaves empty fields unchanged.
type UpdateBoardRequest struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Background  string `json:"background,omitempty"`
}

type AddMemberRequest struct {
	UserID string `json:"userId"`
}

type StarResponse struct {
	Starred bool `json:"starred"`
}

type CreateListRequest struct {
	Title string `json:"title"`
}

type RenameListRequest struct {
	Title string `json:"title"`
}

type ListPosition struct {
	ListID   string `json:"listId"`
	Position int    `json:"position"`
}

type ReorderListsRequest struct {
	Lists []ListPosition `json:"lists"`
}

type CreateCardRequest struct {
	Title       string `json:"title"`
	ListID      string `json:"listId"`
	Description string `json:"description,omitempty"`
}

// UpdateCardRequest only touches the fields that are present. Labels,
// due date and cover colour are kept in the card payload.
type UpdateCardRequest struct {
	Title       *string         `json:"title,omitempty"`
	Description *string         `json:"description,omitempty"`
	Labels      json.RawMessage `json:"labels,omitempty"`
	DueDate     json.RawMessage `json:"dueDate,omitempty"`
	DueComplete json.RawMessage `json:"dueComplete,omitempty"`
	CoverColor  json.RawMessage `json:"coverColor,omitempty"`
}

// MoveCardRequest uses a pointer for NewPosition so a missing index can be
// told apart from zero.
type MoveCardRequest struct {
	CardID            string `json:"cardId"`
	SourceListID      string `json:"sourceListId"`
	DestinationListID string `json:"destinationListId"`
	NewPosition       *int   `json:"newPosition"`
}

type CardPosition struct {
	CardID   string `json:"cardId"`
	Position int    `json:"position"`
}

type ReorderCardsRequest struct {
	ListID string         `json:"listId"`
	Cards  []CardPosition `json:"cards"`
}

// Envelope for successful responses.
type DataResponse[T any] struct {
	Data T `json:"data"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}
