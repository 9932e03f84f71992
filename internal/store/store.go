package store

import (
	"context"

	"taskboard/api/internal/ordering"
)

// Store is implemented by PostgresStore and MemoryStore.
type Store interface {
	Ping(ctx context.Context) error
	CreateBoard(ctx context.Context, board Board) (Board, error)
	ListBoardsForUser(ctx context.Context, userID string) ([]Board, error)
	GetBoard(ctx context.Context, boardID string) (Board, error)
	LoadBoard(ctx context.Context, boardID string) (BoardTree, error)
	InsertActivity(ctx context.Context, activity Activity) error
	// ListActivities returns the newest entries first. An empty cardID
	// lists the whole board.
	ListActivities(ctx context.Context, boardID, cardID string, limit int) ([]Activity, error)

	// Update runs fn in one transaction holding the board's write lock.
	// Mutations on the same board are serialized; nothing fn wrote is
	// visible to readers unless fn returns nil and the commit succeeds.
	// The commit is refused with ErrPositionConflict unless every sibling
	// set is numbered 0..n-1. Returns ErrNotFound if the board does not
	// exist.
	Update(ctx context.Context, boardID string, fn func(Tx) error) error
}

// Tx is the write view of one locked board. List and Card look rows up by
// id alone so callers can tell a foreign row from a missing one.
type Tx interface {
	ordering.Writer

	// Revision is the board revision this transaction commits as.
	Revision() int64

	Board(ctx context.Context) (Board, error)
	Lists(ctx context.Context) ([]List, error)
	List(ctx context.Context, listID string) (List, error)
	Card(ctx context.Context, cardID string) (Card, error)

	UpdateBoard(ctx context.Context, board Board) error
	InsertList(ctx context.Context, list List) error
	InsertCard(ctx context.Context, card Card) error
	UpdateList(ctx context.Context, list List) error
	UpdateCard(ctx context.Context, card Card) error
	// SetCardList reparents a card. Its position is assigned by the
	// following WriteOrder on the destination list.
	SetCardList(ctx context.Context, cardID, listID string) error
	DeleteList(ctx context.Context, listID string) error
	DeleteCard(ctx context.Context, cardID string) error
	DeleteBoard(ctx context.Context) error

	AddMember(ctx context.Context, userID string) error
	RemoveMember(ctx context.Context, userID string) error
	ToggleStar(ctx context.Context, userID string) (bool, error)
}
