package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/api/internal/ordering"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	board, listID, cardIDs := seedList(t, s, "A", "B")

	tree, err := s.LoadBoard(ctx, board.ID)
	require.NoError(t, err)
	tree.Lists[0].CardIDs[0] = "tampered"

	again, err := s.LoadBoard(ctx, board.ID)
	require.NoError(t, err)
	assert.Equal(t, cardIDs, again.Lists[0].CardIDs)
	assert.Len(t, again.Cards[listID], 2)
}

func TestMemoryStoreWriteOrderRejectsForeignChildren(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	board, listID, _ := seedList(t, s, "A")
	_, otherList, otherCards := seedList(t, s, "X")

	err := s.Update(ctx, board.ID, func(tx Tx) error {
		return tx.WriteOrder(ctx, ordering.ScopeList, listID, otherCards)
	})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Update(ctx, board.ID, func(tx Tx) error {
		return tx.WriteOrder(ctx, ordering.ScopeList, otherList, otherCards)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
