package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/api/internal/ordering"
	"taskboard/api/internal/util"
)

// runStoreContract exercises behaviour both stores must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("board lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		owner := util.NewID("usr")

		board, err := s.CreateBoard(ctx, Board{ID: util.NewID("brd"), Title: "Roadmap", Background: "#0079BF", OwnerID: owner})
		require.NoError(t, err)
		assert.Equal(t, []string{owner}, board.MemberIDs)

		got, err := s.GetBoard(ctx, board.ID)
		require.NoError(t, err)
		assert.Equal(t, "Roadmap", got.Title)

		boards, err := s.ListBoardsForUser(ctx, owner)
		require.NoError(t, err)
		require.Len(t, boards, 1)

		_, err = s.GetBoard(ctx, "brd_missing")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.Update(ctx, "brd_missing", func(Tx) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("write order keeps card sequence and positions in step", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		board, listID, cardIDs := seedList(t, s, "A", "B", "C")

		err := s.Update(ctx, board.ID, func(tx Tx) error {
			return tx.WriteOrder(ctx, ordering.ScopeList, listID, []string{cardIDs[2], cardIDs[0], cardIDs[1]})
		})
		require.NoError(t, err)

		tree, err := s.LoadBoard(ctx, board.ID)
		require.NoError(t, err)
		require.Len(t, tree.Lists, 1)
		assert.Equal(t, []string{cardIDs[2], cardIDs[0], cardIDs[1]}, tree.Lists[0].CardIDs)
		cards := tree.Cards[listID]
		require.Len(t, cards, 3)
		for i, card := range cards {
			assert.Equal(t, i, card.Position)
			assert.Equal(t, tree.Lists[0].CardIDs[i], card.ID)
		}
	})

	t.Run("failed update leaves no trace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		board, listID, cardIDs := seedList(t, s, "A", "B")
		boom := errors.New("boom")

		err := s.Update(ctx, board.ID, func(tx Tx) error {
			if err := tx.WriteOrder(ctx, ordering.ScopeList, listID, []string{cardIDs[1], cardIDs[0]}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		tree, err := s.LoadBoard(ctx, board.ID)
		require.NoError(t, err)
		assert.Equal(t, cardIDs, tree.Lists[0].CardIDs)
		assert.Equal(t, cardIDs[0], tree.Cards[listID][0].ID)
	})

	t.Run("duplicate positions are refused at commit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		board, listID, _ := seedList(t, s, "A")

		err := s.Update(ctx, board.ID, func(tx Tx) error {
			return tx.InsertCard(ctx, Card{ID: util.NewID("crd"), ListID: listID, Title: "dup", Position: 0})
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPositionConflict)
	})

	t.Run("gaps are refused at commit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		board, listID, cardIDs := seedList(t, s, "A", "B")

		err := s.Update(ctx, board.ID, func(tx Tx) error {
			return tx.InsertCard(ctx, Card{ID: util.NewID("crd"), ListID: listID, Title: "far", Position: 5})
		})
		assert.ErrorIs(t, err, ErrPositionConflict)

		err = s.Update(ctx, board.ID, func(tx Tx) error {
			return tx.DeleteCard(ctx, cardIDs[0])
		})
		assert.ErrorIs(t, err, ErrPositionConflict, "deleting without renumbering leaves a hole at 0")

		tree, err := s.LoadBoard(ctx, board.ID)
		require.NoError(t, err)
		assert.Len(t, tree.Cards[listID], 2)
	})

	t.Run("children and revision", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		board, l1, cards := seedList(t, s, "A", "B")
		before, err := s.GetBoard(ctx, board.ID)
		require.NoError(t, err)

		l2 := util.NewID("lst")
		var revision int64
		require.NoError(t, s.Update(ctx, board.ID, func(tx Tx) error {
			revision = tx.Revision()
			if err := tx.InsertList(ctx, List{ID: l2, Title: "Doing", Position: 1}); err != nil {
				return err
			}
			lists, err := tx.Children(ctx, ordering.ScopeBoard, board.ID)
			if err != nil {
				return err
			}
			assert.ElementsMatch(t, []string{l1, l2}, lists)

			if err := tx.SetCardList(ctx, cards[0], l2); err != nil {
				return err
			}
			moved, err := tx.Children(ctx, ordering.ScopeList, l2)
			if err != nil {
				return err
			}
			assert.Equal(t, []string{cards[0]}, moved)
			left, err := tx.Children(ctx, ordering.ScopeList, l1)
			if err != nil {
				return err
			}
			assert.Equal(t, []string{cards[1]}, left)

			if err := tx.WriteOrder(ctx, ordering.ScopeList, l1, []string{cards[1]}); err != nil {
				return err
			}
			return tx.WriteOrder(ctx, ordering.ScopeList, l2, []string{cards[0]})
		}))
		assert.Equal(t, before.Revision+1, revision)

		after, err := s.GetBoard(ctx, board.ID)
		require.NoError(t, err)
		assert.Equal(t, revision, after.Revision)

		boom := errors.New("boom")
		require.ErrorIs(t, s.Update(ctx, board.ID, func(Tx) error { return boom }), boom)
		again, err := s.GetBoard(ctx, board.ID)
		require.NoError(t, err)
		assert.Equal(t, revision, again.Revision, "a failed update does not bump the revision")
	})

	t.Run("reparent then renumber both lists", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		board, l1, cards := seedList(t, s, "A", "B")
		l2 := util.NewID("lst")
		c := util.NewID("crd")
		require.NoError(t, s.Update(ctx, board.ID, func(tx Tx) error {
			if err := tx.InsertList(ctx, List{ID: l2, Title: "Doing", Position: 1}); err != nil {
				return err
			}
			if err := tx.InsertCard(ctx, Card{ID: c, ListID: l2, Title: "C", Position: 0}); err != nil {
				return err
			}
			return tx.WriteOrder(ctx, ordering.ScopeList, l2, []string{c})
		}))

		require.NoError(t, s.Update(ctx, board.ID, func(tx Tx) error {
			if err := tx.SetCardList(ctx, cards[0], l2); err != nil {
				return err
			}
			if err := tx.WriteOrder(ctx, ordering.ScopeList, l1, []string{cards[1]}); err != nil {
				return err
			}
			return tx.WriteOrder(ctx, ordering.ScopeList, l2, []string{cards[0], c})
		}))

		tree, err := s.LoadBoard(ctx, board.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{cards[1]}, tree.Lists[0].CardIDs)
		assert.Equal(t, []string{cards[0], c}, tree.Lists[1].CardIDs)
		assert.Equal(t, 0, tree.Cards[l2][0].Position)
		assert.Equal(t, cards[0], tree.Cards[l2][0].ID)
	})

	t.Run("members and stars", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		board, _, _ := seedList(t, s)
		member := util.NewID("usr")

		require.NoError(t, s.Update(ctx, board.ID, func(tx Tx) error { return tx.AddMember(ctx, member) }))
		boards, err := s.ListBoardsForUser(ctx, member)
		require.NoError(t, err)
		require.Len(t, boards, 1)

		var starred bool
		require.NoError(t, s.Update(ctx, board.ID, func(tx Tx) error {
			var err error
			starred, err = tx.ToggleStar(ctx, member)
			return err
		}))
		assert.True(t, starred)
		require.NoError(t, s.Update(ctx, board.ID, func(tx Tx) error {
			var err error
			starred, err = tx.ToggleStar(ctx, member)
			return err
		}))
		assert.False(t, starred)

		require.NoError(t, s.Update(ctx, board.ID, func(tx Tx) error { return tx.RemoveMember(ctx, member) }))
		err = s.Update(ctx, board.ID, func(tx Tx) error { return tx.RemoveMember(ctx, member) })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete board cascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		board, _, _ := seedList(t, s, "A")
		require.NoError(t, s.InsertActivity(ctx, Activity{ID: util.NewID("act"), BoardID: board.ID, UserID: board.OwnerID, Type: "list:created", Data: json.RawMessage(`{"title":"Todo"}`)}))

		require.NoError(t, s.Update(ctx, board.ID, func(tx Tx) error { return tx.DeleteBoard(ctx) }))
		_, err := s.LoadBoard(ctx, board.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		activities, err := s.ListActivities(ctx, board.ID, "", 10)
		require.NoError(t, err)
		assert.Empty(t, activities)
	})
}

func seedList(t *testing.T, s Store, titles ...string) (Board, string, []string) {
	t.Helper()
	ctx := context.Background()
	board, err := s.CreateBoard(ctx, Board{ID: util.NewID("brd"), Title: "Board", Background: "#0079BF", OwnerID: util.NewID("usr")})
	require.NoError(t, err)

	listID := util.NewID("lst")
	cardIDs := make([]string, 0, len(titles))
	err = s.Update(ctx, board.ID, func(tx Tx) error {
		if err := tx.InsertList(ctx, List{ID: listID, Title: "Todo", Position: 0}); err != nil {
			return err
		}
		for i, title := range titles {
			id := util.NewID("crd")
			if err := tx.InsertCard(ctx, Card{ID: id, ListID: listID, Title: title, Position: i}); err != nil {
				return err
			}
			cardIDs = append(cardIDs, id)
		}
		return tx.WriteOrder(ctx, ordering.ScopeList, listID, cardIDs)
	})
	require.NoError(t, err)
	return board, listID, cardIDs
}
