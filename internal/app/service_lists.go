package app

import (
	"context"
	"errors"

	"taskboard/api/internal/ordering"
	"taskboard/api/internal/protocol"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

// CreateList appends a list to the end of the board.
func (s *Service) CreateList(ctx context.Context, session Session, boardID string, req protocol.CreateListRequest) (protocol.ListView, error) {
	title, err := cleanTitle(req.Title)
	if err != nil {
		return protocol.ListView{}, err
	}
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return protocol.ListView{}, err
	}

	var (
		created  store.List
		revision int64
	)
	err = s.update(ctx, session, boardID, rbac.ActionWrite, func(tx store.Tx) error {
		lists, err := tx.Lists(ctx)
		if err != nil {
			return err
		}
		list := store.List{ID: util.NewID("lst"), BoardID: boardID, Title: title, Position: len(lists)}
		if err := tx.InsertList(ctx, list); err != nil {
			return err
		}
		order := append(listIDs(lists), list.ID)
		if _, err := s.reindexer.Reindex(ctx, tx, ordering.ScopeBoard, boardID, order); err != nil {
			return err
		}
		revision = tx.Revision()
		created, err = tx.List(ctx, list.ID)
		return err
	})
	if err != nil {
		return protocol.ListView{}, err
	}

	view := listView(created)
	s.notify(boardID, session.UserID, protocol.EventListCreated, protocol.ListCreated{List: view, Revision: revision})
	s.recordActivity(ctx, boardID, "", session.UserID, "list:created", map[string]any{"title": created.Title})
	return view, nil
}

func (s *Service) RenameList(ctx context.Context, session Session, boardID, listID string, req protocol.RenameListRequest) (protocol.ListView, error) {
	title, err := cleanTitle(req.Title)
	if err != nil {
		return protocol.ListView{}, err
	}
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return protocol.ListView{}, err
	}

	var renamed store.List
	err = s.update(ctx, session, boardID, rbac.ActionWrite, func(tx store.Tx) error {
		list, err := boardList(ctx, tx, boardID, listID)
		if err != nil {
			return err
		}
		list.Title = title
		if err := tx.UpdateList(ctx, list); err != nil {
			return err
		}
		renamed, err = tx.List(ctx, listID)
		return err
	})
	if err != nil {
		return protocol.ListView{}, err
	}

	view := listView(renamed)
	s.notify(boardID, session.UserID, protocol.EventListUpdated, protocol.ListUpdated{List: view})
	return view, nil
}

// DeleteList removes the list with its cards and closes the gap it left.
func (s *Service) DeleteList(ctx context.Context, session Session, boardID, listID string) (protocol.ListDeleted, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return protocol.ListDeleted{}, err
	}

	var (
		title     string
		positions []ordering.Position
		revision  int64
	)
	err := s.update(ctx, session, boardID, rbac.ActionWrite, func(tx store.Tx) error {
		list, err := boardList(ctx, tx, boardID, listID)
		if err != nil {
			return err
		}
		title = list.Title
		if err := tx.DeleteList(ctx, listID); err != nil {
			return err
		}
		remaining, err := tx.Lists(ctx)
		if err != nil {
			return err
		}
		revision = tx.Revision()
		positions, err = s.reindexer.Reindex(ctx, tx, ordering.ScopeBoard, boardID, listIDs(remaining))
		return err
	})
	if err != nil {
		return protocol.ListDeleted{}, err
	}

	event := protocol.ListDeleted{ListID: listID, Lists: positions, Revision: revision}
	s.notify(boardID, session.UserID, protocol.EventListDeleted, event)
	s.recordActivity(ctx, boardID, "", session.UserID, "list:deleted", map[string]any{"title": title})
	return event, nil
}

// ReorderLists replaces the board's list order. The request must name
// every list exactly once; concurrent reorders resolve last writer wins.
func (s *Service) ReorderLists(ctx context.Context, session Session, boardID string, entries []protocol.ListPosition) (protocol.ListsReordered, error) {
	if len(entries) == 0 {
		return protocol.ListsReordered{}, errReorderEmpty
	}
	requested := make([]ordering.Position, len(entries))
	for i, entry := range entries {
		requested[i] = ordering.Position{ID: entry.ListID, Position: entry.Position}
	}
	desired, err := ordering.OrderFromPositions(requested)
	if err != nil {
		return protocol.ListsReordered{}, validationError(err.Error(), nil)
	}
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return protocol.ListsReordered{}, err
	}

	var (
		positions []ordering.Position
		revision  int64
	)
	err = s.update(ctx, session, boardID, rbac.ActionWrite, func(tx store.Tx) error {
		lists, err := tx.Lists(ctx)
		if err != nil {
			return err
		}
		current := listIDs(lists)
		if err := ordering.SameMembers(current, desired); err != nil {
			return validationError("lists must name every list on the board exactly once", map[string]any{"expected": len(current), "received": len(desired)})
		}
		revision = tx.Revision()
		positions, err = s.reindexer.Reindex(ctx, tx, ordering.ScopeBoard, boardID, desired)
		return err
	})
	if err != nil {
		return protocol.ListsReordered{}, err
	}

	event := protocol.ListsReordered{Lists: positions, Revision: revision}
	s.notify(boardID, session.UserID, protocol.EventListReordered, event)
	return event, nil
}

// boardList loads a list and hides lists that belong to another board.
func boardList(ctx context.Context, tx store.Tx, boardID, listID string) (store.List, error) {
	list, err := tx.List(ctx, listID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && list.BoardID != boardID) {
		return store.List{}, errListNotFound
	}
	return list, err
}
