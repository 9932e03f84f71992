package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taskboard/api/internal/ordering"
	"taskboard/api/internal/protocol"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

// MoveResult is returned to the mover. Other sessions get the smaller
// card:moved delta.
type MoveResult struct {
	protocol.CardMoved
	SourceCards []ordering.Position `json:"sourceCards"`
	DestCards   []ordering.Position `json:"destCards"`
}

// CreateCard appends a card to the end of its list.
func (s *Service) CreateCard(ctx context.Context, session Session, boardID string, req protocol.CreateCardRequest) (protocol.CardView, error) {
	title, err := cleanTitle(req.Title)
	if err != nil {
		return protocol.CardView{}, err
	}
	listID := strings.TrimSpace(req.ListID)
	if listID == "" {
		return protocol.CardView{}, errListIDRequired
	}
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return protocol.CardView{}, err
	}

	var (
		created  store.Card
		revision int64
	)
	err = s.update(ctx, session, boardID, rbac.ActionWrite, func(tx store.Tx) error {
		list, err := boardList(ctx, tx, boardID, listID)
		if err != nil {
			return err
		}
		card := store.Card{
			ID:          util.NewID("crd"),
			ListID:      list.ID,
			BoardID:     boardID,
			Title:       title,
			Description: strings.TrimSpace(req.Description),
			Position:    len(list.CardIDs),
		}
		if err := tx.InsertCard(ctx, card); err != nil {
			return err
		}
		order := append(cloneIDs(list.CardIDs), card.ID)
		if _, err := s.reindexer.Reindex(ctx, tx, ordering.ScopeList, list.ID, order); err != nil {
			return err
		}
		revision = tx.Revision()
		created, err = tx.Card(ctx, card.ID)
		return err
	})
	if err != nil {
		return protocol.CardView{}, err
	}

	view := cardView(created)
	s.notify(boardID, session.UserID, protocol.EventCardCreated, protocol.CardCreated{ListID: created.ListID, Card: view, Revision: revision})
	s.recordActivity(ctx, boardID, created.ID, session.UserID, "card:created", map[string]any{"title": created.Title})
	return view, nil
}

// UpdateCard changes card fields. Position and list are never touched here.
func (s *Service) UpdateCard(ctx context.Context, session Session, boardID, cardID string, req protocol.UpdateCardRequest) (protocol.CardView, error) {
	payloadFields := map[string]json.RawMessage{
		"labels":      req.Labels,
		"dueDate":     req.DueDate,
		"dueComplete": req.DueComplete,
		"coverColor":  req.CoverColor,
	}
	changed := req.Title != nil || req.Description != nil
	for key, value := range payloadFields {
		if len(value) == 0 {
			delete(payloadFields, key)
			continue
		}
		changed = true
	}
	if !changed {
		return protocol.CardView{}, errNothingToUpdate
	}
	var title string
	if req.Title != nil {
		var err error
		if title, err = cleanTitle(*req.Title); err != nil {
			return protocol.CardView{}, err
		}
	}
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return protocol.CardView{}, err
	}

	var (
		before  store.Card
		updated store.Card
	)
	err := s.update(ctx, session, boardID, rbac.ActionWrite, func(tx store.Tx) error {
		card, err := boardCard(ctx, tx, boardID, cardID)
		if err != nil {
			return err
		}
		before = card
		if req.Title != nil {
			card.Title = title
		}
		if req.Description != nil {
			card.Description = strings.TrimSpace(*req.Description)
		}
		if len(payloadFields) > 0 {
			merged, err := mergePayload(card.Payload, payloadFields)
			if err != nil {
				return validationError(err.Error(), nil)
			}
			card.Payload = merged
		}
		if err := tx.UpdateCard(ctx, card); err != nil {
			return err
		}
		updated, err = tx.Card(ctx, cardID)
		return err
	})
	if err != nil {
		return protocol.CardView{}, err
	}

	view := cardView(updated)
	s.notify(boardID, session.UserID, protocol.EventCardUpdated, protocol.CardUpdated{Card: view})
	if before.Title != updated.Title {
		s.recordActivity(ctx, boardID, cardID, session.UserID, "card:title_changed", map[string]any{"oldTitle": before.Title, "newTitle": updated.Title})
	}
	if before.Description != updated.Description {
		s.recordActivity(ctx, boardID, cardID, session.UserID, "card:description_changed", map[string]any{})
	}
	return view, nil
}

// DeleteCard removes the card and closes the gap in its list.
func (s *Service) DeleteCard(ctx context.Context, session Session, boardID, cardID string) (protocol.CardDeleted, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return protocol.CardDeleted{}, err
	}

	var (
		deleted   store.Card
		positions []ordering.Position
		revision  int64
	)
	err := s.update(ctx, session, boardID, rbac.ActionWrite, func(tx store.Tx) error {
		card, err := boardCard(ctx, tx, boardID, cardID)
		if err != nil {
			return err
		}
		deleted = card
		list, err := tx.List(ctx, card.ListID)
		if err != nil {
			return fmt.Errorf("load parent list %s: %w", card.ListID, err)
		}
		if err := tx.DeleteCard(ctx, cardID); err != nil {
			return err
		}
		remaining, _ := ordering.Remove(list.CardIDs, cardID)
		revision = tx.Revision()
		positions, err = s.reindexer.Reindex(ctx, tx, ordering.ScopeList, list.ID, remaining)
		return err
	})
	if err != nil {
		return protocol.CardDeleted{}, err
	}

	event := protocol.CardDeleted{ListID: deleted.ListID, CardID: cardID, Cards: positions, Revision: revision}
	s.notify(boardID, session.UserID, protocol.EventCardDeleted, event)
	s.recordActivity(ctx, boardID, "", session.UserID, "card:deleted", map[string]any{"cardId": cardID, "title": deleted.Title})
	return event, nil
}

// MoveCard relocates a card within or across lists of one board in a single
// transaction. The destination index is clamped to the list length.
func (s *Service) MoveCard(ctx context.Context, session Session, boardID string, req protocol.MoveCardRequest) (MoveResult, error) {
	cardID := strings.TrimSpace(req.CardID)
	sourceID := strings.TrimSpace(req.SourceListID)
	destID := strings.TrimSpace(req.DestinationListID)
	if cardID == "" || sourceID == "" || destID == "" || req.NewPosition == nil {
		return MoveResult{}, errMissingMoveFields
	}
	if *req.NewPosition < 0 {
		return MoveResult{}, errNegativePosition
	}
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return MoveResult{}, err
	}

	var (
		result    MoveResult
		fromTitle string
		toTitle   string
	)
	err := s.update(ctx, session, boardID, rbac.ActionWrite, func(tx store.Tx) error {
		card, err := tx.Card(ctx, cardID)
		if errors.Is(err, store.ErrNotFound) {
			return errCardNotFound
		}
		if err != nil {
			return err
		}
		source, err := moveList(ctx, tx, boardID, sourceID)
		if err != nil {
			return err
		}
		dest, err := moveList(ctx, tx, boardID, destID)
		if err != nil {
			return err
		}
		if card.BoardID != boardID {
			return errCrossBoardMove
		}
		if card.ListID != source.ID {
			return errCardNotInSource
		}
		fromTitle, toTitle = source.Title, dest.Title

		if source.ID == dest.ID {
			order, _ := ordering.MoveWithin(source.CardIDs, cardID, *req.NewPosition)
			positions, err := s.reindexer.Reindex(ctx, tx, ordering.ScopeList, source.ID, order)
			if err != nil {
				return err
			}
			result.SourceCards = positions
			result.DestCards = positions
			result.NewPosition = ordering.IndexOf(order, cardID)
		} else {
			sourceOrder, _ := ordering.Remove(source.CardIDs, cardID)
			destOrder := ordering.Insert(dest.CardIDs, cardID, *req.NewPosition)
			if err := tx.SetCardList(ctx, cardID, dest.ID); err != nil {
				return err
			}
			if result.SourceCards, err = s.reindexer.Reindex(ctx, tx, ordering.ScopeList, source.ID, sourceOrder); err != nil {
				return err
			}
			if result.DestCards, err = s.reindexer.Reindex(ctx, tx, ordering.ScopeList, dest.ID, destOrder); err != nil {
				return err
			}
			result.NewPosition = ordering.IndexOf(destOrder, cardID)
		}
		result.CardID = cardID
		result.SourceListID = source.ID
		result.DestListID = dest.ID
		result.Revision = tx.Revision()
		return nil
	})
	if err != nil {
		return MoveResult{}, err
	}

	s.notify(boardID, session.UserID, protocol.EventCardMoved, result.CardMoved)
	s.recordActivity(ctx, boardID, cardID, session.UserID, "card:moved", map[string]any{
		"fromList": map[string]any{"id": result.SourceListID, "title": fromTitle},
		"toList":   map[string]any{"id": result.DestListID, "title": toTitle},
	})
	return result, nil
}

// ReorderCards replaces one list's card order. The request must name every
// card in the list exactly once.
func (s *Service) ReorderCards(ctx context.Context, session Session, boardID string, req protocol.ReorderCardsRequest) (protocol.CardsReordered, error) {
	listID := strings.TrimSpace(req.ListID)
	if listID == "" {
		return protocol.CardsReordered{}, errListIDRequired
	}
	if len(req.Cards) == 0 {
		return protocol.CardsReordered{}, errReorderEmpty
	}
	requested := make([]ordering.Position, len(req.Cards))
	for i, entry := range req.Cards {
		requested[i] = ordering.Position{ID: entry.CardID, Position: entry.Position}
	}
	desired, err := ordering.OrderFromPositions(requested)
	if err != nil {
		return protocol.CardsReordered{}, validationError(err.Error(), nil)
	}
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return protocol.CardsReordered{}, err
	}

	var (
		positions []ordering.Position
		revision  int64
	)
	err = s.update(ctx, session, boardID, rbac.ActionWrite, func(tx store.Tx) error {
		list, err := boardList(ctx, tx, boardID, listID)
		if err != nil {
			return err
		}
		if err := ordering.SameMembers(list.CardIDs, desired); err != nil {
			return validationError("cards must name every card in the list exactly once", map[string]any{"expected": len(list.CardIDs), "received": len(desired)})
		}
		revision = tx.Revision()
		positions, err = s.reindexer.Reindex(ctx, tx, ordering.ScopeList, list.ID, desired)
		return err
	})
	if err != nil {
		return protocol.CardsReordered{}, err
	}

	event := protocol.CardsReordered{ListID: listID, Cards: positions, Revision: revision}
	s.notify(boardID, session.UserID, protocol.EventCardReordered, event)
	return event, nil
}

// boardCard loads a card and hides cards that belong to another board.
func boardCard(ctx context.Context, tx store.Tx, boardID, cardID string) (store.Card, error) {
	card, err := tx.Card(ctx, cardID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && card.BoardID != boardID) {
		return store.Card{}, errCardNotFound
	}
	return card, err
}

// moveList is like boardList but reports a list on another board as a
// cross-board move rather than a missing list.
func moveList(ctx context.Context, tx store.Tx, boardID, listID string) (store.List, error) {
	list, err := tx.List(ctx, listID)
	if errors.Is(err, store.ErrNotFound) {
		return store.List{}, errListNotFound
	}
	if err != nil {
		return store.List{}, err
	}
	if list.BoardID != boardID {
		return store.List{}, errCrossBoardMove
	}
	return list, nil
}

func mergePayload(current json.RawMessage, fields map[string]json.RawMessage) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &merged); err != nil {
			return nil, fmt.Errorf("card payload is not an object: %w", err)
		}
	}
	for key, value := range fields {
		if !json.Valid(value) {
			return nil, fmt.Errorf("%s is not valid JSON", key)
		}
		merged[key] = value
	}
	return json.Marshal(merged)
}

func cloneIDs(ids []string) []string {
	return append([]string(nil), ids...)
}
