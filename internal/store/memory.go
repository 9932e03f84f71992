package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskboard/api/internal/ordering"
)

// MemoryStore keeps everything in process. Update works on a private copy
// of the state and swaps it in only when fn succeeds, so a failed mutation
// leaves no trace.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
	now   func() time.Time
}

type memState struct {
	boards     map[string]Board
	lists      map[string]List
	cards      map[string]Card
	activities []Activity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			boards: map[string]Board{},
			lists:  map[string]List{},
			cards:  map[string]Card{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) CreateBoard(_ context.Context, board Board) (Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.state.boards[board.ID]; exists {
		return Board{}, fmt.Errorf("insert board: duplicate id %s", board.ID)
	}
	now := s.now()
	board.CreatedAt = now
	board.UpdatedAt = now
	board.MemberIDs = []string{board.OwnerID}
	board.StarredBy = nil
	s.state.boards[board.ID] = board
	return cloneBoard(board), nil
}

func (s *MemoryStore) ListBoardsForUser(_ context.Context, userID string) ([]Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []Board{}
	for _, board := range s.state.boards {
		if board.OwnerID == userID || containsString(board.MemberIDs, userID) {
			out = append(out, cloneBoard(board))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetBoard(_ context.Context, boardID string) (Board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	board, ok := s.state.boards[boardID]
	if !ok {
		return Board{}, ErrNotFound
	}
	return cloneBoard(board), nil
}

func (s *MemoryStore) LoadBoard(_ context.Context, boardID string) (BoardTree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	board, ok := s.state.boards[boardID]
	if !ok {
		return BoardTree{}, ErrNotFound
	}
	tree := BoardTree{
		Board: cloneBoard(board),
		Lists: s.state.boardLists(boardID),
		Cards: map[string][]Card{},
	}
	for _, list := range tree.Lists {
		tree.Cards[list.ID] = s.state.listCards(list.ID)
	}
	return tree, nil
}

func (s *MemoryStore) InsertActivity(_ context.Context, activity Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.boards[activity.BoardID]; !ok {
		return fmt.Errorf("insert activity: board %s: %w", activity.BoardID, ErrNotFound)
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = s.now()
	}
	if len(activity.Data) == 0 {
		activity.Data = json.RawMessage(`{}`)
	}
	s.state.activities = append(s.state.activities, activity)
	return nil
}

func (s *MemoryStore) ListActivities(_ context.Context, boardID, cardID string, limit int) ([]Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []Activity
	for i := len(s.state.activities) - 1; i >= 0 && len(out) < limit; i-- {
		activity := s.state.activities[i]
		if activity.BoardID == boardID && (cardID == "" || activity.CardID == cardID) {
			out = append(out, activity)
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, boardID string, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.boards[boardID]; !ok {
		return ErrNotFound
	}
	work := s.state.clone()
	board := work.boards[boardID]
	board.Revision++
	work.boards[boardID] = board
	if err := fn(&memTx{state: &work, boardID: boardID, revision: board.Revision, now: s.now}); err != nil {
		return err
	}
	if err := work.checkPositions(); err != nil {
		return fmt.Errorf("commit board tx: %w: %v", ErrPositionConflict, err)
	}
	s.state = work
	return nil
}

type memTx struct {
	state    *memState
	boardID  string
	revision int64
	now      func() time.Time
}

func (t *memTx) Revision() int64 {
	return t.revision
}

func (t *memTx) Board(context.Context) (Board, error) {
	board, ok := t.state.boards[t.boardID]
	if !ok {
		return Board{}, ErrNotFound
	}
	return cloneBoard(board), nil
}

func (t *memTx) Lists(context.Context) ([]List, error) {
	return t.state.boardLists(t.boardID), nil
}

func (t *memTx) List(_ context.Context, listID string) (List, error) {
	list, ok := t.state.lists[listID]
	if !ok {
		return List{}, ErrNotFound
	}
	return cloneList(list), nil
}

func (t *memTx) Card(_ context.Context, cardID string) (Card, error) {
	card, ok := t.state.cards[cardID]
	if !ok {
		return Card{}, ErrNotFound
	}
	return cloneCard(card), nil
}

func (t *memTx) UpdateBoard(_ context.Context, board Board) error {
	current := t.state.boards[t.boardID]
	current.Title = board.Title
	current.Description = board.Description
	current.Background = board.Background
	current.UpdatedAt = t.now()
	t.state.boards[t.boardID] = current
	return nil
}

func (t *memTx) InsertList(_ context.Context, list List) error {
	if _, exists := t.state.lists[list.ID]; exists {
		return fmt.Errorf("insert list: duplicate id %s", list.ID)
	}
	now := t.now()
	list.BoardID = t.boardID
	list.CardIDs = []string{}
	list.CreatedAt = now
	list.UpdatedAt = now
	t.state.lists[list.ID] = list
	t.touchBoard()
	return nil
}

func (t *memTx) InsertCard(_ context.Context, card Card) error {
	if _, exists := t.state.cards[card.ID]; exists {
		return fmt.Errorf("insert card: duplicate id %s", card.ID)
	}
	list, ok := t.state.lists[card.ListID]
	if !ok || list.BoardID != t.boardID {
		return fmt.Errorf("insert card: list %s: %w", card.ListID, ErrNotFound)
	}
	now := t.now()
	card.BoardID = t.boardID
	if len(card.Payload) == 0 {
		card.Payload = json.RawMessage(`{}`)
	}
	card.CreatedAt = now
	card.UpdatedAt = now
	t.state.cards[card.ID] = card
	t.touchBoard()
	return nil
}

func (t *memTx) UpdateList(_ context.Context, list List) error {
	current, ok := t.state.lists[list.ID]
	if !ok || current.BoardID != t.boardID {
		return ErrNotFound
	}
	current.Title = list.Title
	current.UpdatedAt = t.now()
	t.state.lists[list.ID] = current
	return nil
}

func (t *memTx) UpdateCard(_ context.Context, card Card) error {
	current, ok := t.state.cards[card.ID]
	if !ok || current.BoardID != t.boardID {
		return ErrNotFound
	}
	current.Title = card.Title
	current.Description = card.Description
	current.Payload = append(json.RawMessage(nil), card.Payload...)
	if len(current.Payload) == 0 {
		current.Payload = json.RawMessage(`{}`)
	}
	current.UpdatedAt = t.now()
	t.state.cards[card.ID] = current
	return nil
}

func (t *memTx) SetCardList(_ context.Context, cardID, listID string) error {
	card, ok := t.state.cards[cardID]
	if !ok || card.BoardID != t.boardID {
		return ErrNotFound
	}
	if list, ok := t.state.lists[listID]; !ok || list.BoardID != t.boardID {
		return fmt.Errorf("reparent card: list %s: %w", listID, ErrNotFound)
	}
	card.ListID = listID
	card.UpdatedAt = t.now()
	t.state.cards[cardID] = card
	return nil
}

func (t *memTx) DeleteList(_ context.Context, listID string) error {
	list, ok := t.state.lists[listID]
	if !ok || list.BoardID != t.boardID {
		return ErrNotFound
	}
	for id, card := range t.state.cards {
		if card.ListID == listID {
			delete(t.state.cards, id)
		}
	}
	delete(t.state.lists, listID)
	return nil
}

func (t *memTx) DeleteCard(_ context.Context, cardID string) error {
	card, ok := t.state.cards[cardID]
	if !ok || card.BoardID != t.boardID {
		return ErrNotFound
	}
	delete(t.state.cards, cardID)
	kept := t.state.activities[:0]
	for _, activity := range t.state.activities {
		if activity.CardID != cardID {
			kept = append(kept, activity)
		}
	}
	t.state.activities = kept
	return nil
}

func (t *memTx) DeleteBoard(context.Context) error {
	for id, card := range t.state.cards {
		if card.BoardID == t.boardID {
			delete(t.state.cards, id)
		}
	}
	for id, list := range t.state.lists {
		if list.BoardID == t.boardID {
			delete(t.state.lists, id)
		}
	}
	kept := t.state.activities[:0]
	for _, activity := range t.state.activities {
		if activity.BoardID != t.boardID {
			kept = append(kept, activity)
		}
	}
	t.state.activities = kept
	delete(t.state.boards, t.boardID)
	return nil
}

func (t *memTx) AddMember(_ context.Context, userID string) error {
	board := t.state.boards[t.boardID]
	if containsString(board.MemberIDs, userID) {
		return nil
	}
	board.MemberIDs = append(cloneStrings(board.MemberIDs), userID)
	board.UpdatedAt = t.now()
	t.state.boards[t.boardID] = board
	return nil
}

func (t *memTx) RemoveMember(_ context.Context, userID string) error {
	board := t.state.boards[t.boardID]
	members, ok := ordering.Remove(board.MemberIDs, userID)
	if !ok {
		return ErrNotFound
	}
	board.MemberIDs = members
	board.UpdatedAt = t.now()
	t.state.boards[t.boardID] = board
	return nil
}

func (t *memTx) ToggleStar(_ context.Context, userID string) (bool, error) {
	board := t.state.boards[t.boardID]
	stars, removed := ordering.Remove(board.StarredBy, userID)
	starred := !removed
	if starred {
		stars = append(stars, userID)
		sort.Strings(stars)
	}
	board.StarredBy = stars
	t.state.boards[t.boardID] = board
	return starred, nil
}

func (t *memTx) Children(_ context.Context, scope ordering.Scope, parentID string) ([]string, error) {
	var ids []string
	switch scope {
	case ordering.ScopeBoard:
		if parentID != t.boardID {
			return nil, fmt.Errorf("children: board %s is not locked", parentID)
		}
		for id, list := range t.state.lists {
			if list.BoardID == parentID {
				ids = append(ids, id)
			}
		}
	case ordering.ScopeList:
		list, ok := t.state.lists[parentID]
		if !ok || list.BoardID != t.boardID {
			return nil, fmt.Errorf("children: list %s: %w", parentID, ErrNotFound)
		}
		for id, card := range t.state.cards {
			if card.ListID == parentID {
				ids = append(ids, id)
			}
		}
	default:
		return nil, fmt.Errorf("children: unknown scope %s", scope)
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) WriteOrder(_ context.Context, scope ordering.Scope, parentID string, orderedIDs []string) error {
	now := t.now()
	switch scope {
	case ordering.ScopeBoard:
		if parentID != t.boardID {
			return fmt.Errorf("write order: board %s is not locked", parentID)
		}
		for i, id := range orderedIDs {
			list, ok := t.state.lists[id]
			if !ok || list.BoardID != parentID {
				return fmt.Errorf("write board order: list %s: %w", id, ErrNotFound)
			}
			list.Position = i
			list.UpdatedAt = now
			t.state.lists[id] = list
		}
	case ordering.ScopeList:
		list, ok := t.state.lists[parentID]
		if !ok || list.BoardID != t.boardID {
			return fmt.Errorf("write list order: list %s: %w", parentID, ErrNotFound)
		}
		for i, id := range orderedIDs {
			card, ok := t.state.cards[id]
			if !ok || card.ListID != parentID {
				return fmt.Errorf("write list order: card %s: %w", id, ErrNotFound)
			}
			card.Position = i
			card.UpdatedAt = now
			t.state.cards[id] = card
		}
		list.CardIDs = cloneStrings(orderedIDs)
		if list.CardIDs == nil {
			list.CardIDs = []string{}
		}
		list.UpdatedAt = now
		t.state.lists[parentID] = list
	default:
		return fmt.Errorf("write order: unknown scope %s", scope)
	}
	t.touchBoard()
	return nil
}

func (t *memTx) touchBoard() {
	board := t.state.boards[t.boardID]
	board.UpdatedAt = t.now()
	t.state.boards[t.boardID] = board
}

func (st memState) clone() memState {
	out := memState{
		boards:     make(map[string]Board, len(st.boards)),
		lists:      make(map[string]List, len(st.lists)),
		cards:      make(map[string]Card, len(st.cards)),
		activities: append([]Activity(nil), st.activities...),
	}
	for id, board := range st.boards {
		out.boards[id] = cloneBoard(board)
	}
	for id, list := range st.lists {
		out.lists[id] = cloneList(list)
	}
	for id, card := range st.cards {
		out.cards[id] = cloneCard(card)
	}
	return out
}

func (st memState) boardLists(boardID string) []List {
	lists := []List{}
	for _, list := range st.lists {
		if list.BoardID == boardID {
			lists = append(lists, cloneList(list))
		}
	}
	sort.Slice(lists, func(i, j int) bool { return lists[i].Position < lists[j].Position })
	return lists
}

func (st memState) listCards(listID string) []Card {
	cards := []Card{}
	for _, card := range st.cards {
		if card.ListID == listID {
			cards = append(cards, cloneCard(card))
		}
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Position < cards[j].Position })
	return cards
}

// checkPositions enforces what the deferred constraints and the commit
// check enforce in Postgres: every sibling set is numbered 0..n-1.
func (st memState) checkPositions() error {
	listPositions := map[string][]int{}
	for _, list := range st.lists {
		listPositions[list.BoardID] = append(listPositions[list.BoardID], list.Position)
	}
	for boardID, positions := range listPositions {
		if !ordering.Contiguous(positions) {
			return fmt.Errorf("lists on board %s have positions %v", boardID, sortedInts(positions))
		}
	}
	cardPositions := map[string][]int{}
	for _, card := range st.cards {
		cardPositions[card.ListID] = append(cardPositions[card.ListID], card.Position)
	}
	for listID, positions := range cardPositions {
		if !ordering.Contiguous(positions) {
			return fmt.Errorf("cards in list %s have positions %v", listID, sortedInts(positions))
		}
	}
	return nil
}

func sortedInts(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	return out
}

func cloneBoard(b Board) Board {
	b.MemberIDs = cloneStrings(b.MemberIDs)
	b.StarredBy = cloneStrings(b.StarredBy)
	return b
}

func cloneList(l List) List {
	l.CardIDs = cloneStrings(l.CardIDs)
	return l
}

func cloneCard(c Card) Card {
	c.Payload = append(json.RawMessage(nil), c.Payload...)
	return c
}
