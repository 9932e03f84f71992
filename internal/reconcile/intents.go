package reconcile

import (
	"fmt"

	"taskboard/api/internal/ordering"
)

// Intent is a local change applied before the server confirms it.
type Intent interface {
	touches(r *Reconciler) ([]key, error)
	apply(r *Reconciler, m *mutation) error
}

type ReorderLists struct {
	Order []string
}

func (i ReorderLists) touches(r *Reconciler) ([]key, error) {
	return []key{r.boardKey()}, nil
}

func (i ReorderLists) apply(r *Reconciler, _ *mutation) error {
	k := r.boardKey()
	if err := ordering.SameMembers(r.orders[k], i.Order); err != nil {
		return err
	}
	r.orders[k] = cloneIDs(i.Order)
	r.renumber(k)
	return nil
}

type ReorderCards struct {
	ListID string
	Order  []string
}

func (i ReorderCards) touches(r *Reconciler) ([]key, error) {
	if _, ok := r.lists[i.ListID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownList, i.ListID)
	}
	return []key{listKey(i.ListID)}, nil
}

func (i ReorderCards) apply(r *Reconciler, _ *mutation) error {
	k := listKey(i.ListID)
	if err := ordering.SameMembers(r.orders[k], i.Order); err != nil {
		return err
	}
	r.orders[k] = cloneIDs(i.Order)
	r.renumber(k)
	return nil
}

// MoveCard relocates a card. Index is clamped to the destination length
// the same way the server clamps it.
type MoveCard struct {
	CardID       string
	SourceListID string
	DestListID   string
	Index        int
}

func (i MoveCard) touches(r *Reconciler) ([]key, error) {
	card, ok := r.cards[i.CardID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCard, i.CardID)
	}
	if _, ok := r.lists[i.SourceListID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownList, i.SourceListID)
	}
	if _, ok := r.lists[i.DestListID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownList, i.DestListID)
	}
	if card.ListID != i.SourceListID {
		return nil, ErrNotInSource
	}
	if i.Index < 0 {
		return nil, ErrBadIndex
	}
	if i.SourceListID == i.DestListID {
		return []key{listKey(i.SourceListID)}, nil
	}
	return []key{listKey(i.SourceListID), listKey(i.DestListID)}, nil
}

func (i MoveCard) apply(r *Reconciler, _ *mutation) error {
	source, dest := listKey(i.SourceListID), listKey(i.DestListID)
	if source == dest {
		r.orders[source], _ = ordering.MoveWithin(r.orders[source], i.CardID, i.Index)
		r.renumber(source)
		return nil
	}
	r.orders[source], _ = ordering.Remove(r.orders[source], i.CardID)
	r.orders[dest] = ordering.Insert(r.orders[dest], i.CardID, i.Index)
	r.renumber(source)
	r.renumber(dest)
	return nil
}

// CreateList appends a list under a client-chosen temporary id.
type CreateList struct {
	TempID string
	Title  string
}

func (i CreateList) touches(r *Reconciler) ([]key, error) {
	if _, exists := r.lists[i.TempID]; exists || i.TempID == "" {
		return nil, fmt.Errorf("list id %q is empty or already used", i.TempID)
	}
	return []key{r.boardKey()}, nil
}

func (i CreateList) apply(r *Reconciler, m *mutation) error {
	r.lists[i.TempID] = &List{ID: i.TempID, Title: i.Title}
	r.orders[listKey(i.TempID)] = []string{}
	k := r.boardKey()
	r.orders[k] = append(cloneIDs(r.orders[k]), i.TempID)
	m.created = append(m.created, i.TempID)
	r.renumber(k)
	return nil
}

// CreateCard appends a card under a client-chosen temporary id.
type CreateCard struct {
	TempID string
	ListID string
	Title  string
}

func (i CreateCard) touches(r *Reconciler) ([]key, error) {
	if _, ok := r.lists[i.ListID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownList, i.ListID)
	}
	if _, exists := r.cards[i.TempID]; exists || i.TempID == "" {
		return nil, fmt.Errorf("card id %q is empty or already used", i.TempID)
	}
	return []key{listKey(i.ListID)}, nil
}

func (i CreateCard) apply(r *Reconciler, m *mutation) error {
	r.cards[i.TempID] = &Card{ID: i.TempID, ListID: i.ListID, Title: i.Title}
	k := listKey(i.ListID)
	r.orders[k] = append(cloneIDs(r.orders[k]), i.TempID)
	m.created = append(m.created, i.TempID)
	r.renumber(k)
	return nil
}

type DeleteList struct {
	ListID string
}

func (i DeleteList) touches(r *Reconciler) ([]key, error) {
	if _, ok := r.lists[i.ListID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownList, i.ListID)
	}
	return []key{r.boardKey(), listKey(i.ListID)}, nil
}

func (i DeleteList) apply(r *Reconciler, m *mutation) error {
	m.removed = append(m.removed, r.lists[i.ListID])
	for _, cardID := range r.orders[listKey(i.ListID)] {
		if card, ok := r.cards[cardID]; ok {
			m.removed = append(m.removed, card)
			delete(r.cards, cardID)
		}
	}
	delete(r.lists, i.ListID)
	delete(r.orders, listKey(i.ListID))
	r.renumber(r.boardKey())
	return nil
}

type DeleteCard struct {
	CardID string
}

func (i DeleteCard) touches(r *Reconciler) ([]key, error) {
	card, ok := r.cards[i.CardID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCard, i.CardID)
	}
	return []key{listKey(card.ListID)}, nil
}

func (i DeleteCard) apply(r *Reconciler, m *mutation) error {
	card := r.cards[i.CardID]
	m.removed = append(m.removed, card)
	delete(r.cards, i.CardID)
	r.renumber(listKey(card.ListID))
	return nil
}
