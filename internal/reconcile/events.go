package reconcile

import (
	"encoding/json"
	"fmt"

	"taskboard/api/internal/ordering"
	"taskboard/api/internal/protocol"
)

// ApplyEvent merges a push frame from another user into the live state and
// into every pending snapshot. Frames for other boards and control frames
// are ignored, as are frames older than what was already merged for the
// collections they touch. ErrStale asks the caller to reload;
// ErrBoardDeleted means the board is gone.
func (r *Reconciler) ApplyEvent(frame protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if frame.BoardID != "" && frame.BoardID != r.boardID {
		return nil
	}

	switch frame.Type {
	case protocol.EventListReordered:
		var ev protocol.ListsReordered
		if err := decode(frame, &ev); err != nil {
			return err
		}
		if !r.fresh(ev.Revision, r.boardKey()) {
			return nil
		}
		r.transform(r.boardKey(), sortedBy(ev.Lists))
		return r.checkKnown(ordering.ScopeBoard, ev.Lists)

	case protocol.EventCardReordered:
		var ev protocol.CardsReordered
		if err := decode(frame, &ev); err != nil {
			return err
		}
		if !r.fresh(ev.Revision, listKey(ev.ListID)) {
			return nil
		}
		if _, ok := r.lists[ev.ListID]; !ok {
			return fmt.Errorf("%w: card:reordered for list %s", ErrStale, ev.ListID)
		}
		r.transform(listKey(ev.ListID), sortedBy(ev.Cards))
		return r.checkKnown(ordering.ScopeList, ev.Cards)

	case protocol.EventCardMoved:
		var ev protocol.CardMoved
		if err := decode(frame, &ev); err != nil {
			return err
		}
		if !r.fresh(ev.Revision, listKey(ev.SourceListID), listKey(ev.DestListID)) {
			return nil
		}
		if _, ok := r.cards[ev.CardID]; !ok {
			return fmt.Errorf("%w: card:moved for card %s", ErrStale, ev.CardID)
		}
		if _, ok := r.lists[ev.DestListID]; !ok {
			return fmt.Errorf("%w: card:moved into list %s", ErrStale, ev.DestListID)
		}
		r.dropID(ordering.ScopeList, ev.CardID)
		r.transform(listKey(ev.DestListID), func(order []string) []string {
			return ordering.Insert(order, ev.CardID, ev.NewPosition)
		})
		return nil

	case protocol.EventListCreated:
		var ev protocol.ListCreated
		if err := decode(frame, &ev); err != nil {
			return err
		}
		if !r.fresh(ev.Revision, r.boardKey()) {
			return nil
		}
		if _, exists := r.lists[ev.List.ID]; exists {
			return nil
		}
		r.lists[ev.List.ID] = &List{ID: ev.List.ID, Title: ev.List.Title}
		r.orders[listKey(ev.List.ID)] = []string{}
		r.transform(r.boardKey(), func(order []string) []string {
			return ordering.Insert(order, ev.List.ID, ev.List.Position)
		})
		return nil

	case protocol.EventListUpdated:
		var ev protocol.ListUpdated
		if err := decode(frame, &ev); err != nil {
			return err
		}
		if list, ok := r.lists[ev.List.ID]; ok {
			list.Title = ev.List.Title
		}
		return nil

	case protocol.EventListDeleted:
		var ev protocol.ListDeleted
		if err := decode(frame, &ev); err != nil {
			return err
		}
		if !r.fresh(ev.Revision, r.boardKey(), listKey(ev.ListID)) {
			return nil
		}
		r.dropList(ev.ListID)
		r.transform(r.boardKey(), sortedBy(ev.Lists))
		return nil

	case protocol.EventCardCreated:
		var ev protocol.CardCreated
		if err := decode(frame, &ev); err != nil {
			return err
		}
		if !r.fresh(ev.Revision, listKey(ev.ListID)) {
			return nil
		}
		if _, exists := r.cards[ev.Card.ID]; exists {
			return nil
		}
		if _, ok := r.lists[ev.ListID]; !ok {
			return fmt.Errorf("%w: card:created in list %s", ErrStale, ev.ListID)
		}
		card := cardFromView(ev.Card)
		r.cards[card.ID] = &card
		r.transform(listKey(ev.ListID), func(order []string) []string {
			return ordering.Insert(order, card.ID, card.Position)
		})
		return nil

	case protocol.EventCardUpdated:
		var ev protocol.CardUpdated
		if err := decode(frame, &ev); err != nil {
			return err
		}
		if card, ok := r.cards[ev.Card.ID]; ok {
			card.Title = ev.Card.Title
			card.Description = ev.Card.Description
			card.Payload = ev.Card.Payload
		}
		return nil

	case protocol.EventCardDeleted:
		var ev protocol.CardDeleted
		if err := decode(frame, &ev); err != nil {
			return err
		}
		if !r.fresh(ev.Revision, listKey(ev.ListID)) {
			return nil
		}
		r.dropID(ordering.ScopeList, ev.CardID)
		delete(r.cards, ev.CardID)
		if _, ok := r.lists[ev.ListID]; ok {
			r.transform(listKey(ev.ListID), sortedBy(ev.Cards))
		}
		return nil

	case protocol.EventBoardDeleted:
		return ErrBoardDeleted
	}
	return nil
}

// fresh reports whether a frame committed at rev is newer than what the
// client already holds for keys, and records rev when it is. Unstamped
// frames always apply.
func (r *Reconciler) fresh(rev int64, keys ...key) bool {
	if rev == 0 {
		return true
	}
	if rev <= r.base {
		return false
	}
	for _, k := range keys {
		if rev < r.seen[k] {
			return false
		}
	}
	for _, k := range keys {
		r.seen[k] = rev
	}
	return true
}

func decode(frame protocol.Frame, target any) error {
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", frame.Type, err)
	}
	return nil
}

// transform rewrites one collection's order in the live state and in every
// pending snapshot that holds it.
func (r *Reconciler) transform(k key, fn func([]string) []string) {
	if order, ok := r.orders[k]; ok {
		r.orders[k] = fn(order)
		r.renumber(k)
	}
	for _, m := range r.inflight {
		if order, ok := m.before[k]; ok {
			m.before[k] = fn(order)
		}
	}
}

// dropID removes id from every collection of scope, live and pending.
func (r *Reconciler) dropID(scope ordering.Scope, id string) {
	without := func(order []string) []string {
		out, _ := ordering.Remove(order, id)
		return out
	}
	for k := range r.orders {
		if k.scope == scope && ordering.IndexOf(r.orders[k], id) >= 0 {
			r.orders[k] = without(r.orders[k])
			r.renumber(k)
		}
	}
	for _, m := range r.inflight {
		for k, order := range m.before {
			if k.scope == scope {
				m.before[k] = without(order)
			}
		}
	}
}

func (r *Reconciler) dropList(listID string) {
	r.dropID(ordering.ScopeBoard, listID)
	for _, cardID := range r.orders[listKey(listID)] {
		delete(r.cards, cardID)
	}
	for id, card := range r.cards {
		if card.ListID == listID {
			delete(r.cards, id)
		}
	}
	delete(r.orders, listKey(listID))
	delete(r.lists, listID)
	for _, m := range r.inflight {
		delete(m.before, listKey(listID))
	}
}

// sortedBy re-sorts an order by pushed positions. Ids the push does not
// mention keep their current rank.
func sortedBy(positions []ordering.Position) func([]string) []string {
	return func(order []string) []string {
		out := cloneIDs(order)
		rank := make(map[string]int, len(out))
		for i, id := range out {
			rank[id] = i
		}
		ordering.SortByPositions(out, func(id string) string { return id }, func(id string) int { return rank[id] }, positions)
		return out
	}
}

// checkKnown reports ErrStale when a push names objects this client has
// never seen and no pending mutation accounts for.
func (r *Reconciler) checkKnown(scope ordering.Scope, positions []ordering.Position) error {
	for _, p := range positions {
		switch scope {
		case ordering.ScopeBoard:
			if _, ok := r.lists[p.ID]; ok || r.removedByPending(p.ID) {
				continue
			}
		case ordering.ScopeList:
			if _, ok := r.cards[p.ID]; ok || r.removedByPending(p.ID) {
				continue
			}
		}
		return fmt.Errorf("%w: unknown id %s", ErrStale, p.ID)
	}
	return nil
}

func (r *Reconciler) removedByPending(id string) bool {
	for _, m := range r.inflight {
		for _, obj := range m.removed {
			switch v := obj.(type) {
			case *List:
				if v.ID == id {
					return true
				}
			case *Card:
				if v.ID == id {
					return true
				}
			}
		}
	}
	return false
}
