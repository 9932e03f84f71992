// Package reconcile keeps a client's copy of one board in step with the
// server while the user makes optimistic changes.
//
// Two channels feed it. Local intents are applied immediately and held as
// pending until the server acknowledges or rejects them; a rejection puts
// the affected collections back the way they were. Push events from other
// users are merged into the live state and into every pending snapshot, so
// a rollback restores the latest authoritative order rather than a stale
// one. Pushes only reorder existing objects; fields the client attached
// locally survive.
//
// Frames that change an order carry the board revision they committed as.
// A frame older than the newest revision already merged for one of its
// collections, or already contained in the loaded snapshot, is skipped, so
// a late answer to this client's own request cannot undo a newer push.
package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"taskboard/api/internal/ordering"
	"taskboard/api/internal/protocol"
)

var (
	ErrUnknownTicket = errors.New("unknown ticket")
	ErrUnknownList   = errors.New("unknown list")
	ErrUnknownCard   = errors.New("unknown card")
	ErrNotInSource   = errors.New("card is not in the source list")
	ErrBadIndex      = errors.New("index must not be negative")
	// ErrStale means a push referenced state this client does not have.
	// The caller should reload the board.
	ErrStale        = errors.New("local board state is stale")
	ErrBoardDeleted = errors.New("board was deleted")
)

// Phase is the tagged state of one ordered collection.
type Phase int

const (
	Stable Phase = iota
	Optimistic
)

func (p Phase) String() string {
	if p == Optimistic {
		return "optimistic"
	}
	return "stable"
}

type Ticket uint64

type List struct {
	ID       string
	Title    string
	Position int
	// Local holds client-only state. Merges never touch it.
	Local map[string]any
}

type Card struct {
	ID          string
	ListID      string
	Title       string
	Description string
	Position    int
	Payload     json.RawMessage
	Local       map[string]any
}

// BoardSnapshot is a full authoritative board load.
type BoardSnapshot struct {
	BoardID  string
	Revision int64
	Lists    []List
	// Cards maps list id to its cards in order.
	Cards map[string][]Card
}

// SnapshotFromView converts a GET /api/boards/{id} response.
func SnapshotFromView(view protocol.BoardView) BoardSnapshot {
	snap := BoardSnapshot{BoardID: view.ID, Revision: view.Revision, Cards: map[string][]Card{}}
	for _, lv := range view.Lists {
		snap.Lists = append(snap.Lists, List{ID: lv.ID, Title: lv.Title, Position: lv.Position})
		cards := make([]Card, 0, len(lv.Cards))
		for _, cv := range lv.Cards {
			cards = append(cards, cardFromView(cv))
		}
		snap.Cards[lv.ID] = cards
	}
	return snap
}

func cardFromView(cv protocol.CardView) Card {
	return Card{
		ID:          cv.ID,
		ListID:      cv.List,
		Title:       cv.Title,
		Description: cv.Description,
		Position:    cv.Position,
		Payload:     cv.Payload,
	}
}

type key struct {
	scope  ordering.Scope
	parent string
}

type mutation struct {
	ticket  Ticket
	intent  Intent
	before  map[key][]string
	removed []any
	created []string
	dead    bool
}

// Reconciler is safe for concurrent use; the optimistic and push channels
// are serialized behind one mutex.
type Reconciler struct {
	mu       sync.Mutex
	boardID  string
	lists    map[string]*List
	cards    map[string]*Card
	orders   map[key][]string
	inflight []*mutation
	next     Ticket
	// base is the revision of the last Load; seen holds the newest
	// revision merged per collection since.
	base int64
	seen map[key]int64
}

func New(boardID string) *Reconciler {
	return &Reconciler{
		boardID: boardID,
		lists:   map[string]*List{},
		cards:   map[string]*Card{},
		orders:  map[key][]string{{scope: ordering.ScopeBoard, parent: boardID}: {}},
		seen:    map[key]int64{},
	}
}

func (r *Reconciler) boardKey() key {
	return key{scope: ordering.ScopeBoard, parent: r.boardID}
}

func listKey(listID string) key {
	return key{scope: ordering.ScopeList, parent: listID}
}

// Load replaces the state with an authoritative snapshot. Objects that
// survive keep their identity and Local fields. Pending tickets are
// dropped; acknowledging them afterwards returns ErrUnknownTicket, and the
// caller merges the server's answer as a frame instead.
func (r *Reconciler) Load(snap BoardSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snap.BoardID != "" {
		r.boardID = snap.BoardID
	}
	lists := make(map[string]*List, len(snap.Lists))
	cards := map[string]*Card{}
	orders := map[key][]string{}

	sortedLists := append([]List(nil), snap.Lists...)
	ordering.SortByPositions(sortedLists, func(l List) string { return l.ID }, func(l List) int { return l.Position }, nil)
	boardOrder := make([]string, 0, len(sortedLists))
	for _, incoming := range sortedLists {
		list, ok := r.lists[incoming.ID]
		if !ok {
			list = &List{ID: incoming.ID, Local: incoming.Local}
		}
		list.Title = incoming.Title
		lists[list.ID] = list
		boardOrder = append(boardOrder, list.ID)

		children := append([]Card(nil), snap.Cards[list.ID]...)
		ordering.SortByPositions(children, func(c Card) string { return c.ID }, func(c Card) int { return c.Position }, nil)
		order := make([]string, 0, len(children))
		for _, incomingCard := range children {
			card, ok := r.cards[incomingCard.ID]
			if !ok {
				card = &Card{ID: incomingCard.ID, Local: incomingCard.Local}
			}
			card.Title = incomingCard.Title
			card.Description = incomingCard.Description
			card.Payload = incomingCard.Payload
			cards[card.ID] = card
			order = append(order, card.ID)
		}
		orders[listKey(list.ID)] = order
	}
	orders[r.boardKey()] = boardOrder

	r.lists, r.cards, r.orders = lists, cards, orders
	r.inflight = nil
	r.base = snap.Revision
	r.seen = map[key]int64{}
	for k := range r.orders {
		r.renumber(k)
	}
}

// Apply performs intent locally and returns a ticket to resolve it with.
func (r *Reconciler) Apply(intent Intent) (Ticket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	m := &mutation{ticket: r.next, intent: intent}
	if err := r.perform(m); err != nil {
		return 0, err
	}
	r.inflight = append(r.inflight, m)
	return m.ticket, nil
}

// perform snapshots the collections intent touches and applies it. On
// failure the state is left unchanged.
func (r *Reconciler) perform(m *mutation) error {
	keys, err := m.intent.touches(r)
	if err != nil {
		return err
	}
	m.before = make(map[key][]string, len(keys))
	m.removed, m.created = nil, nil
	for _, k := range keys {
		if order, ok := r.orders[k]; ok {
			m.before[k] = cloneIDs(order)
		}
	}
	if err := m.intent.apply(r, m); err != nil {
		r.rollback(m)
		return err
	}
	return nil
}

// Ack marks the mutation as committed. The optimistic state becomes the
// stable state.
func (r *Reconciler) Ack(ticket Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.take(ticket)
	return err
}

// AckCreate acknowledges a create intent and replaces its temporary id with
// the id the server assigned.
func (r *Reconciler) AckCreate(ticket Ticket, serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.take(ticket)
	if err != nil {
		return err
	}
	for _, tempID := range m.created {
		r.rename(tempID, serverID)
	}
	return nil
}

// Reject rolls the mutation back. Later pending mutations that share a
// collection with it are unwound and replayed on top of the restored
// state; any that no longer apply are dropped from the local view and
// resolve as no-ops.
func (r *Reconciler) Reject(ticket Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(ticket)
	if idx < 0 {
		return ErrUnknownTicket
	}
	affected := map[key]bool{}
	mark := func(m *mutation) {
		for k := range m.before {
			affected[k] = true
		}
		for _, id := range m.created {
			affected[listKey(id)] = true
		}
	}
	mark(r.inflight[idx])
	chain := []*mutation{r.inflight[idx]}
	for _, m := range r.inflight[idx+1:] {
		if m.dead || !sharesKey(m.before, affected) {
			continue
		}
		mark(m)
		chain = append(chain, m)
	}

	for i := len(chain) - 1; i >= 0; i-- {
		r.rollback(chain[i])
	}
	r.inflight = append(r.inflight[:idx], r.inflight[idx+1:]...)
	for _, m := range chain[1:] {
		if err := r.perform(m); err != nil {
			m.dead = true
			m.before = nil
		}
	}
	return nil
}

func (r *Reconciler) take(ticket Ticket) (*mutation, error) {
	idx := r.indexOf(ticket)
	if idx < 0 {
		return nil, ErrUnknownTicket
	}
	m := r.inflight[idx]
	r.inflight = append(r.inflight[:idx], r.inflight[idx+1:]...)
	return m, nil
}

func (r *Reconciler) indexOf(ticket Ticket) int {
	for i, m := range r.inflight {
		if m.ticket == ticket {
			return i
		}
	}
	return -1
}

func heldBy(before map[key][]string, id string) bool {
	for _, order := range before {
		if ordering.IndexOf(order, id) >= 0 {
			return true
		}
	}
	return false
}

func sharesKey(before map[key][]string, keys map[key]bool) bool {
	for k := range before {
		if keys[k] {
			return true
		}
	}
	return false
}

// rollback restores the collections and objects m changed. A removed
// object comes back only while a restored order still holds it; a push
// that deleted it meanwhile has taken it out of m.before.
func (r *Reconciler) rollback(m *mutation) {
	for _, obj := range m.removed {
		switch v := obj.(type) {
		case *List:
			if heldBy(m.before, v.ID) {
				r.lists[v.ID] = v
			}
		case *Card:
			if heldBy(m.before, v.ID) {
				r.cards[v.ID] = v
			}
		}
	}
	for k, order := range m.before {
		r.orders[k] = cloneIDs(order)
	}
	for _, id := range m.created {
		if _, ok := r.lists[id]; ok {
			delete(r.lists, id)
			delete(r.orders, listKey(id))
		}
		delete(r.cards, id)
	}
	for k := range m.before {
		r.renumber(k)
	}
}

// rename swaps a temporary id for a server id in live state and in every
// pending snapshot.
func (r *Reconciler) rename(tempID, serverID string) {
	if tempID == serverID {
		return
	}
	swap := func(ids []string) {
		for i, id := range ids {
			if id == tempID {
				ids[i] = serverID
			}
		}
	}
	if list, ok := r.lists[tempID]; ok {
		delete(r.lists, tempID)
		list.ID = serverID
		r.lists[serverID] = list
		if order, ok := r.orders[listKey(tempID)]; ok {
			delete(r.orders, listKey(tempID))
			r.orders[listKey(serverID)] = order
			for _, cardID := range order {
				if card, ok := r.cards[cardID]; ok {
					card.ListID = serverID
				}
			}
		}
		for _, m := range r.inflight {
			if order, ok := m.before[listKey(tempID)]; ok {
				delete(m.before, listKey(tempID))
				m.before[listKey(serverID)] = order
			}
		}
	}
	if card, ok := r.cards[tempID]; ok {
		delete(r.cards, tempID)
		card.ID = serverID
		r.cards[serverID] = card
	}
	for _, order := range r.orders {
		swap(order)
	}
	for _, m := range r.inflight {
		for _, order := range m.before {
			swap(order)
		}
		for i, id := range m.created {
			if id == tempID {
				m.created[i] = serverID
			}
		}
	}
}

// renumber writes contiguous positions for the collection and drops ids
// whose object is gone.
func (r *Reconciler) renumber(k key) {
	order, ok := r.orders[k]
	if !ok {
		return
	}
	kept := order[:0]
	for _, id := range order {
		switch k.scope {
		case ordering.ScopeBoard:
			if list, ok := r.lists[id]; ok {
				list.Position = len(kept)
				kept = append(kept, id)
			}
		case ordering.ScopeList:
			if card, ok := r.cards[id]; ok {
				card.Position = len(kept)
				card.ListID = k.parent
				kept = append(kept, id)
			}
		}
	}
	r.orders[k] = kept
}

// Phase reports whether the collection under parentID (the board id for
// lists, a list id for cards) has unresolved local changes.
func (r *Reconciler) Phase(parentID string) Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := listKey(parentID)
	if parentID == r.boardID {
		k = r.boardKey()
	}
	for _, m := range r.inflight {
		if _, ok := m.before[k]; ok && !m.dead {
			return Optimistic
		}
	}
	return Stable
}

// Pending counts unresolved tickets.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Lists returns copies of the board's lists in order.
func (r *Reconciler) Lists() []List {
	r.mu.Lock()
	defer r.mu.Unlock()
	order := r.orders[r.boardKey()]
	out := make([]List, 0, len(order))
	for _, id := range order {
		out = append(out, *r.lists[id])
	}
	return out
}

// Cards returns copies of a list's cards in order.
func (r *Reconciler) Cards(listID string) []Card {
	r.mu.Lock()
	defer r.mu.Unlock()
	order := r.orders[listKey(listID)]
	out := make([]Card, 0, len(order))
	for _, id := range order {
		out = append(out, *r.cards[id])
	}
	return out
}

// CardIDs returns a list's card ids in order.
func (r *Reconciler) CardIDs(listID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneIDs(r.orders[listKey(listID)])
}

// ListIDs returns the board's list ids in order.
func (r *Reconciler) ListIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneIDs(r.orders[r.boardKey()])
}

// SetLocal attaches a client-only value to a card.
func (r *Reconciler) SetLocal(cardID, name string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	card, ok := r.cards[cardID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCard, cardID)
	}
	if card.Local == nil {
		card.Local = map[string]any{}
	}
	card.Local[name] = value
	return nil
}

func cloneIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}
