// Package ordering linearizes the children of a parent (lists on a board,
// cards in a list) into contiguous zero-based positions.
//
// Reindexer is the only path that writes positions. Membership changes
// (insert, remove, move) are computed by the caller with the sequence
// helpers in this package and then handed to the Reindexer as the desired
// final order.
package ordering

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Scope names the kind of parent whose children are being ordered.
type Scope int

const (
	// ScopeBoard orders the lists of a board.
	ScopeBoard Scope = iota + 1
	// ScopeList orders the cards of a list.
	ScopeList
)

func (s Scope) String() string {
	switch s {
	case ScopeBoard:
		return "board"
	case ScopeList:
		return "list"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Position is a child id with its rank among siblings. The JSON shape is
// the one pushed to subscribers.
type Position struct {
	ID       string `json:"_id"`
	Position int    `json:"position"`
}

// Writer persists a parent's full child order in one bulk write.
// Implementations run inside the caller's transaction. Children reports the
// ids currently stored under parentID, in no particular order, including
// rows inserted or reparented earlier in the same transaction.
type Writer interface {
	Children(ctx context.Context, scope Scope, parentID string) ([]string, error)
	WriteOrder(ctx context.Context, scope Scope, parentID string, orderedIDs []string) error
}

// ErrMembershipMismatch means the desired order is not a permutation of the
// parent's current children. Reaching it is a caller bug.
var ErrMembershipMismatch = errors.New("desired order does not match current children")

// Reindexer assigns position = index for every child of one parent.
type Reindexer struct{}

// Reindex validates that desired is exactly the stored member set of
// parentID and persists it with a single Writer call. Nothing is written on
// a precondition failure.
func (Reindexer) Reindex(ctx context.Context, w Writer, scope Scope, parentID string, desired []string) ([]Position, error) {
	current, err := w.Children(ctx, scope, parentID)
	if err != nil {
		return nil, fmt.Errorf("reindex %s %s: %w", scope, parentID, err)
	}
	if err := SameMembers(current, desired); err != nil {
		return nil, fmt.Errorf("reindex %s %s: %w", scope, parentID, err)
	}
	ordered := append([]string(nil), desired...)
	if err := w.WriteOrder(ctx, scope, parentID, ordered); err != nil {
		return nil, fmt.Errorf("reindex %s %s: %w", scope, parentID, err)
	}
	return Positions(ordered), nil
}

// SameMembers returns ErrMembershipMismatch (wrapped with the offending id)
// unless b is a duplicate-free permutation of a.
func SameMembers(a, b []string) error {
	if len(a) != len(b) {
		return fmt.Errorf("%w: have %d children, got %d ids", ErrMembershipMismatch, len(a), len(b))
	}
	want := make(map[string]bool, len(a))
	for _, id := range a {
		want[id] = true
	}
	seen := make(map[string]bool, len(b))
	for _, id := range b {
		if !want[id] {
			return fmt.Errorf("%w: unknown id %q", ErrMembershipMismatch, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate id %q", ErrMembershipMismatch, id)
		}
		seen[id] = true
	}
	return nil
}

// Positions maps an ordered id sequence to its contiguous positions.
func Positions(ids []string) []Position {
	out := make([]Position, len(ids))
	for i, id := range ids {
		out[i] = Position{ID: id, Position: i}
	}
	return out
}

// Clamp bounds index to [0, n].
func Clamp(index, n int) int {
	if index < 0 {
		return 0
	}
	if index > n {
		return n
	}
	return index
}

// IndexOf returns the index of id in ids, or -1.
func IndexOf(ids []string, id string) int {
	for i, candidate := range ids {
		if candidate == id {
			return i
		}
	}
	return -1
}

// Remove returns ids without id and whether it was present. The input
// slice is not modified.
func Remove(ids []string, id string) ([]string, bool) {
	idx := IndexOf(ids, id)
	if idx < 0 {
		return append([]string(nil), ids...), false
	}
	out := make([]string, 0, len(ids)-1)
	out = append(out, ids[:idx]...)
	return append(out, ids[idx+1:]...), true
}

// Insert returns ids with id placed at index, clamped to [0, len(ids)].
func Insert(ids []string, id string, index int) []string {
	index = Clamp(index, len(ids))
	out := make([]string, 0, len(ids)+1)
	out = append(out, ids[:index]...)
	out = append(out, id)
	return append(out, ids[index:]...)
}

// MoveWithin relocates id to index within the same sequence. The index is
// interpreted against the sequence after removal, matching a cross-list
// move into the same list.
func MoveWithin(ids []string, id string, index int) ([]string, bool) {
	rest, ok := Remove(ids, id)
	if !ok {
		return rest, false
	}
	return Insert(rest, id, index), true
}

// OrderFromPositions converts requested {id, position} pairs into an ordered
// id sequence. Requested positions only need to be distinct; the result is
// renumbered by the Reindexer.
func OrderFromPositions(entries []Position) ([]string, error) {
	sorted := append([]Position(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	ids := make([]string, len(sorted))
	for i, entry := range sorted {
		if entry.ID == "" {
			return nil, fmt.Errorf("entry %d has an empty id", i)
		}
		if i > 0 && sorted[i-1].Position == entry.Position {
			return nil, fmt.Errorf("position %d requested twice", entry.Position)
		}
		ids[i] = entry.ID
	}
	return ids, nil
}

// SortByPositions reorders items in place so that items named in positions
// follow the pushed ranks. Items the push does not mention keep their own
// rank from fallback. The sort is stable so equal ranks keep local order.
func SortByPositions[T any](items []T, id func(T) string, fallback func(T) int, positions []Position) {
	rank := make(map[string]int, len(positions))
	for _, p := range positions {
		rank[p.ID] = p.Position
	}
	key := func(item T) int {
		if r, ok := rank[id(item)]; ok {
			return r
		}
		return fallback(item)
	}
	sort.SliceStable(items, func(i, j int) bool { return key(items[i]) < key(items[j]) })
}

// Contiguous reports whether positions is exactly {0..n-1}.
func Contiguous(positions []int) bool {
	seen := make([]bool, len(positions))
	for _, p := range positions {
		if p < 0 || p >= len(positions) || seen[p] {
			return false
		}
		seen[p] = true
	}
	return true
}
