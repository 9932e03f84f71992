package app

import (
	"taskboard/api/internal/protocol"
	"taskboard/api/internal/store"
)

func boardView(board store.Board) protocol.BoardView {
	members := board.MemberIDs
	if members == nil {
		members = []string{}
	}
	starred := board.StarredBy
	if starred == nil {
		starred = []string{}
	}
	return protocol.BoardView{
		ID:          board.ID,
		Title:       board.Title,
		Description: board.Description,
		Background:  board.Background,
		Owner:       board.OwnerID,
		Members:     members,
		Starred:     starred,
		Revision:    board.Revision,
		CreatedAt:   board.CreatedAt,
		UpdatedAt:   board.UpdatedAt,
	}
}

func treeView(tree store.BoardTree) protocol.BoardView {
	view := boardView(tree.Board)
	view.Lists = make([]protocol.ListView, 0, len(tree.Lists))
	for _, list := range tree.Lists {
		lv := listView(list)
		for _, card := range tree.Cards[list.ID] {
			lv.Cards = append(lv.Cards, cardView(card))
		}
		view.Lists = append(view.Lists, lv)
	}
	return view
}

func listView(list store.List) protocol.ListView {
	return protocol.ListView{
		ID:        list.ID,
		Board:     list.BoardID,
		Title:     list.Title,
		Position:  list.Position,
		Cards:     []protocol.CardView{},
		CreatedAt: list.CreatedAt,
		UpdatedAt: list.UpdatedAt,
	}
}

func cardView(card store.Card) protocol.CardView {
	return protocol.CardView{
		ID:          card.ID,
		List:        card.ListID,
		Board:       card.BoardID,
		Title:       card.Title,
		Description: card.Description,
		Position:    card.Position,
		Payload:     card.Payload,
		CreatedAt:   card.CreatedAt,
		UpdatedAt:   card.UpdatedAt,
	}
}

func listIDs(lists []store.List) []string {
	ids := make([]string, len(lists))
	for i, list := range lists {
		ids[i] = list.ID
	}
	return ids
}
