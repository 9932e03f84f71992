package app

import (
	"net/http"

	"taskboard/api/internal/protocol"
)

// handleBoards dispatches everything under /api/boards. parts is the path
// after that prefix.
func (s *HTTPServer) handleBoards(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			boards, err := s.service.ListBoards(ctx, session)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, boards)
		case http.MethodPost:
			var body protocol.CreateBoardRequest
			if err := decodeBody(r, &body); err != nil {
				s.fail(w, r, err)
				return
			}
			board, err := s.service.CreateBoard(ctx, session, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusCreated, board)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	boardID := parts[0]
	rest := parts[1:]

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			board, err := s.service.GetBoard(ctx, session, boardID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, board)
		case http.MethodPut:
			var body protocol.UpdateBoardRequest
			if err := decodeBody(r, &body); err != nil {
				s.fail(w, r, err)
				return
			}
			board, err := s.service.UpdateBoard(ctx, session, boardID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, board)
		case http.MethodDelete:
			if err := s.service.DeleteBoard(ctx, session, boardID); err != nil {
				s.fail(w, r, err)
				return
			}
			writeData(w, http.StatusOK, map[string]any{"message": "Board deleted"})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	switch rest[0] {
	case "star":
		if r.Method != http.MethodPut || len(rest) != 1 {
			break
		}
		starred, err := s.service.ToggleStar(ctx, session, boardID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, starred)
		return
	case "activity":
		if r.Method != http.MethodGet || len(rest) != 1 {
			break
		}
		entries, err := s.service.BoardActivity(ctx, session, boardID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, entries)
		return
	case "members":
		s.handleMembers(w, r, session, boardID, rest[1:])
		return
	case "lists":
		s.handleLists(w, r, session, boardID, rest[1:])
		return
	case "cards":
		s.handleCards(w, r, session, boardID, rest[1:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleMembers(w http.ResponseWriter, r *http.Request, session Session, boardID string, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		var body protocol.AddMemberRequest
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		board, err := s.service.AddMember(ctx, session, boardID, body.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, board)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		board, err := s.service.RemoveMember(ctx, session, boardID, parts[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, board)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleLists(w http.ResponseWriter, r *http.Request, session Session, boardID string, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		var body protocol.CreateListRequest
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		list, err := s.service.CreateList(ctx, session, boardID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, list)
	case len(parts) == 1 && parts[0] == "reorder" && r.Method == http.MethodPut:
		var body protocol.ReorderListsRequest
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		result, err := s.service.ReorderLists(ctx, session, boardID, body.Lists)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, result)
	case len(parts) == 1 && r.Method == http.MethodPut:
		var body protocol.RenameListRequest
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		list, err := s.service.RenameList(ctx, session, boardID, parts[0], body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, list)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		result, err := s.service.DeleteList(ctx, session, boardID, parts[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, result)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCards(w http.ResponseWriter, r *http.Request, session Session, boardID string, parts []string) {
	ctx := r.Context()
	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		var body protocol.CreateCardRequest
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		card, err := s.service.CreateCard(ctx, session, boardID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusCreated, card)
	case len(parts) == 1 && parts[0] == "move" && r.Method == http.MethodPut:
		var body protocol.MoveCardRequest
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		result, err := s.service.MoveCard(ctx, session, boardID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, result)
	case len(parts) == 1 && parts[0] == "reorder" && r.Method == http.MethodPut:
		var body protocol.ReorderCardsRequest
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		result, err := s.service.ReorderCards(ctx, session, boardID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, result)
	case len(parts) == 1 && r.Method == http.MethodPut:
		var body protocol.UpdateCardRequest
		if err := decodeBody(r, &body); err != nil {
			s.fail(w, r, err)
			return
		}
		card, err := s.service.UpdateCard(ctx, session, boardID, parts[0], body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, card)
	case len(parts) == 2 && parts[1] == "activity" && r.Method == http.MethodGet:
		entries, err := s.service.CardActivity(ctx, session, boardID, parts[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, entries)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		result, err := s.service.DeleteCard(ctx, session, boardID, parts[0])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, http.StatusOK, result)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}
