package app

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/ordering"
	"taskboard/api/internal/protocol"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

const defaultBackground = "#0079BF"

var hexColour = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Session is the verified caller of one request.
type Session struct {
	UserID   string
	UserName string
}

// Broadcaster delivers a committed change to the board's room. It must not
// block and never reports failure.
type Broadcaster interface {
	NotifyBoard(boardID, originUserID, eventType string, payload any)
}

type nopBroadcaster struct{}

func (nopBroadcaster) NotifyBoard(string, string, string, any) {}

type tokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

type dataStore interface {
	Ping(ctx context.Context) error
	CreateBoard(ctx context.Context, board store.Board) (store.Board, error)
	ListBoardsForUser(ctx context.Context, userID string) ([]store.Board, error)
	GetBoard(ctx context.Context, boardID string) (store.Board, error)
	LoadBoard(ctx context.Context, boardID string) (store.BoardTree, error)
	InsertActivity(ctx context.Context, activity store.Activity) error
	ListActivities(ctx context.Context, boardID, cardID string, limit int) ([]store.Activity, error)
	Update(ctx context.Context, boardID string, fn func(store.Tx) error) error
}

type Service struct {
	cfg         config.Config
	store       dataStore
	verifier    tokenVerifier
	broadcaster Broadcaster
	reindexer   ordering.Reindexer
	logger      *log.Logger
}

func New(cfg config.Config, dataStore store.Store, broadcaster Broadcaster, logger *log.Logger) *Service {
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		verifier:    auth.NewVerifier(cfg.JWTSecret),
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// SetBroadcaster swaps the event sink. main wires the realtime hub after
// the service exists because the hub authorizes joins through it.
func (s *Service) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = nopBroadcaster{}
	}
	s.broadcaster = b
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, UserName: claims.Name}, nil
}

// Authenticate resolves a bearer token to a user id for the websocket
// transport.
func (s *Service) Authenticate(ctx context.Context, token string) (string, error) {
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		return "", err
	}
	return session.UserID, nil
}

// authorize loads the board and checks the caller's role against action.
func (s *Service) authorize(ctx context.Context, session Session, boardID string, action rbac.Action) (store.Board, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Board{}, errBoardNotFound
	}
	if err != nil {
		return store.Board{}, fmt.Errorf("load board %s: %w", boardID, err)
	}
	if err := checkRole(session, board, action); err != nil {
		return store.Board{}, err
	}
	return board, nil
}

func checkRole(session Session, board store.Board, action rbac.Action) error {
	role := rbac.BoardRole(session.UserID, board.OwnerID, board.MemberIDs)
	if role == rbac.RoleNone {
		return errBoardAccessDenied
	}
	if !rbac.Can(role, action) {
		return errOwnerOnly
	}
	return nil
}

// CanJoin reports whether userID may subscribe to the board's room.
func (s *Service) CanJoin(ctx context.Context, userID, boardID string) error {
	_, err := s.authorize(ctx, Session{UserID: userID}, boardID, rbac.ActionRead)
	return err
}

// update runs fn under the board lock and maps a vanished board to 404.
// The caller's role is checked again against the locked board so a member
// removed after authorize cannot commit.
func (s *Service) update(ctx context.Context, session Session, boardID string, action rbac.Action, fn func(store.Tx) error) error {
	err := s.store.Update(ctx, boardID, func(tx store.Tx) error {
		board, err := tx.Board(ctx)
		if err != nil {
			return err
		}
		if err := checkRole(session, board, action); err != nil {
			return err
		}
		return fn(tx)
	})
	if errors.Is(err, store.ErrNotFound) {
		return errBoardNotFound
	}
	return err
}

func (s *Service) notify(boardID, originUserID, eventType string, payload any) {
	s.broadcaster.NotifyBoard(boardID, originUserID, eventType, payload)
}

func (s *Service) ListBoards(ctx context.Context, session Session) ([]protocol.BoardView, error) {
	boards, err := s.store.ListBoardsForUser(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	out := make([]protocol.BoardView, 0, len(boards))
	for _, board := range boards {
		out = append(out, boardView(board))
	}
	return out, nil
}

func (s *Service) CreateBoard(ctx context.Context, session Session, req protocol.CreateBoardRequest) (protocol.BoardView, error) {
	title, err := cleanTitle(req.Title)
	if err != nil {
		return protocol.BoardView{}, err
	}
	description := strings.TrimSpace(req.Description)
	if len([]rune(description)) > 500 {
		return protocol.BoardView{}, errDescriptionTooLong
	}
	background := strings.TrimSpace(req.Background)
	if background == "" {
		background = defaultBackground
	}
	if !hexColour.MatchString(background) {
		return protocol.BoardView{}, errInvalidBackground
	}

	board, err := s.store.CreateBoard(ctx, store.Board{
		ID:          util.NewID("brd"),
		Title:       title,
		Description: description,
		Background:  background,
		OwnerID:     session.UserID,
	})
	if err != nil {
		return protocol.BoardView{}, fmt.Errorf("create board: %w", err)
	}
	s.recordActivity(ctx, board.ID, "", session.UserID, "board:created", map[string]any{"title": board.Title})
	view := boardView(board)
	view.Lists = []protocol.ListView{}
	return view, nil
}

// GetBoard is the full load clients use on first open and after reconnect.
func (s *Service) GetBoard(ctx context.Context, session Session, boardID string) (protocol.BoardView, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionRead); err != nil {
		return protocol.BoardView{}, err
	}
	tree, err := s.store.LoadBoard(ctx, boardID)
	if errors.Is(err, store.ErrNotFound) {
		return protocol.BoardView{}, errBoardNotFound
	}
	if err != nil {
		return protocol.BoardView{}, fmt.Errorf("load board %s: %w", boardID, err)
	}
	return treeView(tree), nil
}

func (s *Service) UpdateBoard(ctx context.Context, session Session, boardID string, req protocol.UpdateBoardRequest) (protocol.BoardView, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return protocol.BoardView{}, err
	}
	var updated store.Board
	err := s.update(ctx, session, boardID, rbac.ActionWrite, func(tx store.Tx) error {
		board, err := tx.Board(ctx)
		if err != nil {
			return err
		}
		if strings.TrimSpace(req.Title) != "" {
			title, err := cleanTitle(req.Title)
			if err != nil {
				return err
			}
			board.Title = title
		}
		if req.Description != "" {
			description := strings.TrimSpace(req.Description)
			if len([]rune(description)) > 500 {
				return errDescriptionTooLong
			}
			board.Description = description
		}
		if req.Background != "" {
			if !hexColour.MatchString(strings.TrimSpace(req.Background)) {
				return errInvalidBackground
			}
			board.Background = strings.TrimSpace(req.Background)
		}
		if err := tx.UpdateBoard(ctx, board); err != nil {
			return err
		}
		updated = board
		return nil
	})
	if err != nil {
		return protocol.BoardView{}, err
	}
	view := boardView(updated)
	s.notify(boardID, session.UserID, protocol.EventBoardUpdated, view)
	return view, nil
}

func (s *Service) DeleteBoard(ctx context.Context, session Session, boardID string) error {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionManage); err != nil {
		return err
	}
	if err := s.update(ctx, session, boardID, rbac.ActionManage, func(tx store.Tx) error { return tx.DeleteBoard(ctx) }); err != nil {
		return err
	}
	s.notify(boardID, session.UserID, protocol.EventBoardDeleted, protocol.BoardDeleted{BoardID: boardID})
	return nil
}

func (s *Service) AddMember(ctx context.Context, session Session, boardID, userID string) (protocol.BoardView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return protocol.BoardView{}, errMemberIDRequired
	}
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionManage); err != nil {
		return protocol.BoardView{}, err
	}
	var updated store.Board
	err := s.update(ctx, session, boardID, rbac.ActionManage, func(tx store.Tx) error {
		board, err := tx.Board(ctx)
		if err != nil {
			return err
		}
		if rbac.BoardRole(userID, board.OwnerID, board.MemberIDs) != rbac.RoleNone {
			return errAlreadyMember
		}
		if err := tx.AddMember(ctx, userID); err != nil {
			return err
		}
		updated, err = tx.Board(ctx)
		return err
	})
	if err != nil {
		return protocol.BoardView{}, err
	}
	s.notify(boardID, session.UserID, protocol.EventMemberAdded, protocol.MemberChanged{UserID: userID})
	s.recordActivity(ctx, boardID, "", session.UserID, "member:added", map[string]any{"userId": userID})
	return boardView(updated), nil
}

func (s *Service) RemoveMember(ctx context.Context, session Session, boardID, userID string) (protocol.BoardView, error) {
	board, err := s.authorize(ctx, session, boardID, rbac.ActionManage)
	if err != nil {
		return protocol.BoardView{}, err
	}
	if userID == board.OwnerID {
		return protocol.BoardView{}, errCannotRemoveOwner
	}
	var updated store.Board
	err = s.update(ctx, session, boardID, rbac.ActionManage, func(tx store.Tx) error {
		if err := tx.RemoveMember(ctx, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errNotAMember
			}
			return err
		}
		var err error
		updated, err = tx.Board(ctx)
		return err
	})
	if err != nil {
		return protocol.BoardView{}, err
	}
	s.notify(boardID, session.UserID, protocol.EventMemberRemoved, protocol.MemberChanged{UserID: userID})
	s.recordActivity(ctx, boardID, "", session.UserID, "member:removed", map[string]any{"userId": userID})
	return boardView(updated), nil
}

func (s *Service) ToggleStar(ctx context.Context, session Session, boardID string) (protocol.StarResponse, error) {
	if _, err := s.authorize(ctx, session, boardID, rbac.ActionRead); err != nil {
		return protocol.StarResponse{}, err
	}
	var starred bool
	err := s.update(ctx, session, boardID, rbac.ActionRead, func(tx store.Tx) error {
		var err error
		starred, err = tx.ToggleStar(ctx, session.UserID)
		return err
	})
	if err != nil {
		return protocol.StarResponse{}, err
	}
	return protocol.StarResponse{Starred: starred}, nil
}

func cleanTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", errTitleRequired
	}
	if len([]rune(title)) > 100 {
		return "", errTitleTooLong
	}
	return title, nil
}
