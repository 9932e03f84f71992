package boardclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/api/internal/app"
	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/protocol"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/reconcile"
	"taskboard/api/internal/store"
)

const testSecret = "client-test-secret"

var (
	owner  = app.Session{UserID: "usr_owner"}
	member = app.Session{UserID: "usr_member"}
)

type fixture struct {
	server  *httptest.Server
	svc     *app.Service
	boardID string
	todo    string
	done    string
	cards   []string
}

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	logger := quietLogger()
	svc := app.New(config.Config{JWTSecret: testSecret}, store.NewMemoryStore(), nil, logger)
	registry := realtime.NewRegistry(logger)
	svc.SetBroadcaster(realtime.NewHub(registry, logger))

	mux := http.NewServeMux()
	mux.Handle("/api/ws", realtime.NewWSHandler(registry, svc, realtime.WSOptions{PingInterval: time.Second}, logger))
	mux.Handle("/", app.NewHTTPServer(svc, "*").Handler())
	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		registry.Close()
		server.Close()
	})

	board, err := svc.CreateBoard(ctx, owner, protocol.CreateBoardRequest{Title: "Launch"})
	require.NoError(t, err)
	_, err = svc.AddMember(ctx, owner, board.ID, member.UserID)
	require.NoError(t, err)
	todo, err := svc.CreateList(ctx, owner, board.ID, protocol.CreateListRequest{Title: "To do"})
	require.NoError(t, err)
	done, err := svc.CreateList(ctx, owner, board.ID, protocol.CreateListRequest{Title: "Done"})
	require.NoError(t, err)

	f := fixture{server: server, svc: svc, boardID: board.ID, todo: todo.ID, done: done.ID}
	for _, title := range []string{"design", "build", "ship"} {
		card, err := svc.CreateCard(ctx, owner, board.ID, protocol.CreateCardRequest{ListID: todo.ID, Title: title})
		require.NoError(t, err)
		f.cards = append(f.cards, card.ID)
	}
	return f
}

func (f fixture) client(t *testing.T, userID string) *Client {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{Sub: userID, Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	c := New(f.server.URL, token, f.boardID, WithLogger(quietLogger()), WithReconnectDelay(50*time.Millisecond))
	require.NoError(t, c.Refresh(context.Background()))
	return c
}

// interceptedClient talks to f through a server that hands every request
// to intercept first. intercept decides whether and when next serves it.
func (f fixture) interceptedClient(t *testing.T, userID string, intercept func(c *Client, w http.ResponseWriter, r *http.Request, next http.Handler)) *Client {
	t.Helper()
	var current atomic.Pointer[Client]
	next := f.server.Config.Handler
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		intercept(current.Load(), w, r, next)
	}))
	t.Cleanup(server.Close)

	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{Sub: userID, Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	c := New(server.URL, token, f.boardID, WithLogger(quietLogger()))
	current.Store(c)
	require.NoError(t, c.Refresh(context.Background()))
	return c
}

// serverOrder reads the committed card order of a list.
func (f fixture) serverOrder(t *testing.T, listID string) []string {
	t.Helper()
	view, err := f.svc.GetBoard(context.Background(), owner, f.boardID)
	require.NoError(t, err)
	for _, list := range view.Lists {
		if list.ID != listID {
			continue
		}
		ids := make([]string, 0, len(list.Cards))
		for _, card := range list.Cards {
			ids = append(ids, card.ID)
		}
		return ids
	}
	t.Fatalf("list %s not on the server", listID)
	return nil
}

func TestClientMutationsMatchServer(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, owner.UserID)
	ctx := context.Background()
	design, build, ship := f.cards[0], f.cards[1], f.cards[2]

	require.NoError(t, c.MoveCard(ctx, build, f.todo, f.done, 0))
	require.NoError(t, c.ReorderCards(ctx, f.todo, []string{ship, design}))
	cardID, err := c.CreateCard(ctx, f.done, "celebrate")
	require.NoError(t, err)
	listID, err := c.CreateList(ctx, "Later")
	require.NoError(t, err)
	require.NoError(t, c.ReorderLists(ctx, []string{listID, f.todo, f.done}))
	require.NoError(t, c.DeleteCard(ctx, design))

	board := c.Board()
	assert.Equal(t, 0, board.Pending())
	assert.Equal(t, []string{listID, f.todo, f.done}, board.ListIDs())
	assert.Equal(t, f.serverOrder(t, f.todo), board.CardIDs(f.todo))
	assert.Equal(t, f.serverOrder(t, f.done), board.CardIDs(f.done))
	assert.Equal(t, []string{build, cardID}, board.CardIDs(f.done))

	require.NoError(t, c.DeleteList(ctx, listID))
	assert.Equal(t, []string{f.todo, f.done}, board.ListIDs())
}

// The server refuses a move whose destination is already gone; the local
// copy goes back to the last confirmed order.
func TestClientRejectedMoveRollsBack(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, owner.UserID)
	ctx := context.Background()

	_, err := f.svc.DeleteList(ctx, owner, f.boardID, f.done)
	require.NoError(t, err)

	err = c.MoveCard(ctx, f.cards[0], f.todo, f.done, 0)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "LIST_NOT_FOUND", apiErr.Code)

	board := c.Board()
	assert.Equal(t, f.cards, board.CardIDs(f.todo))
	assert.Empty(t, board.CardIDs(f.done))
	assert.Equal(t, reconcile.Stable, board.Phase(f.todo))
	assert.Equal(t, 0, board.Pending())
}

func TestClientRejectsNonMembers(t *testing.T) {
	f := newFixture(t)
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{Sub: "usr_stranger", Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	c := New(f.server.URL, token, f.boardID, WithLogger(quietLogger()))

	err = c.Refresh(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "BOARD_ACCESS_DENIED", apiErr.Code)
}

func watch(t *testing.T, c *Client) (<-chan protocol.Frame, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan protocol.Frame, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, func(frame protocol.Frame) { frames <- frame })
	}()
	t.Cleanup(cancel)

	select {
	case frame := <-frames:
		require.Equal(t, protocol.FrameJoined, frame.Type)
	case err := <-done:
		t.Fatalf("watch ended early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("watch never joined")
	}
	return frames, done
}

func waitFor(t *testing.T, frames <-chan protocol.Frame, eventType string) protocol.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-frames:
			if frame.Type == eventType {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %s frame", eventType)
		}
	}
}

func TestWatchMergesOtherUsersChanges(t *testing.T) {
	f := newFixture(t)
	mover := f.client(t, owner.UserID)
	watcher := f.client(t, member.UserID)
	require.NoError(t, watcher.Board().SetLocal(f.cards[1], "highlight", "yellow"))
	frames, _ := watch(t, watcher)
	ctx := context.Background()

	require.NoError(t, mover.MoveCard(ctx, f.cards[1], f.todo, f.done, 0))
	waitFor(t, frames, protocol.EventCardMoved)

	board := watcher.Board()
	assert.Equal(t, f.serverOrder(t, f.todo), board.CardIDs(f.todo))
	assert.Equal(t, []string{f.cards[1]}, board.CardIDs(f.done))
	assert.Equal(t, "yellow", board.Cards(f.done)[0].Local["highlight"])

	require.NoError(t, mover.ReorderLists(ctx, []string{f.done, f.todo}))
	waitFor(t, frames, protocol.EventListReordered)
	assert.Equal(t, []string{f.done, f.todo}, board.ListIDs())
}

func TestWatchEndsWhenBoardDeleted(t *testing.T) {
	f := newFixture(t)
	watcher := f.client(t, member.UserID)
	_, done := watch(t, watcher)

	require.NoError(t, f.svc.DeleteBoard(context.Background(), owner, f.boardID))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, reconcile.ErrBoardDeleted)
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not stop")
	}
}

// A reload that lands while a mutation is on the wire drops its ticket. The
// server's answer still has to reach the local copy.
func TestReloadDuringMoveStillSettles(t *testing.T) {
	f := newFixture(t)
	c := f.interceptedClient(t, owner.UserID, func(c *Client, w http.ResponseWriter, r *http.Request, next http.Handler) {
		if r.Method == http.MethodPut && r.URL.Path == "/api/boards/"+f.boardID+"/cards/move" {
			assert.NoError(t, c.Refresh(context.Background()))
		}
		next.ServeHTTP(w, r)
	})
	ctx := context.Background()

	require.NoError(t, c.MoveCard(ctx, f.cards[1], f.todo, f.done, 0))

	board := c.Board()
	assert.Equal(t, 0, board.Pending())
	assert.Equal(t, f.serverOrder(t, f.todo), board.CardIDs(f.todo))
	assert.Equal(t, f.serverOrder(t, f.done), board.CardIDs(f.done))
	assert.Equal(t, []string{f.cards[1]}, board.CardIDs(f.done))
}

func TestReloadDuringCreateKeepsServerID(t *testing.T) {
	f := newFixture(t)
	c := f.interceptedClient(t, owner.UserID, func(c *Client, w http.ResponseWriter, r *http.Request, next http.Handler) {
		if r.Method == http.MethodPost {
			assert.NoError(t, c.Refresh(context.Background()))
		}
		next.ServeHTTP(w, r)
	})
	ctx := context.Background()

	cardID, err := c.CreateCard(ctx, f.done, "celebrate")
	require.NoError(t, err)
	listID, err := c.CreateList(ctx, "Later")
	require.NoError(t, err)

	board := c.Board()
	assert.Equal(t, 0, board.Pending())
	assert.Equal(t, []string{cardID}, board.CardIDs(f.done))
	assert.Equal(t, f.serverOrder(t, f.done), board.CardIDs(f.done))
	assert.Equal(t, []string{f.todo, f.done, listID}, board.ListIDs())
}

// Another member reorders the list after our reorder commits, and their
// push reaches us before our own answer does. The newer order wins.
func TestLateAnswerLosesToNewerPush(t *testing.T) {
	f := newFixture(t)
	design, build, ship := f.cards[0], f.cards[1], f.cards[2]
	c := f.interceptedClient(t, owner.UserID, func(c *Client, w http.ResponseWriter, r *http.Request, next http.Handler) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/boards/"+f.boardID+"/cards/reorder" {
			next.ServeHTTP(w, r)
			return
		}
		rec := httptest.NewRecorder()
		next.ServeHTTP(rec, r)

		pushed, err := f.svc.ReorderCards(r.Context(), member, f.boardID, protocol.ReorderCardsRequest{ListID: f.todo, Cards: []protocol.CardPosition{
			{CardID: build, Position: 0},
			{CardID: ship, Position: 1},
			{CardID: design, Position: 2},
		}})
		assert.NoError(t, err)
		assert.NoError(t, c.Board().ApplyEvent(frameOf(f.boardID, protocol.EventCardReordered, pushed)))

		for name, values := range rec.Header() {
			w.Header()[name] = values
		}
		w.WriteHeader(rec.Code)
		_, _ = w.Write(rec.Body.Bytes())
	})

	require.NoError(t, c.ReorderCards(context.Background(), f.todo, []string{ship, design, build}))

	assert.Equal(t, []string{build, ship, design}, f.serverOrder(t, f.todo))
	assert.Equal(t, f.serverOrder(t, f.todo), c.Board().CardIDs(f.todo))
}
