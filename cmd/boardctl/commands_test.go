package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/api/internal/app"
	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/protocol"
	"taskboard/api/internal/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTokenCommandSignsClaims(t *testing.T) {
	out, err := run(t, "token", "usr_1", "--secret", "s3cret", "--name", "Ada", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := auth.ParseToken([]byte("s3cret"), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "usr_1", claims.Sub)
	assert.Equal(t, "Ada", claims.Name)
	assert.InDelta(t, time.Now().Add(time.Hour).Unix(), claims.Exp, 5)
}

func TestCommandsNeedAToken(t *testing.T) {
	t.Setenv("TASKBOARD_TOKEN", "")
	_, err := run(t, "show", "brd_1")
	assert.ErrorContains(t, err, "no token")
}

func TestMoveRejectsBadIndex(t *testing.T) {
	_, err := run(t, "move", "brd_1", "crd_1", "lst_1", "lst_2", "first", "--token", "x")
	assert.ErrorContains(t, err, "index must be a non-negative integer")
}

func TestShowAndReorderAgainstServer(t *testing.T) {
	logger := log.New()
	logger.SetOutput(io.Discard)
	svc := app.New(config.Config{JWTSecret: "s3cret"}, store.NewMemoryStore(), nil, logger)
	server := httptest.NewServer(app.NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)

	ctx := context.Background()
	owner := app.Session{UserID: "usr_1"}
	board, err := svc.CreateBoard(ctx, owner, protocol.CreateBoardRequest{Title: "Home"})
	require.NoError(t, err)
	first, err := svc.CreateList(ctx, owner, board.ID, protocol.CreateListRequest{Title: "Errands"})
	require.NoError(t, err)
	second, err := svc.CreateList(ctx, owner, board.ID, protocol.CreateListRequest{Title: "Chores"})
	require.NoError(t, err)
	_, err = svc.CreateCard(ctx, owner, board.ID, protocol.CreateCardRequest{ListID: first.ID, Title: "groceries"})
	require.NoError(t, err)

	token, err := auth.IssueToken([]byte("s3cret"), auth.Claims{Sub: "usr_1", Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)

	out, err := run(t, "show", board.ID, "--url", server.URL, "--token", token)
	require.NoError(t, err)
	assert.Contains(t, out, "0. Errands")
	assert.Contains(t, out, "   0. groceries")

	out, err = run(t, "reorder-lists", board.ID, second.ID, first.ID, "--url", server.URL, "--token", token)
	require.NoError(t, err)
	assert.Contains(t, out, "reordered 2 lists")
	assert.Less(t, strings.Index(out, "Chores"), strings.Index(out, "Errands"))
}
