package boardclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/protocol"
	"taskboard/api/internal/reconcile"
)

const joinTimeout = 10 * time.Second

// Dialer opens the websocket. The default uses gorilla's dialer.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

type gorillaDialer struct{}

func (gorillaDialer) DialContext(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.DialContext(ctx, url, header)
}

// Watch joins the board room and merges pushed events into the local copy
// until ctx ends or the board is deleted. After every (re)join the board
// is refetched so events missed while disconnected are not lost. onFrame,
// if set, sees every frame after it was merged.
func (c *Client) Watch(ctx context.Context, onFrame func(protocol.Frame)) error {
	for {
		err := c.watchOnce(ctx, onFrame)
		if errors.Is(err, reconcile.ErrBoardDeleted) {
			return err
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.WithError(err).WithField("board_id", c.boardID).Info("board watch interrupted, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) watchOnce(ctx context.Context, onFrame func(protocol.Frame)) error {
	target, err := c.wsURL()
	if err != nil {
		return err
	}
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return &APIError{Status: resp.StatusCode, Code: "UNAUTHORIZED", Message: "websocket rejected the token"}
		}
		return fmt.Errorf("dial %s: %w", c.baseURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.join(conn); err != nil {
		return err
	}
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	if onFrame != nil {
		onFrame(protocol.Frame{Type: protocol.FrameJoined, BoardID: c.boardID})
	}

	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		if frame.Type == protocol.FrameError {
			c.logger.WithField("board_id", c.boardID).WithField("payload", string(frame.Payload)).Warn("server reported a websocket error")
			continue
		}
		if frame.Type == protocol.FrameLeft {
			return fmt.Errorf("removed from board %s", c.boardID)
		}
		if err := c.board.ApplyEvent(frame); err != nil {
			if errors.Is(err, reconcile.ErrBoardDeleted) {
				if onFrame != nil {
					onFrame(frame)
				}
				return err
			}
			c.logger.WithError(err).WithFields(log.Fields{"board_id": c.boardID, "event": frame.Type}).Debug("reloading board")
			if err := c.Refresh(ctx); err != nil {
				return err
			}
		}
		if onFrame != nil {
			onFrame(frame)
		}
	}
}

func (c *Client) join(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(joinTimeout))
	if err := conn.WriteJSON(protocol.ClientMessage{Type: protocol.FrameJoin, BoardID: c.boardID}); err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(joinTimeout))
	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
		_ = conn.SetWriteDeadline(time.Time{})
	}()
	// Events can race ahead of the ack; the refetch that follows covers them.
	for {
		var reply protocol.Frame
		if err := conn.ReadJSON(&reply); err != nil {
			return err
		}
		switch reply.Type {
		case protocol.FrameJoined:
			return nil
		case protocol.FrameError:
			return &APIError{Status: http.StatusForbidden, Code: "JOIN_DENIED", Message: string(reply.Payload)}
		}
	}
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/ws"
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
