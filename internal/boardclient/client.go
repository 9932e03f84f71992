// Package boardclient is a Go client for one board. Mutations go through a
// reconcile.Reconciler: they show locally at once, then settle when the
// server answers. Watch keeps the local copy current from the websocket.
package boardclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/api/internal/ordering"
	"taskboard/api/internal/protocol"
	"taskboard/api/internal/reconcile"
)

const (
	defaultHTTPTimeout    = 30 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultReconnectDelay = 2 * time.Second
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

type Client struct {
	baseURL        string
	token          string
	boardID        string
	http           *http.Client
	dialer         Dialer
	reconnectDelay time.Duration
	logger         *log.Logger
	board          *reconcile.Reconciler
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

func defaultHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: defaultConnectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: defaultConnectTimeout,
		},
		Timeout: defaultHTTPTimeout,
	}
}

func New(baseURL, token, boardID string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		boardID:        boardID,
		reconnectDelay: defaultReconnectDelay,
		board:          reconcile.New(boardID),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = defaultHTTPClient()
	}
	if c.dialer == nil {
		c.dialer = gorillaDialer{}
	}
	if c.logger == nil {
		c.logger = log.StandardLogger()
	}
	return c
}

// Board exposes the local copy for reading.
func (c *Client) Board() *reconcile.Reconciler {
	return c.board
}

// Refresh replaces the local copy with the server's board.
func (c *Client) Refresh(ctx context.Context) error {
	var view protocol.BoardView
	if err := c.do(ctx, http.MethodGet, c.boardPath(""), nil, &view); err != nil {
		return err
	}
	c.board.Load(reconcile.SnapshotFromView(view))
	return nil
}

func (c *Client) ReorderLists(ctx context.Context, order []string) error {
	ticket, err := c.board.Apply(reconcile.ReorderLists{Order: order})
	if err != nil {
		return err
	}
	req := protocol.ReorderListsRequest{Lists: make([]protocol.ListPosition, len(order))}
	for i, id := range order {
		req.Lists[i] = protocol.ListPosition{ListID: id, Position: i}
	}
	var result protocol.ListsReordered
	if err := c.do(ctx, http.MethodPut, c.boardPath("/lists/reorder"), req, &result); err != nil {
		return c.reject(ticket, err)
	}
	return c.settle(ctx, ticket, frameOf(c.boardID, protocol.EventListReordered, result))
}

func (c *Client) ReorderCards(ctx context.Context, listID string, order []string) error {
	ticket, err := c.board.Apply(reconcile.ReorderCards{ListID: listID, Order: order})
	if err != nil {
		return err
	}
	req := protocol.ReorderCardsRequest{ListID: listID, Cards: make([]protocol.CardPosition, len(order))}
	for i, id := range order {
		req.Cards[i] = protocol.CardPosition{CardID: id, Position: i}
	}
	var result protocol.CardsReordered
	if err := c.do(ctx, http.MethodPut, c.boardPath("/cards/reorder"), req, &result); err != nil {
		return c.reject(ticket, err)
	}
	return c.settle(ctx, ticket, frameOf(c.boardID, protocol.EventCardReordered, result))
}

type moveResponse struct {
	protocol.CardMoved
	SourceCards []ordering.Position `json:"sourceCards"`
	DestCards   []ordering.Position `json:"destCards"`
}

func (c *Client) MoveCard(ctx context.Context, cardID, sourceListID, destListID string, index int) error {
	ticket, err := c.board.Apply(reconcile.MoveCard{CardID: cardID, SourceListID: sourceListID, DestListID: destListID, Index: index})
	if err != nil {
		return err
	}
	req := protocol.MoveCardRequest{CardID: cardID, SourceListID: sourceListID, DestinationListID: destListID, NewPosition: &index}
	var result moveResponse
	if err := c.do(ctx, http.MethodPut, c.boardPath("/cards/move"), req, &result); err != nil {
		return c.reject(ticket, err)
	}
	frames := []protocol.Frame{
		frameOf(c.boardID, protocol.EventCardMoved, result.CardMoved),
		frameOf(c.boardID, protocol.EventCardReordered, protocol.CardsReordered{ListID: result.DestListID, Cards: result.DestCards, Revision: result.Revision}),
	}
	if result.SourceListID != result.DestListID {
		frames = append(frames, frameOf(c.boardID, protocol.EventCardReordered, protocol.CardsReordered{ListID: result.SourceListID, Cards: result.SourceCards, Revision: result.Revision}))
	}
	return c.settle(ctx, ticket, frames...)
}

// CreateList appends a list and returns its server id.
func (c *Client) CreateList(ctx context.Context, title string) (string, error) {
	tempID := "tmp-" + uuid.NewString()
	ticket, err := c.board.Apply(reconcile.CreateList{TempID: tempID, Title: title})
	if err != nil {
		return "", err
	}
	var list protocol.ListView
	if err := c.do(ctx, http.MethodPost, c.boardPath("/lists"), protocol.CreateListRequest{Title: title}, &list); err != nil {
		return "", c.reject(ticket, err)
	}
	if err := c.board.AckCreate(ticket, list.ID); err != nil && !errors.Is(err, reconcile.ErrUnknownTicket) {
		return "", err
	}
	return list.ID, c.merge(ctx,
		frameOf(c.boardID, protocol.EventListCreated, protocol.ListCreated{List: list}),
		frameOf(c.boardID, protocol.EventListUpdated, protocol.ListUpdated{List: list}),
	)
}

// CreateCard appends a card to listID and returns its server id.
func (c *Client) CreateCard(ctx context.Context, listID, title string) (string, error) {
	tempID := "tmp-" + uuid.NewString()
	ticket, err := c.board.Apply(reconcile.CreateCard{TempID: tempID, ListID: listID, Title: title})
	if err != nil {
		return "", err
	}
	var card protocol.CardView
	req := protocol.CreateCardRequest{ListID: listID, Title: title}
	if err := c.do(ctx, http.MethodPost, c.boardPath("/cards"), req, &card); err != nil {
		return "", c.reject(ticket, err)
	}
	if err := c.board.AckCreate(ticket, card.ID); err != nil && !errors.Is(err, reconcile.ErrUnknownTicket) {
		return "", err
	}
	return card.ID, c.merge(ctx,
		frameOf(c.boardID, protocol.EventCardCreated, protocol.CardCreated{ListID: card.List, Card: card}),
		frameOf(c.boardID, protocol.EventCardUpdated, protocol.CardUpdated{Card: card}),
	)
}

func (c *Client) DeleteList(ctx context.Context, listID string) error {
	ticket, err := c.board.Apply(reconcile.DeleteList{ListID: listID})
	if err != nil {
		return err
	}
	var result protocol.ListDeleted
	if err := c.do(ctx, http.MethodDelete, c.boardPath("/lists/"+listID), nil, &result); err != nil {
		return c.reject(ticket, err)
	}
	return c.settle(ctx, ticket, frameOf(c.boardID, protocol.EventListDeleted, result))
}

func (c *Client) DeleteCard(ctx context.Context, cardID string) error {
	ticket, err := c.board.Apply(reconcile.DeleteCard{CardID: cardID})
	if err != nil {
		return err
	}
	var result protocol.CardDeleted
	if err := c.do(ctx, http.MethodDelete, c.boardPath("/cards/"+cardID), nil, &result); err != nil {
		return c.reject(ticket, err)
	}
	return c.settle(ctx, ticket, frameOf(c.boardID, protocol.EventCardDeleted, result))
}

// settle acknowledges ticket and merges the server's authoritative
// positions, which may differ from the optimistic guess when another user
// changed the same collection first. The frames carry the commit revision,
// so an answer that lost the race to a newer push is skipped. A ticket a
// reload already dropped is merged all the same.
func (c *Client) settle(ctx context.Context, ticket reconcile.Ticket, frames ...protocol.Frame) error {
	if err := c.board.Ack(ticket); err != nil && !errors.Is(err, reconcile.ErrUnknownTicket) {
		return err
	}
	return c.merge(ctx, frames...)
}

func (c *Client) merge(ctx context.Context, frames ...protocol.Frame) error {
	for _, frame := range frames {
		err := c.board.ApplyEvent(frame)
		if errors.Is(err, reconcile.ErrStale) {
			return c.Refresh(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) reject(ticket reconcile.Ticket, cause error) error {
	if err := c.board.Reject(ticket); err != nil && !errors.Is(err, reconcile.ErrUnknownTicket) {
		c.logger.WithError(err).WithField("board_id", c.boardID).Warn("rollback failed")
	}
	return cause
}

func frameOf(boardID, eventType string, payload any) protocol.Frame {
	raw, _ := json.Marshal(payload)
	return protocol.Frame{Type: eventType, BoardID: boardID, Payload: raw}
}

func (c *Client) boardPath(suffix string) string {
	return "/api/boards/" + c.boardID + suffix
}

// do sends a JSON request and decodes the {"data": ...} envelope into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure protocol.ErrorResponse
		_ = json.Unmarshal(raw, &failure)
		if failure.Code == "" {
			failure.Code = "HTTP_" + fmt.Sprint(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: failure.Code, Message: failure.Error}
	}
	if out == nil {
		return nil
	}
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}
