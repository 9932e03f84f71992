package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"taskboard/api/internal/ordering"
)

// ErrPositionConflict means a commit would have left a sibling set not
// numbered 0..n-1: two siblings on one position, or a gap.
var ErrPositionConflict = errors.New("sibling position conflict")

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateBoard(ctx context.Context, board Board) (Board, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Board{}, fmt.Errorf("begin create board: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureUser(ctx, tx, board.OwnerID); err != nil {
		return Board{}, err
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO boards (id, title, description, background, owner_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, board.ID, board.Title, board.Description, board.Background, board.OwnerID).Scan(&board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, fmt.Errorf("insert board: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO board_members (board_id, user_id) VALUES ($1, $2)`, board.ID, board.OwnerID); err != nil {
		return Board{}, fmt.Errorf("insert owner membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Board{}, fmt.Errorf("commit create board: %w", err)
	}
	board.MemberIDs = []string{board.OwnerID}
	board.StarredBy = nil
	return board, nil
}

func (s *PostgresStore) ListBoardsForUser(ctx context.Context, userID string) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id
		FROM boards b
		WHERE b.owner_id = $1
			OR EXISTS (SELECT 1 FROM board_members m WHERE m.board_id = b.id AND m.user_id = $1)
		ORDER BY b.updated_at DESC, b.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan board id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	rows.Close()

	boards := make([]Board, 0, len(ids))
	for _, id := range ids {
		board, err := readBoard(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		boards = append(boards, board)
	}
	return boards, nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	return readBoard(ctx, s.db, boardID)
}

func (s *PostgresStore) LoadBoard(ctx context.Context, boardID string) (BoardTree, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return BoardTree{}, fmt.Errorf("begin load board: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	board, err := readBoard(ctx, tx, boardID)
	if err != nil {
		return BoardTree{}, err
	}
	lists, err := readLists(ctx, tx, boardID)
	if err != nil {
		return BoardTree{}, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, list_id, board_id, title, description, payload, position, created_at, updated_at
		FROM cards
		WHERE board_id = $1
		ORDER BY list_id, position
	`, boardID)
	if err != nil {
		return BoardTree{}, fmt.Errorf("load cards: %w", err)
	}
	defer rows.Close()

	cards := make(map[string][]Card, len(lists))
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return BoardTree{}, err
		}
		cards[card.ListID] = append(cards[card.ListID], card)
	}
	if err := rows.Err(); err != nil {
		return BoardTree{}, fmt.Errorf("iterate cards: %w", err)
	}
	return BoardTree{Board: board, Lists: lists, Cards: cards}, nil
}

func (s *PostgresStore) InsertActivity(ctx context.Context, activity Activity) error {
	data := activity.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, board_id, card_id, user_id, type, data)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::jsonb)
	`, activity.ID, activity.BoardID, activity.CardID, activity.UserID, activity.Type, string(data))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivities(ctx context.Context, boardID, cardID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, COALESCE(card_id, ''), user_id, type, data, created_at
		FROM activities
		WHERE board_id = $1 AND ($2 = '' OR card_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, boardID, cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var item Activity
		var data []byte
		if err := rows.Scan(&item.ID, &item.BoardID, &item.CardID, &item.UserID, &item.Type, &data, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		item.Data = json.RawMessage(data)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, boardID string, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin board tx: %w", err)
	}

	// The revision bump takes the row lock that serializes writers.
	var revision int64
	err = tx.QueryRowContext(ctx, `UPDATE boards SET revision = revision + 1 WHERE id = $1 RETURNING revision`, boardID).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return ErrNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock board: %w", err)
	}

	if err := fn(&pgTx{tx: tx, boardID: boardID, revision: revision}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := checkContiguous(ctx, tx, boardID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("commit board tx: %w: %v", ErrPositionConflict, err)
		}
		return fmt.Errorf("commit board tx: %w", err)
	}
	return nil
}

// checkContiguous refuses gaps. Duplicates are left to the deferred unique
// constraints, so with distinct non-negative positions max+1 == count
// means 0..n-1.
func checkContiguous(ctx context.Context, tx *sql.Tx, boardID string) error {
	var parent string
	err := tx.QueryRowContext(ctx, `
		SELECT board_id FROM lists WHERE board_id = $1
		GROUP BY board_id HAVING MAX(position) + 1 <> COUNT(*)
		UNION ALL
		SELECT list_id FROM cards WHERE board_id = $1
		GROUP BY list_id HAVING MAX(position) + 1 <> COUNT(*)
		LIMIT 1
	`, boardID).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check positions: %w", err)
	}
	return fmt.Errorf("commit board tx: %w: children of %s are not numbered 0..n-1", ErrPositionConflict, parent)
}

type pgTx struct {
	tx       *sql.Tx
	boardID  string
	revision int64
}

func (t *pgTx) Revision() int64 {
	return t.revision
}

func (t *pgTx) Board(ctx context.Context) (Board, error) {
	return readBoard(ctx, t.tx, t.boardID)
}

func (t *pgTx) Lists(ctx context.Context) ([]List, error) {
	return readLists(ctx, t.tx, t.boardID)
}

func (t *pgTx) List(ctx context.Context, listID string) (List, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, board_id, title, position, COALESCE(array_to_json(card_ids), '[]'::json), created_at, updated_at
		FROM lists
		WHERE id = $1
	`, listID)
	list, err := scanList(row)
	if errors.Is(err, sql.ErrNoRows) {
		return List{}, ErrNotFound
	}
	return list, err
}

func (t *pgTx) Card(ctx context.Context, cardID string) (Card, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, list_id, board_id, title, description, payload, position, created_at, updated_at
		FROM cards
		WHERE id = $1
	`, cardID)
	card, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Card{}, ErrNotFound
	}
	return card, err
}

func (t *pgTx) UpdateBoard(ctx context.Context, board Board) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE boards
		SET title = $2, description = $3, background = $4, updated_at = NOW()
		WHERE id = $1
	`, t.boardID, board.Title, board.Description, board.Background)
	if err != nil {
		return fmt.Errorf("update board: %w", err)
	}
	return nil
}

func (t *pgTx) InsertList(ctx context.Context, list List) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO lists (id, board_id, title, position)
		VALUES ($1, $2, $3, $4)
	`, list.ID, t.boardID, list.Title, list.Position)
	if err != nil {
		return fmt.Errorf("insert list: %w", err)
	}
	return t.touchBoard(ctx)
}

func (t *pgTx) InsertCard(ctx context.Context, card Card) error {
	payload := card.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cards (id, list_id, board_id, title, description, payload, position)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, card.ID, card.ListID, t.boardID, card.Title, card.Description, string(payload), card.Position)
	if err != nil {
		return fmt.Errorf("insert card: %w", err)
	}
	return t.touchBoard(ctx)
}

func (t *pgTx) UpdateList(ctx context.Context, list List) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE lists SET title = $2, updated_at = NOW() WHERE id = $1 AND board_id = $3`, list.ID, list.Title, t.boardID)
	if err != nil {
		return fmt.Errorf("update list: %w", err)
	}
	return expectOne(res, "update list")
}

func (t *pgTx) UpdateCard(ctx context.Context, card Card) error {
	payload := card.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE cards
		SET title = $2, description = $3, payload = $4::jsonb, updated_at = NOW()
		WHERE id = $1 AND board_id = $5
	`, card.ID, card.Title, card.Description, string(payload), t.boardID)
	if err != nil {
		return fmt.Errorf("update card: %w", err)
	}
	return expectOne(res, "update card")
}

func (t *pgTx) SetCardList(ctx context.Context, cardID, listID string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE cards SET list_id = $2, updated_at = NOW() WHERE id = $1 AND board_id = $3`, cardID, listID, t.boardID)
	if err != nil {
		return fmt.Errorf("reparent card: %w", err)
	}
	return expectOne(res, "reparent card")
}

func (t *pgTx) DeleteList(ctx context.Context, listID string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM lists WHERE id = $1 AND board_id = $2`, listID, t.boardID)
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	return expectOne(res, "delete list")
}

func (t *pgTx) DeleteCard(ctx context.Context, cardID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM activities WHERE card_id = $1`, cardID); err != nil {
		return fmt.Errorf("delete card activities: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM cards WHERE id = $1 AND board_id = $2`, cardID, t.boardID)
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	return expectOne(res, "delete card")
}

func (t *pgTx) DeleteBoard(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM boards WHERE id = $1`, t.boardID); err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	return nil
}

func (t *pgTx) AddMember(ctx context.Context, userID string) error {
	if err := ensureUser(ctx, t.tx, userID); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO board_members (board_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (board_id, user_id) DO NOTHING
	`, t.boardID, userID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (t *pgTx) RemoveMember(ctx context.Context, userID string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM board_members WHERE board_id = $1 AND user_id = $2`, t.boardID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return expectOne(res, "remove member")
}

func (t *pgTx) ToggleStar(ctx context.Context, userID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM board_stars WHERE board_id = $1 AND user_id = $2`, t.boardID, userID)
	if err != nil {
		return false, fmt.Errorf("unstar board: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}
	if err := ensureUser(ctx, t.tx, userID); err != nil {
		return false, err
	}
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO board_stars (board_id, user_id) VALUES ($1, $2)`, t.boardID, userID); err != nil {
		return false, fmt.Errorf("star board: %w", err)
	}
	return true, nil
}

func (t *pgTx) Children(ctx context.Context, scope ordering.Scope, parentID string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch scope {
	case ordering.ScopeBoard:
		if parentID != t.boardID {
			return nil, fmt.Errorf("children: board %s is not locked", parentID)
		}
		rows, err = t.tx.QueryContext(ctx, `SELECT id FROM lists WHERE board_id = $1 ORDER BY id`, parentID)
	case ordering.ScopeList:
		rows, err = t.tx.QueryContext(ctx, `SELECT id FROM cards WHERE list_id = $1 AND board_id = $2 ORDER BY id`, parentID, t.boardID)
	default:
		return nil, fmt.Errorf("children: unknown scope %s", scope)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s children: %w", scope, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s child: %w", scope, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s children: %w", scope, err)
	}
	return ids, nil
}

// WriteOrder renumbers every child of parentID in one statement. For a list
// it also stores the matching card_ids sequence in the same transaction.
func (t *pgTx) WriteOrder(ctx context.Context, scope ordering.Scope, parentID string, orderedIDs []string) error {
	ids := orderedIDs
	if ids == nil {
		ids = []string{}
	}

	var query string
	switch scope {
	case ordering.ScopeBoard:
		if parentID != t.boardID {
			return fmt.Errorf("write order: board %s is not locked", parentID)
		}
		query = `
			UPDATE lists AS l
			SET position = o.ord - 1, updated_at = NOW()
			FROM unnest($2::text[]) WITH ORDINALITY AS o(id, ord)
			WHERE l.id = o.id AND l.board_id = $1
		`
	case ordering.ScopeList:
		query = `
			UPDATE cards AS c
			SET position = o.ord - 1, updated_at = NOW()
			FROM unnest($2::text[]) WITH ORDINALITY AS o(id, ord)
			WHERE c.id = o.id AND c.list_id = $1
		`
	default:
		return fmt.Errorf("write order: unknown scope %s", scope)
	}

	res, err := t.tx.ExecContext(ctx, query, parentID, ids)
	if err != nil {
		return fmt.Errorf("write %s order: %w", scope, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("write %s order: %w", scope, err)
	} else if int(n) != len(ids) {
		return fmt.Errorf("write %s order: updated %d of %d rows", scope, n, len(ids))
	}

	if scope == ordering.ScopeList {
		res, err := t.tx.ExecContext(ctx, `UPDATE lists SET card_ids = $2::text[], updated_at = NOW() WHERE id = $1 AND board_id = $3`, parentID, ids, t.boardID)
		if err != nil {
			return fmt.Errorf("write card sequence: %w", err)
		}
		if err := expectOne(res, "write card sequence"); err != nil {
			return err
		}
	}
	return t.touchBoard(ctx)
}

func (t *pgTx) touchBoard(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE boards SET updated_at = NOW() WHERE id = $1`, t.boardID); err != nil {
		return fmt.Errorf("touch board: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func readBoard(ctx context.Context, q queryer, boardID string) (Board, error) {
	var board Board
	var members, stars []byte
	err := q.QueryRowContext(ctx, `
		SELECT b.id, b.title, b.description, b.background, b.owner_id, b.revision, b.created_at, b.updated_at,
			COALESCE((SELECT json_agg(m.user_id ORDER BY m.added_at, m.user_id) FROM board_members m WHERE m.board_id = b.id), '[]'::json),
			COALESCE((SELECT json_agg(s.user_id ORDER BY s.user_id) FROM board_stars s WHERE s.board_id = b.id), '[]'::json)
		FROM boards b
		WHERE b.id = $1
	`, boardID).Scan(&board.ID, &board.Title, &board.Description, &board.Background, &board.OwnerID, &board.Revision, &board.CreatedAt, &board.UpdatedAt, &members, &stars)
	if errors.Is(err, sql.ErrNoRows) {
		return Board{}, ErrNotFound
	}
	if err != nil {
		return Board{}, fmt.Errorf("read board: %w", err)
	}
	if err := json.Unmarshal(members, &board.MemberIDs); err != nil {
		return Board{}, fmt.Errorf("decode board members: %w", err)
	}
	if err := json.Unmarshal(stars, &board.StarredBy); err != nil {
		return Board{}, fmt.Errorf("decode board stars: %w", err)
	}
	return board, nil
}

func readLists(ctx context.Context, q queryer, boardID string) ([]List, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, board_id, title, position, COALESCE(array_to_json(card_ids), '[]'::json), created_at, updated_at
		FROM lists
		WHERE board_id = $1
		ORDER BY position
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("read lists: %w", err)
	}
	defer rows.Close()

	lists := []List{}
	for rows.Next() {
		list, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		lists = append(lists, list)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lists: %w", err)
	}
	return lists, nil
}

func scanList(row rowScanner) (List, error) {
	var list List
	var cardIDs []byte
	if err := row.Scan(&list.ID, &list.BoardID, &list.Title, &list.Position, &cardIDs, &list.CreatedAt, &list.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return List{}, err
		}
		return List{}, fmt.Errorf("scan list: %w", err)
	}
	if err := json.Unmarshal(cardIDs, &list.CardIDs); err != nil {
		return List{}, fmt.Errorf("decode card ids: %w", err)
	}
	return list, nil
}

func scanCard(row rowScanner) (Card, error) {
	var card Card
	var payload []byte
	if err := row.Scan(&card.ID, &card.ListID, &card.BoardID, &card.Title, &card.Description, &payload, &card.Position, &card.CreatedAt, &card.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Card{}, err
		}
		return Card{}, fmt.Errorf("scan card: %w", err)
	}
	card.Payload = json.RawMessage(payload)
	return card, nil
}

func ensureUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
