package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Tx is the set of statements the engine runs inside one transaction.
// Counter columns only ever move through AdjustDirectReactions and
// RecomputeAggregate, both of which are single atomic statements.
type Tx interface {
	GetCard(ctx context.Context, cardID string) (Card, error)
	GetCardForUpdate(ctx context.Context, cardID string) (Card, error)
	LockCards(ctx context.Context, cardIDs ...string) ([]Card, error)
	InsertCard(ctx context.Context, card Card) (Card, error)
	UpdateCardContent(ctx context.Context, cardID, content string) (time.Time, error)
	UpdateCardColumn(ctx context.Context, cardID, columnID string) (time.Time, error)
	DeleteCard(ctx context.Context, cardID string) error
	CountChildren(ctx context.Context, parentID string) (int, error)
	ClearChildren(ctx context.Context, parentID string) ([]string, error)
	SetParent(ctx context.Context, childID string, parentID *string) error
	AddLink(ctx context.Context, actionID, feedbackID string) (bool, error)
	RemoveLink(ctx context.Context, actionID, feedbackID string) (bool, error)
	RemoveLinksTo(ctx context.Context, feedbackID string) ([]string, error)
	DeleteReactionsForCard(ctx context.Context, cardID string) (int, error)
	UpsertReaction(ctx context.Context, reaction Reaction) (Reaction, bool, error)
	DeleteReaction(ctx context.Context, cardID, userIdentity string) (Reaction, error)
	AdjustDirectReactions(ctx context.Context, cardID string, delta int) error
	RecomputeAggregate(ctx context.Context, cardID string) (int, error)
	CountFeedbackCards(ctx context.Context, boardID, ownerIdentity string) (int, error)
	CountReactionsByUser(ctx context.Context, boardID, userIdentity string) (int, error)
}

// ErrNegativeCount is returned when a decrement would push a counter below zero.
var ErrNegativeCount = errors.New("reaction counter would become negative")

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a READ COMMITTED transaction. The whole callback is
// re-run when the database reports a serialization failure or deadlock, so fn
// must not have side effects outside tx. A failed commit is returned as is.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(pgTx{q: tx}); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return commitError{err: err}
		}
		return nil
	})
}

func (s *PostgresStore) GetCard(ctx context.Context, cardID string) (Card, error) {
	return pgTx{q: s.db}.GetCard(ctx, cardID)
}

func (s *PostgresStore) CountFeedbackCards(ctx context.Context, boardID, ownerIdentity string) (int, error) {
	return pgTx{q: s.db}.CountFeedbackCards(ctx, boardID, ownerIdentity)
}

func (s *PostgresStore) CountReactionsByUser(ctx context.Context, boardID, userIdentity string) (int, error) {
	return pgTx{q: s.db}.CountReactionsByUser(ctx, boardID, userIdentity)
}

// ListCards returns every card on the board in creation order.
func (s *PostgresStore) ListCards(ctx context.Context, boardID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, selectCard+` WHERE c.board_id=$1 ORDER BY c.created_at ASC, c.id ASC`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	cards := []Card{}
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return cards, nil
}

const selectCard = `
	SELECT c.id, c.board_id, c.column_id, c.content, c.kind, c.anonymous, c.owner_identity,
		c.display_alias, c.direct_reaction_count, c.aggregated_reaction_count, c.parent_card_id,
		COALESCE((
			SELECT json_agg(l.feedback_card_id ORDER BY l.created_at, l.feedback_card_id)
			FROM card_links l WHERE l.action_card_id = c.id
		), '[]'::json),
		c.created_at, c.updated_at
	FROM cards c`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (Card, error) {
	var (
		card      Card
		alias     sql.NullString
		parentID  sql.NullString
		linksJSON []byte
	)
	if err := row.Scan(
		&card.ID, &card.BoardID, &card.ColumnID, &card.Content, &card.Kind, &card.Anonymous, &card.OwnerIdentity,
		&alias, &card.DirectReactionCount, &card.AggregatedReactionCount, &parentID,
		&linksJSON, &card.CreatedAt, &card.UpdatedAt,
	); err != nil {
		return Card{}, err
	}
	card.DisplayAlias = nullableString(alias)
	card.ParentCardID = nullableString(parentID)
	if card.Kind == KindAction {
		card.LinkedFeedbackIDs = []string{}
		if err := json.Unmarshal(linksJSON, &card.LinkedFeedbackIDs); err != nil {
			return Card{}, fmt.Errorf("decode linked feedback ids: %w", err)
		}
	}
	return card, nil
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

type pgTx struct {
	q queryer
}

func (t pgTx) GetCard(ctx context.Context, cardID string) (Card, error) {
	card, err := scanCard(t.q.QueryRowContext(ctx, selectCard+` WHERE c.id=$1`, cardID))
	if err != nil {
		return Card{}, err
	}
	return card, nil
}

func (t pgTx) GetCardForUpdate(ctx context.Context, cardID string) (Card, error) {
	card, err := scanCard(t.q.QueryRowContext(ctx, selectCard+` WHERE c.id=$1 FOR UPDATE OF c`, cardID))
	if err != nil {
		return Card{}, err
	}
	return card, nil
}

// LockCards takes row locks on every id in ascending id order so two
// transactions touching the same pair never wait on each other in a cycle.
// A missing id yields sql.ErrNoRows.
func (t pgTx) LockCards(ctx context.Context, cardIDs ...string) ([]Card, error) {
	ordered := append([]string(nil), cardIDs...)
	sort.Strings(ordered)

	byID := make(map[string]Card, len(ordered))
	for _, id := range ordered {
		if _, seen := byID[id]; seen {
			continue
		}
		card, err := t.GetCardForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		byID[id] = card
	}

	cards := make([]Card, 0, len(cardIDs))
	for _, id := range cardIDs {
		cards = append(cards, byID[id])
	}
	return cards, nil
}

func (t pgTx) InsertCard(ctx context.Context, card Card) (Card, error) {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO cards (id, board_id, column_id, content, kind, anonymous, owner_identity, display_alias, parent_card_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING direct_reaction_count, aggregated_reaction_count, created_at, updated_at
	`, card.ID, card.BoardID, card.ColumnID, card.Content, card.Kind, card.Anonymous, card.OwnerIdentity,
		card.DisplayAlias, card.ParentCardID,
	).Scan(&card.DirectReactionCount, &card.AggregatedReactionCount, &card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		return Card{}, fmt.Errorf("insert card: %w", err)
	}
	if card.Kind == KindAction && card.LinkedFeedbackIDs == nil {
		card.LinkedFeedbackIDs = []string{}
	}
	return card, nil
}

func (t pgTx) UpdateCardContent(ctx context.Context, cardID, content string) (time.Time, error) {
	var updatedAt time.Time
	err := t.q.QueryRowContext(ctx, `
		UPDATE cards SET content=$2, updated_at=NOW() WHERE id=$1 RETURNING updated_at
	`, cardID, content).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, err
	}
	return updatedAt, nil
}

func (t pgTx) UpdateCardColumn(ctx context.Context, cardID, columnID string) (time.Time, error) {
	var updatedAt time.Time
	err := t.q.QueryRowContext(ctx, `
		UPDATE cards SET column_id=$2, updated_at=NOW() WHERE id=$1 RETURNING updated_at
	`, cardID, columnID).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, err
	}
	return updatedAt, nil
}

func (t pgTx) DeleteCard(ctx context.Context, cardID string) error {
	result, err := t.q.ExecContext(ctx, `DELETE FROM cards WHERE id=$1`, cardID)
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete card rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (t pgTx) CountChildren(ctx context.Context, parentID string) (int, error) {
	var count int
	if err := t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards WHERE parent_card_id=$1`, parentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count children: %w", err)
	}
	return count, nil
}

// ClearChildren detaches every child of parentID and returns their ids.
func (t pgTx) ClearChildren(ctx context.Context, parentID string) ([]string, error) {
	return t.collectIDs(ctx, "clear children", `
		UPDATE cards SET parent_card_id=NULL, updated_at=NOW()
		WHERE parent_card_id=$1
		RETURNING id
	`, parentID)
}

func (t pgTx) SetParent(ctx context.Context, childID string, parentID *string) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE cards SET parent_card_id=$2, updated_at=NOW() WHERE id=$1
	`, childID, parentID)
	if err != nil {
		return fmt.Errorf("set parent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set parent rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AddLink reports false when the pair was already linked.
func (t pgTx) AddLink(ctx context.Context, actionID, feedbackID string) (bool, error) {
	result, err := t.q.ExecContext(ctx, `
		INSERT INTO card_links (action_card_id, feedback_card_id)
		VALUES ($1, $2)
		ON CONFLICT (action_card_id, feedback_card_id) DO NOTHING
	`, actionID, feedbackID)
	if err != nil {
		return false, fmt.Errorf("add link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add link rows affected: %w", err)
	}
	return affected > 0, nil
}

// RemoveLink reports false when the pair was not linked.
func (t pgTx) RemoveLink(ctx context.Context, actionID, feedbackID string) (bool, error) {
	result, err := t.q.ExecContext(ctx, `
		DELETE FROM card_links WHERE action_card_id=$1 AND feedback_card_id=$2
	`, actionID, feedbackID)
	if err != nil {
		return false, fmt.Errorf("remove link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove link rows affected: %w", err)
	}
	return affected > 0, nil
}

// RemoveLinksTo drops every link pointing at feedbackID and returns the
// action cards that referenced it.
func (t pgTx) RemoveLinksTo(ctx context.Context, feedbackID string) ([]string, error) {
	return t.collectIDs(ctx, "remove links", `
		DELETE FROM card_links WHERE feedback_card_id=$1 RETURNING action_card_id
	`, feedbackID)
}

func (t pgTx) DeleteReactionsForCard(ctx context.Context, cardID string) (int, error) {
	result, err := t.q.ExecContext(ctx, `DELETE FROM reactions WHERE card_id=$1`, cardID)
	if err != nil {
		return 0, fmt.Errorf("delete reactions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete reactions rows affected: %w", err)
	}
	return int(affected), nil
}

// UpsertReaction inserts the user's reaction or replaces its kind and alias.
// The bool is true when a new row was created.
func (t pgTx) UpsertReaction(ctx context.Context, reaction Reaction) (Reaction, bool, error) {
	var inserted bool
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO reactions (id, card_id, user_identity, display_alias, kind)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (card_id, user_identity) DO UPDATE
		SET kind=EXCLUDED.kind, display_alias=EXCLUDED.display_alias, updated_at=NOW()
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted
	`, reaction.ID, reaction.CardID, reaction.UserIdentity, reaction.DisplayAlias, reaction.Kind,
	).Scan(&reaction.ID, &reaction.CreatedAt, &reaction.UpdatedAt, &inserted)
	if err != nil {
		return Reaction{}, false, fmt.Errorf("upsert reaction: %w", err)
	}
	return reaction, inserted, nil
}

// DeleteReaction returns sql.ErrNoRows when the user has no reaction on the card.
func (t pgTx) DeleteReaction(ctx context.Context, cardID, userIdentity string) (Reaction, error) {
	var (
		reaction Reaction
		alias    sql.NullString
	)
	err := t.q.QueryRowContext(ctx, `
		DELETE FROM reactions WHERE card_id=$1 AND user_identity=$2
		RETURNING id, card_id, user_identity, display_alias, kind, created_at, updated_at
	`, cardID, userIdentity).Scan(
		&reaction.ID, &reaction.CardID, &reaction.UserIdentity, &alias, &reaction.Kind,
		&reaction.CreatedAt, &reaction.UpdatedAt,
	)
	if err != nil {
		return Reaction{}, err
	}
	reaction.DisplayAlias = nullableString(alias)
	return reaction, nil
}

// AdjustDirectReactions moves the direct and aggregated counters of a card by
// delta in one statement. Ancestors are not touched; callers recompute them.
func (t pgTx) AdjustDirectReactions(ctx context.Context, cardID string, delta int) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE cards
		SET direct_reaction_count = direct_reaction_count + $2,
			aggregated_reaction_count = aggregated_reaction_count + $2
		WHERE id=$1 AND direct_reaction_count + $2 >= 0
	`, cardID, delta)
	if err != nil {
		return fmt.Errorf("adjust reactions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjust reactions rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("adjust reactions on %s by %d: %w", cardID, delta, ErrNegativeCount)
	}
	return nil
}

// RecomputeAggregate sets aggregated_reaction_count to the card's direct count
// plus the direct counts of its children. The parent row is locked first so
// the UPDATE reads children under a fresh snapshot.
func (t pgTx) RecomputeAggregate(ctx context.Context, cardID string) (int, error) {
	var lockedID string
	if err := t.q.QueryRowContext(ctx, `SELECT id FROM cards WHERE id=$1 FOR UPDATE`, cardID).Scan(&lockedID); err != nil {
		return 0, err
	}

	var aggregated int
	err := t.q.QueryRowContext(ctx, `
		UPDATE cards c
		SET aggregated_reaction_count = c.direct_reaction_count + COALESCE((
			SELECT SUM(ch.direct_reaction_count) FROM cards ch WHERE ch.parent_card_id = c.id
		), 0)
		WHERE c.id=$1
		RETURNING aggregated_reaction_count
	`, cardID).Scan(&aggregated)
	if err != nil {
		return 0, fmt.Errorf("recompute aggregate: %w", err)
	}
	return aggregated, nil
}

func (t pgTx) CountFeedbackCards(ctx context.Context, boardID, ownerIdentity string) (int, error) {
	var count int
	err := t.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cards WHERE board_id=$1 AND owner_identity=$2 AND kind='feedback'
	`, boardID, ownerIdentity).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count feedback cards: %w", err)
	}
	return count, nil
}

func (t pgTx) CountReactionsByUser(ctx context.Context, boardID, userIdentity string) (int, error) {
	var count int
	err := t.q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM reactions r
		JOIN cards c ON c.id = r.card_id
		WHERE c.board_id=$1 AND r.user_identity=$2
	`, boardID, userIdentity).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count reactions: %w", err)
	}
	return count, nil
}

func (t pgTx) collectIDs(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s iterate: %w", op, err)
	}
	sort.Strings(ids)
	return ids, nil
}
