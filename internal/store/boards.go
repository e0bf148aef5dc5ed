package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var (
		board         Board
		columnsJSON   []byte
		adminsJSON    []byte
		cardLimit     sql.NullInt64
		reactionLimit sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, state, columns_json, to_json(admins), card_limit, reaction_limit, created_at, updated_at
		FROM boards WHERE id=$1
	`, boardID).Scan(
		&board.ID, &board.Name, &board.State, &columnsJSON, &adminsJSON,
		&cardLimit, &reactionLimit, &board.CreatedAt, &board.UpdatedAt,
	)
	if err != nil {
		return Board{}, err
	}
	if err := json.Unmarshal(columnsJSON, &board.Columns); err != nil {
		return Board{}, fmt.Errorf("decode board columns: %w", err)
	}
	if err := json.Unmarshal(adminsJSON, &board.Admins); err != nil {
		return Board{}, fmt.Errorf("decode board admins: %w", err)
	}
	board.CardLimit = nullableInt(cardLimit)
	board.ReactionLimit = nullableInt(reactionLimit)
	return board, nil
}

// SaveBoard inserts the board or overwrites its settings when the id exists.
func (s *PostgresStore) SaveBoard(ctx context.Context, board Board) (Board, error) {
	if board.State == "" {
		board.State = BoardOpen
	}
	if board.Columns == nil {
		board.Columns = []Column{}
	}
	if board.Admins == nil {
		board.Admins = []string{}
	}
	columnsJSON, err := json.Marshal(board.Columns)
	if err != nil {
		return Board{}, fmt.Errorf("encode board columns: %w", err)
	}
	adminsJSON, err := json.Marshal(board.Admins)
	if err != nil {
		return Board{}, fmt.Errorf("encode board admins: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO boards (id, name, state, columns_json, admins, card_limit, reaction_limit)
		VALUES ($1, $2, $3, $4::jsonb, ARRAY(SELECT json_array_elements_text($5::json)), $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			state=EXCLUDED.state,
			columns_json=EXCLUDED.columns_json,
			admins=EXCLUDED.admins,
			card_limit=EXCLUDED.card_limit,
			reaction_limit=EXCLUDED.reaction_limit,
			updated_at=NOW()
		RETURNING created_at, updated_at
	`, board.ID, board.Name, board.State, string(columnsJSON), string(adminsJSON), board.CardLimit, board.ReactionLimit,
	).Scan(&board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, fmt.Errorf("save board: %w", err)
	}
	return board, nil
}

func (s *PostgresStore) SetBoardState(ctx context.Context, boardID, state string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE boards SET state=$2, updated_at=NOW() WHERE id=$1`, boardID, state)
	if err != nil {
		return fmt.Errorf("set board state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set board state rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
