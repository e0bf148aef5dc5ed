// Package board answers the engine's questions about board metadata:
// existence, lifecycle state, columns, limits and admins.
package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"retroboard/api/internal/store"
)

var ErrNotFound = errors.New("board not found")

type boardStore interface {
	GetBoard(ctx context.Context, boardID string) (store.Board, error)
	SaveBoard(ctx context.Context, board store.Board) (store.Board, error)
}

type PostgresDirectory struct {
	store boardStore
}

func NewPostgresDirectory(s boardStore) *PostgresDirectory {
	return &PostgresDirectory{store: s}
}

func (d *PostgresDirectory) get(ctx context.Context, boardID string) (store.Board, error) {
	b, err := d.store.GetBoard(ctx, boardID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Board{}, ErrNotFound
	}
	if err != nil {
		return store.Board{}, fmt.Errorf("load board %s: %w", boardID, err)
	}
	return b, nil
}

func (d *PostgresDirectory) BoardExists(ctx context.Context, boardID string) (bool, error) {
	_, err := d.get(ctx, boardID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *PostgresDirectory) IsOpen(ctx context.Context, boardID string) (bool, error) {
	b, err := d.get(ctx, boardID)
	if err != nil {
		return false, err
	}
	return b.State == store.BoardOpen, nil
}

func (d *PostgresDirectory) ColumnExists(ctx context.Context, boardID, columnID string) (bool, error) {
	b, err := d.get(ctx, boardID)
	if err != nil {
		return false, err
	}
	for _, column := range b.Columns {
		if column.ID == columnID {
			return true, nil
		}
	}
	return false, nil
}

// GetCardLimit returns nil when the board has no per-user card limit.
func (d *PostgresDirectory) GetCardLimit(ctx context.Context, boardID string) (*int, error) {
	b, err := d.get(ctx, boardID)
	if err != nil {
		return nil, err
	}
	return b.CardLimit, nil
}

func (d *PostgresDirectory) GetReactionLimit(ctx context.Context, boardID string) (*int, error) {
	b, err := d.get(ctx, boardID)
	if err != nil {
		return nil, err
	}
	return b.ReactionLimit, nil
}

func (d *PostgresDirectory) IsAdmin(ctx context.Context, boardID, identity string) (bool, error) {
	b, err := d.get(ctx, boardID)
	if err != nil {
		return false, err
	}
	for _, admin := range b.Admins {
		if admin == identity {
			return true, nil
		}
	}
	return false, nil
}

// Insert creates or replaces a board. Board management is otherwise handled
// elsewhere; this exists for seeding and tests.
func (d *PostgresDirectory) Insert(ctx context.Context, b store.Board) (store.Board, error) {
	b.ID = strings.TrimSpace(b.ID)
	if b.ID == "" {
		return store.Board{}, errors.New("board id is required")
	}
	if len(b.Columns) == 0 {
		return store.Board{}, errors.New("board needs at least one column")
	}
	seen := make(map[string]struct{}, len(b.Columns))
	for _, column := range b.Columns {
		if strings.TrimSpace(column.ID) == "" {
			return store.Board{}, errors.New("column id is required")
		}
		if _, dup := seen[column.ID]; dup {
			return store.Board{}, fmt.Errorf("duplicate column id %q", column.ID)
		}
		seen[column.ID] = struct{}{}
	}
	if b.State != "" && b.State != store.BoardOpen && b.State != store.BoardClosed {
		return store.Board{}, fmt.Errorf("invalid board state %q", b.State)
	}
	return d.store.SaveBoard(ctx, b)
}
