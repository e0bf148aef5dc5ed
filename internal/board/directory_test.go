package board

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retroboard/api/internal/store"
)

type fakeBoardStore struct {
	boards  map[string]store.Board
	getErr  error
	saveErr error
}

func (f *fakeBoardStore) GetBoard(_ context.Context, boardID string) (store.Board, error) {
	if f.getErr != nil {
		return store.Board{}, f.getErr
	}
	b, ok := f.boards[boardID]
	if !ok {
		return store.Board{}, sql.ErrNoRows
	}
	return b, nil
}

func (f *fakeBoardStore) SaveBoard(_ context.Context, b store.Board) (store.Board, error) {
	if f.saveErr != nil {
		return store.Board{}, f.saveErr
	}
	if f.boards == nil {
		f.boards = map[string]store.Board{}
	}
	if b.State == "" {
		b.State = store.BoardOpen
	}
	f.boards[b.ID] = b
	return b, nil
}

func newTestDirectory(t *testing.T) *PostgresDirectory {
	t.Helper()
	limit := 2
	dir := NewPostgresDirectory(&fakeBoardStore{})
	_, err := dir.Insert(context.Background(), store.Board{
		ID:        "board_1",
		Name:      "Retro",
		Columns:   []store.Column{{ID: "good", Label: "Good"}, {ID: "bad", Label: "Bad"}},
		Admins:    []string{"admin"},
		CardLimit: &limit,
	})
	require.NoError(t, err)
	return dir
}

func TestDirectoryAnswersBoardQuestions(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	exists, err := dir.BoardExists(ctx, "board_1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = dir.BoardExists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, exists)

	open, err := dir.IsOpen(ctx, "board_1")
	require.NoError(t, err)
	assert.True(t, open)

	ok, err := dir.ColumnExists(ctx, "board_1", "bad")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = dir.ColumnExists(ctx, "board_1", "ugly")
	require.NoError(t, err)
	assert.False(t, ok)

	cardLimit, err := dir.GetCardLimit(ctx, "board_1")
	require.NoError(t, err)
	require.NotNil(t, cardLimit)
	assert.Equal(t, 2, *cardLimit)

	reactionLimit, err := dir.GetReactionLimit(ctx, "board_1")
	require.NoError(t, err)
	assert.Nil(t, reactionLimit)

	admin, err := dir.IsAdmin(ctx, "board_1", "admin")
	require.NoError(t, err)
	assert.True(t, admin)
	admin, err = dir.IsAdmin(ctx, "board_1", "someone")
	require.NoError(t, err)
	assert.False(t, admin)
}

func TestDirectoryMissingBoard(t *testing.T) {
	dir := newTestDirectory(t)
	_, err := dir.IsOpen(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectoryWrapsStoreFailures(t *testing.T) {
	boom := errors.New("connection reset")
	dir := NewPostgresDirectory(&fakeBoardStore{getErr: boom})
	_, err := dir.BoardExists(context.Background(), "board_1")
	assert.ErrorIs(t, err, boom)
}

func TestInsertValidatesColumns(t *testing.T) {
	dir := NewPostgresDirectory(&fakeBoardStore{})
	ctx := context.Background()

	_, err := dir.Insert(ctx, store.Board{ID: "b"})
	assert.Error(t, err)

	_, err = dir.Insert(ctx, store.Board{ID: "b", Columns: []store.Column{{ID: "x"}, {ID: "x"}}})
	assert.Error(t, err)

	_, err = dir.Insert(ctx, store.Board{ID: "b", State: "archived", Columns: []store.Column{{ID: "x"}}})
	assert.Error(t, err)

	_, err = dir.Insert(ctx, store.Board{ID: "  ", Columns: []store.Column{{ID: "x"}}})
	assert.Error(t, err)
}
