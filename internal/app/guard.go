package app

import (
	"context"
	"fmt"
)

// EnsureOpen fails with NotFound for an unknown board and Conflict for a
// board that is not open. Every mutating command calls it first.
func (s *Service) EnsureOpen(ctx context.Context, boardID string) error {
	exists, err := s.boards.BoardExists(ctx, boardID)
	if err != nil {
		return fmt.Errorf("check board exists: %w", err)
	}
	if !exists {
		return notFound("board not found")
	}
	open, err := s.boards.IsOpen(ctx, boardID)
	if err != nil {
		return fmt.Errorf("check board open: %w", err)
	}
	if !open {
		return boardClosed(boardID)
	}
	return nil
}

func (s *Service) ensureBoardExists(ctx context.Context, boardID string) error {
	exists, err := s.boards.BoardExists(ctx, boardID)
	if err != nil {
		return fmt.Errorf("check board exists: %w", err)
	}
	if !exists {
		return notFound("board not found")
	}
	return nil
}
