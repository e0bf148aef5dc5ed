package app

import (
	"context"
	"fmt"

	"retroboard/api/internal/store"
)

// recompute refreshes the aggregate that depends on row: its parent's when it
// has one, its own otherwise. Depth is capped at one level so a single
// statement over direct children is always enough.
func recompute(ctx context.Context, tx store.Tx, row store.Card) (int, error) {
	target := row.ID
	if row.ParentCardID != nil {
		target = *row.ParentCardID
	}
	aggregated, err := tx.RecomputeAggregate(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("recompute %s: %w", target, err)
	}
	return aggregated, nil
}
