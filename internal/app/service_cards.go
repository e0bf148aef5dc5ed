package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"retroboard/api/internal/notify"
	"retroboard/api/internal/rbac"
	"retroboard/api/internal/store"
	"retroboard/api/internal/util"
)

type CreateCardInput struct {
	BoardID   string `json:"boardId"`
	ColumnID  string `json:"columnId"`
	Content   string `json:"content"`
	Kind      string `json:"kind"`
	Anonymous bool   `json:"anonymous"`
}

func (s *Service) CreateCard(ctx context.Context, input CreateCardInput, requester Identity) (Card, error) {
	if err := requireIdentity(requester); err != nil {
		return nil, err
	}
	if err := s.EnsureOpen(ctx, input.BoardID); err != nil {
		return nil, err
	}
	content, err := validateContent(input.Content)
	if err != nil {
		return nil, err
	}
	kind, err := parseCardKind(input.Kind)
	if err != nil {
		return nil, err
	}
	if err := s.ensureColumn(ctx, input.BoardID, input.ColumnID); err != nil {
		return nil, err
	}

	var limit *int
	if kind == KindFeedback {
		limit, err = s.boards.GetCardLimit(ctx, input.BoardID)
		if err != nil {
			return nil, fmt.Errorf("get card limit: %w", err)
		}
	}

	row := store.Card{
		ID:            util.NewID("card"),
		BoardID:       input.BoardID,
		ColumnID:      input.ColumnID,
		Content:       content,
		Kind:          string(kind),
		Anonymous:     input.Anonymous,
		OwnerIdentity: requester.Hash,
	}
	if !input.Anonymous {
		row.DisplayAlias = requester.alias()
	}

	var created store.Card
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		inserted, err := tx.InsertCard(ctx, row)
		if err != nil {
			return err
		}
		if kind == KindFeedback && limit != nil {
			count, err := tx.CountFeedbackCards(ctx, row.BoardID, row.OwnerIdentity)
			if err != nil {
				return err
			}
			if err := enforceAfterInsert(quotaCards, count, limit); err != nil {
				return err
			}
		}
		created = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}

	card, err := cardFromRow(created)
	if err != nil {
		return nil, err
	}
	s.publish(notify.Event{Type: notify.CardCreated, BoardID: card.Base().BoardID, CardID: card.Base().ID, Payload: ViewOf(card)})
	return card, nil
}

func (s *Service) GetCard(ctx context.Context, cardID string) (Card, error) {
	row, err := s.loadCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	return cardFromRow(row)
}

func (s *Service) UpdateContent(ctx context.Context, cardID, content string, requester Identity) (Card, error) {
	row, err := s.preflightOwnerEdit(ctx, cardID, requester, rbac.ActionEdit)
	if err != nil {
		return nil, err
	}
	trimmed, err := validateContent(content)
	if err != nil {
		return nil, err
	}

	var updated Card
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := lockCard(ctx, tx, row.ID); err != nil {
			return err
		}
		if _, err := tx.UpdateCardContent(ctx, row.ID, trimmed); err != nil {
			return fmt.Errorf("update content: %w", err)
		}
		updated, err = reloadCard(ctx, tx, row.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(notify.Event{Type: notify.CardUpdated, BoardID: row.BoardID, CardID: row.ID, Payload: ViewOf(updated)})
	return updated, nil
}

// MoveColumn places the card in another column of its board. Children keep
// their own column.
func (s *Service) MoveColumn(ctx context.Context, cardID, columnID string, requester Identity) (Card, error) {
	row, err := s.preflightOwnerEdit(ctx, cardID, requester, rbac.ActionMove)
	if err != nil {
		return nil, err
	}
	if err := s.ensureColumn(ctx, row.BoardID, columnID); err != nil {
		return nil, err
	}

	var moved Card
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := lockCard(ctx, tx, row.ID); err != nil {
			return err
		}
		if _, err := tx.UpdateCardColumn(ctx, row.ID, columnID); err != nil {
			return fmt.Errorf("move card: %w", err)
		}
		moved, err = reloadCard(ctx, tx, row.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publish(notify.Event{Type: notify.CardMoved, BoardID: row.BoardID, CardID: row.ID, Payload: map[string]any{
		"card":         ViewOf(moved),
		"fromColumnId": row.ColumnID,
		"toColumnId":   columnID,
	}})
	return moved, nil
}

type DeleteResult struct {
	CardID           string   `json:"cardId"`
	OrphanedChildIDs []string `json:"orphanedChildIds"`
	UnlinkedActions  []string `json:"unlinkedActionIds"`
	RemovedReactions int      `json:"removedReactions"`
	ParentCardID     *string  `json:"parentCardId,omitempty"`
}

// DeleteCard removes the card, its reactions, and every link it takes part
// in. Children become standalone and the former parent is recomputed. Only
// the owner may delete; board admins may not.
func (s *Service) DeleteCard(ctx context.Context, cardID string, requester Identity) (DeleteResult, error) {
	row, err := s.preflightOwnerEdit(ctx, cardID, requester, rbac.ActionDelete)
	if err != nil {
		return DeleteResult{}, err
	}

	var result DeleteResult
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		locked, err := lockCard(ctx, tx, row.ID)
		if err != nil {
			return err
		}
		removed, err := tx.DeleteReactionsForCard(ctx, locked.ID)
		if err != nil {
			return err
		}
		children, err := tx.ClearChildren(ctx, locked.ID)
		if err != nil {
			return err
		}
		actions, err := tx.RemoveLinksTo(ctx, locked.ID)
		if err != nil {
			return err
		}
		if err := tx.DeleteCard(ctx, locked.ID); err != nil {
			return err
		}
		if locked.ParentCardID != nil {
			if _, err := tx.RecomputeAggregate(ctx, *locked.ParentCardID); err != nil {
				return fmt.Errorf("recompute former parent: %w", err)
			}
		}
		result = DeleteResult{
			CardID:           locked.ID,
			OrphanedChildIDs: children,
			UnlinkedActions:  actions,
			RemovedReactions: removed,
			ParentCardID:     locked.ParentCardID,
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}

	s.publish(notify.Event{Type: notify.CardDeleted, BoardID: row.BoardID, CardID: row.ID, Payload: result})
	return result, nil
}

// preflightOwnerEdit loads the card, checks the board is open, then checks
// requester may perform action.
func (s *Service) preflightOwnerEdit(ctx context.Context, cardID string, requester Identity, action rbac.Action) (store.Card, error) {
	if err := requireIdentity(requester); err != nil {
		return store.Card{}, err
	}
	row, err := s.loadCard(ctx, cardID)
	if err != nil {
		return store.Card{}, err
	}
	if err := s.EnsureOpen(ctx, row.BoardID); err != nil {
		return store.Card{}, err
	}
	if err := s.authorize(ctx, row, requester, action); err != nil {
		return store.Card{}, err
	}
	return row, nil
}

func (s *Service) ensureColumn(ctx context.Context, boardID, columnID string) error {
	if strings.TrimSpace(columnID) == "" {
		return validationError("column id is required")
	}
	ok, err := s.boards.ColumnExists(ctx, boardID, columnID)
	if err != nil {
		return fmt.Errorf("check column: %w", err)
	}
	if !ok {
		return validationError("unknown column")
	}
	return nil
}

type ListFilter struct {
	Kind     string
	ColumnID string
	Query    string
}

// ListCardsForBoard returns top-level cards in creation order. Parents embed
// their children, which are not repeated at the top level. With a column
// filter, a child sitting in another column than its parent is listed on its
// own, so every card shows up under the column it is in.
func (s *Service) ListCardsForBoard(ctx context.Context, boardID string, filter ListFilter) ([]CardView, error) {
	if err := s.ensureBoardExists(ctx, boardID); err != nil {
		return nil, err
	}
	var kind CardKind
	if strings.TrimSpace(filter.Kind) != "" {
		parsed, err := parseCardKind(filter.Kind)
		if err != nil {
			return nil, err
		}
		kind = parsed
	}

	rows, err := s.store.ListCards(ctx, boardID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}

	columnOf := make(map[string]string, len(rows))
	for _, row := range rows {
		columnOf[row.ID] = row.ColumnID
	}

	children := make(map[string][]CardView)
	var top []CardView
	for _, row := range rows {
		card, err := cardFromRow(row)
		if err != nil {
			return nil, err
		}
		view := ViewOf(card)
		if row.ParentCardID != nil {
			parentColumn, ok := columnOf[*row.ParentCardID]
			if ok && (filter.ColumnID == "" || parentColumn == row.ColumnID) {
				children[*row.ParentCardID] = append(children[*row.ParentCardID], view)
				continue
			}
		}
		top = append(top, view)
	}

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	result := make([]CardView, 0, len(top))
	for _, view := range top {
		view.Children = children[view.ID]
		if kind != "" && view.Kind != kind {
			continue
		}
		if filter.ColumnID != "" && view.ColumnID != filter.ColumnID {
			continue
		}
		if query != "" && !viewMatches(view, query) {
			continue
		}
		result = append(result, view)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func viewMatches(view CardView, query string) bool {
	if strings.Contains(strings.ToLower(view.Content), query) {
		return true
	}
	for _, child := range view.Children {
		if strings.Contains(strings.ToLower(child.Content), query) {
			return true
		}
	}
	return false
}
