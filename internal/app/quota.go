package app

import (
	"context"
	"fmt"
	"strings"
)

const (
	quotaCards     = "cards"
	quotaReactions = "reactions"
)

type Quota struct {
	CurrentCount int  `json:"currentCount"`
	Limit        *int `json:"limit"`
	CanCreate    bool `json:"canCreate"`
	LimitEnabled bool `json:"limitEnabled"`
}

func newQuota(current int, limit *int) Quota {
	q := Quota{CurrentCount: current, Limit: limit, CanCreate: true}
	if limit != nil {
		q.LimitEnabled = true
		q.CanCreate = current < *limit
	}
	return q
}

// GetCardQuota counts only the user's feedback cards on the board.
func (s *Service) GetCardQuota(ctx context.Context, boardID, userIdentity string) (Quota, error) {
	if err := s.quotaPreflight(ctx, boardID, userIdentity); err != nil {
		return Quota{}, err
	}
	limit, err := s.boards.GetCardLimit(ctx, boardID)
	if err != nil {
		return Quota{}, fmt.Errorf("get card limit: %w", err)
	}
	count, err := s.CountFeedbackCardsForUser(ctx, boardID, userIdentity)
	if err != nil {
		return Quota{}, err
	}
	return newQuota(count, limit), nil
}

// GetReactionQuota counts reactions the user placed on cards of this board only.
func (s *Service) GetReactionQuota(ctx context.Context, boardID, userIdentity string) (Quota, error) {
	if err := s.quotaPreflight(ctx, boardID, userIdentity); err != nil {
		return Quota{}, err
	}
	limit, err := s.boards.GetReactionLimit(ctx, boardID)
	if err != nil {
		return Quota{}, fmt.Errorf("get reaction limit: %w", err)
	}
	count, err := s.store.CountReactionsByUser(ctx, boardID, userIdentity)
	if err != nil {
		return Quota{}, fmt.Errorf("count reactions: %w", err)
	}
	return newQuota(count, limit), nil
}

func (s *Service) CountFeedbackCardsForUser(ctx context.Context, boardID, ownerIdentity string) (int, error) {
	count, err := s.store.CountFeedbackCards(ctx, boardID, ownerIdentity)
	if err != nil {
		return 0, fmt.Errorf("count feedback cards: %w", err)
	}
	return count, nil
}

func (s *Service) quotaPreflight(ctx context.Context, boardID, userIdentity string) error {
	if strings.TrimSpace(userIdentity) == "" {
		return validationError("user identity is required")
	}
	return s.ensureBoardExists(ctx, boardID)
}

// enforceAfterInsert runs inside the creating transaction once the new row
// is visible to it. countAfter includes that row; exceeding the limit rolls
// the whole transaction back.
func enforceAfterInsert(quota string, countAfter int, limit *int) error {
	if limit == nil || countAfter <= *limit {
		return nil
	}
	return limitReached(quota, countAfter-1, *limit)
}
