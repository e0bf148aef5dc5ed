package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"retroboard/api/internal/notify"
	"retroboard/api/internal/rbac"
	"retroboard/api/internal/store"
	"retroboard/api/internal/util"
)

type ReactionKind string

const ReactionUpvote ReactionKind = "upvote"

var reactionKinds = map[ReactionKind]struct{}{
	ReactionUpvote: {},
}

// ReactionKinds lists the supported kinds in a stable order.
func ReactionKinds() []ReactionKind {
	kinds := make([]ReactionKind, 0, len(reactionKinds))
	for kind := range reactionKinds {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func parseReactionKind(raw string) (ReactionKind, error) {
	kind := ReactionKind(strings.ToLower(strings.TrimSpace(raw)))
	if kind == "" {
		return ReactionUpvote, nil
	}
	if _, ok := reactionKinds[kind]; !ok {
		return "", validationError(fmt.Sprintf("unsupported reaction kind %q", raw))
	}
	return kind, nil
}

type Reaction struct {
	ID           string       `json:"id"`
	CardID       string       `json:"cardId"`
	UserIdentity string       `json:"-"`
	DisplayAlias *string      `json:"displayAlias"`
	Kind         ReactionKind `json:"kind"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

func reactionFromRow(row store.Reaction) Reaction {
	return Reaction{
		ID:           row.ID,
		CardID:       row.CardID,
		UserIdentity: row.UserIdentity,
		DisplayAlias: row.DisplayAlias,
		Kind:         ReactionKind(row.Kind),
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

type reactionEvent struct {
	Reaction                Reaction `json:"reaction"`
	DirectReactionCount     int      `json:"directReactionCount"`
	AggregatedReactionCount int      `json:"aggregatedReactionCount"`
	ParentCardID            *string  `json:"parentCardId,omitempty"`
	ParentAggregatedCount   *int     `json:"parentAggregatedReactionCount,omitempty"`
}

// AddOrUpdateReaction places the requester's reaction on a card, or changes
// its kind when one already exists. Only a new reaction counts against the
// reaction quota and moves the counters. The bool reports whether the
// reaction was created.
func (s *Service) AddOrUpdateReaction(ctx context.Context, cardID string, requester Identity, rawKind string) (Reaction, bool, error) {
	row, err := s.preflightOwnerEdit(ctx, cardID, requester, rbac.ActionReact)
	if err != nil {
		return Reaction{}, false, err
	}
	kind, err := parseReactionKind(rawKind)
	if err != nil {
		return Reaction{}, false, err
	}
	limit, err := s.boards.GetReactionLimit(ctx, row.BoardID)
	if err != nil {
		return Reaction{}, false, fmt.Errorf("get reaction limit: %w", err)
	}

	var (
		saved   store.Reaction
		created bool
		event   reactionEvent
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		locked, err := lockCard(ctx, tx, row.ID)
		if err != nil {
			return err
		}
		saved, created, err = tx.UpsertReaction(ctx, store.Reaction{
			ID:           util.NewID("rx"),
			CardID:       locked.ID,
			UserIdentity: requester.Hash,
			DisplayAlias: requester.alias(),
			Kind:         string(kind),
		})
		if err != nil {
			return err
		}
		saved.CardID = locked.ID
		saved.UserIdentity = requester.Hash
		saved.DisplayAlias = requester.alias()
		saved.Kind = string(kind)
		if !created {
			event, err = reactionSnapshot(ctx, tx, saved)
			return err
		}

		if err := tx.AdjustDirectReactions(ctx, locked.ID, 1); err != nil {
			return err
		}
		if limit != nil {
			count, err := tx.CountReactionsByUser(ctx, locked.BoardID, requester.Hash)
			if err != nil {
				return err
			}
			if err := enforceAfterInsert(quotaReactions, count, limit); err != nil {
				return err
			}
		}
		if _, err := recompute(ctx, tx, locked); err != nil {
			return err
		}
		event, err = reactionSnapshot(ctx, tx, saved)
		return err
	})
	if err != nil {
		return Reaction{}, false, err
	}

	reaction := reactionFromRow(saved)
	eventType := notify.ReactionAdded
	if !created {
		eventType = notify.CardUpdated
	}
	s.publish(notify.Event{Type: eventType, BoardID: row.BoardID, CardID: row.ID, Payload: event})
	return reaction, created, nil
}

// RemoveReaction deletes the requester's reaction and decrements the card.
func (s *Service) RemoveReaction(ctx context.Context, cardID string, requester Identity) (Reaction, error) {
	row, err := s.preflightOwnerEdit(ctx, cardID, requester, rbac.ActionReact)
	if err != nil {
		return Reaction{}, err
	}

	var (
		removed store.Reaction
		event   reactionEvent
	)
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		locked, err := lockCard(ctx, tx, row.ID)
		if err != nil {
			return err
		}
		removed, err = tx.DeleteReaction(ctx, locked.ID, requester.Hash)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("reaction not found")
		}
		if err != nil {
			return fmt.Errorf("delete reaction: %w", err)
		}
		if err := tx.AdjustDirectReactions(ctx, locked.ID, -1); err != nil {
			return err
		}
		if _, err := recompute(ctx, tx, locked); err != nil {
			return err
		}
		event, err = reactionSnapshot(ctx, tx, removed)
		return err
	})
	if err != nil {
		return Reaction{}, err
	}

	s.publish(notify.Event{Type: notify.ReactionRemoved, BoardID: row.BoardID, CardID: row.ID, Payload: event})
	return reactionFromRow(removed), nil
}

func reactionSnapshot(ctx context.Context, tx store.Tx, reaction store.Reaction) (reactionEvent, error) {
	card, err := tx.GetCard(ctx, reaction.CardID)
	if err != nil {
		return reactionEvent{}, fmt.Errorf("reload card: %w", err)
	}
	event := reactionEvent{
		Reaction:                reactionFromRow(reaction),
		DirectReactionCount:     card.DirectReactionCount,
		AggregatedReactionCount: card.AggregatedReactionCount,
		ParentCardID:            card.ParentCardID,
	}
	if card.ParentCardID != nil {
		parent, err := tx.GetCard(ctx, *card.ParentCardID)
		if err != nil {
			return reactionEvent{}, fmt.Errorf("reload parent: %w", err)
		}
		event.ParentAggregatedCount = &parent.AggregatedReactionCount
	}
	return event, nil
}
