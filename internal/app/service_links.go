package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"retroboard/api/internal/notify"
	"retroboard/api/internal/rbac"
	"retroboard/api/internal/store"
)

type LinkType string

const (
	LinkParentOf LinkType = "parent_of"
	LinkLinkedTo LinkType = "linked_to"
)

func parseLinkType(raw string) (LinkType, error) {
	switch LinkType(strings.ToLower(strings.TrimSpace(raw))) {
	case LinkParentOf:
		return LinkParentOf, nil
	case LinkLinkedTo:
		return LinkLinkedTo, nil
	default:
		return "", validationError("link type must be parent_of or linked_to")
	}
}

// LinkResult carries both cards after the change. Changed is false when the
// request was a no-op (relinking a linked pair, unlinking an unlinked one).
type LinkResult struct {
	Type    LinkType `json:"type"`
	Source  CardView `json:"source"`
	Target  CardView `json:"target"`
	Changed bool     `json:"changed"`
}

// Link relates source to target. parent_of makes target a child of source;
// linked_to records target as feedback addressed by the action card source.
func (s *Service) Link(ctx context.Context, sourceID, targetID, rawType string, requester Identity) (LinkResult, error) {
	return s.changeLink(ctx, sourceID, targetID, rawType, requester, true)
}

// Unlink reverses Link. Unlinking a pair that is not linked is a no-op.
func (s *Service) Unlink(ctx context.Context, sourceID, targetID, rawType string, requester Identity) (LinkResult, error) {
	return s.changeLink(ctx, sourceID, targetID, rawType, requester, false)
}

func (s *Service) changeLink(ctx context.Context, sourceID, targetID, rawType string, requester Identity, link bool) (LinkResult, error) {
	source, err := s.preflightOwnerEdit(ctx, sourceID, requester, rbac.ActionLink)
	if err != nil {
		return LinkResult{}, err
	}
	linkType, err := parseLinkType(rawType)
	if err != nil {
		return LinkResult{}, err
	}
	if strings.TrimSpace(targetID) == "" {
		return LinkResult{}, validationError("target id is required")
	}
	if source.ID == targetID {
		return LinkResult{}, invalidRelationship(ruleSelfLink, source.ID, targetID, "a card cannot be linked to itself")
	}

	var result LinkResult
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockCards(ctx, source.ID, targetID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("card not found")
		}
		if err != nil {
			return fmt.Errorf("lock cards: %w", err)
		}
		src, dst := locked[0], locked[1]
		if src.BoardID != dst.BoardID {
			return invalidRelationship(ruleCrossBoard, src.ID, dst.ID, "cards belong to different boards")
		}

		var changed bool
		switch linkType {
		case LinkParentOf:
			if link {
				changed, err = applyParentLink(ctx, tx, src, dst)
			} else {
				changed, err = removeParentLink(ctx, tx, src, dst)
			}
		case LinkLinkedTo:
			if err = checkActionLink(src, dst); err != nil {
				break
			}
			if link {
				changed, err = tx.AddLink(ctx, src.ID, dst.ID)
			} else {
				changed, err = tx.RemoveLink(ctx, src.ID, dst.ID)
			}
		}
		if err != nil {
			return err
		}

		srcCard, err := reloadCard(ctx, tx, src.ID)
		if err != nil {
			return err
		}
		dstCard, err := reloadCard(ctx, tx, dst.ID)
		if err != nil {
			return err
		}
		result = LinkResult{Type: linkType, Source: ViewOf(srcCard), Target: ViewOf(dstCard), Changed: changed}
		return nil
	})
	if err != nil {
		return LinkResult{}, err
	}

	if result.Changed {
		eventType := notify.CardLinked
		if !link {
			eventType = notify.CardUnlinked
		}
		s.publish(notify.Event{Type: eventType, BoardID: source.BoardID, CardID: source.ID, Payload: result})
	}
	return result, nil
}

// applyParentLink enforces the one-level hierarchy with single-hop checks:
// the parent may not itself be a child and the child may not have children.
func applyParentLink(ctx context.Context, tx store.Tx, parent, child store.Card) (bool, error) {
	if parent.Kind != store.KindFeedback || child.Kind != store.KindFeedback {
		return false, invalidRelationship(ruleKindMismatch, parent.ID, child.ID, "parent_of links require two feedback cards")
	}
	if parent.ParentCardID != nil && *parent.ParentCardID == child.ID {
		return false, invalidRelationship(ruleCycle, parent.ID, child.ID, "link would create a cycle")
	}
	if parent.ParentCardID != nil {
		return false, invalidRelationship(ruleSourceIsChild, parent.ID, child.ID, "a child card cannot become a parent")
	}
	if child.ParentCardID != nil {
		if *child.ParentCardID == parent.ID {
			return false, nil
		}
		return false, invalidRelationship(ruleTargetHasParent, parent.ID, child.ID, "target already has a parent; unlink it first")
	}
	grandchildren, err := tx.CountChildren(ctx, child.ID)
	if err != nil {
		return false, err
	}
	if grandchildren > 0 {
		return false, invalidRelationship(ruleTargetIsParent, parent.ID, child.ID, "a parent card cannot become a child")
	}

	if err := tx.SetParent(ctx, child.ID, &parent.ID); err != nil {
		return false, fmt.Errorf("set parent: %w", err)
	}
	if _, err := tx.RecomputeAggregate(ctx, parent.ID); err != nil {
		return false, fmt.Errorf("recompute parent: %w", err)
	}
	return true, nil
}

func removeParentLink(ctx context.Context, tx store.Tx, parent, child store.Card) (bool, error) {
	if parent.Kind != store.KindFeedback || child.Kind != store.KindFeedback {
		return false, invalidRelationship(ruleKindMismatch, parent.ID, child.ID, "parent_of links require two feedback cards")
	}
	if child.ParentCardID == nil || *child.ParentCardID != parent.ID {
		return false, nil
	}
	if err := tx.SetParent(ctx, child.ID, nil); err != nil {
		return false, fmt.Errorf("clear parent: %w", err)
	}
	if _, err := tx.RecomputeAggregate(ctx, parent.ID); err != nil {
		return false, fmt.Errorf("recompute parent: %w", err)
	}
	return true, nil
}

func checkActionLink(action, feedback store.Card) error {
	if action.Kind != store.KindAction || feedback.Kind != store.KindFeedback {
		return invalidRelationship(ruleKindMismatch, action.ID, feedback.ID, "linked_to requires an action source and a feedback target")
	}
	return nil
}
