package app

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"retroboard/api/internal/store"
)

type CardKind string

const (
	KindFeedback CardKind = store.KindFeedback
	KindAction   CardKind = store.KindAction
)

const (
	minContentLength = 1
	maxContentLength = 5000
)

func parseCardKind(raw string) (CardKind, error) {
	switch CardKind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindFeedback:
		return KindFeedback, nil
	case KindAction:
		return KindAction, nil
	default:
		return "", validationError("kind must be feedback or action")
	}
}

// Card is either a *FeedbackCard or an *ActionCard. Only feedback cards carry
// a parent; only action cards carry linked feedback ids.
type Card interface {
	Base() *CardBase
	Kind() CardKind
	sealed()
}

type CardBase struct {
	ID                      string
	BoardID                 string
	ColumnID                string
	Content                 string
	Anonymous               bool
	OwnerIdentity           string
	DisplayAlias            *string
	DirectReactionCount     int
	AggregatedReactionCount int
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type FeedbackCard struct {
	CardBase
	ParentID *string
}

func (c *FeedbackCard) Base() *CardBase { return &c.CardBase }
func (c *FeedbackCard) Kind() CardKind  { return KindFeedback }
func (*FeedbackCard) sealed()           {}

func (c *FeedbackCard) HasParent() bool { return c.ParentID != nil }

type ActionCard struct {
	CardBase
	LinkedFeedbackIDs []string
}

func (c *ActionCard) Base() *CardBase { return &c.CardBase }
func (c *ActionCard) Kind() CardKind  { return KindAction }
func (*ActionCard) sealed()           {}

func (c *ActionCard) IsLinkedTo(feedbackID string) bool {
	for _, id := range c.LinkedFeedbackIDs {
		if id == feedbackID {
			return true
		}
	}
	return false
}

func cardFromRow(row store.Card) (Card, error) {
	base := CardBase{
		ID:                      row.ID,
		BoardID:                 row.BoardID,
		ColumnID:                row.ColumnID,
		Content:                 row.Content,
		Anonymous:               row.Anonymous,
		OwnerIdentity:           row.OwnerIdentity,
		DisplayAlias:            row.DisplayAlias,
		DirectReactionCount:     row.DirectReactionCount,
		AggregatedReactionCount: row.AggregatedReactionCount,
		CreatedAt:               row.CreatedAt,
		UpdatedAt:               row.UpdatedAt,
	}
	switch row.Kind {
	case store.KindFeedback:
		return &FeedbackCard{CardBase: base, ParentID: row.ParentCardID}, nil
	case store.KindAction:
		linked := append([]string{}, row.LinkedFeedbackIDs...)
		return &ActionCard{CardBase: base, LinkedFeedbackIDs: linked}, nil
	default:
		return nil, fmt.Errorf("card %s has unknown kind %q", row.ID, row.Kind)
	}
}

func validateContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	n := utf8.RuneCountInString(trimmed)
	if n < minContentLength {
		return "", validationError("content is required")
	}
	if n > maxContentLength {
		return "", validationError(fmt.Sprintf("content must be at most %d characters", maxContentLength))
	}
	return trimmed, nil
}

// CardView is the public shape of a card. Owner identities never appear here.
type CardView struct {
	ID                      string     `json:"id"`
	BoardID                 string     `json:"boardId"`
	ColumnID                string     `json:"columnId"`
	Content                 string     `json:"content"`
	Kind                    CardKind   `json:"kind"`
	Anonymous               bool       `json:"anonymous"`
	DisplayAlias            *string    `json:"displayAlias"`
	DirectReactionCount     int        `json:"directReactionCount"`
	AggregatedReactionCount int        `json:"aggregatedReactionCount"`
	ParentCardID            *string    `json:"parentCardId,omitempty"`
	LinkedFeedbackIDs       []string   `json:"linkedFeedbackIds,omitempty"`
	Children                []CardView `json:"children,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// MarshalJSON always writes linkedFeedbackIds for action cards, as [] when
// nothing is linked. Feedback cards leave it out.
func (v CardView) MarshalJSON() ([]byte, error) {
	type plain CardView
	if v.Kind != KindAction {
		return json.Marshal(plain(v))
	}
	ids := v.LinkedFeedbackIDs
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(struct {
		plain
		LinkedFeedbackIDs []string `json:"linkedFeedbackIds"`
	}{plain: plain(v), LinkedFeedbackIDs: ids})
}

func ViewOf(card Card) CardView {
	base := card.Base()
	view := CardView{
		ID:                      base.ID,
		BoardID:                 base.BoardID,
		ColumnID:                base.ColumnID,
		Content:                 base.Content,
		Kind:                    card.Kind(),
		Anonymous:               base.Anonymous,
		DisplayAlias:            base.DisplayAlias,
		DirectReactionCount:     base.DirectReactionCount,
		AggregatedReactionCount: base.AggregatedReactionCount,
		CreatedAt:               base.CreatedAt,
		UpdatedAt:               base.UpdatedAt,
	}
	if base.Anonymous {
		view.DisplayAlias = nil
	}
	switch c := card.(type) {
	case *FeedbackCard:
		view.ParentCardID = c.ParentID
	case *ActionCard:
		view.LinkedFeedbackIDs = append([]string{}, c.LinkedFeedbackIDs...)
	}
	return view
}
