// Package notify fans board changes out to realtime subscribers.
package notify

import (
	"context"
	"time"
)

type EventType string

const (
	CardCreated     EventType = "card_created"
	CardUpdated     EventType = "card_updated"
	CardMoved       EventType = "card_moved"
	CardDeleted     EventType = "card_deleted"
	CardLinked      EventType = "card_linked"
	CardUnlinked    EventType = "card_unlinked"
	ReactionAdded   EventType = "reaction_added"
	ReactionRemoved EventType = "reaction_removed"
)

// Event is the payload delivered to board subscribers. Payload holds the
// public view of the affected entity and must never carry owner identities.
type Event struct {
	Type       EventType `json:"type"`
	BoardID    string    `json:"boardId"`
	CardID     string    `json:"cardId,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func Channel(boardID string) string {
	return "board:" + boardID
}
