package store

import "time"

const (
	KindFeedback = "feedback"
	KindAction   = "action"
)

// Card is the flat row stored in the cards table. LinkedFeedbackIDs is
// filled from card_links for action cards only.
type Card struct {
	ID                      string
	BoardID                 string
	ColumnID                string
	Content                 string
	Kind                    string
	Anonymous               bool
	OwnerIdentity           string
	DisplayAlias            *string
	DirectReactionCount     int
	AggregatedReactionCount int
	ParentCardID            *string
	LinkedFeedbackIDs       []string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

type Reaction struct {
	ID           string
	CardID       string
	UserIdentity string
	DisplayAlias *string
	Kind         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Board struct {
	ID            string
	Name          string
	State         string
	Columns       []Column
	Admins        []string
	CardLimit     *int
	ReactionLimit *int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Column struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

const (
	BoardOpen   = "open"
	BoardClosed = "closed"
)
