package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ReviewItem is a durable record of one metadata suggestion awaiting a human
// decision. Alternatives and Metadata hold JSON as stored.
type ReviewItem struct {
	ID           string
	DocID        int64
	DocTitle     string
	Type         string
	Suggestion   string
	Reasoning    string
	Alternatives string
	Attempts     int
	LastFeedback string
	NextTag      string
	Metadata     string
	CreatedAt    time.Time
}

// BlockedSuggestion records a rejected suggestion so it is never proposed
// again. BlockType is "global" or a review item type the block is scoped to.
type BlockedSuggestion struct {
	ID             string
	Name           string
	NormalizedName string
	BlockType      string
	Reason         string
	Category       string
	DocID          int64
	CreatedAt      time.Time
}
