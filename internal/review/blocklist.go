package review

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docsmithlabs/docsmith/internal/storage"
)

// IsBlocked reports whether a suggested name is blocked for the given task
// type, matching the normalized name against global and type-scoped blocks.
// The matching block's reason rides back for operator-facing feedback.
func (s *Service) IsBlocked(name, taskType string) (string, bool, error) {
	b, err := s.store.FindBlocked(Normalize(name), taskType)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up blocklist: %w", err)
	}
	reason := b.Reason
	if reason == "" {
		reason = "previously rejected"
	}
	return reason, true, nil
}

// Block adds a suggestion to the blocklist without going through a rejection.
func (s *Service) Block(name, blockType, reason, category string, docID int64) (storage.BlockedSuggestion, error) {
	b := storage.BlockedSuggestion{
		ID:             uuid.NewString(),
		Name:           name,
		NormalizedName: Normalize(name),
		BlockType:      blockType,
		Reason:         reason,
		Category:       category,
		DocID:          docID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.SaveBlocked(b); err != nil {
		return storage.BlockedSuggestion{}, fmt.Errorf("saving blocked suggestion: %w", err)
	}
	return b, nil
}

// Unblock deletes a blocklist entry. Unknown IDs return storage.ErrNotFound.
func (s *Service) Unblock(id string) error {
	return s.store.DeleteBlocked(id)
}

// ListBlocked returns every blocklist entry, newest first.
func (s *Service) ListBlocked() ([]storage.BlockedSuggestion, error) {
	return s.store.ListBlocked()
}
