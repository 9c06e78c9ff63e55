// Package review holds suggestions a confirmation loop gave up on until a
// human decides, and the blocklist of suggestions rejected for good.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/events"
	"github.com/docsmithlabs/docsmith/internal/metrics"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
	"github.com/docsmithlabs/docsmith/internal/storage"
)

// Review item types. Closed set; apply switches over it.
const (
	TypeCorrespondent = "correspondent"
	TypeDocumentType  = "document_type"
	TypeTag           = "tag"
	TypeTitle         = "title"
	TypeDocumentLink  = "documentlink"
	TypeSchemaMerge   = "schema_merge"
	TypeSchemaDelete  = "schema_delete"
)

// BlockGlobal is the block scope matched for every task type.
const BlockGlobal = "global"

// Archive is the slice of the archive client the review service needs.
type Archive interface {
	GetDocument(ctx context.Context, id int64) (archive.Document, error)
	UpdateDocument(ctx context.Context, id int64, upd archive.DocumentUpdate) error
	ListDocumentIDs(ctx context.Context, opts archive.ListOptions) ([]int64, error)
	DeleteTag(ctx context.Context, name string) error
}

// Service owns the pending-review queue. Resolutions are serialized by a
// mutex; idempotence comes from the store reporting ErrNotFound for an
// already-resolved item.
type Service struct {
	mu        sync.Mutex
	store     *storage.Store
	docs      Archive
	machine   *pipeline.Machine
	bus       *events.Bus
	collector *metrics.Collector
}

// NewService creates a Service. bus and collector may be nil.
func NewService(store *storage.Store, docs Archive, machine *pipeline.Machine, bus *events.Bus, collector *metrics.Collector) *Service {
	return &Service{store: store, docs: docs, machine: machine, bus: bus, collector: collector}
}

// Enqueue records an escalated suggestion and returns the new item's ID. A
// zero ID and CreatedAt are filled in.
func (s *Service) Enqueue(ctx context.Context, item storage.ReviewItem) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if err := s.store.SaveReview(item); err != nil {
		return "", fmt.Errorf("saving review item: %w", err)
	}
	slog.Info("review enqueued", "id", item.ID, "doc_id", item.DocID, "type", item.Type,
		"suggestion", item.Suggestion)
	s.emit("enqueued", item)
	s.refreshGauge()
	return item.ID, nil
}

// Get returns one open item. Unknown IDs return storage.ErrNotFound.
func (s *Service) Get(id string) (storage.ReviewItem, error) {
	return s.store.GetReview(id)
}

// List returns open items in queue order. An empty typeFilter returns all.
func (s *Service) List(typeFilter string) ([]storage.ReviewItem, error) {
	return s.store.ListReviews(typeFilter)
}

// Approve applies chosen (or the recorded suggestion when chosen is empty)
// to the item's document, advances the document to the item's next stage,
// and deletes the record. A second call for the same ID reports
// storage.ErrNotFound instead of applying twice.
func (s *Service) Approve(ctx context.Context, id, chosen string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.store.GetReview(id)
	if err != nil {
		return "", err
	}
	value := chosen
	if value == "" {
		value = item.Suggestion
	}

	applied, err := s.apply(ctx, item, value)
	if err != nil {
		return "", fmt.Errorf("applying %s suggestion: %w", item.Type, err)
	}
	if err := s.advance(ctx, item); err != nil {
		return "", fmt.Errorf("advancing document %d: %w", item.DocID, err)
	}
	if err := s.store.DeleteReview(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("deleting review item: %w", err)
	}
	s.clearManualReview(ctx, item.DocID)

	slog.Info("review approved", "id", id, "doc_id", item.DocID, "type", item.Type, "value", value)
	s.emit("approved", item)
	s.refreshGauge()
	return applied, nil
}

// RejectOptions controls what a rejection records beyond deleting the item.
type RejectOptions struct {
	// Block adds the suggestion to the blocklist, scoped to the item's type.
	Block bool
	// BlockGlobally widens the block to every task type. Implies Block.
	BlockGlobally bool
	Reason        string
	Category      string
}

// Reject deletes the item, optionally blocking its suggestion in the same
// transaction, and leaves the document marked for manual review. A second
// call for the same ID reports storage.ErrNotFound.
func (s *Service) Reject(ctx context.Context, id string, opts RejectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.store.GetReview(id)
	if err != nil {
		return err
	}

	var block *storage.BlockedSuggestion
	if opts.Block || opts.BlockGlobally {
		scope := item.Type
		if opts.BlockGlobally {
			scope = BlockGlobal
		}
		block = &storage.BlockedSuggestion{
			ID:             uuid.NewString(),
			Name:           item.Suggestion,
			NormalizedName: Normalize(item.Suggestion),
			BlockType:      scope,
			Reason:         opts.Reason,
			Category:       opts.Category,
			DocID:          item.DocID,
			CreatedAt:      time.Now().UTC(),
		}
	}

	if err := s.store.ResolveReview(id, block); err != nil {
		return err
	}
	if item.DocID != 0 {
		if err := s.machine.AddLabel(ctx, item.DocID, pipeline.LabelManualReview); err != nil {
			slog.Warn("marking document for manual review", "doc_id", item.DocID, "error", err)
		}
	}

	slog.Info("review rejected", "id", id, "doc_id", item.DocID, "type", item.Type,
		"blocked", block != nil)
	s.emit("rejected", item)
	s.refreshGauge()
	return nil
}

// Merge approves every listed item with the same target value. Items
// resolved in the meantime are skipped; other failures are collected and the
// rest of the batch still runs.
func (s *Service) Merge(ctx context.Context, ids []string, target string) error {
	var errs []error
	for _, id := range ids {
		if _, err := s.Approve(ctx, id, target); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("merging %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Group is a set of open items sharing a normalized suggestion.
type Group struct {
	Suggestion string
	Items      []storage.ReviewItem
}

// FindSimilar groups open items by normalized suggestion and returns groups
// with at least two members, in queue order of first appearance.
func (s *Service) FindSimilar() ([]Group, error) {
	items, err := s.store.ListReviews("")
	if err != nil {
		return nil, err
	}

	byKey := make(map[string][]storage.ReviewItem)
	var order []string
	for _, it := range items {
		key := Normalize(it.Suggestion)
		if key == "" {
			continue
		}
		if _, ok := byKey[key]; !ok {
			order = append(order, key)
		}
		byKey[key] = append(byKey[key], it)
	}

	var groups []Group
	for _, key := range order {
		if len(byKey[key]) >= 2 {
			groups = append(groups, Group{Suggestion: key, Items: byKey[key]})
		}
	}
	return groups, nil
}

// advance moves the item's document to its recorded next stage. Items with
// no document or no next stage (schema maintenance) advance nothing.
func (s *Service) advance(ctx context.Context, item storage.ReviewItem) error {
	if item.NextTag == "" || item.DocID == 0 {
		return nil
	}
	doc, err := s.docs.GetDocument(ctx, item.DocID)
	if err != nil {
		return err
	}
	cur := pipeline.StatusOf(doc.Tags)
	next := pipeline.Stage(item.NextTag)
	if cur == next {
		return nil
	}
	if cur == pipeline.StageUnknown {
		// No stage tag to move from; attach the target stage directly.
		return s.machine.AddLabel(ctx, item.DocID, item.NextTag)
	}
	return s.machine.Transition(ctx, item.DocID, cur, next)
}

// clearManualReview removes the manual-review label once a document has no
// open items left. Best effort.
func (s *Service) clearManualReview(ctx context.Context, docID int64) {
	if docID == 0 {
		return
	}
	n, err := s.store.CountReviewsForDoc(docID)
	if err != nil {
		slog.Warn("counting open reviews", "doc_id", docID, "error", err)
		return
	}
	if n > 0 {
		return
	}
	if err := s.machine.RemoveLabel(ctx, docID, pipeline.LabelManualReview); err != nil {
		slog.Warn("removing manual review label", "doc_id", docID, "error", err)
	}
}

// Normalize lowercases, trims, and collapses inner whitespace so
// "Acme Corp" and " acme  corp " compare equal.
func Normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func (s *Service) emit(action string, item storage.ReviewItem) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:  events.TypeReview,
		DocID: item.DocID,
		Task:  item.Type,
		Detail: map[string]any{
			"action":     action,
			"id":         item.ID,
			"suggestion": item.Suggestion,
		},
	})
}

func (s *Service) refreshGauge() {
	if s.collector == nil {
		return
	}
	if n, err := s.store.CountReviews(); err == nil {
		s.collector.SetReviewsOpen(n)
	}
}
