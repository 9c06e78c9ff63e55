// Package pipeline moves documents through the ordered processing stages.
// Each stage is a tag on the document in the archive; a document carries
// exactly one stage tag at a time. Side labels (failed, manual_review) live
// outside the ordering and may coexist with any stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/events"
)

// Stage is a pipeline progress tag.
type Stage string

const (
	StagePending           Stage = "pending"
	StageOCRDone           Stage = "ocr_done"
	StageTitleDone         Stage = "title_done"
	StageCorrespondentDone Stage = "correspondent_done"
	StageDocumentTypeDone  Stage = "document_type_done"
	StageTagsDone          Stage = "tags_done"
	StageProcessed         Stage = "processed"

	// StageUnknown is reported for documents with no recognized stage tag.
	// It is never written to a document.
	StageUnknown Stage = "unknown"
)

// Side labels. They do not participate in the stage ordering.
const (
	LabelFailed       = "failed"
	LabelManualReview = "manual_review"
)

// Stages lists the progress stages in pipeline order, least advanced first.
var Stages = []Stage{
	StagePending,
	StageOCRDone,
	StageTitleDone,
	StageCorrespondentDone,
	StageDocumentTypeDone,
	StageTagsDone,
	StageProcessed,
}

// ErrStageMismatch is returned by Transition when the document does not
// carry the expected source stage. Callers treat it as "someone else already
// moved this document" and skip, not as a fault.
var ErrStageMismatch = errors.New("stage mismatch")

// DocumentStore is the slice of the archive client the state machine needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, id int64) (archive.Document, error)
	UpdateDocument(ctx context.Context, id int64, upd archive.DocumentUpdate) error
}

// Machine owns stage-tag mutation. All transitions go through it so the
// one-stage-tag invariant holds no matter which agent or job is driving.
type Machine struct {
	docs DocumentStore
	bus  *events.Bus
}

// New creates a Machine over the given document store. bus may be nil.
func New(docs DocumentStore, bus *events.Bus) *Machine {
	return &Machine{docs: docs, bus: bus}
}

// Transition moves a document from one stage to the next. The expected
// source stage must be present, otherwise ErrStageMismatch is returned and
// the document is left untouched. The new tag set is written in a single
// update, so with per-document update serialization in the archive no reader
// observes a document with zero or two stage tags.
func (m *Machine) Transition(ctx context.Context, docID int64, from, to Stage) error {
	doc, err := m.docs.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("loading document %d: %w", docID, err)
	}
	if !hasTag(doc.Tags, string(from)) {
		return fmt.Errorf("document %d is at %q, expected %q: %w",
			docID, StatusOf(doc.Tags), from, ErrStageMismatch)
	}

	next := make([]string, 0, len(doc.Tags))
	for _, t := range doc.Tags {
		if !IsStage(t) {
			next = append(next, t)
		}
	}
	next = append(next, string(to))

	if err := m.docs.UpdateDocument(ctx, docID, archive.DocumentUpdate{Tags: &next}); err != nil {
		return fmt.Errorf("updating document %d tags: %w", docID, err)
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:   events.TypeStage,
			DocID:  docID,
			Detail: map[string]any{"from": string(from), "to": string(to)},
		})
	}
	slog.Debug("stage transition", "doc_id", docID, "from", from, "to", to)
	return nil
}

// AddLabel attaches a side label without touching the stage tag. Adding a
// label the document already carries is a no-op.
func (m *Machine) AddLabel(ctx context.Context, docID int64, label string) error {
	doc, err := m.docs.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("loading document %d: %w", docID, err)
	}
	if hasTag(doc.Tags, label) {
		return nil
	}
	next := append(append([]string(nil), doc.Tags...), label)
	if err := m.docs.UpdateDocument(ctx, docID, archive.DocumentUpdate{Tags: &next}); err != nil {
		return fmt.Errorf("updating document %d tags: %w", docID, err)
	}
	return nil
}

// RemoveLabel detaches a side label. Removing an absent label is a no-op.
func (m *Machine) RemoveLabel(ctx context.Context, docID int64, label string) error {
	doc, err := m.docs.GetDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("loading document %d: %w", docID, err)
	}
	if !hasTag(doc.Tags, label) {
		return nil
	}
	next := make([]string, 0, len(doc.Tags)-1)
	for _, t := range doc.Tags {
		if t != label {
			next = append(next, t)
		}
	}
	if err := m.docs.UpdateDocument(ctx, docID, archive.DocumentUpdate{Tags: &next}); err != nil {
		return fmt.Errorf("updating document %d tags: %w", docID, err)
	}
	return nil
}

// StatusOf reports the most advanced stage present in tags. Documents that
// carry no recognized stage tag report StageUnknown.
func StatusOf(tags []string) Stage {
	for i := len(Stages) - 1; i >= 0; i-- {
		if hasTag(tags, string(Stages[i])) {
			return Stages[i]
		}
	}
	return StageUnknown
}

// IsStage reports whether tag is one of the ordered progress stages.
func IsStage(tag string) bool {
	for _, s := range Stages {
		if string(s) == tag {
			return true
		}
	}
	return false
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
