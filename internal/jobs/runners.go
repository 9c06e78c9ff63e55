package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/ocr"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
	"github.com/docsmithlabs/docsmith/internal/review"
	"github.com/docsmithlabs/docsmith/internal/storage"
	"github.com/docsmithlabs/docsmith/internal/vector"
)

// runOCRBacklog extracts text for every document still at pending. With
// SkipExisting, documents that already carry enough content count as skipped
// and move straight to ocr_done.
func (m *Manager) runOCRBacklog(ctx context.Context, t *tracker, opts Options) error {
	t.setPhase("listing pending documents")
	ids, err := m.deps.Docs.ListDocumentIDs(ctx, archive.ListOptions{TagName: string(pipeline.StagePending)})
	if err != nil {
		return fmt.Errorf("listing pending documents: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	t.setTotal(len(ids))
	t.setPhase("extracting text")

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.pace(ctx); err != nil {
			return err
		}
		t.startUnit(id)

		switch extracted, err := m.ocrOne(ctx, id, opts.SkipExisting); {
		case errors.Is(err, pipeline.ErrStageMismatch):
			// Someone advanced the document since listing.
			t.skipped()
		case err != nil:
			t.errored(id, err)
		case extracted:
			t.processed()
		default:
			t.skipped()
		}
	}
	return nil
}

// ocrOne reports whether text was actually extracted; false with a nil error
// means the existing content was kept.
func (m *Manager) ocrOne(ctx context.Context, id int64, skipExisting bool) (bool, error) {
	doc, err := m.deps.Docs.GetDocument(ctx, id)
	if err != nil {
		return false, err
	}
	if skipExisting && len(strings.TrimSpace(doc.Content)) >= ocr.MinContentChars {
		err := m.deps.Machine.Transition(ctx, id, pipeline.StagePending, pipeline.StageOCRDone)
		return false, err
	}

	res, err := m.deps.Extractor.ExtractDocument(ctx, id)
	if err != nil {
		return false, err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return false, fmt.Errorf("ocr for document %d produced no text", id)
	}
	if err := m.deps.Docs.UpdateDocument(ctx, id, archive.DocumentUpdate{Content: &text}); err != nil {
		return false, err
	}
	if err := m.deps.Machine.Transition(ctx, id, pipeline.StagePending, pipeline.StageOCRDone); err != nil {
		return false, err
	}
	return true, nil
}

// runReindex re-embeds every document whose indexed text changed. Documents
// with an up-to-date index entry or no content count as skipped.
func (m *Manager) runReindex(ctx context.Context, t *tracker, _ Options) error {
	if m.deps.Index == nil || m.deps.Embedder == nil {
		return errors.New("similarity index not configured")
	}

	t.setPhase("listing documents")
	ids, err := m.deps.Docs.ListDocumentIDs(ctx, archive.ListOptions{})
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	t.setTotal(len(ids))
	t.setPhase("embedding")

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.pace(ctx); err != nil {
			return err
		}
		t.startUnit(id)

		switch indexed, err := m.reindexOne(ctx, id); {
		case err != nil:
			if ctx.Err() != nil {
				return err
			}
			t.errored(id, err)
		case indexed:
			t.processed()
		default:
			t.skipped()
		}
	}
	return nil
}

func (m *Manager) reindexOne(ctx context.Context, id int64) (bool, error) {
	doc, err := m.deps.Docs.GetDocument(ctx, id)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(doc.Content) == "" && strings.TrimSpace(doc.Title) == "" {
		return false, nil
	}
	hash := vector.ContentHash(doc.Title, doc.Content)
	needs, err := m.deps.Index.NeedsIndex(id, hash)
	if err != nil {
		return false, err
	}
	if !needs {
		return false, nil
	}
	emb, err := m.deps.Embedder.Embed(ctx, vector.EmbedText(doc.Title, doc.Content))
	if err != nil {
		return false, err
	}
	if err := m.deps.Index.Upsert(vector.Record{
		DocID: id, Title: doc.Title, ContentHash: hash, Embedding: emb,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// runSweep drives every document in a non-terminal stage through the
// extraction pipeline. Documents waiting on a review are skipped.
func (m *Manager) runSweep(ctx context.Context, t *tracker, _ Options) error {
	t.setPhase("collecting documents")
	var ids []int64
	seen := make(map[int64]bool)
	for _, stage := range pipeline.Stages[:len(pipeline.Stages)-1] {
		stageIDs, err := m.deps.Docs.ListDocumentIDs(ctx, archive.ListOptions{TagName: string(stage)})
		if err != nil {
			return fmt.Errorf("listing documents at %s: %w", stage, err)
		}
		for _, id := range stageIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	t.setTotal(len(ids))
	t.setPhase("processing")

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.pace(ctx); err != nil {
			return err
		}
		t.startUnit(id)

		doc, err := m.deps.Docs.GetDocument(ctx, id)
		if err != nil {
			t.errored(id, err)
			continue
		}
		if hasTagFold(doc.Tags, pipeline.LabelManualReview) {
			t.skipped()
			continue
		}
		if err := m.deps.Processor.Process(ctx, id); err != nil {
			if ctx.Err() != nil {
				return err
			}
			t.errored(id, err)
			continue
		}
		t.processed()
	}
	return nil
}

// runSchemaBootstrap scans the archive's tags and proposes schema cleanups
// as pending reviews: schema_delete for tags no document carries, and
// schema_merge for groups of tags that normalize to the same name. The scan
// position persists across runs; Skip advances it. Merge groups are built
// from the tags this run actually scanned.
func (m *Manager) runSchemaBootstrap(ctx context.Context, t *tracker, _ Options) error {
	t.setPhase("listing tags")
	tags, err := m.deps.Docs.ListTags(ctx)
	if err != nil {
		return fmt.Errorf("listing tags: %w", err)
	}
	names := schemaTagNames(tags)

	cursor, err := m.bootstrapCursor()
	if err != nil {
		return err
	}
	if cursor > len(names) {
		cursor = len(names)
	}
	t.setTotal(len(names) - cursor)

	proposed, err := m.openSchemaProposals()
	if err != nil {
		return err
	}

	type tagCount struct {
		name string
		docs int
	}
	var scanned []tagCount

	t.setPhase("scanning tags")
	for i := cursor; i < len(names); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.pace(ctx); err != nil {
			return err
		}
		name := names[i]

		ids, err := m.deps.Docs.ListDocumentIDs(ctx, archive.ListOptions{TagName: name})
		if err != nil {
			t.errored(0, fmt.Errorf("counting documents tagged %q: %w", name, err))
		} else {
			scanned = append(scanned, tagCount{name: name, docs: len(ids)})
			switch {
			case len(ids) > 0:
				t.processed()
			case proposed[review.Normalize(name)]:
				t.skipped()
			default:
				_, err := m.deps.Reviews.Enqueue(ctx, storage.ReviewItem{
					Type:       review.TypeSchemaDelete,
					Suggestion: name,
					Reasoning:  "no documents carry this tag",
				})
				if err != nil {
					t.errored(0, fmt.Errorf("proposing delete of tag %q: %w", name, err))
				} else {
					proposed[review.Normalize(name)] = true
					t.processed()
				}
			}
		}

		if err := m.setBootstrapCursor(i + 1); err != nil {
			return err
		}
	}

	t.setPhase("proposing merges")
	groups := make(map[string][]tagCount)
	for _, tc := range scanned {
		if tc.docs == 0 {
			continue
		}
		key := review.Normalize(tc.name)
		groups[key] = append(groups[key], tc)
	}
	for key, group := range groups {
		if len(group) < 2 || proposed[key] {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].docs > group[j].docs })
		target := group[0].name
		sources := make([]string, len(group))
		others := make([]string, 0, len(group)-1)
		for i, tc := range group {
			sources[i] = tc.name
			if i > 0 {
				others = append(others, tc.name)
			}
		}
		meta, _ := json.Marshal(map[string]any{"source_tags": sources})
		alts, _ := json.Marshal(others)
		_, err := m.deps.Reviews.Enqueue(ctx, storage.ReviewItem{
			Type:         review.TypeSchemaMerge,
			Suggestion:   target,
			Reasoning:    fmt.Sprintf("%d tags normalize to %q", len(group), key),
			Alternatives: string(alts),
			Metadata:     string(meta),
		})
		if err != nil {
			t.errored(0, fmt.Errorf("proposing merge into %q: %w", target, err))
		}
	}

	// A finished scan starts over next time.
	return m.setBootstrapCursor(0)
}

// schemaTagNames returns the archive tags eligible for schema review, sorted
// for a stable cursor. Stage and label tags belong to the pipeline, not the
// schema.
func schemaTagNames(tags []archive.Tag) []string {
	names := make([]string, 0, len(tags))
	for _, tg := range tags {
		if pipeline.IsStage(tg.Name) || tg.Name == pipeline.LabelFailed || tg.Name == pipeline.LabelManualReview {
			continue
		}
		names = append(names, tg.Name)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names
}

// openSchemaProposals returns the normalized suggestions of open schema
// reviews, so a rerun does not enqueue the same proposal twice.
func (m *Manager) openSchemaProposals() (map[string]bool, error) {
	proposed := make(map[string]bool)
	for _, typ := range []string{review.TypeSchemaMerge, review.TypeSchemaDelete} {
		items, err := m.deps.Reviews.List(typ)
		if err != nil {
			return nil, fmt.Errorf("listing open %s reviews: %w", typ, err)
		}
		for _, it := range items {
			proposed[review.Normalize(it.Suggestion)] = true
		}
	}
	return proposed, nil
}

func hasTagFold(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
