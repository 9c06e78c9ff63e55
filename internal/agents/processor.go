package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/loop"
	"github.com/docsmithlabs/docsmith/internal/ocr"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
	"github.com/docsmithlabs/docsmith/internal/vector"
)

// taskBuilder assembles the loop task for one field of one document.
type taskBuilder func(ctx context.Context, doc archive.Document) (loop.Task, error)

// Process drives one document from its current stage toward processed. The
// chain stops without error when an agent escalates; the document then
// waits at its current stage until the review is resolved. Any other
// failure attaches the failed label and is returned.
func (p *Processor) Process(ctx context.Context, docID int64) error {
	err := p.run(ctx, docID)
	if err != nil && ctx.Err() == nil {
		if lerr := p.deps.Machine.AddLabel(ctx, docID, pipeline.LabelFailed); lerr != nil {
			slog.Warn("marking document failed", "doc_id", docID, "error", lerr)
		}
	}
	return err
}

func (p *Processor) run(ctx context.Context, docID int64) error {
	// A fresh run supersedes an earlier failure.
	if err := p.deps.Machine.RemoveLabel(ctx, docID, pipeline.LabelFailed); err != nil {
		slog.Warn("clearing failed label", "doc_id", docID, "error", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc, err := p.deps.Docs.GetDocument(ctx, docID)
		if err != nil {
			return fmt.Errorf("loading document %d: %w", docID, err)
		}

		var cont bool
		switch stage := pipeline.StatusOf(doc.Tags); stage {
		case pipeline.StageProcessed:
			return nil
		case pipeline.StagePending:
			cont, err = p.stepOCR(ctx, doc)
		case pipeline.StageOCRDone:
			cont, err = p.extractField(ctx, doc, p.titleTask,
				pipeline.StageOCRDone, pipeline.StageTitleDone)
		case pipeline.StageTitleDone:
			cont, err = p.extractField(ctx, doc, p.correspondentTask,
				pipeline.StageTitleDone, pipeline.StageCorrespondentDone)
		case pipeline.StageCorrespondentDone:
			cont, err = p.extractField(ctx, doc, p.documentTypeTask,
				pipeline.StageCorrespondentDone, pipeline.StageDocumentTypeDone)
		case pipeline.StageDocumentTypeDone:
			cont, err = p.extractField(ctx, doc, p.tagsTask,
				pipeline.StageDocumentTypeDone, pipeline.StageTagsDone)
		case pipeline.StageTagsDone:
			cont, err = p.stepFinal(ctx, doc)
		default:
			return fmt.Errorf("document %d carries no pipeline stage", docID)
		}
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

// extractField runs one confirmation loop and advances the stage when the
// result was applied. An escalated run ends the chain without error.
func (p *Processor) extractField(ctx context.Context, doc archive.Document, build taskBuilder, from, to pipeline.Stage) (bool, error) {
	t, err := build(ctx, doc)
	if err != nil {
		return false, err
	}
	res := p.deps.Engine.Run(ctx, t)
	switch res.Status {
	case loop.StatusApplied:
		return p.advance(ctx, doc.ID, from, to)
	case loop.StatusEscalated:
		slog.Info("extraction escalated",
			"task", t.Type, "doc_id", doc.ID, "attempts", res.Attempts)
		return false, nil
	default:
		err := res.Err
		if err == nil {
			err = errors.New("loop run failed")
		}
		return false, fmt.Errorf("%s extraction for document %d: %w", t.Type, doc.ID, err)
	}
}

// advance runs one stage transition. A mismatch means another writer moved
// the document mid-run; the chain stops and leaves the document to them.
func (p *Processor) advance(ctx context.Context, docID int64, from, to pipeline.Stage) (bool, error) {
	err := p.deps.Machine.Transition(ctx, docID, from, to)
	if errors.Is(err, pipeline.ErrStageMismatch) {
		slog.Info("stage moved concurrently, stopping run", "doc_id", docID, "expected", from)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// stepOCR extracts text for a pending document. Documents that already
// carry enough content, for example when OCR ran outside this system, move
// on without touching the vision model.
func (p *Processor) stepOCR(ctx context.Context, doc archive.Document) (bool, error) {
	if len(strings.TrimSpace(doc.Content)) < ocr.MinContentChars {
		res, err := p.deps.Extractor.ExtractDocument(ctx, doc.ID)
		if err != nil {
			return false, fmt.Errorf("ocr for document %d: %w", doc.ID, err)
		}
		text := strings.TrimSpace(res.Text)
		if text == "" {
			return false, fmt.Errorf("ocr for document %d produced no text", doc.ID)
		}
		if err := p.deps.Docs.UpdateDocument(ctx, doc.ID, archive.DocumentUpdate{Content: &text}); err != nil {
			return false, fmt.Errorf("storing ocr content for document %d: %w", doc.ID, err)
		}
		slog.Info("ocr extracted",
			"doc_id", doc.ID, "source", res.Source, "pages", res.Pages, "chars", len(text))
	}
	return p.advance(ctx, doc.ID, pipeline.StagePending, pipeline.StageOCRDone)
}

// stepFinal finishes a document at tags_done: fill custom fields, refresh
// the similarity index, link related documents, then move to processed.
func (p *Processor) stepFinal(ctx context.Context, doc archive.Document) (bool, error) {
	if err := p.extractCustomFields(ctx, doc); err != nil {
		return false, err
	}
	p.indexDocument(ctx, doc)

	cands, err := p.linkCandidates(ctx, doc)
	if err != nil {
		slog.Warn("link candidate search failed", "doc_id", doc.ID, "error", err)
		cands = nil
	}
	if len(cands) == 0 {
		return p.advance(ctx, doc.ID, pipeline.StageTagsDone, pipeline.StageProcessed)
	}

	build := func(context.Context, archive.Document) (loop.Task, error) {
		return p.linksTask(doc, cands), nil
	}
	return p.extractField(ctx, doc, build, pipeline.StageTagsDone, pipeline.StageProcessed)
}

// extractCustomFields runs the custom-field loop. There is no review path
// for fields: an unconfirmed run is logged and the document still
// completes. Only context cancellation stops the chain here.
func (p *Processor) extractCustomFields(ctx context.Context, doc archive.Document) error {
	defs, err := p.deps.Docs.ListCustomFields(ctx)
	if err != nil {
		return fmt.Errorf("listing custom fields: %w", err)
	}
	if len(defs) == 0 {
		return nil
	}
	res := p.deps.Engine.Run(ctx, p.customFieldsTask(doc, defs))
	switch res.Status {
	case loop.StatusApplied:
	case loop.StatusEscalated:
		slog.Info("custom fields unconfirmed, skipped",
			"doc_id", doc.ID, "attempts", res.Attempts, "feedback", res.Feedback)
	default:
		if ctx.Err() != nil {
			return res.Err
		}
		slog.Warn("custom field extraction failed, skipped", "doc_id", doc.ID, "error", res.Err)
	}
	return nil
}

// indexDocument refreshes the document's similarity index entry. A failure
// here only costs link candidates for other documents, so it is logged and
// swallowed.
func (p *Processor) indexDocument(ctx context.Context, doc archive.Document) {
	if p.deps.Index == nil || p.deps.Embedder == nil {
		return
	}
	hash := vector.ContentHash(doc.Title, doc.Content)
	needs, err := p.deps.Index.NeedsIndex(doc.ID, hash)
	if err != nil {
		slog.Warn("index check failed", "doc_id", doc.ID, "error", err)
		return
	}
	if !needs {
		return
	}
	emb, err := p.deps.Embedder.Embed(ctx, vector.EmbedText(doc.Title, doc.Content))
	if err != nil {
		slog.Warn("embedding document failed", "doc_id", doc.ID, "error", err)
		return
	}
	if err := p.deps.Index.Upsert(vector.Record{
		DocID: doc.ID, Title: doc.Title, ContentHash: hash, Embedding: emb,
	}); err != nil {
		slog.Warn("index upsert failed", "doc_id", doc.ID, "error", err)
	}
}

// linkCandidates returns the most similar other documents from the index.
func (p *Processor) linkCandidates(ctx context.Context, doc archive.Document) ([]vector.ScoredDoc, error) {
	if p.deps.Index == nil || p.deps.Embedder == nil {
		return nil, nil
	}
	query, err := p.deps.Embedder.Embed(ctx, vector.EmbedText(doc.Title, doc.Content))
	if err != nil {
		return nil, err
	}
	// One extra hit because the document itself is usually in the index.
	hits, err := p.deps.Index.Search(query, p.opts.LinkCandidates+1)
	if err != nil {
		return nil, err
	}
	cands := make([]vector.ScoredDoc, 0, len(hits))
	for _, h := range hits {
		if h.DocID == doc.ID {
			continue
		}
		cands = append(cands, h)
	}
	if len(cands) > p.opts.LinkCandidates {
		cands = cands[:p.opts.LinkCandidates]
	}
	return cands, nil
}
