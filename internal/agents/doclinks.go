package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/inference"
	"github.com/docsmithlabs/docsmith/internal/loop"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
	"github.com/docsmithlabs/docsmith/internal/review"
	"github.com/docsmithlabs/docsmith/internal/templates"
	"github.com/docsmithlabs/docsmith/internal/vector"
)

// An empty links array is a valid answer, so suggestion has no minimum
// length here.
var linksSchema = loop.MustSchema("document_links_payload", `{
	"type": "object",
	"properties": {
		"suggestion": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"},
		"links": {"type": "array", "items": {"type": "integer"}}
	},
	"required": ["links", "confidence"]
}`)

var linksFormat = &inference.Schema{
	Type: "object",
	Properties: map[string]inference.SchemaProperty{
		"suggestion": {Type: "string", Description: "chosen candidate ids as one comma-separated string"},
		"confidence": {Type: "number"},
		"reasoning":  {Type: "string"},
		"links":      {Type: "array", Items: &inference.SchemaProperty{Type: "integer"}},
	},
	Required: []string{"links", "confidence"},
}

// linksPayload is the task-specific slice of the analyze output.
type linksPayload struct {
	Links []int64 `json:"links"`
}

// linksTask builds the loop task that records related documents, chosen
// from similarity-search candidates.
func (p *Processor) linksTask(doc archive.Document, cands []vector.ScoredDoc) loop.Task {
	candData := make([]map[string]any, len(cands))
	allowed := make(map[int64]bool, len(cands))
	for i, c := range cands {
		candData[i] = map[string]any{"DocID": c.DocID, "Title": c.Title}
		allowed[c.DocID] = true
	}
	content := p.prepContent(doc.Content)

	return loop.Task{
		Type:       review.TypeDocumentLink,
		DocID:      doc.ID,
		MaxRetries: p.opts.MaxRetries,
		Schema:     linksSchema,
		Analyze: p.analyze(templates.DocumentLinksAnalyze, linksFormat, func(feedback string) any {
			return map[string]any{
				"Candidates": candData,
				"Feedback":   feedback,
				"Title":      doc.Title,
				"Content":    content,
			}
		}),
		Confirm: p.confirm(review.TypeDocumentLink, doc),
		Apply: func(ctx context.Context, pl loop.Payload) (string, error) {
			var lp linksPayload
			if err := json.Unmarshal(pl.Raw, &lp); err != nil {
				return "", fmt.Errorf("decoding links: %w", err)
			}
			// The model occasionally invents ids; only offered candidates count.
			var ids []string
			for _, id := range lp.Links {
				if allowed[id] {
					ids = append(ids, strconv.FormatInt(id, 10))
				}
			}
			if len(ids) == 0 {
				return "no related documents", nil
			}
			return p.applyLinks(ctx, doc.ID, ids)
		},
		Escalate: p.escalateToReview(doc, review.TypeDocumentLink, pipeline.StageProcessed, ""),
	}
}

// applyLinks stores the related-document ids in the shared custom field the
// review applier also writes.
func (p *Processor) applyLinks(ctx context.Context, docID int64, ids []string) (string, error) {
	doc, err := p.deps.Docs.GetDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	merged := upsertFieldValue(
		append([]archive.CustomFieldValue(nil), doc.CustomFields...),
		review.RelatedField, strings.Join(ids, ", "),
	)
	if err := p.deps.Docs.UpdateDocument(ctx, docID, archive.DocumentUpdate{CustomFields: &merged}); err != nil {
		return "", err
	}
	return fmt.Sprintf("linked %d documents", len(ids)), nil
}
