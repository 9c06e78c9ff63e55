package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/loop"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
	"github.com/docsmithlabs/docsmith/internal/review"
	"github.com/docsmithlabs/docsmith/internal/templates"
)

var documentTypeSchema = loop.MustSchema("document_type_payload", `{
	"type": "object",
	"properties": {
		"suggestion": {"type": "string", "minLength": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"},
		"alternatives": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["suggestion", "confidence"]
}`)

// documentTypeTask builds the loop task that classifies the document.
func (p *Processor) documentTypeTask(ctx context.Context, doc archive.Document) (loop.Task, error) {
	refs, err := p.deps.Docs.ListDocumentTypes(ctx)
	if err != nil {
		return loop.Task{}, fmt.Errorf("listing document types: %w", err)
	}
	existing := make([]string, len(refs))
	for i, r := range refs {
		existing[i] = r.Name
	}
	content := p.prepContent(doc.Content)

	return loop.Task{
		Type:       review.TypeDocumentType,
		DocID:      doc.ID,
		MaxRetries: p.opts.MaxRetries,
		Schema:     documentTypeSchema,
		Analyze: p.analyze(templates.DocumentTypeAnalyze, analyzeFormat, func(feedback string) any {
			return map[string]any{
				"Existing": existing,
				"Feedback": feedback,
				"Title":    doc.Title,
				"Content":  content,
			}
		}),
		Confirm: p.confirm(review.TypeDocumentType, doc),
		Apply: func(ctx context.Context, pl loop.Payload) (string, error) {
			name := strings.TrimSpace(pl.Suggestion)
			if err := p.deps.Docs.UpdateDocument(ctx, doc.ID, archive.DocumentUpdate{DocumentType: &name}); err != nil {
				return "", err
			}
			return fmt.Sprintf("document type set to %q", name), nil
		},
		Escalate: p.escalateToReview(doc, review.TypeDocumentType, pipeline.StageDocumentTypeDone, ""),
	}, nil
}
