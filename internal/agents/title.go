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

var titleSchema = loop.MustSchema("title_payload", `{
	"type": "object",
	"properties": {
		"suggestion": {"type": "string", "minLength": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"},
		"alternatives": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["suggestion", "confidence"]
}`)

// titleTask builds the loop task that names the document.
func (p *Processor) titleTask(_ context.Context, doc archive.Document) (loop.Task, error) {
	content := p.prepContent(doc.Content)
	return loop.Task{
		Type:       review.TypeTitle,
		DocID:      doc.ID,
		MaxRetries: p.opts.MaxRetries,
		Schema:     titleSchema,
		Analyze: p.analyze(templates.TitleAnalyze, analyzeFormat, func(feedback string) any {
			return map[string]any{
				"Feedback": feedback,
				"Content":  content,
			}
		}),
		Confirm: p.confirm(review.TypeTitle, doc),
		Apply: func(ctx context.Context, pl loop.Payload) (string, error) {
			title := strings.TrimSpace(pl.Suggestion)
			if err := p.deps.Docs.UpdateDocument(ctx, doc.ID, archive.DocumentUpdate{Title: &title}); err != nil {
				return "", err
			}
			return fmt.Sprintf("title set to %q", title), nil
		},
		Escalate: p.escalateToReview(doc, review.TypeTitle, pipeline.StageTitleDone, ""),
	}, nil
}
