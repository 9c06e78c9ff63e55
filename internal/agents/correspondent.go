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

var correspondentSchema = loop.MustSchema("correspondent_payload", `{
	"type": "object",
	"properties": {
		"suggestion": {"type": "string", "minLength": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"},
		"alternatives": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["suggestion", "confidence"]
}`)

// correspondentTask builds the loop task that identifies the external party
// a document came from. Existing correspondents go into the prompt so the
// model reuses names instead of inventing near-duplicates.
func (p *Processor) correspondentTask(ctx context.Context, doc archive.Document) (loop.Task, error) {
	refs, err := p.deps.Docs.ListCorrespondents(ctx)
	if err != nil {
		return loop.Task{}, fmt.Errorf("listing correspondents: %w", err)
	}
	existing := make([]string, len(refs))
	for i, r := range refs {
		existing[i] = r.Name
	}
	content := p.prepContent(doc.Content)

	return loop.Task{
		Type:       review.TypeCorrespondent,
		DocID:      doc.ID,
		MaxRetries: p.opts.MaxRetries,
		Schema:     correspondentSchema,
		Analyze: p.analyze(templates.CorrespondentAnalyze, analyzeFormat, func(feedback string) any {
			return map[string]any{
				"Existing": existing,
				"Feedback": feedback,
				"Title":    doc.Title,
				"Content":  content,
			}
		}),
		Confirm: p.confirm(review.TypeCorrespondent, doc),
		Apply: func(ctx context.Context, pl loop.Payload) (string, error) {
			name := strings.TrimSpace(pl.Suggestion)
			if err := p.deps.Docs.UpdateDocument(ctx, doc.ID, archive.DocumentUpdate{Correspondent: &name}); err != nil {
				return "", err
			}
			return fmt.Sprintf("correspondent set to %q", name), nil
		},
		Escalate: p.escalateToReview(doc, review.TypeCorrespondent, pipeline.StageCorrespondentDone, ""),
	}, nil
}
