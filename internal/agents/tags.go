package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/inference"
	"github.com/docsmithlabs/docsmith/internal/loop"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
	"github.com/docsmithlabs/docsmith/internal/review"
	"github.com/docsmithlabs/docsmith/internal/templates"
)

var tagsSchema = loop.MustSchema("tags_payload", `{
	"type": "object",
	"properties": {
		"suggestion": {"type": "string", "minLength": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
		"alternatives": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["suggestion", "confidence", "tags"]
}`)

// tagsFormat extends the envelope with the tag list itself.
var tagsFormat = &inference.Schema{
	Type: "object",
	Properties: map[string]inference.SchemaProperty{
		"suggestion": {Type: "string", Description: "chosen tags as one comma-separated string"},
		"confidence": {Type: "number"},
		"reasoning":  {Type: "string"},
		"tags":       {Type: "array", Items: &inference.SchemaProperty{Type: "string"}},
	},
	Required: []string{"suggestion", "confidence", "tags"},
}

// tagsPayload is the task-specific slice of the analyze output.
type tagsPayload struct {
	Tags []string `json:"tags"`
}

// tagsTask builds the loop task that attaches topical tags. Stage tags and
// side labels never appear in the prompt's existing list.
func (p *Processor) tagsTask(ctx context.Context, doc archive.Document) (loop.Task, error) {
	all, err := p.deps.Docs.ListTags(ctx)
	if err != nil {
		return loop.Task{}, fmt.Errorf("listing tags: %w", err)
	}
	var existing []string
	for _, tg := range all {
		if pipeline.IsStage(tg.Name) || tg.Name == pipeline.LabelFailed || tg.Name == pipeline.LabelManualReview {
			continue
		}
		existing = append(existing, tg.Name)
	}
	content := p.prepContent(doc.Content)

	return loop.Task{
		Type:       review.TypeTag,
		DocID:      doc.ID,
		MaxRetries: p.opts.MaxRetries,
		Schema:     tagsSchema,
		Analyze: p.analyze(templates.TagsAnalyze, tagsFormat, func(feedback string) any {
			return map[string]any{
				"MaxTags":  p.opts.MaxTags,
				"Existing": existing,
				"Feedback": feedback,
				"Title":    doc.Title,
				"Content":  content,
			}
		}),
		Confirm: p.confirm(review.TypeTag, doc),
		Apply: func(ctx context.Context, pl loop.Payload) (string, error) {
			var tp tagsPayload
			if err := json.Unmarshal(pl.Raw, &tp); err != nil || len(tp.Tags) == 0 {
				tp.Tags = review.SplitList(pl.Suggestion)
			}
			if len(tp.Tags) > p.opts.MaxTags {
				tp.Tags = tp.Tags[:p.opts.MaxTags]
			}
			return p.applyTags(ctx, doc.ID, tp.Tags)
		},
		Escalate: p.escalateToReview(doc, review.TypeTag, pipeline.StageTagsDone, ""),
	}, nil
}

// applyTags merges chosen tags into the document's tag set, leaving the
// stage tag and side labels untouched. The engine blocklist-checks the
// combined suggestion string; single tags are checked here so one blocked
// name cannot ride in on a list.
func (p *Processor) applyTags(ctx context.Context, docID int64, chosen []string) (string, error) {
	doc, err := p.deps.Docs.GetDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	next := append([]string(nil), doc.Tags...)
	added := 0
	for _, tag := range chosen {
		tag = strings.TrimSpace(tag)
		if tag == "" || pipeline.IsStage(tag) || containsFold(next, tag) {
			continue
		}
		reason, blocked, err := p.deps.Reviews.IsBlocked(tag, review.TypeTag)
		if err != nil {
			return "", fmt.Errorf("blocklist lookup for %q: %w", tag, err)
		}
		if blocked {
			slog.Info("blocked tag dropped", "doc_id", docID, "tag", tag, "reason", reason)
			continue
		}
		next = append(next, tag)
		added++
	}
	if added == 0 {
		return "no new tags", nil
	}
	if err := p.deps.Docs.UpdateDocument(ctx, docID, archive.DocumentUpdate{Tags: &next}); err != nil {
		return "", err
	}
	return fmt.Sprintf("added %d tags", added), nil
}
