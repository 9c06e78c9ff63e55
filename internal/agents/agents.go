// Package agents parameterizes the confirmation loop for each document
// field (title, correspondent, document type, tags, custom fields, related
// documents) and drives documents through the pipeline stage by stage.
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
	"github.com/docsmithlabs/docsmith/internal/ocr"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
	"github.com/docsmithlabs/docsmith/internal/review"
	"github.com/docsmithlabs/docsmith/internal/storage"
	"github.com/docsmithlabs/docsmith/internal/templates"
	"github.com/docsmithlabs/docsmith/internal/textproc"
	"github.com/docsmithlabs/docsmith/internal/vector"
)

// Archive is the slice of the archive client the agents use.
type Archive interface {
	GetDocument(ctx context.Context, id int64) (archive.Document, error)
	UpdateDocument(ctx context.Context, id int64, upd archive.DocumentUpdate) error
	ListTags(ctx context.Context) ([]archive.Tag, error)
	ListCorrespondents(ctx context.Context) ([]archive.Correspondent, error)
	ListDocumentTypes(ctx context.Context) ([]archive.DocumentType, error)
	ListCustomFields(ctx context.Context) ([]archive.CustomField, error)
}

// Chatter is the chat surface of the inference client.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []inference.Message, jsonSchema *inference.Schema) (string, error)
}

// Deps collects the collaborators a Processor drives.
type Deps struct {
	Docs      Archive
	Inference Chatter
	Engine    *loop.Engine
	Machine   *pipeline.Machine
	Reviews   *review.Service
	Extractor *ocr.Extractor
	Templates *templates.Store
	// Index and Embedder are optional; without them document linking and
	// incremental indexing are skipped.
	Index    *vector.Index
	Embedder *vector.Embedder
}

// Options tunes extraction.
type Options struct {
	// DeepModel runs analyze steps, FastModel runs confirmations.
	DeepModel string
	FastModel string
	// MaxRetries bounds each confirmation loop.
	MaxRetries int
	// MaxTags caps how many tags the tag agent may attach.
	MaxTags int
	// ContentRunes bounds document content inside prompts.
	ContentRunes int
	// LinkCandidates caps similarity hits offered to the link agent.
	LinkCandidates int
}

func (o *Options) fillDefaults() {
	if o.MaxRetries < 1 {
		o.MaxRetries = 3
	}
	if o.MaxTags < 1 {
		o.MaxTags = 4
	}
	if o.ContentRunes < 1 {
		o.ContentRunes = 6000
	}
	if o.LinkCandidates < 1 {
		o.LinkCandidates = 5
	}
}

// Processor runs the extraction agents for single documents. It owns the
// stage transitions; loop apply steps only write field values.
type Processor struct {
	deps Deps
	opts Options
}

// NewProcessor creates a Processor. Zero option fields get defaults.
func NewProcessor(deps Deps, opts Options) *Processor {
	opts.fillDefaults()
	return &Processor{deps: deps, opts: opts}
}

// analyzeFormat is the structured-output format for single-value agents.
var analyzeFormat = &inference.Schema{
	Type: "object",
	Properties: map[string]inference.SchemaProperty{
		"suggestion":   {Type: "string", Description: "the suggested value"},
		"confidence":   {Type: "number", Description: "confidence between 0 and 1"},
		"reasoning":    {Type: "string", Description: "one sentence grounding the suggestion in the text"},
		"alternatives": {Type: "array", Items: &inference.SchemaProperty{Type: "string"}},
	},
	Required: []string{"suggestion", "confidence"},
}

// confirmFormat is the structured-output format for the confirm step.
var confirmFormat = &inference.Schema{
	Type: "object",
	Properties: map[string]inference.SchemaProperty{
		"confirmed": {Type: "boolean"},
		"feedback":  {Type: "string", Description: "one actionable sentence when rejecting"},
	},
	Required: []string{"confirmed"},
}

// prepContent normalizes and truncates document content for prompts.
func (p *Processor) prepContent(content string) string {
	return textproc.Truncate(textproc.Normalize(content), p.opts.ContentRunes)
}

// analyze builds the analyze step for one template: render the prompt, ask
// the deep model, extract the JSON body. Schema validation happens in the
// loop engine, not here.
func (p *Processor) analyze(tmplName string, format *inference.Schema, data func(feedback string) any) func(context.Context, string) (json.RawMessage, error) {
	return func(ctx context.Context, feedback string) (json.RawMessage, error) {
		prompt, err := p.deps.Templates.Render(tmplName, data(feedback))
		if err != nil {
			return nil, err
		}
		resp, err := p.deps.Inference.Chat(ctx, p.opts.DeepModel,
			[]inference.Message{{Role: "user", Content: prompt}}, format)
		if err != nil {
			return nil, err
		}
		text, err := inference.ExtractJSON(resp)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(text), nil
	}
}

// confirm builds the confirm step: the fast model re-reads the document and
// gives a verdict on the suggestion.
func (p *Processor) confirm(taskName string, doc archive.Document) func(context.Context, loop.Payload) (loop.Confirmation, error) {
	content := p.prepContent(doc.Content)
	return func(ctx context.Context, pl loop.Payload) (loop.Confirmation, error) {
		prompt, err := p.deps.Templates.Render(templates.Confirm, map[string]any{
			"Task":       taskName,
			"Suggestion": pl.Suggestion,
			"Reasoning":  pl.Reasoning,
			"Title":      doc.Title,
			"Content":    content,
		})
		if err != nil {
			return loop.Confirmation{}, err
		}
		resp, err := p.deps.Inference.Chat(ctx, p.opts.FastModel,
			[]inference.Message{{Role: "user", Content: prompt}}, confirmFormat)
		if err != nil {
			return loop.Confirmation{}, err
		}
		text, err := inference.ExtractJSON(resp)
		if err != nil {
			return loop.Confirmation{}, err
		}
		var conf loop.Confirmation
		if err := json.Unmarshal([]byte(text), &conf); err != nil {
			return loop.Confirmation{}, fmt.Errorf("decoding confirmation: %w", err)
		}
		return conf, nil
	}
}

// escalateToReview builds the escalation step: enqueue a pending review
// carrying the final payload and feedback, then mark the document for
// manual review. next is the stage an approval should advance to.
func (p *Processor) escalateToReview(doc archive.Document, taskType string, next pipeline.Stage, metadata string) func(context.Context, loop.State) error {
	return func(ctx context.Context, st loop.State) error {
		var alts string
		if len(st.Payload.Alternatives) > 0 {
			if b, err := json.Marshal(st.Payload.Alternatives); err == nil {
				alts = string(b)
			}
		}
		item := storage.ReviewItem{
			DocID:        doc.ID,
			DocTitle:     doc.Title,
			Type:         taskType,
			Suggestion:   st.Payload.Suggestion,
			Reasoning:    st.Payload.Reasoning,
			Alternatives: alts,
			Attempts:     st.Attempt,
			LastFeedback: st.Feedback,
			NextTag:      string(next),
			Metadata:     metadata,
		}
		if _, err := p.deps.Reviews.Enqueue(ctx, item); err != nil {
			return err
		}
		if err := p.deps.Machine.AddLabel(ctx, doc.ID, pipeline.LabelManualReview); err != nil {
			slog.Warn("tagging document for manual review", "doc_id", doc.ID, "error", err)
		}
		return nil
	}
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
