package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/loop"
	"github.com/docsmithlabs/docsmith/internal/templates"
)

// TaskCustomField names the custom-field loop in events and metrics. It is
// not a review type: unconfirmed fields are skipped, never escalated.
const TaskCustomField = "custom_field"

var customFieldsSchema = loop.MustSchema("custom_fields_payload", `{
	"type": "object",
	"properties": {
		"suggestion": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"},
		"fields": {
			"type": "object",
			"additionalProperties": {"type": ["string", "number", "boolean"]}
		}
	},
	"required": ["suggestion", "confidence", "fields"]
}`)

// customFieldsPayload is the task-specific slice of the analyze output.
type customFieldsPayload struct {
	Fields map[string]any `json:"fields"`
}

// customFieldsTask builds the loop task that fills archive custom fields.
// The fields map does not fit the flat wire-format schema, so the analyze
// call runs without one and relies on prompt plus payload validation.
func (p *Processor) customFieldsTask(doc archive.Document, defs []archive.CustomField) loop.Task {
	fieldData := make([]map[string]string, len(defs))
	for i, d := range defs {
		fieldData[i] = map[string]string{"Name": d.Name, "DataType": d.DataType}
	}
	content := p.prepContent(doc.Content)

	return loop.Task{
		Type:       TaskCustomField,
		DocID:      doc.ID,
		MaxRetries: p.opts.MaxRetries,
		Schema:     customFieldsSchema,
		Analyze: p.analyze(templates.CustomFieldsAnalyze, nil, func(feedback string) any {
			return map[string]any{
				"Fields":   fieldData,
				"Feedback": feedback,
				"Title":    doc.Title,
				"Content":  content,
			}
		}),
		Confirm: p.confirm(TaskCustomField, doc),
		Apply: func(ctx context.Context, pl loop.Payload) (string, error) {
			var cp customFieldsPayload
			if err := json.Unmarshal(pl.Raw, &cp); err != nil {
				return "", fmt.Errorf("decoding fields: %w", err)
			}
			return p.applyCustomFields(ctx, doc.ID, defs, cp.Fields)
		},
	}
}

// applyCustomFields writes extracted values for defined fields, merging
// with values the document already carries. Names the archive does not
// define are dropped.
func (p *Processor) applyCustomFields(ctx context.Context, docID int64, defs []archive.CustomField, values map[string]any) (string, error) {
	doc, err := p.deps.Docs.GetDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	merged := append([]archive.CustomFieldValue(nil), doc.CustomFields...)
	set := 0
	for name, val := range values {
		def, ok := findField(defs, name)
		if !ok {
			slog.Debug("undefined custom field skipped", "doc_id", docID, "field", name)
			continue
		}
		sval := stringifyFieldValue(val)
		if sval == "" {
			continue
		}
		merged = upsertFieldValue(merged, def.Name, sval)
		set++
	}
	if set == 0 {
		return "no fields filled", nil
	}
	if err := p.deps.Docs.UpdateDocument(ctx, docID, archive.DocumentUpdate{CustomFields: &merged}); err != nil {
		return "", err
	}
	return fmt.Sprintf("set %d custom fields", set), nil
}

func findField(defs []archive.CustomField, name string) (archive.CustomField, bool) {
	for _, d := range defs {
		if strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return archive.CustomField{}, false
}

// upsertFieldValue replaces the named value or appends it.
func upsertFieldValue(values []archive.CustomFieldValue, name, value string) []archive.CustomFieldValue {
	for i, v := range values {
		if strings.EqualFold(v.Name, name) {
			values[i].Value = value
			return values
		}
	}
	return append(values, archive.CustomFieldValue{Name: name, Value: value})
}

func stringifyFieldValue(val any) string {
	switch v := val.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
