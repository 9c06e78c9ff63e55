package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/storage"
)

// RelatedField is the custom field that stores document links.
const RelatedField = "related_documents"

// apply writes an approved value to the archive. One branch per item type.
func (s *Service) apply(ctx context.Context, item storage.ReviewItem, value string) (string, error) {
	switch item.Type {
	case TypeCorrespondent:
		err := s.docs.UpdateDocument(ctx, item.DocID, archive.DocumentUpdate{Correspondent: &value})
		return "correspondent set to " + value, err
	case TypeDocumentType:
		err := s.docs.UpdateDocument(ctx, item.DocID, archive.DocumentUpdate{DocumentType: &value})
		return "document type set to " + value, err
	case TypeTitle:
		err := s.docs.UpdateDocument(ctx, item.DocID, archive.DocumentUpdate{Title: &value})
		return "title set to " + value, err
	case TypeTag:
		return s.applyTags(ctx, item.DocID, value)
	case TypeDocumentLink:
		return s.applyDocumentLinks(ctx, item.DocID, value)
	case TypeSchemaMerge:
		return s.applySchemaMerge(ctx, item, value)
	case TypeSchemaDelete:
		return s.applySchemaDelete(ctx, value)
	default:
		return "", fmt.Errorf("no applier for review type %q", item.Type)
	}
}

// applyTags adds the suggested tags (a comma-separated list) to the document,
// skipping ones it already carries.
func (s *Service) applyTags(ctx context.Context, docID int64, value string) (string, error) {
	doc, err := s.docs.GetDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	tags := append([]string(nil), doc.Tags...)
	added := 0
	for _, t := range SplitList(value) {
		if !containsFold(tags, t) {
			tags = append(tags, t)
			added++
		}
	}
	if added == 0 {
		return "tags already present", nil
	}
	if err := s.docs.UpdateDocument(ctx, docID, archive.DocumentUpdate{Tags: &tags}); err != nil {
		return "", err
	}
	return fmt.Sprintf("added %d tags", added), nil
}

// applyDocumentLinks records the linked document IDs in the related-documents
// custom field.
func (s *Service) applyDocumentLinks(ctx context.Context, docID int64, value string) (string, error) {
	doc, err := s.docs.GetDocument(ctx, docID)
	if err != nil {
		return "", err
	}
	fields := setField(doc.CustomFields, RelatedField, value)
	if err := s.docs.UpdateDocument(ctx, docID, archive.DocumentUpdate{CustomFields: &fields}); err != nil {
		return "", err
	}
	return "linked documents recorded", nil
}

// applySchemaMerge retags every document carrying one of the source tags to
// the target, then deletes the source tags from the archive.
func (s *Service) applySchemaMerge(ctx context.Context, item storage.ReviewItem, target string) (string, error) {
	var meta struct {
		SourceTags []string `json:"source_tags"`
	}
	if item.Metadata != "" {
		if err := json.Unmarshal([]byte(item.Metadata), &meta); err != nil {
			return "", fmt.Errorf("decoding merge metadata: %w", err)
		}
	}

	moved := 0
	for _, src := range meta.SourceTags {
		if strings.EqualFold(src, target) {
			continue
		}
		ids, err := s.docs.ListDocumentIDs(ctx, archive.ListOptions{TagName: src})
		if err != nil {
			return "", fmt.Errorf("listing documents tagged %q: %w", src, err)
		}
		for _, id := range ids {
			if err := s.retagDocument(ctx, id, src, target); err != nil {
				return "", err
			}
			moved++
		}
		if err := s.docs.DeleteTag(ctx, src); err != nil && !errors.Is(err, archive.ErrNotFound) {
			return "", err
		}
	}
	return fmt.Sprintf("merged %d documents into tag %q", moved, target), nil
}

// applySchemaDelete removes the tag from the archive; the archive detaches
// it from any remaining documents.
func (s *Service) applySchemaDelete(ctx context.Context, name string) (string, error) {
	if err := s.docs.DeleteTag(ctx, name); err != nil && !errors.Is(err, archive.ErrNotFound) {
		return "", err
	}
	return fmt.Sprintf("deleted tag %q", name), nil
}

func (s *Service) retagDocument(ctx context.Context, id int64, from, to string) error {
	doc, err := s.docs.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("loading document %d: %w", id, err)
	}
	tags := make([]string, 0, len(doc.Tags))
	hasTarget := false
	for _, t := range doc.Tags {
		if strings.EqualFold(t, from) {
			continue
		}
		if strings.EqualFold(t, to) {
			hasTarget = true
		}
		tags = append(tags, t)
	}
	if !hasTarget {
		tags = append(tags, to)
	}
	if err := s.docs.UpdateDocument(ctx, id, archive.DocumentUpdate{Tags: &tags}); err != nil {
		return fmt.Errorf("retagging document %d: %w", id, err)
	}
	return nil
}

// SplitList splits a comma-separated suggestion into trimmed non-empty
// values.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setField(fields []archive.CustomFieldValue, name, value string) []archive.CustomFieldValue {
	out := append([]archive.CustomFieldValue(nil), fields...)
	for i := range out {
		if strings.EqualFold(out[i].Name, name) {
			out[i].Value = value
			return out
		}
	}
	return append(out, archive.CustomFieldValue{Name: name, Value: value})
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
