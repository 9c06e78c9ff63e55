package archive

import (
	"errors"
	"time"
)

// ErrNotFound is returned when the archive reports 404 for a resource.
var ErrNotFound = errors.New("archive: not found")

// Document is an archive document with references resolved to names. Tags
// holds tag names, Correspondent and DocumentType are empty when unset.
type Document struct {
	ID            int64
	Title         string
	Content       string
	Tags          []string
	Correspondent string
	DocumentType  string
	CustomFields  []CustomFieldValue
	CreatedAt     time.Time
}

// DocumentUpdate is a partial document update. Nil fields are left untouched;
// a non-nil field replaces the stored value wholesale. Referenced tags,
// correspondents, and document types are created on demand.
type DocumentUpdate struct {
	Title         *string
	Content       *string
	Tags          *[]string
	Correspondent *string
	DocumentType  *string
	CustomFields  *[]CustomFieldValue
}

// CustomFieldValue pairs a custom field name with its value for one document.
type CustomFieldValue struct {
	Name  string
	Value string
}

// Tag is an archive tag.
type Tag struct {
	ID   int64
	Name string
}

// Correspondent is an archive correspondent.
type Correspondent struct {
	ID   int64
	Name string
}

// DocumentType is an archive document type.
type DocumentType struct {
	ID   int64
	Name string
}

// CustomField is an archive custom field definition.
type CustomField struct {
	ID       int64
	Name     string
	DataType string
}

// ListOptions narrows ListDocumentIDs. The zero value selects every document.
type ListOptions struct {
	// TagName restricts results to documents carrying the named tag.
	TagName string
}
