package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const pageSize = 250

// Client communicates with a paperless-style document archive over its REST
// API. Tag, correspondent, document type, and custom field references are
// resolved to names on read and back to identifiers on write; lookup tables
// are cached and refreshed on miss.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu             sync.Mutex
	tags           *refCache
	correspondents *refCache
	documentTypes  *refCache
	customFields   *refCache
}

// New creates a Client targeting the given archive base URL, authenticating
// every request with the given API token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		httpClient:     &http.Client{Timeout: 0},
		tags:           newRefCache("/api/tags/"),
		correspondents: newRefCache("/api/correspondents/"),
		documentTypes:  newRefCache("/api/document_types/"),
		customFields:   newRefCache("/api/custom_fields/"),
	}
}

// wireDocument mirrors the archive's document JSON.
type wireDocument struct {
	ID            int64           `json:"id"`
	Title         string          `json:"title"`
	Content       string          `json:"content"`
	Tags          []int64         `json:"tags"`
	Correspondent *int64          `json:"correspondent"`
	DocumentType  *int64          `json:"document_type"`
	CustomFields  []wireFieldValue `json:"custom_fields"`
	Created       string          `json:"created"`
}

type wireFieldValue struct {
	Field int64 `json:"field"`
	Value any   `json:"value"`
}

type documentsPage struct {
	Count   int            `json:"count"`
	Next    *string        `json:"next"`
	Results []wireDocument `json:"results"`
}

// GetDocument fetches one document with references resolved to names.
func (c *Client) GetDocument(ctx context.Context, id int64) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var wd wireDocument
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/documents/%d/", id), nil, &wd); err != nil {
		return Document{}, err
	}
	return c.resolveDocument(ctx, wd)
}

func (c *Client) resolveDocument(ctx context.Context, wd wireDocument) (Document, error) {
	doc := Document{
		ID:      wd.ID,
		Title:   wd.Title,
		Content: wd.Content,
	}

	for _, tagID := range wd.Tags {
		name, err := c.refName(ctx, c.tags, tagID)
		if err != nil {
			return Document{}, fmt.Errorf("resolving tag %d: %w", tagID, err)
		}
		doc.Tags = append(doc.Tags, name)
	}

	if wd.Correspondent != nil {
		name, err := c.refName(ctx, c.correspondents, *wd.Correspondent)
		if err != nil {
			return Document{}, fmt.Errorf("resolving correspondent %d: %w", *wd.Correspondent, err)
		}
		doc.Correspondent = name
	}

	if wd.DocumentType != nil {
		name, err := c.refName(ctx, c.documentTypes, *wd.DocumentType)
		if err != nil {
			return Document{}, fmt.Errorf("resolving document type %d: %w", *wd.DocumentType, err)
		}
		doc.DocumentType = name
	}

	for _, fv := range wd.CustomFields {
		name, err := c.refName(ctx, c.customFields, fv.Field)
		if err != nil {
			return Document{}, fmt.Errorf("resolving custom field %d: %w", fv.Field, err)
		}
		doc.CustomFields = append(doc.CustomFields, CustomFieldValue{
			Name:  name,
			Value: stringifyFieldValue(fv.Value),
		})
	}

	if wd.Created != "" {
		t, err := parseArchiveTime(wd.Created)
		if err != nil {
			return Document{}, fmt.Errorf("parsing created for document %d: %w", wd.ID, err)
		}
		doc.CreatedAt = t
	}

	return doc, nil
}

// UpdateDocument applies a partial update in a single PATCH request. The
// archive serializes writes per document, so the whole update lands
// atomically from the point of view of other clients.
func (c *Client) UpdateDocument(ctx context.Context, id int64, upd DocumentUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	patch := make(map[string]any)

	if upd.Title != nil {
		patch["title"] = *upd.Title
	}
	if upd.Content != nil {
		patch["content"] = *upd.Content
	}
	if upd.Tags != nil {
		ids := make([]int64, 0, len(*upd.Tags))
		for _, name := range *upd.Tags {
			tagID, err := c.ensureRef(ctx, c.tags, name)
			if err != nil {
				return fmt.Errorf("resolving tag %q: %w", name, err)
			}
			ids = append(ids, tagID)
		}
		patch["tags"] = ids
	}
	if upd.Correspondent != nil {
		if *upd.Correspondent == "" {
			patch["correspondent"] = nil
		} else {
			refID, err := c.ensureRef(ctx, c.correspondents, *upd.Correspondent)
			if err != nil {
				return fmt.Errorf("resolving correspondent %q: %w", *upd.Correspondent, err)
			}
			patch["correspondent"] = refID
		}
	}
	if upd.DocumentType != nil {
		if *upd.DocumentType == "" {
			patch["document_type"] = nil
		} else {
			refID, err := c.ensureRef(ctx, c.documentTypes, *upd.DocumentType)
			if err != nil {
				return fmt.Errorf("resolving document type %q: %w", *upd.DocumentType, err)
			}
			patch["document_type"] = refID
		}
	}
	if upd.CustomFields != nil {
		values := make([]wireFieldValue, 0, len(*upd.CustomFields))
		for _, fv := range *upd.CustomFields {
			fieldID, err := c.ensureRef(ctx, c.customFields, fv.Name)
			if err != nil {
				return fmt.Errorf("resolving custom field %q: %w", fv.Name, err)
			}
			values = append(values, wireFieldValue{Field: fieldID, Value: fv.Value})
		}
		patch["custom_fields"] = values
	}

	if len(patch) == 0 {
		return nil
	}

	return c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/api/documents/%d/", id), patch, nil)
}

// ListDocumentIDs pages through the archive and returns matching document IDs
// in archive order.
func (c *Client) ListDocumentIDs(ctx context.Context, opts ListOptions) ([]int64, error) {
	params := url.Values{}
	params.Set("page_size", strconv.Itoa(pageSize))
	if opts.TagName != "" {
		tagID, err := c.refID(ctx, c.tags, opts.TagName)
		if err != nil {
			return nil, fmt.Errorf("resolving tag %q: %w", opts.TagName, err)
		}
		params.Set("tags__id__all", strconv.FormatInt(tagID, 10))
	}

	var ids []int64
	for page := 1; ; page++ {
		params.Set("page", strconv.Itoa(page))

		pageCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		var dp documentsPage
		err := c.doJSON(pageCtx, http.MethodGet, "/api/documents/?"+params.Encode(), nil, &dp)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("listing documents page %d: %w", page, err)
		}

		for _, wd := range dp.Results {
			ids = append(ids, wd.ID)
		}
		if dp.Next == nil || len(dp.Results) == 0 {
			break
		}
	}
	return ids, nil
}

// DownloadDocument fetches the original file for OCR. Returns the raw bytes
// and the Content-Type reported by the archive.
func (c *Client) DownloadDocument(ctx context.Context, id int64) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/api/documents/%d/download/", id), nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading document %d: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download document %d: unexpected status %d", id, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading document %d body: %w", id, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doJSON sends a request and decodes the JSON response into out (skipped when
// out is nil). 404 maps to ErrNotFound.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func stringifyFieldValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func parseArchiveTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
