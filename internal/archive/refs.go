package archive

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// refCache caches one name/ID lookup table (tags, correspondents, document
// types, or custom fields). Guarded by Client.mu.
type refCache struct {
	path   string
	byID   map[int64]string
	byName map[string]int64
	defs   []wireRef
	loaded bool
}

func newRefCache(path string) *refCache {
	return &refCache{
		path:   path,
		byID:   make(map[int64]string),
		byName: make(map[string]int64),
	}
}

type wireRef struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	DataType string `json:"data_type,omitempty"`
}

type refsPage struct {
	Next    *string   `json:"next"`
	Results []wireRef `json:"results"`
}

func (c *Client) loadRefs(ctx context.Context, cache *refCache) error {
	cache.byID = make(map[int64]string)
	cache.byName = make(map[string]int64)
	cache.defs = cache.defs[:0]

	params := url.Values{}
	params.Set("page_size", strconv.Itoa(pageSize))

	for page := 1; ; page++ {
		params.Set("page", strconv.Itoa(page))

		pageCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		var rp refsPage
		err := c.doJSON(pageCtx, http.MethodGet, cache.path+"?"+params.Encode(), nil, &rp)
		cancel()
		if err != nil {
			return fmt.Errorf("loading %s page %d: %w", cache.path, page, err)
		}

		for _, r := range rp.Results {
			cache.byID[r.ID] = r.Name
			cache.byName[r.Name] = r.ID
			cache.defs = append(cache.defs, r)
		}
		if rp.Next == nil || len(rp.Results) == 0 {
			break
		}
	}

	cache.loaded = true
	return nil
}

// refName resolves an ID to its name, refreshing the cache once on miss.
func (c *Client) refName(ctx context.Context, cache *refCache, id int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !cache.loaded {
		if err := c.loadRefs(ctx, cache); err != nil {
			return "", err
		}
	}
	if name, ok := cache.byID[id]; ok {
		return name, nil
	}

	// Another client may have created it since the last load.
	if err := c.loadRefs(ctx, cache); err != nil {
		return "", err
	}
	if name, ok := cache.byID[id]; ok {
		return name, nil
	}
	return "", fmt.Errorf("id %d not present in %s", id, cache.path)
}

// refID resolves a name to its ID without creating it. The match falls back
// to case-insensitive, mirroring the archive's uniqueness rule.
func (c *Client) refID(ctx context.Context, cache *refCache, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !cache.loaded {
		if err := c.loadRefs(ctx, cache); err != nil {
			return 0, err
		}
	}
	if id, ok := lookupName(cache, name); ok {
		return id, nil
	}

	if err := c.loadRefs(ctx, cache); err != nil {
		return 0, err
	}
	if id, ok := lookupName(cache, name); ok {
		return id, nil
	}
	return 0, fmt.Errorf("%q not present in %s: %w", name, cache.path, ErrNotFound)
}

// ensureRef resolves a name to its ID, creating the resource when the archive
// does not know it yet.
func (c *Client) ensureRef(ctx context.Context, cache *refCache, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !cache.loaded {
		if err := c.loadRefs(ctx, cache); err != nil {
			return 0, err
		}
	}
	if id, ok := lookupName(cache, name); ok {
		return id, nil
	}

	if err := c.loadRefs(ctx, cache); err != nil {
		return 0, err
	}
	if id, ok := lookupName(cache, name); ok {
		return id, nil
	}

	body := map[string]any{"name": name}
	if cache == c.customFields {
		body["data_type"] = "string"
	}

	var created wireRef
	if err := c.doJSON(ctx, http.MethodPost, cache.path, body, &created); err != nil {
		return 0, fmt.Errorf("creating %q in %s: %w", name, cache.path, err)
	}

	cache.byID[created.ID] = created.Name
	cache.byName[created.Name] = created.ID
	cache.defs = append(cache.defs, created)
	return created.ID, nil
}

func lookupName(cache *refCache, name string) (int64, bool) {
	if id, ok := cache.byName[name]; ok {
		return id, true
	}
	for n, id := range cache.byName {
		if strings.EqualFold(n, name) {
			return id, true
		}
	}
	return 0, false
}

// EnsureTag returns the ID for the named tag, creating it when missing. The
// pipeline uses this at startup so every stage tag exists before the first
// transition.
func (c *Client) EnsureTag(ctx context.Context, name string) (int64, error) {
	return c.ensureRef(ctx, c.tags, name)
}

// DeleteTag removes the named tag from the archive. The archive detaches it
// from any documents still carrying it. Unknown names return ErrNotFound.
func (c *Client) DeleteTag(ctx context.Context, name string) error {
	id, err := c.refID(ctx, c.tags, name)
	if err != nil {
		return err
	}
	if err := c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/tags/%d/", id), nil, nil); err != nil {
		return fmt.Errorf("deleting tag %q: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags.loaded = false
	return nil
}

// ListTags returns all archive tags in archive order.
func (c *Client) ListTags(ctx context.Context) ([]Tag, error) {
	refs, err := c.listRefs(ctx, c.tags)
	if err != nil {
		return nil, err
	}
	tags := make([]Tag, len(refs))
	for i, r := range refs {
		tags[i] = Tag{ID: r.ID, Name: r.Name}
	}
	return tags, nil
}

// ListCorrespondents returns all archive correspondents.
func (c *Client) ListCorrespondents(ctx context.Context) ([]Correspondent, error) {
	refs, err := c.listRefs(ctx, c.correspondents)
	if err != nil {
		return nil, err
	}
	result := make([]Correspondent, len(refs))
	for i, r := range refs {
		result[i] = Correspondent{ID: r.ID, Name: r.Name}
	}
	return result, nil
}

// ListDocumentTypes returns all archive document types.
func (c *Client) ListDocumentTypes(ctx context.Context) ([]DocumentType, error) {
	refs, err := c.listRefs(ctx, c.documentTypes)
	if err != nil {
		return nil, err
	}
	result := make([]DocumentType, len(refs))
	for i, r := range refs {
		result[i] = DocumentType{ID: r.ID, Name: r.Name}
	}
	return result, nil
}

// ListCustomFields returns all archive custom field definitions.
func (c *Client) ListCustomFields(ctx context.Context) ([]CustomField, error) {
	refs, err := c.listRefs(ctx, c.customFields)
	if err != nil {
		return nil, err
	}
	result := make([]CustomField, len(refs))
	for i, r := range refs {
		result[i] = CustomField{ID: r.ID, Name: r.Name, DataType: r.DataType}
	}
	return result, nil
}

func (c *Client) listRefs(ctx context.Context, cache *refCache) ([]wireRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadRefs(ctx, cache); err != nil {
		return nil, err
	}
	refs := make([]wireRef, len(cache.defs))
	copy(refs, cache.defs)
	return refs, nil
}
