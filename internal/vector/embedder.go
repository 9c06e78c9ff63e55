package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// maxEmbedRunes bounds the text sent to the embed endpoint. Embedding models
// truncate silently past their context window; cutting here keeps the indexed
// prefix predictable.
const maxEmbedRunes = 2000

// embedConcurrency bounds parallel embed calls so batch indexing does not
// overwhelm the inference server.
const embedConcurrency = 4

// TextEmbedder produces an embedding vector for a text.
type TextEmbedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Embedder binds a TextEmbedder to a fixed model.
type Embedder struct {
	client TextEmbedder
	model  string
}

// NewEmbedder creates an Embedder using the given client and model name.
func NewEmbedder(client TextEmbedder, model string) *Embedder {
	return &Embedder{client: client, model: model}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently,
// preserving input order. Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.client.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ContentHash fingerprints a document's indexed text. A document whose hash
// matches the stored one does not need re-embedding.
func ContentHash(title, content string) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// EmbedText shapes a document into the text that gets embedded: title first,
// then a bounded content prefix. Agents and the reindex job must produce the
// same shape or hashes stop matching.
func EmbedText(title, content string) string {
	text := strings.TrimSpace(title + "\n\n" + content)
	runes := []rune(text)
	if len(runes) > maxEmbedRunes {
		return string(runes[:maxEmbedRunes])
	}
	return text
}
