// Package vector provides document embeddings and brute-force cosine
// similarity search over the doc_vectors table.
package vector

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Record is one indexed document.
type Record struct {
	DocID       int64
	Title       string
	ContentHash string
	Embedding   []float32
	IndexedAt   time.Time
}

// ScoredDoc is a search hit.
type ScoredDoc struct {
	DocID int64
	Title string
	Score float32
}

// Index stores and searches document embeddings in SQLite. Brute-force
// cosine over a few thousand documents is well under query-time budgets;
// revisit with an ANN backend only if archives grow past ~100K documents.
type Index struct {
	db *sql.DB
}

// NewIndex wraps an existing *sql.DB. The doc_vectors table must already
// exist (created via storage migrations).
func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

// Upsert inserts or replaces the embedding row for a document.
func (ix *Index) Upsert(rec Record) error {
	indexedAt := rec.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now().UTC()
	}
	_, err := ix.db.Exec(`
		INSERT INTO doc_vectors (doc_id, title, content_hash, embedding, indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			title = excluded.title,
			content_hash = excluded.content_hash,
			embedding = excluded.embedding,
			indexed_at = excluded.indexed_at`,
		rec.DocID, rec.Title, rec.ContentHash, encodeFloat32s(rec.Embedding),
		indexedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting vector for document %d: %w", rec.DocID, err)
	}
	return nil
}

// NeedsIndex reports whether the document has no stored vector or its stored
// content hash differs from hash. Lets the reindex job skip unchanged
// documents without re-embedding them.
func (ix *Index) NeedsIndex(docID int64, hash string) (bool, error) {
	var stored string
	err := ix.db.QueryRow("SELECT content_hash FROM doc_vectors WHERE doc_id = ?", docID).Scan(&stored)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking vector for document %d: %w", docID, err)
	}
	return stored != hash, nil
}

// Delete removes a document's vector. Deleting an unindexed document is a
// no-op.
func (ix *Index) Delete(docID int64) error {
	_, err := ix.db.Exec("DELETE FROM doc_vectors WHERE doc_id = ?", docID)
	if err != nil {
		return fmt.Errorf("deleting vector for document %d: %w", docID, err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (ix *Index) Count() (int, error) {
	var count int
	err := ix.db.QueryRow("SELECT COUNT(*) FROM doc_vectors").Scan(&count)
	return count, err
}

// idScore holds only the document ID and score during the scan phase of
// Search. Titles are fetched only for the top-K winners.
type idScore struct {
	DocID int64
	Score float32
}

// Search returns the topK documents most similar to the query vector by
// cosine similarity. Returns nil for a zero query vector or an empty index.
func (ix *Index) Search(query []float32, topK int) ([]ScoredDoc, error) {
	if topK <= 0 {
		topK = 5
	}
	queryNorm := norm(query)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := ix.db.Query("SELECT doc_id, embedding FROM doc_vectors")
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer so the scan does not allocate per row.
	var buf []float32

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for document %d: %w", id, err)
		}
		score := cosine(query, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{DocID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{DocID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	// Fetch titles only for the winners.
	ids := make([]any, h.Len())
	scores := make(map[int64]float32, h.Len())
	for i := len(ids) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		ids[i] = item.DocID
		scores[item.DocID] = item.Score
	}

	titleQuery := "SELECT doc_id, title FROM doc_vectors WHERE doc_id IN (?" +
		strings.Repeat(",?", len(ids)-1) + ")"
	titleRows, err := ix.db.Query(titleQuery, ids...)
	if err != nil {
		return nil, fmt.Errorf("fetching titles: %w", err)
	}
	defer titleRows.Close()

	var results []ScoredDoc
	for titleRows.Next() {
		var d ScoredDoc
		if err := titleRows.Scan(&d.DocID, &d.Title); err != nil {
			return nil, fmt.Errorf("scanning title row: %w", err)
		}
		d.Score = scores[d.DocID]
		results = append(results, d)
	}
	if err := titleRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating title rows: %w", err)
	}

	// The IN query does not preserve order; insertion sort is fine at topK sizes.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
	return results, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, reusing its
// backing array when large enough. A length that is not a multiple of 4
// means the stored blob is corrupt.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|), with aNorm precomputed by the
// caller. Mismatched lengths and zero vectors score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score, used to track the
// current top-K during the scan.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
