// Package httpapi exposes the daemon's control surface over HTTP: the review
// queue, the blocklist, job control, per-document triggers, and the live
// event stream. Everything except /health and /metrics sits behind bearer
// auth.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/events"
	"github.com/docsmithlabs/docsmith/internal/jobs"
	"github.com/docsmithlabs/docsmith/internal/metrics"
	"github.com/docsmithlabs/docsmith/internal/review"
	"github.com/docsmithlabs/docsmith/internal/vector"
)

const maxRequestBodySize = 1 << 20 // 1MB

// ArchiveReader is the slice of the archive client the handlers need.
type ArchiveReader interface {
	GetDocument(ctx context.Context, id int64) (archive.Document, error)
}

// DocProcessor drives one document through the extraction pipeline.
type DocProcessor interface {
	Process(ctx context.Context, docID int64) error
}

// Deps holds the collaborators behind the control surface. Collector and
// Index may be nil; the routes that need them degrade instead of failing.
type Deps struct {
	Reviews   *review.Service
	Jobs      *jobs.Manager
	Docs      ArchiveReader
	Processor DocProcessor
	Bus       *events.Bus
	Index     *vector.Index
	Collector *metrics.Collector
	Token     string
}

// NewHandler builds the control surface router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Collector != nil {
		r.Method(http.MethodGet, "/metrics", deps.Collector.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))

		r.Get("/reviews", handleListReviews(deps))
		r.Get("/reviews/similar", handleSimilarReviews(deps))
		r.Post("/reviews/{id}/approve", handleApproveReview(deps))
		r.Post("/reviews/{id}/reject", handleRejectReview(deps))
		r.Post("/reviews/merge", handleMergeReviews(deps))

		r.Get("/blocked", handleListBlocked(deps))
		r.Post("/blocked", handleAddBlocked(deps))
		r.Delete("/blocked/{id}", handleUnblock(deps))

		r.Post("/jobs/{name}/start", handleStartJob(deps))
		r.Get("/jobs/{name}/progress", handleJobProgress(deps))
		r.Post("/jobs/{name}/cancel", handleCancelJob(deps))
		r.Post("/jobs/{name}/skip", handleSkipJob(deps))

		r.Post("/documents/{id}/process", handleProcessDocument(deps))
		r.Get("/documents/{id}/status", handleDocumentStatus(deps))

		r.Get("/events", handleEventHistory(deps))
		r.Get("/events/ws", handleEventStream(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// StatusResponse is the aggregate picture behind GET /status.
type StatusResponse struct {
	ReviewsOpen int                      `json:"reviews_open"`
	Blocked     int                      `json:"blocked"`
	IndexedDocs int                      `json:"indexed_docs"`
	Jobs        map[string]jobs.Progress `json:"jobs"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Reviews.List("")
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing reviews: %v", err)
			return
		}
		blocked, err := deps.Reviews.ListBlocked()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing blocklist: %v", err)
			return
		}

		resp := StatusResponse{
			ReviewsOpen: len(items),
			Blocked:     len(blocked),
			Jobs:        make(map[string]jobs.Progress, len(jobs.Kinds)),
		}
		for _, kind := range jobs.Kinds {
			p, err := deps.Jobs.ProgressFor(kind)
			if err != nil {
				continue
			}
			resp.Jobs[string(kind)] = p
		}
		if deps.Index != nil {
			if n, err := deps.Index.Count(); err == nil {
				resp.IndexedDocs = n
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// decodeBody decodes a JSON request body into dst. An empty body leaves dst
// at its zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
