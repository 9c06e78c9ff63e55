package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
)

func handleProcessDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid document id: %v", err)
			return
		}

		if _, err := deps.Docs.GetDocument(r.Context(), docID); err != nil {
			if errors.Is(err, archive.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "document %d not found", docID)
				return
			}
			httpError(w, http.StatusBadGateway, "api_error", "fetching document: %v", err)
			return
		}

		// The run outlives the request, so it gets its own context.
		go func() {
			if err := deps.Processor.Process(context.Background(), docID); err != nil {
				slog.Error("processing document", "doc_id", docID, "error", err)
			}
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"doc_id": docID,
			"status": "processing",
		})
	}
}

func handleDocumentStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid document id: %v", err)
			return
		}

		doc, err := deps.Docs.GetDocument(r.Context(), docID)
		if errors.Is(err, archive.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "document %d not found", docID)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "fetching document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"doc_id": doc.ID,
			"title":  doc.Title,
			"stage":  pipeline.StatusOf(doc.Tags),
			"tags":   doc.Tags,
		})
	}
}
