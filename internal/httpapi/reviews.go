package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docsmithlabs/docsmith/internal/review"
	"github.com/docsmithlabs/docsmith/internal/storage"
)

// ApproveRequest carries the operator's decision for one review item. Chosen
// overrides the recorded suggestion when set.
type ApproveRequest struct {
	Chosen string `json:"chosen"`
}

type RejectRequest struct {
	Block         bool   `json:"block"`
	BlockGlobally bool   `json:"block_globally"`
	Reason        string `json:"reason"`
	Category      string `json:"category"`
}

type MergeRequest struct {
	IDs    []string `json:"ids"`
	Target string   `json:"target"`
}

// BlockRequest adds a blocklist entry without going through a rejection.
// Type is a review item type or "global".
type BlockRequest struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	Category string `json:"category"`
	DocID    int64  `json:"doc_id"`
}

func handleListReviews(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Reviews.List(r.URL.Query().Get("type"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing reviews: %v", err)
			return
		}

		if items == nil {
			items = []storage.ReviewItem{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(items)
	}
}

func handleSimilarReviews(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		groups, err := deps.Reviews.FindSimilar()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "grouping reviews: %v", err)
			return
		}

		if groups == nil {
			groups = []review.Group{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(groups)
	}
}

func handleApproveReview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req ApproveRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		applied, err := deps.Reviews.Approve(r.Context(), id, req.Chosen)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "review item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "approving review: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "approved",
			"applied": applied,
		})
	}
}

func handleRejectReview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req RejectRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Reviews.Reject(r.Context(), id, review.RejectOptions{
			Block:         req.Block,
			BlockGlobally: req.BlockGlobally,
			Reason:        req.Reason,
			Category:      req.Category,
		})
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "review item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rejecting review: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "rejected"})
	}
}

func handleMergeReviews(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MergeRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if len(req.IDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ids is required")
			return
		}
		if req.Target == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "target is required")
			return
		}

		if err := deps.Reviews.Merge(r.Context(), req.IDs, req.Target); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "merging reviews: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "merged",
			"target": req.Target,
			"count":  len(req.IDs),
		})
	}
}

func handleListBlocked(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		blocked, err := deps.Reviews.ListBlocked()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing blocklist: %v", err)
			return
		}

		if blocked == nil {
			blocked = []storage.BlockedSuggestion{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(blocked)
	}
}

func handleAddBlocked(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BlockRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		if req.Type == "" {
			req.Type = review.BlockGlobal
		}

		b, err := deps.Reviews.Block(req.Name, req.Type, req.Reason, req.Category, req.DocID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "blocking suggestion: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(b)
	}
}

func handleUnblock(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Reviews.Unblock(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "blocklist entry not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "unblocking suggestion: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}
