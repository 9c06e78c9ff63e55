package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docsmithlabs/docsmith/internal/jobs"
)

// SkipRequest advances a job's persistent cursor past Count items.
type SkipRequest struct {
	Count int `json:"count"`
}

func handleStartJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := jobs.ParseKind(chi.URLParam(r, "name"))
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}

		var opts jobs.Options
		if err := decodeBody(w, r, &opts); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if err := deps.Jobs.Start(kind, opts); err != nil {
			if errors.Is(err, jobs.ErrBusy) {
				httpError(w, http.StatusConflict, "conflict", "job %s is already running", kind)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "starting job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "started",
			"job":    string(kind),
		})
	}
}

func handleJobProgress(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := jobs.ParseKind(chi.URLParam(r, "name"))
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}

		p, err := deps.Jobs.ProgressFor(kind)
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p)
	}
}

func handleCancelJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := jobs.ParseKind(chi.URLParam(r, "name"))
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}

		if err := deps.Jobs.Cancel(kind); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cancelling job: %v", err)
			return
		}

		p, err := deps.Jobs.ProgressFor(kind)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading progress: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p)
	}
}

func handleSkipJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := jobs.ParseKind(chi.URLParam(r, "name"))
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}

		var req SkipRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Count < 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "count must be positive")
			return
		}

		cursor, err := deps.Jobs.Skip(kind, req.Count)
		if errors.Is(err, jobs.ErrNotSkippable) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if errors.Is(err, jobs.ErrBusy) {
			httpError(w, http.StatusConflict, "conflict", "job %s is running, cursor is owned by the run", kind)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "skipping: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"cursor": cursor})
	}
}
