package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ameya051/chat-with-pdf/internal/storage"
)

// JobView is the public shape of a job row.
type JobView struct {
	ID               string    `json:"id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename,omitempty"`
	Status           string    `json:"status"`
	Attempts         int       `json:"attempts"`
	MaxAttempts      int       `json:"max_attempts"`
	LastError        string    `json:"last_error,omitempty"`
	FailureKind      string    `json:"failure_kind,omitempty"`
	RunAfter         time.Time `json:"run_after"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DisplayName prefers the uploaded name over the stored one.
func (v JobView) DisplayName() string {
	if v.OriginalFilename != "" {
		return v.OriginalFilename
	}
	return v.Filename
}

func NewJobView(j storage.Job) JobView {
	return JobView{
		ID:               j.ID,
		Filename:         j.Filename,
		OriginalFilename: j.OriginalFilename,
		Status:           string(j.Status),
		Attempts:         j.Attempts,
		MaxAttempts:      j.MaxAttempts,
		LastError:        j.LastError,
		FailureKind:      j.FailureKind,
		RunAfter:         j.RunAfter,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
}

// StatusView summarises queue and store state.
type StatusView struct {
	Jobs   map[storage.JobStatus]int `json:"jobs"`
	Chunks *int                      `json:"chunks,omitempty"`
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Jobs.GetJob(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "job %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, NewJobView(job))
	}
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := storage.JobStatus(r.URL.Query().Get("status"))
		switch status {
		case "", storage.JobQueued, storage.JobProcessing, storage.JobDone, storage.JobFailed:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}
		limit := parseIntParam(r, "limit", 20, 200)

		jobs, err := deps.Jobs.ListJobs(r.Context(), status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		views := make([]JobView, len(jobs))
		for i, j := range jobs {
			views[i] = NewJobView(j)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		counts, err := deps.Jobs.CountJobs(ctx)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
			return
		}
		view := StatusView{Jobs: counts}
		if deps.Chunks != nil {
			n, err := deps.Chunks.Count(ctx)
			if err != nil {
				httpError(w, http.StatusBadGateway, "vector_store_read_error", "failed to count chunks: %v", err)
				return
			}
			view.Chunks = &n
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return defaultVal
	}
	if v > maxVal {
		return maxVal
	}
	return v
}
