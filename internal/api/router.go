// Package api exposes the upload, chat and job endpoints over HTTP and the
// same operations as MCP tools.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ameya051/chat-with-pdf/internal/ingest"
	"github.com/ameya051/chat-with-pdf/internal/query"
	"github.com/ameya051/chat-with-pdf/internal/retrieval"
	"github.com/ameya051/chat-with-pdf/internal/storage"
	"github.com/ameya051/chat-with-pdf/internal/stream"
)

// Enqueuer records an ingestion job for an uploaded file.
type Enqueuer interface {
	Enqueue(ctx context.Context, p ingest.Payload) (string, error)
}

// Answerer answers questions whole, streamed, or as raw matches.
type Answerer interface {
	Answer(ctx context.Context, question string) (query.Answer, error)
	Stream(ctx context.Context, question string, emit func(stream.Event) error) error
	Search(ctx context.Context, query string, limit int) ([]retrieval.Match, error)
}

// JobReader reads job rows for diagnosis.
type JobReader interface {
	GetJob(ctx context.Context, id string) (storage.Job, error)
	ListJobs(ctx context.Context, status storage.JobStatus, limit int) ([]storage.Job, error)
	CountJobs(ctx context.Context) (map[storage.JobStatus]int, error)
}

// ChunkCounter reports how many chunks the vector store holds.
type ChunkCounter interface {
	Count(ctx context.Context) (int, error)
}

const defaultMaxUpload = 50 << 20

// Deps holds what the HTTP handlers need.
type Deps struct {
	Queue          Enqueuer
	Query          Answerer
	Jobs           JobReader
	Chunks         ChunkCounter // optional
	UploadDir      string
	MaxUploadBytes int64
	Token          string // optional bearer token
	Logger         *slog.Logger
}

// NewRouter returns the HTTP API.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultMaxUpload
	}
	if deps.UploadDir == "" {
		deps.UploadDir = "uploads"
	}

	r := chi.NewRouter()
	r.Use(CorrelationID)

	r.Get("/", handleRoot)
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/upload/pdf", handleUpload(deps))
		r.Get("/chat", handleChat(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/status", handleStatus(deps))
	})

	return r
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "All Good!"})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
