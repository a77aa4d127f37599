package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ameya051/chat-with-pdf/internal/storage"
)

// Payload is the queued description of an uploaded document.
type Payload struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"original_name,omitempty"`
	Destination  string `json:"destination"`
	Path         string `json:"path"`
}

// JobEnqueuer durably records jobs.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Publisher notifies remote workers that a job is ready.
type Publisher interface {
	Publish(ctx context.Context, jobID string) error
}

// Queue records ingestion jobs and optionally announces them.
type Queue struct {
	store       JobEnqueuer
	publisher   Publisher
	maxAttempts int
	logger      *slog.Logger
}

// NewQueue returns a Queue. publisher may be nil.
func NewQueue(store JobEnqueuer, publisher Publisher, maxAttempts int) *Queue {
	return &Queue{store: store, publisher: publisher, maxAttempts: maxAttempts, logger: slog.Default()}
}

// Enqueue records a queued job for p and returns its id. It does not wait
// for processing. A failed announcement is logged only: the job row is
// already durable and pollers will pick it up.
func (q *Queue) Enqueue(ctx context.Context, p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshaling payload: %w", err)
	}

	id := uuid.New().String()
	job := storage.Job{
		ID:               id,
		Filename:         p.Filename,
		OriginalFilename: p.OriginalName,
		PayloadJSON:      string(body),
		MaxAttempts:      q.maxAttempts,
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}

	if q.publisher != nil {
		if err := q.publisher.Publish(ctx, id); err != nil {
			q.logger.WarnContext(ctx, "job announcement failed, relying on poller", "job_id", id, "error", err)
		}
	}
	q.logger.InfoContext(ctx, "job enqueued", "job_id", id, "filename", p.Filename)
	return id, nil
}
