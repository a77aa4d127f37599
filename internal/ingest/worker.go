package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
	"github.com/ameya051/chat-with-pdf/internal/retrieval"
	"github.com/ameya051/chat-with-pdf/internal/storage"
)

// JobStore abstracts the leased job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, lease time.Duration) (*storage.Job, error)
	ClaimJob(ctx context.Context, id string, lease time.Duration) (*storage.Job, error)
	ExtendLease(ctx context.Context, id, token string, lease time.Duration) error
	CompleteJob(ctx context.Context, id, token string) error
	FailJob(ctx context.Context, id, token, kind, errMsg string, retry bool) (storage.JobStatus, error)
	ReleaseJob(ctx context.Context, id, token string) error
	RequeueExpired(ctx context.Context) (int, error)
}

// ContentEmbedder generates embeddings for many texts, in order.
type ContentEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorUpserter writes all chunks of one document atomically.
type VectorUpserter interface {
	Upsert(ctx context.Context, sourceID string, chunks []retrieval.Chunk) error
}

const (
	DefaultConcurrency  = 100
	DefaultPollInterval = 500 * time.Millisecond
	DefaultLeaseTimeout = 5 * time.Minute
)

// Options tunes a Pool. Zero values take the defaults.
type Options struct {
	Concurrency  int
	PollInterval time.Duration
	LeaseTimeout time.Duration
	Chunker      Chunker
	Logger       *slog.Logger
}

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Active    int64
	Completed int64
	Failed    int64
	Retried   int64
}

var errLeaseLost = errors.New("lease lost during processing")

// Pool processes ingestion jobs with at most Concurrency in flight.
type Pool struct {
	store    JobStore
	parser   Parser
	embedder ContentEmbedder
	vectors  VectorUpserter
	chunker  Chunker
	sem      *semaphore.Weighted
	poll     time.Duration
	lease    time.Duration
	logger   *slog.Logger

	wg        sync.WaitGroup
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// NewPool creates a Pool with the given dependencies.
func NewPool(store JobStore, parser Parser, embedder ContentEmbedder, vectors VectorUpserter, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = DefaultLeaseTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		store:    store,
		parser:   parser,
		embedder: embedder,
		vectors:  vectors,
		chunker:  NewChunker(opts.Chunker.Size, opts.Chunker.Overlap),
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		poll:     opts.PollInterval,
		lease:    opts.LeaseTimeout,
		logger:   opts.Logger,
	}
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
	}
}

// Run polls for jobs until ctx is cancelled, then waits for in-flight
// jobs to be released.
func (p *Pool) Run(ctx context.Context) {
	defer p.wg.Wait()
	for {
		if ctx.Err() != nil {
			return
		}

		if n, err := p.store.RequeueExpired(ctx); err != nil {
			p.logger.Error("requeueing expired jobs failed", "error", err)
		} else if n > 0 {
			p.logger.Warn("requeued jobs with expired leases", "count", n)
		}

		if err := p.fill(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("worker iteration failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// fill claims jobs until the queue is empty, blocking while the pool is full.
func (p *Pool) fill(ctx context.Context) error {
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		job, err := p.store.ClaimNextJob(ctx, p.lease)
		if err != nil || job == nil {
			p.sem.Release(1)
			if err != nil {
				return fmt.Errorf("claiming job: %w", err)
			}
			return nil
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.handle(ctx, job, nil)
		}()
	}
}

// RunOnce claims and processes a single job synchronously.
// Returns true if a job was processed (regardless of success/failure).
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer p.sem.Release(1)

	job, err := p.store.ClaimNextJob(ctx, p.lease)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	p.handle(ctx, job, nil)
	return true, nil
}

// ProcessByID claims and processes the named job, calling touch whenever
// the lease is extended. A job that is not queued is treated as a
// duplicate delivery and ignored. The returned error is non-nil only when
// the attempt failed and the job went back to the queue.
func (p *Pool) ProcessByID(ctx context.Context, id string, touch func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	job, err := p.store.ClaimJob(ctx, id, p.lease)
	if err != nil {
		return fmt.Errorf("claiming job %s: %w", id, err)
	}
	if job == nil {
		p.logger.Debug("job not claimable, skipping delivery", "job_id", id)
		return nil
	}
	return p.handle(ctx, job, touch)
}

// handle processes one claimed job and records the outcome. It returns an
// error when the job was requeued for another attempt.
func (p *Pool) handle(ctx context.Context, job *storage.Job, touch func()) error {
	p.active.Add(1)
	defer p.active.Add(-1)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(jobCtx, cancel, job, touch)
	}()

	start := time.Now()
	err := p.process(jobCtx, job)
	cancel(nil)
	<-hbDone

	// Transitions must land even when the pool is shutting down.
	bg := context.WithoutCancel(ctx)
	log := p.logger.With("job_id", job.ID, "attempt", job.Attempts)

	switch {
	case errors.Is(context.Cause(jobCtx), errLeaseLost):
		log.WarnContext(bg, "job lease lost, abandoning attempt")
		return nil
	case err == nil:
		if cErr := p.store.CompleteJob(bg, job.ID, job.LeaseToken); cErr != nil {
			log.ErrorContext(bg, "failed to complete job", "error", cErr)
			return nil
		}
		p.completed.Add(1)
		log.InfoContext(bg, "job done", "duration_ms", time.Since(start).Milliseconds())
		return nil
	case ctx.Err() != nil:
		if relErr := p.store.ReleaseJob(bg, job.ID, job.LeaseToken); relErr != nil {
			log.ErrorContext(bg, "failed to release job", "error", relErr)
		} else {
			log.InfoContext(bg, "job released on shutdown")
		}
		return nil
	}

	kind := apperr.Kind(err)
	status, fErr := p.store.FailJob(bg, job.ID, job.LeaseToken, kind, err.Error(), apperr.Retryable(err))
	if fErr != nil {
		log.ErrorContext(bg, "failed to record job failure", "kind", kind, "error", fErr)
		return nil
	}
	if status == storage.JobQueued {
		p.retried.Add(1)
		log.WarnContext(bg, "job attempt failed, will retry", "kind", kind, "error", err)
		return err
	}
	p.failed.Add(1)
	log.ErrorContext(bg, "job failed", "kind", kind, "error", err)
	return nil
}

// heartbeat extends the lease every lease/3 until ctx ends. Losing the
// lease cancels the job.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, job *storage.Job, touch func()) {
	t := time.NewTicker(p.lease / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := p.store.ExtendLease(ctx, job.ID, job.LeaseToken, p.lease)
		if errors.Is(err, storage.ErrLeaseLost) {
			cancel(errLeaseLost)
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("extending lease failed", "job_id", job.ID, "error", err)
			}
			continue
		}
		if touch != nil {
			touch()
		}
	}
}

// process runs parse → chunk → embed → upsert for one job.
func (p *Pool) process(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("%w: parsing payload: %w", apperr.ErrJobParse, err)
	}
	if payload.Path == "" {
		return fmt.Errorf("%w: payload has no path", apperr.ErrJobParse)
	}

	pages, err := p.parser.Parse(ctx, payload.Path)
	if err != nil {
		return err
	}

	pieces := p.chunker.Split(pages)
	if len(pieces) == 0 {
		return fmt.Errorf("%w: %s produced no chunks", apperr.ErrJobParse, payload.Filename)
	}

	texts := make([]string, len(pieces))
	for i, c := range pieces {
		texts[i] = c.Text
	}
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if !errors.Is(err, apperr.ErrEmbedding) {
			err = fmt.Errorf("%w: %w", apperr.ErrEmbedding, err)
		}
		return err
	}
	if len(vecs) != len(pieces) {
		return fmt.Errorf("%w: got %d vectors for %d chunks", apperr.ErrEmbedding, len(vecs), len(pieces))
	}

	filename := payload.Filename
	if filename == "" {
		filename = job.Filename
	}
	chunks := make([]retrieval.Chunk, len(pieces))
	for i, c := range pieces {
		chunks[i] = retrieval.Chunk{
			SourceID:   job.ID,
			Source:     filename,
			PageNumber: c.PageNumber,
			ChunkIndex: c.Index,
			Text:       c.Text,
			Embedding:  vecs[i],
		}
	}

	if err := p.vectors.Upsert(ctx, job.ID, chunks); err != nil {
		if !errors.Is(err, apperr.ErrVectorStoreWrite) {
			err = fmt.Errorf("%w: %w", apperr.ErrVectorStoreWrite, err)
		}
		return err
	}
	p.logger.Debug("job ingested", "job_id", job.ID, "pages", len(pages), "chunks", len(chunks))
	return nil
}
