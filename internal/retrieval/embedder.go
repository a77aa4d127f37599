package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
)

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder is implemented by providers that embed many texts per call.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// RetryOptions tunes a RetryingEmbedder. Zero values take the defaults below.
type RetryOptions struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	RPS            float64
	Burst          int
	Concurrency    int
	Logger         *slog.Logger
}

const (
	defaultEmbedAttempts    = 5
	defaultEmbedBackoff     = 500 * time.Millisecond
	defaultEmbedConcurrency = 4
)

// RetryingEmbedder rate limits every provider call and retries transient
// failures with exponential backoff. Requests the provider rejects (see
// apperr.Permanent) fail at once. Failures surface as apperr.ErrEmbedding.
type RetryingEmbedder struct {
	inner       Embedder
	limiter     *rate.Limiter
	maxAttempts int
	backoff     time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewRetryingEmbedder wraps inner. RPS <= 0 disables rate limiting.
func NewRetryingEmbedder(inner Embedder, opts RetryOptions) *RetryingEmbedder {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultEmbedAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultEmbedBackoff
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultEmbedConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return &RetryingEmbedder{
		inner:       inner,
		limiter:     limiter,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.InitialBackoff,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
	}
}

// Embed returns the embedding vector for a single text.
func (e *RetryingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := e.retry(ctx, "embed", func(ctx context.Context) error {
		v, err := e.inner.Embed(ctx, text)
		if err != nil {
			return err
		}
		if len(v) == 0 {
			return errors.New("provider returned an empty vector")
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch returns one vector per text, in order. Providers implementing
// BatchEmbedder get a single call; others get concurrent single calls.
// Returns nil (not error) for empty input.
func (e *RetryingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if batcher, ok := e.inner.(BatchEmbedder); ok {
		var vecs [][]float32
		err := e.retry(ctx, "embed batch", func(ctx context.Context) error {
			v, err := batcher.EmbedBatch(ctx, texts)
			if err != nil {
				return err
			}
			if len(v) != len(texts) {
				return fmt.Errorf("provider returned %d vectors for %d texts", len(v), len(texts))
			}
			vecs = v
			return nil
		})
		if err != nil {
			return nil, err
		}
		return vecs, nil
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
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

func (e *RetryingEmbedder) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	backoff := e.backoff
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s: %w", apperr.ErrEmbedding, op, ctxErr(ctx, err))
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %w", apperr.ErrEmbedding, op, ctx.Err())
		}
		if apperr.Permanent(lastErr) {
			return fmt.Errorf("%w: %s rejected: %w", apperr.ErrEmbedding, op, lastErr)
		}
		if attempt == e.maxAttempts {
			break
		}
		e.logger.Warn("embedding call failed, retrying", "op", op, "attempt", attempt, "backoff", backoff, "error", lastErr)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", apperr.ErrEmbedding, op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %w", apperr.ErrEmbedding, op, e.maxAttempts, lastErr)
}

// ctxErr prefers the context's own error over the limiter's wording.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
