// Package query answers questions about uploaded documents: it retrieves
// the most similar chunks, grounds a prompt in them and generates an answer,
// either whole or as an ordered event stream.
package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
	"github.com/ameya051/chat-with-pdf/internal/retrieval"
	"github.com/ameya051/chat-with-pdf/internal/stream"
)

// Generator produces an answer for a prompt.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
	Stream(ctx context.Context, p Prompt) (DeltaStream, error)
}

// DeltaStream yields answer fragments in order. Recv returns io.EOF after
// the last fragment. Close releases the underlying connection and is safe
// to call more than once.
type DeltaStream interface {
	Recv() (string, error)
	Close() error
}

// Retriever finds the chunks most relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]retrieval.Match, error)
}

// Answer is the non-streaming response.
type Answer struct {
	Message string       `json:"message"`
	Docs    []stream.Doc `json:"docs"`
}

// Service runs retrieval-augmented generation.
type Service struct {
	retriever Retriever
	generator Generator
	composer  *Composer
	topK      int
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTopK sets how many chunks ground each answer.
func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithComposer replaces the default prompt composer.
func WithComposer(c *Composer) Option {
	return func(s *Service) { s.composer = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service. K defaults to retrieval.DefaultTopK.
func NewService(r Retriever, g Generator, opts ...Option) *Service {
	s := &Service{
		retriever: r,
		generator: g,
		composer:  NewComposer(0),
		topK:      retrieval.DefaultTopK,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search returns the top matches for query without generating an answer.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]retrieval.Match, error) {
	if limit <= 0 {
		limit = s.topK
	}
	return s.retriever.Retrieve(ctx, query, limit)
}

// Answer retrieves context and returns the complete answer with its sources.
func (s *Service) Answer(ctx context.Context, question string) (Answer, error) {
	matches, err := s.retriever.Retrieve(ctx, question, s.topK)
	if err != nil {
		return Answer{}, err
	}

	prompt := s.compose(ctx, question, matches)
	msg, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		return Answer{}, generationError(err)
	}
	return Answer{Message: msg, Docs: prompt.Docs}, nil
}

// Stream retrieves context and emits, in order: one DocsEvent, zero or more
// non-empty ContentEvents, then exactly one EndEvent or ErrorEvent. A
// retrieval failure emits only the ErrorEvent. If emit fails the stream is
// abandoned and its error returned. The returned error is nil only after
// EndEvent was emitted.
func (s *Service) Stream(ctx context.Context, question string, emit func(stream.Event) error) error {
	matches, err := s.retriever.Retrieve(ctx, question, s.topK)
	if err != nil {
		return s.fail(ctx, emit, err)
	}

	prompt := s.compose(ctx, question, matches)
	if err := emit(stream.DocsEvent{Docs: prompt.Docs}); err != nil {
		return err
	}

	ds, err := s.generator.Stream(ctx, prompt)
	if err != nil {
		return s.fail(ctx, emit, generationError(err))
	}
	defer ds.Close()

	for {
		delta, err := ds.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.fail(ctx, emit, generationError(err))
		}
		if delta == "" {
			continue
		}
		if err := emit(stream.ContentEvent{Content: delta}); err != nil {
			return err
		}
	}

	return emit(stream.EndEvent{})
}

// compose builds the prompt and reports matches the context budget left out.
func (s *Service) compose(ctx context.Context, question string, matches []retrieval.Match) Prompt {
	p := s.composer.Compose(question, matches)
	if dropped := len(matches) - len(p.Docs); dropped > 0 {
		s.logger.WarnContext(ctx, "context budget dropped matches", "retrieved", len(matches), "dropped", dropped)
	}
	return p
}

// fail emits the terminal error event unless the caller has gone away.
func (s *Service) fail(ctx context.Context, emit func(stream.Event) error, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.ErrorContext(ctx, "answer stream failed", "kind", apperr.Kind(err), "error", err)
	if emitErr := emit(stream.ErrorEvent{Message: PublicMessage(err)}); emitErr != nil {
		return errors.Join(err, emitErr)
	}
	return err
}

func generationError(err error) error {
	if errors.Is(err, apperr.ErrGeneration) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", apperr.ErrGeneration, err)
}

// PublicMessage returns the client-facing description of a query failure.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, apperr.ErrEmbedding):
		return "failed to embed the question"
	case errors.Is(err, apperr.ErrVectorStoreRead):
		return "failed to search the document store"
	case errors.Is(err, apperr.ErrGeneration):
		return "failed to generate an answer"
	default:
		return "internal error"
	}
}
