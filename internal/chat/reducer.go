// Package chat rebuilds a conversation from an answer event stream.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
	"github.com/ameya051/chat-with-pdf/internal/stream"
)

// FailureNotice is shown to the user when a question could not be answered.
const FailureNotice = "Failed to send message. Please try again."

// ErrRemote marks an error event sent by the server.
var ErrRemote = errors.New("server reported an error")

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation.
type Message struct {
	ID        int64        `json:"id"`
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Sources   []stream.Doc `json:"sources,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Streaming bool         `json:"streaming,omitempty"`
}

// EventStream yields decoded events of one answer.
type EventStream interface {
	Next() (stream.Event, error)
	Close() error
}

// Transport opens an answer stream for a question.
type Transport interface {
	Open(ctx context.Context, question string) (EventStream, error)
}

// SendError is returned by Ask when the question failed. The conversation
// has already been rolled back to history plus the user's message.
type SendError struct {
	Notice string
	Err    error
}

func (e *SendError) Error() string { return e.Notice + ": " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// Reducer applies stream events to a conversation and publishes an
// immutable snapshot after every change.
type Reducer struct {
	transport Transport
	publish   func([]Message)
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	lastID int64
}

// Option configures a Reducer.
type Option func(*Reducer)

// WithClock overrides the time source used for ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reducer) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reducer) { r.logger = l }
}

// NewReducer creates a Reducer. publish may be nil.
func NewReducer(t Transport, publish func([]Message), opts ...Option) *Reducer {
	r := &Reducer{
		transport: t,
		publish:   publish,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// nextID returns an id greater than every id handed out or seen so far.
func (r *Reducer) nextID(now time.Time) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := max(now.UnixMilli(), r.lastID+1)
	r.lastID = id
	return id
}

func (r *Reducer) observe(history []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range history {
		r.lastID = max(r.lastID, m.ID)
	}
}

// Ask appends the question and a streaming assistant placeholder to
// history, then folds the answer stream into the placeholder. On success
// the returned list ends with the finalized answer. On any failure,
// including cancellation, the placeholder is removed (partial content is
// discarded) and a *SendError carrying FailureNotice is returned. The
// stream is always closed.
func (r *Reducer) Ask(ctx context.Context, history []Message, question string) ([]Message, error) {
	r.observe(history)

	now := r.now()
	user := Message{ID: r.nextID(now), Role: RoleUser, Content: question, Timestamp: now}
	base := append(clone(history), user)

	placeholder := Message{ID: r.nextID(now), Role: RoleAssistant, Timestamp: now, Streaming: true}
	r.emit(append(clone(base), placeholder))

	answer, err := r.consume(ctx, question, base, placeholder)
	if err != nil {
		rolledBack := clone(base)
		r.emit(rolledBack)
		r.logger.WarnContext(ctx, "question failed", "kind", apperr.Kind(err), "error", err)
		return rolledBack, &SendError{Notice: FailureNotice, Err: err}
	}

	final := append(clone(base), answer)
	r.emit(final)
	return final, nil
}

func (r *Reducer) consume(ctx context.Context, question string, base []Message, msg Message) (Message, error) {
	es, err := r.transport.Open(ctx, question)
	if err != nil {
		return msg, transportError(err)
	}
	defer es.Close()

	sourcesSet := false
	for {
		if err := ctx.Err(); err != nil {
			return msg, err
		}
		ev, err := es.Next()
		if errors.Is(err, stream.ErrUnknownEvent) {
			r.logger.DebugContext(ctx, "skipping unknown event", "error", err)
			continue
		}
		if errors.Is(err, io.EOF) {
			return msg, fmt.Errorf("%w: stream closed before end", apperr.ErrTransport)
		}
		if err != nil {
			if ctx.Err() != nil {
				return msg, ctx.Err()
			}
			return msg, transportError(err)
		}

		switch e := ev.(type) {
		case stream.DocsEvent:
			if sourcesSet {
				continue
			}
			sourcesSet = true
			msg.Sources = append([]stream.Doc{}, e.Docs...)
		case stream.ContentEvent:
			msg.Content += e.Content
		case stream.ErrorEvent:
			return msg, fmt.Errorf("%w: %s", ErrRemote, e.Message)
		}
		if stream.Terminal(ev) {
			msg.Streaming = false
			return msg, nil
		}
		r.emit(append(clone(base), msg))
	}
}

func (r *Reducer) emit(list []Message) {
	if r.publish != nil {
		r.publish(list)
	}
}

func transportError(err error) error {
	if errors.Is(err, apperr.ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", apperr.ErrTransport, err)
}

// clone deep-copies a message list so published snapshots never alias.
func clone(list []Message) []Message {
	out := make([]Message, len(list), len(list)+2)
	for i, m := range list {
		if m.Sources != nil {
			m.Sources = append([]stream.Doc(nil), m.Sources...)
		}
		out[i] = m
	}
	return out
}
