package query

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
	"github.com/ameya051/chat-with-pdf/internal/retrieval"
	"github.com/ameya051/chat-with-pdf/internal/stream"
)

type fakeRetriever struct {
	matches []retrieval.Match
	err     error
	gotK    int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, topK int) ([]retrieval.Match, error) {
	f.gotK = topK
	return f.matches, f.err
}

type fakeDeltaStream struct {
	deltas []string
	err    error // returned after deltas are exhausted; nil means io.EOF
	closed int
}

func (d *fakeDeltaStream) Recv() (string, error) {
	if len(d.deltas) > 0 {
		next := d.deltas[0]
		d.deltas = d.deltas[1:]
		return next, nil
	}
	if d.err != nil {
		return "", d.err
	}
	return "", io.EOF
}

func (d *fakeDeltaStream) Close() error {
	d.closed++
	return nil
}

type fakeGenerator struct {
	answer    string
	genErr    error
	stream    *fakeDeltaStream
	streamErr error
	prompts   []Prompt
}

func (g *fakeGenerator) Generate(_ context.Context, p Prompt) (string, error) {
	g.prompts = append(g.prompts, p)
	return g.answer, g.genErr
}

func (g *fakeGenerator) Stream(_ context.Context, p Prompt) (DeltaStream, error) {
	g.prompts = append(g.prompts, p)
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	return g.stream, nil
}

func refundMatches() []retrieval.Match {
	return []retrieval.Match{
		{Chunk: retrieval.Chunk{SourceID: "job-1", Source: "policy.pdf", PageNumber: 2, ChunkIndex: 4, Text: "Refunds within 30 days."}, Score: 0.91},
		{Chunk: retrieval.Chunk{SourceID: "job-1", Source: "policy.pdf", PageNumber: 3, ChunkIndex: 7, Text: "Returns need a receipt."}, Score: 0.72},
	}
}

func collect(t *testing.T, s *Service, question string) ([]stream.Event, error) {
	t.Helper()
	var events []stream.Event
	err := s.Stream(context.Background(), question, func(e stream.Event) error {
		events = append(events, e)
		return nil
	})
	return events, err
}

func TestStream_OrderedEvents(t *testing.T) {
	ds := &fakeDeltaStream{deltas: []string{"Refunds", "", " are accepted", " within 30 days."}}
	svc := NewService(&fakeRetriever{matches: refundMatches()}, &fakeGenerator{stream: ds})

	events, err := collect(t, svc, "What is the refund policy?")
	require.NoError(t, err)
	require.Len(t, events, 5)

	docs, ok := events[0].(stream.DocsEvent)
	require.True(t, ok, "first event is %T", events[0])
	require.Len(t, docs.Docs, 2)
	assert.Equal(t, "Refunds within 30 days.", docs.Docs[0].PageContent)
	assert.Equal(t, 2, docs.Docs[0].Metadata.Loc.PageNumber)

	var sb strings.Builder
	for _, e := range events[1:4] {
		c, ok := e.(stream.ContentEvent)
		require.True(t, ok, "got %T", e)
		assert.NotEmpty(t, c.Content)
		sb.WriteString(c.Content)
	}
	assert.Equal(t, "Refunds are accepted within 30 days.", sb.String())
	assert.Equal(t, stream.EndEvent{}, events[4])
	assert.Equal(t, 1, ds.closed)
}

func TestStream_ConcatenationMatchesAnswer(t *testing.T) {
	full := "Refunds are accepted within 30 days."
	gen := &fakeGenerator{answer: full, stream: &fakeDeltaStream{deltas: []string{"Refunds are", " accepted within", " 30 days."}}}
	svc := NewService(&fakeRetriever{matches: refundMatches()}, gen)

	ans, err := svc.Answer(context.Background(), "q")
	require.NoError(t, err)

	events, err := collect(t, svc, "q")
	require.NoError(t, err)
	var sb strings.Builder
	for _, e := range events {
		if c, ok := e.(stream.ContentEvent); ok {
			sb.WriteString(c.Content)
		}
	}
	assert.Equal(t, ans.Message, sb.String())
	assert.Equal(t, ans.Docs, events[0].(stream.DocsEvent).Docs)
}

func TestSources_OnlyMatchesInPrompt(t *testing.T) {
	matches := refundMatches()
	matches[1].Text = strings.Repeat("receipt ", 200)
	budget := EstimateTokens(systemInstruction) + EstimateTokens("q") + 50
	gen := &fakeGenerator{answer: "30 days.", stream: &fakeDeltaStream{deltas: []string{"30 days."}}}
	svc := NewService(&fakeRetriever{matches: matches}, gen, WithComposer(NewComposer(budget)))

	ans, err := svc.Answer(context.Background(), "q")
	require.NoError(t, err)
	require.Len(t, ans.Docs, 1)
	assert.Equal(t, "Refunds within 30 days.", ans.Docs[0].PageContent)

	events, err := collect(t, svc, "q")
	require.NoError(t, err)
	assert.Equal(t, ans.Docs, events[0].(stream.DocsEvent).Docs)
	for _, p := range gen.prompts {
		assert.NotContains(t, p.System, "receipt receipt")
	}
}

func TestStream_RetrievalFailureEmitsOnlyError(t *testing.T) {
	gen := &fakeGenerator{}
	svc := NewService(&fakeRetriever{err: apperr.ErrEmbedding}, gen)

	events, err := collect(t, svc, "q")
	require.ErrorIs(t, err, apperr.ErrEmbedding)
	require.Len(t, events, 1)
	ev, ok := events[0].(stream.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "failed to embed the question", ev.Message)
	assert.Empty(t, gen.prompts, "generator must not run after retrieval failure")
}

func TestStream_MidStreamFailureKeepsDeliveredDeltas(t *testing.T) {
	ds := &fakeDeltaStream{deltas: []string{"Refunds"}, err: errors.New("upstream reset")}
	svc := NewService(&fakeRetriever{matches: refundMatches()}, &fakeGenerator{stream: ds})

	events, err := collect(t, svc, "q")
	require.ErrorIs(t, err, apperr.ErrGeneration)
	require.Len(t, events, 3)
	assert.IsType(t, stream.DocsEvent{}, events[0])
	assert.Equal(t, stream.ContentEvent{Content: "Refunds"}, events[1])
	assert.Equal(t, stream.ErrorEvent{Message: "failed to generate an answer"}, events[2])
	assert.Equal(t, 1, ds.closed)
}

func TestStream_OpenFailureAfterDocs(t *testing.T) {
	svc := NewService(&fakeRetriever{matches: refundMatches()}, &fakeGenerator{streamErr: errors.New("401")})

	events, err := collect(t, svc, "q")
	require.ErrorIs(t, err, apperr.ErrGeneration)
	require.Len(t, events, 2)
	assert.IsType(t, stream.DocsEvent{}, events[0])
	assert.IsType(t, stream.ErrorEvent{}, events[1])
}

func TestStream_EmitFailureStopsAndCloses(t *testing.T) {
	ds := &fakeDeltaStream{deltas: []string{"a", "b", "c"}}
	svc := NewService(&fakeRetriever{matches: refundMatches()}, &fakeGenerator{stream: ds})

	gone := errors.New("client gone")
	n := 0
	err := svc.Stream(context.Background(), "q", func(e stream.Event) error {
		n++
		if n == 2 {
			return gone
		}
		return nil
	})
	require.ErrorIs(t, err, gone)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, ds.closed)
}

func TestStream_CancelledContextEmitsNothingMore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := NewService(&fakeRetriever{err: context.Canceled}, &fakeGenerator{})

	var events []stream.Event
	err := svc.Stream(ctx, "q", func(e stream.Event) error {
		events = append(events, e)
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, events)
}

func TestAnswer_Errors(t *testing.T) {
	svc := NewService(&fakeRetriever{err: apperr.ErrVectorStoreRead}, &fakeGenerator{})
	_, err := svc.Answer(context.Background(), "q")
	assert.ErrorIs(t, err, apperr.ErrVectorStoreRead)

	svc = NewService(&fakeRetriever{matches: refundMatches()}, &fakeGenerator{genErr: errors.New("quota")})
	_, err = svc.Answer(context.Background(), "q")
	assert.ErrorIs(t, err, apperr.ErrGeneration)
	assert.Equal(t, "generation", apperr.Kind(err))
}

func TestAnswer_UsesTopKAndGroundsPrompt(t *testing.T) {
	r := &fakeRetriever{matches: refundMatches()}
	gen := &fakeGenerator{answer: "ok"}
	svc := NewService(r, gen, WithTopK(5))

	ans, err := svc.Answer(context.Background(), "What is the refund policy?")
	require.NoError(t, err)
	assert.Equal(t, 5, r.gotK)
	assert.Equal(t, "ok", ans.Message)
	require.Len(t, gen.prompts, 1)
	assert.Equal(t, "What is the refund policy?", gen.prompts[0].User)
	assert.Contains(t, gen.prompts[0].System, "Refunds within 30 days.")
}

func TestNewService_DefaultTopK(t *testing.T) {
	r := &fakeRetriever{}
	svc := NewService(r, &fakeGenerator{})
	_, _ = svc.Answer(context.Background(), "q")
	assert.Equal(t, 2, r.gotK)
}

func TestSearch_DefaultsLimit(t *testing.T) {
	r := &fakeRetriever{matches: refundMatches()}
	svc := NewService(r, &fakeGenerator{})

	got, err := svc.Search(context.Background(), "refund", 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, r.gotK)
}
