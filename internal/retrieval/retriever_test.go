package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
)

// mockVectorStore implements VectorStore for testing.
type mockVectorStore struct {
	upsertFn func(ctx context.Context, sourceID string, chunks []Chunk) error
	searchFn func(ctx context.Context, vector []float32, topK int) ([]Match, error)
	countFn  func(ctx context.Context) (int, error)
}

func (m *mockVectorStore) Upsert(ctx context.Context, sourceID string, chunks []Chunk) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, sourceID, chunks)
	}
	return nil
}

func (m *mockVectorStore) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	return m.searchFn(ctx, vector, topK)
}

func (m *mockVectorStore) Count(ctx context.Context) (int, error) {
	if m.countFn != nil {
		return m.countFn(ctx)
	}
	return 0, nil
}

func TestRetrieve_EmbedsThenSearches(t *testing.T) {
	var embedded string
	emb := &mockEmbedder{embedFn: func(_ context.Context, text string) ([]float32, error) {
		embedded = text
		return makeVector(4), nil
	}}
	var gotK int
	store := &mockVectorStore{searchFn: func(_ context.Context, _ []float32, topK int) ([]Match, error) {
		gotK = topK
		return []Match{{Chunk: Chunk{ID: "c1", Text: "refund policy"}, Score: 0.9}}, nil
	}}

	r := NewRetriever(emb, store)
	matches, err := r.Retrieve(ctx, "what is the refund policy?", 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if embedded != "what is the refund policy?" {
		t.Errorf("embedded %q", embedded)
	}
	if gotK != DefaultTopK {
		t.Errorf("topK = %d, want %d", gotK, DefaultTopK)
	}
	if len(matches) != 1 || matches[0].ID != "c1" {
		t.Errorf("matches = %+v", matches)
	}
}

func TestRetrieve_EmbeddingFailure(t *testing.T) {
	emb := &mockEmbedder{embedFn: func(_ context.Context, _ string) ([]float32, error) {
		return nil, errors.New("provider down")
	}}
	store := &mockVectorStore{searchFn: func(_ context.Context, _ []float32, _ int) ([]Match, error) {
		t.Fatal("search should not run after embedding failure")
		return nil, nil
	}}

	_, err := NewRetriever(emb, store).Retrieve(ctx, "q", 2)
	if !errors.Is(err, apperr.ErrEmbedding) {
		t.Fatalf("err = %v, want ErrEmbedding", err)
	}
}

func TestRetrieve_StoreFailure(t *testing.T) {
	emb := &mockEmbedder{embedFn: func(_ context.Context, _ string) ([]float32, error) {
		return makeVector(4), nil
	}}
	store := &mockVectorStore{searchFn: func(_ context.Context, _ []float32, _ int) ([]Match, error) {
		return nil, errors.New("connection reset")
	}}

	_, err := NewRetriever(emb, store).Retrieve(ctx, "q", 2)
	if !errors.Is(err, apperr.ErrVectorStoreRead) {
		t.Fatalf("err = %v, want ErrVectorStoreRead", err)
	}
	if apperr.Kind(err) != "vector_store_read" {
		t.Errorf("Kind = %q", apperr.Kind(err))
	}
}

func TestRetrieve_AgainstSQLiteStore(t *testing.T) {
	s := openTestSQLiteStore(t)
	if err := s.Upsert(ctx, "job-1", chunksFor("job-1", axis(3, 0), axis(3, 1), axis(3, 2))); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	emb := &mockEmbedder{embedFn: func(_ context.Context, _ string) ([]float32, error) {
		return []float32{0.1, 1, 0}, nil
	}}

	matches, err := NewRetriever(emb, s).Retrieve(ctx, "q", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(matches) != 2 || matches[0].ChunkIndex != 1 || matches[1].ChunkIndex != 0 {
		t.Errorf("unexpected ranking: %+v", matches)
	}
}
