package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
)

// DefaultTopK is the number of matches returned when the caller passes no limit.
const DefaultTopK = 2

// Retriever combines embedding and vector search to find relevant chunks.
type Retriever struct {
	embedder Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve embeds the query and returns the topK most similar chunks,
// best first. Failures wrap apperr.ErrEmbedding or apperr.ErrVectorStoreRead.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		if !errors.Is(err, apperr.ErrEmbedding) {
			err = fmt.Errorf("%w: %w", apperr.ErrEmbedding, err)
		}
		return nil, err
	}

	matches, err := r.store.Search(ctx, vec, topK)
	if err != nil {
		if !errors.Is(err, apperr.ErrVectorStoreRead) {
			err = fmt.Errorf("%w: %w", apperr.ErrVectorStoreRead, err)
		}
		return nil, err
	}
	return matches, nil
}
