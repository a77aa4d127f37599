package retrieval

import (
	"context"
	"time"
)

// VectorStore persists embedded chunks and answers nearest-neighbour queries.
//
// Implementations must be safe for concurrent use by the worker pool and
// the query service. Upsert replaces every chunk previously stored for
// sourceID in one atomic unit, so a re-delivered job never duplicates rows
// and a failed upsert leaves nothing of the job visible.
//
// Search orders matches by descending score. Equal scores keep insertion
// order (earlier chunks first).
type VectorStore interface {
	Upsert(ctx context.Context, sourceID string, chunks []Chunk) error
	Search(ctx context.Context, vector []float32, topK int) ([]Match, error)
	Count(ctx context.Context) (int, error)
}

// Chunk is one retrievable slice of a document.
type Chunk struct {
	ID         string
	SourceID   string // job id of the originating document
	Source     string // original filename
	PageNumber int    // 1-based; 0 when unknown
	ChunkIndex int    // position within the document
	Text       string
	Embedding  []float32
	CreatedAt  time.Time
}

// Match is a Chunk with its cosine similarity to the query.
type Match struct {
	Chunk
	Score float32
}
