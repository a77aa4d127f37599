package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity search
// backed by SQLite. This is the default implementation of VectorStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The chunks table must already exist (created via storage migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Upsert replaces all chunks of sourceID inside one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, sourceID string, chunks []Chunk) error {
	if err := s.upsert(ctx, sourceID, chunks); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrVectorStoreWrite, err)
	}
	return nil
}

func (s *SQLiteStore) upsert(ctx context.Context, sourceID string, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ?`, sourceID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing chunks of %s: %w", sourceID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, source_id, source, page_number, chunk_index, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, id, sourceID, c.Source, c.PageNumber, c.ChunkIndex, c.Text,
			encodeFloat32s(c.Embedding), createdAt.UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %d: %w", c.ChunkIndex, err)
		}
	}

	return tx.Commit()
}

// Search performs brute-force cosine similarity search over all chunks,
// returning the top-K most similar.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	matches, err := s.search(ctx, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrVectorStoreRead, err)
	}
	return matches, nil
}

func (s *SQLiteStore) search(ctx context.Context, vector []float32, k int) ([]Match, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 || k <= 0 {
		return nil, nil
	}

	// Phase 1: scan only seq + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT seq, embedding FROM chunks ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	best := newTopK(k)
	var buf []float32
	for rows.Next() {
		var seq uint64
		var blob []byte
		if err := rows.Scan(&seq, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for seq %d: %w", seq, err)
		}
		best.offer(candidate{Seq: seq, Score: cosine(vector, buf, queryNorm)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	ranked := best.ranked()
	if len(ranked) == 0 {
		return nil, nil
	}

	// Phase 2: fetch full rows only for the winners.
	args := make([]any, len(ranked))
	for i, c := range ranked {
		args[i] = c.Seq
	}
	fullRows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, source_id, source, page_number, chunk_index, text_chunk, embedding, created_at
		FROM chunks WHERE seq IN (?`+strings.Repeat(",?", len(ranked)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer fullRows.Close()

	bySeq := make(map[uint64]Chunk, len(ranked))
	for fullRows.Next() {
		var seq uint64
		var c Chunk
		var blob []byte
		var createdAt int64
		if err := fullRows.Scan(&seq, &c.ID, &c.SourceID, &c.Source, &c.PageNumber, &c.ChunkIndex, &c.Text, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if c.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		bySeq[seq] = c
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	// IN does not preserve order; rebuild it from the ranking.
	matches := make([]Match, 0, len(ranked))
	for _, r := range ranked {
		if c, ok := bySeq[r.Seq]; ok {
			matches = append(matches, Match{Chunk: c, Score: r.Score})
		}
	}
	return matches, nil
}

// Count returns the number of stored chunks.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count)
	return count, err
}

// CountSource returns the number of chunks stored for one document.
func (s *SQLiteStore) CountSource(ctx context.Context, sourceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE source_id = ?", sourceID).Scan(&count)
	return count, err
}
