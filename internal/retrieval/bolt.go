package retrieval

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
)

var (
	bucketChunks  = []byte("chunks")
	bucketSources = []byte("sources")
)

var _ VectorStore = (*BoltStore)(nil)

// BoltStore keeps chunks in a bbolt file and answers queries with a
// brute-force cosine scan. Chunk keys are big-endian bucket sequence
// numbers, so a cursor walks them in insertion order.
type BoltStore struct {
	db *bbolt.DB
}

type storedChunk struct {
	ID         string `json:"id"`
	SourceID   string `json:"source_id"`
	Source     string `json:"source"`
	PageNumber int    `json:"page_number"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	Embedding  []byte `json:"embedding"`
	CreatedAt  int64  `json:"created_at"`
}

// OpenBoltStore opens (or creates) the bbolt file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating bolt directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketChunks, bucketSources} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close closes the bolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Upsert replaces all chunks of sourceID in one bolt write transaction.
func (s *BoltStore) Upsert(_ context.Context, sourceID string, chunks []Chunk) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketChunks)
		sb := tx.Bucket(bucketSources)

		if old := sb.Get([]byte(sourceID)); old != nil {
			var keys []uint64
			if err := json.Unmarshal(old, &keys); err != nil {
				return fmt.Errorf("decoding source index of %s: %w", sourceID, err)
			}
			for _, k := range keys {
				if err := cb.Delete(seqKey(k)); err != nil {
					return err
				}
			}
		}

		now := time.Now().UTC()
		keys := make([]uint64, 0, len(chunks))
		for _, c := range chunks {
			seq, err := cb.NextSequence()
			if err != nil {
				return err
			}
			id := c.ID
			if id == "" {
				id = uuid.New().String()
			}
			createdAt := c.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			data, err := json.Marshal(storedChunk{
				ID:         id,
				SourceID:   sourceID,
				Source:     c.Source,
				PageNumber: c.PageNumber,
				ChunkIndex: c.ChunkIndex,
				Text:       c.Text,
				Embedding:  encodeFloat32s(c.Embedding),
				CreatedAt:  createdAt.UnixMilli(),
			})
			if err != nil {
				return err
			}
			if err := cb.Put(seqKey(seq), data); err != nil {
				return err
			}
			keys = append(keys, seq)
		}

		index, err := json.Marshal(keys)
		if err != nil {
			return err
		}
		return sb.Put([]byte(sourceID), index)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrVectorStoreWrite, err)
	}
	return nil
}

// Search scans every chunk and returns the topK most similar.
func (s *BoltStore) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 || topK <= 0 {
		return nil, nil
	}

	var matches []Match
	err := s.db.View(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketChunks)
		best := newTopK(topK)
		var buf []float32

		c := cb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var sc storedChunk
			if err := json.Unmarshal(v, &sc); err != nil {
				return fmt.Errorf("decoding chunk %d: %w", binary.BigEndian.Uint64(k), err)
			}
			var err error
			if buf, err = decodeFloat32sInto(buf, sc.Embedding); err != nil {
				return fmt.Errorf("decoding embedding of %s: %w", sc.ID, err)
			}
			best.offer(candidate{Seq: binary.BigEndian.Uint64(k), Score: cosine(vector, buf, queryNorm)})
		}

		for _, r := range best.ranked() {
			var sc storedChunk
			if err := json.Unmarshal(cb.Get(seqKey(r.Seq)), &sc); err != nil {
				return err
			}
			chunk, err := sc.chunk()
			if err != nil {
				return err
			}
			matches = append(matches, Match{Chunk: chunk, Score: r.Score})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrVectorStoreRead, err)
	}
	return matches, nil
}

// Count returns the number of stored chunks.
func (s *BoltStore) Count(_ context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketChunks).Stats().KeyN
		return nil
	})
	return n, err
}

func (sc storedChunk) chunk() (Chunk, error) {
	vec, err := decodeFloat32s(sc.Embedding)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{
		ID:         sc.ID,
		SourceID:   sc.SourceID,
		Source:     sc.Source,
		PageNumber: sc.PageNumber,
		ChunkIndex: sc.ChunkIndex,
		Text:       sc.Text,
		Embedding:  vec,
		CreatedAt:  time.UnixMilli(sc.CreatedAt).UTC(),
	}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
