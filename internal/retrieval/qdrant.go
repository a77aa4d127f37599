package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
)

// pointNamespace derives stable point ids so a re-delivered job overwrites
// its own points instead of adding new ones.
var pointNamespace = uuid.MustParse("6f1c3d52-8a43-4b7e-9d0a-3c2f0c7e5a11")

var errCollectionMissing = errors.New("qdrant collection does not exist")

var _ VectorStore = (*QdrantStore)(nil)

// QdrantConfig configures a QdrantStore.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// QdrantStore is a minimal REST client to a Qdrant collection using cosine
// distance. The collection is created on first write if missing.
type QdrantStore struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client

	mu      sync.Mutex
	ready   bool
	lastSeq uint64
}

// NewQdrantStore returns a store for cfg.Collection on the server at cfg.URL.
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &QdrantStore{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
}

// EnsureCollection creates the collection with the given vector size
// unless it already exists.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if dimension <= 0 {
		return fmt.Errorf("invalid vector dimension %d", dimension)
	}

	err := s.do(ctx, http.MethodGet, s.collectionURL(""), nil, nil)
	if errors.Is(err, errCollectionMissing) {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     dimension,
				"distance": "Cosine",
			},
		}
		err = s.do(ctx, http.MethodPut, s.collectionURL(""), body, nil)
	}
	if err != nil {
		return err
	}
	s.ready = true
	return nil
}

type qdrantPayload struct {
	SourceID   string `json:"source_id"`
	Source     string `json:"source"`
	PageNumber int    `json:"page_number"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	Seq        uint64 `json:"seq"`
	CreatedAt  int64  `json:"created_at"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

// Upsert writes all chunks of sourceID as a single batch, then drops any
// points left over from a longer earlier version of the same source.
func (s *QdrantStore) Upsert(ctx context.Context, sourceID string, chunks []Chunk) error {
	if err := s.upsert(ctx, sourceID, chunks); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrVectorStoreWrite, err)
	}
	return nil
}

func (s *QdrantStore) upsert(ctx context.Context, sourceID string, chunks []Chunk) error {
	if len(chunks) > 0 {
		if err := s.EnsureCollection(ctx, len(chunks[0].Embedding)); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	base := s.reserveSeq(now, len(chunks))
	points := make([]qdrantPoint, len(chunks))
	for i, c := range chunks {
		points[i] = qdrantPoint{
			ID:     pointID(sourceID, c.ChunkIndex),
			Vector: c.Embedding,
			Payload: qdrantPayload{
				SourceID:   sourceID,
				Source:     c.Source,
				PageNumber: c.PageNumber,
				ChunkIndex: c.ChunkIndex,
				Text:       c.Text,
				Seq:        base + uint64(i),
				CreatedAt:  now.UnixMilli(),
			},
		}
	}
	if len(points) > 0 {
		if err := s.do(ctx, http.MethodPut, s.collectionURL("/points?wait=true"), map[string]any{"points": points}, nil); err != nil {
			return err
		}
	}

	stale := map[string]any{
		"filter": map[string]any{
			"must": []any{
				map[string]any{"key": "source_id", "match": map[string]any{"value": sourceID}},
				map[string]any{"key": "chunk_index", "range": map[string]any{"gte": len(chunks)}},
			},
		},
	}
	err := s.do(ctx, http.MethodPost, s.collectionURL("/points/delete?wait=true"), stale, nil)
	if errors.Is(err, errCollectionMissing) {
		return nil
	}
	return err
}

// tieSlack widens the server-side limit so equal scores at the cut-off can
// be re-ordered by insertion sequence locally.
const tieSlack = 4

// Search asks Qdrant for the nearest points and re-ranks them by score,
// then insertion order.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 || norm(vector) == 0 {
		return nil, nil
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        topK + tieSlack,
		"with_payload": true,
		"with_vector":  true,
	}
	var resp struct {
		Result []struct {
			ID      any           `json:"id"`
			Score   float32       `json:"score"`
			Payload qdrantPayload `json:"payload"`
			Vector  []float32     `json:"vector"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, s.collectionURL("/points/search"), req, &resp)
	if errors.Is(err, errCollectionMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrVectorStoreRead, err)
	}

	matches := make([]Match, len(resp.Result))
	seqs := make([]uint64, len(resp.Result))
	for i, r := range resp.Result {
		p := r.Payload
		matches[i] = Match{
			Chunk: Chunk{
				ID:         fmt.Sprint(r.ID),
				SourceID:   p.SourceID,
				Source:     p.Source,
				PageNumber: p.PageNumber,
				ChunkIndex: p.ChunkIndex,
				Text:       p.Text,
				Embedding:  r.Vector,
				CreatedAt:  time.UnixMilli(p.CreatedAt).UTC(),
			},
			Score: r.Score,
		}
		seqs[i] = p.Seq
	}

	idx := make([]int, len(matches))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return better(candidate{Seq: seqs[idx[a]], Score: matches[idx[a]].Score},
			candidate{Seq: seqs[idx[b]], Score: matches[idx[b]].Score})
	})
	if len(idx) > topK {
		idx = idx[:topK]
	}
	out := make([]Match, len(idx))
	for i, j := range idx {
		out[i] = matches[j]
	}
	return out, nil
}

// Count returns the exact number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, s.collectionURL("/points/count"), map[string]any{"exact": true}, &resp)
	if errors.Is(err, errCollectionMissing) {
		return 0, nil
	}
	return resp.Result.Count, err
}

// reserveSeq hands out n strictly increasing insertion sequence numbers.
func (s *QdrantStore) reserveSeq(now time.Time, n int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := uint64(now.UnixMicro()) * 1000
	if base <= s.lastSeq {
		base = s.lastSeq + 1
	}
	s.lastSeq = base + uint64(n)
	return base
}

func (s *QdrantStore) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.url, s.collection, suffix)
}

func (s *QdrantStore) do(ctx context.Context, method, url string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling qdrant request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return errCollectionMissing
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("qdrant %s %s failed: %s: %s", method, url, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding qdrant response: %w", err)
		}
	}
	return nil
}

func pointID(sourceID string, chunkIndex int) string {
	return uuid.NewSHA1(pointNamespace, []byte(fmt.Sprintf("%s:%d", sourceID, chunkIndex))).String()
}
