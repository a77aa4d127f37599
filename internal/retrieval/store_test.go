package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
	"github.com/ameya051/chat-with-pdf/internal/storage"
)

var ctx = context.Background()

func openTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSQLiteStore(st.DB())
}

func makeTestVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

// axis returns a unit vector along dimension i, so cosine scores are exact.
func axis(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

func chunksFor(source string, vecs ...[]float32) []Chunk {
	out := make([]Chunk, len(vecs))
	for i, v := range vecs {
		out[i] = Chunk{
			SourceID:   source,
			Source:     source + ".pdf",
			PageNumber: i + 1,
			ChunkIndex: i,
			Text:       fmt.Sprintf("%s chunk %d", source, i),
			Embedding:  v,
		}
	}
	return out
}

func TestUpsertAndSearch(t *testing.T) {
	s := openTestSQLiteStore(t)

	vec := makeTestVector(768, 0.1)
	if err := s.Upsert(ctx, "doc-1", chunksFor("doc-1", vec)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := s.Search(ctx, vec, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	got := results[0]
	if got.SourceID != "doc-1" || got.Source != "doc-1.pdf" || got.PageNumber != 1 || got.ChunkIndex != 0 {
		t.Errorf("unexpected chunk metadata: %+v", got.Chunk)
	}
	if got.Score < 0.99 {
		t.Errorf("Score = %f, want ~1.0 for identical vector", got.Score)
	}
	if len(got.Embedding) != 768 {
		t.Errorf("embedding dim = %d, want 768", len(got.Embedding))
	}
}

func TestSearch_TopKOrdering(t *testing.T) {
	s := openTestSQLiteStore(t)

	// Three chunks with decreasing similarity to axis 0.
	err := s.Upsert(ctx, "doc", chunksFor("doc",
		[]float32{0.2, 1, 0},
		[]float32{1, 0, 0},
		[]float32{1, 1, 0},
	))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := s.Search(ctx, axis(3, 0), 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ChunkIndex != 1 || results[1].ChunkIndex != 2 {
		t.Errorf("order = [%d %d], want [1 2]", results[0].ChunkIndex, results[1].ChunkIndex)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("scores not descending: %f < %f", results[0].Score, results[1].Score)
	}
}

func TestSearch_TieBreakByInsertionOrder(t *testing.T) {
	s := openTestSQLiteStore(t)

	same := axis(4, 2)
	if err := s.Upsert(ctx, "first", chunksFor("first", same)); err != nil {
		t.Fatalf("Upsert first: %v", err)
	}
	if err := s.Upsert(ctx, "second", chunksFor("second", same)); err != nil {
		t.Fatalf("Upsert second: %v", err)
	}
	if err := s.Upsert(ctx, "third", chunksFor("third", same)); err != nil {
		t.Fatalf("Upsert third: %v", err)
	}

	for i := 0; i < 3; i++ {
		results, err := s.Search(ctx, same, 2)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(results) != 2 || results[0].SourceID != "first" || results[1].SourceID != "second" {
			t.Fatalf("run %d: got %v, want [first second]", i, sourceIDs(results))
		}
	}
}

func sourceIDs(ms []Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.SourceID
	}
	return out
}

func TestUpsert_ReplacesSource(t *testing.T) {
	s := openTestSQLiteStore(t)

	vecs := [][]float32{axis(3, 0), axis(3, 1), axis(3, 2)}
	for i := 0; i < 2; i++ {
		if err := s.Upsert(ctx, "doc", chunksFor("doc", vecs...)); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d after re-upsert, want 3", n)
	}
	perSource, err := s.CountSource(ctx, "doc")
	if err != nil {
		t.Fatalf("CountSource: %v", err)
	}
	if perSource != 3 {
		t.Errorf("CountSource = %d, want 3", perSource)
	}
}

func TestSearch_EmptyStoreAndZeroVector(t *testing.T) {
	s := openTestSQLiteStore(t)

	results, err := s.Search(ctx, axis(3, 0), 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}

	if err := s.Upsert(ctx, "doc", chunksFor("doc", axis(3, 0))); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	results, err = s.Search(ctx, make([]float32, 3), 2)
	if err != nil {
		t.Fatalf("Search(zero): %v", err)
	}
	if len(results) != 0 {
		t.Errorf("zero query vector returned %d results", len(results))
	}
}

func TestUpsert_ConcurrentWriters(t *testing.T) {
	s := openTestSQLiteStore(t)

	const jobs = 8
	var wg sync.WaitGroup
	errs := make(chan error, jobs)
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := fmt.Sprintf("doc-%d", i)
			errs <- s.Upsert(ctx, src, chunksFor(src, axis(4, 0), axis(4, 1), axis(4, 2)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Upsert: %v", err)
		}
	}

	n, _ := s.Count(ctx)
	if n != jobs*3 {
		t.Errorf("Count = %d, want %d", n, jobs*3)
	}
	for i := 0; i < jobs; i++ {
		per, _ := s.CountSource(ctx, fmt.Sprintf("doc-%d", i))
		if per != 3 {
			t.Errorf("doc-%d has %d chunks, want 3", i, per)
		}
	}
}

func TestUpsert_RollsBackOnInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM chunks").WithArgs("job-1").WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare("INSERT INTO chunks")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	s := NewSQLiteStore(db)
	err = s.Upsert(ctx, "job-1", chunksFor("job-1", axis(3, 0), axis(3, 1)))
	if !errors.Is(err, apperr.ErrVectorStoreWrite) {
		t.Fatalf("err = %v, want ErrVectorStoreWrite", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSearch_ReadFailureWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT seq, embedding FROM chunks").WillReturnError(errors.New("no such table: chunks"))

	s := NewSQLiteStore(db)
	_, err = s.Search(ctx, axis(3, 0), 2)
	if !errors.Is(err, apperr.ErrVectorStoreRead) {
		t.Fatalf("err = %v, want ErrVectorStoreRead", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3.125}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %f, want %f", i, out[i], in[i])
		}
	}
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
