package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var ctx = context.Background()

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(s *Store) *fakeClock {
	c := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = c.Now
	return c
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func enqueue(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.EnqueueJob(ctx, Job{
		ID:          id,
		Filename:    id + ".pdf",
		PayloadJSON: fmt.Sprintf(`{"filename":"%s.pdf","destination":"uploads/","path":"uploads/%s.pdf"}`, id, id),
	})
	if err != nil {
		t.Fatalf("EnqueueJob(%s): %v", id, err)
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("applied %d migrations, want 2", len(versions))
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("versions not ascending: %v", versions)
		}
	}
}

func TestTablesExist(t *testing.T) {
	s := openTestStore(t)

	for _, table := range []string{"jobs", "chunks"} {
		var name string
		err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock(s)
	enqueue(t, s, "job-1")

	got, err := s.ClaimNextJob(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got == nil {
		t.Fatal("ClaimNextJob returned nil")
	}
	if got.ID != "job-1" {
		t.Errorf("ID = %q, want job-1", got.ID)
	}
	if got.Status != JobProcessing {
		t.Errorf("Status = %q, want processing", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if got.LeaseToken == "" {
		t.Error("LeaseToken is empty")
	}
	if want := clock.Now().Add(time.Minute); !got.LockedUntil.Equal(want) {
		t.Errorf("LockedUntil = %v, want %v", got.LockedUntil, want)
	}
	if got.MaxAttempts != defaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", got.MaxAttempts, defaultMaxAttempts)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ClaimNextJob(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestClaimNextJob_FIFO(t *testing.T) {
	s := openTestStore(t)
	newFakeClock(s)
	for _, id := range []string{"a", "b", "c"} {
		enqueue(t, s, id)
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := s.ClaimNextJob(ctx, time.Minute)
		if err != nil {
			t.Fatalf("ClaimNextJob: %v", err)
		}
		if got == nil || got.ID != want {
			t.Fatalf("claimed %+v, want %s", got, want)
		}
	}
}

func TestClaimNextJob_SkipsProcessing(t *testing.T) {
	s := openTestStore(t)
	newFakeClock(s)
	enqueue(t, s, "only")

	if _, err := s.ClaimNextJob(ctx, time.Minute); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	got, err := s.ClaimNextJob(ctx, time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if got != nil {
		t.Errorf("job claimed twice: %+v", got)
	}
}

func TestClaimJob_ByID(t *testing.T) {
	s := openTestStore(t)
	newFakeClock(s)
	enqueue(t, s, "a")
	enqueue(t, s, "b")

	got, err := s.ClaimJob(ctx, "b", time.Minute)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if got == nil || got.ID != "b" {
		t.Fatalf("claimed %+v, want b", got)
	}

	dup, err := s.ClaimJob(ctx, "b", time.Minute)
	if err != nil {
		t.Fatalf("duplicate ClaimJob: %v", err)
	}
	if dup != nil {
		t.Errorf("duplicate delivery claimed the job again")
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)
	newFakeClock(s)
	enqueue(t, s, "job-1")

	job, _ := s.ClaimNextJob(ctx, time.Minute)
	if err := s.CompleteJob(ctx, job.ID, job.LeaseToken); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != JobDone {
		t.Errorf("Status = %q, want done", got.Status)
	}
	if got.LeaseToken != "" {
		t.Errorf("LeaseToken = %q, want cleared", got.LeaseToken)
	}
}

func TestCompleteJob_WrongToken(t *testing.T) {
	s := openTestStore(t)
	newFakeClock(s)
	enqueue(t, s, "job-1")

	job, _ := s.ClaimNextJob(ctx, time.Minute)
	err := s.CompleteJob(ctx, job.ID, "not-the-token")
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("CompleteJob err = %v, want ErrLeaseLost", err)
	}
}

func TestFailJob_RetryWithBackoff(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock(s)
	enqueue(t, s, "job-1")

	job, _ := s.ClaimNextJob(ctx, time.Minute)
	status, err := s.FailJob(ctx, job.ID, job.LeaseToken, "embedding", "503 from provider", true)
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if status != JobQueued {
		t.Errorf("status = %q, want queued", status)
	}

	got, _ := s.GetJob(ctx, "job-1")
	if got.LastError != "503 from provider" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if got.FailureKind != "embedding" {
		t.Errorf("FailureKind = %q, want embedding", got.FailureKind)
	}
	// First attempt: 2^1 seconds.
	if want := clock.Now().Add(2 * time.Second); !got.RunAfter.Equal(want) {
		t.Errorf("RunAfter = %v, want %v", got.RunAfter, want)
	}

	// Not runnable until the backoff elapses.
	if j, _ := s.ClaimNextJob(ctx, time.Minute); j != nil {
		t.Fatal("job claimed before backoff elapsed")
	}
	clock.Advance(2 * time.Second)
	j, err := s.ClaimNextJob(ctx, time.Minute)
	if err != nil || j == nil {
		t.Fatalf("claim after backoff: job=%v err=%v", j, err)
	}
	if j.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", j.Attempts)
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock(s)
	if err := s.EnqueueJob(ctx, Job{ID: "j", Filename: "j.pdf", PayloadJSON: `{}`, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	for i := 0; i < 2; i++ {
		job, err := s.ClaimNextJob(ctx, time.Minute)
		if err != nil || job == nil {
			t.Fatalf("claim %d: job=%v err=%v", i, job, err)
		}
		status, err := s.FailJob(ctx, job.ID, job.LeaseToken, "embedding", "boom", true)
		if err != nil {
			t.Fatalf("FailJob: %v", err)
		}
		want := JobQueued
		if i == 1 {
			want = JobFailed
		}
		if status != want {
			t.Errorf("attempt %d status = %q, want %q", i+1, status, want)
		}
		clock.Advance(time.Hour)
	}
}

func TestFailJob_NoRetryIsTerminal(t *testing.T) {
	s := openTestStore(t)
	newFakeClock(s)
	enqueue(t, s, "corrupt")

	job, _ := s.ClaimNextJob(ctx, time.Minute)
	status, err := s.FailJob(ctx, job.ID, job.LeaseToken, "parse", "not a pdf", false)
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if status != JobFailed {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestReleaseJob_DoesNotConsumeAttempt(t *testing.T) {
	s := openTestStore(t)
	newFakeClock(s)
	enqueue(t, s, "job-1")

	job, _ := s.ClaimNextJob(ctx, time.Minute)
	if err := s.ReleaseJob(ctx, job.ID, job.LeaseToken); err != nil {
		t.Fatalf("ReleaseJob: %v", err)
	}

	got, _ := s.GetJob(ctx, "job-1")
	if got.Status != JobQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", got.Attempts)
	}

	again, err := s.ClaimNextJob(ctx, time.Minute)
	if err != nil || again == nil {
		t.Fatalf("reclaim: job=%v err=%v", again, err)
	}
}

func TestRequeueExpired(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock(s)
	enqueue(t, s, "crashed")

	stale, _ := s.ClaimNextJob(ctx, time.Minute)

	// Lease still valid: nothing to requeue.
	n, err := s.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("requeued %d before expiry, want 0", n)
	}

	clock.Advance(time.Minute)
	n, err = s.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	fresh, err := s.ClaimNextJob(ctx, time.Minute)
	if err != nil || fresh == nil {
		t.Fatalf("reclaim after expiry: job=%v err=%v", fresh, err)
	}
	if fresh.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", fresh.Attempts)
	}

	// The crashed worker's late completion must not win.
	if err := s.CompleteJob(ctx, stale.ID, stale.LeaseToken); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("stale CompleteJob err = %v, want ErrLeaseLost", err)
	}
	if err := s.CompleteJob(ctx, fresh.ID, fresh.LeaseToken); err != nil {
		t.Errorf("fresh CompleteJob: %v", err)
	}
}

func TestRequeueExpired_ExhaustedFails(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock(s)
	if err := s.EnqueueJob(ctx, Job{ID: "j", Filename: "j.pdf", PayloadJSON: `{}`, MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	if _, err := s.ClaimNextJob(ctx, time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := s.RequeueExpired(ctx); err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}

	got, _ := s.GetJob(ctx, "j")
	if got.Status != JobFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.FailureKind != "lease_expired" {
		t.Errorf("FailureKind = %q, want lease_expired", got.FailureKind)
	}
}

func TestExtendLease(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock(s)
	enqueue(t, s, "long")

	job, _ := s.ClaimNextJob(ctx, time.Minute)
	clock.Advance(50 * time.Second)
	if err := s.ExtendLease(ctx, job.ID, job.LeaseToken, time.Minute); err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	clock.Advance(30 * time.Second)

	n, err := s.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("RequeueExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("extended lease was requeued")
	}
	if err := s.ExtendLease(ctx, job.ID, "other", time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("ExtendLease with foreign token err = %v, want ErrLeaseLost", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetJob(ctx, "missing")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListAndCountJobs(t *testing.T) {
	s := openTestStore(t)
	clock := newFakeClock(s)
	for _, id := range []string{"a", "b", "c"} {
		enqueue(t, s, id)
		clock.Advance(time.Millisecond)
	}
	job, _ := s.ClaimNextJob(ctx, time.Minute)
	if err := s.CompleteJob(ctx, job.ID, job.LeaseToken); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	all, err := s.ListJobs(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("ListJobs = %d jobs starting %q, want 3 starting c", len(all), all[0].ID)
	}

	queued, err := s.ListJobs(ctx, JobQueued, 10)
	if err != nil {
		t.Fatalf("ListJobs(queued): %v", err)
	}
	if len(queued) != 2 {
		t.Errorf("queued = %d, want 2", len(queued))
	}

	counts, err := s.CountJobs(ctx)
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if counts[JobDone] != 1 || counts[JobQueued] != 2 {
		t.Errorf("counts = %v", counts)
	}
}

func TestEnqueueJob_KeepsOriginalFilename(t *testing.T) {
	s := openTestStore(t)
	err := s.EnqueueJob(ctx, Job{
		ID:               "orig",
		Filename:         "1700000000000-42-Contract Final.pdf",
		OriginalFilename: "Contract Final.pdf",
		PayloadJSON:      `{}`,
	})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.GetJob(ctx, "orig")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.OriginalFilename != "Contract Final.pdf" {
		t.Errorf("OriginalFilename = %q", got.OriginalFilename)
	}
	if got.Filename != "1700000000000-42-Contract Final.pdf" {
		t.Errorf("Filename = %q", got.Filename)
	}
}
