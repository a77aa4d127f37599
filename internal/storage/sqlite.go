package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultMaxAttempts = 3

// Store wraps a SQLite database holding the ingestion job queue and the
// default vector store table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "chatpdf.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection: writers from the worker pool and readers from the
	// query path queue on it instead of failing with "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle so the SQLite vector store can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Jobs ---

const jobColumns = `id, filename, original_filename, payload_json, status, attempts, max_attempts, run_after,
	lease_token, locked_until, last_error, failure_kind, created_at, updated_at`

// EnqueueJob durably records a queued job. It never waits on processing.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := s.now().UTC()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, filename, original_filename, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.Filename, job.OriginalFilename, job.PayloadJSON, JobQueued, maxAttempts,
		runAfter.UnixMilli(), now.UnixMilli(), now.UnixMilli(),
	)
	return err
}

// ClaimNextJob leases the oldest runnable queued job for lease, or returns
// nil when none is runnable. Claiming consumes one attempt.
func (s *Store) ClaimNextJob(ctx context.Context, lease time.Duration) (*Job, error) {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE status = ? AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC, rowid ASC
		LIMIT 1`, JobQueued, now.UnixMilli()).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	job, err := s.claimTx(ctx, tx, id, now, lease)
	if err != nil || job == nil {
		return job, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return job, nil
}

// ClaimJob leases the named job if it is queued. It returns nil when the
// job is already processing or terminal, which callers treat as a duplicate
// delivery.
func (s *Store) ClaimJob(ctx context.Context, id string, lease time.Duration) (*Job, error) {
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := s.claimTx(ctx, tx, id, now, lease)
	if err != nil || job == nil {
		return job, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return job, nil
}

func (s *Store) claimTx(ctx context.Context, tx *sql.Tx, id string, now time.Time, lease time.Duration) (*Job, error) {
	token := uuid.New().String()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = attempts + 1, lease_token = ?, locked_until = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobProcessing, token, now.Add(lease).UnixMilli(), now.UnixMilli(), id, JobQueued)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reading claimed job %s: %w", id, err)
	}
	return &job, nil
}

// ExtendLease pushes the lease of a processing job forward. It returns
// ErrLeaseLost when token no longer owns the job.
func (s *Store) ExtendLease(ctx context.Context, id, token string, lease time.Duration) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET locked_until = ?, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status = ?`,
		now.Add(lease).UnixMilli(), now.UnixMilli(), id, token, JobProcessing)
	if err != nil {
		return err
	}
	return leaseHeld(res)
}

// CompleteJob marks a leased job done.
func (s *Store) CompleteJob(ctx context.Context, id, token string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, lease_token = NULL, locked_until = NULL, last_error = NULL, failure_kind = NULL, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status = ?`,
		JobDone, now.UnixMilli(), id, token, JobProcessing)
	if err != nil {
		return err
	}
	return leaseHeld(res)
}

// FailJob records a failed attempt. When retry is true and attempts remain,
// the job goes back to the queue with exponential backoff; otherwise it is
// marked failed. The resulting status is returned.
func (s *Store) FailJob(ctx context.Context, id, token, kind, errMsg string, retry bool) (JobStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ? AND lease_token = ? AND status = ?`,
		id, token, JobProcessing).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return "", ErrLeaseLost
	}
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	status := JobFailed
	if retry && attempts < maxAttempts {
		status = JobQueued
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, lease_token = NULL, locked_until = NULL, last_error = ?, failure_kind = ?, run_after = ?, updated_at = ?
			WHERE id = ?`,
			status, errMsg, kind, now.Add(backoff).UnixMilli(), now.UnixMilli(), id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, lease_token = NULL, locked_until = NULL, last_error = ?, failure_kind = ?, updated_at = ?
			WHERE id = ?`,
			status, errMsg, kind, now.UnixMilli(), id)
	}
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}

// ReleaseJob returns an interrupted job to the queue without consuming the
// attempt its claim took.
func (s *Store) ReleaseJob(ctx context.Context, id, token string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = MAX(attempts - 1, 0), lease_token = NULL, locked_until = NULL, run_after = ?, updated_at = ?
		WHERE id = ? AND lease_token = ? AND status = ?`,
		JobQueued, now.UnixMilli(), now.UnixMilli(), id, token, JobProcessing)
	if err != nil {
		return err
	}
	return leaseHeld(res)
}

// RequeueExpired returns processing jobs whose lease has expired to the
// queue, or fails them when their attempts are exhausted. It returns the
// number of jobs touched.
func (s *Store) RequeueExpired(ctx context.Context) (int, error) {
	now := s.now().UTC().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
			failure_kind = 'lease_expired',
			last_error = 'lease expired before the job finished',
			lease_token = NULL, locked_until = NULL, run_after = ?, updated_at = ?
		WHERE status = ? AND locked_until <= ?`,
		JobFailed, JobQueued, now, now, JobProcessing, now)
	if err != nil {
		return 0, fmt.Errorf("requeueing expired jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	return job, err
}

// ListJobs returns the most recent jobs, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountJobs returns the number of jobs per status.
func (s *Store) CountJobs(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[JobStatus(st)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var status string
	var runAfter, createdAt, updatedAt int64
	var token, lastError, kind sql.NullString
	var lockedUntil sql.NullInt64
	err := row.Scan(&j.ID, &j.Filename, &j.OriginalFilename, &j.PayloadJSON, &status, &j.Attempts, &j.MaxAttempts, &runAfter,
		&token, &lockedUntil, &lastError, &kind, &createdAt, &updatedAt)
	if err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	j.RunAfter = time.UnixMilli(runAfter).UTC()
	j.LeaseToken = token.String
	if lockedUntil.Valid {
		j.LockedUntil = time.UnixMilli(lockedUntil.Int64).UTC()
	}
	j.LastError = lastError.String
	j.FailureKind = kind.String
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	j.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return j, nil
}

func leaseHeld(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
