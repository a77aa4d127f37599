package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrLeaseLost is returned when a job transition is attempted with a lease
// token that no longer owns the job (the lease expired and the job was
// requeued or claimed by another worker).
var ErrLeaseLost = errors.New("job lease lost")

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

type Job struct {
	ID               string
	Filename         string // stored name under the upload directory
	OriginalFilename string // name the client uploaded
	PayloadJSON      string // {"filename","original_name","destination","path"}
	Status           JobStatus
	Attempts         int
	MaxAttempts      int
	RunAfter         time.Time
	LeaseToken       string
	LockedUntil      time.Time
	LastError        string
	FailureKind      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
