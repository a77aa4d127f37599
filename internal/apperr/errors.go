// Package apperr defines the failure taxonomy shared by the ingestion
// pipeline, the query service and the client reducer.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrUpload marks a rejected upload (bad type or size). Nothing is enqueued.
	ErrUpload = errors.New("upload rejected")
	// ErrJobParse marks a document that could not be parsed into text.
	ErrJobParse = errors.New("job parse failed")
	// ErrEmbedding marks an embedding provider failure after retries.
	ErrEmbedding = errors.New("embedding failed")
	// ErrVectorStoreWrite marks a failed upsert into the vector store.
	ErrVectorStoreWrite = errors.New("vector store write failed")
	// ErrVectorStoreRead marks a failed similarity search.
	ErrVectorStoreRead = errors.New("vector store read failed")
	// ErrGeneration marks a generation provider failure, before or during streaming.
	ErrGeneration = errors.New("generation failed")
	// ErrTransport marks an interrupted or malformed client-side event stream.
	ErrTransport = errors.New("transport failed")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrUpload, "upload"},
	{ErrJobParse, "parse"},
	{ErrEmbedding, "embedding"},
	{ErrVectorStoreWrite, "vector_store_write"},
	{ErrVectorStoreRead, "vector_store_read"},
	{ErrGeneration, "generation"},
	{ErrTransport, "transport"},
}

// Kind returns a short, log-friendly name for the taxonomy member err wraps.
// Context cancellation reports "canceled"; anything else reports "internal".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "internal"
}

// StatusError carries the HTTP status a provider answered with.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return e.Err.Error() }

func (e *StatusError) Unwrap() error { return e.Err }

// Permanent reports whether a provider rejected the request itself, so
// repeating it cannot succeed: any 4xx except 408 and 429.
func Permanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.Code >= 400 && se.Code < 500
}

// Retryable reports whether a failed ingestion attempt may be retried.
// Parse failures are permanent: the same bytes will not parse on a retry.
// Neither will a request the provider rejected outright.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrJobParse) && !errors.Is(err, ErrUpload) && !Permanent(err)
}
