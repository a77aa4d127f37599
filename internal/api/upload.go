package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ameya051/chat-with-pdf/internal/ingest"
)

const (
	uploadField = "pdf"
	// multipartSlack covers boundaries and part headers on top of the file.
	multipartSlack = 1 << 20
	pdfMagic       = "%PDF-"
)

// JobIDHeader echoes the id of the job an upload created.
const JobIDHeader = "X-Job-ID"

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		limit := deps.MaxUploadBytes + multipartSlack
		if r.ContentLength > limit {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "file exceeds %d bytes", deps.MaxUploadBytes)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)

		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "file exceeds %d bytes", deps.MaxUploadBytes)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile(uploadField)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "missing file field %q", uploadField)
			return
		}
		defer file.Close()

		if header.Size > deps.MaxUploadBytes {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "file exceeds %d bytes", deps.MaxUploadBytes)
			return
		}

		name := filepath.Base(header.Filename)
		if !strings.EqualFold(filepath.Ext(name), ".pdf") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "only PDF files are accepted")
			return
		}

		head := make([]byte, len(pdfMagic))
		if _, err := io.ReadFull(file, head); err != nil || !bytes.Equal(head, []byte(pdfMagic)) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "file is not a PDF")
			return
		}

		if err := os.MkdirAll(deps.UploadDir, 0o750); err != nil {
			deps.Logger.ErrorContext(ctx, "creating upload directory failed", "dir", deps.UploadDir, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store upload")
			return
		}

		stored := fmt.Sprintf("%d-%d-%s", time.Now().UnixMilli(), rand.N(1_000_000_000), name)
		path := filepath.Join(deps.UploadDir, stored)
		if err := saveUpload(path, io.MultiReader(bytes.NewReader(head), file)); err != nil {
			deps.Logger.ErrorContext(ctx, "saving upload failed", "path", path, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store upload")
			return
		}

		jobID, err := deps.Queue.Enqueue(ctx, ingest.Payload{
			Filename:     stored,
			OriginalName: name,
			Destination:  deps.UploadDir,
			Path:         path,
		})
		if err != nil {
			os.Remove(path)
			deps.Logger.ErrorContext(ctx, "enqueueing upload failed", "path", path, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue upload")
			return
		}

		deps.Logger.InfoContext(ctx, "upload accepted", "job_id", jobID, "filename", name, "bytes", header.Size)
		w.Header().Set(JobIDHeader, jobID)
		writeJSON(w, http.StatusOK, map[string]string{"message": "uploaded"})
	}
}

// saveUpload writes r to path, removing the partial file on failure.
func saveUpload(path string, r io.Reader) error {
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		os.Remove(path)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}
