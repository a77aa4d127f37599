package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
	"github.com/ameya051/chat-with-pdf/internal/query"
	"github.com/ameya051/chat-with-pdf/internal/stream"
)

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		q := r.URL.Query()

		message := q.Get("message")
		if message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		streaming := false
		if raw := q.Get("stream"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "stream must be a boolean, got %q", raw)
				return
			}
			streaming = v
		}

		if !streaming {
			answer, err := deps.Query.Answer(ctx, message)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				deps.Logger.ErrorContext(ctx, "answering failed", "kind", apperr.Kind(err), "error", err)
				httpError(w, http.StatusBadGateway, apperr.Kind(err)+"_error", "%s", query.PublicMessage(err))
				return
			}
			writeJSON(w, http.StatusOK, answer)
			return
		}

		if _, ok := w.(http.Flusher); !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}
		stream.SetHeaders(w)
		w.WriteHeader(http.StatusOK)

		sw := stream.NewWriter(w)
		err := deps.Query.Stream(ctx, message, sw.Send)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			deps.Logger.InfoContext(ctx, "client went away mid-stream")
		default:
			// The error event has already been written.
			deps.Logger.WarnContext(ctx, "stream ended with error", "kind", apperr.Kind(err))
		}
	}
}
