package chat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
	"github.com/ameya051/chat-with-pdf/internal/stream"
)

// HTTPTransport opens answer streams against GET /chat?stream=true.
type HTTPTransport struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// Open starts a streaming request. Cancelling ctx aborts the body read.
func (t *HTTPTransport) Open(ctx context.Context, question string) (EventStream, error) {
	q := url.Values{}
	q.Set("message", question)
	q.Set("stream", "true")
	u := strings.TrimRight(t.BaseURL, "/") + "/chat?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %d: %s", apperr.ErrTransport, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &httpEventStream{body: resp.Body, r: stream.NewReader(resp.Body)}, nil
}

type httpEventStream struct {
	body   io.ReadCloser
	r      *stream.Reader
	closed bool
}

func (s *httpEventStream) Next() (stream.Event, error) {
	return s.r.Next()
}

func (s *httpEventStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
