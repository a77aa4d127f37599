// Package gemini embeds text and generates answers with the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ameya051/chat-with-pdf/internal/apperr"
	"github.com/ameya051/chat-with-pdf/internal/query"
)

const (
	DefaultEmbedModel = "text-embedding-004"
	DefaultChatModel  = "gemini-1.5-flash"

	// maxBatch is the API limit on requests per batchEmbedContents call.
	maxBatch = 100
)

// Config selects models. Empty fields take the defaults.
type Config struct {
	APIKey     string
	EmbedModel string
	ChatModel  string
}

// Client wraps a genai client for embedding and generation.
type Client struct {
	client     *genai.Client
	embedModel string
	chatModel  string
}

// NewClient connects to Gemini. Extra options are passed to the genai client.
func NewClient(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key not configured")
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = DefaultEmbedModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	opts = append(opts, option.WithAPIKey(cfg.APIKey))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Client{client: client, embedModel: cfg.EmbedModel, chatModel: cfg.ChatModel}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Embed returns the embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	slog.DebugContext(ctx, "embedding content", "model", c.embedModel, "length", len(text))
	res, err := c.client.EmbeddingModel(c.embedModel).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, withStatus(err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, errors.New("empty embedding received")
	}
	return res.Embedding.Values, nil
}

// EmbedBatch embeds texts with batchEmbedContents, preserving order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	em := c.client.EmbeddingModel(c.embedModel)
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatch {
		end := min(start+maxBatch, len(texts))
		b := em.NewBatch()
		for _, t := range texts[start:end] {
			b.AddContent(genai.Text(t))
		}
		res, err := em.BatchEmbedContents(ctx, b)
		if err != nil {
			return nil, withStatus(err)
		}
		if len(res.Embeddings) != end-start {
			return nil, fmt.Errorf("got %d embeddings for %d texts", len(res.Embeddings), end-start)
		}
		for i, e := range res.Embeddings {
			if e == nil || len(e.Values) == 0 {
				return nil, fmt.Errorf("empty embedding for text %d", start+i)
			}
			out = append(out, e.Values)
		}
	}
	return out, nil
}

func (c *Client) model(p query.Prompt) *genai.GenerativeModel {
	m := c.client.GenerativeModel(c.chatModel)
	if p.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.System)}}
	}
	return m
}

// Generate returns the whole answer for p.
func (c *Client) Generate(ctx context.Context, p query.Prompt) (string, error) {
	resp, err := c.model(p).GenerateContent(ctx, genai.Text(p.User))
	if err != nil {
		return "", err
	}
	return responseText(resp), nil
}

// Stream starts a streamed generation for p. Close cancels the request.
func (c *Client) Stream(ctx context.Context, p query.Prompt) (query.DeltaStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	it := c.model(p).GenerateContentStream(ctx, genai.Text(p.User))
	return &deltaStream{it: it, cancel: cancel}, nil
}

type deltaStream struct {
	it     *genai.GenerateContentResponseIterator
	cancel context.CancelFunc
	once   sync.Once
}

func (s *deltaStream) Recv() (string, error) {
	for {
		resp, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if text := responseText(resp); text != "" {
			return text, nil
		}
	}
}

func (s *deltaStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}

// withStatus attaches the HTTP status of an API error so callers can tell
// rejected requests from transient failures.
func withStatus(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &apperr.StatusError{Code: gerr.Code, Err: err}
	}
	return err
}
