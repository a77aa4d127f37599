package ollama

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ameya051/chat-with-pdf/internal/query"
)

// EnsureReady checks that Ollama is running and that the chat and embedding
// models are available, pulling missing ones with progress written to w.
// The chat model is then warmed up so the first question does not pay the
// cold-load penalty. Returns a non-nil error if Ollama is unreachable.
func EnsureReady(ctx context.Context, c *Client, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running at %s. Start it with: ollama serve", c.baseURL)
	}

	for _, model := range []string{c.chatModel, c.embedModel} {
		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	fmt.Fprintf(w, "model %s: warming up...\n", c.chatModel)
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.Generate(warmCtx, query.Prompt{User: "ping"}); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", c.chatModel, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", c.chatModel)
	}

	return nil
}
