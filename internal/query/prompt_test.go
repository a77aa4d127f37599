package query

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ameya051/chat-with-pdf/internal/retrieval"
	"github.com/ameya051/chat-with-pdf/internal/stream"
)

func TestCompose_SystemInstructionAndContext(t *testing.T) {
	c := NewComposer(4000)
	p := c.Compose("What is the refund policy?", refundMatches())

	if p.User != "What is the refund policy?" {
		t.Errorf("User = %q", p.User)
	}
	if !strings.HasPrefix(p.System, systemInstruction+"\nContext:\n") {
		t.Fatalf("system prompt missing instruction header: %q", p.System)
	}

	var docs []stream.Doc
	raw := strings.TrimPrefix(p.System, systemInstruction+"\nContext:\n")
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		t.Fatalf("context is not JSON: %v", err)
	}
	if len(docs) != 2 || docs[0].PageContent != "Refunds within 30 days." || docs[0].Metadata.Source != "policy.pdf" {
		t.Errorf("unexpected context docs: %+v", docs)
	}
}

func TestCompose_EmptyContext(t *testing.T) {
	p := NewComposer(0).Compose("hello", nil)
	if !strings.HasSuffix(p.System, "Context:\n[]") {
		t.Errorf("expected empty JSON context, got %q", p.System)
	}
}

func TestCompose_BudgetDropsLowestRanked(t *testing.T) {
	long := strings.Repeat("x", 400) // ~100 tokens
	matches := []retrieval.Match{
		{Chunk: retrieval.Chunk{Text: "best " + long}, Score: 0.9},
		{Chunk: retrieval.Chunk{Text: "second " + long}, Score: 0.8},
	}
	budget := EstimateTokens(systemInstruction) + EstimateTokens("q") + 150
	p := NewComposer(budget).Compose("q", matches)

	if !strings.Contains(p.System, "best ") {
		t.Error("top match should be kept")
	}
	if strings.Contains(p.System, "second ") {
		t.Error("lower match should be dropped when over budget")
	}
	if len(p.Docs) != 1 || !strings.HasPrefix(p.Docs[0].PageContent, "best ") {
		t.Errorf("Docs = %d entries, want only the top match", len(p.Docs))
	}
}

func TestDocsFromMatches_KeepsOrderAndMetadata(t *testing.T) {
	docs := DocsFromMatches(refundMatches())
	if len(docs) != 2 {
		t.Fatalf("got %d docs", len(docs))
	}
	if docs[1].Metadata.ChunkIndex != 7 || docs[1].Metadata.SourceID != "job-1" || docs[1].Score != 0.72 {
		t.Errorf("unexpected doc: %+v", docs[1])
	}
	if got := DocsFromMatches(nil); got == nil || len(got) != 0 {
		t.Errorf("DocsFromMatches(nil) = %#v, want empty non-nil", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
