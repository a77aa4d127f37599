package query

import (
	"encoding/json"
	"strings"

	"github.com/ameya051/chat-with-pdf/internal/retrieval"
	"github.com/ameya051/chat-with-pdf/internal/stream"
)

const (
	defaultMaxContextTokens = 4000

	systemInstruction = "You are helpful AI Assistant who answers the user query based on the available context from PDF File."
)

// Prompt is a grounded request for a Generator.
type Prompt struct {
	System string
	User   string
	// Docs are the matches that fit the context budget, in rank order.
	// They are the sources cited for the answer.
	Docs []stream.Doc
}

// Composer builds grounding prompts from retrieved matches and the user's
// question.
type Composer struct {
	MaxContextTokens int
}

// NewComposer creates a Composer with the given token budget for injected
// context. If maxContextTokens <= 0, the default (4000) is used.
func NewComposer(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose returns the system instruction followed by a "Context:" section
// holding the matches as JSON. Matches keep their ranking; the lowest-ranked
// ones are dropped when the budget is exceeded.
func (c *Composer) Compose(question string, matches []retrieval.Match) Prompt {
	docs := DocsFromMatches(matches)

	remaining := c.MaxContextTokens - EstimateTokens(systemInstruction) - EstimateTokens(question)
	selected := make([]stream.Doc, 0, len(docs))
	for _, d := range docs {
		tokens := EstimateTokens(d.PageContent) + 16
		if tokens > remaining {
			break
		}
		selected = append(selected, d)
		remaining -= tokens
	}

	var sb strings.Builder
	sb.WriteString(systemInstruction)
	sb.WriteString("\nContext:\n")
	ctxJSON, _ := json.Marshal(selected)
	sb.Write(ctxJSON)

	return Prompt{System: sb.String(), User: question, Docs: selected}
}

// DocsFromMatches converts retrieved matches to their wire form, keeping order.
func DocsFromMatches(matches []retrieval.Match) []stream.Doc {
	docs := make([]stream.Doc, len(matches))
	for i, m := range matches {
		docs[i] = stream.Doc{
			PageContent: m.Text,
			Metadata: stream.DocMetadata{
				Source:     m.Source,
				SourceID:   m.SourceID,
				ChunkIndex: m.ChunkIndex,
				Loc:        stream.Loc{PageNumber: m.PageNumber},
			},
			Score: m.Score,
		}
	}
	return docs
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
