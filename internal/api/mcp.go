package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ameya051/chat-with-pdf/internal/query"
	"github.com/ameya051/chat-with-pdf/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Query   Answerer
	Jobs    JobReader
	Version string
}

const (
	mcpDefaultLimit = 2
	mcpMaxLimit     = 50
	mcpRecentJobs   = 10
)

// NewMCPServer creates an MCP server exposing questions, search and job
// status over the uploaded documents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"chatpdf",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chatpdf answers questions grounded in uploaded PDF documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_pdf",
			mcp.WithDescription("Answer a question using the uploaded PDF documents. Returns the answer and the passages it was grounded in."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_pdf",
			mcp.WithDescription("Return the passages most similar to a query without generating an answer."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of passages (default 2)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Report the ingestion status of an uploaded document by job id."),
			mcp.WithString("id", mcp.Description("Job id returned by the upload"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chatpdf://jobs/recent",
			"Recent Jobs",
			mcp.WithResourceDescription("The most recently updated ingestion jobs"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentJobs(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil || question == "" {
			return mcpError("question is required"), nil
		}

		answer, err := deps.Query.Answer(ctx, question)
		if err != nil {
			return mcpError(query.PublicMessage(err)), nil
		}

		b, err := json.Marshal(answer)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := req.RequireString("query")
		if err != nil || q == "" {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", mcpDefaultLimit)
		if limit <= 0 {
			limit = mcpDefaultLimit
		}
		if limit > mcpMaxLimit {
			limit = mcpMaxLimit
		}

		matches, err := deps.Query.Search(ctx, q, limit)
		if err != nil {
			return mcpError(query.PublicMessage(err)), nil
		}

		b, err := json.Marshal(query.DocsFromMatches(matches))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || id == "" {
			return mcpError("id is required"), nil
		}

		job, err := deps.Jobs.GetJob(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read job: %v", err)), nil
		}

		b, err := json.Marshal(NewJobView(job))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecentJobs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Jobs.ListJobs(ctx, "", mcpRecentJobs)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}

		views := make([]JobView, len(jobs))
		for i, j := range jobs {
			views[i] = NewJobView(j)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
