package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
	"github.com/docsmithlabs/docsmith/internal/review"
	"github.com/docsmithlabs/docsmith/internal/vector"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Docs     ArchiveReader
	Reviews  *review.Service
	Index    *vector.Index    // optional; if nil, search_documents reports an error
	Embedder *vector.Embedder // optional, paired with Index
}

// NewMCPServer creates an MCP server exposing the archive pipeline to
// assistants: semantic document search, per-document stage lookup, and the
// open review queue.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docsmith",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docsmith — LLM-assisted metadata extraction for a self-hosted document archive."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search indexed archive documents and return the closest matches."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("document_status",
			mcp.WithDescription("Report the processing stage and tags of one archive document."),
			mcp.WithNumber("id", mcp.Description("Archive document ID"), mcp.Required()),
		),
		mcpDocumentStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("pending_reviews",
			mcp.WithDescription("List metadata suggestions waiting for a human decision."),
			mcp.WithString("type", mcp.Description("Optional filter: tag, correspondent, document_type, title, documentlink, schema_merge, schema_delete")),
		),
		mcpPendingReviews(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"docsmith://stages",
			"Pipeline Stages",
			mcp.WithResourceDescription("Processing stage tags in pipeline order"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStages(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docsmith://blocked",
			"Blocked Suggestions",
			mcp.WithResourceDescription("Suggestions the pipeline must never apply"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceBlocked(deps),
	)

	return s
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		if deps.Index == nil || deps.Embedder == nil {
			return mcpError("similarity search not available: no index configured"), nil
		}

		vec, err := deps.Embedder.Embed(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("embedding query: %v", err)), nil
		}
		scored, err := deps.Index.Search(vec, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(scored) == 0 {
			return mcpText("[]"), nil
		}

		type searchResult struct {
			DocID int64   `json:"doc_id"`
			Title string  `json:"title"`
			Score float32 `json:"score"`
		}

		results := make([]searchResult, len(scored))
		for i, s := range scored {
			results[i] = searchResult{
				DocID: s.DocID,
				Title: s.Title,
				Score: s.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpDocumentStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireInt("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		doc, err := deps.Docs.GetDocument(ctx, int64(id))
		if errors.Is(err, archive.ErrNotFound) {
			return mcpError(fmt.Sprintf("document %d not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("fetching document: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"doc_id": doc.ID,
			"title":  doc.Title,
			"stage":  pipeline.StatusOf(doc.Tags),
			"tags":   doc.Tags,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpPendingReviews(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		typeFilter := req.GetString("type", "")

		items, err := deps.Reviews.List(typeFilter)
		if err != nil {
			return mcpError(fmt.Sprintf("listing reviews: %v", err)), nil
		}

		if len(items) == 0 {
			return mcpText("[]"), nil
		}

		type reviewSummary struct {
			ID           string `json:"id"`
			DocID        int64  `json:"doc_id,omitempty"`
			DocTitle     string `json:"doc_title,omitempty"`
			Type         string `json:"type"`
			Suggestion   string `json:"suggestion"`
			Reasoning    string `json:"reasoning,omitempty"`
			Attempts     int    `json:"attempts"`
			LastFeedback string `json:"last_feedback,omitempty"`
			CreatedAt    string `json:"created_at"`
		}

		summaries := make([]reviewSummary, len(items))
		for i, it := range items {
			summaries[i] = reviewSummary{
				ID:           it.ID,
				DocID:        it.DocID,
				DocTitle:     it.DocTitle,
				Type:         it.Type,
				Suggestion:   it.Suggestion,
				Reasoning:    it.Reasoning,
				Attempts:     it.Attempts,
				LastFeedback: it.LastFeedback,
				CreatedAt:    it.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal reviews: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpResourceStages(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(pipeline.Stages)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stages: %w", err)
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

func mcpResourceBlocked(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		blocked, err := deps.Reviews.ListBlocked()
		if err != nil {
			return nil, fmt.Errorf("failed to list blocklist: %w", err)
		}

		type blockedSummary struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Type   string `json:"type"`
			Reason string `json:"reason,omitempty"`
		}

		summaries := make([]blockedSummary, len(blocked))
		for i, b := range blocked {
			summaries[i] = blockedSummary{
				ID:     b.ID,
				Name:   b.Name,
				Type:   b.BlockType,
				Reason: b.Reason,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal blocklist: %w", err)
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
