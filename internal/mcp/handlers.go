// Package mcp provides MCP tool handlers for the webrag server.
// These handlers parse MCP request arguments and delegate to ingestion and search.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bad33ndj3/webrag/internal/domain"
	"github.com/bad33ndj3/webrag/internal/ingest"
	"github.com/bad33ndj3/webrag/internal/search"
)

// Ingestor is the ingestion side the tools call.
type Ingestor interface {
	Submit(ctx context.Context, url string, force bool) (ingest.SubmitResult, error)
	Overview(ctx context.Context) (ingest.StatusCounts, error)
	Record(ctx context.Context, id uint) (*domain.IngestionRecord, error)
	Records(ctx context.Context, limit, offset int) ([]domain.IngestionRecord, error)
}

// Querier is the query side the tools call.
type Querier interface {
	Query(ctx context.Context, question string, limit int) (search.Response, error)
}

// IngestArgs defines the arguments for the ingest_url tool.
type IngestArgs struct {
	URL   string `json:"url" jsonschema_description:"Absolute http(s) URL of the page to ingest"`
	Force bool   `json:"force,omitempty" jsonschema_description:"Re-fetch and re-index even if the content is unchanged (default: false)"`
}

// IngestManyArgs defines the arguments for the ingest_urls tool.
type IngestManyArgs struct {
	URLs  []string `json:"urls" jsonschema_description:"URLs of pages to ingest"`
	Force bool     `json:"force,omitempty" jsonschema_description:"Force re-fetch of every URL (default: false)"`
}

// RefreshArgs defines the arguments for the refresh_url tool.
type RefreshArgs struct {
	URL string `json:"url" jsonschema_description:"URL to re-fetch and re-index"`
}

// StatusArgs defines the arguments for the ingestion_status tool.
type StatusArgs struct {
	ID uint `json:"id,omitempty" jsonschema_description:"Record id returned by ingest_url (omit for counts per status)"`
}

// QueryArgs defines the arguments for the query tool.
type QueryArgs struct {
	Query string `json:"query" jsonschema_description:"Natural-language question about the ingested pages"`
	Limit int    `json:"limit,omitempty" jsonschema_description:"Number of passages to retrieve (default 5, max 20)"`
}

// Handlers wraps ingestion and search and provides MCP tool handlers.
type Handlers struct {
	ingest Ingestor
	query  Querier
	logger *slog.Logger
}

// NewHandlers creates handlers with the given collaborators and logger.
func NewHandlers(ing Ingestor, q Querier, logger *slog.Logger) *Handlers {
	return &Handlers{ingest: ing, query: q, logger: logger}
}

// Register adds every tool to server.
func (h *Handlers) Register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingest_url",
		Description: "Queue a web page for ingestion. Unchanged pages that were already ingested are skipped.",
	}, h.IngestURL)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingest_urls",
		Description: "Queue several web pages for ingestion in one call.",
	}, h.IngestURLs)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "refresh_url",
		Description: "Force a re-fetch and re-index of a web page.",
	}, h.RefreshURL)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingestion_status",
		Description: "Show one ingestion record by id, or counts per status when id is omitted.",
	}, h.IngestionStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_ingestions",
		Description: "List the most recently updated ingestion records.",
	}, h.ListIngestions)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "query",
		Description: "Answer a question from the ingested pages. Returns the answer and the cited sources.",
	}, h.Query)
}

// IngestURL handles the ingest_url tool call.
func (h *Handlers) IngestURL(ctx context.Context, req *mcp.CallToolRequest, args IngestArgs) (*mcp.CallToolResult, any, error) {
	return h.submit(ctx, "ingest_url", args.URL, args.Force)
}

// RefreshURL handles the refresh_url tool call.
func (h *Handlers) RefreshURL(ctx context.Context, req *mcp.CallToolRequest, args RefreshArgs) (*mcp.CallToolResult, any, error) {
	return h.submit(ctx, "refresh_url", args.URL, true)
}

func (h *Handlers) submit(ctx context.Context, tool, url string, force bool) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(url) == "" {
		h.logger.Error(tool + ": url is required")
		return nil, nil, fmt.Errorf("url is required")
	}

	h.logger.Debug(tool+": submitting", "url", url, "force", force)

	res, err := h.ingest.Submit(ctx, url, force)
	if err != nil {
		h.logger.Error(tool+": failed", "url", url, "error", err)
		return nil, nil, err
	}

	h.logger.Info(tool+": success", "url", res.URL, "id", res.RecordID, "status", res.Status, "queued", res.Queued)

	msg := fmt.Sprintf("%s\n\nid: %d\nurl: %s\nstatus: %s\n", res.Message, res.RecordID, res.URL, res.Status)
	return textResult(msg), nil, nil
}

// IngestURLs handles the ingest_urls tool call.
// A failing URL is reported in the summary and does not stop the others.
func (h *Handlers) IngestURLs(ctx context.Context, req *mcp.CallToolRequest, args IngestManyArgs) (*mcp.CallToolResult, any, error) {
	if len(args.URLs) == 0 {
		h.logger.Error("ingest_urls: urls is required")
		return nil, nil, fmt.Errorf("urls is required (provide at least one URL)")
	}

	h.logger.Debug("ingest_urls: submitting", "count", len(args.URLs), "force", args.Force)

	var sb strings.Builder
	queued, skipped, failed := 0, 0, 0

	for _, url := range args.URLs {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}

		res, err := h.ingest.Submit(ctx, url, args.Force)
		if err != nil {
			h.logger.Error("ingest_urls: failed", "url", url, "error", err)
			failed++
			fmt.Fprintf(&sb, "- FAILED: %s (%v)\n", url, err)
			continue
		}

		if res.Queued {
			queued++
		} else {
			skipped++
		}
		fmt.Fprintf(&sb, "- %s: %s (id: %d)\n", res.URL, res.Message, res.RecordID)
	}

	h.logger.Info("ingest_urls: complete", "queued", queued, "skipped", skipped, "failed", failed)

	header := fmt.Sprintf("Queued %d URLs (%d skipped, %d failed)\n\n", queued, skipped, failed)
	return textResult(header + sb.String()), nil, nil
}

// IngestionStatus handles the ingestion_status tool call.
func (h *Handlers) IngestionStatus(ctx context.Context, req *mcp.CallToolRequest, args StatusArgs) (*mcp.CallToolResult, any, error) {
	var payload any
	if args.ID == 0 {
		counts, err := h.ingest.Overview(ctx)
		if err != nil {
			h.logger.Error("ingestion_status: overview failed", "error", err)
			return nil, nil, err
		}
		payload = counts
	} else {
		rec, err := h.ingest.Record(ctx, args.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, fmt.Errorf("URL not found")
		}
		if err != nil {
			h.logger.Error("ingestion_status: lookup failed", "id", args.ID, "error", err)
			return nil, nil, err
		}
		payload = rec
	}

	jsonBytes, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode status: %w", err)
	}
	return textResult(string(jsonBytes)), nil, nil
}

// ListIngestions handles the list_ingestions tool call.
func (h *Handlers) ListIngestions(ctx context.Context, req *mcp.CallToolRequest, args struct{}) (*mcp.CallToolResult, any, error) {
	h.logger.Debug("list_ingestions: listing records")

	// Cap the list to keep the response small.
	const maxDisplay = 50
	recs, err := h.ingest.Records(ctx, maxDisplay, 0)
	if err != nil {
		h.logger.Error("list_ingestions: failed", "error", err)
		return nil, nil, err
	}

	if len(recs) == 0 {
		return textResult("No URLs ingested yet. Use ingest_url first."), nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Ingested URLs: %d\n\n", len(recs))
	for _, rec := range recs {
		fmt.Fprintf(&sb, "- id: %d\n  url: %s\n  status: %s\n", rec.ID, rec.URL, rec.Status)
		if rec.ErrorMessage != nil {
			fmt.Fprintf(&sb, "  error: %s\n", *rec.ErrorMessage)
		}
	}

	h.logger.Info("list_ingestions: success", "count", len(recs))
	return textResult(sb.String()), nil, nil
}

// Query handles the query tool call.
func (h *Handlers) Query(ctx context.Context, req *mcp.CallToolRequest, args QueryArgs) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(args.Query) == "" {
		h.logger.Error("query: query is required")
		return nil, nil, fmt.Errorf("query is required")
	}

	h.logger.Debug("query: answering", "query", args.Query, "limit", args.Limit)

	resp, err := h.query.Query(ctx, args.Query, args.Limit)
	if err != nil {
		h.logger.Error("query: failed", "error", err)
		return nil, nil, err
	}

	h.logger.Info("query: success", "sources", len(resp.Sources), "answer_length", len(resp.Answer))

	var sb strings.Builder
	sb.WriteString(resp.Answer)
	if len(resp.Sources) > 0 {
		sb.WriteString("\n\nSources:\n")
		for _, src := range resp.Sources {
			fmt.Fprintf(&sb, "- %s (score %.3f)\n  %s\n", src.URL, src.RelevanceScore, src.ContentPreview)
		}
	}
	return textResult(sb.String()), nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
