package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/bad33ndj3/webrag/internal/domain"
)

var validate = validator.New()

// NormalizeURL trims rawURL and checks it is an absolute http(s) URL.
func NormalizeURL(rawURL string) (string, error) {
	u := strings.TrimSpace(rawURL)
	if err := validate.Var(u, "required,http_url"); err != nil {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidURL, rawURL)
	}
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidURL, rawURL)
	}
	return u, nil
}

// StatusCounts summarises all records.
type StatusCounts struct {
	Pending    int64 `json:"pending_urls"`
	Processing int64 `json:"processing_urls"`
	Completed  int64 `json:"completed_urls"`
	Failed     int64 `json:"failed_urls"`
	Total      int64 `json:"total_urls"`
}

// Overview counts records per status.
func (c *Coordinator) Overview(ctx context.Context) (StatusCounts, error) {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return StatusCounts{}, err
	}
	out := StatusCounts{
		Pending:    counts[domain.StatusPending],
		Processing: counts[domain.StatusProcessing],
		Completed:  counts[domain.StatusCompleted],
		Failed:     counts[domain.StatusFailed],
	}
	out.Total = out.Pending + out.Processing + out.Completed + out.Failed
	return out, nil
}

// Record returns one record by id, or domain.ErrNotFound.
func (c *Coordinator) Record(ctx context.Context, id uint) (*domain.IngestionRecord, error) {
	return c.store.GetByID(ctx, id)
}

// Records lists records newest first.
func (c *Coordinator) Records(ctx context.Context, limit, offset int) ([]domain.IngestionRecord, error) {
	return c.store.List(ctx, limit, offset)
}
