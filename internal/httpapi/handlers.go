package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/bad33ndj3/webrag/internal/domain"
	"github.com/bad33ndj3/webrag/internal/ingest"
	"github.com/bad33ndj3/webrag/internal/search"
)

// Record listing bounds for GET /records.
const (
	defaultRecordLimit = 50
	maxRecordLimit     = 200
)

// Ingestor is the ingestion side used by the handlers.
type Ingestor interface {
	Submit(ctx context.Context, url string, force bool) (ingest.SubmitResult, error)
	Overview(ctx context.Context) (ingest.StatusCounts, error)
	Record(ctx context.Context, id uint) (*domain.IngestionRecord, error)
	Records(ctx context.Context, limit, offset int) ([]domain.IngestionRecord, error)
}

// Querier is the query side used by the handlers.
type Querier interface {
	Query(ctx context.Context, question string, limit int) (search.Response, error)
	Health(ctx context.Context) search.Health
}

// IngestRequest is the body of POST /ingest-url and POST /refresh-url.
type IngestRequest struct {
	URL string `json:"url" binding:"required,http_url"`
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// Handler serves the ingestion and query routes.
type Handler struct {
	ingest Ingestor
	query  Querier
}

// NewHandler creates a Handler.
func NewHandler(ing Ingestor, q Querier) *Handler {
	return &Handler{ingest: ing, query: q}
}

// HealthCheck is the liveness probe.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// POST /ingest-url?force_refresh=bool
func (h *Handler) IngestURL(c *gin.Context) {
	force, err := strconv.ParseBool(c.DefaultQuery("force_refresh", "false"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("force_refresh must be a boolean"))
		return
	}
	h.submit(c, force)
}

// POST /refresh-url
func (h *Handler) RefreshURL(c *gin.Context) {
	h.submit(c, true)
}

func (h *Handler) submit(c *gin.Context, force bool) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			RespondError(c, http.StatusBadRequest, "invalid_url", errors.New("Invalid URL format"))
			return
		}
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	res, err := h.ingest.Submit(c.Request.Context(), req.URL, force)
	switch {
	case errors.Is(err, domain.ErrInvalidURL):
		RespondError(c, http.StatusBadRequest, "invalid_url", errors.New("Invalid URL format"))
		return
	case err != nil:
		RespondError(c, http.StatusInternalServerError, "queue_failed", fmt.Errorf("Failed to queue URL: %w", err))
		return
	}
	RespondOK(c, res)
}

// GET /status
func (h *Handler) StatusOverview(c *gin.Context) {
	counts, err := h.ingest.Overview(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "status_failed", err)
		return
	}
	RespondOK(c, counts)
}

// GET /status/:id
func (h *Handler) StatusByID(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 0)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_id", fmt.Errorf("invalid record id %q", c.Param("id")))
		return
	}
	rec, err := h.ingest.Record(c.Request.Context(), uint(id))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		RespondError(c, http.StatusNotFound, "not_found", errors.New("URL not found"))
		return
	case err != nil:
		RespondError(c, http.StatusInternalServerError, "status_failed", err)
		return
	}
	RespondOK(c, rec)
}

// GET /records?limit&offset
func (h *Handler) ListRecords(c *gin.Context) {
	limit, err := intQuery(c, "limit", defaultRecordLimit)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	limit = min(max(limit, 1), maxRecordLimit)
	offset = max(offset, 0)

	recs, err := h.ingest.Records(c.Request.Context(), limit, offset)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	RespondOK(c, gin.H{"records": recs, "limit": limit, "offset": offset})
}

// POST /query
func (h *Handler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	resp, err := h.query.Query(c.Request.Context(), req.Query, req.Limit)
	switch {
	case errors.Is(err, domain.ErrEmptyQuery):
		RespondError(c, http.StatusBadRequest, "empty_query", errors.New("Query cannot be empty"))
		return
	case err != nil:
		RespondError(c, http.StatusInternalServerError, "query_failed", fmt.Errorf("Query processing failed: %w", err))
		return
	}
	RespondOK(c, resp)
}

// GET /query/health
func (h *Handler) QueryHealth(c *gin.Context) {
	RespondOK(c, h.query.Health(c.Request.Context()))
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}
