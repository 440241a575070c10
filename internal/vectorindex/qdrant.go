package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bad33ndj3/webrag/internal/domain"
)

// QdrantConfig configures the Qdrant REST client.
type QdrantConfig struct {
	URL        string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// Qdrant is an Index backed by the Qdrant REST API.
type Qdrant struct {
	cfg     QdrantConfig
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// pointPayload is the payload stored next to every vector.
type pointPayload struct {
	Content    string               `json:"content"`
	URL        string               `json:"url"`
	ChunkIndex int                  `json:"chunk_index"`
	Metadata   domain.ChunkMetadata `json:"metadata"`
}

type qdrantPoint struct {
	ID      string       `json:"id"`
	Vector  []float32    `json:"vector"`
	Payload pointPayload `json:"payload"`
}

type qdrantSearchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload pointPayload    `json:"payload"`
}

// NewQdrant creates a client. It does not contact the server.
func NewQdrant(cfg QdrantConfig, logger *slog.Logger) (*Qdrant, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("qdrant url required")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, fmt.Errorf("qdrant collection required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("qdrant vector dimension must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Qdrant{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("component", "qdrant", "collection", cfg.Collection),
	}, nil
}

// withHTTPClient swaps the transport; used by tests.
func (q *Qdrant) withHTTPClient(c *http.Client) *Qdrant {
	q.http = c
	return q
}

// EnsureCollection creates the collection with cosine distance. An existing
// collection is accepted if its vector size matches.
func (q *Qdrant) EnsureCollection(ctx context.Context) error {
	const op = "ensure_collection"

	req := map[string]any{
		"vectors": map[string]any{
			"size":     q.cfg.Dimension,
			"distance": "Cosine",
		},
	}
	err := q.doJSON(ctx, op, http.MethodPut, q.collectionPath(""), req, nil)
	switch {
	case err == nil:
		q.logger.Info("created vector collection", "dimension", q.cfg.Dimension)
		return nil
	case !isAlreadyExists(err):
		return err
	}

	var info struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	if err := q.doJSON(ctx, op, http.MethodGet, q.collectionPath(""), nil, &info); err != nil {
		return err
	}
	if size := info.Config.Params.Vectors.Size; size != 0 && size != q.cfg.Dimension {
		return &OperationError{
			Code:      OperationErrorValidation,
			Operation: op,
			Message: fmt.Sprintf("qdrant collection %q vector size mismatch: expected=%d actual=%d",
				q.cfg.Collection, q.cfg.Dimension, size),
		}
	}
	q.logger.Debug("vector collection already exists")
	return nil
}

func isAlreadyExists(err error) bool {
	var oe *OperationError
	if !errors.As(err, &oe) {
		return false
	}
	return oe.StatusCode == http.StatusConflict ||
		(oe.StatusCode == http.StatusBadRequest && strings.Contains(oe.Message, "already exists"))
}

func (q *Qdrant) Upsert(ctx context.Context, points []domain.IndexedPoint) error {
	const op = "upsert"
	if len(points) == 0 {
		return nil
	}

	out := make([]qdrantPoint, 0, len(points))
	for _, p := range points {
		if p.ID == "" {
			return opErr(op, OperationErrorValidation, "point id is required", nil)
		}
		if len(p.Vector) != q.cfg.Dimension {
			return opErr(op, OperationErrorValidation,
				fmt.Sprintf("point %q dimension mismatch: expected=%d got=%d", p.ID, q.cfg.Dimension, len(p.Vector)), nil)
		}
		out = append(out, qdrantPoint{
			ID:     p.ID,
			Vector: p.Vector,
			Payload: pointPayload{
				Content:    p.Chunk.Content,
				URL:        p.Chunk.SourceURL,
				ChunkIndex: p.Chunk.ChunkIndex,
				Metadata:   p.Chunk.Metadata,
			},
		})
	}

	return q.doJSON(ctx, op, http.MethodPut, q.collectionPath("/points?wait=true"), map[string]any{"points": out}, nil)
}

func (q *Qdrant) Search(ctx context.Context, vector []float32, limit int) ([]domain.SearchHit, error) {
	const op = "search"
	if len(vector) != q.cfg.Dimension {
		return nil, opErr(op, OperationErrorValidation,
			fmt.Sprintf("query vector dimension mismatch: expected=%d got=%d", q.cfg.Dimension, len(vector)), nil)
	}
	if limit <= 0 {
		limit = 5
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	var raw []qdrantSearchResultItem
	if err := q.doJSON(ctx, op, http.MethodPost, q.collectionPath("/points/search"), req, &raw); err != nil {
		return nil, err
	}

	hits := make([]domain.SearchHit, 0, len(raw))
	for _, item := range raw {
		hits = append(hits, domain.SearchHit{
			Content:    item.Payload.Content,
			URL:        item.Payload.URL,
			ChunkIndex: item.Payload.ChunkIndex,
			Score:      item.Score,
			Metadata:   item.Payload.Metadata,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

func (q *Qdrant) DeleteStale(ctx context.Context, url string, keep []string) error {
	const op = "delete_stale"
	if url == "" {
		return opErr(op, OperationErrorValidation, "url is required", nil)
	}

	filter := map[string]any{
		"must": []any{
			map[string]any{"key": "url", "match": map[string]any{"value": url}},
		},
	}
	if len(keep) > 0 {
		filter["must_not"] = []any{map[string]any{"has_id": keep}}
	}
	return q.doJSON(ctx, op, http.MethodPost, q.collectionPath("/points/delete?wait=true"), map[string]any{"filter": filter}, nil)
}

func (q *Qdrant) Count(ctx context.Context) (int, error) {
	const op = "count"
	var result struct {
		Count int `json:"count"`
	}
	if err := q.doJSON(ctx, op, http.MethodPost, q.collectionPath("/points/count"), map[string]any{"exact": true}, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (q *Qdrant) Ping(ctx context.Context) error {
	const op = "ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.baseURL+"/readyz", nil)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build ready request failed", err)
	}
	resp, err := q.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant ready check failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError(op, resp)
	}
	return nil
}

// doJSON sends in as the JSON body and decodes the "result" field of the
// answer into out. out may be nil.
func (q *Qdrant) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var answer struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant response failed", err)
	}
	if len(answer.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(answer.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

// statusError turns a non-2xx answer into an OperationError, using the
// {"status":{"error":...}} message Qdrant sends when there is one.
func statusError(op string, resp *http.Response) error {
	msg := "qdrant returned " + resp.Status
	var answer struct {
		Status struct {
			Error string `json:"error"`
		} `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&answer); err == nil && answer.Status.Error != "" {
		msg = answer.Status.Error
	}
	return &OperationError{Code: OperationErrorQueryFailed, Operation: op, StatusCode: resp.StatusCode, Message: msg}
}

func (q *Qdrant) collectionPath(suffix string) string {
	return "/collections/" + q.cfg.Collection + suffix
}
