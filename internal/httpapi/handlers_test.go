package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bad33ndj3/webrag/internal/answer"
	"github.com/bad33ndj3/webrag/internal/chunker"
	"github.com/bad33ndj3/webrag/internal/domain"
	"github.com/bad33ndj3/webrag/internal/ingest"
	"github.com/bad33ndj3/webrag/internal/search"
	"github.com/bad33ndj3/webrag/internal/testutil"
)

const articleURL = "https://example.com/post"

var article = strings.Repeat("Gin is a web framework written in Go with a martini-like API. ", 20)

type env struct {
	router  *gin.Engine
	coord   *ingest.Coordinator
	store   *testutil.MockStore
	fetcher *testutil.MockFetcher
	index   *testutil.CountingIndex
	queue   *testutil.RecordingQueue
	gen     *testutil.MockGenerator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := &env{
		store:   testutil.NewMockStore(),
		fetcher: testutil.NewMockFetcher(),
		index:   testutil.NewCountingIndex(),
		queue:   &testutil.RecordingQueue{},
		gen:     &testutil.MockGenerator{Text: "Gin is a Go web framework.", Up: true},
	}
	e.fetcher.Pages[articleURL] = article
	emb := &testutil.MockEmbedder{}
	e.coord = ingest.New(ingest.Deps{
		Store:    e.store,
		Fetcher:  e.fetcher,
		Chunker:  chunker.New(chunker.Config{}),
		Embedder: emb,
		Index:    e.index,
		Queue:    e.queue,
		Clock:    testutil.NewMockClock(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)),
		Logger:   testutil.DiscardLogger(),
	})
	svc := search.NewService(emb, e.index, e.gen, testutil.DiscardLogger())
	e.router = NewRouter(NewHandler(e.coord, svc), testutil.DiscardLogger(), nil)
	return e
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthCheck(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/healthcheck", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestIngestURL_Queued(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/ingest-url", `{"url":"`+articleURL+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[map[string]any](t, rec)
	assert.Equal(t, ingest.MsgQueued, res["message"])
	assert.Equal(t, articleURL, res["url"])
	assert.Equal(t, "pending", res["status"])
	assert.Equal(t, 1, e.queue.Len())
}

func TestIngestURL_InvalidURL(t *testing.T) {
	e := newEnv(t)

	for _, body := range []string{`{"url":"not a url"}`, `{"url":""}`, `{}`, `{"url":"ftp://example.com"}`} {
		rec := e.do(t, http.MethodPost, "/ingest-url", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		env := decode[ErrorEnvelope](t, rec)
		assert.Equal(t, "Invalid URL format", env.Error.Message)
		assert.Equal(t, "invalid_url", env.Error.Code)
	}
	assert.Zero(t, e.queue.Len())
}

func TestIngestURL_MalformedBody(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/ingest-url", `{"url":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode[ErrorEnvelope](t, rec).Error.Code)
}

func TestIngestURL_UnchangedIsNotQueued(t *testing.T) {
	e := newEnv(t)
	_, err := e.coord.Run(context.Background(), articleURL, false)
	require.NoError(t, err)
	upserts := e.index.Upserts

	rec := e.do(t, http.MethodPost, "/ingest-url", `{"url":"`+articleURL+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[map[string]any](t, rec)
	assert.Equal(t, "Processed Earlier & Unchanged", res["message"])
	assert.Equal(t, "completed", res["status"])
	assert.Zero(t, e.queue.Len(), "no task enqueued")
	assert.Equal(t, upserts, e.index.Upserts)
}

func TestIngestURL_ForceRefreshQuery(t *testing.T) {
	e := newEnv(t)
	_, err := e.coord.Run(context.Background(), articleURL, false)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/ingest-url?force_refresh=true", `{"url":"`+articleURL+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ingest.MsgQueued, decode[map[string]any](t, rec)["message"])
	require.Equal(t, 1, e.queue.Len())
	assert.True(t, e.queue.Tasks[0].ForceRefresh)

	rec = e.do(t, http.MethodPost, "/ingest-url?force_refresh=maybe", `{"url":"`+articleURL+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshURL_ImpliesForce(t *testing.T) {
	e := newEnv(t)
	_, err := e.coord.Run(context.Background(), articleURL, false)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/refresh-url", `{"url":"`+articleURL+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, e.queue.Len())
	assert.True(t, e.queue.Tasks[0].ForceRefresh)
}

func TestIngestURL_QueueDown(t *testing.T) {
	e := newEnv(t)
	e.queue.Err = errors.New("redis: connection refused")

	rec := e.do(t, http.MethodPost, "/ingest-url", `{"url":"`+articleURL+`"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.HasPrefix(decode[ErrorEnvelope](t, rec).Error.Message, "Failed to queue URL: "))
}

func TestStatus(t *testing.T) {
	e := newEnv(t)
	_, err := e.coord.Run(context.Background(), articleURL, false)
	require.NoError(t, err)
	rec := e.do(t, http.MethodPost, "/ingest-url", `{"url":"https://example.com/next"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	counts := decode[map[string]int](t, rec)
	assert.Equal(t, map[string]int{
		"pending_urls":    1,
		"processing_urls": 0,
		"completed_urls":  1,
		"failed_urls":     0,
		"total_urls":      2,
	}, counts)
}

func TestStatusByID(t *testing.T) {
	e := newEnv(t)
	res, err := e.coord.Run(context.Background(), articleURL, false)
	require.NoError(t, err)

	rec := e.do(t, http.MethodGet, "/status/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[domain.IngestionRecord](t, rec)
	assert.Equal(t, res.Submit.RecordID, got.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, domain.ContentHash(article), got.StoredHash())

	rec = e.do(t, http.MethodGet, "/status/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "URL not found", decode[ErrorEnvelope](t, rec).Error.Message)

	rec = e.do(t, http.MethodGet, "/status/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRecords(t *testing.T) {
	e := newEnv(t)
	for _, u := range []string{"https://a.example", "https://b.example", "https://c.example"} {
		rec := e.do(t, http.MethodPost, "/ingest-url", `{"url":"`+u+`"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := e.do(t, http.MethodGet, "/records?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Records []domain.IngestionRecord `json:"records"`
		Limit   int                      `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Limit)
	require.Len(t, body.Records, 2)
	assert.Equal(t, "https://c.example", body.Records[0].URL)

	rec = e.do(t, http.MethodGet, "/records?offset=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuery_EmptyIsRejected(t *testing.T) {
	e := newEnv(t)

	for _, body := range []string{`{"query":""}`, `{"query":"   "}`, `{}`} {
		rec := e.do(t, http.MethodPost, "/query", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "Query cannot be empty", decode[ErrorEnvelope](t, rec).Error.Message)
	}
	assert.False(t, e.index.Touched(), "index must not be touched")
}

func TestQuery_EmptyIndex(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/query", `{"query":"what is gin?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sources":[]`)

	resp := decode[search.Response](t, rec)
	assert.Equal(t, answer.NoIndexedSource, resp.Answer)
	assert.Equal(t, "what is gin?", resp.Query)
}

func TestQuery_Answer(t *testing.T) {
	e := newEnv(t)
	_, err := e.coord.Run(context.Background(), articleURL, false)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/query", `{"query":"what is gin?","limit":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[search.Response](t, rec)
	assert.Equal(t, "Gin is a Go web framework.", resp.Answer)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, articleURL, resp.Sources[0].URL)
	assert.True(t, strings.HasSuffix(resp.Sources[0].ContentPreview, "..."))
}

func TestQuery_IndexFailure(t *testing.T) {
	e := newEnv(t)
	e.index.SearchErr = errors.New("qdrant: connection refused")

	rec := e.do(t, http.MethodPost, "/query", `{"query":"what is gin?"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.HasPrefix(decode[ErrorEnvelope](t, rec).Error.Message, "Query processing failed: "))
}

func TestQueryHealth(t *testing.T) {
	e := newEnv(t)
	e.gen.Up = false

	rec := e.do(t, http.MethodGet, "/query/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[search.Health](t, rec)
	assert.Equal(t, "healthy", h.Status)
	assert.False(t, h.LLMAvailable)
	assert.Equal(t, map[string]string{"vector_store": "available", "llm": "unavailable"}, h.Services)
}

func TestCORS(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_RestrictedOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"http://localhost:5173"}))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
