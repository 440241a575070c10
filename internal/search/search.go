// Package search answers natural-language questions from the indexed pages:
// embed the question, find the nearest chunks, and let the generator answer
// from them.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bad33ndj3/webrag/internal/answer"
	"github.com/bad33ndj3/webrag/internal/domain"
	"github.com/bad33ndj3/webrag/internal/text"
)

// Result limits and preview size.
const (
	DefaultLimit  = 5
	MaxLimit      = 20
	PreviewLength = 200
)

// Embedder embeds the question. It must use the same model as ingestion.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher is the read side of the vector index.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, limit int) ([]domain.SearchHit, error)
	Ping(ctx context.Context) error
}

// Source is one cited passage in a Response.
type Source struct {
	URL            string  `json:"url"`
	ContentPreview string  `json:"content_preview"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Response is the answer to one question.
type Response struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources"`
	Query   string   `json:"query"`
}

// Health reports whether the query path's collaborators are reachable.
type Health struct {
	Status       string            `json:"status"`
	LLMAvailable bool              `json:"llm_available"`
	Services     map[string]string `json:"services"`
}

// Service runs the query pipeline. It never writes to any store.
type Service struct {
	embedder  Embedder
	index     VectorSearcher
	generator answer.Generator
	logger    *slog.Logger
}

// NewService creates a query Service.
func NewService(e Embedder, idx VectorSearcher, gen answer.Generator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		embedder:  e,
		index:     idx,
		generator: gen,
		logger:    logger.With("component", "search"),
	}
}

// ClampLimit applies the default and the upper bound to a requested limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// Query answers question from at most limit passages.
//
// A blank question fails with domain.ErrEmptyQuery before any I/O. An empty
// index yields answer.NoIndexedSource and no sources. A generator failure
// does not fail the query; the apology is returned as the answer.
func (s *Service) Query(ctx context.Context, question string, limit int) (Response, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		return Response{}, domain.ErrEmptyQuery
	}
	limit = ClampLimit(limit)

	vector, err := s.embedder.Embed(ctx, q)
	if err != nil {
		return Response{}, fmt.Errorf("embed query: %w", err)
	}

	hits, err := s.index.Search(ctx, vector, limit)
	if err != nil {
		return Response{}, fmt.Errorf("search index: %w", err)
	}

	if len(hits) == 0 {
		s.logger.Info("no passages found", "query", q)
		return Response{Answer: answer.NoIndexedSource, Sources: []Source{}, Query: question}, nil
	}

	res := s.generator.Answer(ctx, q, hits)
	if !res.OK {
		s.logger.Warn("answer generation failed", "error", res.Err)
	}

	sources := make([]Source, len(hits))
	for i, h := range hits {
		sources[i] = Source{
			URL:            h.URL,
			ContentPreview: text.Preview(h.Content, PreviewLength),
			RelevanceScore: h.Score,
		}
	}

	s.logger.Debug("query answered", "query", q, "sources", len(sources), "llm_ok", res.OK)
	return Response{Answer: res.Text, Sources: sources, Query: question}, nil
}

// Health checks the vector index and the generative model.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:   "healthy",
		Services: map[string]string{"vector_store": "available", "llm": "unavailable"},
	}
	if err := s.index.Ping(ctx); err != nil {
		s.logger.Warn("vector store unreachable", "error", err)
		h.Status = "degraded"
		h.Services["vector_store"] = "unavailable"
	}
	if s.generator.Available(ctx) {
		h.LLMAvailable = true
		h.Services["llm"] = "available"
	}
	return h
}
