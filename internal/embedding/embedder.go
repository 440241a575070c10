// Package embedding turns text into fixed-length vectors via Ollama.
// Vectors are cached by the exact text so repeated chunks and repeated
// queries never reach the model twice.
package embedding

import (
	"context"
	"fmt"

	"github.com/bad33ndj3/webrag/internal/domain"
)

// Config holds settings for the embedding client.
type Config struct {
	Host      string // Ollama server URL (default: "http://localhost:11434")
	Model     string // Embedding model (default: "all-minilm")
	Dimension int    // Expected vector length (default: 384)
}

// DefaultConfig returns sensible defaults for local Ollama.
func DefaultConfig() Config {
	return Config{
		Host:      "http://localhost:11434",
		Model:     "all-minilm",
		Dimension: 384,
	}
}

// Model is the raw embedding capability.
type Model interface {
	// EmbedBatch embeds all texts in one call, returning vectors in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Available returns true if the embedding service is reachable.
	Available(ctx context.Context) bool
}

// Provider is what the pipelines depend on.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Available(ctx context.Context) bool
}

// VectorCache is the subset of cache.EmbeddingCache the provider uses.
type VectorCache interface {
	Get(ctx context.Context, text string) ([]float32, bool)
	Set(ctx context.Context, text string, vec []float32)
	GetBatch(ctx context.Context, texts []string) [][]float32
	SetBatch(ctx context.Context, texts []string, vecs [][]float32)
}

// CachedProvider puts a VectorCache in front of a Model.
type CachedProvider struct {
	model Model
	cache VectorCache
	dim   int
}

// NewCachedProvider creates a provider. cache may be nil; dim <= 0 disables
// the dimension check.
func NewCachedProvider(model Model, cache VectorCache, dim int) *CachedProvider {
	return &CachedProvider{model: model, cache: cache, dim: dim}
}

// Dimension returns the configured vector length.
func (p *CachedProvider) Dimension() int { return p.dim }

// Available reports whether the underlying model is reachable.
func (p *CachedProvider) Available(ctx context.Context) bool { return p.model.Available(ctx) }

// Embed returns the vector for a single text, from cache when possible.
func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.cache != nil {
		if vec, ok := p.cache.Get(ctx, text); ok && p.fits(vec) {
			return vec, nil
		}
	}

	vecs, err := p.compute(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Set(ctx, text, vecs[0])
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input, in input order.
// The cache is read in one round trip; only the uncached texts (each once)
// go to the model in a single call, and the new vectors are written back in
// one round trip.
func (p *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	var cached [][]float32
	if p.cache != nil {
		cached = p.cache.GetBatch(ctx, texts)
	}

	// positions of each uncached text, keyed by the text itself
	pending := make(map[string][]int)
	var missing []string
	for i, t := range texts {
		if i < len(cached) && cached[i] != nil && p.fits(cached[i]) {
			out[i] = cached[i]
			continue
		}
		if _, seen := pending[t]; !seen {
			missing = append(missing, t)
		}
		pending[t] = append(pending[t], i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := p.compute(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, t := range missing {
		for _, i := range pending[t] {
			out[i] = vecs[j]
		}
	}
	if p.cache != nil {
		p.cache.SetBatch(ctx, missing, vecs)
	}
	return out, nil
}

// compute calls the model and validates the answer.
func (p *CachedProvider) compute(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := p.model.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, &domain.EmbeddingError{Err: err}
	}
	if len(vecs) != len(texts) {
		return nil, &domain.EmbeddingError{Err: fmt.Errorf("model returned %d vectors for %d inputs", len(vecs), len(texts))}
	}
	for i, v := range vecs {
		if !p.fits(v) {
			return nil, &domain.EmbeddingError{Err: fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), p.dim)}
		}
	}
	return vecs, nil
}

func (p *CachedProvider) fits(vec []float32) bool {
	if len(vec) == 0 {
		return false
	}
	return p.dim <= 0 || len(vec) == p.dim
}
