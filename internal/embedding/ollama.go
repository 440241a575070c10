package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

// maxBatch bounds how many inputs go into a single Ollama embed request.
const maxBatch = 64

// OllamaEmbedder wraps the Ollama API for embedding generation.
type OllamaEmbedder struct {
	client *api.Client
	model  string
}

// NewOllamaEmbedder creates an embedder connected to Ollama.
func NewOllamaEmbedder(cfg Config) (*OllamaEmbedder, error) {
	return NewOllamaEmbedderWithClient(cfg, http.DefaultClient)
}

// NewOllamaEmbedderWithClient uses httpClient for every request.
func NewOllamaEmbedderWithClient(cfg Config, httpClient *http.Client) (*OllamaEmbedder, error) {
	u, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}

	return &OllamaEmbedder{
		client: api.NewClient(u, httpClient),
		model:  cfg.Model,
	}, nil
}

// Embed generates a single embedding vector.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends the inputs to Ollama as array input, up to maxBatch per request.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += maxBatch {
		end := min(i+maxBatch, len(texts))

		resp, err := e.client.Embed(ctx, &api.EmbedRequest{
			Model: e.model,
			Input: texts[i:end],
		})
		if err != nil {
			return nil, fmt.Errorf("ollama embed batch[%d:%d]: %w", i, end, err)
		}
		if len(resp.Embeddings) != end-i {
			return nil, fmt.Errorf("ollama returned %d embeddings for batch[%d:%d]", len(resp.Embeddings), i, end)
		}
		results = append(results, resp.Embeddings...)
	}

	return results, nil
}

// Available checks if Ollama is reachable.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := e.client.Version(ctx)
	return err == nil
}
