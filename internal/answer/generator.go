// Package answer turns retrieved passages into a grounded answer with an
// Ollama generative model.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/bad33ndj3/webrag/internal/domain"
)

// Fixed answers.
const (
	Apology         = "Sorry, the language model is not available."
	NotEnoughInfo   = "I don't have enough information to answer this question."
	NoIndexedSource = "I don't have any information to answer this question. Please try ingesting some URLs first."
)

// Result is the outcome of one generation. When OK is false, Text holds the
// apology and Err the cause; callers never need to branch on an error.
type Result struct {
	Text string
	OK   bool
	Err  error
}

// Generator produces an answer from passages.
type Generator interface {
	Answer(ctx context.Context, query string, passages []domain.SearchHit) Result
	Available(ctx context.Context) bool
}

// Config holds settings for the generator.
type Config struct {
	Host    string        // Ollama server URL
	Model   string        // e.g. "llama3.2:3b"
	Timeout time.Duration // bound on one generation (default 60s)
}

// OllamaGenerator calls Ollama's generate endpoint without streaming.
type OllamaGenerator struct {
	client  *api.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewOllamaGenerator creates a generator connected to Ollama.
func NewOllamaGenerator(cfg Config, httpClient *http.Client, logger *slog.Logger) (*OllamaGenerator, error) {
	u, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OllamaGenerator{
		client:  api.NewClient(u, httpClient),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "answer"),
	}, nil
}

// BuildPrompt concatenates every passage with its source URL and asks the
// model to answer from that context only.
func BuildPrompt(query string, passages []domain.SearchHit) string {
	parts := make([]string, len(passages))
	for i, p := range passages {
		parts[i] = fmt.Sprintf("Source: %s\nContent: %s", p.URL, p.Content)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Based on the following context, answer the question. If the answer cannot be found in the context, say %q\n\n", NotEnoughInfo)
	b.WriteString("Context:\n")
	b.WriteString(strings.Join(parts, "\n\n"))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\n\nAnswer:")
	return b.String()
}

// Answer generates an answer. Failures degrade to the apology.
func (g *OllamaGenerator) Answer(ctx context.Context, query string, passages []domain.SearchHit) Result {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	stream := false
	var out strings.Builder
	err := g.client.Generate(ctx, &api.GenerateRequest{
		Model:  g.model,
		Prompt: BuildPrompt(query, passages),
		Stream: &stream,
	}, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err == nil && strings.TrimSpace(out.String()) == "" {
		err = errors.New("model returned an empty response")
	}
	if err != nil {
		g.logger.Warn("answer generation failed", "model", g.model, "error", err)
		return Result{Text: Apology, Err: &domain.AnswerGenerationError{Err: err}}
	}
	return Result{Text: out.String(), OK: true}
}

// Available reports whether the configured model is installed. Names are
// matched by prefix so "llama3.2" finds "llama3.2:3b".
func (g *OllamaGenerator) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	list, err := g.client.List(ctx)
	if err != nil {
		g.logger.Debug("list models failed", "error", err)
		return false
	}
	for _, m := range list.Models {
		if strings.HasPrefix(m.Name, g.model) {
			return true
		}
	}
	return false
}
