// Package fetcher acquires the text of a web page for ingestion.
// It tries a cheap static fetch first and falls back to rendering the page
// in a headless browser when the static result is too thin.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/bad33ndj3/webrag/internal/cache"
	"github.com/bad33ndj3/webrag/internal/domain"
	"github.com/bad33ndj3/webrag/internal/text"
)

// DefaultMinUsableLength is the shortest extraction accepted without falling
// back to the render tier.
const DefaultMinUsableLength = 100

// ExtractionPolicy decides whether extracted text is good enough to index.
type ExtractionPolicy struct {
	MinUsableLength int
}

// Usable reports whether s is long enough to be worth indexing.
func (p ExtractionPolicy) Usable(s string) bool {
	return text.RuneLen(s) >= p.MinUsableLength
}

// StaticSource is the cheap tier.
type StaticSource interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// ContentStore is the subset of the content cache the fetcher needs.
type ContentStore interface {
	Get(ctx context.Context, url string) (cache.ContentEntry, bool)
	Set(ctx context.Context, url string, entry cache.ContentEntry)
}

// Options controls a single Fetch call.
type Options struct {
	// ForceRefresh skips the content cache.
	ForceRefresh bool

	// PreviousHash is the hash stored on the ingestion record, "" if none.
	PreviousHash string
}

// Fetcher is the two-tier ContentFetcher.
type Fetcher struct {
	static   StaticSource
	renderer Renderer
	cache    ContentStore
	limiter  *rate.Limiter
	policy   ExtractionPolicy
	now      func() time.Time
	logger   *slog.Logger
}

// Config wires a Fetcher. Renderer and Cache may be nil.
type Config struct {
	Static   StaticSource
	Renderer Renderer
	Cache    ContentStore
	Policy   ExtractionPolicy

	// RenderLimit bounds browser launches per second; zero means unlimited.
	RenderLimit rate.Limit
	RenderBurst int

	Now    func() time.Time
	Logger *slog.Logger
}

// New creates a Fetcher from cfg.
func New(cfg Config) *Fetcher {
	if cfg.Policy.MinUsableLength <= 0 {
		cfg.Policy.MinUsableLength = DefaultMinUsableLength
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit, burst := cfg.RenderLimit, cfg.RenderBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Fetcher{
		static:   cfg.Static,
		renderer: cfg.Renderer,
		cache:    cfg.Cache,
		limiter:  rate.NewLimiter(limit, burst),
		policy:   cfg.Policy,
		now:      cfg.Now,
		logger:   cfg.Logger.With("component", "fetcher"),
	}
}

// Fetch returns the current text of url. A fresh cache entry is used unless
// opts.ForceRefresh is set; otherwise the static tier runs and the render
// tier is tried when the static result is missing or too short.
// The result is written back to the content cache.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) (domain.RawContent, error) {
	if !opts.ForceRefresh && f.cache != nil {
		if entry, ok := f.cache.Get(ctx, url); ok && entry.Text != "" {
			f.logger.Debug("content cache hit", "url", url)
			return domain.RawContent{
				URL:            url,
				Text:           entry.Text,
				ContentHash:    entry.Hash,
				FromCache:      true,
				ContentChanged: entry.Hash != opts.PreviousHash,
				Strategy:       domain.StrategyCache,
			}, nil
		}
	}

	body, strategy, err := f.fetchLive(ctx, url)
	if err != nil {
		return domain.RawContent{}, &domain.FetchError{URL: url, Err: err}
	}

	hash := domain.ContentHash(body)
	if f.cache != nil {
		f.cache.Set(ctx, url, cache.ContentEntry{Text: body, Hash: hash, FetchedAt: f.now().UTC()})
	}

	return domain.RawContent{
		URL:            url,
		Text:           body,
		ContentHash:    hash,
		ContentChanged: hash != opts.PreviousHash,
		Strategy:       strategy,
	}, nil
}

func (f *Fetcher) fetchLive(ctx context.Context, url string) (string, domain.FetchStrategy, error) {
	var staticErr error
	if f.static != nil {
		body, err := f.static.Fetch(ctx, url)
		switch {
		case err != nil:
			staticErr = err
			f.logger.Info("static fetch failed", "url", url, "error", err)
		case f.policy.Usable(body):
			return body, domain.StrategyStatic, nil
		default:
			staticErr = fmt.Errorf("extracted %d characters, need %d", text.RuneLen(body), f.policy.MinUsableLength)
			f.logger.Info("static extraction too short", "url", url, "length", text.RuneLen(body))
		}
	}

	if f.renderer == nil {
		if staticErr == nil {
			staticErr = errors.New("no fetch strategy configured")
		}
		return "", "", staticErr
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return "", "", fmt.Errorf("wait for render slot: %w", err)
	}

	start := f.now()
	markup, err := f.renderer.Render(ctx, url)
	if err != nil {
		return "", "", errors.Join(staticErr, err)
	}
	body, err := VisibleText(markup)
	if err != nil {
		return "", "", err
	}
	f.logger.Info("rendered page", "url", url, "length", text.RuneLen(body), "elapsed", f.now().Sub(start))

	if !f.policy.Usable(body) {
		return "", "", fmt.Errorf("rendered page has %d characters of text, need %d", text.RuneLen(body), f.policy.MinUsableLength)
	}
	return body, domain.StrategyRender, nil
}
