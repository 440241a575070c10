package fetcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bad33ndj3/webrag/internal/cache"
	"github.com/bad33ndj3/webrag/internal/domain"
)

var articleText = strings.Repeat("The quick brown fox jumps over the lazy dog. ", 6)

const pageTemplate = `<!doctype html>
<html><head><title>t</title><style>body{color:red}</style><script>var tracking = 1;</script></head>
<body>
<nav>Home | About | Contact</nav>
<article><h1>Headline</h1><p>%s</p></article>
<footer>Copyright footer text</footer>
</body></html>`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStatic returns a fixed body and counts calls.
type fakeStatic struct {
	body  string
	err   error
	calls int
}

func (f *fakeStatic) Fetch(context.Context, string) (string, error) {
	f.calls++
	return f.body, f.err
}

// fakeRenderer returns fixed markup and counts calls.
type fakeRenderer struct {
	markup string
	err    error
	calls  int
}

func (f *fakeRenderer) Render(context.Context, string) (string, error) {
	f.calls++
	return f.markup, f.err
}

func newContentCache() *cache.ContentCache {
	return cache.NewContentCache(cache.NewMemoryStore(nil), "content:", time.Hour, discardLogger())
}

func TestStaticFetcher_ExtractsMainContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua == "" {
			t.Error("missing User-Agent")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, strings.Replace(pageTemplate, "%s", articleText, 1))
	}))
	defer srv.Close()

	got, err := NewStaticFetcherWithClient(srv.Client()).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.Contains(got, "Headline") || !strings.Contains(got, "quick brown fox") {
		t.Errorf("article text missing from %q", got)
	}
	for _, noise := range []string{"Home | About", "Copyright footer", "tracking", "color:red"} {
		if strings.Contains(got, noise) {
			t.Errorf("boilerplate %q leaked into %q", noise, got)
		}
	}
}

func TestStaticFetcher_PlainTextVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "  line one\n\nline two  ")
	}))
	defer srv.Close()

	got, err := NewStaticFetcherWithClient(srv.Client()).Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != "line one\n\nline two" {
		t.Errorf("got %q", got)
	}
}

func TestStaticFetcher_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := NewStaticFetcherWithClient(srv.Client()).Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestVisibleText_StripsNonContent(t *testing.T) {
	markup := `<html><head><script>evil()</script><style>.x{}</style></head><body>
<header>Site header</header><nav>menu</nav>
<div>  Rendered   by
 script </div><p>second</p>
<footer>foot</footer></body></html>`

	got, err := VisibleText(markup)
	if err != nil {
		t.Fatalf("VisibleText: %v", err)
	}
	if got != "Rendered by script second" {
		t.Errorf("VisibleText = %q", got)
	}
}

func TestFetch_StaticTierWins(t *testing.T) {
	static := &fakeStatic{body: articleText}
	renderer := &fakeRenderer{}
	cc := newContentCache()
	f := New(Config{Static: static, Renderer: renderer, Cache: cc, Logger: discardLogger()})

	raw, err := f.Fetch(context.Background(), "https://example.com", Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if raw.Strategy != domain.StrategyStatic || raw.FromCache {
		t.Errorf("strategy = %s, fromCache = %v", raw.Strategy, raw.FromCache)
	}
	if raw.ContentHash != domain.ContentHash(articleText) || !raw.ContentChanged {
		t.Errorf("hash = %s, changed = %v", raw.ContentHash, raw.ContentChanged)
	}
	if renderer.calls != 0 {
		t.Error("renderer should not run when static text is usable")
	}
	if entry, ok := cc.Get(context.Background(), "https://example.com"); !ok || entry.Hash != raw.ContentHash {
		t.Errorf("content cache not written: %+v, %v", entry, ok)
	}
}

func TestFetch_FallsBackToRender(t *testing.T) {
	tests := []struct {
		name   string
		static *fakeStatic
	}{
		{"static too short", &fakeStatic{body: "Loading..."}},
		{"static failed", &fakeStatic{err: errors.New("connection reset")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			renderer := &fakeRenderer{markup: "<html><body><div>" + articleText + "</div><script>x()</script></body></html>"}
			f := New(Config{Static: tt.static, Renderer: renderer, Logger: discardLogger()})

			raw, err := f.Fetch(context.Background(), "https://spa.example.com", Options{})
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if raw.Strategy != domain.StrategyRender {
				t.Errorf("strategy = %s, want render", raw.Strategy)
			}
			if strings.Contains(raw.Text, "x()") {
				t.Errorf("script leaked into %q", raw.Text)
			}
			if renderer.calls != 1 {
				t.Errorf("renderer calls = %d", renderer.calls)
			}
		})
	}
}

func TestFetch_BothTiersFail(t *testing.T) {
	tests := []struct {
		name     string
		renderer *fakeRenderer
	}{
		{"render error", &fakeRenderer{err: errors.New("timeout")}},
		{"render too short", &fakeRenderer{markup: "<p>tiny</p>"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(Config{Static: &fakeStatic{body: "short"}, Renderer: tt.renderer, Logger: discardLogger()})

			_, err := f.Fetch(context.Background(), "https://broken.example.com", Options{})
			var fe *domain.FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FetchError, got %v", err)
			}
			if !strings.HasPrefix(err.Error(), "Couldn't fetch content from https://broken.example.com") {
				t.Errorf("message = %q", err.Error())
			}
		})
	}
}

func TestFetch_CacheHitSkipsNetwork(t *testing.T) {
	static := &fakeStatic{body: articleText}
	cc := newContentCache()
	cc.Set(context.Background(), "https://example.com", cache.ContentEntry{Text: "cached body", Hash: "h1"})
	f := New(Config{Static: static, Cache: cc, Logger: discardLogger()})

	raw, err := f.Fetch(context.Background(), "https://example.com", Options{PreviousHash: "h1"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !raw.FromCache || raw.ContentChanged || raw.Text != "cached body" {
		t.Errorf("unexpected result %+v", raw)
	}
	if static.calls != 0 {
		t.Error("static tier should not run on a cache hit")
	}

	raw, _ = f.Fetch(context.Background(), "https://example.com", Options{PreviousHash: "other"})
	if !raw.ContentChanged {
		t.Error("a cached hash differing from the stored one must count as changed")
	}
}

func TestFetch_ForceRefreshBypassesCache(t *testing.T) {
	static := &fakeStatic{body: articleText}
	cc := newContentCache()
	cc.Set(context.Background(), "https://example.com", cache.ContentEntry{Text: "stale", Hash: "old"})
	f := New(Config{Static: static, Cache: cc, Logger: discardLogger()})

	raw, err := f.Fetch(context.Background(), "https://example.com", Options{ForceRefresh: true, PreviousHash: "old"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if raw.FromCache || static.calls != 1 {
		t.Errorf("force refresh should hit the network: fromCache=%v calls=%d", raw.FromCache, static.calls)
	}
	if !raw.ContentChanged {
		t.Error("new content should be reported as changed")
	}
	if entry, _ := cc.Get(context.Background(), "https://example.com"); entry.Hash != raw.ContentHash {
		t.Error("cache should hold the refreshed hash")
	}
}

func TestExtractionPolicy_Usable(t *testing.T) {
	p := ExtractionPolicy{MinUsableLength: 5}
	if p.Usable("abcd") {
		t.Error("4 chars should not be usable")
	}
	if !p.Usable("abcde") {
		t.Error("5 chars should be usable")
	}
}
