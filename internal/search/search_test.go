package search

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bad33ndj3/webrag/internal/answer"
	"github.com/bad33ndj3/webrag/internal/domain"
	"github.com/bad33ndj3/webrag/internal/testutil"
)

func newService(t *testing.T) (*Service, *testutil.CountingIndex, *testutil.MockEmbedder, *testutil.MockGenerator) {
	t.Helper()
	emb := &testutil.MockEmbedder{}
	idx := testutil.NewCountingIndex()
	gen := &testutil.MockGenerator{Text: "Goroutines are cheap.", Up: true}
	return NewService(emb, idx, gen, testutil.DiscardLogger()), idx, emb, gen
}

func seed(t *testing.T, idx *testutil.CountingIndex, emb *testutil.MockEmbedder, url string, contents ...string) {
	t.Helper()
	points := make([]domain.IndexedPoint, len(contents))
	for i, c := range contents {
		ch := domain.Chunk{Content: c, SourceURL: url, ChunkIndex: i}
		points[i] = domain.NewIndexedPoint(ch, emb.Vector(c))
	}
	if err := idx.Memory.Upsert(context.Background(), points); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestQuery_EmptyQueryNeverTouchesIndex(t *testing.T) {
	svc, idx, emb, _ := newService(t)

	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := svc.Query(context.Background(), q, 5)
		if !errors.Is(err, domain.ErrEmptyQuery) {
			t.Errorf("Query(%q) error = %v, want ErrEmptyQuery", q, err)
		}
	}
	if idx.Touched() {
		t.Error("index was called for an empty query")
	}
	if emb.Calls != 0 {
		t.Errorf("embedder called %d times, want 0", emb.Calls)
	}
}

func TestQuery_EmptyIndexFallback(t *testing.T) {
	svc, _, _, gen := newService(t)

	resp, err := svc.Query(context.Background(), "what is a goroutine?", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Answer != answer.NoIndexedSource {
		t.Errorf("Answer = %q, want fallback", resp.Answer)
	}
	if resp.Sources == nil || len(resp.Sources) != 0 {
		t.Errorf("Sources = %#v, want empty non-nil slice", resp.Sources)
	}
	if gen.Passages != nil {
		t.Error("generator must not be called without passages")
	}
}

func TestQuery_AnswersWithSources(t *testing.T) {
	svc, idx, emb, gen := newService(t)
	long := strings.Repeat("a", 250)
	seed(t, idx, emb, "https://go.dev/doc", "Goroutines are lightweight threads.", long)

	resp, err := svc.Query(context.Background(), "what is a goroutine?", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Answer != "Goroutines are cheap." {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if resp.Query != "what is a goroutine?" {
		t.Errorf("Query echo = %q", resp.Query)
	}
	if len(resp.Sources) != 2 || len(gen.Passages) != 2 {
		t.Fatalf("got %d sources, %d passages; want 2", len(resp.Sources), len(gen.Passages))
	}
	for i, src := range resp.Sources {
		if src.URL != "https://go.dev/doc" {
			t.Errorf("source %d url = %q", i, src.URL)
		}
		if i > 0 && src.RelevanceScore > resp.Sources[i-1].RelevanceScore {
			t.Error("sources not ordered by descending relevance")
		}
		if strings.HasPrefix(src.ContentPreview, "a") {
			if want := strings.Repeat("a", PreviewLength) + "..."; src.ContentPreview != want {
				t.Errorf("long preview = %q (len %d)", src.ContentPreview, len(src.ContentPreview))
			}
		} else if src.ContentPreview != "Goroutines are lightweight threads." {
			t.Errorf("short preview = %q", src.ContentPreview)
		}
	}
}

func TestQuery_GeneratorFailureDegrades(t *testing.T) {
	svc, idx, emb, gen := newService(t)
	gen.Fail = true
	seed(t, idx, emb, "https://go.dev/doc", "Channels connect goroutines.")

	resp, err := svc.Query(context.Background(), "channels?", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resp.Answer != answer.Apology {
		t.Errorf("Answer = %q, want apology", resp.Answer)
	}
	if len(resp.Sources) != 1 {
		t.Errorf("got %d sources, want 1", len(resp.Sources))
	}
}

func TestQuery_UpstreamErrors(t *testing.T) {
	t.Run("embedder", func(t *testing.T) {
		svc, _, emb, _ := newService(t)
		emb.Err = errors.New("connection refused")
		if _, err := svc.Query(context.Background(), "q", 5); domain.StageOf(err) != domain.StageEmbed {
			t.Errorf("error = %v, want embedding error", err)
		}
	})
	t.Run("index", func(t *testing.T) {
		svc, idx, _, _ := newService(t)
		idx.SearchErr = errors.New("qdrant down")
		if _, err := svc.Query(context.Background(), "q", 5); err == nil {
			t.Error("expected error")
		}
	})
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultLimit},
		{-3, DefaultLimit},
		{1, 1},
		{7, 7},
		{20, 20},
		{21, MaxLimit},
		{1000, MaxLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

type downIndex struct{ *testutil.CountingIndex }

func (downIndex) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	svc, _, _, gen := newService(t)

	h := svc.Health(context.Background())
	if h.Status != "healthy" || !h.LLMAvailable || h.Services["llm"] != "available" || h.Services["vector_store"] != "available" {
		t.Errorf("Health = %+v", h)
	}

	gen.Up = false
	svc.index = downIndex{testutil.NewCountingIndex()}
	h = svc.Health(context.Background())
	if h.Status != "degraded" || h.LLMAvailable || h.Services["llm"] != "unavailable" || h.Services["vector_store"] != "unavailable" {
		t.Errorf("Health = %+v", h)
	}
}
