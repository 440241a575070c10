package chunker

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/bad33ndj3/webrag/internal/text"
)

// longArticle builds a single paragraph of n sentences, each 49 characters long.
func longArticle(n int) string {
	sentences := make([]string, n)
	for i := range sentences {
		sentences[i] = fmt.Sprintf("This is sentence number %04d of the long article.", i)
	}
	return strings.Join(sentences, " ")
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{})
	cfg := c.Config()
	if cfg.ChunkSize != DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want %d", cfg.ChunkSize, DefaultChunkSize)
	}
	if cfg.ChunkOverlap != 0 {
		t.Errorf("ChunkOverlap = %d, want 0 when unset", cfg.ChunkOverlap)
	}
	if cfg.MinChunkLength != DefaultMinChunkLength {
		t.Errorf("MinChunkLength = %d, want %d", cfg.MinChunkLength, DefaultMinChunkLength)
	}
}

func TestNew_OverlapClamped(t *testing.T) {
	c := New(Config{ChunkSize: 100, ChunkOverlap: 150})
	if got := c.Config().ChunkOverlap; got != 25 {
		t.Errorf("ChunkOverlap = %d, want 25", got)
	}
}

func TestChunk_EmptyInput(t *testing.T) {
	c := New(Config{ChunkSize: 1000, ChunkOverlap: 200})

	for _, in := range []string{"", "   ", "\n\n\t  \n"} {
		if got := c.Chunk("https://example.com", in); len(got) != 0 {
			t.Errorf("Chunk(%q) returned %d chunks, want 0", in, len(got))
		}
	}
}

func TestChunk_SmallDocumentIsOneChunk(t *testing.T) {
	c := New(Config{ChunkSize: 1000, ChunkOverlap: 200})
	doc := "First paragraph with enough words to pass the noise filter.\n\nSecond paragraph, also long enough to matter."

	chunks := c.Chunk("https://example.com/a", doc)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	want := "First paragraph with enough words to pass the noise filter.\n\nSecond paragraph, also long enough to matter."
	if chunks[0].Content != want {
		t.Errorf("content = %q", chunks[0].Content)
	}
	if chunks[0].SourceURL != "https://example.com/a" {
		t.Errorf("source url = %q", chunks[0].SourceURL)
	}
	if chunks[0].Metadata.TotalChunks != 1 || chunks[0].Metadata.ChunkLength != text.RuneLen(want) {
		t.Errorf("metadata = %+v", chunks[0].Metadata)
	}
}

func TestChunk_LongSingleParagraph(t *testing.T) {
	c := New(Config{ChunkSize: 1000, ChunkOverlap: 200})
	article := longArticle(100)
	if n := len(article); n < 4990 || n > 5000 {
		t.Fatalf("fixture length = %d, want ~5000", n)
	}

	chunks := c.Chunk("https://example.com/long", article)
	if len(chunks) < 5 || len(chunks) > 6 {
		t.Fatalf("expected 5-6 chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if l := text.RuneLen(ch.Content); l > 1201 {
			t.Errorf("chunk %d has length %d, want <= 1201", i, l)
		}
		if ch.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, ch.ChunkIndex)
		}
		if ch.Metadata.TotalChunks != len(chunks) {
			t.Errorf("chunk %d total = %d, want %d", i, ch.Metadata.TotalChunks, len(chunks))
		}
	}
}

func TestChunk_OverlapPrefix(t *testing.T) {
	c := New(Config{ChunkSize: 1000, ChunkOverlap: 200})
	chunks := c.Split(longArticle(100))

	for i := 1; i < len(chunks); i++ {
		overlap := strings.TrimSpace(text.LastRunes(chunks[i-1], 200))
		if !strings.HasPrefix(chunks[i], overlap) {
			t.Errorf("chunk %d does not start with the overlap of chunk %d", i, i-1)
		}
	}
}

func TestChunk_PreservesOrder(t *testing.T) {
	c := New(Config{ChunkSize: 300, ChunkOverlap: 50})

	var paras []string
	for i := 0; i < 12; i++ {
		paras = append(paras, fmt.Sprintf("Paragraph %02d talks about topic %02d in some detail so it is not tiny.", i, i))
	}
	chunks := c.Split(strings.Join(paras, "\n\n"))

	// Every paragraph must appear, and first appearances must be in document order.
	joined := strings.Join(chunks, "\n")
	last := -1
	for _, p := range paras {
		pos := strings.Index(joined, p)
		if pos < 0 {
			t.Fatalf("paragraph missing from chunks: %q", p)
		}
		if pos < last {
			t.Fatalf("paragraph out of order: %q", p)
		}
		last = pos
	}
}

func TestChunk_ParagraphBoundariesPreferred(t *testing.T) {
	c := New(Config{ChunkSize: 100, ChunkOverlap: 0})
	a := strings.Repeat("a", 60)
	b := strings.Repeat("b", 60)

	got := c.Split(a + "\n\n" + b)
	want := []string{a, b}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split = %q, want %q", got, want)
	}
}

func TestChunk_WordFallback(t *testing.T) {
	c := New(Config{ChunkSize: 50, ChunkOverlap: 0, MinChunkLength: 1})
	// One "sentence" with no terminal punctuation, well over budget.
	words := strings.Repeat("word ", 40)

	chunks := c.Split(words)
	if len(chunks) < 4 {
		t.Fatalf("expected the sentence to be split by words, got %d chunks", len(chunks))
	}
	for _, ch := range chunks {
		if text.RuneLen(ch) > 50 {
			t.Errorf("chunk over budget: %d", text.RuneLen(ch))
		}
		if strings.Contains(ch, "wor ") || strings.HasSuffix(ch, "wor") {
			t.Errorf("word was cut: %q", ch)
		}
	}
}

func TestChunk_OversizedWordIsCut(t *testing.T) {
	c := New(Config{ChunkSize: 10, ChunkOverlap: 0, MinChunkLength: 1})
	got := c.Split(strings.Repeat("x", 25))
	want := []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxxxx"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Split = %q, want %q", got, want)
	}
}

func TestChunk_DropsTinyChunks(t *testing.T) {
	c := New(Config{ChunkSize: 100, ChunkOverlap: 0})
	tiny := "Menu"
	body := strings.Repeat("z", 99)

	chunks := c.Chunk("https://example.com", tiny+"\n\n"+body)
	if len(chunks) != 1 {
		t.Fatalf("expected tiny chunk to be dropped, got %d chunks", len(chunks))
	}
	if chunks[0].Content != body || chunks[0].ChunkIndex != 0 || chunks[0].Metadata.TotalChunks != 1 {
		t.Errorf("unexpected surviving chunk: %+v", chunks[0].Metadata)
	}
}

func TestChunk_Deterministic(t *testing.T) {
	c := New(Config{ChunkSize: 400, ChunkOverlap: 80})
	doc := longArticle(40) + "\n\n" + longArticle(7)

	first := c.Chunk("u", doc)
	second := c.Chunk("u", doc)
	if !reflect.DeepEqual(first, second) {
		t.Error("chunking the same input twice gave different results")
	}
}
