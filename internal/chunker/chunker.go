// Package chunker splits page text into overlapping, size-bounded chunks.
// It's designed to be simple and predictable: no NLP, just three splitting
// rules tried from coarsest to finest.
package chunker

import (
	"strings"
	"unicode"

	"github.com/bad33ndj3/webrag/internal/domain"
	"github.com/bad33ndj3/webrag/internal/text"
)

// Defaults used when a Config field is left at zero.
const (
	DefaultChunkSize      = 1000
	DefaultChunkOverlap   = 200
	DefaultMinChunkLength = 50
)

// Config controls chunk sizing. All lengths are in characters.
type Config struct {
	// ChunkSize bounds the new (non-overlap) content of a chunk.
	ChunkSize int

	// ChunkOverlap is how many trailing characters of a closed chunk are
	// carried into the start of the next one.
	ChunkOverlap int

	// MinChunkLength drops chunks shorter than this as noise.
	MinChunkLength int
}

// splitPolicy is one granularity level. Units produced by a policy that
// still exceed the budget are handed to the next policy in the list.
type splitPolicy struct {
	name  string
	split func(string) []string
	sep   string
}

// policies is ordered from the largest semantically coherent unit to the smallest.
var policies = []splitPolicy{
	{name: "paragraph", split: text.SplitParagraphs, sep: "\n\n"},
	{name: "sentence", split: text.SplitSentences, sep: " "},
	{name: "word", split: text.SplitWords, sep: " "},
}

// Chunker is deterministic: the same text always yields the same chunks.
type Chunker struct {
	cfg Config
}

// New creates a Chunker, filling in defaults for zero values.
// An overlap that is not smaller than the chunk size is reduced to a quarter of it.
func New(cfg Config) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 4
	}
	if cfg.MinChunkLength <= 0 {
		cfg.MinChunkLength = DefaultMinChunkLength
	}
	return &Chunker{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Chunker) Config() Config { return c.cfg }

// unit is a piece of text waiting to be placed, tagged with the policy level that produced it.
type unit struct {
	text  string
	level int
}

// accumulator is the running chunk buffer shared by every policy level.
type accumulator struct {
	buf   strings.Builder
	fresh int // characters of new content, excluding the carried overlap
	out   []string
}

func (a *accumulator) add(s, sep string) {
	switch {
	case a.buf.Len() == 0:
	case a.fresh == 0:
		// first unit after a carried overlap
		a.buf.WriteString(" ")
	default:
		a.buf.WriteString(sep)
		a.fresh += text.RuneLen(sep)
	}
	a.buf.WriteString(s)
	a.fresh += text.RuneLen(s)
}

// close emits the buffer as a chunk and seeds the next one with the overlap.
func (a *accumulator) close(overlap int) {
	chunk := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	a.fresh = 0
	if chunk == "" {
		return
	}
	a.out = append(a.out, chunk)
	a.buf.WriteString(strings.TrimLeftFunc(text.LastRunes(chunk, overlap), unicode.IsSpace))
}

// Split returns the raw chunk strings for s, before length filtering.
func (c *Chunker) Split(s string) []string {
	size := c.cfg.ChunkSize
	acc := &accumulator{}

	queue := make([]unit, 0, 64)
	for _, p := range policies[0].split(s) {
		queue = append(queue, unit{text: p, level: 0})
	}

	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]

		sep := policies[u.level].sep
		need := text.RuneLen(u.text)
		if acc.fresh > 0 {
			need += text.RuneLen(sep)
		}

		if acc.fresh+need <= size {
			acc.add(u.text, sep)
			continue
		}
		if acc.fresh > 0 {
			acc.close(c.cfg.ChunkOverlap)
			queue = append([]unit{u}, queue...)
			continue
		}

		// The unit alone is over budget: break it down one level further.
		next := u.level + 1
		var pieces []string
		if next < len(policies) {
			pieces = policies[next].split(u.text)
		} else {
			// a single word longer than the budget gets cut
			next = len(policies) - 1
			pieces = text.SplitRunes(u.text, size)
		}
		if len(pieces) <= 1 && next < len(policies)-1 {
			// this policy found no boundary, try the next one right away
			queue = append([]unit{{text: u.text, level: next}}, queue...)
			continue
		}
		if len(pieces) == 1 && text.RuneLen(pieces[0]) > size {
			pieces = text.SplitRunes(pieces[0], size)
		}
		expanded := make([]unit, 0, len(pieces)+len(queue))
		for _, p := range pieces {
			expanded = append(expanded, unit{text: p, level: next})
		}
		queue = append(expanded, queue...)
	}

	if acc.fresh > 0 {
		acc.close(c.cfg.ChunkOverlap)
	}
	return acc.out
}

// Chunk splits s into chunks for sourceURL. Chunks shorter than the minimum
// length are dropped; the survivors are numbered from 0 and all record the
// surviving total. Empty or whitespace-only input yields no chunks.
func (c *Chunker) Chunk(sourceURL, s string) []domain.Chunk {
	raw := c.Split(s)

	kept := make([]string, 0, len(raw))
	for _, r := range raw {
		if text.RuneLen(r) >= c.cfg.MinChunkLength {
			kept = append(kept, r)
		}
	}

	chunks := make([]domain.Chunk, 0, len(kept))
	for i, k := range kept {
		chunks = append(chunks, domain.Chunk{
			Content:    k,
			SourceURL:  sourceURL,
			ChunkIndex: i,
			Metadata: domain.ChunkMetadata{
				TotalChunks: len(kept),
				ChunkLength: text.RuneLen(k),
			},
		})
	}
	return chunks
}
