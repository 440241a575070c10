// Package cache provides the best-effort caches used by the ingestion
// pipeline: page content keyed by URL and embeddings keyed by text.
//
// Every cache operation degrades to a miss or a no-op on failure. Callers
// never see a cache error; a broken cache only makes the pipeline slower.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bad33ndj3/webrag/internal/domain"
)

// KV is the key/value substrate behind the caches.
// Implementations absorb their own errors: Get reports a miss, Set does nothing.
type KV interface {
	// Get returns the value for key and whether it was found.
	Get(ctx context.Context, key string) ([]byte, bool)

	// MGet returns one slot per key, nil for misses, in one round trip.
	MGet(ctx context.Context, keys []string) [][]byte

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// SetMany stores all entries with the same ttl in one round trip.
	SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// MemoryStore is an in-process KV with TTL expiry.
// It backs single-process runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty MemoryStore. now may be nil to use time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{items: make(map[string]memoryItem), now: now}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return nil, false
	}
	return item.value, true
}

func (m *MemoryStore) MGet(ctx context.Context, keys []string) [][]byte {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := m.Get(ctx, k); ok {
			out[i] = v
		}
	}
	return out
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = item
}

func (m *MemoryStore) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) {
	for k, v := range entries {
		m.Set(ctx, k, v, ttl)
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of stored keys, including expired ones not yet evicted.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// ContentEntry is what the content cache remembers about a URL.
type ContentEntry struct {
	Text      string    `json:"text"`
	Hash      string    `json:"hash"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ContentCache stores the last fetched text of a URL, keyed by prefix + MD5(url).
type ContentCache struct {
	kv     KV
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewContentCache creates a content cache on top of kv.
func NewContentCache(kv KV, prefix string, ttl time.Duration, logger *slog.Logger) *ContentCache {
	return &ContentCache{kv: kv, prefix: prefix, ttl: ttl, logger: logger}
}

// Get returns the cached entry for url.
func (c *ContentCache) Get(ctx context.Context, url string) (ContentEntry, bool) {
	raw, ok := c.kv.Get(ctx, domain.ContentCacheKey(c.prefix, url))
	if !ok {
		return ContentEntry{}, false
	}
	var entry ContentEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Debug("content cache: corrupt entry", "url", url, "error", err)
		return ContentEntry{}, false
	}
	return entry, true
}

// Set caches entry for url with the configured TTL.
func (c *ContentCache) Set(ctx context.Context, url string, entry ContentEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Debug("content cache: marshal failed", "url", url, "error", err)
		return
	}
	c.kv.Set(ctx, domain.ContentCacheKey(c.prefix, url), raw, c.ttl)
}

// EmbeddingCache stores vectors keyed by prefix + SHA-256(text).
type EmbeddingCache struct {
	kv     KV
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewEmbeddingCache creates an embedding cache on top of kv.
func NewEmbeddingCache(kv KV, prefix string, ttl time.Duration, logger *slog.Logger) *EmbeddingCache {
	return &EmbeddingCache{kv: kv, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *EmbeddingCache) key(text string) string {
	return domain.EmbeddingCacheKey(c.prefix, text)
}

// Get returns the cached vector for text.
func (c *EmbeddingCache) Get(ctx context.Context, text string) ([]float32, bool) {
	raw, ok := c.kv.Get(ctx, c.key(text))
	if !ok {
		return nil, false
	}
	return c.decode(raw)
}

// Set caches vec for text.
func (c *EmbeddingCache) Set(ctx context.Context, text string, vec []float32) {
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	c.kv.Set(ctx, c.key(text), raw, c.ttl)
}

// GetBatch looks up every text in one round trip. The result has one slot
// per input, nil where there was no usable cached vector.
func (c *EmbeddingCache) GetBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out
	}
	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}
	raws := c.kv.MGet(ctx, keys)
	for i := range texts {
		if i >= len(raws) || raws[i] == nil {
			continue
		}
		if vec, ok := c.decode(raws[i]); ok {
			out[i] = vec
		}
	}
	return out
}

// SetBatch caches vecs[i] for texts[i] in one round trip.
func (c *EmbeddingCache) SetBatch(ctx context.Context, texts []string, vecs [][]float32) {
	if len(texts) == 0 || len(texts) != len(vecs) {
		return
	}
	entries := make(map[string][]byte, len(texts))
	for i, t := range texts {
		raw, err := json.Marshal(vecs[i])
		if err != nil {
			continue
		}
		entries[c.key(t)] = raw
	}
	c.kv.SetMany(ctx, entries, c.ttl)
}

func (c *EmbeddingCache) decode(raw []byte) ([]float32, bool) {
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil || len(vec) == 0 {
		c.logger.Debug("embedding cache: corrupt entry", "error", err)
		return nil, false
	}
	return vec, true
}
