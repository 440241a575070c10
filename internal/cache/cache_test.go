package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/bad33ndj3/webrag/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newRedisStore starts an in-process redis server for the test.
func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, time.Second, discardLogger()), mr
}

// TestMemoryStore_Expiry verifies entries disappear once their TTL has passed.
func TestMemoryStore_Expiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	store.Set(ctx, "k", []byte("v"), time.Minute)
	if got, ok := store.Get(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("Get before expiry = %q, %v", got, ok)
	}

	now = now.Add(time.Minute)
	if _, ok := store.Get(ctx, "k"); ok {
		t.Error("Get after expiry should miss")
	}
	if store.Len() != 0 {
		t.Errorf("expired key not evicted, Len = %d", store.Len())
	}
}

// TestMemoryStore_MGet verifies slots line up with the requested keys.
func TestMemoryStore_MGet(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	store.SetMany(ctx, map[string][]byte{"a": []byte("1"), "c": []byte("3")}, 0)

	got := store.MGet(ctx, []string{"a", "b", "c"})
	if len(got) != 3 || string(got[0]) != "1" || got[1] != nil || string(got[2]) != "3" {
		t.Errorf("MGet = %q", got)
	}
}

// TestContentCache_RoundTrip checks the entry survives and is keyed by MD5(url).
func TestContentCache_RoundTrip(t *testing.T) {
	store, mr := newRedisStore(t)
	cc := NewContentCache(store, "content:", 2*time.Hour, discardLogger())
	ctx := context.Background()

	if _, ok := cc.Get(ctx, "https://example.com"); ok {
		t.Fatal("Get on empty cache should miss")
	}

	entry := ContentEntry{Text: "hello", Hash: domain.ContentHash("hello"), FetchedAt: time.Unix(1700000000, 0).UTC()}
	cc.Set(ctx, "https://example.com", entry)

	key := "content:" + domain.ContentHash("https://example.com")
	if !mr.Exists(key) {
		t.Fatalf("expected key %s in redis, have %v", key, mr.Keys())
	}
	if ttl := mr.TTL(key); ttl != 2*time.Hour {
		t.Errorf("TTL = %v, want 2h", ttl)
	}

	got, ok := cc.Get(ctx, "https://example.com")
	if !ok {
		t.Fatal("Get after Set should hit")
	}
	if got.Text != entry.Text || got.Hash != entry.Hash || !got.FetchedAt.Equal(entry.FetchedAt) {
		t.Errorf("Get = %+v, want %+v", got, entry)
	}

	mr.FastForward(2 * time.Hour)
	if _, ok := cc.Get(ctx, "https://example.com"); ok {
		t.Error("entry should expire after its TTL")
	}
}

// TestContentCache_CorruptEntryIsMiss makes sure garbage in the cache is not an error.
func TestContentCache_CorruptEntryIsMiss(t *testing.T) {
	store := NewMemoryStore(nil)
	cc := NewContentCache(store, "content:", time.Hour, discardLogger())
	ctx := context.Background()

	store.Set(ctx, domain.ContentCacheKey("content:", "u"), []byte("{not json"), 0)
	if _, ok := cc.Get(ctx, "u"); ok {
		t.Error("corrupt entry should be reported as a miss")
	}
}

// TestEmbeddingCache_Batch verifies partial hits come back in input order.
func TestEmbeddingCache_Batch(t *testing.T) {
	store, _ := newRedisStore(t)
	ec := NewEmbeddingCache(store, "emb:", 24*time.Hour, discardLogger())
	ctx := context.Background()

	ec.Set(ctx, "beta", []float32{0.2, 0.3})
	ec.SetBatch(ctx, []string{"delta"}, [][]float32{{0.4, 0.5}})

	got := ec.GetBatch(ctx, []string{"alpha", "beta", "gamma", "delta"})
	if len(got) != 4 {
		t.Fatalf("GetBatch returned %d slots, want 4", len(got))
	}
	if got[0] != nil || got[2] != nil {
		t.Errorf("expected misses at 0 and 2, got %v", got)
	}
	if len(got[1]) != 2 || got[1][0] != 0.2 {
		t.Errorf("slot 1 = %v", got[1])
	}
	if len(got[3]) != 2 || got[3][1] != 0.5 {
		t.Errorf("slot 3 = %v", got[3])
	}

	vec, ok := ec.Get(ctx, "delta")
	if !ok || len(vec) != 2 {
		t.Errorf("Get(delta) = %v, %v", vec, ok)
	}
}

// TestRedisStore_ServerDown verifies an unreachable redis behaves like an empty cache.
func TestRedisStore_ServerDown(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	mr.Close()

	store.Set(ctx, "k", []byte("v"), time.Minute)
	if _, ok := store.Get(ctx, "k"); ok {
		t.Error("Get against a closed server should miss")
	}
	got := store.MGet(ctx, []string{"a", "b"})
	if len(got) != 2 || got[0] != nil || got[1] != nil {
		t.Errorf("MGet against a closed server = %v", got)
	}
	if err := store.Ping(ctx); err == nil {
		t.Error("Ping against a closed server should fail")
	}
}
