// Package vectorindex stores chunk embeddings and serves cosine
// nearest-neighbour search over them.
package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/bad33ndj3/webrag/internal/domain"
)

// Index is the vector store contract used by ingestion and search.
type Index interface {
	// EnsureCollection creates the collection if needed. Safe to call on every start.
	EnsureCollection(ctx context.Context) error

	// Upsert writes points. Identical ids overwrite, never duplicate.
	Upsert(ctx context.Context, points []domain.IndexedPoint) error

	// Search returns up to limit hits ordered by descending similarity.
	Search(ctx context.Context, vector []float32, limit int) ([]domain.SearchHit, error)

	// DeleteStale removes the points of url whose id is not in keep.
	DeleteStale(ctx context.Context, url string, keep []string) error

	// Count returns the number of stored points.
	Count(ctx context.Context) (int, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// Memory is an in-process Index doing brute-force cosine search.
type Memory struct {
	mu     sync.RWMutex
	points map[string]domain.IndexedPoint
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{points: make(map[string]domain.IndexedPoint)}
}

func (m *Memory) EnsureCollection(context.Context) error { return nil }

func (m *Memory) Upsert(_ context.Context, points []domain.IndexedPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

func (m *Memory) Search(_ context.Context, vector []float32, limit int) ([]domain.SearchHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		id  string
		hit domain.SearchHit
	}
	results := make([]scored, 0, len(m.points))
	for id, p := range m.points {
		results = append(results, scored{id: id, hit: domain.SearchHit{
			Content:    p.Chunk.Content,
			URL:        p.Chunk.SourceURL,
			ChunkIndex: p.Chunk.ChunkIndex,
			Score:      cosineSimilarity(vector, p.Vector),
			Metadata:   p.Chunk.Metadata,
		}})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].hit.Score == results[j].hit.Score {
			return results[i].id < results[j].id
		}
		return results[i].hit.Score > results[j].hit.Score
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	hits := make([]domain.SearchHit, len(results))
	for i, r := range results {
		hits[i] = r.hit
	}
	return hits, nil
}

func (m *Memory) DeleteStale(_ context.Context, url string, keep []string) error {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if p.Chunk.SourceURL != url {
			continue
		}
		if _, ok := keepSet[id]; !ok {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *Memory) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// cosineSimilarity computes the cosine of the angle between two vectors.
// Returns a value between -1 and 1, where 1 means identical direction.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
