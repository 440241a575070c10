// Package testutil provides shared test helpers and mock implementations.
// This avoids duplicating mock code across test files.
package testutil

import (
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bad33ndj3/webrag/internal/answer"
	"github.com/bad33ndj3/webrag/internal/domain"
	"github.com/bad33ndj3/webrag/internal/fetcher"
	"github.com/bad33ndj3/webrag/internal/queue"
	"github.com/bad33ndj3/webrag/internal/vectorindex"
)

// DiscardLogger returns a logger that writes nowhere.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockClock returns a fixed time that tests can move forward.
type MockClock struct {
	mu   sync.Mutex
	Time time.Time
}

// NewMockClock creates a MockClock set to t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{Time: t}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Time
}

// Advance moves the clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Time = m.Time.Add(d)
}

// MockStore is an in-memory record store with the same conditional update
// rules as the database store. It also keeps the status history per URL.
type MockStore struct {
	mu      sync.Mutex
	nextID  uint
	records map[string]*domain.IngestionRecord
	History map[string][]domain.Status

	// StaleAfter is how long a processing claim holds. Defaults to 10m.
	StaleAfter time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		records:    make(map[string]*domain.IngestionRecord),
		History:    make(map[string][]domain.Status),
		StaleAfter: 10 * time.Minute,
		Now:        time.Now,
	}
}

func (m *MockStore) setStatus(rec *domain.IngestionRecord, st domain.Status) {
	rec.Status = st
	rec.UpdatedAt = m.Now()
	m.History[rec.URL] = append(m.History[rec.URL], st)
}

// movable returns url's record if its status may move to `to`.
func (m *MockStore) movable(url string, to domain.Status) (*domain.IngestionRecord, bool) {
	rec, ok := m.records[url]
	if !ok || !rec.Status.CanTransition(to) {
		return nil, false
	}
	return rec, true
}

// held reports whether rec is processing under a claim that has not gone stale.
func (m *MockStore) held(rec *domain.IngestionRecord) bool {
	return rec.Status == domain.StatusProcessing && !rec.UpdatedAt.Before(m.Now().Add(-m.StaleAfter))
}

// Put stores rec as is, for arranging test state. A zero UpdatedAt is set to
// the current time.
func (m *MockStore) Put(rec domain.IngestionRecord) *domain.IngestionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = m.Now()
	}
	m.records[rec.URL] = &rec
	return &rec
}

func (m *MockStore) GetByURL(_ context.Context, url string) (*domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[url]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MockStore) GetByID(_ context.Context, id uint) (*domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockStore) CreatePending(_ context.Context, url string) (*domain.IngestionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[url]; ok {
		cp := *rec
		return &cp, false, nil
	}
	m.nextID++
	rec := &domain.IngestionRecord{ID: m.nextID, URL: url, CreatedAt: m.Now()}
	m.setStatus(rec, domain.StatusPending)
	m.records[url] = rec
	cp := *rec
	return &cp, true, nil
}

func (m *MockStore) MarkPending(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.movable(url, domain.StatusPending)
	if !ok || m.held(rec) {
		return false, nil
	}
	rec.ContentHash, rec.ErrorMessage = nil, nil
	m.setStatus(rec, domain.StatusPending)
	return true, nil
}

func (m *MockStore) Claim(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.movable(url, domain.StatusProcessing)
	if !ok || m.held(rec) {
		return false, nil
	}
	rec.ErrorMessage = nil
	m.setStatus(rec, domain.StatusProcessing)
	return true, nil
}

func (m *MockStore) Release(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[url]
	if !ok || rec.Status != domain.StatusProcessing {
		return domain.ErrNotFound
	}
	m.setStatus(rec, domain.StatusPending)
	return nil
}

func (m *MockStore) Complete(_ context.Context, url, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.movable(url, domain.StatusCompleted)
	if !ok {
		return domain.ErrNotFound
	}
	rec.ContentHash, rec.ErrorMessage = &hash, nil
	m.setStatus(rec, domain.StatusCompleted)
	return nil
}

func (m *MockStore) Fail(_ context.Context, url, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.movable(url, domain.StatusFailed)
	if !ok {
		return domain.ErrNotFound
	}
	rec.ContentHash, rec.ErrorMessage = nil, &msg
	m.setStatus(rec, domain.StatusFailed)
	return nil
}

func (m *MockStore) CountByStatus(context.Context) (map[domain.Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.Status]int64)
	for _, st := range domain.AllStatuses {
		out[st] = 0
	}
	for _, rec := range m.records {
		out[rec.Status]++
	}
	return out, nil
}

func (m *MockStore) List(_ context.Context, limit, offset int) ([]domain.IngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.IngestionRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MockFetcher serves page text from a map and counts calls per URL.
type MockFetcher struct {
	mu    sync.Mutex
	Pages map[string]string
	Errs  map[string]error
	Calls map[string]int
	Opts  []fetcher.Options
}

// NewMockFetcher creates a MockFetcher with empty maps.
func NewMockFetcher() *MockFetcher {
	return &MockFetcher{Pages: map[string]string{}, Errs: map[string]error{}, Calls: map[string]int{}}
}

func (m *MockFetcher) Fetch(_ context.Context, url string, opts fetcher.Options) (domain.RawContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[url]++
	m.Opts = append(m.Opts, opts)
	if err := m.Errs[url]; err != nil {
		return domain.RawContent{}, &domain.FetchError{URL: url, Err: err}
	}
	text, ok := m.Pages[url]
	if !ok {
		return domain.RawContent{}, &domain.FetchError{URL: url, Err: errors.New("HTTP 404: 404 Not Found")}
	}
	hash := domain.ContentHash(text)
	return domain.RawContent{
		URL:            url,
		Text:           text,
		ContentHash:    hash,
		ContentChanged: hash != opts.PreviousHash,
		Strategy:       domain.StrategyStatic,
	}, nil
}

// MockEmbedder derives a small deterministic vector from the text.
type MockEmbedder struct {
	mu    sync.Mutex
	Err   error
	Calls int
}

// Vector returns the vector MockEmbedder produces for text.
func (*MockEmbedder) Vector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, 4)
	for i := range v {
		v[i] = float32(sum[i]) + 1
	}
	return v
}

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return nil, &domain.EmbeddingError{Err: m.Err}
	}
	return m.Vector(text), nil
}

func (m *MockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return nil, &domain.EmbeddingError{Err: m.Err}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.Vector(t)
	}
	return out, nil
}

func (*MockEmbedder) Dimension() int { return 4 }

func (m *MockEmbedder) Available(context.Context) bool { return m.Err == nil }

// CountingIndex is an in-memory vector index that counts every call.
type CountingIndex struct {
	*vectorindex.Memory
	mu        sync.Mutex
	Upserts   int
	Deletes   int
	Searches  int
	UpsertErr error
	SearchErr error
}

// NewCountingIndex creates an empty CountingIndex.
func NewCountingIndex() *CountingIndex {
	return &CountingIndex{Memory: vectorindex.NewMemory()}
}

func (c *CountingIndex) Upsert(ctx context.Context, points []domain.IndexedPoint) error {
	c.mu.Lock()
	c.Upserts++
	err := c.UpsertErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Memory.Upsert(ctx, points)
}

func (c *CountingIndex) DeleteStale(ctx context.Context, url string, keep []string) error {
	c.mu.Lock()
	c.Deletes++
	c.mu.Unlock()
	return c.Memory.DeleteStale(ctx, url, keep)
}

func (c *CountingIndex) Search(ctx context.Context, vector []float32, limit int) ([]domain.SearchHit, error) {
	c.mu.Lock()
	c.Searches++
	err := c.SearchErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.Memory.Search(ctx, vector, limit)
}

// Touched reports whether any call reached the index.
func (c *CountingIndex) Touched() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Upserts+c.Deletes+c.Searches > 0
}

// RecordingQueue remembers enqueued tasks.
type RecordingQueue struct {
	mu    sync.Mutex
	Tasks []queue.Task
	Err   error
}

func (q *RecordingQueue) Enqueue(_ context.Context, task queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.Tasks = append(q.Tasks, task)
	return nil
}

// Len returns the number of recorded tasks.
func (q *RecordingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.Tasks)
}

// MockGenerator returns a canned answer and records the passages it saw.
type MockGenerator struct {
	Text     string
	Fail     bool
	Up       bool
	Passages []domain.SearchHit
}

func (m *MockGenerator) Answer(_ context.Context, _ string, passages []domain.SearchHit) answer.Result {
	m.Passages = passages
	if m.Fail {
		return answer.Result{Text: answer.Apology, Err: &domain.AnswerGenerationError{Err: errors.New("model down")}}
	}
	return answer.Result{Text: m.Text, OK: true}
}

func (m *MockGenerator) Available(context.Context) bool { return m.Up }
