// Package ingest runs the ingestion state machine for one URL:
// submission decides whether work is needed, and the worker side claims the
// record, fetches, chunks, embeds and indexes, then records the outcome.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bad33ndj3/webrag/internal/domain"
	"github.com/bad33ndj3/webrag/internal/fetcher"
	"github.com/bad33ndj3/webrag/internal/queue"
)

// Submission outcomes shown to callers.
const (
	MsgQueued          = "URL queued for processing"
	MsgUnchanged       = "Processed Earlier & Unchanged"
	MsgStillProcessing = "URL is currently being processed"
)

// RecordStore persists IngestionRecords. Status changes are atomic
// conditional updates; the bool results report whether the update applied.
type RecordStore interface {
	GetByURL(ctx context.Context, url string) (*domain.IngestionRecord, error)
	GetByID(ctx context.Context, id uint) (*domain.IngestionRecord, error)
	CreatePending(ctx context.Context, url string) (*domain.IngestionRecord, bool, error)
	MarkPending(ctx context.Context, url string) (bool, error)
	Claim(ctx context.Context, url string) (bool, error)
	Release(ctx context.Context, url string) error
	Complete(ctx context.Context, url, contentHash string) error
	Fail(ctx context.Context, url, msg string) error
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)
	List(ctx context.Context, limit, offset int) ([]domain.IngestionRecord, error)
}

// ContentFetcher acquires page text.
type ContentFetcher interface {
	Fetch(ctx context.Context, url string, opts fetcher.Options) (domain.RawContent, error)
}

// Chunker splits text into chunks.
type Chunker interface {
	Chunk(sourceURL, text string) []domain.Chunk
}

// Embedder turns chunk texts into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter is the write side of the vector index.
type VectorWriter interface {
	Upsert(ctx context.Context, points []domain.IndexedPoint) error
	DeleteStale(ctx context.Context, url string, keep []string) error
}

// Dispatcher hands tasks to the worker substrate.
type Dispatcher interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// Clock abstracts time access for reproducible tests.
type Clock interface {
	Now() time.Time
}

// RealClock uses the actual system time.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// Coordinator wires the pipeline stages together.
type Coordinator struct {
	store    RecordStore
	fetcher  ContentFetcher
	chunker  Chunker
	embedder Embedder
	index    VectorWriter
	dispatch Dispatcher
	clock    Clock
	logger   *slog.Logger
}

// Deps lists the Coordinator's collaborators.
type Deps struct {
	Store    RecordStore
	Fetcher  ContentFetcher
	Chunker  Chunker
	Embedder Embedder
	Index    VectorWriter
	Queue    Dispatcher
	Clock    Clock
	Logger   *slog.Logger
}

// New creates a Coordinator.
func New(d Deps) *Coordinator {
	if d.Clock == nil {
		d.Clock = RealClock{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Coordinator{
		store:    d.Store,
		fetcher:  d.Fetcher,
		chunker:  d.Chunker,
		embedder: d.Embedder,
		index:    d.Index,
		dispatch: d.Queue,
		clock:    d.Clock,
		logger:   d.Logger.With("component", "ingest"),
	}
}

// SubmitResult is the outcome of a submission.
type SubmitResult struct {
	Message  string        `json:"message"`
	URL      string        `json:"url"`
	Status   domain.Status `json:"status"`
	RecordID uint          `json:"id"`
	Queued   bool          `json:"-"`
}

// Submit records a request to ingest url and queues work when needed.
//
// A URL that is being processed is left alone until its claim goes stale;
// after that it is reset to pending like any other record. A completed URL is
// re-fetched (possibly from cache) unless force is set; if its content hash
// matches the stored one nothing changes. Everything else goes back to
// pending and is queued.
func (c *Coordinator) Submit(ctx context.Context, rawURL string, force bool) (SubmitResult, error) {
	return c.submit(ctx, rawURL, force, c.dispatch.Enqueue)
}

func (c *Coordinator) submit(ctx context.Context, rawURL string, force bool, enqueue func(context.Context, queue.Task) error) (SubmitResult, error) {
	url, err := NormalizeURL(rawURL)
	if err != nil {
		return SubmitResult{}, err
	}
	log := c.logger.With("url", url)

	rec, err := c.store.GetByURL(ctx, url)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		created := false
		rec, created, err = c.store.CreatePending(ctx, url)
		if err != nil {
			return SubmitResult{}, err
		}
		if created {
			log.Info("new url submitted")
			return c.queue(ctx, rec, force, enqueue)
		}
		// lost a creation race; treat as a resubmission
	case err != nil:
		return SubmitResult{}, err
	}

	if rec.Status == domain.StatusCompleted && !force {
		raw, err := c.fetcher.Fetch(ctx, url, fetcher.Options{PreviousHash: rec.StoredHash()})
		switch {
		case err != nil:
			log.Warn("change check fetch failed, requeueing", "error", err)
		case !raw.ContentChanged:
			log.Info("content unchanged", "hash", raw.ContentHash, "from_cache", raw.FromCache)
			return SubmitResult{Message: MsgUnchanged, URL: url, Status: rec.Status, RecordID: rec.ID}, nil
		default:
			log.Info("content changed", "old_hash", rec.StoredHash(), "new_hash", raw.ContentHash)
		}
	}

	if rec.Status != domain.StatusPending {
		ok, err := c.store.MarkPending(ctx, url)
		if err != nil {
			return SubmitResult{}, err
		}
		if !ok {
			// held by a live worker, or claimed between the read and the update
			return stillProcessing(rec), nil
		}
		if rec.Status == domain.StatusProcessing {
			log.Warn("reclaimed stale processing record", "updated_at", rec.UpdatedAt)
		}
		rec.Status = domain.StatusPending
	}
	return c.queue(ctx, rec, force, enqueue)
}

func stillProcessing(rec *domain.IngestionRecord) SubmitResult {
	return SubmitResult{Message: MsgStillProcessing, URL: rec.URL, Status: domain.StatusProcessing, RecordID: rec.ID}
}

func (c *Coordinator) queue(ctx context.Context, rec *domain.IngestionRecord, force bool, enqueue func(context.Context, queue.Task) error) (SubmitResult, error) {
	task := queue.Task{URL: rec.URL, ForceRefresh: force, EnqueuedAt: c.clock.Now().UTC()}
	if err := enqueue(ctx, task); err != nil {
		msg := fmt.Sprintf("Failed to queue URL: %v", err)
		if ferr := c.store.Fail(context.WithoutCancel(ctx), rec.URL, msg); ferr != nil {
			c.logger.Error("record enqueue failure", "url", rec.URL, "error", ferr)
		}
		return SubmitResult{}, fmt.Errorf("enqueue %s: %w", rec.URL, err)
	}
	return SubmitResult{Message: MsgQueued, URL: rec.URL, Status: domain.StatusPending, RecordID: rec.ID, Queued: true}, nil
}

// ProcessResult describes one worker attempt.
type ProcessResult struct {
	URL         string
	Status      domain.Status
	ContentHash string
	Chunks      int
	Strategy    domain.FetchStrategy
	Skipped     bool // another worker holds the record, or it is no longer pending
}

// Process is the worker side. The record is moved to processing before any
// I/O. Any stage error marks the record failed with the error text and is
// returned so the task substrate records it too. When ctx is canceled
// (shutdown) the record is released back to pending instead, so the
// redelivered task can pick it up. A panic marks the record failed and is
// re-raised.
func (c *Coordinator) Process(ctx context.Context, task queue.Task) (ProcessResult, error) {
	log := c.logger.With("url", task.URL)
	start := c.clock.Now()

	claimed, err := c.store.Claim(ctx, task.URL)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("claim %s: %w", task.URL, err)
	}
	if !claimed {
		log.Info("task skipped, record not claimable")
		return ProcessResult{URL: task.URL, Skipped: true}, nil
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("ingestion panicked", "panic", p)
			if ferr := c.store.Fail(context.WithoutCancel(ctx), task.URL, fmt.Sprintf("panic: %v", p)); ferr != nil {
				log.Error("record failure", "error", ferr)
			}
			panic(p)
		}
	}()

	res, err := c.run(ctx, task)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		log.Warn("ingestion interrupted, releasing record", "error", err)
		if rerr := c.store.Release(context.WithoutCancel(ctx), task.URL); rerr != nil {
			log.Error("release record", "error", rerr)
		}
		return ProcessResult{URL: task.URL, Status: domain.StatusPending}, err
	}
	if err != nil {
		log.Error("ingestion failed", "stage", domain.StageOf(err), "error", err)
		// record the failure even if the task deadline already passed
		if ferr := c.store.Fail(context.WithoutCancel(ctx), task.URL, err.Error()); ferr != nil {
			log.Error("record failure", "error", ferr)
		}
		return ProcessResult{URL: task.URL, Status: domain.StatusFailed}, err
	}

	if err := c.store.Complete(context.WithoutCancel(ctx), task.URL, res.ContentHash); err != nil {
		return ProcessResult{URL: task.URL, Status: domain.StatusProcessing}, fmt.Errorf("complete %s: %w", task.URL, err)
	}
	res.Status = domain.StatusCompleted

	log.Info("ingestion completed",
		"chunks", res.Chunks,
		"strategy", res.Strategy,
		"hash", res.ContentHash,
		"elapsed", c.clock.Now().Sub(start),
	)
	return res, nil
}

// run executes fetch, chunk, embed and index.
func (c *Coordinator) run(ctx context.Context, task queue.Task) (ProcessResult, error) {
	raw, err := c.fetcher.Fetch(ctx, task.URL, fetcher.Options{ForceRefresh: task.ForceRefresh})
	if err != nil {
		return ProcessResult{}, asStageError(err, func(e error) error { return &domain.FetchError{URL: task.URL, Err: e} })
	}

	chunks := c.chunker.Chunk(task.URL, raw.Text)
	if len(chunks) == 0 {
		return ProcessResult{}, &domain.ChunkingError{URL: task.URL}
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return ProcessResult{}, asStageError(err, func(e error) error { return &domain.EmbeddingError{Err: e} })
	}
	if len(vectors) != len(chunks) {
		return ProcessResult{}, &domain.EmbeddingError{Err: fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))}
	}

	points := make([]domain.IndexedPoint, len(chunks))
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		points[i] = domain.NewIndexedPoint(ch, vectors[i])
		ids[i] = points[i].ID
	}
	if err := c.index.Upsert(ctx, points); err != nil {
		return ProcessResult{}, &domain.IndexError{Err: err}
	}
	if err := c.index.DeleteStale(ctx, task.URL, ids); err != nil {
		return ProcessResult{}, &domain.IndexError{Err: err}
	}

	return ProcessResult{
		URL:         task.URL,
		ContentHash: raw.ContentHash,
		Chunks:      len(chunks),
		Strategy:    raw.Strategy,
	}, nil
}

// asStageError keeps err if it already carries a pipeline stage, otherwise wraps it.
func asStageError(err error, wrap func(error) error) error {
	if domain.StageOf(err) != "" {
		return err
	}
	return wrap(err)
}

// RunResult combines a synchronous submit and process.
type RunResult struct {
	Submit  SubmitResult
	Process *ProcessResult
}

// Run submits url and, if work was queued, processes it in the calling
// goroutine instead of going through the queue.
func (c *Coordinator) Run(ctx context.Context, rawURL string, force bool) (RunResult, error) {
	var task *queue.Task
	sub, err := c.submit(ctx, rawURL, force, func(_ context.Context, t queue.Task) error {
		task = &t
		return nil
	})
	if err != nil {
		return RunResult{}, err
	}
	if task == nil {
		return RunResult{Submit: sub}, nil
	}

	res, err := c.Process(ctx, *task)
	return RunResult{Submit: sub, Process: &res}, err
}

// HandleTask adapts Process to the worker pool.
func (c *Coordinator) HandleTask(ctx context.Context, task queue.Task) error {
	_, err := c.Process(ctx, task)
	return err
}
