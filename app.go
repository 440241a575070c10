package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/bad33ndj3/webrag/internal/answer"
	"github.com/bad33ndj3/webrag/internal/cache"
	"github.com/bad33ndj3/webrag/internal/chunker"
	"github.com/bad33ndj3/webrag/internal/config"
	"github.com/bad33ndj3/webrag/internal/embedding"
	"github.com/bad33ndj3/webrag/internal/fetcher"
	"github.com/bad33ndj3/webrag/internal/ingest"
	"github.com/bad33ndj3/webrag/internal/queue"
	"github.com/bad33ndj3/webrag/internal/search"
	"github.com/bad33ndj3/webrag/internal/store"
	"github.com/bad33ndj3/webrag/internal/vectorindex"
)

// newLogger creates the process logger writing to w.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// setupFileLogger creates an slog logger that writes to a debug file in dir.
// File format: debug-YYYY-MM-DD.txt
func setupFileLogger(dir string) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}

	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(dir, fmt.Sprintf("debug-%s.txt", date))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	handler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	return slog.New(handler), file, nil
}

// app holds every wired component of one process.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store     *store.Store
	index     vectorindex.Index
	queue     queue.Queue
	coord     *ingest.Coordinator
	search    *search.Service
	generator *answer.OllamaGenerator

	closers []func() error
}

// newApp connects to every backend named in cfg, migrates the records table
// and makes sure the vector collection exists.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	// --- Records store ---
	db, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	a.store = store.New(db, store.Options{StaleAfter: cfg.Store.StaleAfter}, logger)
	if err := a.store.Migrate(ctx); err != nil {
		return nil, err
	}

	// --- Redis, shared by cache and queue ---
	var rdb *goredis.Client
	if cfg.Cache.Backend == config.BackendRedis || cfg.Queue.Backend == config.BackendRedis {
		rdb, err = cache.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
	}

	var kv cache.KV
	if cfg.Cache.Backend == config.BackendRedis {
		kv = cache.NewRedisStore(rdb, cfg.Redis.Timeout, logger)
		if err := kv.Ping(ctx); err != nil {
			logger.Warn("redis cache unreachable, continuing without cache hits", "error", err)
		}
	} else {
		kv = cache.NewMemoryStore(time.Now)
	}
	contentCache := cache.NewContentCache(kv, cfg.Cache.ContentPrefix, cfg.Cache.ContentTTL, logger)
	embeddingCache := cache.NewEmbeddingCache(kv, cfg.Cache.EmbeddingPrefix, cfg.Cache.EmbeddingTTL, logger)

	switch cfg.Queue.Backend {
	case config.BackendRedis:
		a.queue = queue.NewRedisQueue(rdb, cfg.Queue.Key, logger)
	default:
		a.queue = queue.NewMemoryQueue(cfg.Queue.Size)
	}

	// --- Vector index ---
	switch cfg.Vector.Backend {
	case config.BackendQdrant:
		q, err := vectorindex.NewQdrant(vectorindex.QdrantConfig{
			URL:        cfg.Vector.URL,
			Collection: cfg.Vector.Collection,
			Dimension:  cfg.Ollama.EmbeddingDim,
			Timeout:    cfg.Vector.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.index = q
	default:
		a.index = vectorindex.NewMemory()
	}
	if err := a.index.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("ensure vector collection: %w", err)
	}

	// --- Models ---
	modelHTTP := &http.Client{Timeout: cfg.Ollama.LLMTimeout + 5*time.Second}
	model, err := embedding.NewOllamaEmbedderWithClient(embedding.Config{
		Host:      cfg.Ollama.BaseURL,
		Model:     cfg.Ollama.EmbeddingModel,
		Dimension: cfg.Ollama.EmbeddingDim,
	}, modelHTTP)
	if err != nil {
		return nil, err
	}
	provider := embedding.NewCachedProvider(model, embeddingCache, cfg.Ollama.EmbeddingDim)

	a.generator, err = answer.NewOllamaGenerator(answer.Config{
		Host:    cfg.Ollama.BaseURL,
		Model:   cfg.Ollama.LLMModel,
		Timeout: cfg.Ollama.LLMTimeout,
	}, modelHTTP, logger)
	if err != nil {
		return nil, err
	}

	// --- Fetcher ---
	var renderer fetcher.Renderer
	if cfg.Fetch.RenderEnabled {
		renderer = fetcher.NewChromeRenderer(cfg.Fetch.RenderTimeout, cfg.Fetch.ChromePath)
	}
	f := fetcher.New(fetcher.Config{
		Static:      fetcher.NewStaticFetcher(cfg.Fetch.StaticTimeout),
		Renderer:    renderer,
		Cache:       contentCache,
		Policy:      fetcher.ExtractionPolicy{MinUsableLength: cfg.Fetch.MinUsableLength},
		RenderLimit: rate.Limit(cfg.Fetch.RenderRate),
		RenderBurst: cfg.Fetch.RenderBurst,
		Logger:      logger,
	})

	// --- Pipelines ---
	a.coord = ingest.New(ingest.Deps{
		Store:   a.store,
		Fetcher: f,
		Chunker: chunker.New(chunker.Config{
			ChunkSize:      cfg.Chunker.ChunkSize,
			ChunkOverlap:   cfg.Chunker.ChunkOverlap,
			MinChunkLength: cfg.Chunker.MinChunkLength,
		}),
		Embedder: provider,
		Index:    a.index,
		Queue:    a.queue,
		Logger:   logger,
	})
	a.search = search.NewService(provider, a.index, a.generator, logger)

	if !model.Available(ctx) {
		logger.Warn("embedding model unreachable", "host", cfg.Ollama.BaseURL, "model", cfg.Ollama.EmbeddingModel)
	}

	logger.Info("components ready",
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Backend,
		"queue", cfg.Queue.Backend,
		"vector", cfg.Vector.Backend,
		"render", cfg.Fetch.RenderEnabled,
	)
	ready = true
	return a, nil
}

// localQueue reports whether tasks live only in this process, so a worker
// pool must run here for them to be processed.
func (a *app) localQueue() bool {
	return a.cfg.Queue.Backend != config.BackendRedis
}

// newPool creates the worker pool. A Redis queue first re-queues tasks left
// in flight by a previous worker.
func (a *app) newPool(ctx context.Context) (*queue.Pool, error) {
	if rq, ok := a.queue.(*queue.RedisQueue); ok {
		n, err := rq.Recover(ctx)
		if err != nil {
			return nil, fmt.Errorf("recover in-flight tasks: %w", err)
		}
		if n > 0 {
			a.logger.Info("re-queued in-flight tasks", "count", n)
		}
	}
	return queue.NewPool(a.queue, a.coord.HandleTask, queue.PoolConfig{
		Concurrency: a.cfg.Worker.Concurrency,
		TimeLimit:   a.cfg.Worker.TaskTimeLimit,
	}, a.logger), nil
}

// Close releases every connection. Safe to call more than once.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("close", "error", err)
	}
}
