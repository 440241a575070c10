// Package config builds the immutable configuration value passed to every
// component. Sources, lowest precedence first: built-in defaults, a YAML
// file, a .env file, then the process environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendMemory  = "memory"
	BackendRedis   = "redis"
	BackendQdrant  = "qdrant"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Default file locations.
const (
	DefaultPath    = "webrag.yaml"
	DefaultEnvFile = ".env"
)

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Dir    string `yaml:"dir"`    // where the mcp command writes its debug log
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port int `yaml:"port"`
	// AllowOrigins lists CORS origins; empty allows any origin.
	AllowOrigins []string `yaml:"allow_origins"`
}

// StoreConfig selects the relational store for ingestion records.
type StoreConfig struct {
	Driver     string        `yaml:"driver"`
	DSN        string        `yaml:"dsn"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// RedisConfig is shared by the Redis cache and queue.
type RedisConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig configures the content and embedding caches.
type CacheConfig struct {
	Backend         string        `yaml:"backend"`
	ContentPrefix   string        `yaml:"content_prefix"`
	EmbeddingPrefix string        `yaml:"embedding_prefix"`
	ContentTTL      time.Duration `yaml:"content_ttl"`
	EmbeddingTTL    time.Duration `yaml:"embedding_ttl"`
}

// QueueConfig configures task dispatch.
type QueueConfig struct {
	Backend string `yaml:"backend"`
	Key     string `yaml:"key"`
	Size    int    `yaml:"size"` // buffer of the in-memory queue
}

// VectorConfig configures the vector index.
type VectorConfig struct {
	Backend    string        `yaml:"backend"`
	URL        string        `yaml:"url"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// OllamaConfig configures the embedding and generative models.
type OllamaConfig struct {
	BaseURL        string        `yaml:"base_url"`
	EmbeddingModel string        `yaml:"embedding_model"`
	EmbeddingDim   int           `yaml:"embedding_dim"`
	LLMModel       string        `yaml:"llm_model"`
	LLMTimeout     time.Duration `yaml:"llm_timeout"`
}

// ChunkerConfig configures chunk sizing, in characters.
type ChunkerConfig struct {
	ChunkSize      int `yaml:"chunk_size"`
	ChunkOverlap   int `yaml:"chunk_overlap"`
	MinChunkLength int `yaml:"min_chunk_length"`
}

// FetchConfig configures both fetch tiers.
type FetchConfig struct {
	StaticTimeout   time.Duration `yaml:"static_timeout"`
	RenderEnabled   bool          `yaml:"render_enabled"`
	RenderTimeout   time.Duration `yaml:"render_timeout"`
	ChromePath      string        `yaml:"chrome_path"`
	RenderRate      float64       `yaml:"render_rate"` // browser launches per second
	RenderBurst     int           `yaml:"render_burst"`
	MinUsableLength int           `yaml:"min_usable_length"`
}

// WorkerConfig configures the ingestion worker pool.
type WorkerConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	TaskTimeLimit time.Duration `yaml:"task_time_limit"`
}

// Config is the whole configuration. Treat it as read-only once loaded.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
	Store   StoreConfig   `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	Cache   CacheConfig   `yaml:"cache"`
	Queue   QueueConfig   `yaml:"queue"`
	Vector  VectorConfig  `yaml:"vector"`
	Ollama  OllamaConfig  `yaml:"ollama"`
	Chunker ChunkerConfig `yaml:"chunker"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Worker  WorkerConfig  `yaml:"worker"`
}

// Default returns the built-in configuration. It runs without any external
// service except Ollama: SQLite, in-memory caches, queue and vector index.
func Default() Config {
	return Config{
		Log:   LogConfig{Level: "info", Format: "text", Dir: ".webrag"},
		HTTP:  HTTPConfig{Port: 8000},
		Store: StoreConfig{Driver: DriverSQLite, DSN: "webrag.db", StaleAfter: 10 * time.Minute},
		Redis: RedisConfig{URL: "redis://localhost:6379/0", Timeout: 2 * time.Second},
		Cache: CacheConfig{
			Backend:         BackendMemory,
			ContentPrefix:   "content:",
			EmbeddingPrefix: "emb:",
			ContentTTL:      2 * time.Hour,
			EmbeddingTTL:    24 * time.Hour,
		},
		Queue: QueueConfig{Backend: BackendMemory, Key: "webrag:ingest", Size: 1024},
		Vector: VectorConfig{
			Backend:    BackendMemory,
			URL:        "http://localhost:6333",
			Collection: "web_content",
			Timeout:    10 * time.Second,
		},
		Ollama: OllamaConfig{
			BaseURL:        "http://localhost:11434",
			EmbeddingModel: "all-minilm",
			EmbeddingDim:   384,
			LLMModel:       "llama3.2:3b",
			LLMTimeout:     60 * time.Second,
		},
		Chunker: ChunkerConfig{ChunkSize: 1000, ChunkOverlap: 200, MinChunkLength: 50},
		Fetch: FetchConfig{
			StaticTimeout:   30 * time.Second,
			RenderEnabled:   true,
			RenderTimeout:   30 * time.Second,
			RenderRate:      1,
			RenderBurst:     2,
			MinUsableLength: 100,
		},
		Worker: WorkerConfig{Concurrency: 4, TaskTimeLimit: 300 * time.Second},
	}
}

// Load builds a Config from the YAML file at path, the env file and the
// process environment. Missing files are not an error.
func Load(path, envFile string) (Config, error) {
	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = m
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read env file %s: %w", envFile, err)
		}
	}
	return LoadWith(path, func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})
}

// LoadWith is Load with an explicit environment lookup.
func LoadWith(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides cfg with the deployment's environment variables.
// Setting a service URL also switches the matching backend on.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	if v, ok := e.str("REDIS_URL"); ok {
		cfg.Redis.URL = v
		cfg.Cache.Backend = BackendRedis
		cfg.Queue.Backend = BackendRedis
	}
	if v, ok := e.str("POSTGRES_URL"); ok {
		cfg.Store.Driver = DriverPostgres
		cfg.Store.DSN = v
	}
	if v, ok := e.str("QDRANT_URL"); ok {
		cfg.Vector.Backend = BackendQdrant
		cfg.Vector.URL = v
	}
	e.setStr("QDRANT_COLLECTION_NAME", &cfg.Vector.Collection)
	e.setStr("OLLAMA_BASE_URL", &cfg.Ollama.BaseURL)
	e.setStr("LLM_MODEL", &cfg.Ollama.LLMModel)
	e.setStr("EMBEDDING_MODEL", &cfg.Ollama.EmbeddingModel)
	e.setStr("CONTENT_CACHE_PREFIX", &cfg.Cache.ContentPrefix)
	e.setStr("EMBEDDING_CACHE_PREFIX", &cfg.Cache.EmbeddingPrefix)
	e.setStr("CACHE_BACKEND", &cfg.Cache.Backend)
	e.setStr("QUEUE_BACKEND", &cfg.Queue.Backend)
	e.setStr("CHROME_PATH", &cfg.Fetch.ChromePath)
	e.setStr("LOG_LEVEL", &cfg.Log.Level)
	e.setStr("LOG_FORMAT", &cfg.Log.Format)
	if v, ok := e.str("CORS_ALLOW_ORIGINS"); ok {
		cfg.HTTP.AllowOrigins = splitList(v)
	}

	e.setInt("EMBEDDING_DIM", &cfg.Ollama.EmbeddingDim)
	e.setInt("CHUNK_SIZE", &cfg.Chunker.ChunkSize)
	e.setInt("CHUNK_OVERLAP", &cfg.Chunker.ChunkOverlap)
	e.setInt("MIN_CHUNK_LENGTH", &cfg.Chunker.MinChunkLength)
	e.setInt("API_PORT", &cfg.HTTP.Port)
	e.setInt("WORKER_CONCURRENCY", &cfg.Worker.Concurrency)

	e.setDuration("CONTENT_CACHE_TTL", &cfg.Cache.ContentTTL)
	e.setDuration("EMBEDDING_CACHE_TTL", &cfg.Cache.EmbeddingTTL)
	e.setDuration("TASK_TIME_LIMIT", &cfg.Worker.TaskTimeLimit)
	e.setDuration("LLM_TIMEOUT", &cfg.Ollama.LLMTimeout)

	e.setBool("RENDER_ENABLED", &cfg.Fetch.RenderEnabled)

	return errors.Join(e.errs...)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Chunker.ChunkSize > 0, "chunker.chunk_size must be positive, got %d", c.Chunker.ChunkSize)
	check(c.Chunker.ChunkOverlap >= 0, "chunker.chunk_overlap must not be negative, got %d", c.Chunker.ChunkOverlap)
	check(c.Chunker.ChunkOverlap < c.Chunker.ChunkSize, "chunker.chunk_overlap (%d) must be smaller than chunk_size (%d)", c.Chunker.ChunkOverlap, c.Chunker.ChunkSize)
	check(c.Chunker.MinChunkLength >= 0, "chunker.min_chunk_length must not be negative")
	check(c.Ollama.EmbeddingDim > 0, "ollama.embedding_dim must be positive, got %d", c.Ollama.EmbeddingDim)
	check(c.Ollama.BaseURL != "", "ollama.base_url is required")
	check(c.Ollama.EmbeddingModel != "", "ollama.embedding_model is required")
	check(c.Ollama.LLMModel != "", "ollama.llm_model is required")
	check(c.HTTP.Port > 0 && c.HTTP.Port < 65536, "http.port out of range: %d", c.HTTP.Port)
	check(c.Worker.Concurrency > 0, "worker.concurrency must be positive")
	check(c.Worker.TaskTimeLimit > 0, "worker.task_time_limit must be positive")
	check(c.Cache.ContentTTL > 0 && c.Cache.EmbeddingTTL > 0, "cache TTLs must be positive")
	check(c.Fetch.MinUsableLength >= 0, "fetch.min_usable_length must not be negative")
	check(c.Fetch.StaticTimeout > 0 && c.Fetch.RenderTimeout > 0, "fetch timeouts must be positive")

	check(oneOf(c.Store.Driver, DriverPostgres, DriverSQLite), "unknown store.driver %q", c.Store.Driver)
	check(c.Store.DSN != "", "store.dsn is required")
	check(oneOf(c.Cache.Backend, BackendMemory, BackendRedis), "unknown cache.backend %q", c.Cache.Backend)
	check(oneOf(c.Queue.Backend, BackendMemory, BackendRedis), "unknown queue.backend %q", c.Queue.Backend)
	check(oneOf(c.Vector.Backend, BackendMemory, BackendQdrant), "unknown vector.backend %q", c.Vector.Backend)
	check(oneOf(c.Log.Format, "text", "json"), "unknown log.format %q", c.Log.Format)

	if c.Cache.Backend == BackendRedis || c.Queue.Backend == BackendRedis {
		check(c.Redis.URL != "", "redis.url is required for the redis backend")
	}
	if c.Vector.Backend == BackendQdrant {
		check(c.Vector.URL != "" && c.Vector.Collection != "", "vector.url and vector.collection are required for qdrant")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// envReader collects parse errors so every bad variable is reported at once.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) setStr(key string, dst *string) {
	if v, ok := e.str(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	v, ok := e.str(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: not an integer: %q", key, v))
		return
	}
	*dst = n
}

func (e *envReader) setBool(key string, dst *bool) {
	v, ok := e.str(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: not a boolean: %q", key, v))
		return
	}
	*dst = b
}

// setDuration accepts a Go duration ("2h") or a plain number of seconds ("7200").
func (e *envReader) setDuration(key string, dst *time.Duration) {
	v, ok := e.str(key)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: not a duration: %q", key, v))
		return
	}
	*dst = d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
