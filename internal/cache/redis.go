package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore is the production KV. Every failure is logged at debug level
// and turned into a miss or a no-op.
type RedisStore struct {
	rdb     *goredis.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewRedisStore wraps an existing client. timeout bounds each cache call.
func NewRedisStore(rdb *goredis.Client, timeout time.Duration, logger *slog.Logger) *RedisStore {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisStore{rdb: rdb, timeout: timeout, logger: logger.With("component", "redis_cache")}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return goredis.NewClient(opts), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	val, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			s.logger.Debug("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return val, true
}

func (s *RedisStore) MGet(ctx context.Context, keys []string) [][]byte {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		s.logger.Debug("cache mget failed", "keys", len(keys), "error", err)
		return out
	}
	for i, v := range vals {
		if i >= len(out) {
			break
		}
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.Debug("cache set failed", "key", key, "error", err)
	}
}

func (s *RedisStore) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) {
	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.rdb.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, k, v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Debug("cache pipeline set failed", "keys", len(entries), "error", err)
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}
