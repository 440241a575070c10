package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable list queue: Dequeue atomically moves a task into
// an in-flight list and Ack removes it from there. Tasks left in flight by a
// crashed worker are put back by Recover.
type RedisQueue struct {
	rdb      *goredis.Client
	key      string
	inflight string
	poll     time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewRedisQueue creates a queue stored under key and key+":inflight".
func NewRedisQueue(rdb *goredis.Client, key string, logger *slog.Logger) *RedisQueue {
	if key == "" {
		key = "webrag:ingest"
	}
	return &RedisQueue{
		rdb:      rdb,
		key:      key,
		inflight: key + ":inflight",
		poll:     time.Second,
		now:      time.Now,
		logger:   logger.With("component", "redis_queue"),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now().UTC()
	}
	raw, err := encodeTask(task)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.key, raw).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Dequeue polls with a short blocking timeout so ctx cancellation is noticed.
func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}

		raw, err := q.rdb.BLMove(ctx, q.key, q.inflight, "RIGHT", "LEFT", q.poll).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, fmt.Errorf("dequeue task: %w", err)
		}

		task, err := decodeTask(raw)
		if err != nil {
			// poison message: drop it rather than redeliver forever
			q.logger.Error("dropping undecodable task", "raw", raw, "error", err)
			_ = q.rdb.LRem(ctx, q.inflight, 1, raw).Err()
			continue
		}
		return Delivery{Task: task, raw: raw}, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	if err := q.rdb.LRem(ctx, q.inflight, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

// Recover moves every in-flight task back onto the queue and returns how
// many were moved. Call it once before workers start.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.rdb.LMove(ctx, q.inflight, q.key, "RIGHT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("recover in-flight tasks: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info("requeued in-flight tasks", "count", moved)
	}
	return moved, nil
}

// Len returns the number of queued (not in-flight) tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}
