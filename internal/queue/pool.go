package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeLimit is the wall-clock budget of one task attempt.
const DefaultTimeLimit = 300 * time.Second

// Handler processes one task. Returning an error only marks the attempt as
// failed in the logs; the task is acknowledged either way, unless the pool is
// shutting down. A task interrupted by shutdown stays in flight so Recover
// hands it out again on the next start.
type Handler func(ctx context.Context, task Task) error

// PoolConfig tunes a Pool.
type PoolConfig struct {
	Concurrency int
	TimeLimit   time.Duration
}

// Pool runs a fixed number of workers pulling from a Queue.
type Pool struct {
	q       Queue
	handler Handler
	cfg     PoolConfig
	logger  *slog.Logger
}

// NewPool creates a pool. Zero config values pick defaults.
func NewPool(q Queue, handler Handler, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.TimeLimit <= 0 {
		cfg.TimeLimit = DefaultTimeLimit
	}
	return &Pool{q: q, handler: handler, cfg: cfg, logger: logger.With("component", "worker_pool")}
}

// Run blocks until ctx is cancelled or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting worker pool", "concurrency", p.cfg.Concurrency, "time_limit", p.cfg.TimeLimit)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i + 1
		g.Go(func() error { return p.runLoop(ctx, workerID) })
	}
	return g.Wait()
}

func (p *Pool) runLoop(ctx context.Context, workerID int) error {
	for {
		d, err := p.q.Dequeue(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrClosed), ctx.Err() != nil:
			p.logger.Info("worker loop stopped", "worker_id", workerID)
			return nil
		default:
			p.logger.Warn("dequeue failed", "worker_id", workerID, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := p.handle(ctx, workerID, d); err != nil && ctx.Err() != nil {
			p.logger.Info("task interrupted by shutdown, left for redelivery", "worker_id", workerID, "url", d.Task.URL)
			return nil
		}

		// ack even when ctx is already cancelled
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := p.q.Ack(ackCtx, d); err != nil {
			p.logger.Warn("ack failed", "worker_id", workerID, "url", d.Task.URL, "error", err)
		}
		cancel()
	}
}

func (p *Pool) handle(ctx context.Context, workerID int, d Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TimeLimit)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return p.handler(ctx, d.Task)
	}()

	if err != nil {
		p.logger.Error("task failed",
			"worker_id", workerID,
			"url", d.Task.URL,
			"force_refresh", d.Task.ForceRefresh,
			"elapsed", time.Since(start),
			"error", err,
		)
		return err
	}
	p.logger.Info("task done", "worker_id", workerID, "url", d.Task.URL, "elapsed", time.Since(start))
	return nil
}
