// Package queue dispatches ingestion tasks to workers with at-least-once
// delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by Dequeue once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Task asks a worker to ingest one URL.
type Task struct {
	URL          string    `json:"url"`
	ForceRefresh bool      `json:"force_refresh"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Delivery is a dequeued task that must be acknowledged once handled.
type Delivery struct {
	Task Task
	raw  string
}

// Queue is the task substrate.
type Queue interface {
	// Enqueue returns as soon as the task is stored.
	Enqueue(ctx context.Context, task Task) error

	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (Delivery, error)

	// Ack removes a delivered task for good.
	Ack(ctx context.Context, d Delivery) error
}

func encodeTask(t Task) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	return string(raw), nil
}

func decodeTask(raw string) (Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}

// MemoryQueue is a channel-backed queue for single-process runs and tests.
// Ack is a no-op: a task lost in a crash is simply gone.
type MemoryQueue struct {
	ch  chan Task
	now func() time.Time
}

// NewMemoryQueue creates a queue holding up to size undelivered tasks.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan Task, size), now: time.Now}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now().UTC()
	}
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case t, ok := <-q.ch:
		if !ok {
			return Delivery{}, ErrClosed
		}
		return Delivery{Task: t}, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, Delivery) error { return nil }

// Len returns the number of undelivered tasks.
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Close stops further deliveries once the buffer drains.
func (q *MemoryQueue) Close() { close(q.ch) }
