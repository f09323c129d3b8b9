package queue

import (
	"context"
	"time"

	"vidforge/internal/pkg/errors"
)

// Memory implements Queue on a buffered channel. Like the memory job
// store it is non-durable and single-process only: for development with
// embedded workers, and for tests.
type Memory struct {
	ch chan string
}

// NewMemory creates an in-process queue with the given capacity.
func NewMemory(maxDepth int) *Memory {
	if maxDepth <= 0 {
		maxDepth = 1024
	}
	return &Memory{ch: make(chan string, maxDepth)}
}

func (q *Memory) Push(ctx context.Context, jobID string) error {
	select {
	case q.ch <- jobID:
		return nil
	default:
		return errors.QueueFull(int64(len(q.ch)))
	}
}

func (q *Memory) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *Memory) Depth(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}
