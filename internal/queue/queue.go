// Package queue provides the FIFO render queue feeding the worker pool.
package queue

import (
	"context"
	"time"
)

// Queue is a bounded FIFO of queued job ids. Push rejects with a
// QUEUE_FULL error once the configured depth is reached, so intake can
// refuse new submissions instead of accepting and starving them.
type Queue interface {
	// Push appends a job id. Fails with errors.CodeQueueFull at capacity.
	Push(ctx context.Context, jobID string) error

	// Pop removes the oldest job id, blocking up to timeout. It returns
	// "" with a nil error when the timeout elapses with an empty queue.
	Pop(ctx context.Context, timeout time.Duration) (string, error)

	// Depth returns the current number of queued ids.
	Depth(ctx context.Context) (int64, error)
}
