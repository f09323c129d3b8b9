package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"vidforge/internal/pkg/errors"
)

// Redis implements Queue on a Redis list: LPUSH to enqueue, BRPOP to
// claim FIFO order across any number of worker processes.
type Redis struct {
	rdb      *redis.Client
	key      string
	maxDepth int64
}

// NewRedis creates a Redis-backed queue. maxDepth <= 0 disables the
// backpressure cap.
func NewRedis(rdb *redis.Client, key string, maxDepth int64) *Redis {
	return &Redis{rdb: rdb, key: key, maxDepth: maxDepth}
}

func (q *Redis) Push(ctx context.Context, jobID string) error {
	if q.maxDepth > 0 {
		depth, err := q.rdb.LLen(ctx, q.key).Result()
		if err != nil {
			return errors.Wrap(err, "queue.push", "depth check failed")
		}
		if depth >= q.maxDepth {
			return errors.QueueFull(depth)
		}
	}

	if err := q.rdb.LPush(ctx, q.key, jobID).Err(); err != nil {
		return errors.Wrap(err, "queue.push", "redis lpush failed")
	}
	return nil
}

func (q *Redis) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", errors.Wrap(err, "queue.pop", "redis brpop failed")
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

func (q *Redis) Depth(ctx context.Context) (int64, error) {
	depth, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "queue.depth", "redis llen failed")
	}
	return depth, nil
}
