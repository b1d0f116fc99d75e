package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultKey is the redis list the manager's jobs travel through.
	DefaultKey = "pulp-manager:jobs"

	// popTimeout bounds each blocking pop so Dequeue notices context
	// cancellation between attempts.
	popTimeout = 5 * time.Second

	connectRetries       = 5
	connectRetryInterval = 2 * time.Second
)

// ConnectRedis opens a redis client from a redis:// or rediss:// URL and
// verifies it with a ping, retrying so the manager survives starting
// before redis does.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		} else {
			lastErr = err
		}
		_ = client.Close()
		logrus.WithError(lastErr).Warn("Redis is not ready yet, will retry.")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryInterval):
		}
	}
	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", connectRetries, lastErr)
}

// Redis implements Queue on a redis list so multiple manager replicas can
// share one queue. LPUSH/BRPOP keeps FIFO order.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis wraps a connected client. An empty key selects DefaultKey.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key}
}

func (q *Redis) Enqueue(ctx context.Context, jobID int64) error {
	if err := q.client.LPush(ctx, q.key, strconv.FormatInt(jobID, 10)).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %d: %w", jobID, err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (int64, error) {
	for {
		values, err := q.client.BRPop(ctx, popTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("failed to pop from the job queue: %w", err)
		}
		// BRPOP returns [key, value].
		id, err := strconv.ParseInt(values[1], 10, 64)
		if err != nil {
			logrus.WithField("value", values[1]).Warn("Dropping malformed job queue entry.")
			continue
		}
		return id, nil
	}
}

func (q *Redis) Len(ctx context.Context) (int64, error) {
	length, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read job queue length: %w", err)
	}
	return length, nil
}
