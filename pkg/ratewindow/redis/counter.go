// Package redis implements the deployment rate window on a Redis sorted set.
//
// Every deployment is a member scored by its timestamp in milliseconds; the
// count is a ZCOUNT over the window and members older than the window are
// trimmed on write.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dukex/orion/pkg/ratewindow"
	goredis "github.com/redis/go-redis/v9"
)

const defaultKey = "orion:deployments"

var _ ratewindow.Counter = (*Counter)(nil)

// Option configures the Counter.
type Option func(*Counter)

// WithKey overrides the sorted set key.
func WithKey(key string) Option {
	return func(c *Counter) { c.key = key }
}

// Counter counts deployments across every API replica sharing the Redis.
type Counter struct {
	client goredis.Cmdable
	key    string
	window time.Duration
}

// New creates a counter. The caller owns the client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Counter {
	c := &Counter{client: client, key: defaultKey, window: ratewindow.Window}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewFromURL parses a redis:// url and returns a counter with its own client.
func NewFromURL(redisURL string, opts ...Option) (*Counter, *goredis.Client, error) {
	options, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(options)

	return New(client, opts...), client, nil
}

func score(at time.Time) string {
	return strconv.FormatInt(at.UnixMilli(), 10)
}

func (c *Counter) CountSince(ctx context.Context, since time.Time) (int, error) {
	count, err := c.client.ZCount(ctx, c.key, score(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count deployments: %w", err)
	}

	return int(count), nil
}

func (c *Counter) Record(ctx context.Context, deploymentID string, at time.Time) error {
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, c.key, goredis.Z{Score: float64(at.UnixMilli()), Member: deploymentID})
		pipe.ZRemRangeByScore(ctx, c.key, "-inf", "("+score(at.Add(-c.window)))
		pipe.Expire(ctx, c.key, 2*c.window)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}

	return nil
}

// Ping verifies the Redis connection is alive.
func (c *Counter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
