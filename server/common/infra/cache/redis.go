package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient builds the shared Redis client used for the fanout transport,
// offline queues, presence sets and webhook dedupe keys. Timeouts are kept
// tight: a slow Redis must surface as an error, not a stalled delivery.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func Ping(ctx context.Context, c *redis.Client) error {
	return c.Ping(ctx).Err()
}
