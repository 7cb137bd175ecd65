package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPresenceTTL = 90 * time.Second

// RedisPresence records live connections as Redis sets so publishing nodes
// in a cluster can tell online from offline users. Keys expire shortly after
// the heartbeat window, so a crashed node's connections age out on their own.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresence(client *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &RedisPresence{client: client, ttl: ttl}
}

func presenceKey(tenantID, userID string) string {
	return fmt.Sprintf("presence:%s:%s", tenantID, userID)
}

func (p *RedisPresence) Up(ctx context.Context, tenantID, userID, connectionID string) error {
	key := presenceKey(tenantID, userID)
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, key, connectionID)
	pipe.Expire(ctx, key, p.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPresence) Down(ctx context.Context, tenantID, userID, connectionID string) error {
	return p.client.SRem(ctx, presenceKey(tenantID, userID), connectionID).Err()
}

func (p *RedisPresence) Touch(ctx context.Context, tenantID, userID string) error {
	return p.client.Expire(ctx, presenceKey(tenantID, userID), p.ttl).Err()
}

func (p *RedisPresence) IsOnline(ctx context.Context, tenantID, userID string) (bool, error) {
	n, err := p.client.Exists(ctx, presenceKey(tenantID, userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
