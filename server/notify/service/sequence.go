package service

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Sequencer assigns per-tenant monotonic envelope ids. Two envelopes with
// the same tenant and id can never exist.
type Sequencer interface {
	Next(ctx context.Context, tenantID string) (int64, error)
}

type MemorySequencer struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: map[string]int64{}}
}

func (s *MemorySequencer) Next(_ context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[tenantID]++
	return s.counters[tenantID], nil
}

type RedisSequencer struct {
	client *redis.Client
}

func NewRedisSequencer(client *redis.Client) *RedisSequencer {
	return &RedisSequencer{client: client}
}

func (s *RedisSequencer) Next(ctx context.Context, tenantID string) (int64, error) {
	return s.client.Incr(ctx, "notify:seq:"+tenantID).Result()
}
