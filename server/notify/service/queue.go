package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"crm_server/server/notify/domain"
)

const (
	defaultQueueDepth = 200
	defaultQueueTTL   = 24 * time.Hour
)

// QueueStore holds notifications for users with no live connection, bounded
// per user. Entries older than the TTL are dropped without delivery: the
// real-time relevance of a notification decays, losing stale ones is policy.
type QueueStore interface {
	Enqueue(ctx context.Context, tenantID, userID string, env domain.Envelope) error
	Drain(ctx context.Context, tenantID, userID string) ([]domain.QueuedNotification, error)
}

type gapPayload struct {
	Evicted int `json:"evicted"`
}

func gapMarker(userID string, evictedFrom domain.QueuedNotification, evicted int) domain.QueuedNotification {
	payload, _ := json.Marshal(gapPayload{Evicted: evicted})
	env := domain.Envelope{
		ID:           evictedFrom.Envelope.ID,
		TenantID:     evictedFrom.Envelope.TenantID,
		TargetUserID: userID,
		Channel:      evictedFrom.Envelope.Channel,
		Type:         domain.EnvelopeTypeGap,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	}
	return domain.QueuedNotification{
		Envelope:   env,
		UserID:     userID,
		EnqueuedAt: evictedFrom.EnqueuedAt,
		ExpiresAt:  evictedFrom.ExpiresAt,
	}
}

func gapCount(qn domain.QueuedNotification) int {
	var p gapPayload
	if err := json.Unmarshal(qn.Envelope.Payload, &p); err != nil {
		return 1
	}
	return p.Evicted
}

// MemoryQueueStore keeps per-user backlogs in process memory. Entries are
// guarded per user key, never by one lock over the whole table.
type MemoryQueueStore struct {
	depth int
	ttl   time.Duration

	mu     sync.Mutex
	queues map[string]*userQueue
}

type userQueue struct {
	mu      sync.Mutex
	entries []domain.QueuedNotification
}

func NewMemoryQueueStore(depth int, ttl time.Duration) *MemoryQueueStore {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	if ttl <= 0 {
		ttl = defaultQueueTTL
	}
	return &MemoryQueueStore{depth: depth, ttl: ttl, queues: map[string]*userQueue{}}
}

func (s *MemoryQueueStore) queueFor(tenantID, userID string) *userQueue {
	key := userKey(tenantID, userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		q = &userQueue{}
		s.queues[key] = q
	}
	return q
}

func (s *MemoryQueueStore) Enqueue(_ context.Context, tenantID, userID string, env domain.Envelope) error {
	now := time.Now().UTC()
	qn := domain.QueuedNotification{
		Envelope:   env,
		UserID:     userID,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}
	q := s.queueFor(tenantID, userID)
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) >= s.depth {
		if q.entries[0].Envelope.IsGap() {
			if len(q.entries) < 2 {
				// Nothing left but the marker itself; it cannot shrink the
				// queue any further, so stop evicting.
				break
			}
			// Absorb the oldest real entry into the existing marker.
			marker := gapMarker(userID, q.entries[0], gapCount(q.entries[0])+1)
			q.entries = append([]domain.QueuedNotification{marker}, q.entries[2:]...)
		} else {
			marker := gapMarker(userID, q.entries[0], 1)
			q.entries[0] = marker
		}
	}
	q.entries = append(q.entries, qn)
	return nil
}

func (s *MemoryQueueStore) Drain(_ context.Context, tenantID, userID string) ([]domain.QueuedNotification, error) {
	q := s.queueFor(tenantID, userID)
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	out := make([]domain.QueuedNotification, 0, len(q.entries))
	// Clustered settlement can enqueue the same envelope from more than one
	// node; the drain collapses those to a single delivery.
	seen := map[int64]struct{}{}
	for _, qn := range q.entries {
		if qn.Expired(now) {
			continue
		}
		if !qn.Envelope.IsGap() {
			if _, dup := seen[qn.Envelope.ID]; dup {
				continue
			}
			seen[qn.Envelope.ID] = struct{}{}
		}
		out = append(out, qn)
	}
	q.entries = nil
	return out, nil
}

// RedisQueueStore keeps per-user backlogs in Redis lists so a reconnect can
// drain notifications queued by any node.
type RedisQueueStore struct {
	client *redis.Client
	depth  int
	ttl    time.Duration
}

func NewRedisQueueStore(client *redis.Client, depth int, ttl time.Duration) *RedisQueueStore {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	if ttl <= 0 {
		ttl = defaultQueueTTL
	}
	return &RedisQueueStore{client: client, depth: depth, ttl: ttl}
}

func offlineQueueKey(tenantID, userID string) string {
	return fmt.Sprintf("offline:%s:%s", tenantID, userID)
}

func (s *RedisQueueStore) Enqueue(ctx context.Context, tenantID, userID string, env domain.Envelope) error {
	now := time.Now().UTC()
	qn := domain.QueuedNotification{
		Envelope:   env,
		UserID:     userID,
		EnqueuedAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}
	body, err := json.Marshal(qn)
	if err != nil {
		return err
	}
	key := offlineQueueKey(tenantID, userID)

	length, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return err
	}
	// Enqueues for one user are serialized by the bridge's per-user lock,
	// so the evict-then-push sequence does not race itself.
	for length >= int64(s.depth) {
		headRaw, err := s.client.LPop(ctx, key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return err
		}
		length--
		var head domain.QueuedNotification
		if err := json.Unmarshal([]byte(headRaw), &head); err != nil {
			continue
		}
		evicted := 1
		if head.Envelope.IsGap() {
			nextRaw, err := s.client.LPop(ctx, key).Result()
			if err == redis.Nil {
				// Nothing left but the marker itself; put it back and stop
				// evicting, it cannot shrink the queue any further.
				if err := s.client.LPush(ctx, key, headRaw).Err(); err != nil {
					return err
				}
				break
			}
			if err != nil {
				return err
			}
			length--
			evicted = gapCount(head) + 1
			var next domain.QueuedNotification
			if err := json.Unmarshal([]byte(nextRaw), &next); err == nil {
				head = next
			}
		}
		markerBody, err := json.Marshal(gapMarker(userID, head, evicted))
		if err != nil {
			return err
		}
		if err := s.client.LPush(ctx, key, markerBody).Err(); err != nil {
			return err
		}
		length++
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, body)
	pipe.Expire(ctx, key, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisQueueStore) Drain(ctx context.Context, tenantID, userID string) ([]domain.QueuedNotification, error) {
	key := offlineQueueKey(tenantID, userID)
	pipe := s.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	raw := rangeCmd.Val()
	now := time.Now().UTC()
	out := make([]domain.QueuedNotification, 0, len(raw))
	// Clustered settlement can enqueue the same envelope from more than one
	// node; the drain collapses those to a single delivery.
	seen := map[int64]struct{}{}
	for _, item := range raw {
		var qn domain.QueuedNotification
		if err := json.Unmarshal([]byte(item), &qn); err != nil {
			continue
		}
		if qn.Expired(now) {
			continue
		}
		if !qn.Envelope.IsGap() {
			if _, dup := seen[qn.Envelope.ID]; dup {
				continue
			}
			seen[qn.Envelope.ID] = struct{}{}
		}
		out = append(out, qn)
	}
	return out, nil
}
