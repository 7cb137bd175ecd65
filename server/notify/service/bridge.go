package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"crm_server/server/common/log"
	"crm_server/server/notify/domain"
)

const notifyEventsChannel = "notify:events"

const tenantWorkerBuffer = 128

// OnlineChecker reports whether a user holds at least one live connection
// anywhere. The local registry serves single-process deployments; clustered
// deployments plug in the shared presence store.
type OnlineChecker interface {
	IsOnline(ctx context.Context, tenantID, userID string) (bool, error)
}

// Bridge fans a published envelope out to every eligible live connection,
// or queues it for the envelope's target user. Dispatch runs on a dedicated
// goroutine per tenant, so one tenant's burst never delays another's
// deliveries. With Redis attached, publishes travel the cluster-wide pub/sub
// channel; without it, dispatch is local to the process. The offline
// obligation is settled by each delivering node after its own connection
// lookup, never by the publisher ahead of time, so a disconnect racing the
// publish still ends in the queue. More than one node can reach the same
// conclusion; the drain collapses those duplicates by envelope id.
type Bridge struct {
	registry *Registry
	queue    QueueStore
	presence OnlineChecker

	mu        sync.Mutex
	redis     *redis.Client
	redisSub  *redis.PubSub
	subCancel context.CancelFunc
	workers   map[string]chan domain.Envelope
	stopped   bool
	stop      chan struct{}

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex
}

func NewBridge(registry *Registry, queue QueueStore) *Bridge {
	b := &Bridge{
		registry:  registry,
		queue:     queue,
		presence:  registry,
		workers:   map[string]chan domain.Envelope{},
		stop:      make(chan struct{}),
		userLocks: map[string]*sync.Mutex{},
	}
	return b
}

// UsePresence overrides the local registry as the online/offline oracle.
// Required for clustered deployments.
func (b *Bridge) UsePresence(store OnlineChecker) {
	b.presence = store
}

func (b *Bridge) UseRedis(client *redis.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.redis = client
}

// StartTransport subscribes to the cluster-wide envelope channel.
func (b *Bridge) StartTransport(ctx context.Context) error {
	b.mu.Lock()
	if b.redis == nil {
		b.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if b.redisSub != nil {
		b.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := b.redis.Subscribe(subCtx, notifyEventsChannel)
	b.redisSub = sub
	b.subCancel = cancel
	b.mu.Unlock()

	go b.consumeTransport(subCtx, sub)
	return nil
}

func (b *Bridge) consumeTransport(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Warnf("event=notify_bridge action=consume status=failed error=%v", err)
			continue
		}
		b.dispatch(env)
	}
}

// Close stops the transport subscriber and every tenant worker.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.stop)
	if b.subCancel != nil {
		b.subCancel()
		b.subCancel = nil
	}
	if b.redisSub != nil {
		_ = b.redisSub.Close()
		b.redisSub = nil
	}
}

// Publish delivers the envelope to eligible live connections or queues it
// for its target user. Envelopes without a tenant are refused outright:
// every delivery lookup is keyed by tenant first.
func (b *Bridge) Publish(ctx context.Context, env domain.Envelope) error {
	if env.TenantID == "" {
		return errors.New("envelope without tenant")
	}
	b.mu.Lock()
	redisClient := b.redis
	b.mu.Unlock()

	if redisClient != nil {
		body, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := redisClient.Publish(ctx, notifyEventsChannel, body).Err(); err == nil {
			return nil
		}
		log.Warnf("event=notify_bridge action=publish status=fallback_local tenant_id=%s envelope_id=%d", env.TenantID, env.ID)
	}
	b.dispatch(env)
	return nil
}

func (b *Bridge) dispatch(env domain.Envelope) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	ch, ok := b.workers[env.TenantID]
	if !ok {
		ch = make(chan domain.Envelope, tenantWorkerBuffer)
		b.workers[env.TenantID] = ch
		go b.tenantWorker(env.TenantID, ch)
	}
	b.mu.Unlock()

	select {
	case ch <- env:
	case <-b.stop:
	}
}

func (b *Bridge) tenantWorker(tenantID string, ch chan domain.Envelope) {
	for {
		select {
		case <-b.stop:
			return
		case env := <-ch:
			b.deliver(env)
		}
	}
}

// deliver pushes one envelope to its audience: the direct target user (with
// a queue fallback) plus every tenant connection subscribed to the channel.
// A connection matching both receives the frame once.
func (b *Bridge) deliver(env domain.Envelope) {
	ctx := context.Background()
	frame := domain.NotificationFrame(env)
	delivered := map[string]struct{}{}
	queued := map[string]struct{}{}

	if env.TargetUserID != "" {
		lock := b.userLock(env.TenantID, env.TargetUserID)
		lock.Lock()
		conns := b.registry.connectionsForUser(env.TenantID, env.TargetUserID)
		sent := false
		for _, conn := range conns {
			if conn.Offer(frame) {
				delivered[conn.ID] = struct{}{}
				sent = true
			}
		}
		if !sent {
			// The presence read happens after the connection lookup. A user
			// who disconnected since the publish is already off the tables,
			// and with presence marked down before table removal the read
			// here cannot still say online for a connection we missed. A
			// user online on some other node is that node's to serve.
			online := false
			if len(conns) == 0 {
				var err error
				online, err = b.presence.IsOnline(ctx, env.TenantID, env.TargetUserID)
				if err != nil {
					log.Warnf("event=notify_bridge action=presence_check status=failed tenant_id=%s user_id=%s error=%v", env.TenantID, env.TargetUserID, err)
					online = false
				}
			}
			if !online {
				if err := b.queue.Enqueue(ctx, env.TenantID, env.TargetUserID, env); err != nil {
					log.Errorf("event=notify_bridge action=enqueue status=failed tenant_id=%s user_id=%s envelope_id=%d error=%v", env.TenantID, env.TargetUserID, env.ID, err)
				} else {
					queued[env.TargetUserID] = struct{}{}
				}
			}
		}
		lock.Unlock()
	}

	for _, conn := range b.registry.connectionsForTenant(env.TenantID) {
		if _, ok := delivered[conn.ID]; ok {
			continue
		}
		if _, ok := queued[conn.UserID]; ok {
			continue
		}
		if !conn.subscribed(env.Channel) {
			continue
		}
		if conn.Offer(frame) {
			delivered[conn.ID] = struct{}{}
			continue
		}
		// Full buffer or a connection torn down mid-flight: degrade to a
		// queue write for that user instead of dropping.
		lock := b.userLock(env.TenantID, conn.UserID)
		lock.Lock()
		if _, ok := queued[conn.UserID]; !ok {
			if err := b.queue.Enqueue(ctx, env.TenantID, conn.UserID, env); err != nil {
				log.Errorf("event=notify_bridge action=enqueue status=failed tenant_id=%s user_id=%s envelope_id=%d error=%v", env.TenantID, conn.UserID, env.ID, err)
			} else {
				queued[conn.UserID] = struct{}{}
			}
		}
		lock.Unlock()
	}

	log.Debugf("event=notify_bridge action=deliver tenant_id=%s envelope_id=%d channel=%s fanout_count=%d queued_count=%d", env.TenantID, env.ID, env.Channel, len(delivered), len(queued))
}

// DeliverBacklog drains the user's queued notifications into the
// connection's buffer and only then opens it for live delivery. The
// per-user lock keeps a concurrent Enqueue from slipping between the drain
// and the first live frame; draining is destructive, each entry is consumed
// exactly once.
func (b *Bridge) DeliverBacklog(ctx context.Context, conn *Connection) error {
	lock := b.userLock(conn.TenantID, conn.UserID)
	lock.Lock()
	defer lock.Unlock()

	items, err := b.queue.Drain(ctx, conn.TenantID, conn.UserID)
	if err != nil {
		conn.markReady()
		return err
	}
	for i, qn := range items {
		if conn.push(domain.NotificationFrame(qn.Envelope)) {
			continue
		}
		// Connection gone or buffer exhausted: put the rest back.
		for _, rest := range items[i:] {
			if err := b.queue.Enqueue(ctx, conn.TenantID, conn.UserID, rest.Envelope); err != nil {
				log.Errorf("event=notify_bridge action=requeue status=failed tenant_id=%s user_id=%s envelope_id=%d error=%v", conn.TenantID, conn.UserID, rest.Envelope.ID, err)
			}
		}
		break
	}
	conn.markReady()
	if len(items) > 0 {
		log.Infof("event=notify_bridge action=backlog_drain tenant_id=%s user_id=%s connection_id=%s count=%d", conn.TenantID, conn.UserID, conn.ID, len(items))
	}
	return nil
}

func (b *Bridge) userLock(tenantID, userID string) *sync.Mutex {
	key := userKey(tenantID, userID)
	b.lockMu.Lock()
	defer b.lockMu.Unlock()
	lock, ok := b.userLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		b.userLocks[key] = lock
	}
	return lock
}
