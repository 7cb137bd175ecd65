package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crm_server/server/common/log"
	"crm_server/server/notify/domain"
)

const defaultOutboundBuffer = 256

// Connection is a live WebSocket session owned by the Registry. It is never
// persisted; it exists between a successful handshake and a close, heartbeat
// timeout or server shutdown.
type Connection struct {
	ID            string
	TenantID      string
	UserID        string
	EstablishedAt time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
	subs          map[domain.Channel]struct{}
	out           chan domain.Frame
	closed        bool
	// ready is false while the backlog drain is in flight; offers are
	// refused so the bridge queues instead of racing ahead of the drain.
	ready bool
}

// Outbound is consumed by the connection's single writer pump.
func (c *Connection) Outbound() <-chan domain.Frame {
	return c.out
}

// Offer attempts a non-blocking write to the outbound buffer. It reports
// false when the connection is gone, not yet ready, or the buffer is full;
// the caller falls back to queueing.
func (c *Connection) Offer(frame domain.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.ready {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// push is used during backlog drain, before the connection is ready.
func (c *Connection) push(frame domain.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *Connection) markReady() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

func (c *Connection) subscribed(channel domain.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[channel]
	return ok
}

func (c *Connection) Subscriptions() []domain.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	channels := make([]domain.Channel, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	return channels
}

// PresenceStore records which users have at least one live connection, so a
// publishing node can decide between live fanout and offline queueing across
// a cluster.
type PresenceStore interface {
	Up(ctx context.Context, tenantID, userID, connectionID string) error
	Down(ctx context.Context, tenantID, userID, connectionID string) error
	Touch(ctx context.Context, tenantID, userID string) error
	IsOnline(ctx context.Context, tenantID, userID string) (bool, error)
}

// ConnectionGauge exposes the live connection count per tenant. Capacity
// signal only, never consulted for delivery decisions.
type ConnectionGauge interface {
	Set(tenantID string, count int)
}

// Registry owns the lifecycle and tenant/user scoping of live connections.
type Registry struct {
	heartbeatTimeout time.Duration
	presence         PresenceStore
	gauge            ConnectionGauge

	mu       sync.RWMutex
	byID     map[string]*Connection
	byUser   map[string]map[string]*Connection
	byTenant map[string]map[string]*Connection
}

func NewRegistry(heartbeatTimeout time.Duration) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 60 * time.Second
	}
	return &Registry{
		heartbeatTimeout: heartbeatTimeout,
		byID:             map[string]*Connection{},
		byUser:           map[string]map[string]*Connection{},
		byTenant:         map[string]map[string]*Connection{},
	}
}

func (r *Registry) UsePresence(store PresenceStore) {
	r.presence = store
}

func (r *Registry) UseGauge(gauge ConnectionGauge) {
	r.gauge = gauge
}

func userKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

// Register creates a Connection for an authenticated tenant/user pair. The
// connection refuses live delivery until the caller finishes the backlog
// drain and marks it ready.
func (r *Registry) Register(ctx context.Context, tenantID, userID string) (*Connection, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(userID) == "" {
		return nil, domain.ErrAuth
	}
	now := time.Now().UTC()
	conn := &Connection{
		ID:            userID + "_" + uuid.NewString()[:8],
		TenantID:      tenantID,
		UserID:        userID,
		EstablishedAt: now,
		lastHeartbeat: now,
		subs:          map[domain.Channel]struct{}{},
		out:           make(chan domain.Frame, defaultOutboundBuffer),
	}

	key := userKey(tenantID, userID)
	r.mu.Lock()
	r.byID[conn.ID] = conn
	if _, ok := r.byUser[key]; !ok {
		r.byUser[key] = map[string]*Connection{}
	}
	r.byUser[key][conn.ID] = conn
	if _, ok := r.byTenant[tenantID]; !ok {
		r.byTenant[tenantID] = map[string]*Connection{}
	}
	r.byTenant[tenantID][conn.ID] = conn
	tenantCount := len(r.byTenant[tenantID])
	r.mu.Unlock()

	if r.gauge != nil {
		r.gauge.Set(tenantID, tenantCount)
	}
	if r.presence != nil {
		if err := r.presence.Up(ctx, tenantID, userID, conn.ID); err != nil {
			log.Warnf("event=ws_registry action=presence_up status=failed tenant_id=%s user_id=%s error=%v", tenantID, userID, err)
		}
	}
	log.Infof("event=ws_registry action=register tenant_id=%s user_id=%s connection_id=%s tenant_connections=%d", tenantID, userID, conn.ID, tenantCount)
	return conn, nil
}

// Subscribe adds a channel to the connection's subscription set. Idempotent.
func (r *Registry) Subscribe(connectionID string, channel domain.Channel) bool {
	if !channel.Valid() {
		return false
	}
	r.mu.RLock()
	conn := r.byID[connectionID]
	r.mu.RUnlock()
	if conn == nil {
		return false
	}
	conn.mu.Lock()
	conn.subs[channel] = struct{}{}
	conn.mu.Unlock()
	return true
}

func (r *Registry) Unsubscribe(connectionID string, channel domain.Channel) bool {
	r.mu.RLock()
	conn := r.byID[connectionID]
	r.mu.RUnlock()
	if conn == nil {
		return false
	}
	conn.mu.Lock()
	delete(conn.subs, channel)
	conn.mu.Unlock()
	return true
}

// Disconnect removes the connection from all lookup tables and closes its
// outbound buffer. Safe to call concurrently with an in-flight delivery: a
// delivery that loses the race sees a closed connection and queues instead.
func (r *Registry) Disconnect(ctx context.Context, connectionID, reason string) {
	r.mu.RLock()
	conn := r.byID[connectionID]
	r.mu.RUnlock()
	if conn == nil {
		return
	}

	// Presence goes down before the lookup tables. A delivery that no longer
	// finds the connection then also finds the user offline and queues; the
	// other order leaves a window where the envelope vanishes.
	if r.presence != nil {
		if err := r.presence.Down(ctx, conn.TenantID, conn.UserID, connectionID); err != nil {
			log.Warnf("event=ws_registry action=presence_down status=failed tenant_id=%s user_id=%s error=%v", conn.TenantID, conn.UserID, err)
		}
	}

	r.mu.Lock()
	if _, ok := r.byID[connectionID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, connectionID)
	key := userKey(conn.TenantID, conn.UserID)
	if conns, ok := r.byUser[key]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.byUser, key)
		}
	}
	tenantCount := 0
	if conns, ok := r.byTenant[conn.TenantID]; ok {
		delete(conns, connectionID)
		tenantCount = len(conns)
		if len(conns) == 0 {
			delete(r.byTenant, conn.TenantID)
		}
	}
	r.mu.Unlock()

	conn.close()
	if r.gauge != nil {
		r.gauge.Set(conn.TenantID, tenantCount)
	}
	log.Infof("event=ws_registry action=disconnect tenant_id=%s user_id=%s connection_id=%s reason=%s", conn.TenantID, conn.UserID, connectionID, reason)
}

// Heartbeat refreshes the liveness timestamp for a connection.
func (r *Registry) Heartbeat(ctx context.Context, connectionID string) bool {
	r.mu.RLock()
	conn := r.byID[connectionID]
	r.mu.RUnlock()
	if conn == nil {
		return false
	}
	conn.mu.Lock()
	conn.lastHeartbeat = time.Now().UTC()
	conn.mu.Unlock()
	if r.presence != nil {
		_ = r.presence.Touch(ctx, conn.TenantID, conn.UserID)
	}
	return true
}

// SweepStale disconnects connections whose heartbeat is older than the
// timeout, treating it as a network-detected close. Returns the number of
// connections dropped.
func (r *Registry) SweepStale(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-r.heartbeatTimeout)
	stale := make([]string, 0)
	r.mu.RLock()
	for id, conn := range r.byID {
		conn.mu.Lock()
		expired := conn.lastHeartbeat.Before(cutoff)
		conn.mu.Unlock()
		if expired {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Disconnect(ctx, id, "heartbeat_timeout")
	}
	return len(stale)
}

// StartSweeper runs the heartbeat sweep until the context is canceled.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if dropped := r.SweepStale(ctx, now.UTC()); dropped > 0 {
					log.Infof("event=ws_registry action=heartbeat_sweep dropped=%d", dropped)
				}
			}
		}
	}()
}

func (r *Registry) connectionsForUser(tenantID, userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userKey(tenantID, userID)]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) connectionsForTenant(tenantID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byTenant[tenantID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// IsOnline makes the registry usable as a single-process PresenceStore.
func (r *Registry) IsOnline(_ context.Context, tenantID, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userKey(tenantID, userID)]) > 0, nil
}

type RegistryStats struct {
	TotalConnections    int            `json:"total_connections"`
	UsersConnected      int            `json:"users_connected"`
	TenantsActive       int            `json:"tenants_active"`
	ConnectionsByTenant map[string]int `json:"connections_by_tenant"`
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := RegistryStats{
		TotalConnections:    len(r.byID),
		UsersConnected:      len(r.byUser),
		TenantsActive:       len(r.byTenant),
		ConnectionsByTenant: map[string]int{},
	}
	for tenantID, conns := range r.byTenant {
		stats.ConnectionsByTenant[tenantID] = len(conns)
	}
	return stats
}

// Shutdown closes every live connection.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Disconnect(ctx, id, "server_shutdown")
	}
}
