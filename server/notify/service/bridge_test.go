package service

import (
	"context"
	"testing"
	"time"

	"crm_server/server/notify/domain"
)

func newTestBridge(t *testing.T) (*Bridge, *Registry, *MemoryQueueStore) {
	t.Helper()
	registry := NewRegistry(time.Minute)
	queue := NewMemoryQueueStore(10, time.Hour)
	bridge := NewBridge(registry, queue)
	t.Cleanup(bridge.Close)
	return bridge, registry, queue
}

func connect(t *testing.T, bridge *Bridge, registry *Registry, tenantID, userID string, channels ...domain.Channel) *Connection {
	t.Helper()
	conn, err := registry.Register(context.Background(), tenantID, userID)
	if err != nil {
		t.Fatalf("register %s/%s: %v", tenantID, userID, err)
	}
	for _, ch := range channels {
		if !registry.Subscribe(conn.ID, ch) {
			t.Fatalf("subscribe %s: refused", ch)
		}
	}
	if err := bridge.DeliverBacklog(context.Background(), conn); err != nil {
		t.Fatalf("backlog drain: %v", err)
	}
	return conn
}

func recvEnvelope(t *testing.T, conn *Connection) domain.Envelope {
	t.Helper()
	select {
	case frame, ok := <-conn.Outbound():
		if !ok {
			t.Fatal("outbound closed while waiting for a frame")
		}
		env, ok := frame.Payload.(domain.Envelope)
		if !ok {
			t.Fatalf("frame payload is %T, want Envelope", frame.Payload)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
	}
	return domain.Envelope{}
}

func expectSilence(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case frame, ok := <-conn.Outbound():
		if ok {
			t.Fatalf("unexpected frame: %+v", frame)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishReachesTargetUser(t *testing.T) {
	bridge, registry, _ := newTestBridge(t)
	conn := connect(t, bridge, registry, "acme", "user-1")

	env := envWithID(1)
	if err := bridge.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := recvEnvelope(t, conn)
	if got.ID != 1 || got.TargetUserID != "user-1" {
		t.Errorf("received %+v, want envelope 1 for user-1", got)
	}
	expectSilence(t, conn)
}

func TestTenantIsolation(t *testing.T) {
	bridge, registry, queue := newTestBridge(t)
	insider := connect(t, bridge, registry, "acme", "user-1", domain.ChannelCalls)
	outsider := connect(t, bridge, registry, "globex", "user-1", domain.ChannelCalls)

	if err := bridge.Publish(context.Background(), envWithID(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := recvEnvelope(t, insider); got.TenantID != "acme" {
		t.Errorf("insider received envelope for tenant %s", got.TenantID)
	}
	expectSilence(t, outsider)

	leaked, err := queue.Drain(context.Background(), "globex", "user-1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(leaked) != 0 {
		t.Errorf("envelope leaked into another tenant's queue: %d entries", len(leaked))
	}
}

func TestTargetAndSubscriberGetOneFrameEach(t *testing.T) {
	bridge, registry, _ := newTestBridge(t)
	// The target is also subscribed to the channel; both audiences match the
	// same connection and it must still receive the envelope exactly once.
	target := connect(t, bridge, registry, "acme", "user-1", domain.ChannelCalls)
	listener := connect(t, bridge, registry, "acme", "user-2", domain.ChannelCalls)
	unrelated := connect(t, bridge, registry, "acme", "user-3", domain.ChannelActivities)

	if err := bridge.Publish(context.Background(), envWithID(7)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := recvEnvelope(t, target); got.ID != 7 {
		t.Errorf("target received envelope %d, want 7", got.ID)
	}
	expectSilence(t, target)
	if got := recvEnvelope(t, listener); got.ID != 7 {
		t.Errorf("listener received envelope %d, want 7", got.ID)
	}
	expectSilence(t, unrelated)
}

func TestOfflineTargetIsQueued(t *testing.T) {
	bridge, _, queue := newTestBridge(t)

	if err := bridge.Publish(context.Background(), envWithID(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		items, err := queue.Drain(context.Background(), "acme", "user-1")
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if len(items) == 1 {
			if items[0].Envelope.ID != 1 {
				t.Errorf("queued envelope = %d, want 1", items[0].Envelope.ID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("offline publish never reached the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatchAfterDisconnectSettlesToQueue(t *testing.T) {
	bridge, registry, queue := newTestBridge(t)
	ctx := context.Background()
	conn := connect(t, bridge, registry, "acme", "user-1")
	registry.Disconnect(ctx, conn.ID, "network_drop")

	// An envelope already in flight on the fanout channel lands after the
	// disconnect. The delivering node finds no connection and must settle it
	// into the queue, not drop it.
	bridge.dispatch(envWithID(1))

	deadline := time.Now().Add(2 * time.Second)
	for {
		items, err := queue.Drain(ctx, "acme", "user-1")
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
		if len(items) == 1 {
			if items[0].Envelope.ID != 1 {
				t.Errorf("queued envelope = %d, want 1", items[0].Envelope.ID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("dispatch for a disconnected user never reached the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueRacingBacklogDrainLosesNothing(t *testing.T) {
	registry := NewRegistry(time.Minute)
	queue := NewMemoryQueueStore(1024, time.Hour)
	bridge := NewBridge(registry, queue)
	t.Cleanup(bridge.Close)
	ctx := context.Background()

	const total = 100
	done := make(chan error, 1)
	go func() {
		for i := int64(1); i <= total; i++ {
			if err := queue.Enqueue(ctx, "acme", "user-1", envWithID(i)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	conn, err := registry.Register(ctx, "acme", "user-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := bridge.DeliverBacklog(ctx, conn); err != nil {
		t.Fatalf("backlog drain: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Every envelope must surface exactly once, either in the frames the
	// drain pushed or still sitting in the queue.
	seen := map[int64]int{}
collect:
	for {
		select {
		case frame := <-conn.Outbound():
			env, ok := frame.Payload.(domain.Envelope)
			if !ok {
				t.Fatalf("frame payload is %T, want Envelope", frame.Payload)
			}
			if env.IsGap() {
				t.Fatalf("no eviction expected at this depth, got gap marker %+v", env)
			}
			seen[env.ID]++
		default:
			break collect
		}
	}
	rest, err := queue.Drain(ctx, "acme", "user-1")
	if err != nil {
		t.Fatalf("final drain: %v", err)
	}
	for _, qn := range rest {
		if qn.Envelope.IsGap() {
			t.Fatalf("no eviction expected at this depth, got gap marker %+v", qn.Envelope)
		}
		seen[qn.Envelope.ID]++
	}

	for i := int64(1); i <= total; i++ {
		if seen[i] != 1 {
			t.Errorf("envelope %d delivered %d times, want exactly once", i, seen[i])
		}
	}
	if len(seen) != total {
		t.Errorf("distinct envelopes = %d, want %d", len(seen), total)
	}
}

func TestBroadcastWithoutTargetIsNeverQueued(t *testing.T) {
	bridge, _, queue := newTestBridge(t)
	env := domain.Envelope{
		ID:       1,
		TenantID: "acme",
		Channel:  domain.ChannelBroadcast,
		Type:     "maintenance_window",
	}
	if err := bridge.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	items, err := queue.Drain(context.Background(), "acme", "user-1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("untargeted broadcast was queued: %d entries", len(items))
	}
}

func TestBacklogDeliveredBeforeLiveFrames(t *testing.T) {
	bridge, registry, queue := newTestBridge(t)
	ctx := context.Background()

	// Notifications published while the user was away.
	if err := queue.Enqueue(ctx, "acme", "user-1", envWithID(1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := queue.Enqueue(ctx, "acme", "user-1", envWithID(2)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	conn := connect(t, bridge, registry, "acme", "user-1")
	if err := bridge.Publish(ctx, envWithID(3)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		if got := recvEnvelope(t, conn); got.ID != want {
			t.Fatalf("frame %d carries envelope %d; backlog must precede live delivery", want, got.ID)
		}
	}
}

func TestPublishRefusesMissingTenant(t *testing.T) {
	bridge, _, _ := newTestBridge(t)
	if err := bridge.Publish(context.Background(), domain.Envelope{ID: 1, Channel: domain.ChannelCalls}); err == nil {
		t.Fatal("publish without tenant must fail")
	}
}
