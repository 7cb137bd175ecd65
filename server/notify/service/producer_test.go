package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	activitydomain "crm_server/server/activity/domain"
	calldomain "crm_server/server/call/domain"
	"crm_server/server/notify/domain"
)

func newTestProducer(t *testing.T) (*Producer, *Bridge, *Registry) {
	t.Helper()
	bridge, registry, _ := newTestBridge(t)
	return NewProducer(bridge, NewMemorySequencer()), bridge, registry
}

func TestProducerAssignsMonotonicIDsPerTenant(t *testing.T) {
	producer, bridge, registry := newTestProducer(t)
	conn := connect(t, bridge, registry, "acme", "user-1", domain.ChannelActivities)
	other := connect(t, bridge, registry, "globex", "user-1", domain.ChannelActivities)

	act := activitydomain.Activity{
		ID: "a-1", TenantID: "acme", ContactID: "c-1", UserID: "user-1",
		Type: activitydomain.ActivityNote, CreatedAt: time.Now().UTC(),
	}
	for i := 0; i < 2; i++ {
		if err := producer.ActivityCreated(context.Background(), act); err != nil {
			t.Fatalf("publish activity: %v", err)
		}
	}
	crossTenant := act
	crossTenant.TenantID = "globex"
	if err := producer.ActivityCreated(context.Background(), crossTenant); err != nil {
		t.Fatalf("publish cross-tenant activity: %v", err)
	}

	first := recvEnvelope(t, conn)
	second := recvEnvelope(t, conn)
	if first.ID != 1 || second.ID != 2 {
		t.Errorf("tenant sequence = %d, %d, want 1, 2", first.ID, second.ID)
	}
	if first.Type != "activity_created" || first.Channel != domain.ChannelActivities {
		t.Errorf("envelope shape wrong: %+v", first)
	}
	if got := recvEnvelope(t, other); got.ID != 1 {
		t.Errorf("sequences must be independent per tenant, got %d", got.ID)
	}
}

func TestCallStateChangedEnvelope(t *testing.T) {
	producer, bridge, registry := newTestProducer(t)
	conn := connect(t, bridge, registry, "acme", "user-1")

	now := time.Now().UTC()
	sess := calldomain.CallSession{
		CallID:           "call-1",
		TenantID:         "acme",
		ContactID:        "c-1",
		InitiatingUserID: "user-1",
		FromNumber:       "+15550100",
		ToNumber:         "+15551234567",
		State:            calldomain.StateRinging,
		ProviderRef:      "PR-1",
		UpdatedAt:        now,
	}
	if err := producer.CallStateChanged(context.Background(), sess); err != nil {
		t.Fatalf("publish: %v", err)
	}

	env := recvEnvelope(t, conn)
	if env.Channel != domain.ChannelCalls || env.Type != "call_status_update" {
		t.Fatalf("envelope shape wrong: %+v", env)
	}
	if env.TargetUserID != "user-1" {
		t.Errorf("target = %q, want the initiating user", env.TargetUserID)
	}
	var payload struct {
		CallID string `json:"call_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.CallID != "call-1" || payload.Status != "ringing" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestActivityDescriptionClipsOnRuneBoundary(t *testing.T) {
	act := activitydomain.Activity{
		Type:    activitydomain.ActivityNote,
		Payload: map[string]any{"content": strings.Repeat("가", 120)},
	}
	desc := activityDescription(act)
	if !utf8.ValidString(desc) {
		t.Fatalf("clipped description is not valid UTF-8: %q", desc)
	}
	if got := utf8.RuneCountInString(desc); got != 100 {
		t.Errorf("clipped to %d runes, want 100", got)
	}
}

func TestTenantBroadcastHasNoTarget(t *testing.T) {
	producer, bridge, registry := newTestProducer(t)
	conn := connect(t, bridge, registry, "acme", "user-1", domain.ChannelBroadcast)

	if err := producer.TenantBroadcast(context.Background(), "acme", "maintenance_window", map[string]string{"starts": "22:00"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	env := recvEnvelope(t, conn)
	if env.TargetUserID != "" {
		t.Errorf("broadcast envelope must not target a user, got %q", env.TargetUserID)
	}
	if env.Channel != domain.ChannelBroadcast || env.Type != "maintenance_window" {
		t.Errorf("envelope shape wrong: %+v", env)
	}
}
