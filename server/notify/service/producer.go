package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	activitydomain "crm_server/server/activity/domain"
	calldomain "crm_server/server/call/domain"
	"crm_server/server/notify/domain"
)

// Producer translates domain events into notification envelopes. It is the
// only component that assigns envelope ids, so per-tenant monotonicity holds
// across all producers sharing one Sequencer.
type Producer struct {
	bridge *Bridge
	seq    Sequencer
}

func NewProducer(bridge *Bridge, seq Sequencer) *Producer {
	return &Producer{bridge: bridge, seq: seq}
}

func (p *Producer) publish(ctx context.Context, env domain.Envelope) error {
	id, err := p.seq.Next(ctx, env.TenantID)
	if err != nil {
		return fmt.Errorf("assign envelope id: %w", err)
	}
	env.ID = id
	env.CreatedAt = time.Now().UTC()
	return p.bridge.Publish(ctx, env)
}

type callEventPayload struct {
	CallID          string `json:"call_id"`
	ProviderRef     string `json:"provider_ref,omitempty"`
	Status          string `json:"status"`
	ContactID       string `json:"contact_id"`
	UserID          string `json:"user_id"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	FromNumber      string `json:"from_number"`
	ToNumber        string `json:"to_number"`
	RecordingRef    string `json:"recording_ref,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

// CallStateChanged publishes the single envelope an accepted call transition
// owes: targeted at the initiating user, visible to tenant listeners on the
// calls channel.
func (p *Producer) CallStateChanged(ctx context.Context, sess calldomain.CallSession) error {
	payload, err := json.Marshal(callEventPayload{
		CallID:          sess.CallID,
		ProviderRef:     sess.ProviderRef,
		Status:          string(sess.State),
		ContactID:       sess.ContactID,
		UserID:          sess.InitiatingUserID,
		DurationSeconds: sess.DurationSeconds,
		FromNumber:      sess.FromNumber,
		ToNumber:        sess.ToNumber,
		RecordingRef:    sess.RecordingRef,
		UpdatedAt:       sess.UpdatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return p.publish(ctx, domain.Envelope{
		TenantID:     sess.TenantID,
		TargetUserID: sess.InitiatingUserID,
		Channel:      domain.ChannelCalls,
		Type:         "call_status_update",
		Payload:      payload,
	})
}

type activityEventPayload struct {
	ActivityID   string         `json:"activity_id"`
	ActivityType string         `json:"activity_type"`
	ContactID    string         `json:"contact_id"`
	UserID       string         `json:"user_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

func (p *Producer) ActivityCreated(ctx context.Context, act activitydomain.Activity) error {
	payload, err := json.Marshal(activityEventPayload{
		ActivityID:   act.ID,
		ActivityType: string(act.Type),
		ContactID:    act.ContactID,
		UserID:       act.UserID,
		Title:        activityTitle(act),
		Description:  activityDescription(act),
		Payload:      act.Payload,
		CreatedAt:    act.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return p.publish(ctx, domain.Envelope{
		TenantID:     act.TenantID,
		TargetUserID: act.UserID,
		Channel:      domain.ChannelActivities,
		Type:         "activity_created",
		Payload:      payload,
	})
}

// TenantBroadcast publishes an envelope with no direct target: live tenant
// listeners on the broadcast channel receive it, nobody is queued.
func (p *Producer) TenantBroadcast(ctx context.Context, tenantID, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return p.publish(ctx, domain.Envelope{
		TenantID: tenantID,
		Channel:  domain.ChannelBroadcast,
		Type:     eventType,
		Payload:  payload,
	})
}

func activityTitle(act activitydomain.Activity) string {
	switch act.Type {
	case activitydomain.ActivityCall:
		if d, ok := payloadInt(act.Payload, "duration_seconds"); ok && d > 0 {
			return fmt.Sprintf("Outbound call (%ds)", d)
		}
		return "Outbound call"
	case activitydomain.ActivityEmail:
		if subject := payloadString(act.Payload, "subject"); subject != "" {
			return "Email: " + subject
		}
		return "Email"
	case activitydomain.ActivitySMS:
		return "SMS message"
	case activitydomain.ActivityNote:
		if title := payloadString(act.Payload, "title"); title != "" {
			return title
		}
		return "Note"
	case activitydomain.ActivityMeeting:
		if title := payloadString(act.Payload, "title"); title != "" {
			return title
		}
		return "Meeting"
	}
	return string(act.Type) + " activity"
}

func activityDescription(act activitydomain.Activity) string {
	switch act.Type {
	case activitydomain.ActivityCall:
		return fmt.Sprintf("Call from %s to %s", payloadString(act.Payload, "from_number"), payloadString(act.Payload, "to_number"))
	case activitydomain.ActivityEmail:
		return clip(payloadString(act.Payload, "body"), 100)
	case activitydomain.ActivitySMS:
		return clip(payloadString(act.Payload, "message"), 100)
	case activitydomain.ActivityNote:
		return clip(payloadString(act.Payload, "content"), 100)
	case activitydomain.ActivityMeeting:
		return clip(payloadString(act.Payload, "description"), 100)
	}
	return ""
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(payload map[string]any, key string) (int, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// clip truncates to max runes, never mid-rune: byte slicing would split
// multi-byte characters and emit invalid UTF-8.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
