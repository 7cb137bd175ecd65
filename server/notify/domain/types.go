package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Channel is a logical topic a connection may subscribe to. Subscription
// narrows tenant-wide delivery; it is never a security boundary. Tenant
// scoping is enforced by the registry and bridge independently of channels.
type Channel string

const (
	ChannelActivities Channel = "activities"
	ChannelCalls      Channel = "calls"
	ChannelBroadcast  Channel = "broadcast"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelActivities, ChannelCalls, ChannelBroadcast:
		return true
	}
	return false
}

// EnvelopeTypeGap marks a synthetic queue entry standing in for evicted
// notifications, so a draining client can detect loss instead of silently
// missing history.
const EnvelopeTypeGap = "gap"

// Envelope is the immutable unit of a notification. ID is monotonic per
// tenant; two envelopes with the same tenant and id cannot exist.
type Envelope struct {
	ID       int64  `json:"id"`
	TenantID string `json:"tenant_id"`
	// TargetUserID, when set, names the single user with a delivery
	// obligation (queued when offline). Tenant-wide channel listeners are a
	// live-only audience on top of that.
	TargetUserID string          `json:"target_user_id,omitempty"`
	Channel      Channel         `json:"channel"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (e Envelope) IsGap() bool {
	return e.Type == EnvelopeTypeGap
}

// QueuedNotification is an envelope held for a user with no live connection.
type QueuedNotification struct {
	Envelope   Envelope  `json:"envelope"`
	UserID     string    `json:"user_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (q QueuedNotification) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

type FrameType string

const (
	FrameConnect      FrameType = "connect"
	FrameAck          FrameType = "ack"
	FrameSubscribe    FrameType = "subscribe"
	FrameUnsubscribe  FrameType = "unsubscribe"
	FrameNotification FrameType = "notification"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameError        FrameType = "error"
)

// Frame is the wire unit exchanged over a WebSocket session.
type Frame struct {
	Type    FrameType `json:"type"`
	Channel Channel   `json:"channel,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

func NotificationFrame(env Envelope) Frame {
	return Frame{Type: FrameNotification, Channel: env.Channel, Payload: env}
}

func ErrorFrame(message string) Frame {
	return Frame{Type: FrameError, Payload: map[string]string{"error": message}}
}

// ErrAuth rejects a WebSocket handshake whose credential is missing, invalid
// or expired. No session is created.
var ErrAuth = errors.New("invalid or expired credential")
