package domain

import (
	"errors"
	"time"
)

var (
	// ErrValidation rejects a call request before any side effect happens.
	ErrValidation = errors.New("call request validation failed")
	// ErrUnknownSession marks a provider event referencing a session that
	// does not exist or belongs to another tenant. Logged and dropped,
	// never surfaced to a client.
	ErrUnknownSession = errors.New("unknown call session")
	// ErrStaleEvent marks a duplicate or out-of-order provider event. The
	// transition it implies would move the session backward; dropping it is
	// how redelivery stays idempotent.
	ErrStaleEvent = errors.New("stale call event")
)

type CallState string

const (
	StateRequested  CallState = "requested"
	StateRinging    CallState = "ringing"
	StateInProgress CallState = "in_progress"
	StateCompleted  CallState = "completed"
	StateFailed     CallState = "failed"
	StateCanceled   CallState = "canceled"
)

func (s CallState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// stateRank orders states along the forward axis of the lifecycle. All
// terminal states share the top rank: once there, nothing moves.
var stateRank = map[CallState]int{
	StateRequested:  0,
	StateRinging:    1,
	StateInProgress: 2,
	StateCompleted:  3,
	StateFailed:     3,
	StateCanceled:   3,
}

// ValidateTransition is the pure ordering check every mutation path goes
// through: webhook events, user cancels and the stale-session sweep all ask
// the same question, so reordering and duplication are handled in one place.
// Forward skips are legal (a provider may collapse ringing into answered);
// anything sideways or backward is stale. Cancellation is only reachable
// from requested: a user abort races a provider accept, and whichever
// reaches a terminal state first wins.
func ValidateTransition(current, next CallState) error {
	if current.Terminal() {
		return ErrStaleEvent
	}
	if stateRank[next] <= stateRank[current] {
		return ErrStaleEvent
	}
	if next == StateCanceled && current != StateRequested {
		return ErrStaleEvent
	}
	return nil
}

// StateForProviderEvent maps a provider's event vocabulary onto the
// lifecycle. Busy and no-answer resolve to failed: the distinction matters
// to reporting, not to the lifecycle.
func StateForProviderEvent(eventType string) (CallState, bool) {
	switch eventType {
	case "queued", "initiated":
		return StateRequested, true
	case "ringing":
		return StateRinging, true
	case "answered", "in-progress":
		return StateInProgress, true
	case "completed":
		return StateCompleted, true
	case "failed", "busy", "no-answer":
		return StateFailed, true
	case "canceled":
		return StateCanceled, true
	}
	return "", false
}

// CallSession is the permanent record of one outbound call. Created on
// request, mutated only by verified provider events and the timeout sweep,
// never destroyed.
type CallSession struct {
	CallID           string     `json:"call_id"`
	TenantID         string     `json:"tenant_id"`
	ContactID        string     `json:"contact_id"`
	InitiatingUserID string     `json:"initiating_user_id"`
	FromNumber       string     `json:"from_number"`
	ToNumber         string     `json:"to_number"`
	State            CallState  `json:"state"`
	ProviderRef      string     `json:"provider_ref,omitempty"`
	DurationSeconds  int        `json:"duration_seconds"`
	RecordingRef     string     `json:"recording_ref,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	AnsweredAt       *time.Time `json:"answered_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ProviderEvent is one status callback from the telephony provider.
// EventID is the provider-supplied redelivery key.
type ProviderEvent struct {
	ProviderRef     string `json:"provider_ref"`
	EventID         string `json:"event_id"`
	EventType       string `json:"event_type"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	RecordingURL    string `json:"recording_url,omitempty"`
}
