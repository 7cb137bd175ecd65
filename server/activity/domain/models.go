package domain

import (
	"errors"
	"time"
)

var ErrInvalidActivity = errors.New("invalid activity")

type ActivityType string

const (
	ActivityCall    ActivityType = "call"
	ActivityNote    ActivityType = "note"
	ActivityEmail   ActivityType = "email"
	ActivitySMS     ActivityType = "sms"
	ActivityMeeting ActivityType = "meeting"
)

func (t ActivityType) Valid() bool {
	switch t {
	case ActivityCall, ActivityNote, ActivityEmail, ActivitySMS, ActivityMeeting:
		return true
	}
	return false
}

// Activity is the timeline record attached to a contact. Call activities
// are created by the lifecycle state machine when a session completes;
// the rest arrive through the manual creation hook.
type Activity struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ContactID string         `json:"contact_id"`
	UserID    string         `json:"user_id"`
	Type      ActivityType   `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
