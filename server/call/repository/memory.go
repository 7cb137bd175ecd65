package repository

import (
	"context"
	"sync"
	"time"

	activitydomain "crm_server/server/activity/domain"
	"crm_server/server/call/domain"
)

// MemoryCallStore is the in-process CallRepository twin used by tests and
// local runs without Postgres. Same semantics, including the expected-state
// guard on transitions.
type MemoryCallStore struct {
	mu         sync.Mutex
	sessions   map[string]domain.CallSession // keyed tenantID+":"+callID
	byProvider map[string]string             // providerRef -> session key
	Activities []activitydomain.Activity
	Contacts   map[string]string // tenantID+":"+contactID -> phone
}

func NewMemoryCallStore() *MemoryCallStore {
	return &MemoryCallStore{
		sessions:   map[string]domain.CallSession{},
		byProvider: map[string]string{},
		Contacts:   map[string]string{},
	}
}

func sessionKey(tenantID, callID string) string {
	return tenantID + ":" + callID
}

func (s *MemoryCallStore) CreateCall(_ context.Context, sess domain.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionKey(sess.TenantID, sess.CallID)] = sess
	if sess.ProviderRef != "" {
		s.byProvider[sess.ProviderRef] = sessionKey(sess.TenantID, sess.CallID)
	}
	return nil
}

func (s *MemoryCallStore) SetProviderRef(_ context.Context, tenantID, callID, providerRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(tenantID, callID)
	sess, ok := s.sessions[key]
	if !ok {
		return domain.ErrUnknownSession
	}
	sess.ProviderRef = providerRef
	sess.UpdatedAt = time.Now()
	s.sessions[key] = sess
	s.byProvider[providerRef] = key
	return nil
}

func (s *MemoryCallStore) CallByID(_ context.Context, tenantID, callID string) (domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(tenantID, callID)]
	if !ok {
		return domain.CallSession{}, domain.ErrUnknownSession
	}
	return sess, nil
}

func (s *MemoryCallStore) CallByProviderRef(_ context.Context, providerRef string) (domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byProvider[providerRef]
	if !ok {
		return domain.CallSession{}, domain.ErrUnknownSession
	}
	return s.sessions[key], nil
}

func (s *MemoryCallStore) TransitionCall(_ context.Context, sess domain.CallSession, expected domain.CallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(sess, expected)
}

func (s *MemoryCallStore) transitionLocked(sess domain.CallSession, expected domain.CallState) error {
	key := sessionKey(sess.TenantID, sess.CallID)
	current, ok := s.sessions[key]
	if !ok {
		return domain.ErrUnknownSession
	}
	if current.State != expected {
		return domain.ErrStaleEvent
	}
	current.State = sess.State
	current.DurationSeconds = sess.DurationSeconds
	current.RecordingRef = sess.RecordingRef
	current.AnsweredAt = sess.AnsweredAt
	current.EndedAt = sess.EndedAt
	current.UpdatedAt = sess.UpdatedAt
	s.sessions[key] = current
	return nil
}

func (s *MemoryCallStore) CompleteCall(_ context.Context, sess domain.CallSession, expected domain.CallState, act activitydomain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(sess, expected); err != nil {
		return err
	}
	s.Activities = append(s.Activities, act)
	return nil
}

func (s *MemoryCallStore) ListStuck(_ context.Context, cutoff time.Time) ([]domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.CallSession, 0)
	for _, sess := range s.sessions {
		if (sess.State == domain.StateRequested || sess.State == domain.StateRinging) && sess.UpdatedAt.Before(cutoff) {
			items = append(items, sess)
		}
	}
	return items, nil
}

func (s *MemoryCallStore) UpdateRecordingRef(_ context.Context, tenantID, callID, recordingRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey(tenantID, callID)
	sess, ok := s.sessions[key]
	if !ok {
		return domain.ErrUnknownSession
	}
	sess.RecordingRef = recordingRef
	sess.UpdatedAt = time.Now()
	s.sessions[key] = sess
	return nil
}

func (s *MemoryCallStore) PhoneNumber(_ context.Context, tenantID, contactID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phone, ok := s.Contacts[tenantID+":"+contactID]
	if !ok {
		return "", domain.ErrValidation
	}
	return phone, nil
}
