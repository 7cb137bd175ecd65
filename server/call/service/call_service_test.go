package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crm_server/server/call/domain"
	"crm_server/server/call/repository"
)

type fakeDialer struct {
	mu        sync.Mutex
	ref       string
	placeErr  error
	placed    []PlaceCallRequest
	canceled  []string
	cancelErr error
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) PlaceCall(_ context.Context, req PlaceCallRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.placed = append(d.placed, req)
	if d.placeErr != nil {
		return "", d.placeErr
	}
	return d.ref, nil
}

func (d *fakeDialer) CancelCall(_ context.Context, providerRef string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.canceled = append(d.canceled, providerRef)
	return d.cancelErr
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.CallSession
}

func (n *fakeNotifier) CallStateChanged(_ context.Context, sess domain.CallSession) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sess)
	return nil
}

func (n *fakeNotifier) states() []domain.CallState {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.CallState, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.State)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *repository.MemoryCallStore, *fakeDialer, *fakeNotifier) {
	t.Helper()
	store := repository.NewMemoryCallStore()
	store.Contacts["acme:contact-1"] = "+15551234567"
	dialer := &fakeDialer{ref: "PR-100"}
	notifier := &fakeNotifier{}
	svc := NewService(store, store, dialer, notifier, NewMemoryDeduper(), "http://localhost:8080", "+15550100")
	return svc, store, dialer, notifier
}

func TestRequestCallUnknownContact(t *testing.T) {
	svc, _, dialer, notifier := newTestService(t)
	_, err := svc.RequestCall(context.Background(), "acme", "user-1", "missing")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("RequestCall = %v, want ErrValidation", err)
	}
	if len(dialer.placed) != 0 {
		t.Error("provider must not be contacted on validation failure")
	}
	if len(notifier.events) != 0 {
		t.Error("no notification may be published on validation failure")
	}
}

func TestRequestCallInvalidPhone(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	store.Contacts["acme:contact-2"] = "not a phone"
	_, err := svc.RequestCall(context.Background(), "acme", "user-1", "contact-2")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("RequestCall = %v, want ErrValidation", err)
	}
}

func TestRequestCallHappyPath(t *testing.T) {
	svc, store, dialer, notifier := newTestService(t)
	sess, err := svc.RequestCall(context.Background(), "acme", "user-1", "contact-1")
	if err != nil {
		t.Fatalf("RequestCall: %v", err)
	}
	if sess.State != domain.StateRequested {
		t.Errorf("state = %s, want requested", sess.State)
	}
	if sess.ProviderRef != "PR-100" {
		t.Errorf("provider ref = %q, want PR-100", sess.ProviderRef)
	}
	if len(dialer.placed) != 1 || dialer.placed[0].ToNumber != "+15551234567" {
		t.Errorf("unexpected dial orders: %+v", dialer.placed)
	}
	stored, err := store.CallByID(context.Background(), "acme", sess.CallID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if stored.ProviderRef != "PR-100" {
		t.Errorf("persisted provider ref = %q", stored.ProviderRef)
	}
	if got := notifier.states(); len(got) != 1 || got[0] != domain.StateRequested {
		t.Errorf("notifications = %v, want [requested]", got)
	}
}

func TestRequestCallProviderRejectResolvesFailed(t *testing.T) {
	svc, store, dialer, notifier := newTestService(t)
	dialer.placeErr = errors.New("provider 503")

	sess, err := svc.RequestCall(context.Background(), "acme", "user-1", "contact-1")
	if err != nil {
		t.Fatalf("RequestCall: %v", err)
	}
	if sess.State != domain.StateFailed {
		t.Errorf("state = %s, want failed", sess.State)
	}
	stored, _ := store.CallByID(context.Background(), "acme", sess.CallID)
	if stored.State != domain.StateFailed {
		t.Errorf("persisted state = %s, want failed", stored.State)
	}
	if got := notifier.states(); len(got) != 2 || got[0] != domain.StateRequested || got[1] != domain.StateFailed {
		t.Errorf("notifications = %v, want [requested failed]", got)
	}
}

func seedSession(t *testing.T, store *repository.MemoryCallStore, state domain.CallState, providerRef string) domain.CallSession {
	t.Helper()
	now := time.Now().UTC()
	sess := domain.CallSession{
		CallID:           "call-1",
		TenantID:         "acme",
		ContactID:        "contact-1",
		InitiatingUserID: "user-1",
		FromNumber:       "+15550100",
		ToNumber:         "+15551234567",
		State:            state,
		ProviderRef:      providerRef,
		StartedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateCall(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}

func TestHandleProviderEventAdvances(t *testing.T) {
	svc, store, _, notifier := newTestService(t)
	seedSession(t, store, domain.StateRequested, "PR-100")

	sess, err := svc.HandleProviderEvent(context.Background(), domain.ProviderEvent{
		ProviderRef: "PR-100", EventID: "evt-1", EventType: "ringing",
	})
	if err != nil {
		t.Fatalf("HandleProviderEvent: %v", err)
	}
	if sess.State != domain.StateRinging {
		t.Errorf("state = %s, want ringing", sess.State)
	}
	if got := notifier.states(); len(got) != 1 || got[0] != domain.StateRinging {
		t.Errorf("notifications = %v, want [ringing]", got)
	}
}

func TestHandleProviderEventDeduplicates(t *testing.T) {
	svc, store, _, notifier := newTestService(t)
	seedSession(t, store, domain.StateRequested, "PR-100")

	evt := domain.ProviderEvent{ProviderRef: "PR-100", EventID: "evt-1", EventType: "ringing"}
	if _, err := svc.HandleProviderEvent(context.Background(), evt); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if _, err := svc.HandleProviderEvent(context.Background(), evt); !errors.Is(err, domain.ErrStaleEvent) {
		t.Fatalf("redelivery = %v, want ErrStaleEvent", err)
	}
	if len(notifier.states()) != 1 {
		t.Errorf("redelivered event must not publish a second notification, got %v", notifier.states())
	}
}

type flakyCallStore struct {
	*repository.MemoryCallStore
	mu                 sync.Mutex
	transitionFailures int
}

func (s *flakyCallStore) TransitionCall(ctx context.Context, sess domain.CallSession, expected domain.CallState) error {
	s.mu.Lock()
	fail := s.transitionFailures > 0
	if fail {
		s.transitionFailures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return s.MemoryCallStore.TransitionCall(ctx, sess, expected)
}

func TestProviderRetryAfterStoreFailureStillApplies(t *testing.T) {
	inner := repository.NewMemoryCallStore()
	store := &flakyCallStore{MemoryCallStore: inner, transitionFailures: 1}
	notifier := &fakeNotifier{}
	svc := NewService(store, inner, &fakeDialer{ref: "PR-100"}, notifier, NewMemoryDeduper(), "http://localhost:8080", "+15550100")
	seedSession(t, inner, domain.StateRequested, "PR-100")

	evt := domain.ProviderEvent{ProviderRef: "PR-100", EventID: "evt-1", EventType: "ringing"}
	if _, err := svc.HandleProviderEvent(context.Background(), evt); err == nil {
		t.Fatal("first delivery must surface the store failure")
	}

	// The provider retries the identical event after the failure response.
	// The first delivery never took effect, so the retry must not be
	// swallowed as a duplicate.
	sess, err := svc.HandleProviderEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("redelivery after store failure = %v, want success", err)
	}
	if sess.State != domain.StateRinging {
		t.Errorf("state = %s, want ringing", sess.State)
	}
	stored, _ := inner.CallByID(context.Background(), "acme", "call-1")
	if stored.State != domain.StateRinging {
		t.Errorf("persisted state = %s, want ringing", stored.State)
	}
	if got := notifier.states(); len(got) != 1 || got[0] != domain.StateRinging {
		t.Errorf("notifications = %v, want [ringing]", got)
	}
}

func TestHandleProviderEventOutOfOrder(t *testing.T) {
	svc, store, _, notifier := newTestService(t)
	seedSession(t, store, domain.StateInProgress, "PR-100")

	_, err := svc.HandleProviderEvent(context.Background(), domain.ProviderEvent{
		ProviderRef: "PR-100", EventID: "evt-late", EventType: "ringing",
	})
	if !errors.Is(err, domain.ErrStaleEvent) {
		t.Fatalf("out-of-order event = %v, want ErrStaleEvent", err)
	}
	if len(notifier.states()) != 0 {
		t.Error("stale event must not publish")
	}
}

func TestHandleProviderEventUnknownSession(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.HandleProviderEvent(context.Background(), domain.ProviderEvent{
		ProviderRef: "PR-none", EventID: "evt-x", EventType: "ringing",
	})
	if !errors.Is(err, domain.ErrUnknownSession) {
		t.Fatalf("unknown session = %v, want ErrUnknownSession", err)
	}
}

func TestCompletedCreatesExactlyOneActivity(t *testing.T) {
	svc, store, _, notifier := newTestService(t)
	seedSession(t, store, domain.StateInProgress, "PR-100")

	sess, err := svc.HandleProviderEvent(context.Background(), domain.ProviderEvent{
		ProviderRef: "PR-100", EventID: "evt-done", EventType: "completed", DurationSeconds: 125,
	})
	if err != nil {
		t.Fatalf("HandleProviderEvent: %v", err)
	}
	if sess.State != domain.StateCompleted {
		t.Errorf("state = %s, want completed", sess.State)
	}
	if sess.DurationSeconds != 125 {
		t.Errorf("duration = %d, want 125", sess.DurationSeconds)
	}
	if sess.EndedAt == nil {
		t.Error("EndedAt must be set on completion")
	}
	if len(store.Activities) != 1 {
		t.Fatalf("activities = %d, want exactly 1", len(store.Activities))
	}
	act := store.Activities[0]
	if act.TenantID != "acme" || act.ContactID != "contact-1" || act.UserID != "user-1" {
		t.Errorf("activity scoping wrong: %+v", act)
	}
	if got := notifier.states(); len(got) != 1 || got[0] != domain.StateCompleted {
		t.Errorf("notifications = %v, want [completed]", got)
	}
}

func TestCancelFromRequested(t *testing.T) {
	svc, store, dialer, notifier := newTestService(t)
	seedSession(t, store, domain.StateRequested, "PR-100")

	sess, err := svc.CancelCall(context.Background(), "acme", "user-1", "call-1")
	if err != nil {
		t.Fatalf("CancelCall: %v", err)
	}
	if sess.State != domain.StateCanceled {
		t.Errorf("state = %s, want canceled", sess.State)
	}
	if len(dialer.canceled) != 1 || dialer.canceled[0] != "PR-100" {
		t.Errorf("provider cancel calls = %v", dialer.canceled)
	}
	if got := notifier.states(); len(got) != 1 || got[0] != domain.StateCanceled {
		t.Errorf("notifications = %v, want [canceled]", got)
	}
}

func TestCancelAfterRingingIsStale(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedSession(t, store, domain.StateRinging, "PR-100")

	_, err := svc.CancelCall(context.Background(), "acme", "user-1", "call-1")
	if !errors.Is(err, domain.ErrStaleEvent) {
		t.Fatalf("CancelCall = %v, want ErrStaleEvent", err)
	}
}

func TestCancelWrongTenant(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	seedSession(t, store, domain.StateRequested, "PR-100")

	_, err := svc.CancelCall(context.Background(), "globex", "user-9", "call-1")
	if !errors.Is(err, domain.ErrUnknownSession) {
		t.Fatalf("cross-tenant cancel = %v, want ErrUnknownSession", err)
	}
}

func TestSweepResolvesStuckSessions(t *testing.T) {
	svc, store, _, notifier := newTestService(t)
	old := time.Now().UTC().Add(-5 * time.Minute)
	stuck := domain.CallSession{
		CallID:           "call-stuck",
		TenantID:         "acme",
		ContactID:        "contact-1",
		InitiatingUserID: "user-1",
		State:            domain.StateRinging,
		ProviderRef:      "PR-stuck",
		StartedAt:        old,
		UpdatedAt:        old,
	}
	if err := store.CreateCall(context.Background(), stuck); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fresh := seedSession(t, store, domain.StateRequested, "PR-100")

	resolved := svc.SweepStaleSessions(context.Background())
	if resolved != 1 {
		t.Fatalf("resolved = %d, want 1", resolved)
	}
	got, _ := store.CallByID(context.Background(), "acme", "call-stuck")
	if got.State != domain.StateFailed {
		t.Errorf("stuck session state = %s, want failed", got.State)
	}
	untouched, _ := store.CallByID(context.Background(), "acme", fresh.CallID)
	if untouched.State != domain.StateRequested {
		t.Errorf("fresh session state = %s, want requested", untouched.State)
	}
	if got := notifier.states(); len(got) != 1 || got[0] != domain.StateFailed {
		t.Errorf("notifications = %v, want [failed]", got)
	}
}
