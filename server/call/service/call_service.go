package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	activitydomain "crm_server/server/activity/domain"
	"crm_server/server/call/domain"
	"crm_server/server/common/log"
)

const (
	defaultProviderTimeout = 10 * time.Second
	defaultStaleAfter      = 2 * time.Minute
)

// CallStore is the session persistence boundary. Transition methods take the
// expected current state so concurrent writers resolve to exactly one winner.
type CallStore interface {
	CreateCall(ctx context.Context, sess domain.CallSession) error
	SetProviderRef(ctx context.Context, tenantID, callID, providerRef string) error
	CallByID(ctx context.Context, tenantID, callID string) (domain.CallSession, error)
	CallByProviderRef(ctx context.Context, providerRef string) (domain.CallSession, error)
	TransitionCall(ctx context.Context, sess domain.CallSession, expected domain.CallState) error
	CompleteCall(ctx context.Context, sess domain.CallSession, expected domain.CallState, act activitydomain.Activity) error
	ListStuck(ctx context.Context, cutoff time.Time) ([]domain.CallSession, error)
	UpdateRecordingRef(ctx context.Context, tenantID, callID, recordingRef string) error
}

// ContactDirectory resolves the dialable number for a contact.
type ContactDirectory interface {
	PhoneNumber(ctx context.Context, tenantID, contactID string) (string, error)
}

// Notifier receives exactly one call per accepted transition.
type Notifier interface {
	CallStateChanged(ctx context.Context, sess domain.CallSession) error
}

// TransitionSink is the optional broker feed for accepted transitions.
type TransitionSink interface {
	Publish(ctx context.Context, tenantID, state string, payload any) error
}

// Archiver copies provider recordings into object storage.
type Archiver interface {
	Archive(ctx context.Context, tenantID, callID, recordingURL string) (string, error)
}

type Service struct {
	store    CallStore
	contacts ContactDirectory
	dialer   Dialer
	notifier Notifier
	dedupe   Deduper

	events    TransitionSink // nil when the broker is disabled
	recorder  Archiver       // nil when object storage is disabled
	baseURL   string         // public base for provider status callbacks
	fromPool  string         // tenant-shared outbound caller id
	dialWait  time.Duration
	staleMax  time.Duration
}

type ServiceOption func(*Service)

func WithEventStream(sink TransitionSink) ServiceOption {
	return func(s *Service) { s.events = sink }
}

func WithRecordingArchiver(a Archiver) ServiceOption {
	return func(s *Service) { s.recorder = a }
}

func WithProviderTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.dialWait = d
		}
	}
}

func WithStaleAfter(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.staleMax = d
		}
	}
}

func NewService(store CallStore, contacts ContactDirectory, dialer Dialer, notifier Notifier, dedupe Deduper, callbackBaseURL, fromNumber string, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		contacts: contacts,
		dialer:   dialer,
		notifier: notifier,
		dedupe:   dedupe,
		baseURL:  callbackBaseURL,
		fromPool: fromNumber,
		dialWait: defaultProviderTimeout,
		staleMax: defaultStaleAfter,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validPhone(phone string) bool {
	if phone == "" {
		return false
	}
	digits := 0
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}

// RequestCall validates, persists the requested session, then dials. The
// session row exists before the provider is contacted, so a crash between
// the two leaves a requested row the stale sweep will resolve. A provider
// rejection or timeout resolves locally to failed; the caller still gets the
// session back and learns the outcome from its state.
func (s *Service) RequestCall(ctx context.Context, tenantID, userID, contactID string) (domain.CallSession, error) {
	phone, err := s.contacts.PhoneNumber(ctx, tenantID, contactID)
	if err != nil {
		return domain.CallSession{}, err
	}
	if !validPhone(phone) {
		return domain.CallSession{}, fmt.Errorf("%w: contact has no dialable phone number", domain.ErrValidation)
	}

	now := time.Now().UTC()
	sess := domain.CallSession{
		CallID:           uuid.NewString(),
		TenantID:         tenantID,
		ContactID:        contactID,
		InitiatingUserID: userID,
		FromNumber:       s.fromPool,
		ToNumber:         phone,
		State:            domain.StateRequested,
		StartedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateCall(ctx, sess); err != nil {
		return domain.CallSession{}, err
	}
	s.notify(ctx, sess)

	dialCtx, cancel := context.WithTimeout(ctx, s.dialWait)
	defer cancel()
	providerRef, err := s.dialer.PlaceCall(dialCtx, PlaceCallRequest{
		TenantID:          tenantID,
		CallID:            sess.CallID,
		FromNumber:        sess.FromNumber,
		ToNumber:          sess.ToNumber,
		StatusCallbackURL: s.baseURL + "/webhooks/provider/call-status",
	})
	if err != nil {
		log.Warnf("event=call action=place_call status=failed tenant_id=%s call_id=%s err=%v", tenantID, sess.CallID, err)
		failed, ferr := s.applyTransition(ctx, sess, domain.StateFailed, 0, "")
		if ferr != nil {
			log.Errorf("event=call action=fail_after_reject status=error tenant_id=%s call_id=%s err=%v", tenantID, sess.CallID, ferr)
			return sess, nil
		}
		return failed, nil
	}

	if err := s.store.SetProviderRef(ctx, tenantID, sess.CallID, providerRef); err != nil {
		return sess, err
	}
	sess.ProviderRef = providerRef
	log.Infof("event=call action=place_call status=ok tenant_id=%s call_id=%s provider_ref=%s", tenantID, sess.CallID, providerRef)
	return sess, nil
}

// HandleProviderEvent is the single entry point for provider status
// callbacks. Redeliveries, reordered events and events for unknown sessions
// all resolve to a sentinel error; the webhook endpoint acknowledges them
// anyway so the provider stops retrying.
func (s *Service) HandleProviderEvent(ctx context.Context, evt domain.ProviderEvent) (domain.CallSession, error) {
	if evt.EventID != "" {
		seen, err := s.dedupe.Seen(ctx, evt.EventID)
		if err != nil {
			return domain.CallSession{}, err
		}
		if seen {
			return domain.CallSession{}, domain.ErrStaleEvent
		}
	}

	sess, err := s.applyProviderEvent(ctx, evt)
	if err != nil && evt.EventID != "" {
		// The event did not take effect; the mark must not outlive it, or a
		// provider retry gets dropped as a duplicate and the transition is
		// lost for good.
		if ferr := s.dedupe.Forget(ctx, evt.EventID); ferr != nil {
			log.Errorf("event=call action=dedupe_forget status=error event_id=%s err=%v", evt.EventID, ferr)
		}
	}
	return sess, err
}

func (s *Service) applyProviderEvent(ctx context.Context, evt domain.ProviderEvent) (domain.CallSession, error) {
	sess, err := s.store.CallByProviderRef(ctx, evt.ProviderRef)
	if err != nil {
		return domain.CallSession{}, err
	}

	next, ok := domain.StateForProviderEvent(evt.EventType)
	if !ok {
		log.Warnf("event=call action=provider_event status=dropped tenant_id=%s call_id=%s event_type=%s reason=unknown_type", sess.TenantID, sess.CallID, evt.EventType)
		return domain.CallSession{}, domain.ErrStaleEvent
	}
	if err := domain.ValidateTransition(sess.State, next); err != nil {
		return domain.CallSession{}, err
	}

	return s.applyTransition(ctx, sess, next, evt.DurationSeconds, evt.RecordingURL)
}

// applyTransition mutates, persists with the expected-state guard, then
// publishes the one notification the transition owes.
func (s *Service) applyTransition(ctx context.Context, sess domain.CallSession, next domain.CallState, durationSeconds int, recordingURL string) (domain.CallSession, error) {
	expected := sess.State
	now := time.Now().UTC()

	sess.State = next
	sess.UpdatedAt = now
	if next == domain.StateInProgress && sess.AnsweredAt == nil {
		sess.AnsweredAt = &now
	}
	if next.Terminal() {
		sess.EndedAt = &now
		if durationSeconds > 0 {
			sess.DurationSeconds = durationSeconds
		}
	}
	if recordingURL != "" {
		sess.RecordingRef = recordingURL
	}

	if next == domain.StateCompleted {
		act := s.callActivity(sess)
		if err := s.store.CompleteCall(ctx, sess, expected, act); err != nil {
			return domain.CallSession{}, err
		}
	} else {
		if err := s.store.TransitionCall(ctx, sess, expected); err != nil {
			return domain.CallSession{}, err
		}
	}
	log.Infof("event=call action=transition status=ok tenant_id=%s call_id=%s from=%s to=%s", sess.TenantID, sess.CallID, expected, next)

	s.notify(ctx, sess)
	s.emit(ctx, sess)

	if next == domain.StateCompleted && recordingURL != "" && s.recorder != nil {
		go s.archiveRecording(sess, recordingURL)
	}
	return sess, nil
}

func (s *Service) callActivity(sess domain.CallSession) activitydomain.Activity {
	return activitydomain.Activity{
		ID:        uuid.NewString(),
		TenantID:  sess.TenantID,
		ContactID: sess.ContactID,
		UserID:    sess.InitiatingUserID,
		Type:      activitydomain.ActivityCall,
		Payload: map[string]any{
			"call_id":          sess.CallID,
			"duration_seconds": sess.DurationSeconds,
			"from_number":      sess.FromNumber,
			"to_number":        sess.ToNumber,
			"recording_ref":    sess.RecordingRef,
		},
		CreatedAt: sess.UpdatedAt,
	}
}

func (s *Service) notify(ctx context.Context, sess domain.CallSession) {
	if err := s.notifier.CallStateChanged(ctx, sess); err != nil {
		log.Errorf("event=call action=notify status=error tenant_id=%s call_id=%s state=%s err=%v", sess.TenantID, sess.CallID, sess.State, err)
	}
}

func (s *Service) emit(ctx context.Context, sess domain.CallSession) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, sess.TenantID, string(sess.State), sess); err != nil {
		log.Warnf("event=call action=event_stream status=error tenant_id=%s call_id=%s err=%v", sess.TenantID, sess.CallID, err)
	}
}

func (s *Service) archiveRecording(sess domain.CallSession, recordingURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	ref, err := s.recorder.Archive(ctx, sess.TenantID, sess.CallID, recordingURL)
	if err != nil {
		log.Warnf("event=call_recording action=archive status=error tenant_id=%s call_id=%s err=%v", sess.TenantID, sess.CallID, err)
		return
	}
	if err := s.store.UpdateRecordingRef(ctx, sess.TenantID, sess.CallID, ref); err != nil {
		log.Warnf("event=call_recording action=update_ref status=error tenant_id=%s call_id=%s err=%v", sess.TenantID, sess.CallID, err)
	}
}

func (s *Service) Call(ctx context.Context, tenantID, callID string) (domain.CallSession, error) {
	return s.store.CallByID(ctx, tenantID, callID)
}

// CancelCall aborts a call that has not left requested. Racing a provider
// accept is resolved by the expected-state guard: if the webhook moved the
// session first, the cancel comes back stale.
func (s *Service) CancelCall(ctx context.Context, tenantID, userID, callID string) (domain.CallSession, error) {
	sess, err := s.store.CallByID(ctx, tenantID, callID)
	if err != nil {
		return domain.CallSession{}, err
	}
	if err := domain.ValidateTransition(sess.State, domain.StateCanceled); err != nil {
		return domain.CallSession{}, err
	}

	canceled, err := s.applyTransition(ctx, sess, domain.StateCanceled, 0, "")
	if err != nil {
		return domain.CallSession{}, err
	}

	if sess.ProviderRef != "" {
		cancelCtx, cancel := context.WithTimeout(ctx, s.dialWait)
		defer cancel()
		if err := s.dialer.CancelCall(cancelCtx, sess.ProviderRef); err != nil {
			log.Warnf("event=call action=provider_cancel status=error tenant_id=%s call_id=%s err=%v", tenantID, callID, err)
		}
	}
	log.Infof("event=call action=cancel status=ok tenant_id=%s call_id=%s user_id=%s", tenantID, callID, userID)
	return canceled, nil
}

// SweepStaleSessions resolves sessions the provider went silent on. A session
// stuck in requested or ringing past the threshold fails locally; the guard
// on TransitionCall means a webhook landing mid-sweep wins cleanly.
func (s *Service) SweepStaleSessions(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-s.staleMax)
	stuck, err := s.store.ListStuck(ctx, cutoff)
	if err != nil {
		log.Errorf("event=call action=sweep status=error err=%v", err)
		return 0
	}

	resolved := 0
	for _, sess := range stuck {
		if err := domain.ValidateTransition(sess.State, domain.StateFailed); err != nil {
			continue
		}
		if _, err := s.applyTransition(ctx, sess, domain.StateFailed, 0, ""); err != nil {
			continue
		}
		log.Warnf("event=call action=sweep status=failed_timeout tenant_id=%s call_id=%s last_state=%s", sess.TenantID, sess.CallID, sess.State)
		resolved++
	}
	return resolved
}

// StartSweeper runs the stale sweep until ctx is done.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepStaleSessions(ctx)
			}
		}
	}()
}
