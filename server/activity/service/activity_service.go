package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crm_server/server/activity/domain"
	"crm_server/server/common/log"
)

type ActivityStore interface {
	CreateActivity(ctx context.Context, act domain.Activity) error
	ListByContact(ctx context.Context, tenantID, contactID string, limit int) ([]domain.Activity, error)
}

// Notifier receives one call per created activity.
type Notifier interface {
	ActivityCreated(ctx context.Context, act domain.Activity) error
}

type Service struct {
	store    ActivityStore
	notifier Notifier
}

func NewService(store ActivityStore, notifier Notifier) *Service {
	return &Service{store: store, notifier: notifier}
}

// CreateActivity validates, persists, then notifies. Notification failure is
// logged, not returned: the timeline record is the durable truth and already
// committed.
func (s *Service) CreateActivity(ctx context.Context, act domain.Activity) (domain.Activity, error) {
	if !act.Type.Valid() {
		return domain.Activity{}, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidActivity, act.Type)
	}
	if act.TenantID == "" || act.ContactID == "" || act.UserID == "" {
		return domain.Activity{}, fmt.Errorf("%w: tenant, contact and user are required", domain.ErrInvalidActivity)
	}

	act.ID = uuid.NewString()
	act.CreatedAt = time.Now().UTC()
	if err := s.store.CreateActivity(ctx, act); err != nil {
		return domain.Activity{}, err
	}
	log.Infof("event=activity action=create status=ok tenant_id=%s activity_id=%s type=%s", act.TenantID, act.ID, act.Type)

	if err := s.notifier.ActivityCreated(ctx, act); err != nil {
		log.Errorf("event=activity action=notify status=error tenant_id=%s activity_id=%s err=%v", act.TenantID, act.ID, err)
	}
	return act, nil
}

func (s *Service) ListByContact(ctx context.Context, tenantID, contactID string, limit int) ([]domain.Activity, error) {
	return s.store.ListByContact(ctx, tenantID, contactID, limit)
}
