package service

import (
	"context"
	"errors"
	"testing"

	"crm_server/server/activity/domain"
	"crm_server/server/activity/repository"
)

type captureNotifier struct {
	created []domain.Activity
}

func (n *captureNotifier) ActivityCreated(_ context.Context, act domain.Activity) error {
	n.created = append(n.created, act)
	return nil
}

func TestCreateActivityRejectsUnknownType(t *testing.T) {
	svc := NewService(repository.NewMemoryActivityStore(), &captureNotifier{})
	_, err := svc.CreateActivity(context.Background(), domain.Activity{
		TenantID: "acme", ContactID: "c-1", UserID: "u-1", Type: "fax",
	})
	if !errors.Is(err, domain.ErrInvalidActivity) {
		t.Fatalf("CreateActivity = %v, want ErrInvalidActivity", err)
	}
}

func TestCreateActivityRejectsMissingScope(t *testing.T) {
	svc := NewService(repository.NewMemoryActivityStore(), &captureNotifier{})
	_, err := svc.CreateActivity(context.Background(), domain.Activity{
		ContactID: "c-1", UserID: "u-1", Type: domain.ActivityNote,
	})
	if !errors.Is(err, domain.ErrInvalidActivity) {
		t.Fatalf("CreateActivity without tenant = %v, want ErrInvalidActivity", err)
	}
}

func TestCreateActivityPersistsAndNotifies(t *testing.T) {
	store := repository.NewMemoryActivityStore()
	notifier := &captureNotifier{}
	svc := NewService(store, notifier)

	act, err := svc.CreateActivity(context.Background(), domain.Activity{
		TenantID:  "acme",
		ContactID: "c-1",
		UserID:    "u-1",
		Type:      domain.ActivityNote,
		Payload:   map[string]any{"content": "followed up on pricing"},
	})
	if err != nil {
		t.Fatalf("CreateActivity: %v", err)
	}
	if act.ID == "" || act.CreatedAt.IsZero() {
		t.Errorf("id and timestamp must be assigned: %+v", act)
	}
	if len(store.Items) != 1 {
		t.Fatalf("persisted = %d, want 1", len(store.Items))
	}
	if len(notifier.created) != 1 || notifier.created[0].ID != act.ID {
		t.Errorf("notifications = %+v, want exactly one for %s", notifier.created, act.ID)
	}

	items, err := svc.ListByContact(context.Background(), "acme", "c-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("listed = %d, want 1", len(items))
	}
	if leaked, _ := svc.ListByContact(context.Background(), "globex", "c-1", 10); len(leaked) != 0 {
		t.Errorf("activities leaked across tenants: %d", len(leaked))
	}
}
