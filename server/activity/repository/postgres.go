package repository

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"crm_server/server/activity/domain"
)

// ActivityRepository persists timeline activities. Call activities created by
// the lifecycle machine bypass this path (they commit inside the call
// transaction); this serves the manual creation hook and timeline reads.
type ActivityRepository struct {
	pool *pgxpool.Pool
}

func NewActivityRepository(pool *pgxpool.Pool) *ActivityRepository {
	return &ActivityRepository{pool: pool}
}

func (r *ActivityRepository) CreateActivity(ctx context.Context, act domain.Activity) error {
	payload, err := json.Marshal(act.Payload)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO activities(activity_id, tenant_id, contact_id, user_id, activity_type, payload, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7)
	`, act.ID, act.TenantID, act.ContactID, act.UserID, act.Type, payload, act.CreatedAt)
	return err
}

func (r *ActivityRepository) ListByContact(ctx context.Context, tenantID, contactID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT activity_id, tenant_id, contact_id, user_id, activity_type, payload, created_at
		FROM activities
		WHERE tenant_id=$1 AND contact_id=$2
		ORDER BY created_at DESC
		LIMIT $3
	`, tenantID, contactID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Activity, 0)
	for rows.Next() {
		var act domain.Activity
		var payload []byte
		if err := rows.Scan(&act.ID, &act.TenantID, &act.ContactID, &act.UserID, &act.Type, &payload, &act.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &act.Payload); err != nil {
				return nil, err
			}
		}
		items = append(items, act)
	}
	return items, rows.Err()
}

// MemoryActivityStore backs tests and brokerless local runs.
type MemoryActivityStore struct {
	mu    sync.Mutex
	Items []domain.Activity
}

func NewMemoryActivityStore() *MemoryActivityStore {
	return &MemoryActivityStore{}
}

func (s *MemoryActivityStore) CreateActivity(_ context.Context, act domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Items = append(s.Items, act)
	return nil
}

func (s *MemoryActivityStore) ListByContact(_ context.Context, tenantID, contactID string, limit int) ([]domain.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]domain.Activity, 0)
	for i := len(s.Items) - 1; i >= 0 && (limit <= 0 || len(items) < limit); i-- {
		if s.Items[i].TenantID == tenantID && s.Items[i].ContactID == contactID {
			items = append(items, s.Items[i])
		}
	}
	return items, nil
}
