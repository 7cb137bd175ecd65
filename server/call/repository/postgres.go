package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	activitydomain "crm_server/server/activity/domain"
	"crm_server/server/call/domain"
)

// CallRepository persists call sessions. Every read and write is scoped by
// tenant_id; lookups by provider reference are the one exception because a
// webhook carries no tenant, and the session row supplies it.
type CallRepository struct {
	pool *pgxpool.Pool
}

func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

const callColumns = `call_id, tenant_id, contact_id, initiating_user_id, from_number, to_number,
	state, COALESCE(provider_ref, ''), duration_seconds, COALESCE(recording_ref, ''),
	started_at, answered_at, ended_at, updated_at`

func scanCall(row pgx.Row) (domain.CallSession, error) {
	var sess domain.CallSession
	err := row.Scan(
		&sess.CallID,
		&sess.TenantID,
		&sess.ContactID,
		&sess.InitiatingUserID,
		&sess.FromNumber,
		&sess.ToNumber,
		&sess.State,
		&sess.ProviderRef,
		&sess.DurationSeconds,
		&sess.RecordingRef,
		&sess.StartedAt,
		&sess.AnsweredAt,
		&sess.EndedAt,
		&sess.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return sess, domain.ErrUnknownSession
	}
	return sess, err
}

func (r *CallRepository) CreateCall(ctx context.Context, sess domain.CallSession) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO call_sessions(call_id, tenant_id, contact_id, initiating_user_id, from_number, to_number, state, started_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.CallID, sess.TenantID, sess.ContactID, sess.InitiatingUserID, sess.FromNumber, sess.ToNumber, sess.State, sess.StartedAt, sess.UpdatedAt)
	return err
}

func (r *CallRepository) SetProviderRef(ctx context.Context, tenantID, callID, providerRef string) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE call_sessions SET provider_ref=$3, updated_at=NOW()
		WHERE tenant_id=$1 AND call_id=$2
	`, tenantID, callID, providerRef)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrUnknownSession
	}
	return nil
}

func (r *CallRepository) CallByID(ctx context.Context, tenantID, callID string) (domain.CallSession, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM call_sessions
		WHERE tenant_id=$1 AND call_id=$2
	`, tenantID, callID)
	return scanCall(row)
}

func (r *CallRepository) CallByProviderRef(ctx context.Context, providerRef string) (domain.CallSession, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM call_sessions
		WHERE provider_ref=$1
	`, providerRef)
	return scanCall(row)
}

// TransitionCall applies the mutated session only if the row is still in the
// state the caller validated against. A concurrent writer that got there
// first makes RowsAffected zero, which surfaces as a stale event.
func (r *CallRepository) TransitionCall(ctx context.Context, sess domain.CallSession, expected domain.CallState) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE call_sessions
		SET state=$3, duration_seconds=$4, recording_ref=NULLIF($5, ''), answered_at=$6, ended_at=$7, updated_at=$8
		WHERE tenant_id=$1 AND call_id=$2 AND state=$9
	`, sess.TenantID, sess.CallID, sess.State, sess.DurationSeconds, sess.RecordingRef, sess.AnsweredAt, sess.EndedAt, sess.UpdatedAt, expected)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrStaleEvent
	}
	return nil
}

// CompleteCall commits the completion transition and the timeline activity in
// one transaction. Either the contact's timeline shows the call and the
// session reads completed, or neither happened.
func (r *CallRepository) CompleteCall(ctx context.Context, sess domain.CallSession, expected domain.CallState, act activitydomain.Activity) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx, `
		UPDATE call_sessions
		SET state=$3, duration_seconds=$4, recording_ref=NULLIF($5, ''), answered_at=$6, ended_at=$7, updated_at=$8
		WHERE tenant_id=$1 AND call_id=$2 AND state=$9
	`, sess.TenantID, sess.CallID, sess.State, sess.DurationSeconds, sess.RecordingRef, sess.AnsweredAt, sess.EndedAt, sess.UpdatedAt, expected)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrStaleEvent
	}

	payload, err := json.Marshal(act.Payload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO activities(activity_id, tenant_id, contact_id, user_id, activity_type, payload, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7)
	`, act.ID, act.TenantID, act.ContactID, act.UserID, act.Type, payload, act.CreatedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListStuck returns non-terminal sessions whose last update is older than the
// cutoff, across all tenants. The sweep resolves them to failed.
func (r *CallRepository) ListStuck(ctx context.Context, cutoff time.Time) ([]domain.CallSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+callColumns+`
		FROM call_sessions
		WHERE state IN ('requested', 'ringing') AND updated_at < $1
		ORDER BY updated_at ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.CallSession, 0)
	for rows.Next() {
		sess, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, sess)
	}
	return items, rows.Err()
}

func (r *CallRepository) UpdateRecordingRef(ctx context.Context, tenantID, callID, recordingRef string) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE call_sessions SET recording_ref=$3, updated_at=NOW()
		WHERE tenant_id=$1 AND call_id=$2
	`, tenantID, callID, recordingRef)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrUnknownSession
	}
	return nil
}

// ContactRepository resolves contact phone numbers for outbound dials.
type ContactRepository struct {
	pool *pgxpool.Pool
}

func NewContactRepository(pool *pgxpool.Pool) *ContactRepository {
	return &ContactRepository{pool: pool}
}

func (r *ContactRepository) PhoneNumber(ctx context.Context, tenantID, contactID string) (string, error) {
	var phone string
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(phone, '')
		FROM contacts
		WHERE tenant_id=$1 AND contact_id=$2
	`, tenantID, contactID).Scan(&phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrValidation
	}
	return phone, err
}

// UserRepository serves the token endpoint: credential lookup by email.
type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

type UserCredentials struct {
	UserID       string
	TenantID     string
	Role         string
	PasswordHash string
}

func (r *UserRepository) CredentialsByEmail(ctx context.Context, email string) (UserCredentials, error) {
	var creds UserCredentials
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, tenant_id, role, password_hash
		FROM users
		WHERE email=$1 AND is_active=true
	`, email).Scan(&creds.UserID, &creds.TenantID, &creds.Role, &creds.PasswordHash)
	return creds, err
}
