package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/wabot-server-go/internal/model"
)

type SessionRepository interface {
	FindByUserID(ctx context.Context, userID string) (*model.Session, error)
	FindAllActive(ctx context.Context) ([]model.Session, error)
	Upsert(ctx context.Context, params model.UpsertSessionParams) (*model.Session, error)
	MarkInactive(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID string) error
	Count(ctx context.Context) (int, error)
	DeactivateStale(ctx context.Context, olderThan time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

// sessionDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByUserID(ctx context.Context, userID string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE user_id = $1
	`, userID)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindAllActive(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status = 'active'
		ORDER BY user_id
	`)
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) Upsert(ctx context.Context, params model.UpsertSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (user_id, phone_number, creds, sync_keys, status, last_connected)
		VALUES ($1, $2, $3, $4, 'active', $5)
		ON CONFLICT (user_id) DO UPDATE SET
			phone_number = COALESCE(EXCLUDED.phone_number, sessions.phone_number),
			creds = EXCLUDED.creds,
			sync_keys = COALESCE(EXCLUDED.sync_keys, sessions.sync_keys),
			status = 'active',
			last_connected = EXCLUDED.last_connected,
			updated_at = EXCLUDED.last_connected
		RETURNING *
	`, params.UserID, params.PhoneNumber, params.Creds, params.SyncKeys, time.Now())
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) MarkInactive(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'inactive',
			updated_at = $2
		WHERE user_id = $1
	`, userID, time.Now())
	return err
}

func (r *sessionRepo) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE user_id = $1
	`, userID)
	return err
}

func (r *sessionRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sessions
	`)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *sessionRepo) DeactivateStale(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'inactive',
			updated_at = NOW()
		WHERE status = 'active'
		AND last_connected IS NOT NULL
		AND last_connected < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
