package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/wabot-server-go/internal/model"
)

type MessageLogRepository interface {
	Insert(ctx context.Context, userID, remoteJID, pushName, body string) error
	FindRecent(ctx context.Context, userID string, limit int) ([]model.MessageLog, error)
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	WithTx(tx *sqlx.Tx) MessageLogRepository
}

type messageLogDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type messageLogRepo struct {
	db messageLogDB
}

func NewMessageLogRepository(db *sqlx.DB) MessageLogRepository {
	return &messageLogRepo{db: db}
}

func (r *messageLogRepo) WithTx(tx *sqlx.Tx) MessageLogRepository {
	return &messageLogRepo{db: tx}
}

func (r *messageLogRepo) Insert(ctx context.Context, userID, remoteJID, pushName, body string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_log (user_id, remote_jid, push_name, body)
		VALUES ($1, $2, $3, $4)
	`, userID, remoteJID, pushName, body)
	return err
}

func (r *messageLogRepo) FindRecent(ctx context.Context, userID string, limit int) ([]model.MessageLog, error) {
	var messages []model.MessageLog
	err := r.db.SelectContext(ctx, &messages, `
		SELECT id, user_id, remote_jid, push_name, body, received_at
		FROM message_log
		WHERE user_id = $1
		ORDER BY received_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *messageLogRepo) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM message_log
		WHERE user_id = $1 AND received_at >= $2
	`, userID, since)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *messageLogRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM message_log WHERE received_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
