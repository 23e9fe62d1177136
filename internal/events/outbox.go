package events

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/ganamos/backend/internal/models"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// WriteOutbox stores an event for later publishing. Call it with the same
// *sql.Tx as the state change so both commit together.
func WriteOutbox(ctx context.Context, ex Execer, topic, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO outbox_messages (message_key, topic, payload, status)
		VALUES ($1, $2, $3, $4)`,
		key, topic, string(data), models.OutboxStatusPending)
	return err
}

type OutboxRepository struct {
	db *sql.DB
}

func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*models.OutboxMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_key, topic, payload, status, retry_count, created_at
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, models.OutboxStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.OutboxMessage
	for rows.Next() {
		m := &models.OutboxMessage{}
		if err := rows.Scan(&m.ID, &m.MessageKey, &m.Topic, &m.Payload, &m.Status, &m.RetryCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = $1, updated_at = NOW() WHERE id = $2`,
		models.OutboxStatusSent, id)
	return err
}

func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_messages SET retry_count = retry_count + 1, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_messages SET status = $1, retry_count = retry_count + 1, updated_at = NOW() WHERE id = $2`,
		models.OutboxStatusFailed, id)
	return err
}
