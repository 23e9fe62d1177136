package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ganamos/backend/internal/models"
	"github.com/ganamos/backend/pkg/logger"
	"go.uber.org/zap"
)

// Logger appends withdrawal audit events to withdrawal_audit_logs. The
// log is kept apart from the transaction row so approval history survives
// later edits to the transaction.
type Logger struct {
	db  *sql.DB
	now func() time.Time
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db, now: time.Now}
}

// LogWithdrawal records an event. Write failures are logged only; audit
// problems must not change the outcome of a withdrawal.
func (a *Logger) LogWithdrawal(ctx context.Context, entry models.WithdrawalAuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.now()
	}

	data, _ := json.Marshal(entry)
	logger.Info("AUDIT", zap.String("event", "WITHDRAWAL"), zap.ByteString("entry", data))

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO withdrawal_audit_logs (transaction_id, user_id, action, actor, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.TransactionID, entry.UserID, entry.Action, entry.Actor, entry.Amount, nullString(entry.Reason), entry.CreatedAt)
	if err != nil {
		logger.Error("[AUDIT] failed to write withdrawal audit entry",
			zap.String("transaction_id", entry.TransactionID),
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}

// History returns the audit trail for one transaction, oldest first.
func (a *Logger) History(ctx context.Context, transactionID string) ([]models.WithdrawalAuditEntry, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, transaction_id, user_id, action, actor, amount, COALESCE(reason, ''), created_at
		FROM withdrawal_audit_logs
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.WithdrawalAuditEntry
	for rows.Next() {
		var e models.WithdrawalAuditEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.UserID, &e.Action, &e.Actor, &e.Amount, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
