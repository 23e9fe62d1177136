package models

import "time"

const (
	AuditActionRequested = "requested"
	AuditActionApproved  = "approved"
	AuditActionRejected  = "rejected"
	AuditActionFailed    = "failed"
	AuditActionCompleted = "completed"
	// Payment sent but its outcome never came back; the row stays pending.
	AuditActionUnknown = "payment_unknown"
)

// WithdrawalAuditEntry is written on every withdrawal state change and is
// independent of the transaction row.
type WithdrawalAuditEntry struct {
	ID            int64     `json:"id" db:"id"`
	TransactionID string    `json:"transaction_id" db:"transaction_id"`
	UserID        string    `json:"user_id" db:"user_id"`
	Action        string    `json:"action" db:"action"`
	Actor         string    `json:"actor" db:"actor"`
	Amount        int64     `json:"amount" db:"amount"`
	Reason        string    `json:"reason,omitempty" db:"reason"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage is a domain event waiting to be published.
type OutboxMessage struct {
	ID         int64     `json:"id" db:"id"`
	MessageKey string    `json:"message_key" db:"message_key"`
	Topic      string    `json:"topic" db:"topic"`
	Payload    string    `json:"payload" db:"payload"`
	Status     string    `json:"status" db:"status"`
	RetryCount int       `json:"retry_count" db:"retry_count"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
