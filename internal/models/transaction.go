package models

import (
	"time"
)

const (
	TransactionTypeDeposit    = "deposit"
	TransactionTypeWithdrawal = "withdrawal"
	TransactionTypeInternal   = "internal"
	TransactionTypeReward     = "reward"
)

const (
	TransactionStatusPending         = "pending"
	TransactionStatusPendingApproval = "pending_approval"
	TransactionStatusCompleted       = "completed"
	TransactionStatusFailed          = "failed"
	TransactionStatusRejected        = "rejected"
)

// Transaction is one money movement for a single user. Amount is in sats;
// for internal transfers a positive amount is inbound.
type Transaction struct {
	ID               string     `json:"id" db:"id"`
	UserID           string     `json:"user_id" db:"user_id"`
	Type             string     `json:"type" db:"type"`
	Amount           int64      `json:"amount" db:"amount"`
	Status           string     `json:"status" db:"status"`
	PaymentRequest   string     `json:"payment_request,omitempty" db:"payment_request"`
	PaymentHash      string     `json:"payment_hash,omitempty" db:"payment_hash"`
	Memo             string     `json:"memo,omitempty" db:"memo"`
	RequiresApproval bool       `json:"requires_approval" db:"requires_approval"`
	ApprovedBy       string     `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty" db:"approved_at"`
	RejectedBy       string     `json:"rejected_by,omitempty" db:"rejected_by"`
	RejectedAt       *time.Time `json:"rejected_at,omitempty" db:"rejected_at"`
	RejectionReason  string     `json:"rejection_reason,omitempty" db:"rejection_reason"`
	IPAddress        string     `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent        string     `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the transaction has reached a final state.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusRejected:
		return true
	}
	return false
}

// SignedAmount is the effect the transaction has on the owner's balance.
func (t *Transaction) SignedAmount() int64 {
	if t.Type == TransactionTypeWithdrawal {
		return -t.Amount
	}
	return t.Amount
}

// TransactionFilter narrows ledger listings for the admin review screen.
type TransactionFilter struct {
	UserID string
	Status string
	Type   string
	Search string
	Limit  int
	Offset int
}
