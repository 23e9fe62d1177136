package events

import "time"

const (
	TopicWithdrawalCompleted = "ganamos.withdrawal.completed"
	TopicWithdrawalFailed    = "ganamos.withdrawal.failed"
	TopicWithdrawalRejected  = "ganamos.withdrawal.rejected"
	TopicRewardPaid          = "ganamos.reward.paid"
)

// WithdrawalEvent is published for every terminal withdrawal state.
type WithdrawalEvent struct {
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	PaymentHash   string    `json:"paymentHash,omitempty"`
	NewBalance    *int64    `json:"newBalance,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// RewardEvent is published when a post reward is credited to a fixer.
type RewardEvent struct {
	TransactionID string    `json:"transactionId"`
	PostID        string    `json:"postId"`
	UserID        string    `json:"userId"`
	Amount        int64     `json:"amount"`
	OccurredAt    time.Time `json:"occurredAt"`
}
