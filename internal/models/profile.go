package models

import "time"

const (
	ProfileStatusActive  = "active"
	ProfileStatusDeleted = "deleted"
)

// Profile holds a user's identity and sats balance.
type Profile struct {
	ID               string    `json:"id" db:"id"`
	Email            string    `json:"email" db:"email"`
	Name             string    `json:"name" db:"name"`
	Username         string    `json:"username" db:"username"`
	Balance          int64     `json:"balance" db:"balance"`
	Status           string    `json:"status" db:"status"`
	RequiresApproval bool      `json:"-" db:"requires_approval"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// BalanceDiscrepancy is reported by the offline balance audit.
type BalanceDiscrepancy struct {
	UserID          string `json:"user_id"`
	Email           string `json:"email"`
	Balance         int64  `json:"balance"`
	CalculatedTotal int64  `json:"calculated_total"`
	Difference      int64  `json:"difference"`
}
