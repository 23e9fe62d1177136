package models

import "time"

const (
	DeviceStatusPaired   = "paired"
	DeviceStatusUnpaired = "unpaired"
)

// Device is an IoT companion paired to a user account.
type Device struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id" db:"user_id"`
	PairingCode string     `json:"pairing_code" db:"pairing_code"`
	PetName     string     `json:"pet_name" db:"pet_name"`
	PetType     string     `json:"pet_type" db:"pet_type"`
	Status      string     `json:"status" db:"status"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// PRLogEntry tracks the state of a GitHub pull request.
type PRLogEntry struct {
	Repo      string    `json:"repo" db:"repo"`
	PRNumber  int       `json:"pr_number" db:"pr_number"`
	Title     string    `json:"title" db:"title"`
	Author    string    `json:"author" db:"author"`
	State     string    `json:"state" db:"state"`
	URL       string    `json:"url" db:"url"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
