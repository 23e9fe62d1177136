package models

import "time"

const (
	MemberStatusPending  = "pending"
	MemberStatusApproved = "approved"
	MemberStatusRejected = "rejected"

	MemberRoleAdmin  = "admin"
	MemberRoleMember = "member"
)

type GroupMember struct {
	ID        string    `json:"id" db:"id"`
	GroupID   string    `json:"group_id" db:"group_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Role      string    `json:"role" db:"role"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

const (
	PostStatusOpen        = "open"
	PostStatusClaimed     = "claimed"
	PostStatusUnderReview = "under_review"
	PostStatusFixed       = "fixed"
	PostStatusCancelled   = "cancelled"
)

// Post is an issue on the board with an optional sats reward.
type Post struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	GroupID         *string    `json:"group_id,omitempty" db:"group_id"`
	Title           string     `json:"title" db:"title"`
	Description     string     `json:"description" db:"description"`
	ImageURL        string     `json:"image_url,omitempty" db:"image_url"`
	Location        string     `json:"location,omitempty" db:"location"`
	Latitude        *float64   `json:"latitude,omitempty" db:"latitude"`
	Longitude       *float64   `json:"longitude,omitempty" db:"longitude"`
	Reward          int64      `json:"reward" db:"reward"`
	Status          string     `json:"status" db:"status"`
	ClaimedBy       *string    `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	FixedBy         *string    `json:"fixed_by,omitempty" db:"fixed_by"`
	FixedAt         *time.Time `json:"fixed_at,omitempty" db:"fixed_at"`
	FixNote         string     `json:"fix_note,omitempty" db:"fix_note"`
	FixImageURL     string     `json:"fix_image_url,omitempty" db:"fix_image_url"`
	FixRejectedAt   *time.Time `json:"fix_rejected_at,omitempty" db:"fix_rejected_at"`
	FixRejectReason string     `json:"fix_reject_reason,omitempty" db:"fix_reject_reason"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

type PostFilter struct {
	Status  string
	GroupID string
	Search  string
	Limit   int
	Offset  int
}
