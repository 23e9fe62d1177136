package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WithdrawalPolicy controls when withdrawals need an admin and how long
// the per-user withdrawal lock is held.
type WithdrawalPolicy struct {
	ApprovalThreshold int64
	MaxAmount         int64
	LockTTL           time.Duration
	AdminEmails       []string
}

// DevicePolicy holds the coin economy constants reported to devices.
type DevicePolicy struct {
	SatsPerCoin     int64
	FeedCost        int64
	PollInterval    time.Duration
	RateLimit       int
	RateLimitWindow time.Duration
	RejectionWindow time.Duration
}

// LoadWithdrawalPolicy reads the withdrawal settings from viper. There is
// no default admin: an empty admin.emails list denies every admin route.
func LoadWithdrawalPolicy() *WithdrawalPolicy {
	return &WithdrawalPolicy{
		ApprovalThreshold: int64Setting("withdrawal.approval_threshold", 100000),
		MaxAmount:         int64Setting("withdrawal.max_amount", 10000000),
		LockTTL:           durationSetting("withdrawal.lock_ttl", 90*time.Second),
		AdminEmails:       listSetting("admin.emails"),
	}
}

func LoadDevicePolicy() *DevicePolicy {
	return &DevicePolicy{
		SatsPerCoin:     int64Setting("device.sats_per_coin", 100),
		FeedCost:        int64Setting("device.feed_cost", 1),
		PollInterval:    durationSetting("device.poll_interval", 30*time.Second),
		RateLimit:       int(int64Setting("device.rate_limit", 60)),
		RateLimitWindow: durationSetting("device.rate_limit_window", time.Minute),
		RejectionWindow: durationSetting("device.rejection_window", 24*time.Hour),
	}
}

// IsAdmin reports whether email belongs to a configured admin.
func (p *WithdrawalPolicy) IsAdmin(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, admin := range p.AdminEmails {
		if strings.ToLower(admin) == email {
			return true
		}
	}
	return false
}

// viper's Get* helpers turn garbage into zero values, so numbers are
// parsed here and fall back to the default instead.
func int64Setting(key string, defaultVal int64) int64 {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return defaultVal
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return defaultVal
	}
	return val
}

func durationSetting(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return defaultVal
	}
	return val
}

func listSetting(key string) []string {
	var out []string
	for _, part := range strings.Split(viper.GetString(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
