package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"math/big"
	"strings"
	"time"

	"github.com/ganamos/backend/internal/config"
	"github.com/ganamos/backend/internal/metrics"
	"github.com/ganamos/backend/internal/models"
	"github.com/ganamos/backend/pkg/logger"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	pairingCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	pairingCodeLength   = 6
	pairingAttempts     = 3
)

// DeviceConfig is the snapshot a paired device polls for.
type DeviceConfig struct {
	DeviceID            string           `json:"deviceId"`
	PetName             string           `json:"petName"`
	PetType             string           `json:"petType"`
	UserID              string           `json:"userId"`
	UserName            string           `json:"userName"`
	Balance             int64            `json:"balance"`
	Coins               int64            `json:"coins"`
	SatsPerCoin         int64            `json:"satsPerCoin"`
	FeedCost            int64            `json:"feedCost"`
	PollIntervalSeconds int              `json:"pollIntervalSeconds"`
	PendingJob          *DeviceJob       `json:"pendingJob,omitempty"`
	LastRejection       *DeviceRejection `json:"lastRejection,omitempty"`
	ServerTime          time.Time        `json:"serverTime"`
}

type DeviceJob struct {
	PostID   string `json:"postId"`
	Title    string `json:"title"`
	Location string `json:"location,omitempty"`
	Reward   int64  `json:"reward"`
}

type DeviceRejection struct {
	PostID     string    `json:"postId"`
	Title      string    `json:"title"`
	Reason     string    `json:"reason,omitempty"`
	RejectedAt time.Time `json:"rejectedAt"`
}

// DeviceService backs the IoT companion: pairing and config polling.
type DeviceService struct {
	db      *sql.DB
	redis   *redis.Client
	ledger  *LedgerService
	policy  *config.DevicePolicy
	newID   func() string
	newCode func() (string, error)
	now     func() time.Time
}

func NewDeviceService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, policy *config.DevicePolicy) *DeviceService {
	return &DeviceService{
		db:      db,
		redis:   redisClient,
		ledger:  ledger,
		policy:  policy,
		newID:   uuid.NewString,
		newCode: generatePairingCode,
		now:     time.Now,
	}
}

const deviceColumns = `id, user_id, pairing_code, pet_name, pet_type, status, last_seen_at, created_at`

func scanDevice(row rowScanner) (*models.Device, error) {
	d := &models.Device{}
	err := row.Scan(&d.ID, &d.UserID, &d.PairingCode, &d.PetName, &d.PetType, &d.Status, &d.LastSeenAt, &d.CreatedAt)
	return d, err
}

// Config builds the polling snapshot for the device identified by id or,
// when id is empty, by pairing code.
func (s *DeviceService) Config(ctx context.Context, deviceID, pairingCode string) (*DeviceConfig, error) {
	rateKey := deviceID
	if rateKey == "" {
		pairingCode = strings.ToUpper(strings.TrimSpace(pairingCode))
		rateKey = "code:" + pairingCode
	}
	if err := s.allow(ctx, rateKey); err != nil {
		metrics.DevicePollsTotal.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	device, err := s.lookup(ctx, deviceID, pairingCode)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			metrics.DevicePollsTotal.WithLabelValues("not_found").Inc()
		}
		return nil, err
	}

	profile, err := s.ledger.GetProfile(ctx, device.UserID)
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = NOW() WHERE id = $1`, device.ID); err != nil {
		logger.Warn("[DEVICE] failed to update last_seen_at", zap.String("device_id", device.ID), zap.Error(err))
	}

	job, err := s.pendingJob(ctx, device.UserID)
	if err != nil {
		return nil, err
	}
	rejection, err := s.lastRejection(ctx, device.UserID)
	if err != nil {
		return nil, err
	}

	satsPerCoin := s.policy.SatsPerCoin
	if satsPerCoin <= 0 {
		satsPerCoin = 100
	}
	userName := profile.Name
	if userName == "" {
		userName = profile.Username
	}

	metrics.DevicePollsTotal.WithLabelValues("ok").Inc()
	return &DeviceConfig{
		DeviceID:            device.ID,
		PetName:             device.PetName,
		PetType:             device.PetType,
		UserID:              profile.ID,
		UserName:            userName,
		Balance:             profile.Balance,
		Coins:               profile.Balance / satsPerCoin,
		SatsPerCoin:         satsPerCoin,
		FeedCost:            s.policy.FeedCost,
		PollIntervalSeconds: int(s.policy.PollInterval / time.Second),
		PendingJob:          job,
		LastRejection:       rejection,
		ServerTime:          s.now().UTC(),
	}, nil
}

func (s *DeviceService) lookup(ctx context.Context, deviceID, pairingCode string) (*models.Device, error) {
	column, value := "id", deviceID
	if deviceID == "" {
		column, value = "pairing_code", pairingCode
	}

	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE `+column+` = $1 AND status = $2`,
		value, models.DeviceStatusPaired))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// pendingJob is the user's oldest claimed post.
func (s *DeviceService) pendingJob(ctx context.Context, userID string) (*DeviceJob, error) {
	job := &DeviceJob{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, COALESCE(location, ''), reward FROM posts
		WHERE claimed_by = $1 AND status = $2
		ORDER BY claimed_at ASC LIMIT 1`,
		userID, models.PostStatusClaimed).Scan(&job.PostID, &job.Title, &job.Location, &job.Reward)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending job: %w", err)
	}
	return job, nil
}

// lastRejection is the most recent fix by userID rejected inside the
// rejection window.
func (s *DeviceService) lastRejection(ctx context.Context, userID string) (*DeviceRejection, error) {
	window := s.policy.RejectionWindow
	if window <= 0 {
		window = 24 * time.Hour
	}

	rej := &DeviceRejection{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, COALESCE(fix_reject_reason, ''), fix_rejected_at FROM posts
		WHERE claimed_by = $1 AND fix_rejected_at > $2
		ORDER BY fix_rejected_at DESC LIMIT 1`,
		userID, s.now().Add(-window)).Scan(&rej.PostID, &rej.Title, &rej.Reason, &rej.RejectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last rejection: %w", err)
	}
	return rej, nil
}

// allow applies the fixed-window poll limit. Redis trouble lets the
// request through.
func (s *DeviceService) allow(ctx context.Context, key string) error {
	if s.redis == nil || s.policy.RateLimit <= 0 {
		return nil
	}

	redisKey := "ratelimit:device:" + key
	n, err := s.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		logger.Warn("[DEVICE] rate limit check failed", zap.String("key", redisKey), zap.Error(err))
		return nil
	}
	if n == 1 {
		if err := s.redis.Expire(ctx, redisKey, s.policy.RateLimitWindow).Err(); err != nil {
			logger.Warn("[DEVICE] failed to set rate limit expiry", zap.String("key", redisKey), zap.Error(err))
		}
	}
	if n > int64(s.policy.RateLimit) {
		return ErrRateLimited
	}
	return nil
}

// Pair registers a new device for userID and returns it with a base64
// PNG QR code of its pairing code.
func (s *DeviceService) Pair(ctx context.Context, userID, petName, petType string) (*models.Device, string, error) {
	if petType == "" {
		petType = "cat"
	}

	var (
		device *models.Device
		err    error
	)
	for attempt := 0; attempt < pairingAttempts; attempt++ {
		code, codeErr := s.newCode()
		if codeErr != nil {
			return nil, "", fmt.Errorf("generate pairing code: %w", codeErr)
		}
		device, err = scanDevice(s.db.QueryRowContext(ctx, `
			INSERT INTO devices (id, user_id, pairing_code, pet_name, pet_type, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+deviceColumns,
			s.newID(), userID, code, petName, petType, models.DeviceStatusPaired))
		if !isUniqueViolation(err) {
			break
		}
		logger.Debug("[DEVICE] pairing code collision, retrying", zap.String("code", code))
	}
	if err != nil {
		return nil, "", fmt.Errorf("insert device: %w", err)
	}

	qr, err := qrcode.New(device.PairingCode, qrcode.Medium)
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return nil, "", err
	}

	return device, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Unpair detaches a device from its owner.
func (s *DeviceService) Unpair(ctx context.Context, userID, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = $1
		WHERE id = $2 AND user_id = $3 AND status = $4`,
		models.DeviceStatusUnpaired, deviceID, userID, models.DeviceStatusPaired)
	if err != nil {
		return fmt.Errorf("unpair device: %w", err)
	}
	return requireOneRow(res, ErrDeviceNotFound)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func generatePairingCode() (string, error) {
	base := big.NewInt(int64(len(pairingCodeAlphabet)))
	code := make([]byte, pairingCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", err
		}
		code[i] = pairingCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
