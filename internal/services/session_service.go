package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ganamos/backend/internal/middleware"
	"github.com/ganamos/backend/internal/models"
	"github.com/ganamos/backend/pkg/logger"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const activeAccountTTL = 30 * 24 * time.Hour

// SessionService resolves which profile a signed-in user is acting as.
// A primary user may switch to a connected account (e.g. a child
// profile); the choice is kept in Redis and revalidated on every read.
type SessionService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewSessionService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService) *SessionService {
	return &SessionService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

type SessionResponse struct {
	Success            bool            `json:"success"`
	Profile            *models.Profile `json:"profile"`
	PrimaryUserID      string          `json:"primaryUserId"`
	IsConnectedAccount bool            `json:"isConnectedAccount"`
}

type SetActiveAccountRequest struct {
	AccountID string `json:"accountId" validate:"required"`
}

func activeAccountKey(primaryID string) string {
	return "session:active:" + primaryID
}

// validateConnection reports whether primaryID may act as accountID: a
// connected_accounts row must link them and the account must not be
// soft-deleted.
func (s *SessionService) validateConnection(ctx context.Context, primaryID, accountID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM connected_accounts ca
			JOIN profiles p ON p.id = ca.connected_user_id
			WHERE ca.primary_user_id = $1 AND ca.connected_user_id = $2 AND p.status <> $3
		)`, primaryID, accountID, models.ProfileStatusDeleted).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("validate connection: %w", err)
	}
	return ok, nil
}

// ActiveProfile returns the profile primaryID is currently acting as. Any
// problem with the stored selection falls back to the primary profile and
// clears the selection.
func (s *SessionService) ActiveProfile(ctx context.Context, primaryID string) (*models.Profile, error) {
	accountID := s.storedAccount(ctx, primaryID)
	if accountID == "" || accountID == primaryID {
		return s.ledger.GetProfile(ctx, primaryID)
	}

	ok, err := s.validateConnection(ctx, primaryID, accountID)
	if err != nil || !ok {
		logger.Info("[SESSION] stored account no longer valid, using primary",
			zap.String("primary_id", primaryID),
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		s.clearStoredAccount(ctx, primaryID)
		return s.ledger.GetProfile(ctx, primaryID)
	}

	profile, err := s.ledger.GetProfile(ctx, accountID)
	if err != nil {
		logger.Warn("[SESSION] failed to load connected profile, using primary",
			zap.String("account_id", accountID), zap.Error(err))
		s.clearStoredAccount(ctx, primaryID)
		return s.ledger.GetProfile(ctx, primaryID)
	}
	return profile, nil
}

// SetActiveAccount persists the account primaryID acts as. Selecting the
// primary account clears the selection.
func (s *SessionService) SetActiveAccount(ctx context.Context, primaryID, accountID string) error {
	if s.redis == nil {
		return ErrSessionUnavailable
	}
	if accountID == primaryID {
		if err := s.redis.Del(ctx, activeAccountKey(primaryID)).Err(); err != nil {
			return fmt.Errorf("clear active account: %w", err)
		}
		return nil
	}

	ok, err := s.validateConnection(ctx, primaryID, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotConnected
	}

	if err := s.redis.Set(ctx, activeAccountKey(primaryID), accountID, activeAccountTTL).Err(); err != nil {
		return fmt.Errorf("store active account: %w", err)
	}
	return nil
}

// ConnectedAccounts lists the live profiles primaryID may switch to.
func (s *SessionService) ConnectedAccounts(ctx context.Context, primaryID string) ([]models.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.email, p.name, COALESCE(p.username, ''), p.balance, p.status,
			p.requires_approval, p.created_at, p.updated_at
		FROM connected_accounts ca
		JOIN profiles p ON p.id = ca.connected_user_id
		WHERE ca.primary_user_id = $1 AND p.status <> $2
		ORDER BY p.name`, primaryID, models.ProfileStatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("list connected accounts: %w", err)
	}
	defer rows.Close()

	accounts := []models.Profile{}
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.ID, &p.Email, &p.Name, &p.Username, &p.Balance, &p.Status,
			&p.RequiresApproval, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, p)
	}
	return accounts, rows.Err()
}

func (s *SessionService) storedAccount(ctx context.Context, primaryID string) string {
	if s.redis == nil {
		return ""
	}
	id, err := s.redis.Get(ctx, activeAccountKey(primaryID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("[SESSION] failed to read active account", zap.String("primary_id", primaryID), zap.Error(err))
		}
		return ""
	}
	return id
}

func (s *SessionService) clearStoredAccount(ctx context.Context, primaryID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, activeAccountKey(primaryID)).Err(); err != nil {
		logger.Warn("[SESSION] failed to clear active account", zap.String("primary_id", primaryID), zap.Error(err))
	}
}

// GetSession returns the profile the caller is acting as
// @Summary Current session
// @Tags session
// @Produce json
// @Security BearerAuth
// @Success 200 {object} SessionResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /session [get]
func (s *SessionService) GetSession(w http.ResponseWriter, r *http.Request) {
	primaryID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	profile, err := s.ActiveProfile(r.Context(), primaryID)
	if err != nil {
		SendServiceError(w, err, "Failed to load session")
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		Success:            true,
		Profile:            profile,
		PrimaryUserID:      primaryID,
		IsConnectedAccount: profile.ID != primaryID,
	})
}

// SetActive switches the caller to a connected account
// @Summary Switch active account
// @Tags session
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body SetActiveAccountRequest true "Account to act as"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /session/active-account [post]
func (s *SessionService) SetActive(w http.ResponseWriter, r *http.Request) {
	primaryID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req SetActiveAccountRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := s.SetActiveAccount(r.Context(), primaryID, req.AccountID); err != nil {
		if StatusFor(err) == http.StatusInternalServerError {
			logger.Error("[SESSION] failed to set active account", zap.String("primary_id", primaryID), zap.Error(err))
		}
		SendServiceError(w, err, "Failed to switch account")
		return
	}

	s.GetSession(w, r)
}

// ListConnectedAccounts lists the accounts the caller may switch to
// @Summary Connected accounts
// @Tags session
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{success=bool,accounts=[]models.Profile}
// @Router /session/connected-accounts [get]
func (s *SessionService) ListConnectedAccounts(w http.ResponseWriter, r *http.Request) {
	primaryID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	accounts, err := s.ConnectedAccounts(r.Context(), primaryID)
	if err != nil {
		logger.Error("[SESSION] failed to list connected accounts", zap.String("primary_id", primaryID), zap.Error(err))
		SendErrorResponse(w, "Failed to fetch connected accounts", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"accounts": accounts,
	})
}

// Logout handles user logout
// @Summary Logout user
// @Description Blacklists the bearer token until it expires
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]string "Logout successful"
// @Router /auth/logout [post]
func (s *SessionService) Logout(w http.ResponseWriter, r *http.Request) {
	token := middleware.Token(r.Context())
	if token != "" && s.redis != nil {
		expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
		if expiry <= 0 {
			expiry = 24 * time.Hour
		}
		if err := s.redis.Set(r.Context(), middleware.BlacklistKey(token), "1", expiry).Err(); err != nil {
			logger.Error("[AUTH] failed to blacklist token", zap.Error(err))
		}
	}
	if primaryID, ok := middleware.UserID(r.Context()); ok {
		s.clearStoredAccount(r.Context(), primaryID)
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}
