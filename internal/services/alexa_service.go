package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ganamos/backend/internal/config"
	"github.com/ganamos/backend/internal/middleware"
	"github.com/ganamos/backend/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const authCodeTTL = 5 * time.Minute

// AlexaToken is the OAuth token response returned to the skill.
type AlexaToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// AlexaService implements the authorization-code flow used to link a voice
// skill to a user and one of their groups.
type AlexaService struct {
	db       *sql.DB
	groups   *GroupService
	ledger   *LedgerService
	cfg      *config.AlexaConfig
	newID    func() string
	newCode  func() (string, error)
	now      func() time.Time
	issueJWT func(userID, email string, ttl time.Duration) (string, error)
}

func NewAlexaService(db *sql.DB, groups *GroupService, ledger *LedgerService, cfg *config.AlexaConfig) *AlexaService {
	return &AlexaService{
		db:       db,
		groups:   groups,
		ledger:   ledger,
		cfg:      cfg,
		newID:    uuid.NewString,
		newCode:  generateAuthCode,
		now:      time.Now,
		issueJWT: middleware.IssueToken,
	}
}

func hashSecret(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func generateAuthCode() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CompleteLinking issues a one-time authorization code for userID and
// returns the skill redirect URL carrying it.
func (s *AlexaService) CompleteLinking(ctx context.Context, userID, groupID, state, redirectURI string) (string, error) {
	if !s.cfg.AllowsRedirect(redirectURI) {
		return "", ErrInvalidRedirectURI
	}
	target, err := url.Parse(redirectURI)
	if err != nil {
		return "", ErrInvalidRedirectURI
	}

	ok, err := s.groups.IsApprovedMember(ctx, groupID, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotGroupMember
	}

	code, err := s.newCode()
	if err != nil {
		return "", fmt.Errorf("generate auth code: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alexa_auth_codes (id, code_hash, user_id, group_id, redirect_uri, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.newID(), hashSecret(code), userID, groupID, redirectURI, s.now().Add(authCodeTTL))
	if err != nil {
		return "", fmt.Errorf("store auth code: %w", err)
	}

	q := target.Query()
	q.Set("code", code)
	q.Set("state", state)
	target.RawQuery = q.Encode()

	logger.Info("[ALEXA] authorization code issued", zap.String("user_id", userID), zap.String("group_id", groupID))
	return target.String(), nil
}

// AuthenticateClient checks the skill's client credentials when a client
// secret is configured.
func (s *AlexaService) AuthenticateClient(clientID, clientSecret string) error {
	if s.cfg.ClientSecret == "" {
		return nil
	}
	idOK := subtle.ConstantTimeCompare([]byte(clientID), []byte(s.cfg.ClientID)) == 1
	secretOK := subtle.ConstantTimeCompare([]byte(clientSecret), []byte(s.cfg.ClientSecret)) == 1
	if !idOK || !secretOK {
		return ErrInvalidClient
	}
	return nil
}

// ExchangeCode redeems an authorization code once and links the account.
// Unknown, used and expired codes all fail with ErrInvalidGrant.
func (s *AlexaService) ExchangeCode(ctx context.Context, code, redirectURI string) (*AlexaToken, error) {
	if code == "" {
		return nil, ErrInvalidGrant
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback()

	var userID, groupID, storedRedirect string
	err = dbTx.QueryRowContext(ctx, `
		UPDATE alexa_auth_codes SET used_at = NOW()
		WHERE code_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING user_id, group_id, redirect_uri`,
		hashSecret(code), s.now()).Scan(&userID, &groupID, &storedRedirect)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidGrant
	}
	if err != nil {
		return nil, fmt.Errorf("redeem auth code: %w", err)
	}
	if redirectURI != "" && redirectURI != storedRedirect {
		return nil, ErrInvalidGrant
	}

	profile, err := s.ledger.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	token, err := s.issueJWT(userID, profile.Email, s.cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO alexa_linked_accounts (id, user_id, group_id, access_token_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET group_id = EXCLUDED.group_id, access_token_hash = EXCLUDED.access_token_hash, linked_at = NOW()`,
		s.newID(), userID, groupID, hashSecret(token))
	if err != nil {
		return nil, fmt.Errorf("link account: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	logger.Info("[ALEXA] account linked", zap.String("user_id", userID), zap.String("group_id", groupID))
	return &AlexaToken{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.cfg.TokenTTL / time.Second),
	}, nil
}
