package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ganamos/backend/internal/config"
	"github.com/ganamos/backend/pkg/logger"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type contextKey string

const (
	userIDKey contextKey = "userID"
	emailKey  contextKey = "email"
	tokenKey  contextKey = "token"
)

var redisClient *redis.Client

// InitAuthMiddleware enables the logout blacklist check.
func InitAuthMiddleware(client *redis.Client) {
	redisClient = client
}

// BlacklistKey is the Redis key marking a logged-out token.
func BlacklistKey(token string) string {
	return "blacklist:" + token
}

func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		token := parts[1]

		if redisClient != nil {
			n, err := redisClient.Exists(r.Context(), BlacklistKey(token)).Result()
			if err != nil {
				logger.Warn("[AUTH] blacklist lookup failed", zap.Error(err))
			} else if n > 0 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}

		userID, email, err := validateToken(token)
		if err != nil {
			logger.Debug("[AUTH] invalid token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		ctx := WithUser(r.Context(), userID, email)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly allows callers whose token email is on the admin list.
func AdminOnly(policy *config.WithdrawalPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !policy.IsAdmin(Email(r.Context())) {
				logger.Warn("[AUTH] admin route denied",
					zap.String("user_id", userIDFrom(r.Context())),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusForbidden, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUser stores the authenticated identity on ctx.
func WithUser(ctx context.Context, userID, email string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, emailKey, email)
}

func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

func Email(ctx context.Context) string {
	email, _ := ctx.Value(emailKey).(string)
	return email
}

// Token returns the raw bearer token of the request.
func Token(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey).(string)
	return t
}

func userIDFrom(ctx context.Context) string {
	id, _ := UserID(ctx)
	return id
}

// IssueToken signs an HS256 token with the configured secret.
func IssueToken(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func validateToken(tokenString string) (string, string, error) {
	secret := viper.GetString("jwt.secret_key")
	if secret == "" {
		return "", "", errors.New("jwt secret not configured")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	if !token.Valid {
		return "", "", errors.New("token invalid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", errors.New("unexpected claims type")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		// older tokens carry user_id
		if v, ok := claims["user_id"]; ok && v != nil {
			sub = fmt.Sprintf("%v", v)
		}
	}
	if sub == "" {
		return "", "", errors.New("token has no subject")
	}

	email, _ := claims["email"].(string)
	return sub, email, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}
