package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ganamos/backend/internal/models"
	"github.com/ganamos/backend/pkg/logger"
	"go.uber.org/zap"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
	maxWebhookBytes = 5 << 20
)

type pullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title     string    `json:"title"`
		HTMLURL   string    `json:"html_url"`
		State     string    `json:"state"`
		Merged    bool      `json:"merged"`
		UpdatedAt time.Time `json:"updated_at"`
		User      struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// GitHubWebhookService records pull request activity for the admin dashboard.
type GitHubWebhookService struct {
	db     *sql.DB
	secret string
}

func NewGitHubWebhookService(db *sql.DB, secret string) *GitHubWebhookService {
	return &GitHubWebhookService{db: db, secret: secret}
}

// VerifySignature checks a "sha256=<hex>" header against the HMAC of body.
func (s *GitHubWebhookService) VerifySignature(body []byte, header string) error {
	if s.secret == "" {
		return ErrWebhookNotConfigured
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

func prState(state string, merged bool) string {
	if merged {
		return "merged"
	}
	if state == "closed" {
		return "closed"
	}
	return "open"
}

// RecordPullRequest upserts the admin_pr_log row for one event.
func (s *GitHubWebhookService) RecordPullRequest(ctx context.Context, ev *pullRequestEvent) (*models.PRLogEntry, error) {
	entry := &models.PRLogEntry{
		Repo:      ev.Repository.FullName,
		PRNumber:  ev.Number,
		Title:     ev.PullRequest.Title,
		Author:    ev.PullRequest.User.Login,
		State:     prState(ev.PullRequest.State, ev.PullRequest.Merged),
		URL:       ev.PullRequest.HTMLURL,
		UpdatedAt: ev.PullRequest.UpdatedAt,
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_pr_log (repo, pr_number, title, author, state, url, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (repo, pr_number) DO UPDATE
		SET title = EXCLUDED.title, author = EXCLUDED.author, state = EXCLUDED.state,
		    url = EXCLUDED.url, updated_at = EXCLUDED.updated_at`,
		entry.Repo, entry.PRNumber, entry.Title, entry.Author, entry.State, entry.URL, entry.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert pr log: %w", err)
	}
	return entry, nil
}

// HandleWebhook receives GitHub deliveries
// @Summary GitHub pull request webhook
// @Description Verifies X-Hub-Signature-256 and records pull_request events. Other events are acknowledged and ignored.
// @Tags admin
// @Accept json
// @Produce json
// @Success 200 {object} object{success=bool,ignored=bool}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /admin/github/webhook [post]
func (s *GitHubWebhookService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.VerifySignature(body, r.Header.Get(signatureHeader)); err != nil {
		if errors.Is(err, ErrWebhookNotConfigured) {
			logger.Error("[GITHUB] webhook secret not configured")
		} else {
			logger.Warn("[GITHUB] signature mismatch", zap.String("remote", r.RemoteAddr))
		}
		SendServiceError(w, err, err.Error())
		return
	}

	event := r.Header.Get(eventHeader)
	if event != "pull_request" {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": true})
		return
	}

	var ev pullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.Repository.FullName == "" || ev.Number == 0 {
		SendErrorResponse(w, "Invalid pull_request payload", http.StatusBadRequest, nil)
		return
	}

	entry, err := s.RecordPullRequest(r.Context(), &ev)
	if err != nil {
		logger.Error("[GITHUB] failed to record pull request", zap.String("repo", ev.Repository.FullName), zap.Int("number", ev.Number), zap.Error(err))
		SendErrorResponse(w, "Failed to record pull request", http.StatusInternalServerError, nil)
		return
	}

	logger.Info("[GITHUB] pull request recorded",
		zap.String("repo", entry.Repo),
		zap.Int("number", entry.PRNumber),
		zap.String("action", ev.Action),
		zap.String("state", entry.State),
	)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ignored": false})
}
