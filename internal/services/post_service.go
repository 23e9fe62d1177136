package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ganamos/backend/internal/events"
	"github.com/ganamos/backend/internal/middleware"
	"github.com/ganamos/backend/internal/models"
	"github.com/ganamos/backend/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostService runs the issue board: posts move open → claimed →
// under_review → fixed, and a rejected fix goes back to claimed. Rewards
// are escrowed from the poster on create and credited to the fixer on
// approval, or back to the poster when an open post is cancelled.
type PostService struct {
	db        *sql.DB
	ledger    *LedgerService
	groups    *GroupService
	validator *ValidationHelper
	newID     func() string
}

func NewPostService(db *sql.DB, ledger *LedgerService, groups *GroupService) *PostService {
	return &PostService{
		db:        db,
		ledger:    ledger,
		groups:    groups,
		validator: NewValidationHelper(),
		newID:     uuid.NewString,
	}
}

type CreatePostRequest struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=5000"`
	ImageURL    string   `json:"imageUrl" validate:"omitempty,url"`
	Location    string   `json:"location"`
	Latitude    *float64 `json:"latitude" validate:"omitempty,latitude"`
	Longitude   *float64 `json:"longitude" validate:"omitempty,longitude"`
	Reward      int64    `json:"reward" validate:"gte=0"`
	GroupID     string   `json:"groupId"`
}

type SubmitFixRequest struct {
	FixNote     string `json:"fixNote" validate:"max=2000"`
	FixImageURL string `json:"fixImageUrl" validate:"required,url"`
}

type RejectFixRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

const postColumns = `id, user_id, group_id, title, description,
	COALESCE(image_url, ''), COALESCE(location, ''), latitude, longitude,
	reward, status, claimed_by, claimed_at, fixed_by, fixed_at,
	COALESCE(fix_note, ''), COALESCE(fix_image_url, ''), fix_rejected_at,
	COALESCE(fix_reject_reason, ''), created_at`

func scanPost(row rowScanner) (*models.Post, error) {
	p := &models.Post{}
	err := row.Scan(&p.ID, &p.UserID, &p.GroupID, &p.Title, &p.Description,
		&p.ImageURL, &p.Location, &p.Latitude, &p.Longitude,
		&p.Reward, &p.Status, &p.ClaimedBy, &p.ClaimedAt, &p.FixedBy, &p.FixedAt,
		&p.FixNote, &p.FixImageURL, &p.FixRejectedAt,
		&p.FixRejectReason, &p.CreatedAt)
	return p, err
}

// scanPostUpdate scans the row returned by a conditional transition. No
// row means another request moved the post first.
func scanPostUpdate(row rowScanner) (*models.Post, error) {
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPostStateChanged
	}
	if err != nil {
		return nil, fmt.Errorf("update post: %w", err)
	}
	return p, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostService) Get(ctx context.Context, id string) (*models.Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

// Create inserts an open post. A positive reward is taken from the
// poster's balance in the same SQL transaction.
func (s *PostService) Create(ctx context.Context, userID string, req CreatePostRequest) (*models.Post, error) {
	if req.GroupID != "" {
		ok, err := s.groups.IsApprovedMember(ctx, req.GroupID, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotGroupMember
		}
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback()

	postID := s.newID()
	if req.Reward > 0 {
		if _, _, err := s.ledger.DebitTx(ctx, dbTx, userID, req.Reward, models.TransactionTypeInternal,
			"Reward escrow: "+req.Title, postID); err != nil {
			return nil, err
		}
	}

	post, err := scanPost(dbTx.QueryRowContext(ctx, `
		INSERT INTO posts (id, user_id, group_id, title, description, image_url, location,
			latitude, longitude, reward, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+postColumns,
		postID, userID, nullIfEmpty(req.GroupID), req.Title, req.Description,
		nullIfEmpty(req.ImageURL), nullIfEmpty(req.Location), req.Latitude, req.Longitude,
		req.Reward, models.PostStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("insert post: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return post, nil
}

func (s *PostService) Claim(ctx context.Context, postID, userID string) (*models.Post, error) {
	post, err := s.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.UserID == userID {
		return nil, ErrOwnPost
	}

	return scanPostUpdate(s.db.QueryRowContext(ctx, `
		UPDATE posts SET status = $1, claimed_by = $2, claimed_at = NOW()
		WHERE id = $3 AND status = $4
		RETURNING `+postColumns,
		models.PostStatusClaimed, userID, postID, models.PostStatusOpen))
}

func (s *PostService) SubmitFix(ctx context.Context, postID, userID string, req SubmitFixRequest) (*models.Post, error) {
	post, err := s.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.Status != models.PostStatusClaimed {
		return nil, ErrPostStateChanged
	}
	if post.ClaimedBy == nil || *post.ClaimedBy != userID {
		return nil, ErrNotClaimer
	}

	return scanPostUpdate(s.db.QueryRowContext(ctx, `
		UPDATE posts SET status = $1, fixed_by = $2, fix_note = $3, fix_image_url = $4
		WHERE id = $5 AND status = $6 AND claimed_by = $2
		RETURNING `+postColumns,
		models.PostStatusUnderReview, userID, req.FixNote, req.FixImageURL,
		postID, models.PostStatusClaimed))
}

// ApproveFix marks the post fixed and pays the reward to the fixer.
func (s *PostService) ApproveFix(ctx context.Context, postID, userID string) (*models.Post, error) {
	post, err := s.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.UserID != userID {
		return nil, ErrNotPostOwner
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback()

	post, err = scanPostUpdate(dbTx.QueryRowContext(ctx, `
		UPDATE posts SET status = $1, fixed_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING `+postColumns,
		models.PostStatusFixed, postID, models.PostStatusUnderReview))
	if err != nil {
		return nil, err
	}

	if post.Reward > 0 && post.FixedBy != nil {
		fixer := *post.FixedBy
		txID, _, err := s.ledger.CreditTx(ctx, dbTx, fixer, post.Reward, models.TransactionTypeReward,
			"Reward: "+post.Title, post.ID)
		if err != nil {
			return nil, err
		}
		if err := events.WriteOutbox(ctx, dbTx, events.TopicRewardPaid, txID, events.RewardEvent{
			TransactionID: txID,
			PostID:        post.ID,
			UserID:        fixer,
			Amount:        post.Reward,
			OccurredAt:    time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("write outbox: %w", err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return post, nil
}

// RejectFix sends the post back to its claimer.
func (s *PostService) RejectFix(ctx context.Context, postID, userID, reason string) (*models.Post, error) {
	post, err := s.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.UserID != userID {
		return nil, ErrNotPostOwner
	}

	return scanPostUpdate(s.db.QueryRowContext(ctx, `
		UPDATE posts SET status = $1, fixed_by = NULL, fix_rejected_at = NOW(), fix_reject_reason = $2
		WHERE id = $3 AND status = $4
		RETURNING `+postColumns,
		models.PostStatusClaimed, nullIfEmpty(reason), postID, models.PostStatusUnderReview))
}

// Cancel withdraws an open post and refunds the escrowed reward to the
// poster. Once claimed a post can no longer be cancelled.
func (s *PostService) Cancel(ctx context.Context, postID, userID string) (*models.Post, error) {
	post, err := s.Get(ctx, postID)
	if err != nil {
		return nil, err
	}
	if post.UserID != userID {
		return nil, ErrNotPostOwner
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback()

	post, err = scanPostUpdate(dbTx.QueryRowContext(ctx, `
		UPDATE posts SET status = $1
		WHERE id = $2 AND status = $3 AND user_id = $4
		RETURNING `+postColumns,
		models.PostStatusCancelled, postID, models.PostStatusOpen, userID))
	if err != nil {
		return nil, err
	}

	if post.Reward > 0 {
		if _, _, err := s.ledger.CreditTx(ctx, dbTx, userID, post.Reward, models.TransactionTypeInternal,
			"Reward refund: "+post.Title, post.ID); err != nil {
			return nil, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return post, nil
}

func (s *PostService) List(ctx context.Context, f models.PostFilter) ([]models.Post, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.GroupID != "" {
		args = append(args, f.GroupID)
		where = append(where, fmt.Sprintf("group_id = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d OR location ILIKE $%d)", n, n, n))
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := max(f.Offset, 0)

	query := `SELECT ` + postColumns + ` FROM posts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	posts := []models.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

// CreatePost creates a post on the issue board
// @Summary Create a post
// @Description A positive reward is escrowed from the poster's balance.
// @Tags posts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreatePostRequest true "Post"
// @Success 201 {object} object{success=bool,post=models.Post}
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /posts [post]
func (s *PostService) CreatePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CreatePostRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	post, err := s.Create(r.Context(), userID, req)
	if err != nil {
		s.sendPostError(w, err, "create", "")
		return
	}

	logger.Info("[POST] created", zap.String("post_id", post.ID), zap.String("user_id", userID), zap.Int64("reward", post.Reward))
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "post": post})
}

// ClaimPost claims an open post
// @Summary Claim a post
// @Tags posts
// @Produce json
// @Security BearerAuth
// @Param postId path string true "Post ID"
// @Success 200 {object} object{success=bool,post=models.Post}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /posts/{postId}/claim [post]
func (s *PostService) ClaimPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	postID := chi.URLParam(r, "postId")

	post, err := s.Claim(r.Context(), postID, userID)
	if err != nil {
		s.sendPostError(w, err, "claim", postID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "post": post})
}

// SubmitFixHandler submits proof that a claimed post is fixed
// @Summary Submit a fix
// @Tags posts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param postId path string true "Post ID"
// @Param request body SubmitFixRequest true "Fix"
// @Success 200 {object} object{success=bool,post=models.Post}
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /posts/{postId}/submit-fix [post]
func (s *PostService) SubmitFixHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	postID := chi.URLParam(r, "postId")

	var req SubmitFixRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	post, err := s.SubmitFix(r.Context(), postID, userID, req)
	if err != nil {
		s.sendPostError(w, err, "submit fix", postID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "post": post})
}

// ApproveFixHandler accepts a submitted fix and pays the reward
// @Summary Approve a fix
// @Tags posts
// @Produce json
// @Security BearerAuth
// @Param postId path string true "Post ID"
// @Success 200 {object} object{success=bool,post=models.Post}
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /posts/{postId}/approve-fix [post]
func (s *PostService) ApproveFixHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	postID := chi.URLParam(r, "postId")

	post, err := s.ApproveFix(r.Context(), postID, userID)
	if err != nil {
		s.sendPostError(w, err, "approve fix", postID)
		return
	}

	logger.Info("[POST] fix approved", zap.String("post_id", postID), zap.Int64("reward", post.Reward))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "post": post})
}

// RejectFixHandler sends a submitted fix back to the claimer
// @Summary Reject a fix
// @Tags posts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param postId path string true "Post ID"
// @Param request body RejectFixRequest false "Reason"
// @Success 200 {object} object{success=bool,post=models.Post}
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /posts/{postId}/reject-fix [post]
func (s *PostService) RejectFixHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	postID := chi.URLParam(r, "postId")

	var req RejectFixRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(w, r, &req); err != nil {
			SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
			return
		}
		if err := s.validator.ValidateStruct(&req); err != nil {
			SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
			return
		}
	}

	post, err := s.RejectFix(r.Context(), postID, userID, strings.TrimSpace(req.Reason))
	if err != nil {
		s.sendPostError(w, err, "reject fix", postID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "post": post})
}

// CancelPost cancels an open post and refunds its reward
// @Summary Cancel a post
// @Description Only open posts can be cancelled. The escrowed reward goes back to the poster.
// @Tags posts
// @Produce json
// @Security BearerAuth
// @Param postId path string true "Post ID"
// @Success 200 {object} object{success=bool,post=models.Post}
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /posts/{postId}/cancel [post]
func (s *PostService) CancelPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	postID := chi.URLParam(r, "postId")

	post, err := s.Cancel(r.Context(), postID, userID)
	if err != nil {
		s.sendPostError(w, err, "cancel", postID)
		return
	}

	logger.Info("[POST] cancelled", zap.String("post_id", postID), zap.Int64("refund", post.Reward))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "post": post})
}

// ListPosts lists and searches posts
// @Summary List posts
// @Tags posts
// @Produce json
// @Security BearerAuth
// @Param status query string false "open, claimed, under_review, fixed or cancelled"
// @Param groupId query string false "Group ID"
// @Param q query string false "Search title, description or location"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} object{success=bool,posts=[]models.Post}
// @Router /posts [get]
func (s *PostService) ListPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	posts, err := s.List(r.Context(), models.PostFilter{
		Status:  q.Get("status"),
		GroupID: q.Get("groupId"),
		Search:  strings.TrimSpace(q.Get("q")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		logger.Error("[POST] list failed", zap.Error(err))
		SendErrorResponse(w, "Failed to fetch posts", http.StatusInternalServerError, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "posts": posts})
}

func (s *PostService) sendPostError(w http.ResponseWriter, err error, op, postID string) {
	if StatusFor(err) == http.StatusInternalServerError {
		logger.Error("[POST] "+op+" failed", zap.String("post_id", postID), zap.Error(err))
	}
	SendServiceError(w, err, "Failed to "+op+" post")
}
