package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/ganamos/backend/internal/middleware"
	"github.com/ganamos/backend/internal/models"
	"github.com/ganamos/backend/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GroupService manages group membership requests.
type GroupService struct {
	db    *sql.DB
	newID func() string
}

func NewGroupService(db *sql.DB) *GroupService {
	return &GroupService{db: db, newID: uuid.NewString}
}

const memberColumns = `id, group_id, user_id, role, status, created_at, updated_at`

func scanMember(row rowScanner) (*models.GroupMember, error) {
	m := &models.GroupMember{}
	err := row.Scan(&m.ID, &m.GroupID, &m.UserID, &m.Role, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// Join files a pending membership request. An existing membership is
// returned unchanged.
func (s *GroupService) Join(ctx context.Context, groupID, userID string) (*models.GroupMember, bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM groups WHERE id = $1)`, groupID).Scan(&exists); err != nil {
		return nil, false, fmt.Errorf("lookup group: %w", err)
	}
	if !exists {
		return nil, false, ErrGroupNotFound
	}

	member, err := s.membership(ctx, groupID, userID)
	if err == nil {
		return member, false, nil
	}
	if !errors.Is(err, ErrMembershipNotFound) {
		return nil, false, err
	}

	member, err = scanMember(s.db.QueryRowContext(ctx, `
		INSERT INTO group_members (id, group_id, user_id, role, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+memberColumns,
		s.newID(), groupID, userID, models.MemberRoleMember, models.MemberStatusPending))
	if err != nil {
		return nil, false, fmt.Errorf("insert membership: %w", err)
	}
	return member, true, nil
}

func (s *GroupService) membership(ctx context.Context, groupID, userID string) (*models.GroupMember, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

// IsApprovedMember reports whether userID is an approved member of groupID.
func (s *GroupService) IsApprovedMember(ctx context.Context, groupID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM group_members
			WHERE group_id = $1 AND user_id = $2 AND status = $3
		)`, groupID, userID, models.MemberStatusApproved).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return ok, nil
}

func (s *GroupService) isGroupAdmin(ctx context.Context, groupID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM group_members
			WHERE group_id = $1 AND user_id = $2 AND role = $3 AND status = $4
		)`, groupID, userID, models.MemberRoleAdmin, models.MemberStatusApproved).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check group admin: %w", err)
	}
	return ok, nil
}

// Decide moves a pending membership to approved or rejected. Only group
// admins may decide, and only pending requests can change.
func (s *GroupService) Decide(ctx context.Context, groupID, adminID, userID, status string) (*models.GroupMember, error) {
	ok, err := s.isGroupAdmin(ctx, groupID, adminID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotGroupAdmin
	}

	m, err := scanMember(s.db.QueryRowContext(ctx, `
		UPDATE group_members SET status = $1, updated_at = NOW()
		WHERE group_id = $2 AND user_id = $3 AND status = $4
		RETURNING `+memberColumns,
		status, groupID, userID, models.MemberStatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		if _, lookupErr := s.membership(ctx, groupID, userID); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, ErrMembershipProcessed
	}
	if err != nil {
		return nil, fmt.Errorf("update membership: %w", err)
	}
	return m, nil
}

// Members lists the group's memberships, optionally by status. The
// requester must be an approved member.
func (s *GroupService) Members(ctx context.Context, groupID, requesterID, status string) ([]models.GroupMember, error) {
	ok, err := s.IsApprovedMember(ctx, groupID, requesterID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotGroupMember
	}

	query := `SELECT ` + memberColumns + ` FROM group_members WHERE group_id = $1`
	args := []any{groupID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := []models.GroupMember{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// JoinGroup requests membership of a group
// @Summary Request to join a group
// @Tags groups
// @Produce json
// @Security BearerAuth
// @Param groupId path string true "Group ID"
// @Success 201 {object} object{success=bool,membership=models.GroupMember}
// @Success 200 {object} object{success=bool,membership=models.GroupMember}
// @Failure 404 {object} ErrorResponse
// @Router /groups/{groupId}/join [post]
func (s *GroupService) JoinGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	groupID := chi.URLParam(r, "groupId")

	member, created, err := s.Join(r.Context(), groupID, userID)
	if err != nil {
		if StatusFor(err) == http.StatusInternalServerError {
			logger.Error("[GROUP] join failed", zap.String("group_id", groupID), zap.Error(err))
		}
		SendServiceError(w, err, "Failed to join group")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		logger.Info("[GROUP] membership requested", zap.String("group_id", groupID), zap.String("user_id", userID))
	}
	writeJSON(w, status, map[string]any{"success": true, "membership": member})
}

// ApproveMember approves a pending membership
// @Summary Approve a membership request
// @Tags groups
// @Produce json
// @Security BearerAuth
// @Param groupId path string true "Group ID"
// @Param userId path string true "User ID"
// @Success 200 {object} object{success=bool,membership=models.GroupMember}
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /groups/{groupId}/members/{userId}/approve [post]
func (s *GroupService) ApproveMember(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, models.MemberStatusApproved)
}

// RejectMember rejects a pending membership
// @Summary Reject a membership request
// @Tags groups
// @Produce json
// @Security BearerAuth
// @Param groupId path string true "Group ID"
// @Param userId path string true "User ID"
// @Success 200 {object} object{success=bool,membership=models.GroupMember}
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /groups/{groupId}/members/{userId}/reject [post]
func (s *GroupService) RejectMember(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, models.MemberStatusRejected)
}

func (s *GroupService) decide(w http.ResponseWriter, r *http.Request, status string) {
	adminID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	groupID := chi.URLParam(r, "groupId")
	userID := chi.URLParam(r, "userId")

	member, err := s.Decide(r.Context(), groupID, adminID, userID, status)
	if err != nil {
		if StatusFor(err) == http.StatusInternalServerError {
			logger.Error("[GROUP] membership update failed", zap.String("group_id", groupID), zap.Error(err))
		}
		SendServiceError(w, err, "Failed to update membership")
		return
	}

	logger.Info("[GROUP] membership decided",
		zap.String("group_id", groupID),
		zap.String("user_id", userID),
		zap.String("status", status),
		zap.String("admin_id", adminID),
	)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "membership": member})
}

// ListMembers lists a group's memberships
// @Summary List group members
// @Tags groups
// @Produce json
// @Security BearerAuth
// @Param groupId path string true "Group ID"
// @Param status query string false "pending, approved or rejected"
// @Success 200 {object} object{success=bool,members=[]models.GroupMember}
// @Failure 403 {object} ErrorResponse
// @Router /groups/{groupId}/members [get]
func (s *GroupService) ListMembers(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	groupID := chi.URLParam(r, "groupId")

	members, err := s.Members(r.Context(), groupID, userID, r.URL.Query().Get("status"))
	if err != nil {
		if StatusFor(err) == http.StatusInternalServerError {
			logger.Error("[GROUP] list members failed", zap.String("group_id", groupID), zap.Error(err))
		}
		SendServiceError(w, err, "Failed to fetch members")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "members": members})
}
