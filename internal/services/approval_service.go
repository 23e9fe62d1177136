package services

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ganamos/backend/internal/metrics"
	"github.com/ganamos/backend/internal/middleware"
	"github.com/ganamos/backend/internal/models"
	"github.com/ganamos/backend/pkg/logger"
	"go.uber.org/zap"
)

const defaultRejectionReason = "Rejected by admin"

type ApprovalRequest struct {
	TransactionID   string `json:"transactionId" validate:"required"`
	Action          string `json:"action" validate:"required,oneof=approve reject"`
	RejectionReason string `json:"rejectionReason"`
}

// ApprovalService lets admins settle withdrawals held in pending_approval.
// Routes are expected behind middleware.AdminOnly.
type ApprovalService struct {
	withdrawals *WithdrawalService
	validator   *ValidationHelper
}

func NewApprovalService(withdrawals *WithdrawalService) *ApprovalService {
	return &ApprovalService{
		withdrawals: withdrawals,
		validator:   NewValidationHelper(),
	}
}

// ReviewWithdrawal approves or rejects a held withdrawal
// @Summary Approve or reject a withdrawal
// @Description Admin only. Approving pays the invoice; rejecting never touches the balance.
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body ApprovalRequest true "Decision"
// @Success 200 {object} WithdrawResponse
// @Failure 400 {object} WithdrawResponse
// @Failure 403 {object} WithdrawResponse
// @Failure 404 {object} WithdrawResponse
// @Failure 409 {object} WithdrawResponse
// @Failure 500 {object} WithdrawResponse
// @Failure 504 {object} WithdrawResponse
// @Router /admin/withdrawals/approve [post]
func (s *ApprovalService) ReviewWithdrawal(w http.ResponseWriter, r *http.Request) {
	ws := s.withdrawals
	ctx := r.Context()
	admin := middleware.Email(ctx)

	var req ApprovalRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		sendWithdrawError(w, http.StatusBadRequest, "Invalid request", "")
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		sendWithdrawError(w, http.StatusBadRequest, "Invalid request", "transactionId and action (approve|reject) are required")
		return
	}

	tx, err := ws.ledger.GetTransaction(ctx, req.TransactionID)
	if errors.Is(err, ErrTransactionNotFound) {
		sendWithdrawError(w, http.StatusNotFound, ErrNotFoundOrProcessed.Error(), "")
		return
	}
	if err != nil {
		logger.Error("[APPROVAL] failed to load transaction", zap.String("transaction_id", req.TransactionID), zap.Error(err))
		sendWithdrawError(w, http.StatusInternalServerError, "Failed to fetch transaction", "")
		return
	}
	if tx.Status != models.TransactionStatusPendingApproval || tx.Type != models.TransactionTypeWithdrawal {
		sendWithdrawError(w, http.StatusNotFound, ErrNotFoundOrProcessed.Error(), "")
		return
	}

	if req.Action == "reject" {
		s.reject(w, r, tx, admin, req.RejectionReason)
		return
	}
	s.approve(w, r, tx, admin)
}

func (s *ApprovalService) reject(w http.ResponseWriter, r *http.Request, tx *models.Transaction, admin, reason string) {
	ws := s.withdrawals
	ctx := r.Context()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultRejectionReason
	}

	if err := ws.ledger.MarkRejected(ctx, tx, admin, reason); err != nil {
		if errors.Is(err, ErrNotFoundOrProcessed) {
			sendWithdrawError(w, http.StatusNotFound, ErrNotFoundOrProcessed.Error(), "")
			return
		}
		logger.Error("[APPROVAL] failed to reject transaction", zap.String("transaction_id", tx.ID), zap.Error(err))
		sendWithdrawError(w, http.StatusInternalServerError, "Failed to reject transaction", "")
		return
	}

	ws.audit.LogWithdrawal(ctx, models.WithdrawalAuditEntry{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Action:        models.AuditActionRejected,
		Actor:         admin,
		Amount:        tx.Amount,
		Reason:        reason,
	})
	metrics.ApprovalsTotal.WithLabelValues("reject").Inc()
	metrics.WithdrawalsTotal.WithLabelValues("rejected").Inc()
	logger.Info("[APPROVAL] withdrawal rejected",
		zap.String("transaction_id", tx.ID),
		zap.String("admin", admin),
		zap.String("reason", reason),
	)

	profile, err := ws.ledger.GetProfile(ctx, tx.UserID)
	if err != nil {
		logger.Warn("[APPROVAL] could not load profile for rejection email", zap.String("user_id", tx.UserID), zap.Error(err))
	} else {
		ws.notifyFailed(ctx, profile, tx.Amount)
	}

	writeJSON(w, http.StatusOK, WithdrawResponse{
		Success:       true,
		Status:        models.TransactionStatusRejected,
		TransactionID: tx.ID,
	})
}

func (s *ApprovalService) approve(w http.ResponseWriter, r *http.Request, tx *models.Transaction, admin string) {
	ws := s.withdrawals
	ctx := r.Context()

	release, err := ws.lockUser(ctx, tx.UserID)
	if err != nil {
		if errors.Is(err, ErrWithdrawalInProgress) {
			sendWithdrawError(w, http.StatusConflict, ErrWithdrawalInProgress.Error(), "")
			return
		}
		logger.Error("[APPROVAL] failed to acquire withdrawal lock", zap.String("user_id", tx.UserID), zap.Error(err))
		sendWithdrawError(w, http.StatusServiceUnavailable, "Withdrawals temporarily unavailable", "")
		return
	}
	defer release()

	profile, err := ws.ledger.GetProfile(ctx, tx.UserID)
	if errors.Is(err, ErrProfileNotFound) {
		sendWithdrawError(w, http.StatusNotFound, "Profile not found", "")
		return
	}
	if err != nil {
		logger.Error("[APPROVAL] failed to load profile", zap.String("user_id", tx.UserID), zap.Error(err))
		sendWithdrawError(w, http.StatusInternalServerError, "Failed to fetch profile", "")
		return
	}

	if profile.Balance < tx.Amount {
		if err := ws.ledger.MarkFailed(ctx, tx, "insufficient balance at approval"); err != nil {
			if errors.Is(err, ErrNotFoundOrProcessed) {
				sendWithdrawError(w, http.StatusNotFound, ErrNotFoundOrProcessed.Error(), "")
				return
			}
			logger.Error("[APPROVAL] failed to mark transaction failed", zap.String("transaction_id", tx.ID), zap.Error(err))
			sendWithdrawError(w, http.StatusInternalServerError, "Failed to update transaction", "")
			return
		}
		ws.audit.LogWithdrawal(ctx, models.WithdrawalAuditEntry{
			TransactionID: tx.ID,
			UserID:        tx.UserID,
			Action:        models.AuditActionFailed,
			Actor:         admin,
			Amount:        tx.Amount,
			Reason:        "Insufficient balance at approval",
		})
		metrics.WithdrawalsTotal.WithLabelValues("insufficient_balance").Inc()
		sendWithdrawError(w, http.StatusBadRequest, "Insufficient balance", "")
		return
	}

	if err := ws.ledger.MarkApproved(ctx, tx.ID, admin); err != nil {
		if errors.Is(err, ErrNotFoundOrProcessed) {
			sendWithdrawError(w, http.StatusNotFound, ErrNotFoundOrProcessed.Error(), "")
			return
		}
		logger.Error("[APPROVAL] failed to approve transaction", zap.String("transaction_id", tx.ID), zap.Error(err))
		sendWithdrawError(w, http.StatusInternalServerError, "Failed to approve transaction", "")
		return
	}
	tx.Status = models.TransactionStatusPending
	tx.ApprovedBy = admin

	ws.audit.LogWithdrawal(ctx, models.WithdrawalAuditEntry{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Action:        models.AuditActionApproved,
		Actor:         admin,
		Amount:        tx.Amount,
	})
	metrics.ApprovalsTotal.WithLabelValues("approve").Inc()
	logger.Info("[APPROVAL] withdrawal approved", zap.String("transaction_id", tx.ID), zap.String("admin", admin))

	code, resp := ws.settle(ctx, tx, profile, true)
	writeJSON(w, code, resp)
}

// ListWithdrawals lists transactions for the admin review screen
// @Summary List withdrawals for review
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param status query string false "Status filter, defaults to pending_approval"
// @Param q query string false "Search id, user, invoice or memo"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} object{success=bool,transactions=[]models.Transaction}
// @Failure 403 {object} ErrorResponse
// @Router /admin/withdrawals [get]
func (s *ApprovalService) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	filter := transactionFilterFromQuery(r)
	filter.Type = models.TransactionTypeWithdrawal
	if r.URL.Query().Get("status") == "" {
		filter.Status = models.TransactionStatusPendingApproval
	}
	if filter.Status == "all" {
		filter.Status = ""
	}

	txs, err := s.withdrawals.ledger.ListTransactions(r.Context(), filter)
	if err != nil {
		logger.Error("[APPROVAL] failed to list withdrawals", zap.Error(err))
		SendErrorResponse(w, "Failed to fetch withdrawals", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"transactions": txs,
	})
}

func transactionFilterFromQuery(r *http.Request) models.TransactionFilter {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return models.TransactionFilter{
		Status: q.Get("status"),
		Type:   q.Get("type"),
		Search: strings.TrimSpace(q.Get("q")),
		Limit:  limit,
		Offset: offset,
	}
}
