package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ganamos/backend/internal/config"
	"github.com/ganamos/backend/internal/lightning"
	"github.com/ganamos/backend/internal/lock"
	"github.com/ganamos/backend/internal/metrics"
	"github.com/ganamos/backend/internal/middleware"
	"github.com/ganamos/backend/internal/models"
	"github.com/ganamos/backend/pkg/logger"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier sends the user-facing withdrawal emails.
type Notifier interface {
	BitcoinSent(ctx context.Context, to, name string, amount int64, paymentHash string) error
	WithdrawalFailed(ctx context.Context, to, name string, amount int64) error
}

// Auditor records withdrawal state changes outside the transaction row.
type Auditor interface {
	LogWithdrawal(ctx context.Context, entry models.WithdrawalAuditEntry)
}

// WithdrawResponse is the body of every withdrawal and approval response.
type WithdrawResponse struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	Details       string `json:"details,omitempty"`
	PaymentHash   string `json:"paymentHash,omitempty"`
	NewBalance    *int64 `json:"newBalance,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	Status        string `json:"status,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

type WithdrawRequest struct {
	PaymentRequest string `json:"paymentRequest" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
}

type WithdrawalService struct {
	ledger    *LedgerService
	gateway   lightning.Gateway
	notifier  Notifier
	audit     Auditor
	redis     *redis.Client
	policy    *config.WithdrawalPolicy
	validator *ValidationHelper
	newID     func() string
}

func NewWithdrawalService(ledger *LedgerService, gateway lightning.Gateway, notifier Notifier, audit Auditor, redisClient *redis.Client, policy *config.WithdrawalPolicy) *WithdrawalService {
	return &WithdrawalService{
		ledger:    ledger,
		gateway:   gateway,
		notifier:  notifier,
		audit:     audit,
		redis:     redisClient,
		policy:    policy,
		validator: NewValidationHelper(),
		newID:     uuid.NewString,
	}
}

func sendWithdrawError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, WithdrawResponse{Success: false, Error: message, Details: details})
}

// Withdraw pays a Lightning invoice from the caller's balance
// @Summary Withdraw to a Lightning invoice
// @Description Pays a BOLT11 invoice from the user's sats balance. Large withdrawals are held for admin approval.
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body WithdrawRequest true "Withdrawal request"
// @Success 200 {object} WithdrawResponse
// @Failure 400 {object} WithdrawResponse
// @Failure 401 {object} WithdrawResponse
// @Failure 404 {object} WithdrawResponse
// @Failure 409 {object} WithdrawResponse
// @Failure 500 {object} WithdrawResponse
// @Failure 503 {object} WithdrawResponse
// @Failure 504 {object} WithdrawResponse
// @Router /wallet/withdraw [post]
func (s *WithdrawalService) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		sendWithdrawError(w, http.StatusUnauthorized, "Unauthorized", "")
		return
	}

	var req WithdrawRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		logger.Info("[WITHDRAW] invalid request body", zap.String("user_id", userID), zap.Error(err))
		sendWithdrawError(w, http.StatusBadRequest, "Invalid request", "")
		return
	}
	req.PaymentRequest = strings.TrimSpace(req.PaymentRequest)
	if err := s.validator.ValidateStruct(&req); err != nil {
		sendWithdrawError(w, http.StatusBadRequest, "Invalid request", "paymentRequest and a positive amount are required")
		return
	}
	if s.policy.MaxAmount > 0 && req.Amount > s.policy.MaxAmount {
		sendWithdrawError(w, http.StatusBadRequest, "Invalid request", fmt.Sprintf("amount exceeds maximum of %d sats", s.policy.MaxAmount))
		return
	}
	if err := lightning.ValidatePaymentRequest(req.PaymentRequest, req.Amount); err != nil {
		sendWithdrawError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	ctx := r.Context()
	release, err := s.lockUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrWithdrawalInProgress) {
			sendWithdrawError(w, http.StatusConflict, ErrWithdrawalInProgress.Error(), "")
			return
		}
		logger.Error("[WITHDRAW] failed to acquire withdrawal lock", zap.String("user_id", userID), zap.Error(err))
		sendWithdrawError(w, http.StatusServiceUnavailable, "Withdrawals temporarily unavailable", "")
		return
	}
	defer release()

	profile, err := s.ledger.GetProfile(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		sendWithdrawError(w, http.StatusNotFound, "Profile not found", "")
		return
	}
	if err != nil {
		logger.Error("[WITHDRAW] failed to load profile", zap.String("user_id", userID), zap.Error(err))
		sendWithdrawError(w, http.StatusInternalServerError, "Failed to fetch profile", "")
		return
	}

	if profile.Balance < req.Amount {
		metrics.WithdrawalsTotal.WithLabelValues("insufficient_balance").Inc()
		sendWithdrawError(w, http.StatusBadRequest, "Insufficient balance", "")
		return
	}

	needsApproval := profile.RequiresApproval ||
		(s.policy.ApprovalThreshold > 0 && req.Amount > s.policy.ApprovalThreshold)

	status := models.TransactionStatusPending
	if needsApproval {
		status = models.TransactionStatusPendingApproval
	}

	txID, err := s.ledger.CreateWithdrawal(ctx, NewWithdrawal{
		UserID:           userID,
		Amount:           req.Amount,
		PaymentRequest:   req.PaymentRequest,
		Memo:             fmt.Sprintf("Withdrawal of %d sats", req.Amount),
		Status:           status,
		RequiresApproval: needsApproval,
		IPAddress:        clientIP(r),
		UserAgent:        r.UserAgent(),
	})
	if err != nil {
		logger.Error("[WITHDRAW] failed to create transaction", zap.String("user_id", userID), zap.Error(err))
		sendWithdrawError(w, http.StatusInternalServerError, "Failed to create transaction", "")
		return
	}

	tx := &models.Transaction{
		ID:             txID,
		UserID:         userID,
		Type:           models.TransactionTypeWithdrawal,
		Amount:         req.Amount,
		Status:         status,
		PaymentRequest: req.PaymentRequest,
	}

	if needsApproval {
		s.audit.LogWithdrawal(ctx, models.WithdrawalAuditEntry{
			TransactionID: txID,
			UserID:        userID,
			Action:        models.AuditActionRequested,
			Actor:         userID,
			Amount:        req.Amount,
		})
		metrics.WithdrawalsTotal.WithLabelValues("pending_approval").Inc()
		logger.Info("[WITHDRAW] held for approval", zap.String("transaction_id", txID), zap.Int64("amount", req.Amount))

		writeJSON(w, http.StatusOK, WithdrawResponse{
			Success:       true,
			Status:        models.TransactionStatusPendingApproval,
			TransactionID: txID,
			Amount:        req.Amount,
		})
		return
	}

	code, resp := s.settle(ctx, tx, profile, false)
	writeJSON(w, code, resp)
}

// settle pays tx over Lightning and finalizes the ledger. tx must be in
// pending. When notifyFailure is set the user is emailed about a failed
// payment; direct requests see the failure in the response instead.
//
// No deadline is added on top of the request context. If the call ends
// without a verdict from the node the row is left pending for
// reconciliation, since LND may still complete the payment.
func (s *WithdrawalService) settle(ctx context.Context, tx *models.Transaction, profile *models.Profile, notifyFailure bool) (int, WithdrawResponse) {
	start := time.Now()
	result, err := s.gateway.PayInvoice(ctx, tx.PaymentRequest, tx.Amount)
	metrics.GatewayDuration.Observe(time.Since(start).Seconds())

	if err != nil && paymentOutcomeUnknown(err) {
		return s.leavePending(ctx, tx, err)
	}

	if err == nil && (result == nil || !result.Success) {
		msg := "payment failed"
		if result != nil && result.Error != "" {
			msg = result.Error
		}
		err = errors.New(msg)
	}

	if err != nil {
		logger.Warn("[WITHDRAW] lightning payment failed",
			zap.String("transaction_id", tx.ID),
			zap.String("user_id", tx.UserID),
			zap.Error(err),
		)
		// Use a fresh context so a cancelled request still records the failure.
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if markErr := s.ledger.MarkFailed(failCtx, tx, err.Error()); markErr != nil {
			logger.Error("[WITHDRAW] failed to mark transaction failed",
				zap.String("transaction_id", tx.ID), zap.Error(markErr))
		}
		s.audit.LogWithdrawal(failCtx, models.WithdrawalAuditEntry{
			TransactionID: tx.ID,
			UserID:        tx.UserID,
			Action:        models.AuditActionFailed,
			Actor:         "system",
			Amount:        tx.Amount,
			Reason:        err.Error(),
		})
		metrics.WithdrawalsTotal.WithLabelValues("failed").Inc()
		if notifyFailure {
			s.notifyFailed(failCtx, profile, tx.Amount)
		}
		return http.StatusInternalServerError, WithdrawResponse{
			Success: false,
			Error:   "Failed to pay invoice",
			Details: err.Error(),
		}
	}

	// Funds have left the node; finish the ledger even if the client went away.
	doneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	newBalance, err := s.ledger.CompleteWithdrawal(doneCtx, tx, result.PaymentHash)
	if err != nil {
		logger.Error("[WITHDRAW] payment sent but ledger update failed, reconcile manually",
			zap.String("transaction_id", tx.ID),
			zap.String("user_id", tx.UserID),
			zap.String("payment_hash", result.PaymentHash),
			zap.Int64("amount", tx.Amount),
			zap.Error(err),
		)
		return http.StatusInternalServerError, WithdrawResponse{
			Success:     false,
			Error:       "Failed to update balance",
			PaymentHash: result.PaymentHash,
		}
	}

	s.audit.LogWithdrawal(doneCtx, models.WithdrawalAuditEntry{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Action:        models.AuditActionCompleted,
		Actor:         "system",
		Amount:        tx.Amount,
	})
	metrics.WithdrawalsTotal.WithLabelValues("completed").Inc()
	metrics.WithdrawnSatsTotal.Add(float64(tx.Amount))

	if err := s.notifier.BitcoinSent(doneCtx, profile.Email, profile.Name, tx.Amount, result.PaymentHash); err != nil {
		metrics.NotificationFailuresTotal.WithLabelValues("bitcoin_sent").Inc()
		logger.Warn("[WITHDRAW] failed to send bitcoin sent email",
			zap.String("transaction_id", tx.ID), zap.Error(err))
	}

	logger.Info("[WITHDRAW] withdrawal completed",
		zap.String("transaction_id", tx.ID),
		zap.String("user_id", tx.UserID),
		zap.Int64("amount", tx.Amount),
		zap.Int64("new_balance", newBalance),
	)

	return http.StatusOK, WithdrawResponse{
		Success:     true,
		PaymentHash: result.PaymentHash,
		NewBalance:  &newBalance,
		Amount:      tx.Amount,
	}
}

// paymentOutcomeUnknown reports whether err leaves it open whether the
// node paid the invoice.
func paymentOutcomeUnknown(err error) bool {
	return errors.Is(err, lightning.ErrPaymentUnknown) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// leavePending answers a payment with no verdict. The row is neither
// failed nor debited and the balance is untouched; the stale withdrawal
// audit picks it up.
func (s *WithdrawalService) leavePending(ctx context.Context, tx *models.Transaction, err error) (int, WithdrawResponse) {
	logger.Error("[WITHDRAW] lightning payment outcome unknown, left pending for reconciliation",
		zap.String("transaction_id", tx.ID),
		zap.String("user_id", tx.UserID),
		zap.Int64("amount", tx.Amount),
		zap.Error(err),
	)
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.audit.LogWithdrawal(auditCtx, models.WithdrawalAuditEntry{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Action:        models.AuditActionUnknown,
		Actor:         "system",
		Amount:        tx.Amount,
		Reason:        err.Error(),
	})
	metrics.WithdrawalsTotal.WithLabelValues("unknown").Inc()
	return http.StatusGatewayTimeout, WithdrawResponse{
		Success:       false,
		Error:         "Payment status unknown",
		Details:       "The payment may still complete. Do not retry; the withdrawal stays pending until it is reconciled.",
		Status:        models.TransactionStatusPending,
		TransactionID: tx.ID,
	}
}

func (s *WithdrawalService) notifyFailed(ctx context.Context, profile *models.Profile, amount int64) {
	if profile == nil {
		return
	}
	if err := s.notifier.WithdrawalFailed(ctx, profile.Email, profile.Name, amount); err != nil {
		metrics.NotificationFailuresTotal.WithLabelValues("withdrawal_failed").Inc()
		logger.Warn("[WITHDRAW] failed to send withdrawal failed email",
			zap.String("user_id", profile.ID), zap.Error(err))
	}
}

// lockUser takes the per-user withdrawal lock. Without Redis no lock is
// taken.
func (s *WithdrawalService) lockUser(ctx context.Context, userID string) (func(), error) {
	if s.redis == nil {
		return func() {}, nil
	}

	l := lock.NewWithdrawLock(s.redis, userID, s.newID(), s.policy.LockTTL)
	if err := l.Acquire(ctx); err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			return nil, ErrWithdrawalInProgress
		}
		return nil, err
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Unlock(unlockCtx); err != nil {
			logger.Warn("[WITHDRAW] failed to release lock", zap.String("key", l.Key()), zap.Error(err))
		}
	}, nil
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

// ListMyTransactions returns the caller's transactions
// @Summary List wallet transactions
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param status query string false "Filter by status"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} object{success=bool,transactions=[]models.Transaction}
// @Failure 401 {object} ErrorResponse
// @Router /wallet/transactions [get]
func (s *WithdrawalService) ListMyTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	filter := transactionFilterFromQuery(r)
	filter.UserID = userID

	txs, err := s.ledger.ListTransactions(r.Context(), filter)
	if err != nil {
		logger.Error("[WALLET] failed to list transactions", zap.String("user_id", userID), zap.Error(err))
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"transactions": txs,
	})
}
