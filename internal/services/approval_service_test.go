package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ganamos/backend/internal/lightning"
	"github.com/ganamos/backend/internal/middleware"
	"github.com/ganamos/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func approvalRequest(t *testing.T, body any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/api/admin/withdrawals/approve", bytes.NewReader(payload))
	return withUser(r, "admin-1", "admin@example.com")
}

func expectHeldTransaction(m sqlmock.Sqlmock, status string, amount int64) {
	m.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1").
		WithArgs("tx-9").
		WillReturnRows(transactionRow("tx-9", "user-1", models.TransactionTypeWithdrawal, status, amount))
}

func TestApprovalService_Reject(t *testing.T) {
	t.Run("defaults the rejection reason", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		expectHeldTransaction(f.db, models.TransactionStatusPendingApproval, 1000)
		f.db.ExpectBegin()
		f.db.ExpectExec("UPDATE transactions SET status = \\$1, rejected_by = \\$2").
			WithArgs(models.TransactionStatusRejected, "admin@example.com", "Rejected by admin",
				"tx-9", models.TransactionStatusPendingApproval, models.TransactionTypeWithdrawal).
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.db.ExpectExec("INSERT INTO outbox_messages").
			WithArgs("tx-9", "ganamos.withdrawal.rejected", sqlmock.AnyArg(), models.OutboxStatusPending).
			WillReturnResult(sqlmock.NewResult(1, 1))
		f.db.ExpectCommit()
		f.db.ExpectQuery("SELECT (.+) FROM profiles WHERE id = \\$1").
			WithArgs("user-1").
			WillReturnRows(profileRow("user-1", "alice@example.com", 5000))
		f.auditor.On("LogWithdrawal", models.AuditActionRejected, "tx-9", "Rejected by admin").Return()
		f.notifier.On("WithdrawalFailed", "alice@example.com", "Alice", int64(1000)).Return(nil)

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "reject"}))

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decodeWithdrawResponse(t, w)
		assert.True(t, resp.Success)
		assert.Equal(t, models.TransactionStatusRejected, resp.Status)
		assert.Equal(t, "tx-9", resp.TransactionID)

		assert.NoError(t, f.db.ExpectationsWereMet())
		f.auditor.AssertExpectations(t)
		f.notifier.AssertExpectations(t)
		f.gateway.AssertNotCalled(t, "PayInvoice", mock.Anything, mock.Anything)
	})

	t.Run("email failure does not change response", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		expectHeldTransaction(f.db, models.TransactionStatusPendingApproval, 1000)
		f.db.ExpectBegin()
		f.db.ExpectExec("UPDATE transactions SET status = \\$1, rejected_by = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.db.ExpectExec("INSERT INTO outbox_messages").
			WillReturnResult(sqlmock.NewResult(1, 1))
		f.db.ExpectCommit()
		f.db.ExpectQuery("SELECT (.+) FROM profiles WHERE id = \\$1").
			WillReturnRows(profileRow("user-1", "alice@example.com", 5000))
		f.auditor.On("LogWithdrawal", models.AuditActionRejected, "tx-9", "over limit").Return()
		f.notifier.On("WithdrawalFailed", "alice@example.com", "Alice", int64(1000)).
			Return(errors.New("smtp: 421 service not available"))

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{
			"transactionId": "tx-9", "action": "reject", "rejectionReason": "over limit",
		}))

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decodeWithdrawResponse(t, w)
		assert.True(t, resp.Success)
		assert.Equal(t, models.TransactionStatusRejected, resp.Status)
		assert.NoError(t, f.db.ExpectationsWereMet())
		f.notifier.AssertExpectations(t)
	})

	t.Run("lost race to another admin", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		expectHeldTransaction(f.db, models.TransactionStatusPendingApproval, 1000)
		f.db.ExpectBegin()
		f.db.ExpectExec("UPDATE transactions SET status = \\$1, rejected_by = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 0))
		f.db.ExpectRollback()

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{
			"transactionId": "tx-9", "action": "reject", "rejectionReason": "suspicious",
		}))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Transaction not found or already processed", decodeWithdrawResponse(t, w).Error)
		assert.NoError(t, f.db.ExpectationsWereMet())
	})
}

func TestApprovalService_Approve(t *testing.T) {
	t.Run("approved withdrawal is paid", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		expectHeldTransaction(f.db, models.TransactionStatusPendingApproval, 1000)
		f.db.ExpectQuery("SELECT (.+) FROM profiles WHERE id = \\$1").
			WithArgs("user-1").
			WillReturnRows(profileRow("user-1", "alice@example.com", 500000))
		f.db.ExpectExec("UPDATE transactions SET status = \\$1, approved_by = \\$2").
			WithArgs(models.TransactionStatusPending, "admin@example.com", "tx-9",
				models.TransactionStatusPendingApproval, models.TransactionTypeWithdrawal).
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.gateway.On("PayInvoice", testInvoice, int64(1000)).
			Return(&lightning.PaymentResult{Success: true, PaymentHash: "abc123"}, nil)
		expectCompleteWithdrawal(f.db, "tx-9", "user-1", 1000, "abc123", 499000)
		f.auditor.On("LogWithdrawal", models.AuditActionApproved, "tx-9", "").Return()
		f.auditor.On("LogWithdrawal", models.AuditActionCompleted, "tx-9", "").Return()
		f.notifier.On("BitcoinSent", "alice@example.com", "Alice", int64(1000), "abc123").Return(nil)

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "approve"}))

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decodeWithdrawResponse(t, w)
		assert.True(t, resp.Success)
		assert.Equal(t, "abc123", resp.PaymentHash)
		require.NotNil(t, resp.NewBalance)
		assert.Equal(t, int64(499000), *resp.NewBalance)

		assert.NoError(t, f.db.ExpectationsWereMet())
		f.auditor.AssertExpectations(t)
		f.notifier.AssertExpectations(t)
	})

	t.Run("insufficient balance at approval fails the withdrawal", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		expectHeldTransaction(f.db, models.TransactionStatusPendingApproval, 1000)
		f.db.ExpectQuery("SELECT (.+) FROM profiles").
			WillReturnRows(profileRow("user-1", "alice@example.com", 10))
		f.db.ExpectBegin()
		f.db.ExpectExec("UPDATE transactions SET status = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2 AND status IN").
			WithArgs(models.TransactionStatusFailed, "tx-9",
				models.TransactionStatusPending, models.TransactionStatusPendingApproval).
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.db.ExpectExec("INSERT INTO outbox_messages").
			WillReturnResult(sqlmock.NewResult(1, 1))
		f.db.ExpectCommit()
		f.auditor.On("LogWithdrawal", models.AuditActionFailed, "tx-9", "Insufficient balance at approval").Return()

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "approve"}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Insufficient balance", decodeWithdrawResponse(t, w).Error)
		assert.NoError(t, f.db.ExpectationsWereMet())
		f.gateway.AssertNotCalled(t, "PayInvoice", mock.Anything, mock.Anything)
	})

	t.Run("gateway failure emails the user", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		expectHeldTransaction(f.db, models.TransactionStatusPendingApproval, 1000)
		f.db.ExpectQuery("SELECT (.+) FROM profiles").
			WillReturnRows(profileRow("user-1", "alice@example.com", 500000))
		f.db.ExpectExec("UPDATE transactions SET status = \\$1, approved_by = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.gateway.On("PayInvoice", testInvoice, int64(1000)).
			Return(&lightning.PaymentResult{Success: false, Error: "no route"}, nil)
		expectMarkFailed(f.db, "tx-9")
		f.auditor.On("LogWithdrawal", models.AuditActionApproved, "tx-9", "").Return()
		f.auditor.On("LogWithdrawal", models.AuditActionFailed, "tx-9", "no route").Return()
		f.notifier.On("WithdrawalFailed", "alice@example.com", "Alice", int64(1000)).Return(nil)

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "approve"}))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decodeWithdrawResponse(t, w)
		assert.Equal(t, "Failed to pay invoice", resp.Error)
		assert.Equal(t, "no route", resp.Details)
		assert.NoError(t, f.db.ExpectationsWereMet())
		f.notifier.AssertExpectations(t)
	})

	t.Run("email failure after payment still succeeds", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		expectHeldTransaction(f.db, models.TransactionStatusPendingApproval, 1000)
		f.db.ExpectQuery("SELECT (.+) FROM profiles").
			WillReturnRows(profileRow("user-1", "alice@example.com", 500000))
		f.db.ExpectExec("UPDATE transactions SET status = \\$1, approved_by = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.gateway.On("PayInvoice", testInvoice, int64(1000)).
			Return(&lightning.PaymentResult{Success: true, PaymentHash: "abc123"}, nil)
		expectCompleteWithdrawal(f.db, "tx-9", "user-1", 1000, "abc123", 499000)
		f.auditor.On("LogWithdrawal", models.AuditActionApproved, "tx-9", "").Return()
		f.auditor.On("LogWithdrawal", models.AuditActionCompleted, "tx-9", "").Return()
		f.notifier.On("BitcoinSent", "alice@example.com", "Alice", int64(1000), "abc123").
			Return(errors.New("smtp: 421 service not available"))

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "approve"}))

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decodeWithdrawResponse(t, w)
		assert.True(t, resp.Success)
		assert.Equal(t, "abc123", resp.PaymentHash)
		assert.NoError(t, f.db.ExpectationsWereMet())
		f.notifier.AssertExpectations(t)
	})

	t.Run("email failure after gateway failure keeps the error", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		expectHeldTransaction(f.db, models.TransactionStatusPendingApproval, 1000)
		f.db.ExpectQuery("SELECT (.+) FROM profiles").
			WillReturnRows(profileRow("user-1", "alice@example.com", 500000))
		f.db.ExpectExec("UPDATE transactions SET status = \\$1, approved_by = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.gateway.On("PayInvoice", testInvoice, int64(1000)).
			Return(&lightning.PaymentResult{Success: false, Error: "no route"}, nil)
		expectMarkFailed(f.db, "tx-9")
		f.auditor.On("LogWithdrawal", models.AuditActionApproved, "tx-9", "").Return()
		f.auditor.On("LogWithdrawal", models.AuditActionFailed, "tx-9", "no route").Return()
		f.notifier.On("WithdrawalFailed", "alice@example.com", "Alice", int64(1000)).
			Return(errors.New("smtp: 421 service not available"))

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "approve"}))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "Failed to pay invoice", decodeWithdrawResponse(t, w).Error)
		assert.NoError(t, f.db.ExpectationsWereMet())
		f.notifier.AssertExpectations(t)
	})

	t.Run("unknown payment outcome after approval stays pending", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		expectHeldTransaction(f.db, models.TransactionStatusPendingApproval, 1000)
		f.db.ExpectQuery("SELECT (.+) FROM profiles").
			WillReturnRows(profileRow("user-1", "alice@example.com", 500000))
		f.db.ExpectExec("UPDATE transactions SET status = \\$1, approved_by = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.gateway.On("PayInvoice", testInvoice, int64(1000)).
			Return(nil, fmt.Errorf("read lnd response: %w: unexpected EOF", lightning.ErrPaymentUnknown))
		f.auditor.On("LogWithdrawal", models.AuditActionApproved, "tx-9", "").Return()
		f.auditor.On("LogWithdrawal", models.AuditActionUnknown, "tx-9", mock.Anything).Return()

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "approve"}))

		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		resp := decodeWithdrawResponse(t, w)
		assert.Equal(t, models.TransactionStatusPending, resp.Status)
		assert.Equal(t, "tx-9", resp.TransactionID)
		assert.NoError(t, f.db.ExpectationsWereMet())
		f.notifier.AssertNotCalled(t, "WithdrawalFailed", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ledger error while failing an underfunded approval", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		expectHeldTransaction(f.db, models.TransactionStatusPendingApproval, 1000)
		f.db.ExpectQuery("SELECT (.+) FROM profiles").
			WillReturnRows(profileRow("user-1", "alice@example.com", 10))
		f.db.ExpectBegin()
		f.db.ExpectExec("UPDATE transactions SET status = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2 AND status IN").
			WillReturnError(errors.New("pq: connection reset by peer"))
		f.db.ExpectRollback()

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "approve"}))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "Failed to update transaction", decodeWithdrawResponse(t, w).Error)
		assert.NoError(t, f.db.ExpectationsWereMet())
		f.auditor.AssertNotCalled(t, "LogWithdrawal", mock.Anything, mock.Anything, mock.Anything)
		f.gateway.AssertNotCalled(t, "PayInvoice", mock.Anything, mock.Anything)
	})

	t.Run("double approval is refused", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		expectHeldTransaction(f.db, models.TransactionStatusPendingApproval, 1000)
		f.db.ExpectQuery("SELECT (.+) FROM profiles").
			WillReturnRows(profileRow("user-1", "alice@example.com", 500000))
		f.db.ExpectExec("UPDATE transactions SET status = \\$1, approved_by = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 0))

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "approve"}))

		assert.Equal(t, http.StatusNotFound, w.Code)
		f.gateway.AssertNotCalled(t, "PayInvoice", mock.Anything, mock.Anything)
		assert.NoError(t, f.db.ExpectationsWereMet())
	})
}

func TestApprovalService_NotReviewable(t *testing.T) {
	statuses := []string{
		models.TransactionStatusPending,
		models.TransactionStatusCompleted,
		models.TransactionStatusFailed,
		models.TransactionStatusRejected,
	}
	for _, status := range statuses {
		t.Run(status, func(t *testing.T) {
			f := newWithdrawalFixture(t)
			svc := NewApprovalService(f.svc)

			expectHeldTransaction(f.db, status, 1000)

			w := httptest.NewRecorder()
			svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "approve"}))

			assert.Equal(t, http.StatusNotFound, w.Code)
			assert.Equal(t, "Transaction not found or already processed", decodeWithdrawResponse(t, w).Error)
			assert.NoError(t, f.db.ExpectationsWereMet())
		})
	}

	t.Run("unknown transaction", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		f.db.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1").
			WithArgs("tx-9").
			WillReturnError(sql.ErrNoRows)

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "reject"}))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid action", func(t *testing.T) {
		f := newWithdrawalFixture(t)
		svc := NewApprovalService(f.svc)

		w := httptest.NewRecorder()
		svc.ReviewWithdrawal(w, approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "pay"}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, f.db.ExpectationsWereMet())
	})
}

func TestApprovalService_AdminOnlyRoute(t *testing.T) {
	f := newWithdrawalFixture(t)
	svc := NewApprovalService(f.svc)

	router := chi.NewRouter()
	router.With(middleware.AdminOnly(f.svc.policy)).Post("/api/admin/withdrawals/approve", svc.ReviewWithdrawal)

	r := approvalRequest(t, map[string]any{"transactionId": "tx-9", "action": "approve"})
	r = withUser(r, "user-1", "alice@example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.NoError(t, f.db.ExpectationsWereMet())
}

func TestApprovalService_ListWithdrawals(t *testing.T) {
	f := newWithdrawalFixture(t)
	svc := NewApprovalService(f.svc)

	f.db.ExpectQuery("SELECT (.+) FROM transactions WHERE status = \\$1 AND type = \\$2 ORDER BY created_at DESC LIMIT \\$3 OFFSET \\$4").
		WithArgs(models.TransactionStatusPendingApproval, models.TransactionTypeWithdrawal, 50, 0).
		WillReturnRows(transactionRow("tx-9", "user-1", models.TransactionTypeWithdrawal, models.TransactionStatusPendingApproval, 250000))

	r := withUser(httptest.NewRequest(http.MethodGet, "/api/admin/withdrawals", nil), "admin-1", "admin@example.com")
	w := httptest.NewRecorder()
	svc.ListWithdrawals(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tx-9"`)
	assert.NoError(t, f.db.ExpectationsWereMet())
}
