package services

import (
	"context"
	"net/http"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ganamos/backend/internal/lightning"
	"github.com/ganamos/backend/internal/middleware"
	"github.com/ganamos/backend/internal/models"
	"github.com/stretchr/testify/mock"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) PayInvoice(ctx context.Context, paymentRequest string, amount int64) (*lightning.PaymentResult, error) {
	args := m.Called(paymentRequest, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*lightning.PaymentResult), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) BitcoinSent(ctx context.Context, to, name string, amount int64, paymentHash string) error {
	return m.Called(to, name, amount, paymentHash).Error(0)
}

func (m *MockNotifier) WithdrawalFailed(ctx context.Context, to, name string, amount int64) error {
	return m.Called(to, name, amount).Error(0)
}

type MockAuditor struct {
	mock.Mock
}

func (m *MockAuditor) LogWithdrawal(ctx context.Context, entry models.WithdrawalAuditEntry) {
	m.Called(entry.Action, entry.TransactionID, entry.Reason)
}

// sequentialIDs returns a generator yielding the given ids in order.
func sequentialIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func withUser(r *http.Request, userID, email string) *http.Request {
	return r.WithContext(middleware.WithUser(r.Context(), userID, email))
}

var profileColumns = []string{"id", "email", "name", "username", "balance", "status", "requires_approval", "created_at", "updated_at"}

func profileRow(id, email string, balance int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(profileColumns).
		AddRow(id, email, "Alice", "alice", balance, models.ProfileStatusActive, false, now, now)
}

var transactionColumnNames = []string{
	"id", "user_id", "type", "amount", "status",
	"payment_request", "payment_hash", "memo",
	"requires_approval", "approved_by", "approved_at",
	"rejected_by", "rejected_at", "rejection_reason",
	"ip_address", "user_agent", "created_at", "updated_at",
}

func transactionRow(id, userID, txType, status string, amount int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(transactionColumnNames).
		AddRow(id, userID, txType, amount, status,
			testInvoice, "", "Withdrawal of 1000 sats",
			status == models.TransactionStatusPendingApproval, "", nil,
			"", nil, "",
			"127.0.0.1", "test", now, now)
}

// lnbc10u: a mainnet invoice for 1000 sats.
const testInvoice = "lnbc10u1pjq8z5spp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypq"

// Mainnet invoice without an encoded amount.
const testInvoiceNoAmount = "lnbc1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypq"
