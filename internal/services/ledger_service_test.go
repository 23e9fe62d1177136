package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ganamos/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, ids ...string) (*LedgerService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := NewLedgerService(db)
	if len(ids) > 0 {
		ledger.newID = sequentialIDs(ids...)
	}
	return ledger, mock
}

func TestLedgerService_DebitTx(t *testing.T) {
	ctx := context.Background()

	t.Run("successful debit", func(t *testing.T) {
		ledger, mock := newTestLedger(t, "tx-1", "act-1")

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE profiles SET balance = balance - \\$1, updated_at = NOW\\(\\) WHERE id = \\$2 AND balance >= \\$1").
			WithArgs(int64(500), "user-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(1500))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs("tx-1", "user-1", models.TransactionTypeInternal, int64(-500), models.TransactionStatusCompleted, "Reward escrow").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO activities").
			WithArgs("act-1", "user-1", models.TransactionTypeInternal, "tx-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		dbTx, err := ledger.db.BeginTx(ctx, nil)
		require.NoError(t, err)
		id, balance, err := ledger.DebitTx(ctx, dbTx, "user-1", 500, models.TransactionTypeInternal, "Reward escrow", "post-1")
		require.NoError(t, err)
		require.NoError(t, dbTx.Commit())

		assert.Equal(t, "tx-1", id)
		assert.Equal(t, int64(1500), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("never overdraws", func(t *testing.T) {
		ledger, mock := newTestLedger(t)

		mock.ExpectBegin()
		mock.ExpectQuery("UPDATE profiles SET balance = balance - \\$1").
			WithArgs(int64(5000), "user-1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}))
		mock.ExpectRollback()

		dbTx, err := ledger.db.BeginTx(ctx, nil)
		require.NoError(t, err)
		_, _, err = ledger.DebitTx(ctx, dbTx, "user-1", 5000, models.TransactionTypeInternal, "", "")
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		require.NoError(t, dbTx.Rollback())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_CreditTx(t *testing.T) {
	ctx := context.Background()
	ledger, mock := newTestLedger(t, "tx-2", "act-2")

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE profiles SET balance = balance \\+ \\$1").
		WithArgs(int64(500), "user-2").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(700))
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs("tx-2", "user-2", models.TransactionTypeReward, int64(500), models.TransactionStatusCompleted, "Fix reward").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO activities").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	dbTx, err := ledger.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	id, balance, err := ledger.CreditTx(ctx, dbTx, "user-2", 500, models.TransactionTypeReward, "Fix reward", "post-1")
	require.NoError(t, err)
	require.NoError(t, dbTx.Commit())

	assert.Equal(t, "tx-2", id)
	assert.Equal(t, int64(700), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_CompleteWithdrawal(t *testing.T) {
	ctx := context.Background()
	tx := &models.Transaction{ID: "tx-1", UserID: "user-1", Type: models.TransactionTypeWithdrawal, Amount: 1000}

	t.Run("commits status, debit and event together", func(t *testing.T) {
		ledger, mock := newTestLedger(t, "act-1")
		expectCompleteWithdrawal(mock, "tx-1", "user-1", 1000, "abc123", 99000)

		balance, err := ledger.CompleteWithdrawal(ctx, tx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, int64(99000), balance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already finalized rolls back", func(t *testing.T) {
		ledger, mock := newTestLedger(t, "act-1")

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE transactions SET status = \\$1, payment_hash = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := ledger.CompleteWithdrawal(ctx, tx, "abc123")
		assert.ErrorIs(t, err, ErrNotFoundOrProcessed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("debit failure rolls back", func(t *testing.T) {
		ledger, mock := newTestLedger(t, "act-1")

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE transactions SET status = \\$1, payment_hash = \\$2").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("UPDATE profiles SET balance = balance - \\$1").
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		_, err := ledger.CompleteWithdrawal(ctx, tx, "abc123")
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_GetTransaction(t *testing.T) {
	ledger, mock := newTestLedger(t)

	mock.ExpectQuery("SELECT (.+) FROM transactions WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := ledger.GetTransaction(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestLedgerService_ListTransactions(t *testing.T) {
	ledger, mock := newTestLedger(t)

	mock.ExpectQuery("SELECT (.+) FROM transactions WHERE type = \\$1 AND \\(id::text ILIKE \\$2 OR user_id::text ILIKE \\$2 OR payment_request ILIKE \\$2 OR memo ILIKE \\$2\\) ORDER BY created_at DESC LIMIT \\$3 OFFSET \\$4").
		WithArgs(models.TransactionTypeWithdrawal, "%alice%", 50, 10).
		WillReturnRows(sqlmock.NewRows(transactionColumnNames))

	txs, err := ledger.ListTransactions(context.Background(), models.TransactionFilter{
		Type:   models.TransactionTypeWithdrawal,
		Search: "alice",
		Limit:  500,
		Offset: 10,
	})
	require.NoError(t, err)
	assert.NotNil(t, txs)
	assert.Empty(t, txs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_AuditBalances(t *testing.T) {
	ledger, mock := newTestLedger(t)

	mock.ExpectQuery("SELECT p.id, p.email, p.balance").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "balance", "calculated"}).
			AddRow("user-1", "alice@example.com", 5000, 4000))

	out, err := ledger.AuditBalances(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1000), out[0].Difference)
	assert.Equal(t, int64(4000), out[0].CalculatedTotal)
}

func TestLedgerService_StalePendingWithdrawals(t *testing.T) {
	ledger, mock := newTestLedger(t)

	mock.ExpectQuery("SELECT (.+) FROM transactions WHERE type = \\$1 AND status = \\$2 AND updated_at < \\$3").
		WithArgs(models.TransactionTypeWithdrawal, models.TransactionStatusPending, sqlmock.AnyArg()).
		WillReturnRows(transactionRow("tx-1", "user-1", models.TransactionTypeWithdrawal, models.TransactionStatusPending, 1000))

	txs, err := ledger.StalePendingWithdrawals(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "tx-1", txs[0].ID)
}

func TestLedgerService_SetBalance(t *testing.T) {
	ledger, mock := newTestLedger(t)

	mock.ExpectExec("UPDATE profiles SET balance = \\$1, updated_at = NOW\\(\\) WHERE id = \\$2").
		WithArgs(int64(4000), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ledger.SetBalance(context.Background(), "ghost", 4000)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}
