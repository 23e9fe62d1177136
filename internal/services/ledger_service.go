package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ganamos/backend/internal/events"
	"github.com/ganamos/backend/internal/models"
	"github.com/ganamos/backend/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LedgerService owns profile balances and the transactions table. Every
// method re-reads from Postgres; nothing is cached in process.
type LedgerService struct {
	db    *sql.DB
	newID func() string
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db, newID: uuid.NewString}
}

// NewWithdrawal describes a withdrawal row to insert.
type NewWithdrawal struct {
	UserID           string
	Amount           int64
	PaymentRequest   string
	Memo             string
	Status           string
	RequiresApproval bool
	IPAddress        string
	UserAgent        string
}

const transactionColumns = `id, user_id, type, amount, status,
	COALESCE(payment_request, ''), COALESCE(payment_hash, ''), COALESCE(memo, ''),
	requires_approval, COALESCE(approved_by, ''), approved_at,
	COALESCE(rejected_by, ''), rejected_at, COALESCE(rejection_reason, ''),
	COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Status,
		&t.PaymentRequest, &t.PaymentHash, &t.Memo,
		&t.RequiresApproval, &t.ApprovedBy, &t.ApprovedAt,
		&t.RejectedBy, &t.RejectedAt, &t.RejectionReason,
		&t.IPAddress, &t.UserAgent, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *LedgerService) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	p := &models.Profile{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, COALESCE(username, ''), balance, status, requires_approval, created_at, updated_at
		FROM profiles WHERE id = $1`, userID).
		Scan(&p.ID, &p.Email, &p.Name, &p.Username, &p.Balance, &p.Status, &p.RequiresApproval, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// CreateWithdrawal inserts a pending or pending_approval withdrawal and
// returns its id.
func (s *LedgerService) CreateWithdrawal(ctx context.Context, w NewWithdrawal) (string, error) {
	id := s.newID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions
			(id, user_id, type, amount, status, payment_request, memo, requires_approval, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, w.UserID, models.TransactionTypeWithdrawal, w.Amount, w.Status,
		w.PaymentRequest, w.Memo, w.RequiresApproval, w.IPAddress, w.UserAgent)
	if err != nil {
		return "", fmt.Errorf("create withdrawal: %w", err)
	}
	return id, nil
}

func (s *LedgerService) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// MarkApproved moves a pending_approval withdrawal to pending and stamps
// the approver. Only one caller can win this update.
func (s *LedgerService) MarkApproved(ctx context.Context, id, actor string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, approved_by = $2, approved_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4 AND type = $5`,
		models.TransactionStatusPending, actor, id,
		models.TransactionStatusPendingApproval, models.TransactionTypeWithdrawal)
	if err != nil {
		return fmt.Errorf("approve transaction: %w", err)
	}
	return requireOneRow(res, ErrNotFoundOrProcessed)
}

// MarkRejected finalizes a pending_approval withdrawal as rejected.
func (s *LedgerService) MarkRejected(ctx context.Context, t *models.Transaction, actor, reason string) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback()

	res, err := dbTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, rejected_by = $2, rejected_at = NOW(), rejection_reason = $3, updated_at = NOW()
		WHERE id = $4 AND status = $5 AND type = $6`,
		models.TransactionStatusRejected, actor, reason, t.ID,
		models.TransactionStatusPendingApproval, models.TransactionTypeWithdrawal)
	if err != nil {
		return fmt.Errorf("reject transaction: %w", err)
	}
	if err := requireOneRow(res, ErrNotFoundOrProcessed); err != nil {
		return err
	}

	if err := events.WriteOutbox(ctx, dbTx, events.TopicWithdrawalRejected, t.ID, events.WithdrawalEvent{
		TransactionID: t.ID,
		UserID:        t.UserID,
		Amount:        t.Amount,
		Status:        models.TransactionStatusRejected,
		Reason:        reason,
		OccurredAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}

	return dbTx.Commit()
}

// MarkFailed finalizes a withdrawal that was never paid. The balance is
// not touched.
func (s *LedgerService) MarkFailed(ctx context.Context, t *models.Transaction, reason string) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback()

	res, err := dbTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)`,
		models.TransactionStatusFailed, t.ID,
		models.TransactionStatusPending, models.TransactionStatusPendingApproval)
	if err != nil {
		return fmt.Errorf("fail transaction: %w", err)
	}
	if err := requireOneRow(res, ErrNotFoundOrProcessed); err != nil {
		return err
	}

	if err := events.WriteOutbox(ctx, dbTx, events.TopicWithdrawalFailed, t.ID, events.WithdrawalEvent{
		TransactionID: t.ID,
		UserID:        t.UserID,
		Amount:        t.Amount,
		Status:        models.TransactionStatusFailed,
		Reason:        reason,
		OccurredAt:    time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}

	return dbTx.Commit()
}

// CompleteWithdrawal records a paid withdrawal: status and hash, balance
// debit, activity row and outbox event commit together. The debit is
// unconditional because the payment has already left the node.
func (s *LedgerService) CompleteWithdrawal(ctx context.Context, t *models.Transaction, paymentHash string) (int64, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer dbTx.Rollback()

	res, err := dbTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, payment_hash = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		models.TransactionStatusCompleted, paymentHash, t.ID, models.TransactionStatusPending)
	if err != nil {
		return 0, fmt.Errorf("complete transaction: %w", err)
	}
	if err := requireOneRow(res, ErrNotFoundOrProcessed); err != nil {
		return 0, err
	}

	var newBalance int64
	err = dbTx.QueryRowContext(ctx, `
		UPDATE profiles SET balance = balance - $1, updated_at = NOW()
		WHERE id = $2
		RETURNING balance`, t.Amount, t.UserID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrProfileNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}
	if newBalance < 0 {
		logger.Error("[LEDGER] balance went negative after paid withdrawal",
			zap.String("user_id", t.UserID),
			zap.String("transaction_id", t.ID),
			zap.Int64("balance", newBalance),
		)
	}

	if err := s.insertActivity(ctx, dbTx, t.UserID, models.TransactionTypeWithdrawal, t.ID, models.Metadata{
		"amount":      t.Amount,
		"paymentHash": paymentHash,
	}); err != nil {
		return 0, err
	}

	if err := events.WriteOutbox(ctx, dbTx, events.TopicWithdrawalCompleted, t.ID, events.WithdrawalEvent{
		TransactionID: t.ID,
		UserID:        t.UserID,
		Amount:        t.Amount,
		Status:        models.TransactionStatusCompleted,
		PaymentHash:   paymentHash,
		NewBalance:    &newBalance,
		OccurredAt:    time.Now().UTC(),
	}); err != nil {
		return 0, fmt.Errorf("write outbox: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return newBalance, nil
}

// DebitTx takes amount from the user's balance inside dbTx and records a
// completed transaction of the given type with a negative amount. It fails
// with ErrInsufficientBalance rather than overdrawing.
func (s *LedgerService) DebitTx(ctx context.Context, dbTx *sql.Tx, userID string, amount int64, txType, memo, relatedID string) (string, int64, error) {
	var newBalance int64
	err := dbTx.QueryRowContext(ctx, `
		UPDATE profiles SET balance = balance - $1, updated_at = NOW()
		WHERE id = $2 AND balance >= $1
		RETURNING balance`, amount, userID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrInsufficientBalance
	}
	if err != nil {
		return "", 0, fmt.Errorf("debit balance: %w", err)
	}

	id, err := s.insertCompleted(ctx, dbTx, userID, -amount, txType, memo, relatedID)
	if err != nil {
		return "", 0, err
	}
	return id, newBalance, nil
}

// CreditTx adds amount to the user's balance inside dbTx and records a
// completed transaction of the given type.
func (s *LedgerService) CreditTx(ctx context.Context, dbTx *sql.Tx, userID string, amount int64, txType, memo, relatedID string) (string, int64, error) {
	var newBalance int64
	err := dbTx.QueryRowContext(ctx, `
		UPDATE profiles SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING balance`, amount, userID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrProfileNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("credit balance: %w", err)
	}

	id, err := s.insertCompleted(ctx, dbTx, userID, amount, txType, memo, relatedID)
	if err != nil {
		return "", 0, err
	}
	return id, newBalance, nil
}

func (s *LedgerService) insertCompleted(ctx context.Context, dbTx *sql.Tx, userID string, amount int64, txType, memo, relatedID string) (string, error) {
	id := s.newID()
	_, err := dbTx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, status, memo)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, userID, txType, amount, models.TransactionStatusCompleted, memo)
	if err != nil {
		return "", fmt.Errorf("insert transaction: %w", err)
	}

	if err := s.insertActivity(ctx, dbTx, userID, txType, id, models.Metadata{
		"amount":    amount,
		"relatedId": relatedID,
	}); err != nil {
		return "", err
	}
	return id, nil
}

func (s *LedgerService) insertActivity(ctx context.Context, dbTx *sql.Tx, userID, activityType, relatedID string, meta models.Metadata) error {
	_, err := dbTx.ExecContext(ctx, `
		INSERT INTO activities (id, user_id, type, related_id, related_table, metadata, timestamp)
		VALUES ($1, $2, $3, $4, 'transactions', $5, NOW())`,
		s.newID(), userID, activityType, relatedID, meta)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListTransactions returns transactions newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, f models.TransactionFilter) ([]models.Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(id::text ILIKE $%d OR user_id::text ILIKE $%d OR payment_request ILIKE $%d OR memo ILIKE $%d)", n, n, n, n))
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	txs := []models.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

// AuditBalances reports profiles whose balance differs from the signed sum
// of their completed transactions.
func (s *LedgerService) AuditBalances(ctx context.Context) ([]models.BalanceDiscrepancy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.email, p.balance,
			COALESCE(SUM(CASE WHEN t.type = 'withdrawal' THEN -t.amount ELSE t.amount END), 0) AS calculated
		FROM profiles p
		LEFT JOIN transactions t ON t.user_id = p.id AND t.status = 'completed'
		GROUP BY p.id, p.email, p.balance
		HAVING p.balance <> COALESCE(SUM(CASE WHEN t.type = 'withdrawal' THEN -t.amount ELSE t.amount END), 0)
		ORDER BY p.email`)
	if err != nil {
		return nil, fmt.Errorf("audit balances: %w", err)
	}
	defer rows.Close()

	var out []models.BalanceDiscrepancy
	for rows.Next() {
		var d models.BalanceDiscrepancy
		if err := rows.Scan(&d.UserID, &d.Email, &d.Balance, &d.CalculatedTotal); err != nil {
			return nil, err
		}
		d.Difference = d.Balance - d.CalculatedTotal
		out = append(out, d)
	}
	return out, rows.Err()
}

// StalePendingWithdrawals lists withdrawals stuck in pending. A row here
// may have been paid without the balance being debited.
func (s *LedgerService) StalePendingWithdrawals(ctx context.Context, olderThan time.Duration) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE type = $1 AND status = $2 AND updated_at < $3
		ORDER BY created_at ASC`,
		models.TransactionTypeWithdrawal, models.TransactionStatusPending, time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("stale withdrawals: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

// SetBalance overwrites a profile balance. Used by the operator audit fix.
func (s *LedgerService) SetBalance(ctx context.Context, userID string, balance int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET balance = $1, updated_at = NOW() WHERE id = $2`, balance, userID)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return requireOneRow(res, ErrProfileNotFound)
}

func requireOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
