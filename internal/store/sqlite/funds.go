package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"tradeledger/internal/model"
)

const userColumns = `user_id, balance, invested_amount, withdraw_amount, totp_secret, version, created_at, updated_at`

func scanUser(r rowScanner) (*model.User, error) {
	var (
		u                            model.User
		balance, invested, withdrawn int64
		createdAt, updatedAt         int64
	)
	if err := r.Scan(&u.UserID, &balance, &invested, &withdrawn, &u.TOTPSecret, &u.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.Balance = model.FromMinor(balance)
	u.InvestedAmount = model.FromMinor(invested)
	u.WithdrawAmount = model.FromMinor(withdrawn)
	u.CreatedAt = fromNanos(createdAt)
	u.UpdatedAt = fromNanos(updatedAt)
	return &u, nil
}

func getUser(ctx context.Context, q queryer, userID string) (*model.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return u, nil
}

// GetUser loads a user's funds view.
func (s *Store) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return getUser(ctx, s.db, userID)
}

// EnsureUser creates a zero-balance user row if none exists and returns it.
func (s *Store) EnsureUser(ctx context.Context, userID string) (*model.User, error) {
	now := nanos(s.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`, userID, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure user %s: %w", userID, err)
	}
	return s.GetUser(ctx, userID)
}

// SetTOTPSecret stores the user's withdrawal second-factor secret.
func (s *Store) SetTOTPSecret(ctx context.Context, userID, secret string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET totp_secret = ?, version = version + 1, updated_at = ?
		WHERE user_id = ?`, secret, nanos(s.Now()), userID)
	if err != nil {
		return fmt.Errorf("set totp %s: %w", userID, err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	return nil
}

// ClaimTOTPStep records step as the user's last accepted TOTP time step.
// It reports false when step is not newer than the one already recorded.
func (s *Store) ClaimTOTPStep(ctx context.Context, userID string, step int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET totp_last_step = ?, updated_at = ?
		WHERE user_id = ? AND totp_last_step < ?`, step, nanos(s.Now()), userID, step)
	if err != nil {
		return false, fmt.Errorf("claim totp step %s: %w", userID, err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return false, err
	}
	return false, nil
}

func insertTransaction(ctx context.Context, ex execer, t *model.Transaction, onConflictIgnore bool) (int64, error) {
	amount, err := model.ToMinor(t.Amount)
	if err != nil {
		return 0, fmt.Errorf("transaction %s amount: %w", t.TransactionID, err)
	}
	query := `
		INSERT INTO transactions (transaction_id, order_id, user_id, type, amount, currency, status, mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if onConflictIgnore {
		query += ` ON CONFLICT(transaction_id) DO NOTHING`
	}
	res, err := ex.ExecContext(ctx, query,
		t.TransactionID, t.OrderID, t.UserID, t.Type, amount,
		t.Currency, t.Status, string(t.Mode), nanos(t.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("insert transaction %s: %w", t.TransactionID, err)
	}
	return affected(res)
}

func scanTransaction(r rowScanner) (*model.Transaction, error) {
	var (
		t         model.Transaction
		amount    int64
		mode      string
		createdAt int64
	)
	if err := r.Scan(&t.TransactionID, &t.OrderID, &t.UserID, &t.Type, &amount, &t.Currency, &t.Status, &mode, &createdAt); err != nil {
		return nil, err
	}
	t.Amount = model.FromMinor(amount)
	t.Mode = model.TxnMode(mode)
	t.CreatedAt = fromNanos(createdAt)
	return &t, nil
}

const txnColumns = `transaction_id, order_id, user_id, type, amount, currency, status, mode, created_at`

// GetTransaction loads one transaction.
func (s *Store) GetTransaction(ctx context.Context, txnID string) (*model.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE transaction_id = ?`, txnID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", txnID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", txnID, err)
	}
	return t, nil
}

// ListTransactions returns a user's transactions, newest first.
func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE user_id = ? ORDER BY created_at DESC, transaction_id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Withdraw debits balance and credits withdrawAmount with a conditional
// decrement, then appends txn. Nothing changes if funds are short.
func (s *Store) Withdraw(ctx context.Context, txn *model.Transaction) (*model.User, error) {
	amount, err := model.ToMinor(txn.Amount)
	if err != nil {
		return nil, fmt.Errorf("withdraw %s: %w", txn.UserID, err)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("withdraw %s: amount must be positive: %w", txn.UserID, model.ErrValidation)
	}
	var user *model.User
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE users
			SET balance = balance - ?, withdraw_amount = withdraw_amount + ?,
			    version = version + 1, updated_at = ?
			WHERE user_id = ? AND balance >= ? AND withdraw_amount <= ?`,
			amount, amount, nanos(s.Now()), txn.UserID, amount, math.MaxInt64-amount)
		if err != nil {
			return fmt.Errorf("debit %s: %w", txn.UserID, err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			u, err := getUser(ctx, tx, txn.UserID)
			if err != nil {
				return err
			}
			if u.Balance.GreaterThanOrEqual(txn.Amount) {
				return fmt.Errorf("withdrawn total for %s: %w", txn.UserID, model.ErrAmountOutOfRange)
			}
			return &model.InsufficientFundsError{UserID: txn.UserID, Requested: txn.Amount, Available: u.Balance}
		}
		if _, err := insertTransaction(ctx, tx, txn, false); err != nil {
			return err
		}
		user, err = getUser(ctx, tx, txn.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ApplyCredit appends a credit transaction and increments balance, creating
// the user row if needed. A repeated transaction id changes nothing.
func (s *Store) ApplyCredit(ctx context.Context, txn *model.Transaction) (*model.Transaction, bool, error) {
	amount, err := model.ToMinor(txn.Amount)
	if err != nil {
		return nil, false, fmt.Errorf("credit %s: %w", txn.UserID, err)
	}
	if amount <= 0 {
		return nil, false, fmt.Errorf("credit %s: amount must be positive: %w", txn.UserID, model.ErrValidation)
	}
	duplicate := false
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := insertTransaction(ctx, tx, txn, true)
		if err != nil {
			return err
		}
		if n == 0 {
			duplicate = true
			return nil
		}
		now := nanos(s.Now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (user_id, balance, created_at, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				balance = balance + excluded.balance,
				version = version + 1,
				updated_at = excluded.updated_at
			WHERE users.balance <= ?`,
			txn.UserID, amount, now, now, math.MaxInt64-amount)
		if err != nil {
			return fmt.Errorf("credit %s: %w", txn.UserID, err)
		}
		if n, err = affected(res); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("balance for %s: %w", txn.UserID, model.ErrAmountOutOfRange)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	stored, err := s.GetTransaction(ctx, txn.TransactionID)
	if err != nil {
		return nil, duplicate, err
	}
	return stored, duplicate, nil
}

// ApplyFill books a sale: processed-event marker, balance credit, invested
// debit and the executed fill row, all in one transaction.
func (s *Store) ApplyFill(ctx context.Context, fill *model.Order, proceeds decimal.Decimal) (*model.User, error) {
	if fill.FillID == "" {
		return nil, fmt.Errorf("apply fill: empty fill id")
	}
	amount, err := model.ToMinor(proceeds)
	if err != nil {
		return nil, fmt.Errorf("apply fill %s proceeds: %w", fill.FillID, err)
	}
	if amount < 0 {
		return nil, fmt.Errorf("apply fill %s: negative proceeds: %w", fill.FillID, model.ErrValidation)
	}
	var user *model.User
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := nanos(s.Now())
		res, err := tx.ExecContext(ctx, `
			INSERT INTO processed_events (event_id, kind, processed_at) VALUES (?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING`, fill.FillID, "stock_sold", now)
		if err != nil {
			return fmt.Errorf("mark event %s: %w", fill.FillID, err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("fill %s: %w", fill.FillID, model.ErrDuplicateEvent)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE users
			SET balance = balance + ?, invested_amount = invested_amount - ?,
			    version = version + 1, updated_at = ?
			WHERE user_id = ? AND balance <= ? AND invested_amount >= ?`,
			amount, amount, now, fill.UserID, math.MaxInt64-amount, math.MinInt64+amount)
		if err != nil {
			return fmt.Errorf("credit fill %s: %w", fill.FillID, err)
		}
		if n, err = affected(res); err != nil {
			return err
		}
		if n == 0 {
			if _, err := getUser(ctx, tx, fill.UserID); err != nil {
				return err
			}
			return fmt.Errorf("balance for %s after fill %s: %w", fill.UserID, fill.FillID, model.ErrAmountOutOfRange)
		}

		if err := insertOrder(ctx, tx, fill); err != nil {
			return err
		}
		user, err = getUser(ctx, tx, fill.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// EventProcessed reports whether an event id has been applied.
func (s *Store) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed_events WHERE event_id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("event %s: %w", eventID, err)
	}
	return true, nil
}
