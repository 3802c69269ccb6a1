// Package sqlite is the ledger store: orders, users, transactions, daily P&L
// snapshots and the processed-event set, in one SQLite database.
//
// Monetary columns hold integer minor units so balance changes are atomic
// increments in SQL. Timestamps are unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/ledger.db"
}

// Store implements the model storage ports on SQLite.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	// Now stamps updated_at/processed_at columns. Defaults to time.Now.
	Now func() time.Time
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens the database in WAL mode and applies the schema.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer connection; transactions serialize on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	logger.Info("ledger store opened", slog.String("path", cfg.DBPath))
	return &Store{db: db, log: logger.With(slog.String("component", "store")), Now: time.Now}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			order_id        TEXT    PRIMARY KEY,
			user_id         TEXT    NOT NULL,
			symbol          TEXT    NOT NULL,
			name            TEXT    NOT NULL,
			mode            TEXT    NOT NULL,
			order_type      TEXT    NOT NULL,
			quantity        INTEGER NOT NULL CHECK (quantity > 0),
			purchase_price  INTEGER NOT NULL,
			actual_price    INTEGER NOT NULL,
			change_percent  REAL    NOT NULL DEFAULT 0,
			total_amount    INTEGER NOT NULL,
			status          TEXT    NOT NULL,
			placed_at       INTEGER NOT NULL,
			executed_at     INTEGER,
			settlement_date TEXT,
			is_settled      INTEGER NOT NULL DEFAULT 0,
			in_demat        INTEGER NOT NULL DEFAULT 0,
			squared_off_by  TEXT,
			fill_id         TEXT UNIQUE,
			version         INTEGER NOT NULL DEFAULT 1
		);
		CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, placed_at);
		CREATE INDEX IF NOT EXISTS idx_orders_intraday ON orders(order_type, status, mode, squared_off_by);
		CREATE INDEX IF NOT EXISTS idx_orders_settlement ON orders(order_type, is_settled, settlement_date);

		CREATE TABLE IF NOT EXISTS users (
			user_id         TEXT    PRIMARY KEY,
			balance         INTEGER NOT NULL DEFAULT 0,
			invested_amount INTEGER NOT NULL DEFAULT 0,
			withdraw_amount INTEGER NOT NULL DEFAULT 0,
			totp_secret     TEXT    NOT NULL DEFAULT '',
			totp_last_step  INTEGER NOT NULL DEFAULT 0,
			version         INTEGER NOT NULL DEFAULT 1,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS transactions (
			transaction_id TEXT    PRIMARY KEY,
			order_id       TEXT    NOT NULL DEFAULT '',
			user_id        TEXT    NOT NULL,
			type           TEXT    NOT NULL,
			amount         INTEGER NOT NULL,
			currency       TEXT    NOT NULL,
			status         TEXT    NOT NULL,
			mode           TEXT    NOT NULL CHECK (mode IN ('credit', 'debit')),
			created_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at);

		CREATE TABLE IF NOT EXISTS pnl_snapshots (
			user_id    TEXT    NOT NULL,
			date       TEXT    NOT NULL,
			category   TEXT    NOT NULL,
			total_pl   INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, date, category)
		);

		CREATE TABLE IF NOT EXISTS processed_events (
			event_id     TEXT    PRIMARY KEY,
			kind         TEXT    NOT NULL,
			processed_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return err
	}
	return addColumnIfMissing(db, "users", "totp_last_step", "INTEGER NOT NULL DEFAULT 0")
}

// addColumnIfMissing upgrades a table created by an older schema.
func addColumnIfMissing(db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error("rollback failed", slog.Any("err", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
