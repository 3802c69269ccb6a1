package model

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ── Storage Port Interfaces ──
// Business packages depend on these; internal/store/sqlite satisfies all of them.

// OrderStore persists orders.
type OrderStore interface {
	InsertOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)

	// UpdateOrderStatus changes status and executedAt if the row is still at
	// expectedVersion. Returns ErrConflict otherwise.
	UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus, executedAt *time.Time, expectedVersion int64) (*Order, error)

	// SettleOrder flips isSettled and inDematAccount on an unsettled delivery order.
	SettleOrder(ctx context.Context, orderID string, expectedVersion int64) (*Order, error)

	// SquareOff inserts sell and marks buyID as closed by it in one unit of work.
	// Returns ErrConflict if buyID was already squared off.
	SquareOff(ctx context.Context, buyID string, sell *Order) error

	DeleteOrder(ctx context.Context, orderID string) error
}

// FundsStore owns user balances and the transaction ledger.
// Every balance change is an atomic increment in the store.
type FundsStore interface {
	EnsureUser(ctx context.Context, userID string) (*User, error)
	GetUser(ctx context.Context, userID string) (*User, error)
	SetTOTPSecret(ctx context.Context, userID, secret string) error

	// ClaimTOTPStep stores step as the last accepted second-factor time step
	// and reports false if an equal or later step was already accepted.
	ClaimTOTPStep(ctx context.Context, userID string, step int64) (bool, error)

	// Withdraw debits balance, credits withdrawAmount and appends txn.
	// Returns *InsufficientFundsError without changing anything if balance < amount.
	Withdraw(ctx context.Context, txn *Transaction) (*User, error)

	// ApplyCredit appends txn and credits balance. A txn id that already exists
	// returns the stored transaction and duplicate=true with no balance change.
	ApplyCredit(ctx context.Context, txn *Transaction) (stored *Transaction, duplicate bool, err error)

	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

// FillStore books the proceeds of a sale exactly once per fill id.
type FillStore interface {
	// ApplyFill records fill.FillID as processed, credits balance and debits
	// investedAmount by proceeds, and inserts fill. Returns ErrDuplicateEvent
	// if the fill id was seen before and ErrNotFound if the user does not exist;
	// nothing is committed in either case.
	ApplyFill(ctx context.Context, fill *Order, proceeds decimal.Decimal) (*User, error)
}

// FillLedger finds sales whose proceeds were never booked.
type FillLedger interface {
	// UnbookedSales returns SELL orders of record placed at or before
	// placedBefore whose fill id is not yet processed, oldest first.
	// Square-off legs, fill rows and cancelled orders are excluded.
	UnbookedSales(ctx context.Context, placedBefore time.Time) ([]Order, error)

	// EventProcessed reports whether an event id has been applied.
	EventProcessed(ctx context.Context, eventID string) (bool, error)
}

// PnLStore keeps daily P&L snapshots.
type PnLStore interface {
	UpsertPnL(ctx context.Context, s PnLSnapshot) error
	ListPnL(ctx context.Context, userID string, category PnLCategory, from, to string) ([]PnLSnapshot, error)
	UsersWithOrders(ctx context.Context) ([]string, error)
}
