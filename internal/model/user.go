package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the funds view of an account holder.
type User struct {
	UserID         string          `json:"userId"`
	Balance        decimal.Decimal `json:"balance"`
	InvestedAmount decimal.Decimal `json:"investedAmount"`
	WithdrawAmount decimal.Decimal `json:"withdrawAmount"`
	TOTPSecret     string          `json:"-"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// TxnMode is the direction of a ledger transaction.
type TxnMode string

const (
	TxnCredit TxnMode = "credit"
	TxnDebit  TxnMode = "debit"
)

// TxnTypeWithdrawal is the Transaction.Type used for withdrawals. Credits carry
// the payment method reported by the gateway.
const TxnTypeWithdrawal = "withdrawal"

// Transaction is an immutable audit record. Rows are never updated.
type Transaction struct {
	TransactionID string          `json:"transactionId"`
	OrderID       string          `json:"orderId,omitempty"`
	UserID        string          `json:"userId"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	Mode          TxnMode         `json:"mode"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// PnLCategory selects which positions a daily snapshot covers.
type PnLCategory string

const (
	PnLCombined  PnLCategory = "combined"
	PnLHoldings  PnLCategory = "holdings"
	PnLPositions PnLCategory = "positions"
)

// Valid reports whether c is a known category.
func (c PnLCategory) Valid() bool {
	return c == PnLCombined || c == PnLHoldings || c == PnLPositions
}

// PnLSnapshot is one user's P&L for one day and category.
// (UserID, Date, Category) is unique; writes upsert.
type PnLSnapshot struct {
	UserID    string          `json:"userId"`
	Date      string          `json:"date"`
	Category  PnLCategory     `json:"category"`
	TotalPL   decimal.Decimal `json:"totalPL"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
