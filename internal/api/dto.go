package api

import (
	"github.com/shopspring/decimal"

	"tradeledger/internal/model"
	"tradeledger/internal/portfolio"
)

// UpdateStatusRequest is the body of PATCH /api/v1/orders/:id/status.
type UpdateStatusRequest struct {
	Status model.OrderStatus `json:"status" binding:"required"`
}

// WithdrawRequest is the body of POST /api/v1/funds/withdraw.
type WithdrawRequest struct {
	Amount *decimal.Decimal `json:"amount" binding:"required"`
	OTP    string           `json:"otp"`
}

// PaymentCapturedRequest is the payment gateway's capture webhook body.
type PaymentCapturedRequest struct {
	PaymentID string           `json:"paymentId" binding:"required"`
	OrderID   string           `json:"orderId"`
	UserID    string           `json:"userId" binding:"required"`
	Amount    *decimal.Decimal `json:"amount" binding:"required"`
	Currency  string           `json:"currency"`
	Method    string           `json:"method"`
	Status    string           `json:"status"`
}

// OrdersResponse lists orders.
type OrdersResponse struct {
	Orders []model.Order `json:"orders"`
	Count  int           `json:"count"`
}

// WithdrawResponse is the result of a withdrawal.
type WithdrawResponse struct {
	Funds       *model.User        `json:"funds"`
	Transaction *model.Transaction `json:"transaction"`
}

// CreditResponse is the result of a payment capture.
type CreditResponse struct {
	Transaction *model.Transaction `json:"transaction"`
	Duplicate   bool               `json:"duplicate"`
}

// TransactionsResponse lists ledger transactions, newest first.
type TransactionsResponse struct {
	Transactions []model.Transaction `json:"transactions"`
	Count        int                 `json:"count"`
}

// PnLHistoryResponse lists daily P&L snapshots.
type PnLHistoryResponse struct {
	Category  model.PnLCategory   `json:"category"`
	Snapshots []model.PnLSnapshot `json:"snapshots"`
}

// PortfolioResponse is the caller's open positions and P&L summary.
type PortfolioResponse struct {
	Positions []portfolio.Position `json:"positions"`
	Summary   portfolio.PnLSummary `json:"summary"`
	Unpriced  []string             `json:"unpriced,omitempty"`
}

// MarketStatusResponse describes the trading session.
type MarketStatusResponse struct {
	Open           bool   `json:"open"`
	Status         string `json:"status"`
	TradingDay     bool   `json:"tradingDay"`
	SquareOffDue   bool   `json:"squareOffDue"`
	Today          string `json:"today"`
	SettlementDate string `json:"settlementDate"`
	Timezone       string `json:"timezone"`
}
