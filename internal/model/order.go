package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the side of an order.
type Mode string

const (
	ModeBuy  Mode = "BUY"
	ModeSell Mode = "SELL"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeBuy || m == ModeSell }

// OrderType classifies how long a position is meant to be held.
type OrderType string

const (
	OrderTypeIntraday OrderType = "INTRADAY"
	OrderTypeDelivery OrderType = "DELIVERY"
	OrderTypeFNO      OrderType = "FNO"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeIntraday, OrderTypeDelivery, OrderTypeFNO:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusExecuted  OrderStatus = "EXECUTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusExecuted, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an order may move from s to next.
// Only PENDING orders move; EXECUTED and CANCELLED are terminal.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s != StatusPending {
		return false
	}
	return next == StatusExecuted || next == StatusCancelled
}

// Order is a single BUY or SELL instruction owned by a user.
// TotalAmount is fixed at creation and never recomputed.
type Order struct {
	OrderID       string          `json:"orderId"`
	UserID        string          `json:"userId"`
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Mode          Mode            `json:"mode"`
	OrderType     OrderType       `json:"orderType"`
	Quantity      int64           `json:"quantity"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	ActualPrice   decimal.Decimal `json:"actualPrice"`
	ChangePercent float64         `json:"changePercent"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Status        OrderStatus     `json:"status"`
	PlacedAt      time.Time       `json:"placedAt"`
	ExecutedAt    *time.Time      `json:"executedAt"`

	// Delivery only.
	SettlementDate string `json:"settlementDate,omitempty"` // YYYY-MM-DD in the market timezone
	IsSettled      bool   `json:"isSettled"`
	InDematAccount bool   `json:"inDematAccount"`

	// SquaredOffBy is the id of the SELL that closed this intraday BUY.
	SquaredOffBy string `json:"squaredOffBy,omitempty"`
	// FillID is set on rows written by the sell consumer.
	FillID string `json:"fillId,omitempty"`

	Version int64 `json:"version"`
}

// IsOpenIntradayLong reports whether the order is an executed intraday BUY
// that has not been squared off yet.
func (o *Order) IsOpenIntradayLong() bool {
	return o.OrderType == OrderTypeIntraday &&
		o.Status == StatusExecuted &&
		o.Mode == ModeBuy &&
		o.SquaredOffBy == ""
}

// OrderFilter narrows order queries. Zero values match everything.
type OrderFilter struct {
	UserID       string
	OrderTypes   []OrderType
	Mode         Mode
	Status       OrderStatus
	OpenOnly     bool   // exclude squared-off rows
	UnsettledDue string // DELIVERY, unsettled, settlement_date <= this date
}
