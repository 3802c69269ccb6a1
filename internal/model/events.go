package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Bus topics.
const (
	TopicStockSold     = "ledger:stock-sold"
	TopicLedgerPrefix  = "ledger:events:"
	TopicLedgerPattern = "ledger:events:*"
)

// LedgerTopic returns the per-user ledger event topic.
func LedgerTopic(userID string) string { return TopicLedgerPrefix + userID }

// StockSoldEvent asks the sell consumer to book the proceeds of a sale.
// FillID is the idempotency key; redelivery with the same FillID is a no-op.
type StockSoldEvent struct {
	FillID        string          `json:"fillId"`
	OrderID       string          `json:"orderId,omitempty"`
	UserID        string          `json:"userId"`
	Quantity      int64           `json:"quantity"`
	SellPrice     decimal.Decimal `json:"sellPrice"`
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Mode          Mode            `json:"mode"`
	OrderType     OrderType       `json:"orderType"`
	PurchasePrice decimal.Decimal `json:"purchasePrice"`
	Currency      string          `json:"currency,omitempty"`
	SoldAt        time.Time       `json:"soldAt"`
}

// FillIDForOrder derives the fill idempotency key from the sell order id.
func FillIDForOrder(orderID string) string { return "fill-" + orderID }

// Ledger event kinds pushed to WebSocket clients.
const (
	EventOrderCreated   = "order.created"
	EventOrderStatus    = "order.status"
	EventOrderSettled   = "order.settled"
	EventOrderSquareOff = "order.squared_off"
	EventFillExecuted   = "fill.executed"
	EventFundsCredited  = "funds.credited"
	EventFundsWithdrawn = "funds.withdrawn"
)

// LedgerEvent is a notification that something in a user's ledger changed.
type LedgerEvent struct {
	Kind   string          `json:"kind"`
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data"`
	TS     time.Time       `json:"ts"`
}

// NewLedgerEvent marshals payload into a LedgerEvent.
func NewLedgerEvent(kind, userID string, payload any, ts time.Time) (LedgerEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return LedgerEvent{}, err
	}
	return LedgerEvent{Kind: kind, UserID: userID, Data: data, TS: ts}, nil
}
