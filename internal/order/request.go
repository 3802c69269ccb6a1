package order

import (
	"strings"

	"github.com/shopspring/decimal"

	"tradeledger/internal/model"
)

// CreateOrderRequest is the body of POST /api/v1/orders. Pointer fields are
// required but may legitimately hold zero, so presence is checked separately.
type CreateOrderRequest struct {
	Symbol        string            `json:"symbol" binding:"required"`
	Name          string            `json:"name" binding:"required"`
	Mode          model.Mode        `json:"mode" binding:"required,oneof=BUY SELL"`
	OrderType     model.OrderType   `json:"orderType" binding:"omitempty,oneof=INTRADAY DELIVERY FNO"`
	Quantity      int64             `json:"quantity" binding:"required,gt=0"`
	PurchasePrice *decimal.Decimal  `json:"purchasePrice" binding:"required"`
	ActualPrice   *decimal.Decimal  `json:"actualPrice" binding:"required"`
	ChangePercent *float64          `json:"changePercent" binding:"required"`
	Status        model.OrderStatus `json:"status" binding:"omitempty,oneof=PENDING EXECUTED CANCELLED"`
}

// Normalize trims strings, upper-cases enums and applies defaults.
func (r *CreateOrderRequest) Normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Name = strings.TrimSpace(r.Name)
	r.Mode = model.Mode(strings.ToUpper(string(r.Mode)))
	r.OrderType = model.OrderType(strings.ToUpper(string(r.OrderType)))
	r.Status = model.OrderStatus(strings.ToUpper(string(r.Status)))
	if r.OrderType == "" {
		r.OrderType = model.OrderTypeDelivery
	}
	if r.Status == "" {
		r.Status = model.StatusPending
	}
}

// Total is quantity times purchasePrice. PurchasePrice must be set.
func (r *CreateOrderRequest) Total() decimal.Decimal {
	return r.PurchasePrice.Mul(decimal.NewFromInt(r.Quantity))
}

// Validate checks every field and names each one that fails. Call Normalize
// first.
func (r *CreateOrderRequest) Validate() error {
	v := model.NewValidationError()
	if r.Symbol == "" {
		v.Add("symbol", "required")
	}
	if r.Name == "" {
		v.Add("name", "required")
	}
	if r.Mode == "" {
		v.Add("mode", "required")
	} else if !r.Mode.Valid() {
		v.Add("mode", "must be BUY or SELL")
	}
	if !r.OrderType.Valid() {
		v.Add("orderType", "must be INTRADAY, DELIVERY or FNO")
	}
	if !r.Status.Valid() {
		v.Add("status", "must be PENDING, EXECUTED or CANCELLED")
	}
	if r.Quantity <= 0 {
		v.Add("quantity", "must be > 0")
	}
	switch {
	case r.PurchasePrice == nil:
		v.Add("purchasePrice", "required")
	case !r.PurchasePrice.IsPositive():
		v.Add("purchasePrice", "must be > 0")
	case !model.FitsScale(*r.PurchasePrice):
		v.Add("purchasePrice", "at most 2 decimal places")
	case !model.FitsMinor(*r.PurchasePrice):
		v.Add("purchasePrice", "must not exceed "+model.MaxAmount.String())
	case r.Quantity > 0 && !model.FitsMinor(r.Total()):
		v.Add("quantity", "quantity times purchasePrice must not exceed "+model.MaxAmount.String())
	}
	switch {
	case r.ActualPrice == nil:
		v.Add("actualPrice", "required")
	case r.ActualPrice.IsNegative():
		v.Add("actualPrice", "must be >= 0")
	case !model.FitsScale(*r.ActualPrice):
		v.Add("actualPrice", "at most 2 decimal places")
	case !model.FitsMinor(*r.ActualPrice):
		v.Add("actualPrice", "must not exceed "+model.MaxAmount.String())
	}
	if r.ChangePercent == nil {
		v.Add("changePercent", "required")
	}
	return v.OrNil()
}
