// Package portfolio derives positions and P&L from a user's ledger orders.
//
// Holdings are DELIVERY trades; positions are INTRADAY and FNO trades. Only
// rows with a ledger effect count: executed BUYs, fill rows written by the
// sell consumer, and square-off SELLs. A user-placed SELL is the order of
// record; its effect arrives as a fill row.
package portfolio

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradeledger/internal/model"
)

// Position is the open quantity and average cost of one symbol in one
// category.
type Position struct {
	Symbol   string            `json:"symbol"`
	Name     string            `json:"name"`
	Category model.PnLCategory `json:"category"`
	Qty      int64             `json:"qty"`
	AvgPrice decimal.Decimal   `json:"avgPrice"`
	LastLTP  decimal.Decimal   `json:"lastLtp"`
}

// UnrealizedPnL returns (LastLTP - AvgPrice) * Qty, or zero without a price.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	if p.LastLTP.IsZero() {
		return decimal.Zero
	}
	return p.LastLTP.Sub(p.AvgPrice).Mul(decimal.NewFromInt(p.Qty))
}

// CategoryOf maps an order type to its P&L category.
func CategoryOf(t model.OrderType) model.PnLCategory {
	if t == model.OrderTypeDelivery {
		return model.PnLHoldings
	}
	return model.PnLPositions
}

// Effective filters orders down to the rows with a ledger effect, in
// execution order.
func Effective(orders []model.Order) []model.Order {
	squareOffs := make(map[string]bool)
	for _, o := range orders {
		if o.SquaredOffBy != "" {
			squareOffs[o.SquaredOffBy] = true
		}
	}
	out := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status != model.StatusExecuted {
			continue
		}
		if o.Mode == model.ModeSell && o.FillID == "" && !squareOffs[o.OrderID] {
			continue
		}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return tradeTime(out[i]).Before(tradeTime(out[j]))
	})
	return out
}

func tradeTime(o model.Order) time.Time {
	if o.ExecutedAt != nil {
		return *o.ExecutedAt
	}
	return o.PlacedAt
}

// Positions replays orders and returns the open positions, sorted by
// category then symbol. prices maps symbol to the latest price and may be nil.
func Positions(orders []model.Order, prices map[string]decimal.Decimal) []Position {
	b := NewBook()
	b.Replay(orders)
	return b.Open(prices)
}
