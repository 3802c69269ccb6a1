package portfolio

import (
	"sort"

	"github.com/shopspring/decimal"

	"tradeledger/internal/model"
)

// Trade is one executed leg fed into a Book.
type Trade struct {
	Symbol   string
	Name     string
	Category model.PnLCategory
	Mode     model.Mode
	Qty      int64
	Price    decimal.Decimal
}

// TradeFromOrder converts an executed order row.
func TradeFromOrder(o model.Order) Trade {
	return Trade{
		Symbol:   o.Symbol,
		Name:     o.Name,
		Category: CategoryOf(o.OrderType),
		Mode:     o.Mode,
		Qty:      o.Quantity,
		Price:    o.PurchasePrice,
	}
}

type costEntry struct {
	name     string
	qty      int64
	avgPrice decimal.Decimal
}

// Book tracks weighted-average cost basis and realized P&L per category and
// symbol. It is not safe for concurrent use.
type Book struct {
	costBasis map[model.PnLCategory]map[string]*costEntry
	realized  map[model.PnLCategory]decimal.Decimal
	trades    int
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		costBasis: make(map[model.PnLCategory]map[string]*costEntry),
		realized:  make(map[model.PnLCategory]decimal.Decimal),
	}
}

// Replay records every effective order in execution order.
func (b *Book) Replay(orders []model.Order) {
	for _, o := range Effective(orders) {
		b.RecordTrade(TradeFromOrder(o))
	}
}

// RecordTrade applies a trade and returns the P&L it realized. Sells beyond
// the held quantity realize nothing for the excess.
func (b *Book) RecordTrade(t Trade) decimal.Decimal {
	b.trades++
	bySymbol, ok := b.costBasis[t.Category]
	if !ok {
		bySymbol = make(map[string]*costEntry)
		b.costBasis[t.Category] = bySymbol
	}
	entry, ok := bySymbol[t.Symbol]
	if !ok {
		entry = &costEntry{name: t.Name}
		bySymbol[t.Symbol] = entry
	}

	if t.Mode == model.ModeBuy {
		totalCost := entry.avgPrice.Mul(decimal.NewFromInt(entry.qty)).Add(t.Price.Mul(decimal.NewFromInt(t.Qty)))
		entry.qty += t.Qty
		if entry.qty > 0 {
			entry.avgPrice = totalCost.Div(decimal.NewFromInt(entry.qty))
		}
		return decimal.Zero
	}

	sellQty := t.Qty
	if sellQty > entry.qty {
		sellQty = entry.qty
	}
	realized := t.Price.Sub(entry.avgPrice).Mul(decimal.NewFromInt(sellQty))
	entry.qty -= sellQty
	if entry.qty <= 0 {
		entry.qty = 0
		entry.avgPrice = decimal.Zero
	}
	b.realized[t.Category] = b.realized[t.Category].Add(realized)
	return realized
}

// AvgCost returns the average cost of the open quantity of symbol across
// categories, or false if nothing is held.
func (b *Book) AvgCost(symbol string) (decimal.Decimal, bool) {
	var (
		qty  int64
		cost decimal.Decimal
	)
	for _, bySymbol := range b.costBasis {
		if e, ok := bySymbol[symbol]; ok && e.qty > 0 {
			qty += e.qty
			cost = cost.Add(e.avgPrice.Mul(decimal.NewFromInt(e.qty)))
		}
	}
	if qty == 0 {
		return decimal.Zero, false
	}
	return cost.Div(decimal.NewFromInt(qty)), true
}

// Open returns open positions with LastLTP filled from prices.
func (b *Book) Open(prices map[string]decimal.Decimal) []Position {
	var out []Position
	for cat, bySymbol := range b.costBasis {
		for sym, e := range bySymbol {
			if e.qty <= 0 {
				continue
			}
			out = append(out, Position{
				Symbol:   sym,
				Name:     e.name,
				Category: cat,
				Qty:      e.qty,
				AvgPrice: e.avgPrice,
				LastLTP:  prices[sym],
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Symbols lists the symbols with open quantity.
func (b *Book) Symbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, bySymbol := range b.costBasis {
		for sym, e := range bySymbol {
			if e.qty > 0 && !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	sort.Strings(out)
	return out
}

// PnLSummary is realized plus unrealized P&L per category, rounded to the
// money scale.
type PnLSummary struct {
	Holdings      decimal.Decimal `json:"holdings"`
	Positions     decimal.Decimal `json:"positions"`
	Combined      decimal.Decimal `json:"combined"`
	TotalTrades   int             `json:"totalTrades"`
	OpenPositions int             `json:"openPositions"`
}

// Get returns the total for a category.
func (s PnLSummary) Get(c model.PnLCategory) decimal.Decimal {
	switch c {
	case model.PnLHoldings:
		return s.Holdings
	case model.PnLPositions:
		return s.Positions
	}
	return s.Combined
}

// Summary returns the P&L summary. Open positions without a price contribute
// only their realized part.
func (b *Book) Summary(prices map[string]decimal.Decimal) PnLSummary {
	totals := map[model.PnLCategory]decimal.Decimal{
		model.PnLHoldings:  b.realized[model.PnLHoldings],
		model.PnLPositions: b.realized[model.PnLPositions],
	}
	open := b.Open(prices)
	for i := range open {
		totals[open[i].Category] = totals[open[i].Category].Add(open[i].UnrealizedPnL())
	}
	h := totals[model.PnLHoldings].Round(model.MoneyScale)
	p := totals[model.PnLPositions].Round(model.MoneyScale)
	return PnLSummary{
		Holdings:      h,
		Positions:     p,
		Combined:      h.Add(p),
		TotalTrades:   b.trades,
		OpenPositions: len(open),
	}
}
