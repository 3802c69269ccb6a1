package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeledger/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var base = time.Date(2026, 10, 14, 4, 0, 0, 0, time.UTC)

func executed(id string, mode model.Mode, typ model.OrderType, sym string, qty int64, price string, offset time.Duration) model.Order {
	at := base.Add(offset)
	return model.Order{
		OrderID:       id,
		UserID:        "u1",
		Symbol:        sym,
		Mode:          mode,
		OrderType:     typ,
		Quantity:      qty,
		PurchasePrice: d(price),
		ActualPrice:   d(price),
		Status:        model.StatusExecuted,
		PlacedAt:      at,
		ExecutedAt:    &at,
	}
}

func TestBook_WeightedAverageAndRealized(t *testing.T) {
	b := NewBook()
	b.RecordTrade(Trade{Symbol: "INFY", Category: model.PnLHoldings, Mode: model.ModeBuy, Qty: 10, Price: d("100")})
	b.RecordTrade(Trade{Symbol: "INFY", Category: model.PnLHoldings, Mode: model.ModeBuy, Qty: 10, Price: d("120")})

	avg, ok := b.AvgCost("INFY")
	require.True(t, ok)
	assert.True(t, avg.Equal(d("110")), avg.String())

	realized := b.RecordTrade(Trade{Symbol: "INFY", Category: model.PnLHoldings, Mode: model.ModeSell, Qty: 5, Price: d("130")})
	assert.True(t, realized.Equal(d("100")), realized.String())

	s := b.Summary(map[string]decimal.Decimal{"INFY": d("115")})
	// realized 100 + unrealized (115-110)*15 = 175
	assert.True(t, s.Holdings.Equal(d("175")), s.Holdings.String())
	assert.True(t, s.Positions.IsZero())
	assert.True(t, s.Combined.Equal(d("175")))
	assert.Equal(t, 1, s.OpenPositions)
	assert.Equal(t, 3, s.TotalTrades)
}

func TestBook_OversellRealizesHeldOnly(t *testing.T) {
	b := NewBook()
	b.RecordTrade(Trade{Symbol: "X", Category: model.PnLPositions, Mode: model.ModeBuy, Qty: 2, Price: d("10")})
	r := b.RecordTrade(Trade{Symbol: "X", Category: model.PnLPositions, Mode: model.ModeSell, Qty: 5, Price: d("11")})
	assert.True(t, r.Equal(d("2")))
	_, ok := b.AvgCost("X")
	assert.False(t, ok)
}

func TestEffective_SkipsOrdersOfRecord(t *testing.T) {
	buy := executed("b1", model.ModeBuy, model.OrderTypeIntraday, "TCS", 4, "50", 0)
	buy.SquaredOffBy = "sq1"
	squareOff := executed("sq1", model.ModeSell, model.OrderTypeIntraday, "TCS", 4, "55", time.Hour)
	userSell := executed("s1", model.ModeSell, model.OrderTypeDelivery, "INFY", 1, "90", time.Minute)
	fill := executed("f1", model.ModeSell, model.OrderTypeDelivery, "INFY", 1, "90", 2*time.Minute)
	fill.FillID = "fill-s1"
	pending := executed("p1", model.ModeBuy, model.OrderTypeDelivery, "INFY", 1, "80", 0)
	pending.Status = model.StatusPending

	got := Effective([]model.Order{squareOff, userSell, fill, buy, pending})
	ids := make([]string, len(got))
	for i, o := range got {
		ids[i] = o.OrderID
	}
	assert.Equal(t, []string{"b1", "f1", "sq1"}, ids)
}

func TestPositionsAndCategories(t *testing.T) {
	orders := []model.Order{
		executed("b1", model.ModeBuy, model.OrderTypeIntraday, "TCS", 4, "50", 0),
		executed("b2", model.ModeBuy, model.OrderTypeDelivery, "INFY", 3, "100", time.Minute),
		executed("b3", model.ModeBuy, model.OrderTypeFNO, "NIFTY", 1, "10", 2*time.Minute),
	}
	pos := Positions(orders, map[string]decimal.Decimal{"INFY": d("101")})
	require.Len(t, pos, 3)
	assert.Equal(t, model.PnLHoldings, pos[0].Category)
	assert.Equal(t, "INFY", pos[0].Symbol)
	assert.True(t, pos[0].UnrealizedPnL().Equal(d("3")))
	assert.Equal(t, model.PnLPositions, pos[1].Category)
	assert.Equal(t, "NIFTY", pos[1].Symbol)
	assert.True(t, pos[1].UnrealizedPnL().IsZero(), "no price")

	b := NewBook()
	b.Replay(orders)
	assert.Equal(t, []string{"INFY", "NIFTY", "TCS"}, b.Symbols())
}
