package order

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeledger/internal/bus"
	"tradeledger/internal/markethours"
	"tradeledger/internal/model"
	"tradeledger/internal/store/sqlite"
)

// Wednesday 2026-10-14 11:00 IST
var tradingTime = time.Date(2026, 10, 14, 11, 0, 0, 0, markethours.IST)

type fixture struct {
	engine *Engine
	store  *sqlite.Store
	bus    *bus.Memory
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.Open(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "orders.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, bus: bus.NewMemory(64), clock: tradingTime}
	f.engine = NewEngine(st, markethours.NewFixedWindow(markethours.IST), f.bus, nil, nil)
	f.engine.Now = func() time.Time { return f.clock }
	seq := 0
	f.engine.NewID = func() string {
		seq++
		return fmt.Sprintf("ord-%03d", seq)
	}
	return f
}

func ptr[T any](v T) *T { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func buyRequest(typ model.OrderType, qty int64, price string) CreateOrderRequest {
	return CreateOrderRequest{
		Symbol:        "infy.ns",
		Name:          "Infosys",
		Mode:          model.ModeBuy,
		OrderType:     typ,
		Quantity:      qty,
		PurchasePrice: ptr(dec(price)),
		ActualPrice:   ptr(dec(price)),
		ChangePercent: ptr(0.4),
	}
}

func TestCreateOrder_DeliveryBuy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeDelivery, 10, "50.00"))
	require.NoError(t, err)

	assert.True(t, o.TotalAmount.Equal(dec("500.00")), o.TotalAmount.String())
	assert.Equal(t, model.StatusPending, o.Status)
	assert.False(t, o.IsSettled)
	assert.False(t, o.InDematAccount)
	assert.Nil(t, o.ExecutedAt)
	assert.Equal(t, "INFY.NS", o.Symbol)
	assert.Equal(t, "2026-10-15", o.SettlementDate)

	stored, err := f.store.GetOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.True(t, stored.TotalAmount.Equal(dec("500")))
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.False(t, stored.IsSettled)
}

func TestCreateOrder_DefaultsToDelivery(t *testing.T) {
	f := newFixture(t)
	o, err := f.engine.CreateOrder(context.Background(), "u1", buyRequest("", 1, "10"))
	require.NoError(t, err)
	assert.Equal(t, model.OrderTypeDelivery, o.OrderType)
	assert.NotEmpty(t, o.SettlementDate)
}

func TestCreateOrder_IntradayOutsideHours(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, at := range []time.Time{
		time.Date(2026, 10, 14, 9, 14, 0, 0, markethours.IST),
		time.Date(2026, 10, 14, 15, 30, 0, 0, markethours.IST),
		time.Date(2026, 10, 14, 20, 0, 0, 0, markethours.IST),
	} {
		f.clock = at
		_, err := f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeIntraday, 1, "10"))
		assert.ErrorIs(t, err, model.ErrMarketClosed, at.String())
	}

	orders, err := f.store.ListOrders(ctx, model.OrderFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, orders, "no order row persisted")
}

func TestCreateOrder_IntradayInsideHours(t *testing.T) {
	f := newFixture(t)
	o, err := f.engine.CreateOrder(context.Background(), "u1", buyRequest(model.OrderTypeIntraday, 2, "10"))
	require.NoError(t, err)
	assert.Empty(t, o.SettlementDate)
}

func TestCreateOrder_ValidationNamesFields(t *testing.T) {
	f := newFixture(t)
	req := CreateOrderRequest{
		Symbol:        "",
		Mode:          "HOLD",
		Quantity:      0,
		PurchasePrice: ptr(dec("10.123")),
	}
	_, err := f.engine.CreateOrder(context.Background(), "u1", req)
	require.ErrorIs(t, err, model.ErrValidation)

	var v *model.ValidationError
	require.ErrorAs(t, err, &v)
	for _, field := range []string{"symbol", "name", "mode", "quantity", "purchasePrice", "actualPrice", "changePercent"} {
		assert.Contains(t, v.Fields, field)
	}
	assert.NotContains(t, v.Fields, "orderType", "defaulted")
}

func TestCreateOrder_TotalAmountAndPlacedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	prices := []string{"0.01", "1", "99.99", "1234.56", "50.5"}
	for i, p := range prices {
		qty := int64(i*7 + 1)
		received := f.clock
		o, err := f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeFNO, qty, p))
		require.NoError(t, err)
		want := dec(p).Mul(decimal.NewFromInt(qty))
		assert.True(t, o.TotalAmount.Equal(want), "%s x %d = %s", p, qty, o.TotalAmount)
		assert.False(t, o.PlacedAt.Before(received))

		stored, err := f.store.GetOrder(ctx, o.OrderID)
		require.NoError(t, err)
		assert.True(t, stored.TotalAmount.Equal(want))
		f.clock = f.clock.Add(time.Second)
	}
}

func TestCreateOrder_TotalBeyondStorableAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeDelivery, 1_000_000_000_000, "10000000.00"))
	require.ErrorIs(t, err, model.ErrValidation)
	var v *model.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Fields, "quantity")

	req := buyRequest(model.OrderTypeDelivery, 1, "1")
	req.PurchasePrice = ptr(dec("100000000000000000000"))
	_, err = f.engine.CreateOrder(ctx, "u1", req)
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Fields, "purchasePrice")
	assert.NotContains(t, v.Fields, "quantity")

	orders, err := f.store.ListOrders(ctx, model.OrderFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, orders)

	o, err := f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeDelivery, 1, model.MaxAmount.String()))
	require.NoError(t, err)
	stored, err := f.store.GetOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.True(t, stored.TotalAmount.Equal(o.TotalAmount), "stored %s, returned %s", stored.TotalAmount, o.TotalAmount)
}

func TestCreateOrder_DeliverySettlementNeverWeekend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 10, 1, 12, 0, 0, 0, markethours.IST)
	for i := 0; i < 21; i++ {
		f.clock = start.AddDate(0, 0, i)
		o, err := f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeDelivery, 1, "10"))
		require.NoError(t, err)
		sd, err := time.ParseInLocation(markethours.DateLayout, o.SettlementDate, markethours.IST)
		require.NoError(t, err)
		assert.True(t, markethours.IsWeekday(sd), o.SettlementDate)
		assert.True(t, sd.After(markethours.Midnight(f.clock, markethours.IST)))
	}
}

func TestCreateOrder_SellPublishesStockSold(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := f.bus.Subscribe(ctx, model.TopicStockSold)
	require.NoError(t, err)

	// Cost basis: executed delivery buys at 40 and 60.
	for _, p := range []string{"40", "60"} {
		req := buyRequest(model.OrderTypeDelivery, 5, p)
		req.Status = model.StatusExecuted
		_, err := f.engine.CreateOrder(ctx, "u1", req)
		require.NoError(t, err)
	}

	sell := buyRequest(model.OrderTypeDelivery, 5, "70")
	sell.Mode = model.ModeSell
	o, err := f.engine.CreateOrder(ctx, "u1", sell)
	require.NoError(t, err)

	select {
	case msg := <-sub:
		var ev model.StockSoldEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, model.FillIDForOrder(o.OrderID), ev.FillID)
		assert.Equal(t, "u1", ev.UserID)
		assert.Equal(t, int64(5), ev.Quantity)
		assert.True(t, ev.SellPrice.Equal(dec("70")))
		assert.True(t, ev.PurchasePrice.Equal(dec("50")), ev.PurchasePrice.String())
		assert.Equal(t, model.ModeSell, ev.Mode)
	case <-time.After(time.Second):
		t.Fatal("no stock sold event")
	}
}

func TestCreateOrder_BuyDoesNotPublishStockSold(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := f.bus.Subscribe(ctx, model.TopicStockSold)
	require.NoError(t, err)

	_, err = f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeDelivery, 1, "10"))
	require.NoError(t, err)
	select {
	case <-sub:
		t.Fatal("unexpected stock sold event for BUY")
	default:
	}
}

func TestAnnounceSale_RejectsBuy(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := f.bus.Subscribe(ctx, model.TopicStockSold)
	require.NoError(t, err)

	o, err := f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeDelivery, 1, "10"))
	require.NoError(t, err)
	assert.ErrorIs(t, f.engine.AnnounceSale(ctx, o), model.ErrValidation)
	select {
	case <-sub:
		t.Fatal("unexpected stock sold event for BUY")
	default:
	}
}

func TestCreateOrder_EmitsLedgerEvent(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := f.bus.Subscribe(ctx, model.LedgerTopic("u1"))
	require.NoError(t, err)

	o, err := f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeDelivery, 1, "10"))
	require.NoError(t, err)

	msg := <-sub
	var ev model.LedgerEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	assert.Equal(t, model.EventOrderCreated, ev.Kind)
	assert.Contains(t, string(ev.Data), o.OrderID)
}

func TestOrdersForUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.OrdersForUser(ctx, "u1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeDelivery, 1, "10"))
	require.NoError(t, err)
	_, err = f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeIntraday, 1, "10"))
	require.NoError(t, err)
	_, err = f.engine.CreateOrder(ctx, "u2", buyRequest(model.OrderTypeFNO, 1, "10"))
	require.NoError(t, err)

	all, err := f.engine.OrdersForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	intraday, err := f.engine.OrdersForUser(ctx, "u1", model.OrderTypeIntraday)
	require.NoError(t, err)
	require.Len(t, intraday, 1)
	assert.Equal(t, model.OrderTypeIntraday, intraday[0].OrderType)

	set, err := f.engine.OrdersForUser(ctx, "u1", model.OrderTypeIntraday, model.OrderTypeDelivery)
	require.NoError(t, err)
	assert.Len(t, set, 2)

	_, err = f.engine.OrdersForUser(ctx, "u1", model.OrderTypeFNO)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.engine.OrdersForUser(ctx, "u1", "SWING")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestGetOrder_OwnerScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeDelivery, 1, "10"))
	require.NoError(t, err)

	got, err := f.engine.GetOrder(ctx, "u1", o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, o.OrderID, got.OrderID)

	_, err = f.engine.GetOrder(ctx, "u2", o.OrderID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdateOrderStatus_Transitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeDelivery, 1, "10"))
	require.NoError(t, err)

	f.clock = f.clock.Add(time.Minute)
	executed, err := f.engine.UpdateOrderStatus(ctx, a.OrderID, model.StatusExecuted)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExecuted, executed.Status)
	require.NotNil(t, executed.ExecutedAt)
	assert.True(t, executed.ExecutedAt.Equal(f.clock))
	assert.True(t, executed.TotalAmount.Equal(a.TotalAmount), "total never recomputed")

	// EXECUTED is terminal.
	_, err = f.engine.UpdateOrderStatus(ctx, a.OrderID, model.StatusCancelled)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	b, err := f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeDelivery, 1, "10"))
	require.NoError(t, err)
	cancelled, err := f.engine.UpdateOrderStatus(ctx, b.OrderID, model.StatusCancelled)
	require.NoError(t, err)
	assert.Nil(t, cancelled.ExecutedAt)

	_, err = f.engine.UpdateOrderStatus(ctx, b.OrderID, model.StatusExecuted)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = f.engine.UpdateOrderStatus(ctx, "missing", model.StatusExecuted)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.engine.UpdateOrderStatus(ctx, b.OrderID, "DONE")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDeleteOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.engine.CreateOrder(ctx, "u1", buyRequest(model.OrderTypeDelivery, 1, "10"))
	require.NoError(t, err)

	require.NoError(t, f.engine.DeleteOrder(ctx, o.OrderID))
	assert.ErrorIs(t, f.engine.DeleteOrder(ctx, o.OrderID), model.ErrNotFound)
}
