package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeledger/internal/model"
)

var t0 = time.Date(2026, 10, 14, 5, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DBPath: filepath.Join(t.TempDir(), "ledger.db")}, nil)
	require.NoError(t, err)
	s.Now = func() time.Time { return t0 }
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleOrder(id, user string) *model.Order {
	return &model.Order{
		OrderID:       id,
		UserID:        user,
		Symbol:        "INFY.NS",
		Name:          "Infosys",
		Mode:          model.ModeBuy,
		OrderType:     model.OrderTypeIntraday,
		Quantity:      10,
		PurchasePrice: dec("100.50"),
		ActualPrice:   dec("100.50"),
		TotalAmount:   dec("1005.00"),
		Status:        model.StatusPending,
		PlacedAt:      t0,
	}
}

func credit(id, user, amount string) *model.Transaction {
	return &model.Transaction{
		TransactionID: id,
		UserID:        user,
		Type:          "upi",
		Amount:        dec(amount),
		Currency:      "INR",
		Status:        "captured",
		Mode:          model.TxnCredit,
		CreatedAt:     t0,
	}
}

func TestOrderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := sampleOrder("o1", "u1")
	o.OrderType = model.OrderTypeDelivery
	o.SettlementDate = "2026-10-15"
	require.NoError(t, s.InsertOrder(ctx, o))

	got, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.TotalAmount.Equal(dec("1005")))
	assert.True(t, got.PurchasePrice.Equal(dec("100.5")))
	assert.Equal(t, "2026-10-15", got.SettlementDate)
	assert.Nil(t, got.ExecutedAt)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.PlacedAt.Equal(t0))

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestInsertOrder_RejectsAmountBeyondMinorUnits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := sampleOrder("big", "u1")
	o.Quantity = 1_000_000_000_000
	o.PurchasePrice = dec("10000000.00")
	o.TotalAmount = o.PurchasePrice.Mul(decimal.NewFromInt(o.Quantity))

	err := s.InsertOrder(ctx, o)
	assert.ErrorIs(t, err, model.ErrAmountOutOfRange)
	assert.ErrorContains(t, err, "totalAmount")

	_, err = s.GetOrder(ctx, "big")
	assert.ErrorIs(t, err, model.ErrNotFound, "nothing stored")

	o.OrderID = "edge"
	o.Quantity = 1
	o.PurchasePrice = model.MaxAmount
	o.ActualPrice = model.MaxAmount
	o.TotalAmount = model.MaxAmount
	require.NoError(t, s.InsertOrder(ctx, o))
	got, err := s.GetOrder(ctx, "edge")
	require.NoError(t, err)
	assert.True(t, got.TotalAmount.Equal(model.MaxAmount), got.TotalAmount.String())
}

func TestUpdateOrderStatus_VersionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertOrder(ctx, sampleOrder("o1", "u1")))

	exec := t0.Add(time.Minute)
	got, err := s.UpdateOrderStatus(ctx, "o1", model.StatusExecuted, &exec, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExecuted, got.Status)
	require.NotNil(t, got.ExecutedAt)
	assert.True(t, got.ExecutedAt.Equal(exec))
	assert.Equal(t, int64(2), got.Version)

	// stale version
	_, err = s.UpdateOrderStatus(ctx, "o1", model.StatusCancelled, nil, 1)
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = s.UpdateOrderStatus(ctx, "nope", model.StatusCancelled, nil, 1)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListOrders_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleOrder("a", "u1")
	a.Status = model.StatusExecuted
	b := sampleOrder("b", "u1")
	b.OrderType = model.OrderTypeDelivery
	b.SettlementDate = "2026-10-15"
	b.PlacedAt = t0.Add(time.Second)
	c := sampleOrder("c", "u2")
	c.Status = model.StatusExecuted
	c.PlacedAt = t0.Add(2 * time.Second)
	for _, o := range []*model.Order{a, b, c} {
		require.NoError(t, s.InsertOrder(ctx, o))
	}

	got, err := s.ListOrders(ctx, model.OrderFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].OrderID)

	got, err = s.ListOrders(ctx, model.OrderFilter{
		OrderTypes: []model.OrderType{model.OrderTypeIntraday},
		Status:     model.StatusExecuted,
		Mode:       model.ModeBuy,
		OpenOnly:   true,
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListOrders(ctx, model.OrderFilter{UnsettledDue: "2026-10-14"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.ListOrders(ctx, model.OrderFilter{UnsettledDue: "2026-10-15"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].OrderID)
}

func TestSettleOrder_Once(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := sampleOrder("d1", "u1")
	o.OrderType = model.OrderTypeDelivery
	o.SettlementDate = "2026-10-15"
	require.NoError(t, s.InsertOrder(ctx, o))

	got, err := s.SettleOrder(ctx, "d1", 1)
	require.NoError(t, err)
	assert.True(t, got.IsSettled)
	assert.True(t, got.InDematAccount)

	_, err = s.SettleOrder(ctx, "d1", got.Version)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestSquareOff_LinksOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	buy := sampleOrder("b1", "u1")
	buy.Status = model.StatusExecuted
	require.NoError(t, s.InsertOrder(ctx, buy))

	sell := sampleOrder("s1", "u1")
	sell.Mode = model.ModeSell
	sell.Status = model.StatusExecuted
	require.NoError(t, s.SquareOff(ctx, "b1", sell))

	got, err := s.GetOrder(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SquaredOffBy)
	_, err = s.GetOrder(ctx, "s1")
	require.NoError(t, err)

	again := sampleOrder("s2", "u1")
	again.Mode = model.ModeSell
	err = s.SquareOff(ctx, "b1", again)
	assert.ErrorIs(t, err, model.ErrConflict)
	_, err = s.GetOrder(ctx, "s2")
	assert.ErrorIs(t, err, model.ErrNotFound, "sell row rolled back")
}

func TestUnbookedSales(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sell := func(id string, placed time.Time) *model.Order {
		o := sampleOrder(id, "u1")
		o.Mode = model.ModeSell
		o.OrderType = model.OrderTypeDelivery
		o.PlacedAt = placed
		return o
	}
	require.NoError(t, s.InsertOrder(ctx, sampleOrder("b0", "u1")))
	require.NoError(t, s.InsertOrder(ctx, sell("s-old", t0.Add(-time.Hour))))
	require.NoError(t, s.InsertOrder(ctx, sell("s-booked", t0.Add(-time.Hour))))
	require.NoError(t, s.InsertOrder(ctx, sell("s-new", t0.Add(time.Minute))))
	cancelled := sell("s-cancelled", t0.Add(-time.Hour))
	cancelled.Status = model.StatusCancelled
	require.NoError(t, s.InsertOrder(ctx, cancelled))

	buy := sampleOrder("b1", "u1")
	buy.Status = model.StatusExecuted
	require.NoError(t, s.InsertOrder(ctx, buy))
	leg := sell("sq-1", t0.Add(-time.Hour))
	leg.OrderType = model.OrderTypeIntraday
	leg.Status = model.StatusExecuted
	require.NoError(t, s.SquareOff(ctx, "b1", leg))

	_, _, err := s.ApplyCredit(ctx, credit("pay_1", "u1", "100.00"))
	require.NoError(t, err)
	fill := sell("f-booked", t0)
	fill.Status = model.StatusExecuted
	fill.FillID = model.FillIDForOrder("s-booked")
	_, err = s.ApplyFill(ctx, fill, dec("10.00"))
	require.NoError(t, err)

	got, err := s.UnbookedSales(ctx, t0)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, o := range got {
		ids = append(ids, o.OrderID)
	}
	assert.Equal(t, []string{"s-old"}, ids)

	got, err = s.UnbookedSales(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestApplyCredit_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, dup, err := s.ApplyCredit(ctx, credit("pay_1", "u1", "500.00"))
	require.NoError(t, err)
	assert.False(t, dup)

	stored, dup, err := s.ApplyCredit(ctx, credit("pay_1", "u1", "500.00"))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "pay_1", stored.TransactionID)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("500")), u.Balance.String())

	txns, err := s.ListTransactions(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestApplyCredit_BalanceCeiling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.ApplyCredit(ctx, credit("pay_max", "u1", model.MaxAmount.String()))
	require.NoError(t, err)

	_, _, err = s.ApplyCredit(ctx, credit("pay_more", "u1", "0.01"))
	assert.ErrorIs(t, err, model.ErrAmountOutOfRange)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(model.MaxAmount), u.Balance.String())
	_, err = s.GetTransaction(ctx, "pay_more")
	assert.ErrorIs(t, err, model.ErrNotFound, "credit row rolled back")

	_, _, err = s.ApplyCredit(ctx, credit("pay_huge", "u2", "100000000000000000000"))
	assert.ErrorIs(t, err, model.ErrAmountOutOfRange)
	_, err = s.GetUser(ctx, "u2")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestApplyFill_RejectsOverflowingBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.ApplyCredit(ctx, credit("pay_max", "u1", model.MaxAmount.String()))
	require.NoError(t, err)

	fill := sampleOrder("f1", "u1")
	fill.Mode = model.ModeSell
	fill.FillID = model.FillIDForOrder("s1")

	_, err = s.ApplyFill(ctx, fill, dec("1.00"))
	assert.ErrorIs(t, err, model.ErrAmountOutOfRange)

	seen, err := s.EventProcessed(ctx, fill.FillID)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestWithdraw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.ApplyCredit(ctx, credit("pay_1", "u1", "100.00"))
	require.NoError(t, err)

	w := &model.Transaction{
		TransactionID: "w1", UserID: "u1", Type: model.TxnTypeWithdrawal,
		Amount: dec("150.00"), Currency: "INR", Status: "completed",
		Mode: model.TxnDebit, CreatedAt: t0,
	}
	_, err = s.Withdraw(ctx, w)
	var insufficient *model.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(dec("100")))
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	w.Amount = dec("40.25")
	u, err := s.Withdraw(ctx, w)
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("59.75")), u.Balance.String())
	assert.True(t, u.WithdrawAmount.Equal(dec("40.25")))

	txns, err := s.ListTransactions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	_, err = s.Withdraw(ctx, &model.Transaction{TransactionID: "w3", UserID: "ghost", Amount: dec("1"), Mode: model.TxnDebit, CreatedAt: t0})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestWithdraw_ConcurrentNeverNegative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.ApplyCredit(ctx, credit("pay_1", "u1", "100.00"))
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Withdraw(ctx, &model.Transaction{
				TransactionID: "w" + string(rune('a'+i)), UserID: "u1", Type: model.TxnTypeWithdrawal,
				Amount: dec("30"), Currency: "INR", Status: "completed", Mode: model.TxnDebit, CreatedAt: t0,
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else if !errors.Is(err, model.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("10")), u.Balance.String())
}

func TestApplyFill_ExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.ApplyCredit(ctx, credit("pay_1", "u1", "1000.00"))
	require.NoError(t, err)

	fill := sampleOrder("f1", "u1")
	fill.Mode = model.ModeSell
	fill.Status = model.StatusExecuted
	fill.FillID = model.FillIDForOrder("s1")

	u, err := s.ApplyFill(ctx, fill, dec("250.00"))
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("1250")))
	assert.True(t, u.InvestedAmount.Equal(dec("-250")))

	dupe := *fill
	dupe.OrderID = "f2"
	_, err = s.ApplyFill(ctx, &dupe, dec("250.00"))
	assert.ErrorIs(t, err, model.ErrDuplicateEvent)

	u, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.Balance.Equal(dec("1250")))
	_, err = s.GetOrder(ctx, "f2")
	assert.ErrorIs(t, err, model.ErrNotFound)

	seen, err := s.EventProcessed(ctx, fill.FillID)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestApplyFill_UnknownUserCommitsNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fill := sampleOrder("f1", "ghost")
	fill.FillID = "fill-x"

	_, err := s.ApplyFill(ctx, fill, dec("10"))
	assert.ErrorIs(t, err, model.ErrNotFound)

	seen, err := s.EventProcessed(ctx, "fill-x")
	require.NoError(t, err)
	assert.False(t, seen, "marker rolled back so a retry can apply")
}

func TestPnLUpsertAndRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPnL(ctx, model.PnLSnapshot{UserID: "u1", Date: "2026-10-14", Category: model.PnLCombined, TotalPL: dec("12.50")}))
	require.NoError(t, s.UpsertPnL(ctx, model.PnLSnapshot{UserID: "u1", Date: "2026-10-14", Category: model.PnLCombined, TotalPL: dec("-3.00")}))
	require.NoError(t, s.UpsertPnL(ctx, model.PnLSnapshot{UserID: "u1", Date: "2026-10-15", Category: model.PnLCombined, TotalPL: dec("7")}))
	require.NoError(t, s.UpsertPnL(ctx, model.PnLSnapshot{UserID: "u1", Date: "2026-10-15", Category: model.PnLHoldings, TotalPL: dec("1")}))

	got, err := s.ListPnL(ctx, "u1", model.PnLCombined, "", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].TotalPL.Equal(dec("-3")))

	got, err = s.ListPnL(ctx, "u1", "", "2026-10-15", "2026-10-15")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestUsersWithOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertOrder(ctx, sampleOrder("a", "u2")))
	require.NoError(t, s.InsertOrder(ctx, sampleOrder("b", "u1")))
	require.NoError(t, s.InsertOrder(ctx, sampleOrder("c", "u2")))

	ids, err := s.UsersWithOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)
}
