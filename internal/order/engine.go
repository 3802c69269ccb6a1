// Package order is the order engine: it validates and records BUY/SELL
// orders, applies the market-hours and settlement rules for each order type,
// and moves orders through their status lifecycle.
package order

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeledger/internal/bus"
	"tradeledger/internal/logger"
	"tradeledger/internal/markethours"
	"tradeledger/internal/metrics"
	"tradeledger/internal/model"
	"tradeledger/internal/portfolio"
)

// Engine creates orders and transitions their status.
type Engine struct {
	orders   model.OrderStore
	calendar markethours.Calendar
	pub      bus.Publisher
	metrics  *metrics.Metrics
	log      *slog.Logger

	// Now is the engine's clock. Defaults to time.Now.
	Now func() time.Time
	// NewID generates order ids. Defaults to UUIDv7.
	NewID func() string
}

// NewEngine wires an Engine. pub and m may be nil.
func NewEngine(orders model.OrderStore, cal markethours.Calendar, pub bus.Publisher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		orders:   orders,
		calendar: cal,
		pub:      pub,
		metrics:  m,
		log:      logger.With(slog.String("component", "order_engine")),
		Now:      time.Now,
		NewID:    newOrderID,
	}
}

func newOrderID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// CreateOrder validates req and persists a new order owned by userID.
//
// INTRADAY orders are rejected with ErrMarketClosed outside market hours and
// nothing is stored. DELIVERY orders get a T+1 settlement date. A SELL also
// publishes a StockSoldEvent once the row is committed; a publish failure is
// logged and does not undo the order.
func (e *Engine) CreateOrder(ctx context.Context, userID string, req CreateOrderRequest) (*model.Order, error) {
	now := e.Now()
	log := logger.Ctx(logger.WithUserID(ctx, userID), e.log)

	if userID == "" {
		return nil, fmt.Errorf("create order: %w", model.ErrUnauthorized)
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		e.rejected("validation")
		return nil, err
	}
	if req.OrderType == model.OrderTypeIntraday && !e.calendar.IsMarketOpen(now) {
		e.rejected("market_closed")
		return nil, fmt.Errorf("%w: intraday orders are accepted %02d:%02d to %02d:%02d %s",
			model.ErrMarketClosed,
			markethours.OpenHour, markethours.OpenMinute,
			markethours.CloseHour, markethours.CloseMinute,
			e.calendar.Location())
	}

	o := &model.Order{
		OrderID:       e.NewID(),
		UserID:        userID,
		Symbol:        req.Symbol,
		Name:          req.Name,
		Mode:          req.Mode,
		OrderType:     req.OrderType,
		Quantity:      req.Quantity,
		PurchasePrice: *req.PurchasePrice,
		ActualPrice:   *req.ActualPrice,
		ChangePercent: *req.ChangePercent,
		TotalAmount:   req.Total(),
		Status:        req.Status,
		PlacedAt:      now,
	}
	if o.Status == model.StatusExecuted {
		o.ExecutedAt = &now
	}
	if o.OrderType == model.OrderTypeDelivery {
		o.SettlementDate = e.calendar.SettlementDate(now).Format(markethours.DateLayout)
		o.IsSettled = false
		o.InDematAccount = false
	}

	if err := e.orders.InsertOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if e.metrics != nil {
		e.metrics.OrdersCreated.WithLabelValues(string(o.OrderType), string(o.Mode)).Inc()
	}
	log.Info("order created",
		slog.String("order_id", o.OrderID),
		slog.String("symbol", o.Symbol),
		slog.String("mode", string(o.Mode)),
		slog.String("order_type", string(o.OrderType)),
		slog.Int64("qty", o.Quantity),
		slog.String("total", o.TotalAmount.StringFixed(2)),
	)

	if o.Mode == model.ModeSell {
		e.publishStockSold(ctx, log, o)
	}
	e.emit(ctx, model.EventOrderCreated, o)
	return o, nil
}

func (e *Engine) publishStockSold(ctx context.Context, log *slog.Logger, o *model.Order) {
	if err := e.AnnounceSale(ctx, o); err != nil {
		log.Error("stock sold publish failed",
			slog.String("order_id", o.OrderID),
			slog.String("fill_id", model.FillIDForOrder(o.OrderID)),
			slog.Any("err", err))
	}
}

// AnnounceSale publishes the StockSoldEvent for a SELL order. The fill id is
// derived from the order id, so announcing the same order again books its
// proceeds at most once.
func (e *Engine) AnnounceSale(ctx context.Context, o *model.Order) error {
	if o.Mode != model.ModeSell {
		return fmt.Errorf("announce sale %s: mode %s: %w", o.OrderID, o.Mode, model.ErrValidation)
	}
	if e.pub == nil {
		return nil
	}
	log := logger.Ctx(ctx, e.log)
	ev := model.StockSoldEvent{
		FillID:        model.FillIDForOrder(o.OrderID),
		OrderID:       o.OrderID,
		UserID:        o.UserID,
		Quantity:      o.Quantity,
		SellPrice:     o.PurchasePrice,
		Symbol:        o.Symbol,
		Name:          o.Name,
		Mode:          o.Mode,
		OrderType:     o.OrderType,
		PurchasePrice: e.costBasis(ctx, log, o),
		SoldAt:        o.PlacedAt,
	}
	if err := bus.PublishJSON(ctx, e.pub, model.TopicStockSold, ev); err != nil {
		if e.metrics != nil {
			e.metrics.PublishFailures.WithLabelValues(model.TopicStockSold).Inc()
		}
		return fmt.Errorf("publish %s: %w", ev.FillID, err)
	}
	return nil
}

// costBasis is the user's average cost of the symbol being sold, or the sell
// price when nothing is held.
func (e *Engine) costBasis(ctx context.Context, log *slog.Logger, o *model.Order) decimal.Decimal {
	held, err := e.orders.ListOrders(ctx, model.OrderFilter{UserID: o.UserID})
	if err != nil {
		log.Warn("cost basis lookup failed", slog.String("order_id", o.OrderID), slog.Any("err", err))
		return o.PurchasePrice
	}
	b := portfolio.NewBook()
	b.Replay(held)
	if avg, ok := b.AvgCost(o.Symbol); ok {
		return avg.Round(model.MoneyScale)
	}
	return o.PurchasePrice
}

// OrdersForUser returns the user's orders, optionally restricted to types.
// An empty result is ErrNotFound.
func (e *Engine) OrdersForUser(ctx context.Context, userID string, types ...model.OrderType) ([]model.Order, error) {
	v := model.NewValidationError()
	for _, t := range types {
		if !t.Valid() {
			v.Add("type", fmt.Sprintf("unknown order type %q", t))
		}
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	orders, err := e.orders.ListOrders(ctx, model.OrderFilter{UserID: userID, OrderTypes: types})
	if err != nil {
		return nil, fmt.Errorf("orders for user: %w", err)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("no orders for user %s: %w", userID, model.ErrNotFound)
	}
	return orders, nil
}

// GetOrder returns one order if it belongs to userID.
func (e *Engine) GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	o, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	return o, nil
}

// UpdateOrderStatus moves an order to next. EXECUTED stamps ExecutedAt; any
// other status clears it. Only PENDING orders move.
func (e *Engine) UpdateOrderStatus(ctx context.Context, orderID string, next model.OrderStatus) (*model.Order, error) {
	if !next.Valid() {
		v := model.NewValidationError()
		v.Add("status", "must be PENDING, EXECUTED or CANCELLED")
		return nil, v
	}
	cur, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !cur.Status.CanTransition(next) {
		return nil, &model.InvalidTransitionError{OrderID: orderID, From: cur.Status, To: next}
	}

	var executedAt *time.Time
	if next == model.StatusExecuted {
		now := e.Now()
		executedAt = &now
	}
	updated, err := e.orders.UpdateOrderStatus(ctx, orderID, next, executedAt, cur.Version)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if e.metrics != nil {
		e.metrics.StatusTransitions.WithLabelValues(string(next)).Inc()
	}
	logger.Ctx(ctx, e.log).Info("order status changed",
		slog.String("order_id", orderID),
		slog.String("from", string(cur.Status)),
		slog.String("to", string(next)))
	e.emit(ctx, model.EventOrderStatus, updated)
	return updated, nil
}

// DeleteOrder removes an order. Administrative use only.
func (e *Engine) DeleteOrder(ctx context.Context, orderID string) error {
	if err := e.orders.DeleteOrder(ctx, orderID); err != nil {
		return err
	}
	logger.Ctx(ctx, e.log).Warn("order deleted by admin", slog.String("order_id", orderID))
	return nil
}

func (e *Engine) emit(ctx context.Context, kind string, o *model.Order) {
	if e.pub == nil {
		return
	}
	if err := bus.PublishLedgerEvent(ctx, e.pub, kind, o.UserID, o, e.Now()); err != nil {
		if e.metrics != nil {
			e.metrics.PublishFailures.WithLabelValues(model.TopicLedgerPattern).Inc()
		}
		e.log.Warn("ledger event publish failed", slog.String("kind", kind), slog.Any("err", err))
	}
}

func (e *Engine) rejected(reason string) {
	if e.metrics != nil {
		e.metrics.OrdersRejected.WithLabelValues(reason).Inc()
	}
}

