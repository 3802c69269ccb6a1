// Package fill books the proceeds of sales announced on the stock-sold topic.
//
// Delivery is at-least-once. Every event carries a fill id and the ledger
// store applies a fill id at most once, so redelivery never double-credits.
package fill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeledger/internal/bus"
	"tradeledger/internal/fx"
	"tradeledger/internal/metrics"
	"tradeledger/internal/model"
	"tradeledger/internal/notification"
	"tradeledger/internal/upstream"
)

// DefaultSettlementCurrency is the currency user balances are kept in.
const DefaultSettlementCurrency = "INR"

// Drop reasons, used as the metrics label.
const (
	dropMalformed   = "malformed"
	dropMissing     = "missing_fields"
	dropUnknownUser = "unknown_user"
	dropFailed      = "apply_failed"
)

// fillNamespace seeds content-derived fill ids for events published without one.
var fillNamespace = uuid.MustParse("6b0f3c1e-5a8d-4c62-9d1b-2f7e8a4c9b10")

// Config tunes the consumer.
type Config struct {
	SettlementCurrency string
	RetryAttempts      int
	RetryBaseDelay     time.Duration
}

// Consumer applies StockSoldEvents to the ledger.
type Consumer struct {
	store    model.FillStore
	rates    fx.Provider
	pub      bus.Publisher
	notifier notification.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config

	Now   func() time.Time
	NewID func() string
}

// NewConsumer creates a Consumer. pub, notifier and m may be nil.
func NewConsumer(store model.FillStore, rates fx.Provider, pub bus.Publisher, notifier notification.Notifier, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SettlementCurrency == "" {
		cfg.SettlementCurrency = DefaultSettlementCurrency
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 250 * time.Millisecond
	}
	return &Consumer{
		store:    store,
		rates:    rates,
		pub:      pub,
		notifier: notifier,
		metrics:  m,
		log:      logger.With(slog.String("component", "fill")),
		cfg:      cfg,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// Result describes one applied fill.
type Result struct {
	Fill        *model.Order    `json:"fill"`
	Proceeds    decimal.Decimal `json:"proceeds"`
	Currency    string          `json:"currency"`
	FXRate      decimal.Decimal `json:"fxRate"`
	RealizedPnL decimal.Decimal `json:"realizedPnL"`
	Balance     decimal.Decimal `json:"balance"`
	Invested    decimal.Decimal `json:"investedAmount"`
}

// OnStockSold applies one sale. Events missing a user, quantity or sell price
// and events for unknown users are dropped with a log line and return nil. A
// fill id seen before is a silent success. Any other error means nothing was
// committed and the event may be retried.
func (c *Consumer) OnStockSold(ctx context.Context, ev model.StockSoldEvent) (*Result, error) {
	log := c.log.With(slog.String("user_id", ev.UserID), slog.String("symbol", ev.Symbol))
	if reason := missingFields(ev); reason != "" {
		log.Warn("stock sold event dropped", slog.String("reason", reason))
		c.dropped(dropMissing)
		return nil, nil
	}
	if ev.FillID == "" {
		ev.FillID = deriveFillID(ev)
	}
	log = log.With(slog.String("fill_id", ev.FillID))

	start := time.Now()
	native := strings.ToUpper(strings.TrimSpace(ev.Currency))
	if native == "" {
		native = fx.CurrencyForSymbol(ev.Symbol)
	}

	var rate decimal.Decimal
	err := upstream.Retry(ctx, c.cfg.RetryAttempts, c.cfg.RetryBaseDelay, func() error {
		r, err := c.rates.Rate(ctx, native, c.cfg.SettlementCurrency)
		if err != nil {
			return err
		}
		rate = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fx %s%s for fill %s: %w", native, c.cfg.SettlementCurrency, ev.FillID, err)
	}

	qty := decimal.NewFromInt(ev.Quantity)
	proceeds := qty.Mul(ev.SellPrice).Mul(rate).Round(model.MoneyScale)
	realized := ev.SellPrice.Sub(ev.PurchasePrice).Mul(qty).Mul(rate).Round(model.MoneyScale)
	now := c.Now()
	fill := c.fillOrder(ev, now)

	var user *model.User
	err = upstream.Retry(ctx, c.cfg.RetryAttempts, c.cfg.RetryBaseDelay, func() error {
		u, err := c.store.ApplyFill(ctx, fill, proceeds)
		if errors.Is(err, model.ErrDuplicateEvent) || errors.Is(err, model.ErrNotFound) {
			return upstream.Stop(err)
		}
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	switch {
	case errors.Is(err, model.ErrDuplicateEvent):
		log.Info("fill already applied")
		if c.metrics != nil {
			c.metrics.FillsDuplicate.Inc()
		}
		return nil, nil
	case errors.Is(err, model.ErrNotFound):
		log.Warn("stock sold event dropped", slog.String("reason", "unknown user"))
		c.dropped(dropUnknownUser)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("apply fill %s: %w", ev.FillID, err)
	}

	res := &Result{
		Fill:        fill,
		Proceeds:    proceeds,
		Currency:    c.cfg.SettlementCurrency,
		FXRate:      rate,
		RealizedPnL: realized,
		Balance:     user.Balance,
		Invested:    user.InvestedAmount,
	}
	if c.metrics != nil {
		c.metrics.FillsApplied.Inc()
		c.metrics.FillProceedsSum.Add(proceeds.InexactFloat64())
		c.metrics.FillApplyDur.Observe(time.Since(start).Seconds())
	}
	log.Info("fill applied",
		slog.String("order_id", fill.OrderID),
		slog.Int64("qty", ev.Quantity),
		slog.String("sell_price", ev.SellPrice.String()),
		slog.String("currency", native),
		slog.String("fx_rate", rate.String()),
		slog.String("proceeds", proceeds.StringFixed(2)),
		slog.String("realized_pnl", realized.StringFixed(2)))

	if c.pub != nil {
		if err := bus.PublishLedgerEvent(ctx, c.pub, model.EventFillExecuted, ev.UserID, res, now); err != nil {
			log.Warn("ledger event publish failed", slog.Any("err", err))
		}
	}
	return res, nil
}

func (c *Consumer) fillOrder(ev model.StockSoldEvent, now time.Time) *model.Order {
	typ := ev.OrderType
	if !typ.Valid() {
		typ = model.OrderTypeDelivery
	}
	executedAt := now
	return &model.Order{
		OrderID:       c.NewID(),
		UserID:        ev.UserID,
		Symbol:        strings.ToUpper(ev.Symbol),
		Name:          ev.Name,
		Mode:          model.ModeSell,
		OrderType:     typ,
		Quantity:      ev.Quantity,
		PurchasePrice: ev.SellPrice,
		ActualPrice:   ev.SellPrice,
		TotalAmount:   ev.SellPrice.Mul(decimal.NewFromInt(ev.Quantity)).Round(model.MoneyScale),
		Status:        model.StatusExecuted,
		PlacedAt:      now,
		ExecutedAt:    &executedAt,
		FillID:        ev.FillID,
	}
}

// Run consumes the stock-sold topic until ctx is done.
func (c *Consumer) Run(ctx context.Context, sub bus.Subscriber) error {
	msgs, err := sub.Subscribe(ctx, model.TopicStockSold)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", model.TopicStockSold, err)
	}
	c.log.Info("sell consumer started", slog.String("topic", model.TopicStockSold))
	for {
		select {
		case <-ctx.Done():
			c.log.Info("sell consumer stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			c.Handle(ctx, msg.Payload)
		}
	}
}

// Handle decodes and applies one raw payload. It never returns an error:
// failures are logged, counted and alerted.
func (c *Consumer) Handle(ctx context.Context, payload []byte) {
	var ev model.StockSoldEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.log.Warn("malformed stock sold payload", slog.Any("err", err), slog.Int("bytes", len(payload)))
		c.dropped(dropMalformed)
		return
	}
	if _, err := c.OnStockSold(ctx, ev); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.log.Error("fill not applied",
			slog.String("fill_id", ev.FillID),
			slog.String("user_id", ev.UserID),
			slog.Any("err", err))
		c.dropped(dropFailed)
		if c.notifier != nil {
			alert := notification.Alert{
				Level:   notification.AlertCritical,
				Title:   "sale proceeds not booked",
				Message: err.Error(),
				Fields: map[string]string{
					"fill_id":  ev.FillID,
					"user_id":  ev.UserID,
					"symbol":   ev.Symbol,
					"quantity": strconv.FormatInt(ev.Quantity, 10),
				},
			}
			if err := c.notifier.Send(ctx, alert); err != nil {
				c.log.Warn("alert delivery failed", slog.Any("err", err))
			}
		}
	}
}

func (c *Consumer) dropped(reason string) {
	if c.metrics != nil {
		c.metrics.FillsDropped.WithLabelValues(reason).Inc()
	}
}

func missingFields(ev model.StockSoldEvent) string {
	var missing []string
	if strings.TrimSpace(ev.UserID) == "" {
		missing = append(missing, "userId")
	}
	if ev.Quantity <= 0 {
		missing = append(missing, "quantity")
	}
	if !ev.SellPrice.IsPositive() {
		missing = append(missing, "sellPrice")
	}
	return strings.Join(missing, ",")
}

// deriveFillID gives events published without a fill id a stable id so that
// redelivery of the same payload is still applied once.
func deriveFillID(ev model.StockSoldEvent) string {
	if ev.OrderID != "" {
		return model.FillIDForOrder(ev.OrderID)
	}
	key := fmt.Sprintf("%s|%s|%d|%s|%s|%d", ev.UserID, strings.ToUpper(ev.Symbol), ev.Quantity,
		ev.SellPrice.String(), ev.PurchasePrice.String(), ev.SoldAt.UnixNano())
	return "fill-" + uuid.NewSHA1(fillNamespace, []byte(key)).String()
}
