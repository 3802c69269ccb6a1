// Package settlement runs the background ledger jobs: intraday square-off,
// T+1 delivery settlement, daily P&L snapshots and re-announcement of sales
// whose proceeds were never booked.
//
// Every candidate is processed in its own unit of work with retry. One
// item's failure is recorded in the Report and never blocks the others.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeledger/internal/bus"
	"tradeledger/internal/markethours"
	"tradeledger/internal/metrics"
	"tradeledger/internal/model"
	"tradeledger/internal/notification"
	"tradeledger/internal/portfolio"
	"tradeledger/internal/pricefeed"
	"tradeledger/internal/upstream"
)

// Job names used in reports, logs and metrics.
const (
	JobSquareOff = "squareoff"
	JobSettle    = "settle"
	JobPnL       = "pnl"
	JobReconcile = "reconcile"
)

// SaleAnnouncer publishes the stock-sold event of a SELL order.
type SaleAnnouncer interface {
	AnnounceSale(ctx context.Context, o *model.Order) error
}

// Config tunes the scheduler.
type Config struct {
	Interval       time.Duration // tick period of Run
	RetryAttempts  int           // attempts per item
	RetryBaseDelay time.Duration // first backoff delay, doubled per attempt

	// ReconcileGrace is how old an unbooked sale must be before it is
	// announced again, leaving the consumer time to handle the original.
	ReconcileGrace time.Duration
	// ReconcileMaxAttempts bounds re-announcements per order per process.
	ReconcileMaxAttempts int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		RetryAttempts:  3,
		RetryBaseDelay: 200 * time.Millisecond,

		ReconcileGrace:       2 * time.Minute,
		ReconcileMaxAttempts: 5,
	}
}

// ItemError is one candidate that could not be processed.
type ItemError struct {
	ID  string // order id, or user id for P&L snapshots
	Err error
}

func (e ItemError) Error() string { return e.ID + ": " + e.Err.Error() }

// Report is the outcome of one job run.
type Report struct {
	Job       string
	Processed []model.Order
	Skipped   int
	Failed    []ItemError
}

// Err joins every item failure, or returns nil.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Scheduler owns the end-of-day jobs.
type Scheduler struct {
	orders   model.OrderStore
	pnl      model.PnLStore
	fills    model.FillLedger
	sales    SaleAnnouncer
	quotes   pricefeed.Feed
	calendar markethours.Calendar
	pub      bus.Publisher
	notifier notification.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config

	// Now is the scheduler's clock. Defaults to time.Now.
	Now func() time.Time
	// NewID generates square-off order ids. Defaults to UUIDv7.
	NewID func() string

	mu           sync.Mutex
	lastSnapshot string         // trading date of the last P&L snapshot
	announced    map[string]int // re-announcements per unbooked sale
}

// Deps groups the Scheduler's collaborators. Quotes, Pub, Notifier and
// Metrics may be nil. Fill reconciliation runs only when Fills and Sales
// are both set.
type Deps struct {
	Orders   model.OrderStore
	PnL      model.PnLStore
	Fills    model.FillLedger
	Sales    SaleAnnouncer
	Quotes   pricefeed.Feed
	Calendar markethours.Calendar
	Pub      bus.Publisher
	Notifier notification.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// New creates a Scheduler.
func New(d Deps, cfg Config) *Scheduler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = notification.NewLogNotifier(d.Logger)
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.ReconcileGrace <= 0 {
		cfg.ReconcileGrace = def.ReconcileGrace
	}
	if cfg.ReconcileMaxAttempts <= 0 {
		cfg.ReconcileMaxAttempts = def.ReconcileMaxAttempts
	}
	return &Scheduler{
		orders:    d.Orders,
		pnl:       d.PnL,
		fills:     d.Fills,
		sales:     d.Sales,
		quotes:    d.Quotes,
		calendar:  d.Calendar,
		pub:       d.Pub,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		log:       d.Logger.With(slog.String("component", "settlement")),
		cfg:       cfg,
		announced: make(map[string]int),
		Now:       time.Now,
		NewID: func() string {
			id, err := uuid.NewV7()
			if err != nil {
				return uuid.NewString()
			}
			return id.String()
		},
	}
}

// SquareOffIntraday closes every open intraday long position with an
// offsetting executed SELL at the position's last known market price.
// Each BUY is linked to its SELL, so a second call closes nothing new.
// Before the square-off cutoff it returns ErrTooEarly and changes nothing.
func (s *Scheduler) SquareOffIntraday(ctx context.Context) (Report, error) {
	now := s.Now()
	rep := Report{Job: JobSquareOff}
	if !s.calendar.SquareOffDue(now) {
		return rep, fmt.Errorf("%w: square-off opens at %02d:%02d %s", model.ErrTooEarly,
			markethours.CloseHour, markethours.CloseMinute-markethours.SquareOffMinutesBefore, s.calendar.Location())
	}
	defer s.observe(JobSquareOff, time.Now())

	open, err := s.orders.ListOrders(ctx, model.OrderFilter{
		OrderTypes: []model.OrderType{model.OrderTypeIntraday},
		Status:     model.StatusExecuted,
		Mode:       model.ModeBuy,
		OpenOnly:   true,
	})
	if err != nil {
		return rep, fmt.Errorf("select open intraday: %w", err)
	}

	for i := range open {
		buy := &open[i]
		sell := s.offsetting(buy, now)
		err := upstream.Retry(ctx, s.cfg.RetryAttempts, s.cfg.RetryBaseDelay, func() error {
			err := s.orders.SquareOff(ctx, buy.OrderID, sell)
			if errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrNotFound) {
				return upstream.Stop(err)
			}
			return err
		})
		switch {
		case err == nil:
			rep.Processed = append(rep.Processed, *sell)
			s.item(JobSquareOff, "ok")
			s.emit(ctx, model.EventOrderSquareOff, sell)
			s.log.Info("intraday position squared off",
				slog.String("buy_id", buy.OrderID),
				slog.String("sell_id", sell.OrderID),
				slog.String("user_id", buy.UserID),
				slog.String("symbol", buy.Symbol),
				slog.Int64("qty", buy.Quantity),
				slog.String("price", sell.PurchasePrice.StringFixed(2)))
		case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrNotFound):
			// Closed or removed by someone else since selection.
			rep.Skipped++
			s.item(JobSquareOff, "skipped")
		default:
			rep.Failed = append(rep.Failed, ItemError{ID: buy.OrderID, Err: err})
			s.item(JobSquareOff, "failed")
			s.log.Error("square-off failed",
				slog.String("buy_id", buy.OrderID),
				slog.String("user_id", buy.UserID),
				slog.Any("err", err))
		}
	}

	s.finish(ctx, rep, len(open))
	return rep, nil
}

func (s *Scheduler) offsetting(buy *model.Order, now time.Time) *model.Order {
	executedAt := now
	return &model.Order{
		OrderID:       s.NewID(),
		UserID:        buy.UserID,
		Symbol:        buy.Symbol,
		Name:          buy.Name,
		Mode:          model.ModeSell,
		OrderType:     model.OrderTypeIntraday,
		Quantity:      buy.Quantity,
		PurchasePrice: buy.ActualPrice,
		ActualPrice:   buy.ActualPrice,
		ChangePercent: buy.ChangePercent,
		TotalAmount:   buy.ActualPrice.Mul(decimal.NewFromInt(buy.Quantity)),
		Status:        model.StatusExecuted,
		PlacedAt:      now,
		ExecutedAt:    &executedAt,
	}
}

// ProcessSettlements marks every unsettled DELIVERY order whose settlement
// date is today or earlier as settled and in the demat account. Settled
// orders are never selected again.
func (s *Scheduler) ProcessSettlements(ctx context.Context) (Report, error) {
	defer s.observe(JobSettle, time.Now())
	rep := Report{Job: JobSettle}
	today := markethours.Today(s.calendar, s.Now())

	due, err := s.orders.ListOrders(ctx, model.OrderFilter{UnsettledDue: today})
	if err != nil {
		return rep, fmt.Errorf("select due settlements: %w", err)
	}

	for i := range due {
		id := due[i].OrderID
		var settled *model.Order
		err := upstream.Retry(ctx, s.cfg.RetryAttempts, s.cfg.RetryBaseDelay, func() error {
			cur, err := s.orders.GetOrder(ctx, id)
			if err != nil {
				if errors.Is(err, model.ErrNotFound) {
					return upstream.Stop(err)
				}
				return err
			}
			if cur.IsSettled {
				return nil
			}
			settled, err = s.orders.SettleOrder(ctx, id, cur.Version)
			return err
		})
		switch {
		case err == nil && settled != nil:
			rep.Processed = append(rep.Processed, *settled)
			s.item(JobSettle, "ok")
			s.emit(ctx, model.EventOrderSettled, settled)
		case err == nil, errors.Is(err, model.ErrNotFound):
			rep.Skipped++
			s.item(JobSettle, "skipped")
		default:
			rep.Failed = append(rep.Failed, ItemError{ID: id, Err: err})
			s.item(JobSettle, "failed")
			s.log.Error("settlement failed",
				slog.String("order_id", id),
				slog.String("user_id", due[i].UserID),
				slog.String("settlement_date", due[i].SettlementDate),
				slog.Any("err", err))
		}
	}

	s.finish(ctx, rep, len(due))
	return rep, nil
}

// SnapshotDailyPnL writes today's combined, holdings and positions P&L for
// every user with orders. It returns the number of snapshot rows written.
func (s *Scheduler) SnapshotDailyPnL(ctx context.Context) (int, Report, error) {
	defer s.observe(JobPnL, time.Now())
	rep := Report{Job: JobPnL}
	now := s.Now()
	today := markethours.Today(s.calendar, now)

	users, err := s.pnl.UsersWithOrders(ctx)
	if err != nil {
		return 0, rep, fmt.Errorf("list users: %w", err)
	}

	prices := make(map[string]decimal.Decimal)
	written := 0
	for _, userID := range users {
		err := upstream.Retry(ctx, s.cfg.RetryAttempts, s.cfg.RetryBaseDelay, func() error {
			orders, err := s.orders.ListOrders(ctx, model.OrderFilter{UserID: userID})
			if err != nil {
				return err
			}
			book := portfolio.NewBook()
			book.Replay(orders)
			s.fillPrices(ctx, book.Symbols(), prices)
			sum := book.Summary(prices)

			for _, cat := range []model.PnLCategory{model.PnLCombined, model.PnLHoldings, model.PnLPositions} {
				snap := model.PnLSnapshot{UserID: userID, Date: today, Category: cat, TotalPL: sum.Get(cat), UpdatedAt: now}
				if err := s.pnl.UpsertPnL(ctx, snap); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			rep.Failed = append(rep.Failed, ItemError{ID: userID, Err: err})
			s.item(JobPnL, "failed")
			s.log.Error("pnl snapshot failed", slog.String("user_id", userID), slog.Any("err", err))
			continue
		}
		written += 3
		s.item(JobPnL, "ok")
	}
	if s.metrics != nil {
		s.metrics.PnLSnapshots.Add(float64(written))
	}

	s.finish(ctx, rep, len(users))
	return written, rep, nil
}

// ReconcileFills announces again every sale whose proceeds were never
// booked: its stock-sold event was lost in transit, or the consumer gave up
// on it. The consumer applies a fill id once, so a sale that was merely slow
// is not credited twice. Each order is announced at most
// ReconcileMaxAttempts times per process; the last attempt raises an alert.
func (s *Scheduler) ReconcileFills(ctx context.Context) (Report, error) {
	rep := Report{Job: JobReconcile}
	if s.fills == nil || s.sales == nil {
		return rep, nil
	}
	defer s.observe(JobReconcile, time.Now())

	pending, err := s.fills.UnbookedSales(ctx, s.Now().Add(-s.cfg.ReconcileGrace))
	if err != nil {
		return rep, fmt.Errorf("select unbooked sales: %w", err)
	}

	for i := range pending {
		o := &pending[i]
		fillID := model.FillIDForOrder(o.OrderID)
		attempt, ok := s.nextAnnouncement(o.OrderID)
		if !ok {
			rep.Skipped++
			s.item(JobReconcile, "exhausted")
			continue
		}
		err := upstream.Retry(ctx, s.cfg.RetryAttempts, s.cfg.RetryBaseDelay, func() error {
			done, err := s.fills.EventProcessed(ctx, fillID)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			return s.sales.AnnounceSale(ctx, o)
		})
		if err != nil {
			rep.Failed = append(rep.Failed, ItemError{ID: o.OrderID, Err: err})
			s.item(JobReconcile, "failed")
			s.log.Error("sale re-announcement failed",
				slog.String("order_id", o.OrderID),
				slog.String("user_id", o.UserID),
				slog.Any("err", err))
			continue
		}
		rep.Processed = append(rep.Processed, *o)
		s.item(JobReconcile, "ok")
		s.log.Warn("unbooked sale announced again",
			slog.String("order_id", o.OrderID),
			slog.String("fill_id", fillID),
			slog.String("user_id", o.UserID),
			slog.Int("attempt", attempt))
		if attempt == s.cfg.ReconcileMaxAttempts {
			s.alert(ctx, notification.Alert{
				Level:   notification.AlertCritical,
				Title:   "sale proceeds still unbooked",
				Message: fmt.Sprintf("announced %d times without a booked fill", attempt),
				Fields: map[string]string{
					"order_id": o.OrderID,
					"fill_id":  fillID,
					"user_id":  o.UserID,
				},
			})
		}
	}

	s.finish(ctx, rep, len(pending))
	return rep, nil
}

// nextAnnouncement counts one more announcement of orderID and reports
// whether it is still within ReconcileMaxAttempts.
func (s *Scheduler) nextAnnouncement(orderID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.announced[orderID]
	if n >= s.cfg.ReconcileMaxAttempts {
		return n, false
	}
	s.announced[orderID] = n + 1
	return n + 1, true
}

// fillPrices looks up symbols missing from prices. Quote failures leave the
// symbol unpriced; its unrealized part is then zero.
func (s *Scheduler) fillPrices(ctx context.Context, symbols []string, prices map[string]decimal.Decimal) {
	if s.quotes == nil {
		return
	}
	for _, sym := range symbols {
		if _, ok := prices[sym]; ok {
			continue
		}
		q, err := s.quotes.Quote(ctx, sym)
		if err != nil {
			s.log.Warn("quote unavailable for pnl", slog.String("symbol", sym), slog.Any("err", err))
			continue
		}
		prices[sym] = q.Price
	}
}

// Run ticks every Interval until ctx is done. Settlement and fill
// reconciliation run every tick; square-off runs on every tick from the
// cutoff on, so positions executed after an earlier pass are still closed;
// the P&L snapshot runs once per trading day after close. Job errors are
// logged, never fatal.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("settlement scheduler started", slog.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("settlement scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs whichever jobs are due at Now.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.Now()
	today := markethours.Today(s.calendar, now)
	if s.metrics != nil {
		open := 0.0
		if s.calendar.IsMarketOpen(now) {
			open = 1
		}
		s.metrics.MarketState.Set(open)
	}

	if s.calendar.SquareOffDue(now) {
		if _, err := s.SquareOffIntraday(ctx); err != nil {
			s.log.Error("square-off run failed", slog.Any("err", err))
		}
	}

	if _, err := s.ProcessSettlements(ctx); err != nil {
		s.log.Error("settlement run failed", slog.Any("err", err))
	}

	if _, err := s.ReconcileFills(ctx); err != nil {
		s.log.Error("fill reconciliation failed", slog.Any("err", err))
	}

	if s.quotesAfterClose(now) && s.swapIfNew(&s.lastSnapshot, today) {
		if _, _, err := s.SnapshotDailyPnL(ctx); err != nil {
			s.log.Error("pnl snapshot run failed", slog.Any("err", err))
			s.reset(&s.lastSnapshot)
		}
	}
}

func (s *Scheduler) quotesAfterClose(now time.Time) bool {
	return s.calendar.IsTradingDay(now) && !now.Before(markethours.TodayClose(s.calendar, now))
}

func (s *Scheduler) swapIfNew(last *string, today string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *last == today {
		return false
	}
	*last = today
	return true
}

func (s *Scheduler) reset(last *string) {
	s.mu.Lock()
	*last = ""
	s.mu.Unlock()
}

// RunOnce runs a single job by name, for operators.
func (s *Scheduler) RunOnce(ctx context.Context, job string) (Report, error) {
	switch strings.ToLower(job) {
	case JobSquareOff:
		return s.SquareOffIntraday(ctx)
	case JobSettle:
		return s.ProcessSettlements(ctx)
	case JobPnL:
		_, rep, err := s.SnapshotDailyPnL(ctx)
		return rep, err
	case JobReconcile:
		return s.ReconcileFills(ctx)
	}
	return Report{}, fmt.Errorf("unknown job %q (want %s, %s, %s or %s): %w",
		job, JobSquareOff, JobSettle, JobPnL, JobReconcile, model.ErrValidation)
}

func (s *Scheduler) finish(ctx context.Context, rep Report, candidates int) {
	level := slog.LevelInfo
	if candidates == 0 {
		level = slog.LevelDebug
	}
	s.log.Log(ctx, level, "job finished",
		slog.String("job", rep.Job),
		slog.Int("candidates", candidates),
		slog.Int("processed", len(rep.Processed)),
		slog.Int("skipped", rep.Skipped),
		slog.Int("failed", len(rep.Failed)))
	if len(rep.Failed) == 0 {
		return
	}
	ids := make([]string, 0, len(rep.Failed))
	for _, f := range rep.Failed {
		ids = append(ids, f.ID)
	}
	alert := notification.Alert{
		Level:   notification.AlertCritical,
		Title:   fmt.Sprintf("%s: %d of %d items failed", rep.Job, len(rep.Failed), candidates),
		Message: strings.Join(ids, ", "),
		Fields:  map[string]string{"job": rep.Job},
	}
	s.alert(ctx, alert)
}

func (s *Scheduler) alert(ctx context.Context, a notification.Alert) {
	if err := s.notifier.Send(ctx, a); err != nil {
		s.log.Warn("alert delivery failed", slog.Any("err", err))
	}
}

func (s *Scheduler) emit(ctx context.Context, kind string, o *model.Order) {
	if s.pub == nil {
		return
	}
	if err := bus.PublishLedgerEvent(ctx, s.pub, kind, o.UserID, o, s.Now()); err != nil {
		s.log.Warn("ledger event publish failed", slog.String("kind", kind), slog.Any("err", err))
	}
}

func (s *Scheduler) item(job, result string) {
	if s.metrics != nil {
		s.metrics.SettlementItems.WithLabelValues(job, result).Inc()
	}
}

func (s *Scheduler) observe(job string, start time.Time) {
	if s.metrics != nil {
		s.metrics.SettlementRuns.WithLabelValues(job).Inc()
		s.metrics.SettlementDur.WithLabelValues(job).Observe(time.Since(start).Seconds())
	}
}
