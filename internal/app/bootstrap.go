// Package app wires the shared infrastructure both binaries start from:
// store, bus, calendar, upstream clients and alerting.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	goredis "github.com/go-redis/redis/v8"

	"tradeledger/config"
	"tradeledger/internal/bus"
	"tradeledger/internal/fx"
	"tradeledger/internal/markethours"
	"tradeledger/internal/metrics"
	"tradeledger/internal/model"
	"tradeledger/internal/notification"
	"tradeledger/internal/pricefeed"
	"tradeledger/internal/store/sqlite"
	"tradeledger/internal/upstream"
)

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// OpenStore opens the ledger database, creating its directory if needed.
func OpenStore(cfg *config.Config, logger *slog.Logger) (*sqlite.Store, error) {
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return sqlite.Open(sqlite.Config{DBPath: cfg.SQLitePath}, logger)
}

// Bus is the connected message channel. Redis is set only for the redis
// driver and is probed by the health checker.
type Bus struct {
	bus.Bus
	Redis *goredis.Client
}

// OpenBus connects the driver named in cfg.BusDriver. queueGroup load-balances
// NATS subscriptions across processes; leave it empty for fan-out. m may be
// nil.
func OpenBus(ctx context.Context, cfg *config.Config, name, queueGroup string, m *metrics.Metrics, logger *slog.Logger) (*Bus, error) {
	logger = orDefault(logger)
	switch cfg.BusDriver {
	case config.BusMemory:
		mem := bus.NewMemory(1024)
		mem.OnDrop = memoryDropHook(m, logger)
		return &Bus{Bus: mem}, nil
	case config.BusNATS:
		n, err := bus.ConnectNATS(cfg.NATSURL, name, logger)
		if err != nil {
			return nil, err
		}
		n.QueueGroup = queueGroup
		return &Bus{Bus: n}, nil
	default:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("redis connection failed at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("redis connected", slog.String("addr", cfg.RedisAddr))
		return &Bus{Bus: bus.NewRedis(rdb, logger), Redis: rdb}, nil
	}
}

// memoryDropHook counts and logs messages the in-memory bus could not
// deliver to a full subscriber.
func memoryDropHook(m *metrics.Metrics, logger *slog.Logger) func(int, string) {
	return func(subscriber int, topic string) {
		if m != nil {
			m.BusDropsTotal.WithLabelValues(topic).Inc()
		}
		level := slog.LevelWarn
		if topic == model.TopicStockSold {
			level = slog.LevelError
		}
		logger.Log(context.Background(), level, "bus subscriber full, message dropped",
			slog.String("topic", topic), slog.Int("subscriber", subscriber))
	}
}

// Close closes the bus and the Redis client behind it.
func (b *Bus) Close() error {
	err := b.Bus.Close()
	if b.Redis != nil {
		if cerr := b.Redis.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Calendar builds the configured trading calendar.
func Calendar(cfg *config.Config, logger *slog.Logger) (markethours.Calendar, error) {
	logger = orDefault(logger)
	if cfg.Calendar != config.CalendarNSE {
		return markethours.NewFixedWindow(markethours.IST), nil
	}
	holidays := markethours.DefaultHolidays()
	if cfg.HolidaysFile != "" {
		h, err := markethours.LoadHolidays(cfg.HolidaysFile)
		if err != nil {
			return nil, err
		}
		holidays = h
	}
	logger.Info("nse calendar loaded", slog.Int("holidays", holidays.Len()))
	return markethours.NewNSE(holidays), nil
}

// breakerHook reports breaker transitions to metrics and the log.
func breakerHook(m *metrics.Metrics, logger *slog.Logger) func(name string, from, to upstream.State) {
	logger = orDefault(logger)
	return func(name string, from, to upstream.State) {
		logger.Warn("circuit breaker state changed",
			slog.String("breaker", name),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		if m != nil {
			m.BreakerStateChanged(name, int(to))
		}
	}
}

// Quotes builds the cached Yahoo quote feed.
func Quotes(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) pricefeed.Feed {
	y := pricefeed.NewYahooClient(cfg.QuoteBaseURL, nil)
	y.Breaker().OnStateChange = breakerHook(m, logger)
	return pricefeed.NewCached(y, cfg.QuoteCacheTTL)
}

// FX builds the FX service over the configured live sources with the static
// rates as fallback.
func FX(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*fx.Service, error) {
	static, err := fx.ParseStaticRates(cfg.FXStaticRates)
	if err != nil {
		return nil, err
	}
	var sources []fx.Source
	for _, s := range cfg.FXSourceList() {
		sources = append(sources, fx.NewHTTPSource(s[0], s[1], nil))
	}
	svc := fx.NewService(sources, logger,
		fx.WithStaticRates(static),
		fx.WithBreakerHook(breakerHook(m, logger)))
	if m != nil {
		svc.OnFallback = func(string) { m.FXFallbacks.Inc() }
	}
	return svc, nil
}

// Notifier builds the alert chain: always the log, plus webhook and Twilio
// SMS when configured, filtered by the minimum level.
func Notifier(cfg *config.Config, logger *slog.Logger) notification.Notifier {
	chain := notification.Multi{notification.NewLogNotifier(logger)}
	var remote notification.Multi
	if cfg.AlertWebhookURL != "" {
		wh := notification.NewWebhookNotifier(cfg.AlertWebhookURL)
		wh.Secret = cfg.AlertWebhookSecret
		remote = append(remote, wh)
	}
	if to := cfg.TwilioRecipients(); cfg.TwilioAccountSID != "" && len(to) > 0 {
		remote = append(remote, notification.NewTwilioNotifier(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom, to))
	}
	if len(remote) > 0 {
		chain = append(chain, notification.MinLevel{Level: notification.AlertLevel(cfg.AlertMinLevel), Next: remote})
	}
	return chain
}
