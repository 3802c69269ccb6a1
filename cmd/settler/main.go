package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeledger/config"
	"tradeledger/internal/app"
	"tradeledger/internal/fill"
	"tradeledger/internal/logger"
	"tradeledger/internal/metrics"
	"tradeledger/internal/order"
	"tradeledger/internal/settlement"
)

func main() {
	once := flag.String("once", "", "run one job (squareoff, settle, pnl or reconcile) and exit")
	noConsumer := flag.Bool("no-consumer", false, "do not consume stock-sold events")
	flag.Parse()

	cfg := config.Load()
	log := logger.Init("settler", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(nil)

	store, err := app.OpenStore(cfg, log)
	if err != nil {
		log.Error("store open failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer store.Close()

	cal, err := app.Calendar(cfg, log)
	if err != nil {
		log.Error("calendar load failed", slog.Any("err", err))
		os.Exit(1)
	}

	b, err := app.OpenBus(ctx, cfg, "settler", "settler", m, log)
	if err != nil {
		log.Error("bus connect failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer b.Close()

	notifier := app.Notifier(cfg, log)
	sched := settlement.New(settlement.Deps{
		Orders:   store,
		PnL:      store,
		Fills:    store,
		Sales:    order.NewEngine(store, cal, b, m, log),
		Quotes:   app.Quotes(cfg, m, log),
		Calendar: cal,
		Pub:      b,
		Notifier: notifier,
		Metrics:  m,
		Logger:   log,
	}, settlement.Config{
		Interval:             cfg.SchedulerInterval,
		RetryAttempts:        cfg.RetryAttempts,
		ReconcileGrace:       cfg.ReconcileGrace,
		ReconcileMaxAttempts: cfg.ReconcileMaxAttempts,
	})

	if *once != "" {
		rep, err := sched.RunOnce(ctx, *once)
		if err != nil {
			log.Error("job failed", slog.String("job", *once), slog.Any("err", err))
			os.Exit(1)
		}
		log.Info("job done",
			slog.String("job", rep.Job),
			slog.Int("processed", len(rep.Processed)),
			slog.Int("skipped", rep.Skipped))
		if rep.Err() != nil {
			os.Exit(2)
		}
		return
	}

	health := metrics.NewHealthStatus(b.Redis != nil)
	health.StartLivenessChecker(ctx, b.Redis, store.DB(), cfg.HealthInterval)
	health.SetBusOK(true)
	msrv := metrics.NewServer(cfg.MetricsAddr, health)
	msrv.Start()

	if !*noConsumer {
		rates, err := app.FX(cfg, m, log)
		if err != nil {
			log.Error("fx setup failed", slog.Any("err", err))
			os.Exit(1)
		}
		consumer := fill.NewConsumer(store, rates, b, notifier, m, log, fill.Config{
			SettlementCurrency: cfg.SettlementCurrency,
			RetryAttempts:      cfg.RetryAttempts,
		})
		go func() {
			if err := consumer.Run(ctx, b); err != nil && !errors.Is(err, context.Canceled) {
				health.SetBusOK(false)
				log.Error("sell consumer stopped", slog.Any("err", err))
			}
		}()
	}

	go sched.Run(ctx)
	log.Info("settler running", slog.Duration("interval", cfg.SchedulerInterval))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", slog.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	msrv.Stop(shutdownCtx)
	log.Info("stopped")
}
