package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"tradeledger/config"
	"tradeledger/internal/api"
	"tradeledger/internal/app"
	"tradeledger/internal/fill"
	"tradeledger/internal/funds"
	"tradeledger/internal/gateway"
	"tradeledger/internal/logger"
	"tradeledger/internal/metrics"
	"tradeledger/internal/order"
)

func main() {
	cfg := config.Load()
	log := logger.Init("ledger_api", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}
	log.Info("starting", slog.String("bus", cfg.BusDriver), slog.String("calendar", cfg.Calendar))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(nil)

	store, err := app.OpenStore(cfg, log)
	if err != nil {
		log.Error("store open failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer store.Close()

	b, err := app.OpenBus(ctx, cfg, "ledger_api", "", m, log)
	if err != nil {
		log.Error("bus connect failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer b.Close()

	cal, err := app.Calendar(cfg, log)
	if err != nil {
		log.Error("calendar load failed", slog.Any("err", err))
		os.Exit(1)
	}
	quotes := app.Quotes(cfg, m, log)

	engine := order.NewEngine(store, cal, b, m, log)
	fundsSvc := funds.NewService(store, store, b, m, log, funds.WithCurrency(cfg.SettlementCurrency))

	hub := gateway.NewHub(b, m, log)
	health := metrics.NewHealthStatus(b.Redis != nil)
	health.StartLivenessChecker(ctx, b.Redis, store.DB(), cfg.HealthInterval)
	go func() {
		health.SetBusOK(true)
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			health.SetBusOK(false)
			log.Error("ledger event hub stopped", slog.Any("err", err))
		}
	}()

	// The in-memory bus does not cross processes, so the sell consumer runs here.
	if cfg.BusDriver == config.BusMemory {
		rates, err := app.FX(cfg, m, log)
		if err != nil {
			log.Error("fx setup failed", slog.Any("err", err))
			os.Exit(1)
		}
		consumer := fill.NewConsumer(store, rates, b, app.Notifier(cfg, log), m, log, fill.Config{
			SettlementCurrency: cfg.SettlementCurrency,
		})
		go func() {
			if err := consumer.Run(ctx, b); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("sell consumer stopped", slog.Any("err", err))
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Deps{
		Orders:       engine,
		Funds:        fundsSvc,
		Quotes:       quotes,
		Calendar:     cal,
		Hub:          hub,
		Metrics:      m,
		Health:       health,
		Logger:       log,
		AdminToken:   cfg.AdminToken,
		WebhookToken: cfg.WebhookToken,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", slog.Any("err", err))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", slog.Any("err", err))
	}
	cancel()
	log.Info("stopped")
}
