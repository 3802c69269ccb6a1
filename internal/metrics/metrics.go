package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ledger services.
type Metrics struct {
	// Order engine
	OrdersCreated     *prometheus.CounterVec // labels: order_type, mode
	OrdersRejected    *prometheus.CounterVec // labels: reason
	StatusTransitions *prometheus.CounterVec // labels: to
	PublishFailures   *prometheus.CounterVec // labels: topic

	// Sell fan-out consumer
	FillsApplied    prometheus.Counter
	FillsDuplicate  prometheus.Counter
	FillsDropped    *prometheus.CounterVec // labels: reason
	FillApplyDur    prometheus.Histogram
	FillProceedsSum prometheus.Counter

	// Settlement scheduler
	SettlementItems *prometheus.CounterVec // labels: job, result
	SettlementRuns  *prometheus.CounterVec // labels: job
	SettlementDur   *prometheus.HistogramVec
	PnLSnapshots    prometheus.Counter

	// Funds
	Withdrawals      *prometheus.CounterVec // labels: result
	CreditsApplied   prometheus.Counter
	CreditsDuplicate prometheus.Counter

	// Upstream collaborators
	UpstreamBreakerState *prometheus.GaugeVec   // labels: name; 0=closed, 1=open, 2=half-open
	UpstreamBreakerTrips *prometheus.CounterVec // labels: name
	FXFallbacks          prometheus.Counter

	// HTTP + WebSocket
	HTTPRequests  *prometheus.CounterVec // labels: method, route, status
	HTTPDuration  *prometheus.HistogramVec
	WSClients     prometheus.Gauge
	WSDropped     prometheus.Counter
	BusDropsTotal *prometheus.CounterVec // labels: topic

	// Market session
	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics builds the metric set and registers it with reg.
// A nil reg uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_orders_created_total",
			Help: "Orders persisted by the order engine",
		}, []string{"order_type", "mode"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_orders_rejected_total",
			Help: "Order requests rejected before persistence",
		}, []string{"reason"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_order_status_transitions_total",
			Help: "Order status changes applied",
		}, []string{"to"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_bus_publish_failures_total",
			Help: "Messages that could not be published to the bus",
		}, []string{"topic"}),

		FillsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_fills_applied_total",
			Help: "Stock-sold events booked to the ledger",
		}),
		FillsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_fills_duplicate_total",
			Help: "Redelivered stock-sold events ignored by fill id",
		}),
		FillsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_fills_dropped_total",
			Help: "Stock-sold events dropped without a ledger change",
		}, []string{"reason"}),
		FillApplyDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_fill_apply_duration_seconds",
			Help:    "Time to convert and book one fill",
			Buckets: prometheus.DefBuckets,
		}),
		FillProceedsSum: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_fill_proceeds_total",
			Help: "Sum of booked sale proceeds in settlement currency",
		}),

		SettlementItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_settlement_items_total",
			Help: "Settlement scheduler items by job and result",
		}, []string{"job", "result"}),
		SettlementRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_settlement_runs_total",
			Help: "Settlement scheduler job runs",
		}, []string{"job"}),
		SettlementDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_settlement_run_duration_seconds",
			Help:    "Settlement scheduler job latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"job"}),
		PnLSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_pnl_snapshots_total",
			Help: "Daily P&L snapshot rows written",
		}),

		Withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_withdrawals_total",
			Help: "Withdrawal requests by result",
		}, []string{"result"}),
		CreditsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_payment_credits_total",
			Help: "Payment captures credited to balances",
		}),
		CreditsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_payment_credits_duplicate_total",
			Help: "Payment captures ignored because the payment id was already booked",
		}),

		UpstreamBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_upstream_circuit_breaker_state",
			Help: "Upstream circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		UpstreamBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_upstream_circuit_breaker_trips_total",
			Help: "Times an upstream circuit breaker tripped open",
		}, []string{"name"}),
		FXFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_fx_static_fallbacks_total",
			Help: "FX lookups answered from the static rate table",
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		WSDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_ws_dropped_messages_total",
			Help: "Ledger events dropped for slow WebSocket clients",
		}),
		BusDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_bus_drops_total",
			Help: "Messages the in-memory bus dropped for a full subscriber, by topic",
		}, []string{"topic"}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	reg.MustRegister(
		m.OrdersCreated,
		m.OrdersRejected,
		m.StatusTransitions,
		m.PublishFailures,
		m.FillsApplied,
		m.FillsDuplicate,
		m.FillsDropped,
		m.FillApplyDur,
		m.FillProceedsSum,
		m.SettlementItems,
		m.SettlementRuns,
		m.SettlementDur,
		m.PnLSnapshots,
		m.Withdrawals,
		m.CreditsApplied,
		m.CreditsDuplicate,
		m.UpstreamBreakerState,
		m.UpstreamBreakerTrips,
		m.FXFallbacks,
		m.HTTPRequests,
		m.HTTPDuration,
		m.WSClients,
		m.WSDropped,
		m.BusDropsTotal,
		m.MarketState,
	)

	return m
}

// BreakerStateChanged records an upstream circuit breaker transition.
// Wire it as the breaker's OnStateChange hook.
func (m *Metrics) BreakerStateChanged(name string, to int) {
	m.UpstreamBreakerState.WithLabelValues(name).Set(float64(to))
	if to == 1 {
		m.UpstreamBreakerTrips.WithLabelValues(name).Inc()
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected bool `json:"redis_connected"`
	SQLiteOK       bool `json:"sqlite_ok"`
	BusOK          bool `json:"bus_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	// requireRedis is false when the bus runs on NATS or in memory.
	requireRedis bool
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(requireRedis bool) *HealthStatus {
	return &HealthStatus{
		StartedAt:    time.Now(),
		requireRedis: requireRedis,
	}
}

func (h *HealthStatus) SetBusOK(v bool) {
	h.mu.Lock()
	h.BusOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	probe()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	redisOK := h.RedisConnected || !h.requireRedis
	if !redisOK || !h.SQLiteOK || !h.BusOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK && !redisOK {
		overallStatus = "unhealthy"
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		BusOK           bool    `json:"bus_ok"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		BusOK:           h.BusOK,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler { return promhttp.Handler() }

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.Any("err", err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
