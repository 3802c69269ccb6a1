// Package api is the HTTP surface of the ledger: orders, funds, payments,
// P&L history, quotes, market status and the ledger-event WebSocket.
package api

import (
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"tradeledger/internal/funds"
	"tradeledger/internal/gateway"
	"tradeledger/internal/markethours"
	"tradeledger/internal/metrics"
	"tradeledger/internal/order"
	"tradeledger/internal/pricefeed"
)

// Deps are the services the router exposes. Quotes, Hub, Metrics and
// Health may be nil; the matching routes are then unavailable.
type Deps struct {
	Orders       *order.Engine
	Funds        *funds.Service
	Quotes       pricefeed.Feed
	Calendar     markethours.Calendar
	Hub          *gateway.Hub
	Metrics      *metrics.Metrics
	Health       http.Handler
	Logger       *slog.Logger
	AdminToken   string
	WebhookToken string
	Now          func() time.Time
}

func init() {
	// Validation errors name fields by their JSON key.
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	}
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	log := d.Logger.With(slog.String("component", "api"))
	h := &Handler{
		orders:   d.Orders,
		funds:    d.Funds,
		quotes:   d.Quotes,
		calendar: d.Calendar,
		hub:      d.Hub,
		log:      log,
		now:      d.Now,
	}

	r := gin.New()
	r.Use(RequestID(), Recovery(log), Metrics(d.Metrics), AccessLog(log))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: string(ErrorCodeNotFound), Message: "no such route"})
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if d.Health != nil {
		r.GET("/healthz", gin.WrapH(d.Health))
	}

	v1 := r.Group("/api/v1")
	v1.GET("/market/status", h.MarketStatus)
	v1.GET("/quotes/:symbol", h.Quote)
	v1.POST("/payments/captured", RequireToken(headerWebhookToken, d.WebhookToken), h.PaymentCaptured)
	v1.DELETE("/admin/orders/:id", RequireToken(headerAdminToken, d.AdminToken), h.DeleteOrder)

	user := v1.Group("", Identity())
	{
		user.POST("/orders", h.CreateOrder)
		user.GET("/orders", h.ListOrders)
		user.GET("/orders/:id", h.GetOrder)
		user.PATCH("/orders/:id/status", h.UpdateOrderStatus)
		user.GET("/portfolio", h.Portfolio)

		user.GET("/funds", h.Funds)
		user.GET("/funds/transactions", h.Transactions)
		user.POST("/funds/withdraw", h.Withdraw)
		user.POST("/funds/2fa", h.EnrollTOTP)
		user.GET("/pnl", h.PnLHistory)
	}

	if d.Hub != nil {
		r.GET("/ws", Identity(), h.WS)
	}
	return r
}
