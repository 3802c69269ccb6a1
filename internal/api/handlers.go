package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/shopspring/decimal"

	"tradeledger/internal/funds"
	"tradeledger/internal/gateway"
	"tradeledger/internal/markethours"
	"tradeledger/internal/model"
	"tradeledger/internal/order"
	"tradeledger/internal/portfolio"
	"tradeledger/internal/pricefeed"
)

// Handler holds the HTTP handler dependencies.
type Handler struct {
	orders   *order.Engine
	funds    *funds.Service
	quotes   pricefeed.Feed
	calendar markethours.Calendar
	hub      *gateway.Hub
	log      *slog.Logger
	now      func() time.Time
}

// decode reads a strict JSON body (unknown fields rejected) into obj without
// running struct validation.
func decode(c *gin.Context, obj any) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(obj); err != nil {
		return bindError(err)
	}
	return nil
}

// validate runs the binding tags through gin's validator.
func validate(obj any) error {
	if err := binding.Validator.ValidateStruct(obj); err != nil {
		return bindError(err)
	}
	return nil
}

// CreateOrder handles POST /api/v1/orders.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req order.CreateOrderRequest
	if err := decode(c, &req); err != nil {
		writeError(c, h.log, err)
		return
	}
	req.Normalize()
	if err := validate(&req); err != nil {
		writeError(c, h.log, err)
		return
	}
	o, err := h.orders.CreateOrder(c.Request.Context(), userID(c), req)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

// ListOrders handles GET /api/v1/orders?type=INTRADAY&type=FNO.
func (h *Handler) ListOrders(c *gin.Context) {
	var types []model.OrderType
	for _, raw := range c.QueryArray("type") {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, model.OrderType(strings.ToUpper(t)))
			}
		}
	}
	orders, err := h.orders.OrdersForUser(c.Request.Context(), userID(c), types...)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, OrdersResponse{Orders: orders, Count: len(orders)})
}

// GetOrder handles GET /api/v1/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.orders.GetOrder(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// UpdateOrderStatus handles PATCH /api/v1/orders/:id/status. Only the owner
// may change an order.
func (h *Handler) UpdateOrderStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := decode(c, &req); err != nil {
		writeError(c, h.log, err)
		return
	}
	req.Status = model.OrderStatus(strings.ToUpper(strings.TrimSpace(string(req.Status))))
	if err := validate(&req); err != nil {
		writeError(c, h.log, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := h.orders.GetOrder(ctx, userID(c), c.Param("id")); err != nil {
		writeError(c, h.log, err)
		return
	}
	o, err := h.orders.UpdateOrderStatus(ctx, c.Param("id"), req.Status)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// DeleteOrder handles DELETE /api/v1/admin/orders/:id.
func (h *Handler) DeleteOrder(c *gin.Context) {
	if err := h.orders.DeleteOrder(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Portfolio handles GET /api/v1/portfolio.
func (h *Handler) Portfolio(c *gin.Context) {
	ctx := c.Request.Context()
	orders, err := h.orders.OrdersForUser(ctx, userID(c))
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		writeError(c, h.log, err)
		return
	}
	book := portfolio.NewBook()
	book.Replay(orders)

	prices := make(map[string]decimal.Decimal)
	var unpriced []string
	for _, sym := range book.Symbols() {
		if h.quotes == nil {
			unpriced = append(unpriced, sym)
			continue
		}
		q, err := h.quotes.Quote(ctx, sym)
		if err != nil {
			unpriced = append(unpriced, sym)
			continue
		}
		prices[sym] = q.Price
	}
	positions := book.Open(prices)
	if positions == nil {
		positions = []portfolio.Position{}
	}
	c.JSON(http.StatusOK, PortfolioResponse{
		Positions: positions,
		Summary:   book.Summary(prices),
		Unpriced:  unpriced,
	})
}

// Funds handles GET /api/v1/funds.
func (h *Handler) Funds(c *gin.Context) {
	u, err := h.funds.Funds(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// Transactions handles GET /api/v1/funds/transactions?limit=N.
func (h *Handler) Transactions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			v := model.NewValidationError()
			v.Add("limit", "must be an integer")
			writeError(c, h.log, v)
			return
		}
		limit = n
	}
	txns, err := h.funds.Transactions(c.Request.Context(), userID(c), limit)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	c.JSON(http.StatusOK, TransactionsResponse{Transactions: txns, Count: len(txns)})
}

// Withdraw handles POST /api/v1/funds/withdraw.
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := decode(c, &req); err != nil {
		writeError(c, h.log, err)
		return
	}
	if err := validate(&req); err != nil {
		writeError(c, h.log, err)
		return
	}
	u, txn, err := h.funds.Withdraw(c.Request.Context(), userID(c), *req.Amount, req.OTP)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, WithdrawResponse{Funds: u, Transaction: txn})
}

// EnrollTOTP handles POST /api/v1/funds/2fa.
func (h *Handler) EnrollTOTP(c *gin.Context) {
	enr, err := h.funds.EnrollTOTP(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, enr)
}

// PaymentCaptured handles POST /api/v1/payments/captured. A redelivered
// capture answers 200 with the original transaction.
func (h *Handler) PaymentCaptured(c *gin.Context) {
	var req PaymentCapturedRequest
	if err := decode(c, &req); err != nil {
		writeError(c, h.log, err)
		return
	}
	if err := validate(&req); err != nil {
		writeError(c, h.log, err)
		return
	}
	txn, dup, err := h.funds.ApplyCredit(c.Request.Context(), funds.PaymentCapture{
		PaymentID: req.PaymentID,
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Amount:    *req.Amount,
		Currency:  req.Currency,
		Method:    req.Method,
		Status:    req.Status,
	})
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	c.JSON(status, CreditResponse{Transaction: txn, Duplicate: dup})
}

// PnLHistory handles GET /api/v1/pnl?category=holdings&from=...&to=....
func (h *Handler) PnLHistory(c *gin.Context) {
	cat := model.PnLCategory(strings.ToLower(c.DefaultQuery("category", string(model.PnLCombined))))
	snaps, err := h.funds.PnLHistory(c.Request.Context(), userID(c), cat, c.Query("from"), c.Query("to"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	if snaps == nil {
		snaps = []model.PnLSnapshot{}
	}
	c.JSON(http.StatusOK, PnLHistoryResponse{Category: cat, Snapshots: snaps})
}

// Quote handles GET /api/v1/quotes/:symbol.
func (h *Handler) Quote(c *gin.Context) {
	if h.quotes == nil {
		writeError(c, h.log, model.ErrUpstreamUnavailable)
		return
	}
	q, err := h.quotes.Quote(c.Request.Context(), strings.ToUpper(c.Param("symbol")))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

// MarketStatus handles GET /api/v1/market/status.
func (h *Handler) MarketStatus(c *gin.Context) {
	now := h.now()
	c.JSON(http.StatusOK, MarketStatusResponse{
		Open:           h.calendar.IsMarketOpen(now),
		Status:         markethours.StatusString(h.calendar, now),
		TradingDay:     h.calendar.IsTradingDay(now),
		SquareOffDue:   h.calendar.SquareOffDue(now),
		Today:          markethours.Today(h.calendar, now),
		SettlementDate: h.calendar.SettlementDate(now).Format(markethours.DateLayout),
		Timezone:       h.calendar.Location().String(),
	})
}

// WS handles GET /ws for the caller's ledger events.
func (h *Handler) WS(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request, userID(c))
}
