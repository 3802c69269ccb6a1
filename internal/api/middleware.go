package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradeledger/internal/logger"
	"tradeledger/internal/metrics"
	"tradeledger/internal/model"
)

const (
	headerRequestID    = "X-Request-ID"
	headerUserID       = "X-User-ID"
	headerAdminToken   = "X-Admin-Token"
	headerWebhookToken = "X-Webhook-Token"

	ctxUserID = "userID"
)

// RequestID propagates or assigns a request id and puts it in the request
// context as the trace id.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" || len(id) > 128 {
			id = logger.NewTraceID()
		}
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), id))
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// AccessLog writes one structured line per request.
func AccessLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		} else if status >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		log.Log(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("route", routeOf(c)),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)))
	}
}

// Metrics records request counts and latency by route template.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		route := routeOf(c)
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// routeOf returns the matched route template, keeping label cardinality low.
func routeOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}

// Recovery turns panics into the standard 500 body.
func Recovery(log *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Ctx(c.Request.Context(), log).Error("panic in handler",
			slog.String("route", routeOf(c)),
			slog.Any("panic", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
			Code:    string(ErrorCodeInternal),
			Message: "internal error",
		})
	})
}

// Identity requires the X-User-ID header set by the identity proxy.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(headerUserID))
		if userID == "" {
			_, body := MapError(model.ErrUnauthorized)
			c.AbortWithStatusJSON(http.StatusUnauthorized, body)
			return
		}
		c.Set(ctxUserID, userID)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// RequireToken guards a route with a shared secret in header. An empty
// configured token disables the route.
func RequireToken(header, token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(header)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			_, body := MapError(model.ErrUnauthorized)
			c.AbortWithStatusJSON(http.StatusUnauthorized, body)
			return
		}
		c.Next()
	}
}

func userID(c *gin.Context) string { return c.GetString(ctxUserID) }
