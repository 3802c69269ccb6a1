package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"tradeledger/internal/logger"
	"tradeledger/internal/model"
)

// ErrorCode is the machine-readable error kind returned to clients.
type ErrorCode string

const (
	ErrorCodeValidation          ErrorCode = "VALIDATION_FAILED"
	ErrorCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrorCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrorCodeMarketClosed        ErrorCode = "MARKET_CLOSED"
	ErrorCodeTooEarly            ErrorCode = "TOO_EARLY"
	ErrorCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrorCodeConflict            ErrorCode = "CONFLICT"
	ErrorCodeInsufficientFunds   ErrorCode = "INSUFFICIENT_FUNDS"
	ErrorCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrorCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// MapError maps a domain error to an HTTP status and response body.
// Unknown errors become a generic 500 that leaks no internals.
func MapError(err error) (int, ErrorResponse) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, ErrorResponse{
			Code:    string(ErrorCodeValidation),
			Message: verr.Error(),
			Fields:  verr.Fields,
		}
	}

	var ferr *model.InsufficientFundsError
	if errors.As(err, &ferr) {
		return http.StatusUnprocessableEntity, ErrorResponse{
			Code:    string(ErrorCodeInsufficientFunds),
			Message: fmt.Sprintf("insufficient funds: requested %s, available %s", ferr.Requested.StringFixed(2), ferr.Available.StringFixed(2)),
		}
	}

	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, ErrorResponse{Code: string(ErrorCodeValidation), Message: err.Error()}
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized, ErrorResponse{Code: string(ErrorCodeUnauthorized), Message: "unauthorized"}
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Code: string(ErrorCodeNotFound), Message: err.Error()}
	case errors.Is(err, model.ErrMarketClosed):
		return http.StatusConflict, ErrorResponse{Code: string(ErrorCodeMarketClosed), Message: err.Error()}
	case errors.Is(err, model.ErrTooEarly):
		return http.StatusConflict, ErrorResponse{Code: string(ErrorCodeTooEarly), Message: err.Error()}
	case errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict, ErrorResponse{Code: string(ErrorCodeInvalidTransition), Message: err.Error()}
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, ErrorResponse{Code: string(ErrorCodeConflict), Message: "the resource was modified concurrently, retry"}
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, ErrorResponse{Code: string(ErrorCodeInsufficientFunds), Message: "insufficient funds"}
	case errors.Is(err, model.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{Code: string(ErrorCodeUpstreamUnavailable), Message: "upstream service unavailable, retry later"}
	}
	return http.StatusInternalServerError, ErrorResponse{Code: string(ErrorCodeInternal), Message: "internal error"}
}

// writeError maps err, logs server-side failures and aborts the request.
func writeError(c *gin.Context, log *slog.Logger, err error) {
	status, body := MapError(err)
	if status >= http.StatusInternalServerError {
		logger.Ctx(c.Request.Context(), log).Error("request failed",
			slog.String("route", c.FullPath()),
			slog.Int("status", status),
			slog.Any("err", err))
	}
	c.AbortWithStatusJSON(status, body)
}

// bindError turns a body decoding or binding failure into a ValidationError
// naming the offending JSON fields.
func bindError(err error) error {
	v := model.NewValidationError()

	var verrs validator.ValidationErrors
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &verrs):
		for _, fe := range verrs {
			v.Add(fe.Field(), describeTag(fe))
		}
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			field = "body"
		}
		v.Add(field, "wrong type, expected "+typeErr.Type.String())
	case errors.As(err, &syntaxErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		v.Add("body", "malformed JSON")
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		v.Add(strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`), "unknown field")
	default:
		v.Add("body", err.Error())
	}
	return v
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be > " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	}
	return "failed " + fe.Tag()
}
