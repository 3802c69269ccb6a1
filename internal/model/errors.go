package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrMarketClosed        = errors.New("market is closed")
	ErrTooEarly            = errors.New("square-off window not open yet")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrDuplicateEvent      = errors.New("event already applied")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrConflict            = errors.New("concurrent update")
	ErrUnauthorized        = errors.New("unauthorized")
)

// ValidationError names every field that failed validation.
type ValidationError struct {
	Fields map[string]string // field -> reason
}

// NewValidationError returns an empty ValidationError ready for Add.
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}

// Add records a failing field.
func (e *ValidationError) Add(field, reason string) {
	e.Fields[field] = reason
}

// OrNil returns e if any field failed, nil otherwise.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientFundsError carries the amounts involved in a rejected debit.
type InsufficientFundsError struct {
	UserID    string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: user=%s requested=%s available=%s",
		e.UserID, e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// InvalidTransitionError reports a rejected status change.
type InvalidTransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
