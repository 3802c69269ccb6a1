package model

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places kept for prices and amounts.
// Stored values are integers in minor units (paise, cents).
const MoneyScale = 2

// ErrAmountOutOfRange reports a value that does not fit in int64 minor units.
// It is a validation failure.
var ErrAmountOutOfRange = fmt.Errorf("amount out of range: %w", ErrValidation)

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)

	// MaxAmount is the largest amount the ledger can store.
	MaxAmount = FromMinor(math.MaxInt64)
)

// ToMinor converts d to minor units, rounding half away from zero at
// MoneyScale. Values outside int64 minor units fail with ErrAmountOutOfRange.
func ToMinor(d decimal.Decimal) (int64, error) {
	m := d.Shift(MoneyScale).Round(0)
	if m.GreaterThan(maxMinor) || m.LessThan(minMinor) {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrAmountOutOfRange)
	}
	return m.IntPart(), nil
}

// FitsMinor reports whether d can be stored in minor units.
func FitsMinor(d decimal.Decimal) bool {
	_, err := ToMinor(d)
	return err == nil
}

// FromMinor converts minor units back to a decimal amount.
func FromMinor(v int64) decimal.Decimal {
	return decimal.New(v, -MoneyScale)
}

// FitsScale reports whether d has no more than MoneyScale decimal places.
func FitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyScale))
}
