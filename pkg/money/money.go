// Package money holds the fixed-point helpers shared by the billing and
// settlement domains. Amounts carry two decimal places; rates carry up to four.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// MinorUnits is the number of decimal places kept for currency amounts.
	MinorUnits int32 = 2
	// RateScale is the maximum number of decimal places accepted on rates.
	RateScale int32 = 4
)

var hundred = decimal.NewFromInt(100)

// Round rounds an amount to the currency minor unit, half away from zero.
// All amounts handled here are non-negative, so this is round-half-up.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(MinorUnits)
}

// Percent returns pct percent of amount, unrounded.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred)
}

// PercentRounded returns pct percent of amount rounded to the minor unit.
func PercentRounded(amount, pct decimal.Decimal) decimal.Decimal {
	return Round(Percent(amount, pct))
}

// Sum adds a list of amounts.
func Sum(ds ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, d := range ds {
		total = total.Add(d)
	}
	return total
}

// ValidateAmount checks that d is non-negative and has no more than two
// decimal places.
func ValidateAmount(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%s must not be negative", field)
	}
	if !d.Equal(d.Truncate(MinorUnits)) {
		return fmt.Errorf("%s must have at most %d decimal places", field, MinorUnits)
	}
	return nil
}

// ValidatePositiveAmount is ValidateAmount plus a strictly-positive check.
func ValidatePositiveAmount(field string, d decimal.Decimal) error {
	if err := ValidateAmount(field, d); err != nil {
		return err
	}
	if !d.IsPositive() {
		return fmt.Errorf("%s must be greater than zero", field)
	}
	return nil
}

// ValidatePercent checks that pct lies in [0, 100] with at most RateScale
// decimal places.
func ValidatePercent(field string, pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return fmt.Errorf("%s must be between 0 and 100", field)
	}
	if !pct.Equal(pct.Truncate(RateScale)) {
		return fmt.Errorf("%s must have at most %d decimal places", field, RateScale)
	}
	return nil
}
