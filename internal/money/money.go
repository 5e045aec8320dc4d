package money

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Amount is a sum of money in minor units (kopeks).
type Amount int64

const minorPerMajor = 100

var (
	hundred   = decimal.NewFromInt(100)
	maxAmount = decimal.NewFromInt(math.MaxInt64)
	minAmount = decimal.NewFromInt(math.MinInt64)
)

// ParseMajor parses a gateway amount written in major units ("199.00", "5").
// Amounts with more than two fractional digits are rejected rather than rounded.
func ParseMajor(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	minor := d.Mul(hundred)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has sub-minor precision", s)
	}
	if minor.GreaterThan(maxAmount) || minor.LessThan(minAmount) {
		return 0, fmt.Errorf("amount %q is out of range", s)
	}
	return Amount(minor.IntPart()), nil
}

// FromDecimal rounds an exact minor-unit value half-up (away from zero on .5).
func FromDecimal(d decimal.Decimal) Amount {
	return Amount(RoundHalfUp(d).IntPart())
}

// RoundHalfUp rounds to a whole minor unit, .5 going up for non-negative values.
func RoundHalfUp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return d.Neg().Add(decimal.NewFromFloat(0.5)).Floor().Neg()
	}
	return d.Add(decimal.NewFromFloat(0.5)).Floor()
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(a))
}

// Major renders the amount in major units with two decimals, as gateways expect.
func (a Amount) Major() string {
	return decimal.New(int64(a), -2).StringFixed(2)
}

func (a Amount) String() string {
	return a.Major()
}

// Percent is a whole-number discount percentage clamped to [0, 100].
type Percent int

func ClampPercent(p int) Percent {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return Percent(p)
}

// Discount returns v reduced by p percent, exactly.
func Discount(v decimal.Decimal, p Percent) decimal.Decimal {
	if p <= 0 {
		return v
	}
	if p >= 100 {
		return decimal.Zero
	}
	return v.Mul(decimal.NewFromInt(int64(100 - p))).Div(hundred)
}

// Share returns p percent of a, rounded half-up. Used for referral earnings.
func Share(a Amount, p Percent) Amount {
	return FromDecimal(a.Decimal().Mul(decimal.NewFromInt(int64(p))).Div(hundred))
}
