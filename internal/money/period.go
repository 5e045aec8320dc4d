package money

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	Day         = 24 * time.Hour
	daysInMonth = 30
)

// MonthsInPeriod converts a period length into billable months:
// round-half-up(days/30), never less than one.
func MonthsInPeriod(days int) int {
	if days <= 0 {
		return 1
	}
	months := (days + daysInMonth/2) / daysInMonth
	if months < 1 {
		return 1
	}
	return months
}

// RemainingMonths is the number of billable months left until end,
// used to prorate add-ons bought in the middle of a period.
func RemainingMonths(now, end time.Time) int {
	if !end.After(now) {
		return 0
	}
	days := int(end.Sub(now) / Day)
	if end.Sub(now)%Day != 0 {
		days++
	}
	return MonthsInPeriod(days)
}

// Prorate scales a monthly price by months.
func Prorate(monthly Amount, months int) decimal.Decimal {
	return monthly.Decimal().Mul(decimal.NewFromInt(int64(months)))
}

// ExtendFrom returns the new period end when days are added. A period still
// running is extended in place; a lapsed one restarts from now.
func ExtendFrom(now, end time.Time, days int) time.Time {
	start := now
	if end.After(now) {
		start = end
	}
	return start.Add(time.Duration(days) * Day)
}
