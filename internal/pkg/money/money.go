// internal/pkg/money/money.go
package money

import (
	"time"

	"billing-service/internal/domain/plan"

	"github.com/shopspring/decimal"
)

// MinorPerMajor is the fixed-point scale of every stored amount.
const MinorPerMajor = 100

var hundred = decimal.NewFromInt(MinorPerMajor)

// ToMinor converts a whole major amount to minor units.
func ToMinor(major int64) int64 {
	return major * MinorPerMajor
}

// ToMinorDecimal converts a fractional major amount to minor units, rounding
// half away from zero.
func ToMinorDecimal(major decimal.Decimal) int64 {
	return major.Mul(hundred).Round(0).IntPart()
}

// FormatMajor renders a minor amount as a major decimal string ("500.00").
func FormatMajor(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// MonthsIn returns the number of calendar months a billing period spans.
func MonthsIn(period plan.BillingPeriod) int {
	return period.Months()
}

// GetPriceForPeriod normalizes the plan price to a one month baseline and
// scales it to target, rounded to the nearest major unit. A plan without a
// billing period is priced as monthly. A target of PeriodNone costs nothing.
func GetPriceForPeriod(p *plan.Plan, target plan.BillingPeriod) int64 {
	if p == nil {
		return 0
	}
	return PriceForPeriod(p.Price, p.BillingPeriod, target)
}

// PriceForPeriod is GetPriceForPeriod for a price quoted per base period, as
// kept in plan snapshots.
func PriceForPeriod(price int64, base, target plan.BillingPeriod) int64 {
	targetMonths := MonthsIn(target)
	if targetMonths == 0 {
		return 0
	}
	if base == target {
		return price
	}

	baseMonths := MonthsIn(base)
	if baseMonths == 0 {
		baseMonths = 1
	}

	monthly := decimal.NewFromInt(price).Div(decimal.NewFromInt(int64(baseMonths)))
	return monthly.Mul(decimal.NewFromInt(int64(targetMonths))).Round(0).IntPart()
}

// ProrateMinor returns the charge for moving from oldMinor to newMinor with
// remainingMs of a totalMs period left. The result is truncated and never
// negative; a degenerate or elapsed window yields 0.
func ProrateMinor(oldMinor, newMinor, remainingMs, totalMs int64) int64 {
	return prorate(newMinor-oldMinor, remainingMs, totalMs)
}

// ProrateCreditMinor is the mirror of ProrateMinor for moves to a cheaper
// price. Downgrades currently only take effect at period end, so nothing
// issues this credit.
func ProrateCreditMinor(oldMinor, newMinor, remainingMs, totalMs int64) int64 {
	return prorate(oldMinor-newMinor, remainingMs, totalMs)
}

func prorate(delta, remainingMs, totalMs int64) int64 {
	if totalMs <= 0 || remainingMs <= 0 || delta <= 0 {
		return 0
	}
	if remainingMs > totalMs {
		remainingMs = totalMs
	}

	// delta * remaining can overflow int64 for yearly periods in milliseconds.
	q, _ := decimal.NewFromInt(delta).
		Mul(decimal.NewFromInt(remainingMs)).
		QuoRem(decimal.NewFromInt(totalMs), 0)
	return q.IntPart()
}

// Window returns the remaining and total milliseconds of the period
// [start, end) as seen at now.
func Window(start, end, now time.Time) (remainingMs, totalMs int64) {
	totalMs = end.Sub(start).Milliseconds()
	remainingMs = end.Sub(now).Milliseconds()
	return remainingMs, totalMs
}
