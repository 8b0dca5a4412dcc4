// internal/math/funding.go
package math

// Utilization returns open notional as a fraction of available liquidity,
// in Scalar7 and capped at 100%.
func Utilization(longNotional, shortNotional, totalAvailable int64) int64 {
	open := AddChecked(longNotional, shortNotional)
	if open <= 0 {
		return 0
	}
	if totalAvailable <= 0 {
		return Scalar7
	}
	u := MulDiv(open, Scalar7, totalAvailable, RoundDown)
	if u > Scalar7 {
		return Scalar7
	}
	return u
}

// HourlyRate interpolates the hourly funding rate (Scalar18) along a kinked
// curve: linear from minRate to targetRate up to targetUtil, then linear from
// targetRate to maxRate up to full utilization. The result is clamped to
// [minRate, maxRate].
func HourlyRate(utilization, minRate, targetRate, maxRate, targetUtil int64) int64 {
	var rate int64
	switch {
	case targetUtil <= 0:
		rate = maxRate
	case utilization <= targetUtil:
		rate = minRate + MulDiv(targetRate-minRate, utilization, targetUtil, RoundDown)
	default:
		remaining := Scalar7 - targetUtil
		if remaining <= 0 {
			rate = maxRate
		} else {
			rate = targetRate + MulDiv(maxRate-targetRate, utilization-targetUtil, remaining, RoundDown)
		}
	}

	if rate < minRate {
		rate = minRate
	}
	if rate > maxRate {
		rate = maxRate
	}
	return rate
}

// IndexAccrual is the change applied to the long and short interest indices
// over one accrual interval.
type IndexAccrual struct {
	Rate       int64 // hourly rate used (Scalar18)
	LongDelta  int64
	ShortDelta int64
}

// ComputeIndexAccrual distributes funding for elapsed seconds between the two
// sides of a market. The side with the larger notional pays: its index rises
// by rate * elapsed / 1h. The other side's index falls by the same total
// amount spread over its own notional, so payments and receipts cancel out
// up to rounding. Balanced or one-sided markets accrue nothing.
func ComputeIndexAccrual(elapsed, hourlyRate, longNotional, shortNotional int64) IndexAccrual {
	acc := IndexAccrual{Rate: hourlyRate}
	if elapsed <= 0 || hourlyRate <= 0 {
		return acc
	}
	if longNotional <= 0 || shortNotional <= 0 || longNotional == shortNotional {
		return acc
	}

	payDelta := cappedMulDiv(hourlyRate, elapsed, OneHourSeconds)
	if payDelta == 0 {
		return acc
	}

	if longNotional > shortNotional {
		acc.LongDelta = payDelta
		acc.ShortDelta = -cappedMulDiv(payDelta, longNotional, shortNotional)
	} else {
		acc.ShortDelta = payDelta
		acc.LongDelta = -cappedMulDiv(payDelta, shortNotional, longNotional)
	}
	return acc
}

// MaxIndexStep bounds how far either index can move in one accrual.
// Only reachable after very long idle periods or extreme imbalance.
const MaxIndexStep = Scalar18

// cappedMulDiv returns floor(a * b / c) for non-negative operands, capped at
// MaxIndexStep.
func cappedMulDiv(a, b, c int64) int64 {
	product := MultiplyInt128(a, b)
	defer putInt128(product)
	q := getInt128()
	defer putInt128(q)
	q.Quo(product, getBig(c))
	if !q.IsInt64() || q.Int64() > MaxIndexStep {
		return MaxIndexStep
	}
	return q.Int64()
}
