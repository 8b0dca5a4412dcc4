// internal/math/fixedpoint.go
package math

import (
	"fmt"
	stdmath "math"
	"math/big"
	"sync"
)

// Fixed-point scales. Amounts, fees and margin fractions use Scalar7;
// interest indices and hourly rates use Scalar18.
const (
	Scalar7  int64 = 10_000_000
	Scalar18 int64 = 1_000_000_000_000_000_000

	OneHourSeconds int64 = 3_600
	OneDaySeconds  int64 = 86_400
	OneWeekSeconds int64 = 7 * OneDaySeconds
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	AmountConfig = DecimalConfig{DecimalPrecision: 7, Scale: Scalar7}
	RateConfig   = DecimalConfig{DecimalPrecision: 7, Scale: Scalar7}
	IndexConfig  = DecimalConfig{DecimalPrecision: 18, Scale: Scalar18}
)

// OverflowError is raised (as a panic value) when an intermediate result
// does not fit back into int64. The engine recovers it at the call boundary.
type OverflowError struct {
	Op string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("fixedpoint: %s overflows int64", e.Op)
}

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward negative infinity
	RoundUp                           // toward positive infinity
)

func getBig(v int64) *big.Int {
	return new(big.Int).SetInt64(v)
}

// MultiplyInt128 performs a * b using a pooled big.Int to prevent overflow.
// The caller owns the result and should release it with Release.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.SetInt64(a)
	tmp := getInt128()
	tmp.SetInt64(b)
	result.Mul(result, tmp)
	putInt128(tmp)
	return result
}

// Release returns an intermediate obtained from MultiplyInt128 to the pool.
func Release(v *big.Int) {
	putInt128(v)
}

// DivideInt128 performs numerator / denominator with the given rounding.
// Panics with *OverflowError if the quotient does not fit in int64.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	if denominator == 0 {
		panic(&OverflowError{Op: "division by zero"})
	}
	denom := getInt128()
	denom.SetInt64(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer func() {
		putInt128(denom)
		putInt128(quotient)
		putInt128(remainder)
	}()

	// QuoRem truncates toward zero; remainder carries the numerator's sign.
	quotient.QuoRem(numerator, denom, remainder)

	if remainder.Sign() != 0 {
		negative := (numerator.Sign() < 0) != (denominator < 0)
		switch roundingMode {
		case RoundDown:
			if negative {
				quotient.Sub(quotient, big.NewInt(1))
			}
		case RoundUp:
			if !negative {
				quotient.Add(quotient, big.NewInt(1))
			}
		case RoundHalfEven:
			twice := getInt128()
			twice.Abs(remainder)
			twice.Lsh(twice, 1)
			absDenom := getInt128()
			absDenom.Abs(denom)
			cmp := twice.Cmp(absDenom)
			putInt128(twice)
			putInt128(absDenom)

			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				if negative {
					quotient.Sub(quotient, big.NewInt(1))
				} else {
					quotient.Add(quotient, big.NewInt(1))
				}
			}
		}
	}

	if !quotient.IsInt64() {
		panic(&OverflowError{Op: "divide"})
	}
	return quotient.Int64()
}

// MulDiv computes a * b / denominator with a 128-bit intermediate.
func MulDiv(a, b, denominator int64, mode RoundingMode) int64 {
	product := MultiplyInt128(a, b)
	defer putInt128(product)
	return DivideInt128(product, denominator, mode)
}

// MulFloor computes a * b / scale rounded toward negative infinity.
func MulFloor(a, b, scale int64) int64 {
	return MulDiv(a, b, scale, RoundDown)
}

// MulCeil computes a * b / scale rounded toward positive infinity.
func MulCeil(a, b, scale int64) int64 {
	return MulDiv(a, b, scale, RoundUp)
}

// DivFloor computes a * scale / b rounded toward negative infinity.
func DivFloor(a, b, scale int64) int64 {
	return MulDiv(a, scale, b, RoundDown)
}

// DivCeil computes a * scale / b rounded toward positive infinity.
func DivCeil(a, b, scale int64) int64 {
	return MulDiv(a, scale, b, RoundUp)
}

// AddChecked adds two int64 values and panics with *OverflowError on wrap.
func AddChecked(a, b int64) int64 {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		panic(&OverflowError{Op: "add"})
	}
	return s
}

// ComputePnL returns the signed profit of a position of the given notional
// opened at entryPrice and valued at price:
// notional * (price - entry) / entry for longs, the negation for shorts.
func ComputePnL(isLong bool, notional, entryPrice, price int64) int64 {
	diff := price - entryPrice
	if !isLong {
		diff = -diff
	}
	if diff == 0 || entryPrice <= 0 {
		return 0
	}
	return MulDiv(notional, diff, entryPrice, RoundDown)
}

// SubSaturating returns a - b clamped to the int64 range.
func SubSaturating(a, b int64) int64 {
	d := a - b
	switch {
	case b < 0 && d < a:
		return stdmath.MaxInt64
	case b > 0 && d > a:
		return stdmath.MinInt64
	}
	return d
}

// ComputeFundingOwed returns notional * (currentIndex - snapshot) / Scalar18.
// Positive: the position owes funding. Negative: it is owed funding. The
// index difference is taken at 128 bits, so snapshots far from the current
// index do not wrap.
func ComputeFundingOwed(notional, currentIndex, snapshot int64) int64 {
	if currentIndex == snapshot || notional == 0 {
		return 0
	}
	delta := getInt128()
	defer putInt128(delta)
	tmp := getInt128()
	defer putInt128(tmp)

	delta.SetInt64(currentIndex)
	delta.Sub(delta, tmp.SetInt64(snapshot))
	delta.Mul(delta, tmp.SetInt64(notional))
	return DivideInt128(delta, Scalar18, RoundDown)
}

// ComputeMarginRequirement returns notional * fraction / Scalar7, rounded up.
func ComputeMarginRequirement(notional, fraction int64) int64 {
	return MulCeil(notional, fraction, Scalar7)
}
