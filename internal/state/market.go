package state

import (
	fpmath "PerpSettle/internal/math"
)

// MarketData is the mutable aggregate state of one market. Aggregates cover
// every live (Pending or Open) position on the asset.
type MarketData struct {
	LongCollateral     int64  `json:"long_collateral"`
	ShortCollateral    int64  `json:"short_collateral"`
	LongNotional       int64  `json:"long_notional_size"`
	ShortNotional      int64  `json:"short_notional_size"`
	LongCount          uint32 `json:"long_count"`
	ShortCount         uint32 `json:"short_count"`
	LongInterestIndex  int64  `json:"long_interest_index"`  // Scalar18
	ShortInterestIndex int64  `json:"short_interest_index"` // Scalar18
	LastUpdate         int64  `json:"last_update"`
}

// NewMarketData returns empty aggregates with both indices at 1.0.
func NewMarketData(now int64) MarketData {
	return MarketData{
		LongInterestIndex:  fpmath.Scalar18,
		ShortInterestIndex: fpmath.Scalar18,
		LastUpdate:         now,
	}
}

// Market is the composite view of one asset. It is assembled on read and
// never persisted as a unit.
type Market struct {
	Asset  Asset
	Config MarketConfig
	Data   MarketData
}

// IndexRebaseThreshold is how far an interest index may drift from Scalar18
// before Accrue rebases it. Funding depends only on the distance between an
// index and a position's snapshot, so a rebase moves both by the same
// offset. One accrual moves an index by at most MaxIndexStep, which keeps
// the indices well inside int64.
const IndexRebaseThreshold = 4 * fpmath.Scalar18

// Accrual reports what one Accrue call did. LongRebase and ShortRebase are
// the offsets subtracted from the indices after accrual; snapshots of live
// positions on that side must be shifted by the same amount.
type Accrual struct {
	Elapsed     int64
	Utilization int64
	Rate        int64
	LongDelta   int64
	ShortDelta  int64
	LongRebase  int64
	ShortRebase int64

	// Shifted lists the live positions whose snapshots followed a rebase.
	// Set by Store.AccrueMarket.
	Shifted []uint32
}

// Rebase returns the offset applied to one side's index.
func (a Accrual) Rebase(isLong bool) int64 {
	if isLong {
		return a.LongRebase
	}
	return a.ShortRebase
}

// Rebased reports whether either index was rebased.
func (a Accrual) Rebased() bool {
	return a.LongRebase != 0 || a.ShortRebase != 0
}

// Accrue moves the interest indices forward from LastUpdate to now.
// LastUpdate never moves backwards; a stale now is a no-op. Callers holding
// positions on the market use Store.AccrueMarket so rebases reach the
// position snapshots.
func (m *Market) Accrue(now int64) Accrual {
	elapsed := now - m.Data.LastUpdate
	if elapsed <= 0 {
		return Accrual{}
	}

	util := fpmath.Utilization(m.Data.LongNotional, m.Data.ShortNotional, m.Config.TotalAvailable)
	rate := fpmath.HourlyRate(util, m.Config.MinHourlyRate, m.Config.TargetHourlyRate,
		m.Config.MaxHourlyRate, m.Config.TargetUtilization)
	acc := fpmath.ComputeIndexAccrual(elapsed, rate, m.Data.LongNotional, m.Data.ShortNotional)

	m.Data.LongInterestIndex = fpmath.AddChecked(m.Data.LongInterestIndex, acc.LongDelta)
	m.Data.ShortInterestIndex = fpmath.AddChecked(m.Data.ShortInterestIndex, acc.ShortDelta)
	m.Data.LastUpdate = now

	return Accrual{
		Elapsed:     elapsed,
		Utilization: util,
		Rate:        rate,
		LongDelta:   acc.LongDelta,
		ShortDelta:  acc.ShortDelta,
		LongRebase:  rebaseIndex(&m.Data.LongInterestIndex),
		ShortRebase: rebaseIndex(&m.Data.ShortInterestIndex),
	}
}

// rebaseIndex resets idx to Scalar18 once it drifts past the threshold and
// returns the offset removed.
func rebaseIndex(idx *int64) int64 {
	off := *idx - fpmath.Scalar18
	if off <= IndexRebaseThreshold && off >= -IndexRebaseThreshold {
		return 0
	}
	*idx = fpmath.Scalar18
	return off
}

// Index returns the current interest index for one side.
func (m *Market) Index(isLong bool) int64 {
	if isLong {
		return m.Data.LongInterestIndex
	}
	return m.Data.ShortInterestIndex
}

// SideNotional returns (same side, opposite side) notional.
func (m *Market) SideNotional(isLong bool) (int64, int64) {
	if isLong {
		return m.Data.LongNotional, m.Data.ShortNotional
	}
	return m.Data.ShortNotional, m.Data.LongNotional
}

// addPosition adds a live position to the aggregates.
func (m *Market) addPosition(isLong bool, collateral, notional int64) {
	if isLong {
		m.Data.LongCollateral = fpmath.AddChecked(m.Data.LongCollateral, collateral)
		m.Data.LongNotional = fpmath.AddChecked(m.Data.LongNotional, notional)
		m.Data.LongCount++
	} else {
		m.Data.ShortCollateral = fpmath.AddChecked(m.Data.ShortCollateral, collateral)
		m.Data.ShortNotional = fpmath.AddChecked(m.Data.ShortNotional, notional)
		m.Data.ShortCount++
	}
}

// removePosition removes a live position from the aggregates.
func (m *Market) removePosition(isLong bool, collateral, notional int64) {
	if isLong {
		m.Data.LongCollateral -= collateral
		m.Data.LongNotional -= notional
		m.Data.LongCount--
	} else {
		m.Data.ShortCollateral -= collateral
		m.Data.ShortNotional -= notional
		m.Data.ShortCount--
	}
}

// adjustCollateral applies a collateral delta without changing counts.
func (m *Market) adjustCollateral(isLong bool, delta int64) {
	if isLong {
		m.Data.LongCollateral = fpmath.AddChecked(m.Data.LongCollateral, delta)
	} else {
		m.Data.ShortCollateral = fpmath.AddChecked(m.Data.ShortCollateral, delta)
	}
}

// OpenFee is charged when a position enters the book: the base fee when it
// leaves its side strictly dominant, plus price impact.
func (m *Market) OpenFee(isLong bool, notional int64) int64 {
	same, other := m.SideNotional(isLong)
	fee := m.priceImpact(notional)
	if same+notional > other {
		fee += fpmath.MulCeil(notional, m.Config.BaseFee, fpmath.Scalar7)
	}
	return fee
}

// CloseFee is charged when a position leaves the book: the base fee when its
// side is currently dominant (or tied), plus price impact.
func (m *Market) CloseFee(isLong bool, notional int64) int64 {
	same, other := m.SideNotional(isLong)
	fee := m.priceImpact(notional)
	if same >= other {
		fee += fpmath.MulCeil(notional, m.Config.BaseFee, fpmath.Scalar7)
	}
	return fee
}

func (m *Market) priceImpact(notional int64) int64 {
	return fpmath.DivCeil(notional, m.Config.PriceImpactScalar, fpmath.Scalar7)
}

// Clone returns a copy; Market holds no reference types.
func (m *Market) Clone() *Market {
	c := *m
	return &c
}
