package state

import (
	fpmath "PerpSettle/internal/math"
)

// MarginStatus represents a position's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusAtRisk
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// MarginSnapshot is a position valued at one price.
type MarginSnapshot struct {
	PnL         int64
	Fee         int64 // close fee if the position left the book now
	Funding     int64 // accrued funding, positive when owed
	Equity      int64 // collateral + pnl - fee - funding
	Maintenance int64 // notional * maintenance_margin
	Initial     int64 // notional * init_margin
}

// Status classifies the snapshot against the market's margin fractions.
func (s MarginSnapshot) Status() MarginStatus {
	if s.Equity < s.Maintenance {
		return MarginStatusLiquidatable
	}
	if s.Equity < s.Initial {
		return MarginStatusAtRisk
	}
	return MarginStatusHealthy
}

// EvaluateMargin values pos at price inside market m. m must already be
// accrued to the evaluation time.
func EvaluateMargin(pos *Position, m *Market, price int64) MarginSnapshot {
	pnl := pos.PnL(price)
	fee := m.CloseFee(pos.IsLong, pos.NotionalSize)
	funding := pos.FundingOwed(m)

	equity := fpmath.AddChecked(pos.Collateral, pnl)
	equity = fpmath.AddChecked(equity, -fee)
	equity = fpmath.AddChecked(equity, -funding)

	return MarginSnapshot{
		PnL:         pnl,
		Fee:         fee,
		Funding:     funding,
		Equity:      equity,
		Maintenance: fpmath.ComputeMarginRequirement(pos.NotionalSize, m.Config.MaintenanceMargin),
		Initial:     fpmath.ComputeMarginRequirement(pos.NotionalSize, m.Config.InitMargin),
	}
}

// Settlement splits a closing position's collateral between the owner, the
// caller and the vault. UserPayout + CallerFee + VaultAmount == Collateral;
// a negative VaultAmount means the vault funds the owner's profit.
type Settlement struct {
	Price       int64 `json:"price"`
	PnL         int64 `json:"pnl"`
	Fee         int64 `json:"fee"`
	Funding     int64 `json:"funding"`
	Collateral  int64 `json:"collateral"`
	UserPayout  int64 `json:"user_payout"`
	CallerFee   int64 `json:"caller_fee"`
	VaultAmount int64 `json:"vault_amount"`
}

// ComputeSettlement settles a voluntary or triggered close at price.
// The caller earns callerTakeRate of the fee out of whatever collateral
// remains after the owner is paid.
func ComputeSettlement(pos *Position, m *Market, price, callerTakeRate int64) Settlement {
	snap := EvaluateMargin(pos, m, price)

	payout := snap.Equity
	if payout < 0 {
		payout = 0
	}

	callerFee := int64(0)
	if snap.Fee > 0 {
		callerFee = fpmath.MulFloor(snap.Fee, callerTakeRate, fpmath.Scalar7)
	}
	if remaining := pos.Collateral - payout; callerFee > remaining {
		callerFee = remaining
	}
	if callerFee < 0 {
		callerFee = 0
	}

	return Settlement{
		Price:       price,
		PnL:         snap.PnL,
		Fee:         snap.Fee,
		Funding:     snap.Funding,
		Collateral:  pos.Collateral,
		UserPayout:  payout,
		CallerFee:   callerFee,
		VaultAmount: pos.Collateral - payout - callerFee,
	}
}

// ComputeLiquidation settles a forced close. The owner forfeits the
// collateral; the liquidator takes callerTakeRate of the fee, capped at the
// collateral, and the vault keeps the rest.
func ComputeLiquidation(pos *Position, m *Market, price, callerTakeRate int64) Settlement {
	snap := EvaluateMargin(pos, m, price)

	callerFee := int64(0)
	if snap.Fee > 0 {
		callerFee = fpmath.MulFloor(snap.Fee, callerTakeRate, fpmath.Scalar7)
	}
	if callerFee > pos.Collateral {
		callerFee = pos.Collateral
	}

	return Settlement{
		Price:       price,
		PnL:         snap.PnL,
		Fee:         snap.Fee,
		Funding:     snap.Funding,
		Collateral:  pos.Collateral,
		UserPayout:  0,
		CallerFee:   callerFee,
		VaultAmount: pos.Collateral - callerFee,
	}
}

// FillReward is what the keeper filling a limit order earns:
// callerTakeRate of the base fee on the order's collateral, rounded down.
func FillReward(pos *Position, m *Market, callerTakeRate int64) int64 {
	base := fpmath.MulCeil(pos.Collateral, m.Config.BaseFee, fpmath.Scalar7)
	if base <= 0 || callerTakeRate <= 0 {
		return 0
	}
	return fpmath.MulFloor(base, callerTakeRate, fpmath.Scalar7)
}

// ComputeCancel settles a pending order that never filled. The owner gets
// the collateral back net of funding accrued while it waited; no fee.
func ComputeCancel(pos *Position, m *Market) Settlement {
	funding := pos.FundingOwed(m)
	payout := fpmath.AddChecked(pos.Collateral, -funding)
	if payout < 0 {
		payout = 0
	}
	return Settlement{
		Price:       pos.EntryPrice,
		Funding:     funding,
		Collateral:  pos.Collateral,
		UserPayout:  payout,
		VaultAmount: pos.Collateral - payout,
	}
}
