package state

import (
	fpmath "PerpSettle/internal/math"
)

// MarketConfig defines risk and fee parameters per market. Fractions and
// fees are Scalar7; hourly rates are Scalar18; collateral and liquidity are
// token amounts.
type MarketConfig struct {
	Enabled           bool  `json:"enabled" yaml:"enabled"`
	BaseFee           int64 `json:"base_fee" yaml:"base_fee"`                     // fraction of notional, dominant side only
	InitMargin        int64 `json:"init_margin" yaml:"init_margin"`               // max leverage = 1 / InitMargin
	MaintenanceMargin int64 `json:"maintenance_margin" yaml:"maintenance_margin"` // liquidation threshold
	MinCollateral     int64 `json:"min_collateral" yaml:"min_collateral"`
	MaxCollateral     int64 `json:"max_collateral" yaml:"max_collateral"`
	MinHourlyRate     int64 `json:"min_hourly_rate" yaml:"min_hourly_rate"`
	TargetHourlyRate  int64 `json:"target_hourly_rate" yaml:"target_hourly_rate"`
	MaxHourlyRate     int64 `json:"max_hourly_rate" yaml:"max_hourly_rate"`
	TargetUtilization int64 `json:"target_utilization" yaml:"target_utilization"` // kink of the rate curve
	PriceImpactScalar int64 `json:"price_impact_scalar" yaml:"price_impact_scalar"`
	TotalAvailable    int64 `json:"total_available" yaml:"total_available"` // liquidity backing the market
}

// MaxHourlyRateLimit caps max_hourly_rate at 1% per hour.
const MaxHourlyRateLimit = fpmath.Scalar18 / 100

// ValidateMarketConfig checks that market parameters are within valid ranges:
// 0 < min_collateral <= max_collateral, 0 < mm < im <= 1,
// 0 <= min_rate <= target_rate <= max_rate <= 1%/h, 0 < target_util <= 1,
// base_fee >= 0, price_impact_scalar > 0, total_available >= 0.
func ValidateMarketConfig(c *MarketConfig) error {
	if c.MinCollateral <= 0 {
		return Errorf(CodeInvalidConfig, "min_collateral must be > 0, got %d", c.MinCollateral)
	}
	if c.MaxCollateral < c.MinCollateral {
		return Errorf(CodeInvalidConfig, "max_collateral (%d) must be >= min_collateral (%d)", c.MaxCollateral, c.MinCollateral)
	}
	if c.MaintenanceMargin <= 0 {
		return Errorf(CodeInvalidConfig, "maintenance_margin must be > 0, got %d", c.MaintenanceMargin)
	}
	if c.InitMargin <= c.MaintenanceMargin {
		return Errorf(CodeInvalidConfig, "init_margin (%d) must be > maintenance_margin (%d)", c.InitMargin, c.MaintenanceMargin)
	}
	if c.InitMargin > fpmath.Scalar7 {
		return Errorf(CodeInvalidConfig, "init_margin must be <= %d, got %d", fpmath.Scalar7, c.InitMargin)
	}
	if c.MinHourlyRate < 0 {
		return Errorf(CodeInvalidConfig, "min_hourly_rate must be >= 0, got %d", c.MinHourlyRate)
	}
	if c.MinHourlyRate > c.TargetHourlyRate || c.TargetHourlyRate > c.MaxHourlyRate {
		return Errorf(CodeInvalidConfig, "hourly rates must satisfy min (%d) <= target (%d) <= max (%d)",
			c.MinHourlyRate, c.TargetHourlyRate, c.MaxHourlyRate)
	}
	if c.MaxHourlyRate > MaxHourlyRateLimit {
		return Errorf(CodeInvalidConfig, "max_hourly_rate must be <= %d, got %d", MaxHourlyRateLimit, c.MaxHourlyRate)
	}
	if c.TargetUtilization <= 0 || c.TargetUtilization > fpmath.Scalar7 {
		return Errorf(CodeInvalidConfig, "target_utilization must be within (0, %d], got %d", fpmath.Scalar7, c.TargetUtilization)
	}
	if c.BaseFee < 0 {
		return Errorf(CodeInvalidConfig, "base_fee must be >= 0, got %d", c.BaseFee)
	}
	if c.PriceImpactScalar <= 0 {
		return Errorf(CodeInvalidConfig, "price_impact_scalar must be > 0, got %d", c.PriceImpactScalar)
	}
	if c.TotalAvailable < 0 {
		return Errorf(CodeInvalidConfig, "total_available must be >= 0, got %d", c.TotalAvailable)
	}
	return nil
}

// MaxLeverage returns the leverage implied by InitMargin, in Scalar7.
func (c *MarketConfig) MaxLeverage() int64 {
	return fpmath.DivFloor(fpmath.Scalar7, c.InitMargin, fpmath.Scalar7)
}

// WithinLeverage reports whether notional/collateral respects InitMargin:
// collateral >= notional * init_margin.
func (c *MarketConfig) WithinLeverage(collateral, notional int64) bool {
	return collateral >= fpmath.ComputeMarginRequirement(notional, c.InitMargin)
}

// QueuedMarketInit is a pending market configuration waiting on the
// governance timelock.
type QueuedMarketInit struct {
	Config     MarketConfig `json:"config"`
	UnlockTime int64        `json:"unlock_time"`
}

// Unlocked reports whether the entry may be applied at now.
func (q *QueuedMarketInit) Unlocked(now int64) bool {
	return now >= q.UnlockTime
}
