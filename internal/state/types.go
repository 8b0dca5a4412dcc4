package state

import (
	"fmt"
	"strings"

	fpmath "PerpSettle/internal/math"
)

// AssetKind distinguishes on-chain token addresses from off-chain symbols.
type AssetKind uint8

const (
	AssetStellar AssetKind = iota
	AssetOther
)

// Asset identifies a market. Comparable, so it is used directly as a map key.
type Asset struct {
	Kind   AssetKind
	Symbol string
}

func StellarAsset(address string) Asset { return Asset{Kind: AssetStellar, Symbol: address} }
func OtherAsset(symbol string) Asset    { return Asset{Kind: AssetOther, Symbol: symbol} }

func (a Asset) String() string {
	switch a.Kind {
	case AssetStellar:
		return "stellar:" + a.Symbol
	default:
		return "other:" + a.Symbol
	}
}

// ParseAsset is the inverse of Asset.String. A bare symbol is treated as Other.
func ParseAsset(s string) (Asset, error) {
	kind, sym, found := strings.Cut(s, ":")
	if !found {
		kind, sym = "other", s
	}
	if sym == "" {
		return Asset{}, fmt.Errorf("empty asset symbol in %q", s)
	}
	switch kind {
	case "stellar":
		return StellarAsset(sym), nil
	case "other":
		return OtherAsset(sym), nil
	default:
		return Asset{}, fmt.Errorf("unknown asset kind %q", kind)
	}
}

// Less orders assets by their string form, for deterministic iteration.
func (a Asset) Less(b Asset) bool { return a.String() < b.String() }

// Status is the contract-wide operating mode.
type Status uint32

const (
	StatusActive Status = 0  // everything allowed
	StatusOnIce  Status = 1  // no new positions; closes, keepers and collateral changes allowed
	StatusFrozen Status = 2  // no state-changing requests
	StatusSetup  Status = 99 // initial configuration; markets install without timelock
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusOnIce:
		return "OnIce"
	case StatusFrozen:
		return "Frozen"
	case StatusSetup:
		return "Setup"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusOnIce, StatusFrozen, StatusSetup:
		return true
	}
	return false
}

// AcceptsSubmit reports whether request batches may run in this status.
func (s Status) AcceptsSubmit() bool {
	return s == StatusActive || s == StatusOnIce
}

// TradingConfig holds contract-wide parameters.
type TradingConfig struct {
	Oracle         string `json:"oracle" yaml:"oracle"`
	CallerTakeRate int64  `json:"caller_take_rate" yaml:"caller_take_rate"` // Scalar7 share of fees paid to the caller
	MaxPositions   uint32 `json:"max_positions" yaml:"max_positions"`       // per-user live position cap
	MaxUtilization int64  `json:"max_utilization" yaml:"max_utilization"`   // Scalar7 multiple of TotalAvailable; 0 disables
}

// maxUtilizationCap is 100x in Scalar7.
const maxUtilizationCap = 100 * fpmath.Scalar7

// ValidateTradingConfig checks contract-wide parameters.
func ValidateTradingConfig(c *TradingConfig) error {
	if c.CallerTakeRate < 0 || c.CallerTakeRate > fpmath.Scalar7 {
		return Errorf(CodeInvalidConfig, "caller_take_rate must be within [0, %d], got %d", fpmath.Scalar7, c.CallerTakeRate)
	}
	if c.MaxPositions == 0 {
		return Errorf(CodeInvalidConfig, "max_positions must be > 0")
	}
	if c.MaxUtilization != 0 && (c.MaxUtilization < fpmath.Scalar7 || c.MaxUtilization > maxUtilizationCap) {
		return Errorf(CodeInvalidConfig, "max_utilization must be 0 or within [%d, %d], got %d",
			fpmath.Scalar7, maxUtilizationCap, c.MaxUtilization)
	}
	return nil
}

// QueuedConfig is a trading config waiting on the governance timelock.
type QueuedConfig struct {
	Config     TradingConfig `json:"config"`
	UnlockTime int64         `json:"unlock_time"`
}

// Unlocked reports whether the entry may be applied at now.
func (q *QueuedConfig) Unlocked(now int64) bool {
	return now >= q.UnlockTime
}

// PriceData is a quote as returned by the oracle.
type PriceData struct {
	Price     int64 `json:"price"`
	Timestamp int64 `json:"timestamp"` // unix seconds
}

func (a Asset) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Asset) UnmarshalText(b []byte) error {
	parsed, err := ParseAsset(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
