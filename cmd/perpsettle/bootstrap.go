package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"PerpSettle/internal/access"
	"PerpSettle/internal/core"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

// Bootstrap is the YAML file that sets up a fresh contract. Fractions and
// rates are decimal strings ("0.0005") so operators never write scaled
// integers by hand.
//
//	contract:
//	  name: perp
//	  vault: GVAULT...
//	  oracle: redis
//	  caller_take_rate: "0.5"
//	  max_positions: 10
//	keepers: [GKEEPER...]
//	markets:
//	  - asset: other:BTC
//	    base_fee: "0.0005"
//	    ...
//	activate: true
type Bootstrap struct {
	Contract ContractSpec `yaml:"contract"`
	Keepers  []string     `yaml:"keepers"`
	Markets  []MarketSpec `yaml:"markets"`
	Activate bool         `yaml:"activate"`
}

type ContractSpec struct {
	Name           string `yaml:"name"`
	Vault          string `yaml:"vault"`
	Oracle         string `yaml:"oracle"`
	CallerTakeRate string `yaml:"caller_take_rate"`
	MaxPositions   uint32 `yaml:"max_positions"`
	MaxUtilization string `yaml:"max_utilization"`
}

type MarketSpec struct {
	Asset             string `yaml:"asset"`
	Enabled           *bool  `yaml:"enabled"` // default true
	BaseFee           string `yaml:"base_fee"`
	InitMargin        string `yaml:"init_margin"`
	MaintenanceMargin string `yaml:"maintenance_margin"`
	MinCollateral     int64  `yaml:"min_collateral"`
	MaxCollateral     int64  `yaml:"max_collateral"`
	MinHourlyRate     string `yaml:"min_hourly_rate"`
	TargetHourlyRate  string `yaml:"target_hourly_rate"`
	MaxHourlyRate     string `yaml:"max_hourly_rate"`
	TargetUtilization string `yaml:"target_utilization"`
	PriceImpactScalar string `yaml:"price_impact_scalar"`
	TotalAvailable    int64  `yaml:"total_available"`
}

// LoadBootstrap reads and decodes a bootstrap file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap: %w", err)
	}
	return ParseBootstrap(raw)
}

func ParseBootstrap(raw []byte) (*Bootstrap, error) {
	var b Bootstrap
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bootstrap: %w", err)
	}
	if b.Contract.Name == "" || b.Contract.Vault == "" {
		return nil, fmt.Errorf("bootstrap: contract name and vault are required")
	}
	return &b, nil
}

// TradingConfig converts the contract section to engine units.
func (c ContractSpec) TradingConfig() (state.TradingConfig, error) {
	take, err := scaled(c.CallerTakeRate, fpmath.RateConfig)
	if err != nil {
		return state.TradingConfig{}, fmt.Errorf("caller_take_rate: %w", err)
	}
	maxUtil, err := scaled(c.MaxUtilization, fpmath.RateConfig)
	if err != nil {
		return state.TradingConfig{}, fmt.Errorf("max_utilization: %w", err)
	}
	return state.TradingConfig{
		Oracle:         c.Oracle,
		CallerTakeRate: take,
		MaxPositions:   c.MaxPositions,
		MaxUtilization: maxUtil,
	}, nil
}

// MarketConfig converts a market entry to engine units: fractions at 7
// decimals, hourly rates at 18.
func (m MarketSpec) MarketConfig() (state.Asset, state.MarketConfig, error) {
	asset, err := state.ParseAsset(m.Asset)
	if err != nil {
		return state.Asset{}, state.MarketConfig{}, err
	}
	cfg := state.MarketConfig{
		Enabled:        m.Enabled == nil || *m.Enabled,
		MinCollateral:  m.MinCollateral,
		MaxCollateral:  m.MaxCollateral,
		TotalAvailable: m.TotalAvailable,
	}
	fields := []struct {
		name string
		src  string
		dst  *int64
		dc   fpmath.DecimalConfig
	}{
		{"base_fee", m.BaseFee, &cfg.BaseFee, fpmath.RateConfig},
		{"init_margin", m.InitMargin, &cfg.InitMargin, fpmath.RateConfig},
		{"maintenance_margin", m.MaintenanceMargin, &cfg.MaintenanceMargin, fpmath.RateConfig},
		{"min_hourly_rate", m.MinHourlyRate, &cfg.MinHourlyRate, fpmath.IndexConfig},
		{"target_hourly_rate", m.TargetHourlyRate, &cfg.TargetHourlyRate, fpmath.IndexConfig},
		{"max_hourly_rate", m.MaxHourlyRate, &cfg.MaxHourlyRate, fpmath.IndexConfig},
		{"target_utilization", m.TargetUtilization, &cfg.TargetUtilization, fpmath.RateConfig},
		{"price_impact_scalar", m.PriceImpactScalar, &cfg.PriceImpactScalar, fpmath.RateConfig},
	}
	for _, f := range fields {
		v, err := scaled(f.src, f.dc)
		if err != nil {
			return state.Asset{}, state.MarketConfig{}, fmt.Errorf("%s %s: %w", asset, f.name, err)
		}
		*f.dst = v
	}
	return asset, cfg, nil
}

func scaled(s string, dc fpmath.DecimalConfig) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return fpmath.ParseScaled(s, dc)
}

// Apply sets up an uninitialized contract: initialize, grant keepers,
// install markets, then optionally activate. It does nothing when the
// contract is already initialized.
func (b *Bootstrap) Apply(ctx context.Context, eng *core.Engine, owner string) (bool, error) {
	if eng.Checkpoint().Store.Initialized {
		return false, nil
	}

	tc, err := b.Contract.TradingConfig()
	if err != nil {
		return false, err
	}
	if _, err := eng.Initialize(ctx, owner, b.Contract.Name, b.Contract.Vault, tc); err != nil {
		return false, fmt.Errorf("initialize: %w", err)
	}
	for _, k := range b.Keepers {
		if err := eng.GrantRole(owner, k, access.RoleKeeper); err != nil {
			return false, fmt.Errorf("grant keeper %s: %w", k, err)
		}
	}
	for _, m := range b.Markets {
		asset, cfg, err := m.MarketConfig()
		if err != nil {
			return false, err
		}
		if _, err := eng.InitMarket(ctx, owner, asset, cfg); err != nil {
			return false, fmt.Errorf("init market %s: %w", asset, err)
		}
	}
	if b.Activate {
		if _, err := eng.SetStatus(ctx, owner, state.StatusActive); err != nil {
			return false, fmt.Errorf("activate: %w", err)
		}
	}
	return true, nil
}
