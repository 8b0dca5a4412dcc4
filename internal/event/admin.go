package event

import (
	"PerpSettle/internal/state"
)

// Initialized is emitted once, when the contract is configured.
type Initialized struct {
	Name   string              `json:"name"`
	Vault  string              `json:"vault"`
	Config state.TradingConfig `json:"config"`
}

func (e *Initialized) EventType() EventType { return EventTypeInitialized }
func (e *Initialized) MarketID() *string    { return nil }

// ConfigUpdated replaces the contract-wide trading config.
type ConfigUpdated struct {
	Config state.TradingConfig `json:"config"`
}

func (e *ConfigUpdated) EventType() EventType { return EventTypeConfigUpdated }
func (e *ConfigUpdated) MarketID() *string    { return nil }

// ConfigQueued records a trading config waiting on the governance timelock.
type ConfigQueued struct {
	Config     state.TradingConfig `json:"config"`
	UnlockTime int64               `json:"unlock_time"`
}

func (e *ConfigQueued) EventType() EventType { return EventTypeConfigQueued }
func (e *ConfigQueued) MarketID() *string    { return nil }

type ConfigQueueCancelled struct{}

func (e *ConfigQueueCancelled) EventType() EventType { return EventTypeConfigQueueCancelled }
func (e *ConfigQueueCancelled) MarketID() *string    { return nil }

type StatusChanged struct {
	From state.Status `json:"from"`
	To   state.Status `json:"to"`
}

func (e *StatusChanged) EventType() EventType { return EventTypeStatusChanged }
func (e *StatusChanged) MarketID() *string    { return nil }

type Upgraded struct {
	WasmHash string `json:"wasm_hash"`
}

func (e *Upgraded) EventType() EventType { return EventTypeUpgraded }
func (e *Upgraded) MarketID() *string    { return nil }

// MarketInitialized installs a market without the timelock (setup only).
type MarketInitialized struct {
	Asset  state.Asset        `json:"asset"`
	Config state.MarketConfig `json:"config"`
}

func (e *MarketInitialized) EventType() EventType { return EventTypeMarketInitialized }
func (e *MarketInitialized) MarketID() *string    { return marketID(e.Asset) }

// MarketQueued records a config waiting on the governance timelock.
type MarketQueued struct {
	Asset      state.Asset        `json:"asset"`
	Config     state.MarketConfig `json:"config"`
	UnlockTime int64              `json:"unlock_time"`
}

func (e *MarketQueued) EventType() EventType { return EventTypeMarketQueued }
func (e *MarketQueued) MarketID() *string    { return marketID(e.Asset) }

type MarketQueueCancelled struct {
	Asset state.Asset `json:"asset"`
}

func (e *MarketQueueCancelled) EventType() EventType { return EventTypeMarketQueueCancelled }
func (e *MarketQueueCancelled) MarketID() *string    { return marketID(e.Asset) }

// MarketSet applies a queued config once unlocked.
type MarketSet struct {
	Asset  state.Asset        `json:"asset"`
	Config state.MarketConfig `json:"config"`
	Data   state.MarketData   `json:"data"`
}

func (e *MarketSet) EventType() EventType { return EventTypeMarketSet }
func (e *MarketSet) MarketID() *string    { return marketID(e.Asset) }

func marketID(a state.Asset) *string {
	s := a.String()
	return &s
}
