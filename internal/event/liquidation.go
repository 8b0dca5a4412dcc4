package event

import (
	"PerpSettle/internal/state"
)

// PositionLiquidated is a forced close by a keeper. Equity and Maintenance
// are the values that made the position eligible.
type PositionLiquidated struct {
	PositionID  uint32           `json:"position_id"`
	User        string           `json:"user"`
	Liquidator  string           `json:"liquidator"`
	Asset       state.Asset      `json:"asset"`
	Equity      int64            `json:"equity"`
	Maintenance int64            `json:"maintenance"`
	Settlement  state.Settlement `json:"settlement"`
}

func (l *PositionLiquidated) EventType() EventType { return EventTypePositionLiquidated }
func (l *PositionLiquidated) MarketID() *string    { return marketID(l.Asset) }
