package event

import (
	"PerpSettle/internal/state"
)

// CollateralChanged covers deposits and withdrawals. Funding is settled
// into the position before Amount is applied.
type CollateralChanged struct {
	Deposit       bool        `json:"deposit"`
	PositionID    uint32      `json:"position_id"`
	User          string      `json:"user"`
	Asset         state.Asset `json:"asset"`
	Amount        int64       `json:"amount"`
	FundingSettle int64       `json:"funding_settled"`
	Collateral    int64       `json:"collateral"` // after the change
}

func (c *CollateralChanged) EventType() EventType {
	if c.Deposit {
		return EventTypeCollateralDeposited
	}
	return EventTypeCollateralWithdrawn
}

func (c *CollateralChanged) MarketID() *string { return marketID(c.Asset) }
