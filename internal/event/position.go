package event

import (
	"PerpSettle/internal/state"
)

// PositionOpened is emitted by create_position. Status is Open for market
// orders and Pending for limit orders.
type PositionOpened struct {
	Position state.Position `json:"position"`
	Fee      int64          `json:"fee"`
}

func (p *PositionOpened) EventType() EventType { return EventTypePositionOpened }
func (p *PositionOpened) MarketID() *string    { return marketID(p.Position.Asset) }

// PositionFilled moves a limit order to Open.
type PositionFilled struct {
	PositionID uint32      `json:"position_id"`
	User       string      `json:"user"`
	Asset      state.Asset `json:"asset"`
	Price      int64       `json:"price"`
	Caller     string      `json:"caller"`
	CallerFee  int64       `json:"caller_fee,omitempty"` // paid by the vault
}

func (p *PositionFilled) EventType() EventType { return EventTypePositionFilled }
func (p *PositionFilled) MarketID() *string    { return marketID(p.Asset) }

// CloseReason says what triggered a close.
type CloseReason string

const (
	CloseReasonUser       CloseReason = "close"
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
)

// PositionClosed settles an Open position at Price.
type PositionClosed struct {
	PositionID uint32           `json:"position_id"`
	User       string           `json:"user"`
	Asset      state.Asset      `json:"asset"`
	Reason     CloseReason      `json:"reason"`
	Settlement state.Settlement `json:"settlement"`
}

func (p *PositionClosed) EventType() EventType { return EventTypePositionClosed }
func (p *PositionClosed) MarketID() *string    { return marketID(p.Asset) }

// PositionCancelled refunds a Pending order.
type PositionCancelled struct {
	PositionID uint32           `json:"position_id"`
	User       string           `json:"user"`
	Asset      state.Asset      `json:"asset"`
	Settlement state.Settlement `json:"settlement"`
}

func (p *PositionCancelled) EventType() EventType { return EventTypePositionCancelled }
func (p *PositionCancelled) MarketID() *string    { return marketID(p.Asset) }

// TriggersUpdated records new stop-loss and take-profit thresholds.
type TriggersUpdated struct {
	PositionID uint32      `json:"position_id"`
	Asset      state.Asset `json:"asset"`
	StopLoss   int64       `json:"stop_loss"`
	TakeProfit int64       `json:"take_profit"`
}

func (p *TriggersUpdated) EventType() EventType { return EventTypeTriggersUpdated }
func (p *TriggersUpdated) MarketID() *string    { return marketID(p.Asset) }
