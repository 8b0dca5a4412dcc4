// internal/state/position.go
package state

import (
	"encoding/binary"

	fpmath "PerpSettle/internal/math"
)

// PositionStatus tracks the lifecycle of a position
type PositionStatus uint8

const (
	PositionPending PositionStatus = iota // limit order waiting for a fill
	PositionOpen
	PositionClosed
)

func (s PositionStatus) String() string {
	switch s {
	case PositionPending:
		return "Pending"
	case PositionOpen:
		return "Open"
	case PositionClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Live reports whether the position still counts toward market aggregates.
func (s PositionStatus) Live() bool {
	return s == PositionPending || s == PositionOpen
}

var validTransitions = map[PositionStatus][]PositionStatus{
	PositionPending: {PositionOpen, PositionClosed},
	PositionOpen:    {PositionClosed},
	PositionClosed:  {},
}

// CanTransitionTo validates status transitions
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Position is a single leveraged exposure owned by one user.
type Position struct {
	ID            uint32         `json:"id"`
	User          string         `json:"user"`
	Asset         Asset          `json:"asset"`
	IsLong        bool           `json:"is_long"`
	NotionalSize  int64          `json:"notional_size"`
	Collateral    int64          `json:"collateral"`
	EntryPrice    int64          `json:"entry_price"`
	InterestIndex int64          `json:"interest_index"` // side index at the last funding settlement
	CreatedAt     int64          `json:"created_at"`
	Status        PositionStatus `json:"status"`
	StopLoss      int64          `json:"stop_loss"`   // 0 = unset
	TakeProfit    int64          `json:"take_profit"` // 0 = unset
	ClosePrice    int64          `json:"close_price"`
}

// SideSign returns +1 for long, -1 for short
func (p *Position) SideSign() int64 {
	if p.IsLong {
		return 1
	}
	return -1
}

// PnL at the given price.
func (p *Position) PnL(price int64) int64 {
	return fpmath.ComputePnL(p.IsLong, p.NotionalSize, p.EntryPrice, price)
}

// FundingOwed since the position's index snapshot.
func (p *Position) FundingOwed(m *Market) int64 {
	return fpmath.ComputeFundingOwed(p.NotionalSize, m.Index(p.IsLong), p.InterestIndex)
}

// ShiftIndex moves the snapshot into the frame of a rebased index. The
// distance to the index is preserved unless it leaves the int64 range.
func (p *Position) ShiftIndex(offset int64) {
	p.InterestIndex = fpmath.SubSaturating(p.InterestIndex, offset)
}

// StopLossHit reports whether price has crossed the stop-loss threshold.
func (p *Position) StopLossHit(price int64) bool {
	if p.StopLoss == 0 {
		return false
	}
	if p.IsLong {
		return price <= p.StopLoss
	}
	return price >= p.StopLoss
}

// TakeProfitHit reports whether price has crossed the take-profit threshold.
func (p *Position) TakeProfitHit(price int64) bool {
	if p.TakeProfit == 0 {
		return false
	}
	if p.IsLong {
		return price >= p.TakeProfit
	}
	return price <= p.TakeProfit
}

// LimitFillable reports whether a pending limit order can fill at price.
func (p *Position) LimitFillable(price int64) bool {
	if p.IsLong {
		return price <= p.EntryPrice
	}
	return price >= p.EntryPrice
}

// ValidStopLoss checks direction sanity against the current price.
func (p *Position) ValidStopLoss(stop, price int64) bool {
	if stop == 0 {
		return true
	}
	if p.IsLong {
		return stop < price
	}
	return stop > price
}

// ValidTakeProfit checks direction sanity against the current price.
func (p *Position) ValidTakeProfit(target, price int64) bool {
	if target == 0 {
		return true
	}
	if p.IsLong {
		return target > price
	}
	return target < price
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = appendUint32LE(buf, p.ID)

	// strings are uvarint length-prefixed
	buf = appendString(buf, p.User)

	buf = append(buf, byte(p.Asset.Kind))
	buf = appendString(buf, p.Asset.Symbol)

	if p.IsLong {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = appendInt64LE(buf, p.NotionalSize)
	buf = appendInt64LE(buf, p.Collateral)
	buf = appendInt64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.InterestIndex)
	buf = appendInt64LE(buf, p.CreatedAt)
	buf = append(buf, byte(p.Status))
	buf = appendInt64LE(buf, p.StopLoss)
	buf = appendInt64LE(buf, p.TakeProfit)
	buf = appendInt64LE(buf, p.ClosePrice)

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
