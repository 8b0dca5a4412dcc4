package event

import (
	"PerpSettle/internal/state"
)

// FundingAccrued reports an index update on a market. Emitted only when an
// accrual moved time forward.
type FundingAccrued struct {
	Asset              state.Asset `json:"asset"`
	Elapsed            int64       `json:"elapsed"`
	Utilization        int64       `json:"utilization"` // Scalar7
	HourlyRate         int64       `json:"hourly_rate"` // Scalar18
	LongDelta          int64       `json:"long_delta"`
	ShortDelta         int64       `json:"short_delta"`
	LongInterestIndex  int64       `json:"long_interest_index"`
	ShortInterestIndex int64       `json:"short_interest_index"`

	// Offsets subtracted from the index and from every snapshot on that
	// side when the index was rebased back to Scalar18.
	LongRebase  int64 `json:"long_rebase,omitempty"`
	ShortRebase int64 `json:"short_rebase,omitempty"`
}

func (f *FundingAccrued) EventType() EventType { return EventTypeFundingAccrued }
func (f *FundingAccrued) MarketID() *string    { return marketID(f.Asset) }
