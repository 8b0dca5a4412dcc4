package ledger

import (
	"fmt"

	"PerpSettle/internal/state"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the journal is zero-sum.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}

// ValidateEscrow checks that a position's escrow matches its recorded
// collateral while live and is empty once closed.
func (v *InvariantValidator) ValidateEscrow(p *state.Position) error {
	held := v.tracker.EscrowBalance(p.ID)
	want := p.Collateral
	if !p.Status.Live() {
		want = 0
	}
	if held != want {
		return fmt.Errorf("position %d (%s) escrow holds %d, want %d", p.ID, p.Status, held, want)
	}
	return nil
}
