package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeCollateralIn JournalType = iota
	JournalTypeCollateralOut
	JournalTypeOpenFee
	JournalTypePayout
	JournalTypeCallerFee
	JournalTypeVaultSettle
	JournalTypeFundingSettle
	JournalTypeRefund
	JournalTypeFillReward
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeCollateralIn:
		return "collateral_in"
	case JournalTypeCollateralOut:
		return "collateral_out"
	case JournalTypeOpenFee:
		return "open_fee"
	case JournalTypePayout:
		return "payout"
	case JournalTypeCallerFee:
		return "caller_fee"
	case JournalTypeVaultSettle:
		return "vault_settle"
	case JournalTypeFundingSettle:
		return "funding_settle"
	case JournalTypeRefund:
		return "refund"
	case JournalTypeFillReward:
		return "fill_reward"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups the entries of one call
	RequestIndex  int         // Position of the originating request in the call, -1 for admin calls
	PositionID    uint32      // Position the entry settles
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        int64       // Token amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Call timestamp (unix seconds)
}

// Batch is the set of journal entries produced by one engine call.
type Batch struct {
	BatchID   uuid.UUID
	Ref       string // caller-supplied batch id, if any
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from credit to debit, so every entry is balanced by construction.
// An empty batch is valid: Fill and trigger edits move no tokens.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}
	return nil
}

// NetTransfers nets the batch's movements on external addresses. Positive
// means the address receives tokens; negative means it pays. Addresses
// whose movements cancel out are omitted.
func (b *Batch) NetTransfers() map[string]int64 {
	net := make(map[string]int64)
	for _, j := range b.Journals {
		if j.DebitAccount.IsExternal() {
			net[j.DebitAccount.Owner] += j.Amount
		}
		if j.CreditAccount.IsExternal() {
			net[j.CreditAccount.Owner] -= j.Amount
		}
	}
	for addr, v := range net {
		if v == 0 {
			delete(net, addr)
		}
	}
	return net
}

// Len returns the number of entries in the batch.
func (b *Batch) Len() int {
	return len(b.Journals)
}
