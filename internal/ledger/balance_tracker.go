package ledger

import (
	"fmt"
	"sort"
)

// BalanceTracker maintains in-memory account balances. Zero balances are
// dropped so closed escrows do not accumulate.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.add(j.DebitAccount, j.Amount)
	bt.add(j.CreditAccount, -j.Amount)
}

func (bt *BalanceTracker) add(key AccountKey, delta int64) {
	v := bt.balances[key] + delta
	if v == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = v
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// EscrowBalance returns the collateral held for a position.
func (bt *BalanceTracker) EscrowBalance(positionID uint32) int64 {
	return bt.balances[EscrowAccount(positionID)]
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Clone returns an independent copy, used for call-level rollback.
func (bt *BalanceTracker) Clone() *BalanceTracker {
	return &BalanceTracker{balances: bt.Snapshot()}
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		if v != 0 {
			bt.balances[k] = v
		}
	}
}

// BalanceEntry is one account balance in serializable form.
type BalanceEntry struct {
	Account AccountKey `json:"account"`
	Balance int64      `json:"balance"`
}

// Entries returns every non-zero balance ordered by account path.
func (bt *BalanceTracker) Entries() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		out = append(out, BalanceEntry{Account: k, Balance: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Account.AccountPath() < out[j].Account.AccountPath()
	})
	return out
}

// RestoreEntries replaces all balances with entries.
func (bt *BalanceTracker) RestoreEntries(entries []BalanceEntry) {
	balances := make(map[AccountKey]int64, len(entries))
	for _, e := range entries {
		balances[e.Account] += e.Balance
	}
	bt.Restore(balances)
}
