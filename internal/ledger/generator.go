package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"PerpSettle/internal/state"
)

// JournalGenerator opens one journal batch per engine call and numbers
// them.
type JournalGenerator struct {
	sequence int64
}

func NewJournalGenerator(startSequence int64) *JournalGenerator {
	return &JournalGenerator{sequence: startSequence}
}

// Sequence returns the sequence the next batch will receive.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// Begin starts an empty batch for a call at timestamp. The sequence is
// consumed only by Commit, so a rolled back call leaves no gap.
func (jg *JournalGenerator) Begin(ref string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		Ref:       ref,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 4),
	}
}

// Commit consumes the sequence of a batch that was applied.
func (jg *JournalGenerator) Commit(b *Batch) error {
	if b.Sequence != jg.sequence {
		return fmt.Errorf("batch sequence %d, generator at %d", b.Sequence, jg.sequence)
	}
	jg.sequence++
	return nil
}

// Truncate drops every entry posted after n, used to discard a skipped
// request's postings.
func (b *Batch) Truncate(n int) {
	if n < len(b.Journals) {
		b.Journals = b.Journals[:n]
	}
}

// post moves amount from credit to debit. Zero amounts and self-transfers
// post nothing; a negative amount reverses the direction.
func (b *Batch) post(reqIdx int, posID uint32, typ JournalType, debit, credit AccountKey, amount int64) {
	if amount < 0 {
		debit, credit, amount = credit, debit, -amount
	}
	if amount == 0 || debit == credit {
		return
	}
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		RequestIndex:  reqIdx,
		PositionID:    posID,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   typ,
		Timestamp:     b.Timestamp,
	})
}

// PostOpen records a new position: the owner funds its escrow and pays the
// open fee to the vault.
// Moves funds: wallet:user → escrow (collateral), wallet:user → wallet:vault (fee)
func (b *Batch) PostOpen(reqIdx int, p *state.Position, vault string, fee int64) {
	b.post(reqIdx, p.ID, JournalTypeCollateralIn, EscrowAccount(p.ID), WalletAccount(p.User), p.Collateral)
	b.post(reqIdx, p.ID, JournalTypeOpenFee, WalletAccount(vault), WalletAccount(p.User), fee)
}

// PostSettlement empties a closing position's escrow. A negative vault
// amount is drawn from the vault first so the escrow covers the payout.
func (b *Batch) PostSettlement(reqIdx int, p *state.Position, caller, vault string, st state.Settlement) {
	escrow := EscrowAccount(p.ID)
	if st.VaultAmount < 0 {
		b.post(reqIdx, p.ID, JournalTypeVaultSettle, escrow, WalletAccount(vault), -st.VaultAmount)
	}
	b.post(reqIdx, p.ID, JournalTypePayout, WalletAccount(p.User), escrow, st.UserPayout)
	b.post(reqIdx, p.ID, JournalTypeCallerFee, WalletAccount(caller), escrow, st.CallerFee)
	if st.VaultAmount > 0 {
		b.post(reqIdx, p.ID, JournalTypeVaultSettle, WalletAccount(vault), escrow, st.VaultAmount)
	}
}

// PostRefund returns a cancelled order's escrow. Funding accrued while the
// order was pending is settled against the vault.
func (b *Batch) PostRefund(reqIdx int, p *state.Position, vault string, st state.Settlement) {
	escrow := EscrowAccount(p.ID)
	if st.VaultAmount < 0 {
		b.post(reqIdx, p.ID, JournalTypeVaultSettle, escrow, WalletAccount(vault), -st.VaultAmount)
	}
	b.post(reqIdx, p.ID, JournalTypeRefund, WalletAccount(p.User), escrow, st.UserPayout)
	if st.VaultAmount > 0 {
		b.post(reqIdx, p.ID, JournalTypeVaultSettle, WalletAccount(vault), escrow, st.VaultAmount)
	}
}

// PostFillReward pays the keeper that filled a limit order out of the
// vault, which already holds the order's open fee.
// Moves funds: wallet:vault → wallet:caller
func (b *Batch) PostFillReward(reqIdx int, p *state.Position, caller, vault string, reward int64) {
	b.post(reqIdx, p.ID, JournalTypeFillReward, WalletAccount(caller), WalletAccount(vault), reward)
}

// PostDeposit adds collateral from the owner's wallet.
func (b *Batch) PostDeposit(reqIdx int, p *state.Position, amount int64) {
	b.post(reqIdx, p.ID, JournalTypeCollateralIn, EscrowAccount(p.ID), WalletAccount(p.User), amount)
}

// PostWithdraw returns collateral to the owner's wallet.
func (b *Batch) PostWithdraw(reqIdx int, p *state.Position, amount int64) {
	b.post(reqIdx, p.ID, JournalTypeCollateralOut, WalletAccount(p.User), EscrowAccount(p.ID), amount)
}

// PostFunding books settled funding between the escrow and the market's
// funding pool. Positive funding is paid by the position.
func (b *Batch) PostFunding(reqIdx int, p *state.Position, funding int64) {
	b.post(reqIdx, p.ID, JournalTypeFundingSettle, FundingPoolAccount(p.Asset), EscrowAccount(p.ID), funding)
}
