package ledger_test

import (
	"testing"

	"github.com/google/uuid"

	"PerpSettle/internal/ledger"
	"PerpSettle/internal/state"
)

var btc = state.OtherAsset("BTC")

func testPosition(id uint32, collateral int64) *state.Position {
	return &state.Position{
		ID: id, User: "alice", Asset: btc, IsLong: true,
		Collateral: collateral, NotionalSize: collateral * 4,
		EntryPrice: 100, Status: state.PositionOpen,
	}
}

func mustApply(t *testing.T, bt *ledger.BalanceTracker, b *ledger.Batch) {
	t.Helper()
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("apply batch: %v", err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	tests := []struct {
		key  ledger.AccountKey
		want string
	}{
		{ledger.WalletAccount("GABC"), "wallet:GABC"},
		{ledger.EscrowAccount(42), "escrow:position:42"},
		{ledger.FundingPoolAccount(btc), "system:funding_pool:other:BTC"},
	}
	for _, tt := range tests {
		if got := tt.key.AccountPath(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}

func TestAccountKey_IsExternal(t *testing.T) {
	if !ledger.WalletAccount("x").IsExternal() {
		t.Error("wallet should be external")
	}
	if ledger.EscrowAccount(1).IsExternal() || ledger.FundingPoolAccount(btc).IsExternal() {
		t.Error("escrow and pools are internal")
	}
}

// ============================================================================
// Test: Postings and netting
// ============================================================================

func TestPostOpen_NetsToUserAndVault(t *testing.T) {
	gen := ledger.NewJournalGenerator(1)
	b := gen.Begin("", 1_000)
	p := testPosition(1, 500)

	b.PostOpen(0, p, "vault", 7)

	net := b.NetTransfers()
	if net["alice"] != -507 {
		t.Errorf("alice: got %d, want -507", net["alice"])
	}
	if net["vault"] != 7 {
		t.Errorf("vault: got %d, want 7", net["vault"])
	}

	bt := ledger.NewBalanceTracker()
	mustApply(t, bt, b)
	if bt.EscrowBalance(1) != 500 {
		t.Errorf("escrow: got %d, want 500", bt.EscrowBalance(1))
	}
	if bt.ComputeGlobalBalance() != 0 {
		t.Error("journal not zero-sum")
	}
}

func TestPostSettlement_VaultFundsProfit(t *testing.T) {
	gen := ledger.NewJournalGenerator(1)
	bt := ledger.NewBalanceTracker()
	p := testPosition(1, 1_000)

	open := gen.Begin("", 1)
	open.PostOpen(0, p, "vault", 0)
	mustApply(t, bt, open)

	st := state.Settlement{Collateral: 1_000, UserPayout: 1_300, CallerFee: 2, VaultAmount: -302}
	closeB := gen.Begin("", 2)
	closeB.PostSettlement(0, p, "keeper", "vault", st)
	mustApply(t, bt, closeB)

	if bt.EscrowBalance(1) != 0 {
		t.Errorf("escrow not emptied: %d", bt.EscrowBalance(1))
	}
	net := closeB.NetTransfers()
	if net["alice"] != 1_300 || net["keeper"] != 2 || net["vault"] != -302 {
		t.Errorf("net transfers: got %v", net)
	}
	if closeB.Sequence != 2 {
		t.Errorf("sequence: got %d, want 2", closeB.Sequence)
	}
}

func TestPostFunding_Direction(t *testing.T) {
	gen := ledger.NewJournalGenerator(0)
	bt := ledger.NewBalanceTracker()
	payer := testPosition(1, 100)
	receiver := testPosition(2, 100)

	b := gen.Begin("", 1)
	b.PostOpen(0, payer, "vault", 0)
	b.PostOpen(1, receiver, "vault", 0)
	b.PostFunding(2, payer, 5)
	b.PostFunding(3, receiver, -4)
	mustApply(t, bt, b)

	if bt.EscrowBalance(1) != 95 || bt.EscrowBalance(2) != 104 {
		t.Errorf("escrows: got %d and %d", bt.EscrowBalance(1), bt.EscrowBalance(2))
	}
	if got := bt.GetBalance(ledger.FundingPoolAccount(btc)); got != 1 {
		t.Errorf("funding pool residue: got %d, want 1", got)
	}
	if _, ok := b.NetTransfers()["vault"]; ok {
		t.Error("funding must not touch external wallets")
	}
}

func TestNetTransfers_OmitsCancelledOut(t *testing.T) {
	gen := ledger.NewJournalGenerator(0)
	b := gen.Begin("", 1)
	p := testPosition(1, 100)
	b.PostDeposit(0, p, 50)
	b.PostWithdraw(1, p, 50)

	if net := b.NetTransfers(); len(net) != 0 {
		t.Errorf("expected empty netting, got %v", net)
	}
	if b.Len() != 2 {
		t.Errorf("journals: got %d, want 2", b.Len())
	}
}

func TestPost_SkipsSelfTransfer(t *testing.T) {
	gen := ledger.NewJournalGenerator(0)
	b := gen.Begin("", 1)
	p := testPosition(1, 100)
	p.User = "vault"
	b.PostOpen(0, p, "vault", 9)

	if b.Len() != 1 {
		t.Errorf("fee to self should post nothing, got %d entries", b.Len())
	}
	if err := b.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Passes(t *testing.T) {
	b := &ledger.Batch{BatchID: uuid.New()}
	if err := b.Validate(); err != nil {
		t.Errorf("empty batch should be valid: %v", err)
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	for _, amount := range []int64{0, -5} {
		b := &ledger.Batch{
			BatchID: batchID,
			Journals: []ledger.Journal{{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.EscrowAccount(1),
				CreditAccount: ledger.WalletAccount("alice"),
				Amount:        amount,
			}},
		}
		if err := b.Validate(); err == nil {
			t.Errorf("amount %d should fail", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	b := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.WalletAccount("alice"),
			CreditAccount: ledger.WalletAccount("alice"),
			Amount:        10,
		}},
	}
	if err := b.Validate(); err == nil {
		t.Error("self-transfer should fail")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	b := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       uuid.New(),
			DebitAccount:  ledger.EscrowAccount(1),
			CreditAccount: ledger.WalletAccount("alice"),
			Amount:        10,
		}},
	}
	if err := b.Validate(); err == nil {
		t.Error("mismatched batch id should fail")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_Escrow(t *testing.T) {
	gen := ledger.NewJournalGenerator(0)
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	p := testPosition(3, 250)

	b := gen.Begin("", 1)
	b.PostOpen(0, p, "vault", 1)
	mustApply(t, bt, b)

	if err := v.ValidateEscrow(p); err != nil {
		t.Fatalf("escrow after open: %v", err)
	}
	p.Collateral = 260
	if err := v.ValidateEscrow(p); err == nil {
		t.Fatal("drift should be detected")
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Fatalf("global balance: %v", err)
	}
}

func TestBalanceTracker_CloneIsIndependent(t *testing.T) {
	gen := ledger.NewJournalGenerator(0)
	bt := ledger.NewBalanceTracker()
	b := gen.Begin("", 1)
	b.PostOpen(0, testPosition(1, 100), "vault", 0)
	mustApply(t, bt, b)

	c := bt.Clone()
	b2 := gen.Begin("", 2)
	b2.PostWithdraw(0, testPosition(1, 100), 40)
	mustApply(t, c, b2)

	if bt.EscrowBalance(1) != 100 {
		t.Errorf("original changed: %d", bt.EscrowBalance(1))
	}
	if c.EscrowBalance(1) != 60 {
		t.Errorf("clone: got %d, want 60", c.EscrowBalance(1))
	}
}
