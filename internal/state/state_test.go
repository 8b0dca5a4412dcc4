package state_test

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

var btc = state.OtherAsset("BTC")

func testMarketConfig() state.MarketConfig {
	return state.MarketConfig{
		Enabled:           true,
		BaseFee:           5_000,     // 0.05%
		InitMargin:        1_000_000, // 10%
		MaintenanceMargin: 500_000,   // 5%
		MinCollateral:     100,
		MaxCollateral:     10_000,
		MinHourlyRate:     fpmath.Scalar18 / 100_000,
		TargetHourlyRate:  fpmath.Scalar18 / 10_000,
		MaxHourlyRate:     fpmath.Scalar18 / 1_000,
		TargetUtilization: 8_000_000,
		PriceImpactScalar: 100_000_000_000 * fpmath.Scalar7,
		TotalAvailable:    1_000_000,
	}
}

func mustOpen(t *testing.T, s *state.Store, p state.Position) *state.Position {
	t.Helper()
	m, ok := s.Markets.Market(p.Asset)
	if !ok {
		t.Fatalf("market %s missing", p.Asset)
	}
	if p.InterestIndex == 0 {
		p.InterestIndex = m.Index(p.IsLong)
	}
	pos, err := s.Positions.Open(p, m)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return pos
}

func newStoreWithMarket(t *testing.T) *state.Store {
	t.Helper()
	s := state.NewStore(600)
	if _, err := s.Markets.InitMarket(btc, testMarketConfig(), 1_000); err != nil {
		t.Fatalf("init market: %v", err)
	}
	return s
}

// ============================================================================
// Test: Config validation
// ============================================================================

func TestValidateMarketConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *state.MarketConfig)
		valid  bool
	}{
		{"default", func(c *state.MarketConfig) {}, true},
		{"equal collateral bounds", func(c *state.MarketConfig) { c.MaxCollateral = c.MinCollateral }, true},
		{"min above max", func(c *state.MarketConfig) { c.MinCollateral = c.MaxCollateral + 1 }, false},
		{"zero min collateral", func(c *state.MarketConfig) { c.MinCollateral = 0 }, false},
		{"mm equals im", func(c *state.MarketConfig) { c.MaintenanceMargin = c.InitMargin }, false},
		{"zero mm", func(c *state.MarketConfig) { c.MaintenanceMargin = 0 }, false},
		{"im above one", func(c *state.MarketConfig) { c.InitMargin = fpmath.Scalar7 + 1 }, false},
		{"target below min", func(c *state.MarketConfig) { c.TargetHourlyRate = c.MinHourlyRate - 1 }, false},
		{"max below target", func(c *state.MarketConfig) { c.MaxHourlyRate = c.TargetHourlyRate - 1 }, false},
		{"zero target util", func(c *state.MarketConfig) { c.TargetUtilization = 0 }, false},
		{"negative base fee", func(c *state.MarketConfig) { c.BaseFee = -1 }, false},
		{"zero impact scalar", func(c *state.MarketConfig) { c.PriceImpactScalar = 0 }, false},
		{"max rate at limit", func(c *state.MarketConfig) { c.MaxHourlyRate = state.MaxHourlyRateLimit }, true},
		{"max rate above limit", func(c *state.MarketConfig) { c.MaxHourlyRate = state.MaxHourlyRateLimit + 1 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testMarketConfig()
			tt.mutate(&cfg)
			err := state.ValidateMarketConfig(&cfg)
			if tt.valid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.valid {
				if err == nil {
					t.Fatal("expected InvalidConfig, got nil")
				}
				if !errors.Is(err, state.ErrInvalidConfig) {
					t.Errorf("got %v, want InvalidConfig", err)
				}
			}
		})
	}
}

func TestValidateTradingConfig(t *testing.T) {
	good := state.TradingConfig{CallerTakeRate: 1_000_000, MaxPositions: 10}
	if err := state.ValidateTradingConfig(&good); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	bad := []state.TradingConfig{
		{CallerTakeRate: -1, MaxPositions: 10},
		{CallerTakeRate: fpmath.Scalar7 + 1, MaxPositions: 10},
		{CallerTakeRate: 0, MaxPositions: 0},
		{CallerTakeRate: 0, MaxPositions: 1, MaxUtilization: 1},
		{CallerTakeRate: 0, MaxPositions: 1, MaxUtilization: 101 * fpmath.Scalar7},
	}
	for i, c := range bad {
		if err := state.ValidateTradingConfig(&c); !errors.Is(err, state.ErrInvalidConfig) {
			t.Errorf("case %d: got %v, want InvalidConfig", i, err)
		}
	}
}

func TestLeverageBound(t *testing.T) {
	cfg := testMarketConfig() // 10% initial margin = 10x
	if !cfg.WithinLeverage(500, 5_000) {
		t.Error("10x should be allowed")
	}
	if cfg.WithinLeverage(500, 5_001) {
		t.Error("above 10x should be rejected")
	}
	if got := cfg.MaxLeverage(); got != 10*fpmath.Scalar7 {
		t.Errorf("max leverage: got %d, want %d", got, 10*fpmath.Scalar7)
	}
}

// ============================================================================
// Test: Timelock
// ============================================================================

func TestQueueSetMarket_Timelock(t *testing.T) {
	s := state.NewStore(600)
	s.Status = state.StatusActive
	cfg := testMarketConfig()

	unlock := s.UnlockTime(1_000)
	if unlock != 1_600 {
		t.Fatalf("unlock: got %d, want 1600", unlock)
	}
	if _, err := s.Markets.QueueSetMarket(btc, cfg, unlock); err != nil {
		t.Fatalf("queue: %v", err)
	}

	if _, err := s.Markets.SetMarket(btc, 1_500); !errors.Is(err, state.ErrNotUnlocked) {
		t.Fatalf("set before unlock: got %v, want NotUnlocked", err)
	}

	m, err := s.Markets.SetMarket(btc, 1_600)
	if err != nil {
		t.Fatalf("set at unlock: %v", err)
	}
	if m.Config != cfg {
		t.Errorf("live config differs from queued config")
	}
	if m.Data.LongInterestIndex != fpmath.Scalar18 || m.Data.LastUpdate != 1_600 {
		t.Errorf("fresh market data: got %+v", m.Data)
	}
	if _, ok := s.Markets.Queued(btc); ok {
		t.Error("queue entry should be consumed")
	}
}

func TestQueueSetMarket_SetupSkipsDelay(t *testing.T) {
	s := state.NewStore(600)
	if got := s.UnlockTime(1_000); got != 1_000 {
		t.Errorf("setup unlock: got %d, want 1000", got)
	}
}

func TestQueueSetMarket_Overwrites(t *testing.T) {
	s := state.NewStore(600)
	first := testMarketConfig()
	second := testMarketConfig()
	second.BaseFee = 7_000

	s.Markets.QueueSetMarket(btc, first, 100)
	s.Markets.QueueSetMarket(btc, second, 200)

	q, ok := s.Markets.Queued(btc)
	if !ok {
		t.Fatal("expected queued entry")
	}
	if q.Config.BaseFee != 7_000 || q.UnlockTime != 200 {
		t.Errorf("got %+v, want second entry", q)
	}
}

func TestCancelSetMarket_NothingQueued(t *testing.T) {
	s := state.NewStore(600)
	if err := s.Markets.CancelSetMarket(btc); !errors.Is(err, state.ErrNotQueued) {
		t.Fatalf("got %v, want NotQueued", err)
	}
	if _, err := s.Markets.SetMarket(btc, 0); !errors.Is(err, state.ErrNotQueued) {
		t.Fatalf("set without queue: got %v, want NotQueued", err)
	}
}

func TestQueueSetMarket_InvalidConfig(t *testing.T) {
	s := state.NewStore(600)
	cfg := testMarketConfig()
	cfg.InitMargin = cfg.MaintenanceMargin
	if _, err := s.Markets.QueueSetMarket(btc, cfg, 0); !errors.Is(err, state.ErrInvalidConfig) {
		t.Fatalf("got %v, want InvalidConfig", err)
	}
	if _, ok := s.Markets.Queued(btc); ok {
		t.Error("invalid config must not be queued")
	}
}

// ============================================================================
// Test: Position store and aggregates
// ============================================================================

func TestOpenPosition_UpdatesAggregates(t *testing.T) {
	s := newStoreWithMarket(t)

	p := mustOpen(t, s, state.Position{
		User: "A", Asset: btc, IsLong: true,
		Collateral: 500, NotionalSize: 2_000, EntryPrice: 100,
		Status: state.PositionPending,
	})
	if p.ID != 1 {
		t.Errorf("id: got %d, want 1", p.ID)
	}

	m, _ := s.Markets.Market(btc)
	if m.Data.LongCollateral != 500 || m.Data.LongNotional != 2_000 || m.Data.LongCount != 1 {
		t.Errorf("aggregates: got %+v", m.Data)
	}
	if ids := s.Positions.UserPositions("A"); len(ids) != 1 || ids[0] != 1 {
		t.Errorf("user index: got %v", ids)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestPositionIDs_NeverReused(t *testing.T) {
	s := newStoreWithMarket(t)
	m, _ := s.Markets.Market(btc)

	p1 := mustOpen(t, s, state.Position{User: "A", Asset: btc, IsLong: true, Collateral: 100, NotionalSize: 500, Status: state.PositionOpen, EntryPrice: 10})
	if err := s.Positions.Close(p1, m, 10); err != nil {
		t.Fatalf("close: %v", err)
	}
	p2 := mustOpen(t, s, state.Position{User: "A", Asset: btc, IsLong: true, Collateral: 100, NotionalSize: 500, Status: state.PositionOpen, EntryPrice: 10})

	if p2.ID != 2 {
		t.Errorf("got id %d, want 2", p2.ID)
	}
	if closed, _ := s.Positions.Get(1); closed.Status != state.PositionClosed || closed.ClosePrice != 10 {
		t.Errorf("history record: got %+v", closed)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to state.PositionStatus
		ok       bool
	}{
		{state.PositionPending, state.PositionOpen, true},
		{state.PositionPending, state.PositionClosed, true},
		{state.PositionOpen, state.PositionClosed, true},
		{state.PositionOpen, state.PositionPending, false},
		{state.PositionClosed, state.PositionOpen, false},
		{state.PositionClosed, state.PositionClosed, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestClone_IsIndependent(t *testing.T) {
	s := newStoreWithMarket(t)
	mustOpen(t, s, state.Position{User: "A", Asset: btc, IsLong: false, Collateral: 200, NotionalSize: 1_000, Status: state.PositionOpen, EntryPrice: 50})
	before := s.Digest()

	c := s.Clone()
	cm, _ := c.Markets.Market(btc)
	cp, _ := c.Positions.Edit(1)
	if err := c.Positions.Close(cp, cm, 55); err != nil {
		t.Fatalf("close on clone: %v", err)
	}

	if s.Digest() != before {
		t.Error("mutating the clone changed the original")
	}
	if p, _ := s.Positions.Get(1); p.Status != state.PositionOpen {
		t.Errorf("original position status: got %s", p.Status)
	}
	if c.Digest() == before {
		t.Error("clone digest should differ after close")
	}
}

func TestCheckInvariants_DetectsDrift(t *testing.T) {
	s := newStoreWithMarket(t)
	mustOpen(t, s, state.Position{User: "A", Asset: btc, IsLong: true, Collateral: 300, NotionalSize: 900, Status: state.PositionOpen, EntryPrice: 5})

	p, _ := s.Positions.Get(1)
	p.Collateral += 1 // bypass the store primitives

	if err := s.CheckInvariants(); err == nil {
		t.Fatal("expected collateral mismatch")
	}
}

// ============================================================================
// Test: Funding
// ============================================================================

func TestAccrue_ZeroSumAcrossPositions(t *testing.T) {
	s := newStoreWithMarket(t)
	longs := []int64{4_000_000_000, 3_000_000_000}
	shorts := []int64{1_500_000_000, 1_000_000_000, 500_000_000}
	for _, n := range longs {
		mustOpen(t, s, state.Position{User: "L", Asset: btc, IsLong: true, Collateral: 1_000, NotionalSize: n, Status: state.PositionOpen, EntryPrice: 10})
	}
	for _, n := range shorts {
		mustOpen(t, s, state.Position{User: "S", Asset: btc, IsLong: false, Collateral: 1_000, NotionalSize: n, Status: state.PositionOpen, EntryPrice: 10})
	}

	m, _ := s.Markets.Market(btc)
	acc := m.Accrue(1_000 + 10*fpmath.OneHourSeconds)
	if acc.LongDelta <= 0 || acc.ShortDelta >= 0 {
		t.Fatalf("longs dominate and should pay: %+v", acc)
	}

	var paid, received int64
	for _, id := range s.Positions.LiveIDs() {
		p, _ := s.Positions.Get(id)
		owed := p.FundingOwed(m)
		if owed > 0 {
			paid += owed
		} else {
			received -= owed
		}
	}
	if paid == 0 {
		t.Fatal("expected funding to flow")
	}
	diff := paid - received
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(len(longs)+len(shorts)) {
		t.Errorf("paid %d, received %d: not zero-sum within rounding", paid, received)
	}
}

func TestAccrue_LastUpdateMonotonic(t *testing.T) {
	s := newStoreWithMarket(t)
	m, _ := s.Markets.Market(btc)
	m.Accrue(2_000)
	m.Accrue(1_500)
	if m.Data.LastUpdate != 2_000 {
		t.Errorf("last update went backwards: %d", m.Data.LastUpdate)
	}
}

func TestSettleFunding_MovesCollateral(t *testing.T) {
	s := newStoreWithMarket(t)
	long := mustOpen(t, s, state.Position{User: "L", Asset: btc, IsLong: true, Collateral: 500_000, NotionalSize: 8_000_000, Status: state.PositionOpen, EntryPrice: 10})
	mustOpen(t, s, state.Position{User: "S", Asset: btc, IsLong: false, Collateral: 500_000, NotionalSize: 2_000_000, Status: state.PositionOpen, EntryPrice: 10})

	m, _ := s.Markets.Market(btc)
	m.Accrue(1_000 + fpmath.OneDaySeconds)

	paid := s.Positions.SettleFunding(long, m)
	if paid <= 0 {
		t.Fatalf("dominant long should pay, got %d", paid)
	}
	if long.Collateral != 500_000-paid {
		t.Errorf("collateral: got %d, want %d", long.Collateral, 500_000-paid)
	}
	if long.InterestIndex != m.Data.LongInterestIndex {
		t.Error("index snapshot not reset")
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

// ============================================================================
// Test: Margin and settlement
// ============================================================================

func TestComputeSettlement_SplitsCollateral(t *testing.T) {
	s := newStoreWithMarket(t)
	p := mustOpen(t, s, state.Position{User: "A", Asset: btc, IsLong: true, Collateral: 1_000, NotionalSize: 5_000, Status: state.PositionOpen, EntryPrice: 100})
	m, _ := s.Markets.Market(btc)

	for _, price := range []int64{80, 100, 120, 200} {
		st := state.ComputeSettlement(p, m, price, 2_000_000)
		if st.UserPayout+st.CallerFee+st.VaultAmount != st.Collateral {
			t.Errorf("price %d: payout %d + caller %d + vault %d != collateral %d",
				price, st.UserPayout, st.CallerFee, st.VaultAmount, st.Collateral)
		}
		if st.UserPayout < 0 || st.CallerFee < 0 {
			t.Errorf("price %d: negative payout or caller fee: %+v", price, st)
		}
	}

	// 20% gain on 5000 notional, minus fees.
	st := state.ComputeSettlement(p, m, 120, 0)
	if st.PnL != 1_000 {
		t.Errorf("pnl: got %d, want 1000", st.PnL)
	}
	if st.VaultAmount >= 0 {
		t.Errorf("vault should fund the profit, got %d", st.VaultAmount)
	}
}

func TestEvaluateMargin_Status(t *testing.T) {
	s := newStoreWithMarket(t)
	p := mustOpen(t, s, state.Position{User: "A", Asset: btc, IsLong: true, Collateral: 1_000, NotionalSize: 10_000, Status: state.PositionOpen, EntryPrice: 100})
	m, _ := s.Markets.Market(btc)

	if st := state.EvaluateMargin(p, m, 100).Status(); st == state.MarginStatusLiquidatable {
		t.Errorf("at entry: got %s", st)
	}
	// 6% drop leaves less than 5% maintenance.
	if st := state.EvaluateMargin(p, m, 94).Status(); st != state.MarginStatusLiquidatable {
		t.Errorf("after drop: got %s, want Liquidatable", st)
	}
}

// ============================================================================
// Test: Snapshot round trip
// ============================================================================

func TestExportRestore(t *testing.T) {
	s := newStoreWithMarket(t)
	s.Name = "perp"
	s.Vault = "vault"
	mustOpen(t, s, state.Position{User: "A", Asset: btc, IsLong: true, Collateral: 500, NotionalSize: 2_000, Status: state.PositionOpen, EntryPrice: 100})
	p2 := mustOpen(t, s, state.Position{User: "B", Asset: btc, IsLong: false, Collateral: 700, NotionalSize: 2_100, Status: state.PositionOpen, EntryPrice: 100})
	m, _ := s.Markets.Market(btc)
	s.Positions.Close(p2, m, 90)
	s.Markets.QueueSetMarket(state.OtherAsset("ETH"), testMarketConfig(), 5_000)

	data, err := json.Marshal(s.Export())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var snap state.StoreSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	restored, err := state.RestoreStore(&snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Digest() != s.Digest() {
		t.Error("restored digest differs")
	}
	if restored.Positions.LastID() != 2 {
		t.Errorf("last id: got %d, want 2", restored.Positions.LastID())
	}
	if _, ok := restored.Markets.Queued(state.OtherAsset("ETH")); !ok {
		t.Error("queued entry lost")
	}
}

func TestParseAsset(t *testing.T) {
	tests := []struct {
		in   string
		want state.Asset
		ok   bool
	}{
		{"other:BTC", state.OtherAsset("BTC"), true},
		{"stellar:CABC", state.StellarAsset("CABC"), true},
		{"XLM", state.OtherAsset("XLM"), true},
		{"other:", state.Asset{}, false},
		{"evm:0x1", state.Asset{}, false},
	}
	for _, tt := range tests {
		got, err := state.ParseAsset(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("%q: err=%v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("%q: got %v, want %v", tt.in, got, tt.want)
		}
	}
}

// ============================================================================
// Test: Index rebase
// ============================================================================

func TestAccrue_YearOfHourlyAccrualStaysBounded(t *testing.T) {
	s := newStoreWithMarket(t)
	long := mustOpen(t, s, state.Position{User: "L", Asset: btc, IsLong: true, Collateral: 1_000, NotionalSize: 900_000, Status: state.PositionOpen, EntryPrice: 10})
	short := mustOpen(t, s, state.Position{User: "S", Asset: btc, IsLong: false, Collateral: 1_000, NotionalSize: 90_000, Status: state.PositionOpen, EntryPrice: 10})
	longID, shortID := long.ID, short.ID

	bound := state.IndexRebaseThreshold + fpmath.MaxIndexStep
	rebases := 0
	now := int64(1_000)
	for h := 0; h < 365*24; h++ {
		now += fpmath.OneHourSeconds
		m, acc, err := s.AccrueMarket(btc, now)
		if err != nil {
			t.Fatalf("hour %d: %v", h, err)
		}
		if acc.Rebased() {
			rebases++
		}
		for _, idx := range []int64{m.Data.LongInterestIndex, m.Data.ShortInterestIndex} {
			if d := idx - fpmath.Scalar18; d > bound || d < -bound {
				t.Fatalf("hour %d: index %d drifted past the rebase bound", h, idx)
			}
		}
	}
	if rebases == 0 {
		t.Fatal("expected at least one rebase over a year")
	}

	m, _ := s.Markets.Market(btc)
	lp, _ := s.Positions.Get(longID)
	sp, _ := s.Positions.Get(shortID)
	paid, received := lp.FundingOwed(m), -sp.FundingOwed(m)
	if paid <= 0 || received <= 0 {
		t.Fatalf("dominant long should pay the short: paid %d, received %d", paid, received)
	}
	if diff := paid - received; diff > 2 || diff < -2 {
		t.Errorf("paid %d, received %d: not zero-sum within rounding", paid, received)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestAccrueMarket_RebaseShiftsSnapshots(t *testing.T) {
	s := newStoreWithMarket(t)
	m, _ := s.Markets.Market(btc)
	m.Data.ShortInterestIndex = fpmath.Scalar18 - state.IndexRebaseThreshold
	snap := m.Data.ShortInterestIndex + fpmath.Scalar18/10

	mustOpen(t, s, state.Position{User: "L", Asset: btc, IsLong: true, Collateral: 1_000, NotionalSize: 900_000, Status: state.PositionOpen, EntryPrice: 10})
	short := mustOpen(t, s, state.Position{User: "S", Asset: btc, IsLong: false, Collateral: 1_000, NotionalSize: 90_000, Status: state.PositionOpen, EntryPrice: 10, InterestIndex: snap})
	shortID := short.ID

	before := m.Data.ShortInterestIndex
	m, acc, err := s.AccrueMarket(btc, 1_000+fpmath.OneHourSeconds)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if acc.ShortRebase == 0 || acc.LongRebase != 0 {
		t.Fatalf("only the short index should rebase: %+v", acc)
	}
	if m.Data.ShortInterestIndex != fpmath.Scalar18 {
		t.Errorf("short index after rebase: got %d, want %d", m.Data.ShortInterestIndex, fpmath.Scalar18)
	}
	if len(acc.Shifted) != 1 || acc.Shifted[0] != shortID {
		t.Errorf("shifted: got %v, want [%d]", acc.Shifted, shortID)
	}

	sp, _ := s.Positions.Get(shortID)
	if sp.InterestIndex != snap-acc.ShortRebase {
		t.Errorf("snapshot: got %d, want %d", sp.InterestIndex, snap-acc.ShortRebase)
	}
	want := fpmath.ComputeFundingOwed(sp.NotionalSize, before+acc.ShortDelta, snap)
	if got := sp.FundingOwed(m); got != want {
		t.Errorf("funding owed across rebase: got %d, want %d", got, want)
	}
}

// ============================================================================
// Test: Copy-on-write store
// ============================================================================

func TestSeal_ClosedRecordsSharedByClones(t *testing.T) {
	s := newStoreWithMarket(t)
	mustOpen(t, s, state.Position{User: "A", Asset: btc, IsLong: true, Collateral: 300, NotionalSize: 900, Status: state.PositionOpen, EntryPrice: 5})
	mustOpen(t, s, state.Position{User: "B", Asset: btc, IsLong: false, Collateral: 300, NotionalSize: 900, Status: state.PositionOpen, EntryPrice: 5})
	s.Seal()

	c := s.Clone()
	cm, _ := c.Markets.Market(btc)
	p, _ := c.Positions.Edit(1)
	if err := c.Positions.Close(p, cm, 6); err != nil {
		t.Fatalf("close: %v", err)
	}
	c.Seal()

	if p, _ := s.Positions.Get(1); p.Status != state.PositionOpen {
		t.Errorf("original sees %s, want Open", p.Status)
	}
	closed, _ := c.Positions.Get(1)
	if closed.Status != state.PositionClosed || closed.ClosePrice != 6 {
		t.Fatalf("closed record: %+v", closed)
	}

	next := c.Clone()
	if again, _ := next.Positions.Get(1); again != closed {
		t.Error("closed record was copied into the clone")
	}
	if ids := next.Positions.LiveIDs(); len(ids) != 1 || ids[0] != 2 {
		t.Errorf("live ids: got %v, want [2]", ids)
	}
	if got := next.Positions.IDs(); len(got) != 2 {
		t.Errorf("all ids: got %v", got)
	}
	for _, st := range []*state.Store{s, c, next} {
		if err := st.CheckInvariants(); err != nil {
			t.Fatalf("invariants: %v", err)
		}
	}
}

func TestClone_CopyOnWriteAfterCompaction(t *testing.T) {
	s := newStoreWithMarket(t)
	for i := 0; i < 600; i++ {
		mustOpen(t, s, state.Position{User: "A", Asset: btc, IsLong: i%2 == 0, Collateral: 100, NotionalSize: 500, Status: state.PositionOpen, EntryPrice: 10})
	}
	s.Seal()
	digest := s.Digest()

	c := s.Clone()
	orig, _ := s.Positions.Get(7)
	if shared, _ := c.Positions.Get(7); shared != orig {
		t.Fatal("compacted records should be shared until written")
	}
	edited, _ := c.Positions.Edit(7)
	if edited == orig {
		t.Fatal("Edit returned the shared record")
	}
	cm, _ := c.Markets.Market(btc)
	if err := c.Positions.AdjustCollateral(edited, cm, 50); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	if orig.Collateral != 100 || s.Digest() != digest {
		t.Error("writing the clone changed the original")
	}
	if err := c.CheckInvariants(); err != nil {
		t.Fatalf("clone invariants: %v", err)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("original invariants: %v", err)
	}
}

func TestSeal_KeepsDigest(t *testing.T) {
	s := newStoreWithMarket(t)
	m, _ := s.Markets.Market(btc)
	for i := 0; i < 10; i++ {
		p := mustOpen(t, s, state.Position{User: "A", Asset: btc, IsLong: true, Collateral: 100, NotionalSize: 500, Status: state.PositionOpen, EntryPrice: 10})
		if i%3 == 0 {
			if err := s.Positions.Close(p, m, 11); err != nil {
				t.Fatalf("close: %v", err)
			}
		}
	}
	before := s.Digest()
	s.Seal()
	if s.Digest() != before {
		t.Error("sealing changed the digest")
	}
	if got := len(s.Positions.LiveIDs()); got != 6 {
		t.Errorf("live positions: got %d, want 6", got)
	}
}

// ============================================================================
// Test: Digest coverage
// ============================================================================

func TestDigest_CoversContractState(t *testing.T) {
	base := newStoreWithMarket(t)
	base.Status = state.StatusActive
	base.Config = state.TradingConfig{Oracle: "oracle-a", CallerTakeRate: 1_000_000, MaxPositions: 5}
	if _, err := base.Markets.QueueSetMarket(state.OtherAsset("ETH"), testMarketConfig(), 5_000); err != nil {
		t.Fatalf("queue: %v", err)
	}
	digest := base.Digest()

	tests := []struct {
		name   string
		mutate func(t *testing.T, s *state.Store)
	}{
		{"initialized", func(t *testing.T, s *state.Store) { s.Initialized = true }},
		{"wasm hash", func(t *testing.T, s *state.Store) { s.WasmHash = "abc" }},
		{"oracle", func(t *testing.T, s *state.Store) { s.Config.Oracle = "oracle-b" }},
		{"queued trading config", func(t *testing.T, s *state.Store) {
			if _, err := s.QueueSetConfig(s.Config, 1_000); err != nil {
				t.Fatalf("queue config: %v", err)
			}
		}},
		{"market config", func(t *testing.T, s *state.Store) {
			cfg := testMarketConfig()
			cfg.BaseFee++
			if _, err := s.Markets.QueueSetMarket(btc, cfg, 0); err != nil {
				t.Fatalf("queue: %v", err)
			}
			if _, err := s.Markets.SetMarket(btc, 1_000); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := s.Markets.CancelSetMarket(state.OtherAsset("ETH")); err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if _, err := s.Markets.QueueSetMarket(state.OtherAsset("ETH"), testMarketConfig(), 5_000); err != nil {
				t.Fatalf("requeue: %v", err)
			}
		}},
		{"queued market added", func(t *testing.T, s *state.Store) {
			if _, err := s.Markets.QueueSetMarket(state.OtherAsset("SOL"), testMarketConfig(), 5_000); err != nil {
				t.Fatalf("queue: %v", err)
			}
		}},
		{"queued market cancelled", func(t *testing.T, s *state.Store) {
			if err := s.Markets.CancelSetMarket(state.OtherAsset("ETH")); err != nil {
				t.Fatalf("cancel: %v", err)
			}
		}},
		{"queued market unlock", func(t *testing.T, s *state.Store) {
			if _, err := s.Markets.QueueSetMarket(state.OtherAsset("ETH"), testMarketConfig(), 6_000); err != nil {
				t.Fatalf("requeue: %v", err)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base.Clone()
			tt.mutate(t, c)
			if c.Digest() == digest {
				t.Error("digest unchanged")
			}
		})
	}
	if base.Digest() != digest {
		t.Error("mutating clones changed the base digest")
	}
}

func TestCanonicalBytes_LongUser(t *testing.T) {
	user := strings.Repeat("u", 300)
	p := state.Position{ID: 1, User: user, Asset: btc, NotionalSize: 1, Collateral: 1}
	b := p.CanonicalBytes()

	n, w := binary.Uvarint(b[4:])
	if n != 300 || w <= 0 {
		t.Fatalf("user length prefix: got %d (width %d), want 300", n, w)
	}
	if got := string(b[4+w : 4+w+300]); got != user {
		t.Error("user bytes do not follow the prefix")
	}

	q := p
	q.User = strings.Repeat("u", 300-256)
	if string(q.CanonicalBytes()[4:6]) == string(b[4:6]) {
		t.Error("users 256 bytes apart share a length prefix")
	}
}

// ============================================================================
// Test: Trading config timelock
// ============================================================================

func TestQueueSetConfig_Timelock(t *testing.T) {
	s := state.NewStore(600)
	s.Status = state.StatusActive
	cfg := state.TradingConfig{Oracle: "o", CallerTakeRate: 1_000_000, MaxPositions: 4}

	if _, err := s.ApplyQueuedConfig(1_000); !errors.Is(err, state.ErrNotQueued) {
		t.Fatalf("apply with nothing queued: got %v, want NotQueued", err)
	}
	bad := cfg
	bad.MaxPositions = 0
	if _, err := s.QueueSetConfig(bad, 1_000); !errors.Is(err, state.ErrInvalidConfig) {
		t.Fatalf("queue invalid: got %v, want InvalidConfig", err)
	}

	q, err := s.QueueSetConfig(cfg, 1_000)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if q.UnlockTime != 1_600 {
		t.Errorf("unlock: got %d, want 1600", q.UnlockTime)
	}
	if _, err := s.ApplyQueuedConfig(1_599); !errors.Is(err, state.ErrNotUnlocked) {
		t.Fatalf("apply early: got %v, want NotUnlocked", err)
	}
	got, err := s.ApplyQueuedConfig(1_600)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != cfg || s.Config != cfg || s.QueuedConfig != nil {
		t.Errorf("after apply: config %+v, queued %+v", s.Config, s.QueuedConfig)
	}

	if _, err := s.QueueSetConfig(cfg, 2_000); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if err := s.CancelSetConfig(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.CancelSetConfig(); !errors.Is(err, state.ErrNotQueued) {
		t.Fatalf("cancel twice: got %v, want NotQueued", err)
	}
}
