package state

import (
	"crypto/sha256"
	"fmt"
)

// Store is the complete settlement state: contract metadata, the market
// registry and the position store. Every operation receives the Store it
// works on; the engine applies a call to a Clone and swaps it in on success.
type Store struct {
	Name            string
	Vault           string
	Initialized     bool
	Status          Status
	Config          TradingConfig
	GovernanceDelay int64  // seconds between queue_set_market and unlock
	WasmHash        string // last recorded upgrade
	QueuedConfig    *QueuedConfig

	Markets   *MarketRegistry
	Positions *PositionStore
}

// NewStore returns an uninitialized store in Setup status.
func NewStore(governanceDelay int64) *Store {
	return &Store{
		Status:          StatusSetup,
		GovernanceDelay: governanceDelay,
		Markets:         NewMarketRegistry(),
		Positions:       NewPositionStore(),
	}
}

// Clone returns a deep copy that can be mutated independently.
func (s *Store) Clone() *Store {
	c := *s
	if s.QueuedConfig != nil {
		q := *s.QueuedConfig
		c.QueuedConfig = &q
	}
	c.Markets = s.Markets.clone()
	c.Positions = s.Positions.clone()
	return &c
}

// UnlockTime returns when a config queued at now may be applied. Setup
// status skips the timelock.
func (s *Store) UnlockTime(now int64) int64 {
	if s.Status == StatusSetup {
		return now
	}
	return now + s.GovernanceDelay
}

// QueueSetConfig stores cfg behind the timelock, replacing any config
// already pending.
func (s *Store) QueueSetConfig(cfg TradingConfig, now int64) (*QueuedConfig, error) {
	if err := ValidateTradingConfig(&cfg); err != nil {
		return nil, err
	}
	s.QueuedConfig = &QueuedConfig{Config: cfg, UnlockTime: s.UnlockTime(now)}
	return s.QueuedConfig, nil
}

// CancelSetConfig drops the pending trading config.
func (s *Store) CancelSetConfig() error {
	if s.QueuedConfig == nil {
		return Errorf(CodeNotQueued, "no queued trading config")
	}
	s.QueuedConfig = nil
	return nil
}

// ApplyQueuedConfig installs the pending trading config once unlocked.
func (s *Store) ApplyQueuedConfig(now int64) (TradingConfig, error) {
	q := s.QueuedConfig
	if q == nil {
		return TradingConfig{}, Errorf(CodeNotQueued, "no queued trading config")
	}
	if !q.Unlocked(now) {
		return TradingConfig{}, Errorf(CodeNotUnlocked, "trading config unlocks at %d, now %d", q.UnlockTime, now)
	}
	if err := ValidateTradingConfig(&q.Config); err != nil {
		return TradingConfig{}, err
	}
	s.Config = q.Config
	s.QueuedConfig = nil
	return s.Config, nil
}

// AccrueMarket brings the market's funding indices up to now. When an index
// is rebased, the snapshots of the market's live positions on that side
// move by the same offset so the funding they owe is unchanged.
func (s *Store) AccrueMarket(asset Asset, now int64) (*Market, Accrual, error) {
	m, acc, err := s.Markets.Accrue(asset, now)
	if err != nil || !acc.Rebased() {
		return m, acc, err
	}
	for _, id := range s.Positions.LiveIDs() {
		p, _ := s.Positions.Get(id)
		if p.Asset != asset {
			continue
		}
		if off := acc.Rebase(p.IsLong); off != 0 {
			ep, _ := s.Positions.Edit(id)
			ep.ShiftIndex(off)
			acc.Shifted = append(acc.Shifted, id)
		}
	}
	return m, acc, nil
}

// CheckInvariants recomputes every market aggregate from the live positions
// and verifies the user index. Returns the first mismatch found.
func (s *Store) CheckInvariants() error {
	type agg struct {
		longColl, shortColl int64
		longNot, shortNot   int64
		longCnt, shortCnt   uint32
	}
	sums := make(map[Asset]*agg)
	liveByUser := make(map[string]int)

	for _, id := range s.Positions.LiveIDs() {
		p, ok := s.Positions.Get(id)
		if !ok {
			return fmt.Errorf("user index references missing position %d", id)
		}
		if !p.Status.Live() {
			return fmt.Errorf("user index references %s position %d", p.Status, id)
		}
		a := sums[p.Asset]
		if a == nil {
			a = &agg{}
			sums[p.Asset] = a
		}
		if p.IsLong {
			a.longColl += p.Collateral
			a.longNot += p.NotionalSize
			a.longCnt++
		} else {
			a.shortColl += p.Collateral
			a.shortNot += p.NotionalSize
			a.shortCnt++
		}
		liveByUser[p.User]++
	}

	for _, asset := range s.Markets.Assets() {
		m, _ := s.Markets.Market(asset)
		a := sums[asset]
		if a == nil {
			a = &agg{}
		}
		d := m.Data
		if d.LongCollateral != a.longColl || d.ShortCollateral != a.shortColl {
			return fmt.Errorf("market %s collateral mismatch: data long=%d short=%d, positions long=%d short=%d",
				asset, d.LongCollateral, d.ShortCollateral, a.longColl, a.shortColl)
		}
		if d.LongNotional != a.longNot || d.ShortNotional != a.shortNot {
			return fmt.Errorf("market %s notional mismatch: data long=%d short=%d, positions long=%d short=%d",
				asset, d.LongNotional, d.ShortNotional, a.longNot, a.shortNot)
		}
		if d.LongCount != a.longCnt || d.ShortCount != a.shortCnt {
			return fmt.Errorf("market %s count mismatch: data long=%d short=%d, positions long=%d short=%d",
				asset, d.LongCount, d.ShortCount, a.longCnt, a.shortCnt)
		}
		delete(sums, asset)
	}
	for asset := range sums {
		return fmt.Errorf("live positions reference unknown market %s", asset)
	}

	var idxErr error
	s.Positions.byUser.each(func(user string, ids []uint32) {
		if idxErr != nil {
			return
		}
		for _, id := range ids {
			if p, _ := s.Positions.Get(id); p.User != user {
				idxErr = fmt.Errorf("user %s index holds position %d owned by %s", user, id, p.User)
				return
			}
		}
		if liveByUser[user] != len(ids) {
			idxErr = fmt.Errorf("user %s index holds %d ids, %d live positions", user, len(ids), liveByUser[user])
		}
	})
	if idxErr != nil {
		return idxErr
	}
	s.Positions.live.each(func(id uint32, p *Position) {
		if idxErr == nil && p.Status.Live() && !containsID(s.Positions.byUser, p.User, id) {
			idxErr = fmt.Errorf("live position %d missing from the index of %s", id, p.User)
		}
	})
	return idxErr
}

func containsID(idx overlay[string, []uint32], user string, id uint32) bool {
	ids, _ := idx.get(user)
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Seal prepares a store for commit: closed positions move to the shared
// history and the overlays are compacted when due. A sealed store is
// still a valid store; sealing does not change its Digest.
func (s *Store) Seal() {
	s.Positions.Seal()
}

// Digest returns a SHA-256 over the canonical encoding of the whole store,
// used to chain state hashes across committed calls.
func (s *Store) Digest() [32]byte {
	h := sha256.New()
	buf := make([]byte, 0, 256)

	buf = appendString(buf, s.Name)
	buf = appendString(buf, s.Vault)
	buf = appendBool(buf, s.Initialized)
	buf = appendUint32LE(buf, uint32(s.Status))
	buf = appendInt64LE(buf, s.GovernanceDelay)
	buf = appendString(buf, s.WasmHash)
	buf = appendTradingConfig(buf, &s.Config)
	buf = appendBool(buf, s.QueuedConfig != nil)
	if q := s.QueuedConfig; q != nil {
		buf = appendTradingConfig(buf, &q.Config)
		buf = appendInt64LE(buf, q.UnlockTime)
	}
	h.Write(buf)

	for _, asset := range s.Markets.Assets() {
		m, _ := s.Markets.Market(asset)
		buf = appendString(buf[:0], asset.String())
		buf = appendMarketConfig(buf, &m.Config)
		d := m.Data
		for _, v := range []int64{
			d.LongCollateral, d.ShortCollateral, d.LongNotional, d.ShortNotional,
			int64(d.LongCount), int64(d.ShortCount),
			d.LongInterestIndex, d.ShortInterestIndex, d.LastUpdate,
		} {
			buf = appendInt64LE(buf, v)
		}
		h.Write(buf)
	}

	queued := s.Markets.QueuedAssets()
	buf = appendUint32LE(buf[:0], uint32(len(queued)))
	for _, asset := range queued {
		q, _ := s.Markets.Queued(asset)
		buf = appendString(buf, asset.String())
		buf = appendMarketConfig(buf, &q.Config)
		buf = appendInt64LE(buf, q.UnlockTime)
	}
	h.Write(buf)

	// Closed records are immutable; they were covered when they closed.
	buf = appendUint32LE(buf[:0], s.Positions.LastID())
	h.Write(buf)
	for _, id := range s.Positions.LiveIDs() {
		p, _ := s.Positions.Get(id)
		h.Write(p.CanonicalBytes())
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func appendTradingConfig(buf []byte, c *TradingConfig) []byte {
	buf = appendString(buf, c.Oracle)
	buf = appendInt64LE(buf, c.CallerTakeRate)
	buf = appendUint32LE(buf, c.MaxPositions)
	return appendInt64LE(buf, c.MaxUtilization)
}

func appendMarketConfig(buf []byte, c *MarketConfig) []byte {
	buf = appendBool(buf, c.Enabled)
	for _, v := range []int64{
		c.BaseFee, c.InitMargin, c.MaintenanceMargin, c.MinCollateral, c.MaxCollateral,
		c.MinHourlyRate, c.TargetHourlyRate, c.MaxHourlyRate, c.TargetUtilization,
		c.PriceImpactScalar, c.TotalAvailable,
	} {
		buf = appendInt64LE(buf, v)
	}
	return buf
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}
