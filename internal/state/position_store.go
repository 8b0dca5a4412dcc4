package state

import (
	"sort"

	fpmath "PerpSettle/internal/math"
)

// PositionStore owns every position record, keyed by id, with an index of
// live positions per user. Live records sit in a copy-on-write overlay;
// closed records move to a history shared by every copy when the store is
// sealed. A clone therefore copies only what was written since the last
// compaction, never the full book or its history.
type PositionStore struct {
	live    overlay[uint32, *Position]
	byUser  overlay[string, []uint32]
	history *closedHistory
	lastID  uint32
}

// compactThreshold is how many written entries Seal tolerates before it
// folds them into a fresh base.
const compactThreshold = 512

func NewPositionStore() *PositionStore {
	return &PositionStore{
		live:    newOverlay[uint32, *Position](),
		byUser:  newOverlay[string, []uint32](),
		history: newClosedHistory(),
	}
}

// Get returns the position with id for reading. The record may be shared
// with other stores; use Edit before mutating it.
func (s *PositionStore) Get(id uint32) (*Position, bool) {
	if p, ok := s.live.get(id); ok {
		return p, true
	}
	if id == 0 || id > s.lastID {
		return nil, false
	}
	return s.history.get(id)
}

// Edit returns a copy of the position owned by this store, creating it on
// first write.
func (s *PositionStore) Edit(id uint32) (*Position, bool) {
	if p, ok := s.live.delta[id]; ok {
		return p, true
	}
	p, ok := s.Get(id)
	if !ok {
		return nil, false
	}
	c := *p
	s.live.set(id, &c)
	return &c, true
}

// UserPositions returns the ids of the user's live positions, ascending.
func (s *PositionStore) UserPositions(user string) []uint32 {
	ids, _ := s.byUser.get(user)
	out := make([]uint32, len(ids))
	copy(out, ids)
	return out
}

// LiveCount returns how many live positions the user holds.
func (s *PositionStore) LiveCount(user string) int {
	ids, _ := s.byUser.get(user)
	return len(ids)
}

// LastID returns the most recently allocated id (0 when none).
func (s *PositionStore) LastID() uint32 {
	return s.lastID
}

// IDs returns all position ids, ascending. Ids are allocated densely, so
// this is every id up to LastID.
func (s *PositionStore) IDs() []uint32 {
	ids := make([]uint32, 0, s.lastID)
	for id := uint32(1); id <= s.lastID; id++ {
		if _, ok := s.Get(id); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// LiveIDs returns the ids of all Pending and Open positions, ascending.
func (s *PositionStore) LiveIDs() []uint32 {
	ids := make([]uint32, 0)
	s.byUser.each(func(_ string, userIDs []uint32) {
		ids = append(ids, userIDs...)
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Seal moves positions closed in this store into the shared history and
// compacts the overlays once enough writes have piled up. The engine seals
// a store only when committing it.
func (s *PositionStore) Seal() {
	for id, p := range s.live.delta {
		if p.Status != PositionClosed {
			continue
		}
		if _, ok := s.history.get(id); !ok {
			s.history.add(p)
		}
		s.live.del(id)
	}
	if s.live.dirty() > compactThreshold {
		s.live.flatten()
	}
	if s.byUser.dirty() > compactThreshold {
		s.byUser.flatten()
	}
}

// Open allocates an id for p, stores it and adds it to the market aggregates
// and the user index. p.Status must be Pending or Open.
func (s *PositionStore) Open(p Position, m *Market) (*Position, error) {
	if !p.Status.Live() {
		return nil, Errorf(CodeInvalidAction, "cannot open position in status %s", p.Status)
	}
	if p.Asset != m.Asset {
		return nil, Errorf(CodeBadRequest, "position asset %s does not match market %s", p.Asset, m.Asset)
	}
	s.lastID++
	p.ID = s.lastID

	stored := p
	s.live.set(p.ID, &stored)
	ids, _ := s.byUser.get(p.User)
	next := make([]uint32, len(ids), len(ids)+1)
	copy(next, ids)
	s.byUser.set(p.User, append(next, p.ID))
	m.addPosition(p.IsLong, p.Collateral, p.NotionalSize)
	return &stored, nil
}

// Fill moves a pending limit order to Open at price. Aggregates already
// include pending positions, so only the record changes.
func (s *PositionStore) Fill(p *Position, price int64) error {
	if !p.Status.CanTransitionTo(PositionOpen) {
		return Errorf(CodeInvalidAction, "position %d is %s, not Pending", p.ID, p.Status)
	}
	p.Status = PositionOpen
	p.EntryPrice = price
	return nil
}

// Close moves p to Closed, records closePrice, and removes it from the
// market aggregates and the user index.
func (s *PositionStore) Close(p *Position, m *Market, closePrice int64) error {
	if !p.Status.CanTransitionTo(PositionClosed) {
		return Errorf(CodeInvalidAction, "position %d is already %s", p.ID, p.Status)
	}
	m.removePosition(p.IsLong, p.Collateral, p.NotionalSize)
	p.Status = PositionClosed
	p.ClosePrice = closePrice
	s.removeFromUser(p.User, p.ID)
	return nil
}

// SettleFunding books accrued funding into the position's collateral and
// resets its index snapshot. Returns the amount settled (positive = paid).
func (s *PositionStore) SettleFunding(p *Position, m *Market) int64 {
	funding := p.FundingOwed(m)
	if funding != 0 {
		p.Collateral = fpmath.AddChecked(p.Collateral, -funding)
		m.adjustCollateral(p.IsLong, -funding)
	}
	p.InterestIndex = m.Index(p.IsLong)
	return funding
}

// AdjustCollateral applies delta to the position and the market aggregate.
func (s *PositionStore) AdjustCollateral(p *Position, m *Market, delta int64) error {
	if !p.Status.Live() {
		return Errorf(CodeInvalidAction, "position %d is %s", p.ID, p.Status)
	}
	p.Collateral = fpmath.AddChecked(p.Collateral, delta)
	m.adjustCollateral(p.IsLong, delta)
	return nil
}

// SetStopLoss updates the stop-loss threshold; 0 clears it.
func (s *PositionStore) SetStopLoss(p *Position, price int64) error {
	if !p.Status.Live() {
		return Errorf(CodeInvalidAction, "position %d is %s", p.ID, p.Status)
	}
	p.StopLoss = price
	return nil
}

// SetTakeProfit updates the take-profit threshold; 0 clears it.
func (s *PositionStore) SetTakeProfit(p *Position, price int64) error {
	if !p.Status.Live() {
		return Errorf(CodeInvalidAction, "position %d is %s", p.ID, p.Status)
	}
	p.TakeProfit = price
	return nil
}

func (s *PositionStore) removeFromUser(user string, id uint32) {
	ids, _ := s.byUser.get(user)
	next := make([]uint32, 0, len(ids))
	for _, v := range ids {
		if v != id {
			next = append(next, v)
		}
	}
	if len(next) == 0 {
		s.byUser.del(user)
		return
	}
	s.byUser.set(user, next)
}

func (s *PositionStore) clone() *PositionStore {
	return &PositionStore{
		live: s.live.fork(func(p *Position) *Position {
			c := *p
			return &c
		}),
		// user slices are replaced, never appended to in place
		byUser:  s.byUser.fork(func(ids []uint32) []uint32 { return ids }),
		history: s.history,
		lastID:  s.lastID,
	}
}
