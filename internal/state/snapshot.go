package state

import "fmt"

// StoreSnapshot is the serializable form of a Store.
type StoreSnapshot struct {
	Name            string        `json:"name"`
	Vault           string        `json:"vault"`
	Initialized     bool          `json:"initialized"`
	Status          Status        `json:"status"`
	Config          TradingConfig `json:"config"`
	GovernanceDelay int64         `json:"governance_delay"`
	WasmHash        string        `json:"wasm_hash,omitempty"`
	QueuedConfig    *QueuedConfig `json:"queued_config,omitempty"`
	LastPositionID  uint32        `json:"last_position_id"`

	Markets   []MarketSnapshot `json:"markets"`
	Queued    []QueuedSnapshot `json:"queued"`
	Positions []Position       `json:"positions"`
}

type MarketSnapshot struct {
	Asset  Asset        `json:"asset"`
	Config MarketConfig `json:"config"`
	Data   MarketData   `json:"data"`
}

type QueuedSnapshot struct {
	Asset Asset            `json:"asset"`
	Entry QueuedMarketInit `json:"entry"`
}

// Export captures the store in deterministic order.
func (s *Store) Export() *StoreSnapshot {
	snap := &StoreSnapshot{
		Name:            s.Name,
		Vault:           s.Vault,
		Initialized:     s.Initialized,
		Status:          s.Status,
		Config:          s.Config,
		GovernanceDelay: s.GovernanceDelay,
		WasmHash:        s.WasmHash,
		QueuedConfig:    s.QueuedConfig,
		LastPositionID:  s.Positions.LastID(),
	}
	for _, a := range s.Markets.Assets() {
		m, _ := s.Markets.Market(a)
		snap.Markets = append(snap.Markets, MarketSnapshot{Asset: a, Config: m.Config, Data: m.Data})
	}
	for _, a := range s.Markets.QueuedAssets() {
		q, _ := s.Markets.Queued(a)
		snap.Queued = append(snap.Queued, QueuedSnapshot{Asset: a, Entry: *q})
	}
	for _, id := range s.Positions.IDs() {
		p, _ := s.Positions.Get(id)
		snap.Positions = append(snap.Positions, *p)
	}
	return snap
}

// RestoreStore rebuilds a Store from a snapshot and verifies its invariants.
func RestoreStore(snap *StoreSnapshot) (*Store, error) {
	s := NewStore(snap.GovernanceDelay)
	s.Name = snap.Name
	s.Vault = snap.Vault
	s.Initialized = snap.Initialized
	s.Status = snap.Status
	s.Config = snap.Config
	s.WasmHash = snap.WasmHash
	if snap.QueuedConfig != nil {
		q := *snap.QueuedConfig
		s.QueuedConfig = &q
	}

	for _, ms := range snap.Markets {
		m := &Market{Asset: ms.Asset, Config: ms.Config, Data: ms.Data}
		s.Markets.markets[ms.Asset] = m
	}
	for _, qs := range snap.Queued {
		q := qs.Entry
		s.Markets.queued[qs.Asset] = &q
	}
	ps := s.Positions
	for i := range snap.Positions {
		p := snap.Positions[i]
		if _, dup := ps.live.base[p.ID]; dup {
			return nil, fmt.Errorf("snapshot holds position %d twice", p.ID)
		}
		if _, dup := ps.history.positions[p.ID]; dup {
			return nil, fmt.Errorf("snapshot holds position %d twice", p.ID)
		}
		if p.ID == 0 || p.ID > snap.LastPositionID {
			return nil, fmt.Errorf("position %d outside allocated ids 1..%d", p.ID, snap.LastPositionID)
		}
		if !p.Status.Live() {
			ps.history.positions[p.ID] = &p
			continue
		}
		ps.live.base[p.ID] = &p
		ps.byUser.base[p.User] = append(ps.byUser.base[p.User], p.ID)
	}
	s.Positions.lastID = snap.LastPositionID

	if err := s.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("snapshot invariants: %w", err)
	}
	return s, nil
}
