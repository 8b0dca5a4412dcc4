package state

import (
	"sort"
)

// MarketRegistry owns live market configs, aggregates and the queued-config
// timelock state per asset.
type MarketRegistry struct {
	markets map[Asset]*Market
	queued  map[Asset]*QueuedMarketInit
}

func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		markets: make(map[Asset]*Market),
		queued:  make(map[Asset]*QueuedMarketInit),
	}
}

// Market returns the live market for asset. The pointer is owned by the
// registry; mutate it only through registry or position-store primitives.
func (r *MarketRegistry) Market(asset Asset) (*Market, bool) {
	m, ok := r.markets[asset]
	return m, ok
}

// Queued returns the pending config for asset, if any.
func (r *MarketRegistry) Queued(asset Asset) (*QueuedMarketInit, bool) {
	q, ok := r.queued[asset]
	return q, ok
}

// Assets returns every live market asset in deterministic order.
func (r *MarketRegistry) Assets() []Asset {
	assets := make([]Asset, 0, len(r.markets))
	for a := range r.markets {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Less(assets[j]) })
	return assets
}

// QueuedAssets returns every asset with a pending config, in order.
func (r *MarketRegistry) QueuedAssets() []Asset {
	assets := make([]Asset, 0, len(r.queued))
	for a := range r.queued {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Less(assets[j]) })
	return assets
}

// InitMarket installs a market immediately, bypassing the timelock.
func (r *MarketRegistry) InitMarket(asset Asset, cfg MarketConfig, now int64) (*Market, error) {
	if err := ValidateMarketConfig(&cfg); err != nil {
		return nil, err
	}
	if _, exists := r.markets[asset]; exists {
		return nil, Errorf(CodeInvalidAction, "market %s already exists", asset)
	}
	m := &Market{Asset: asset, Config: cfg, Data: NewMarketData(now)}
	r.markets[asset] = m
	return m, nil
}

// QueueSetMarket stores cfg behind the timelock, replacing any entry
// already pending for asset.
func (r *MarketRegistry) QueueSetMarket(asset Asset, cfg MarketConfig, unlockTime int64) (*QueuedMarketInit, error) {
	if err := ValidateMarketConfig(&cfg); err != nil {
		return nil, err
	}
	q := &QueuedMarketInit{Config: cfg, UnlockTime: unlockTime}
	r.queued[asset] = q
	return q, nil
}

// CancelSetMarket drops the pending entry for asset.
func (r *MarketRegistry) CancelSetMarket(asset Asset) error {
	if _, ok := r.queued[asset]; !ok {
		return Errorf(CodeNotQueued, "no queued config for %s", asset)
	}
	delete(r.queued, asset)
	return nil
}

// SetMarket applies the queued config for asset once unlocked. A new market
// starts with fresh aggregates. An existing market keeps its data; callers
// accrue it to now (Store.AccrueMarket) first so elapsed time is charged
// under the old config.
func (r *MarketRegistry) SetMarket(asset Asset, now int64) (*Market, error) {
	q, ok := r.queued[asset]
	if !ok {
		return nil, Errorf(CodeNotQueued, "no queued config for %s", asset)
	}
	if !q.Unlocked(now) {
		return nil, Errorf(CodeNotUnlocked, "%s unlocks at %d, now %d", asset, q.UnlockTime, now)
	}
	if err := ValidateMarketConfig(&q.Config); err != nil {
		return nil, err
	}

	m, exists := r.markets[asset]
	if exists {
		m.Config = q.Config
	} else {
		m = &Market{Asset: asset, Config: q.Config, Data: NewMarketData(now)}
		r.markets[asset] = m
	}
	delete(r.queued, asset)
	return m, nil
}

// Accrue brings the market's funding indices up to now.
func (r *MarketRegistry) Accrue(asset Asset, now int64) (*Market, Accrual, error) {
	m, ok := r.markets[asset]
	if !ok {
		return nil, Accrual{}, Errorf(CodeBadRequest, "unknown market %s", asset)
	}
	return m, m.Accrue(now), nil
}

func (r *MarketRegistry) clone() *MarketRegistry {
	c := &MarketRegistry{
		markets: make(map[Asset]*Market, len(r.markets)),
		queued:  make(map[Asset]*QueuedMarketInit, len(r.queued)),
	}
	for a, m := range r.markets {
		c.markets[a] = m.Clone()
	}
	for a, q := range r.queued {
		qc := *q
		c.queued[a] = &qc
	}
	return c
}
