// Package oracle reads asset prices and rejects quotes that are missing or
// too old to settle against.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"PerpSettle/internal/state"
)

// DefaultMaxAge is how old a quote may be before it is rejected.
const DefaultMaxAge = 300 * time.Second

// PriceSource returns the most recent quote for an asset. ok is false when
// the source has never quoted the asset.
type PriceSource interface {
	LastPrice(ctx context.Context, asset state.Asset) (state.PriceData, bool, error)
}

// RejectObserver is notified whenever the guard refuses a quote.
type RejectObserver func(asset state.Asset, code state.ErrorCode)

// Guard enforces the freshness window on a PriceSource.
type Guard struct {
	source   PriceSource
	maxAge   int64
	onReject RejectObserver
}

// NewGuard wraps source. A non-positive maxAge selects DefaultMaxAge.
func NewGuard(source PriceSource, maxAge time.Duration) *Guard {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Guard{source: source, maxAge: int64(maxAge / time.Second)}
}

// OnReject installs an observer, typically a metrics counter.
func (g *Guard) OnReject(fn RejectObserver) {
	g.onReject = fn
}

// MaxAge returns the freshness window in seconds.
func (g *Guard) MaxAge() int64 {
	return g.maxAge
}

// Pin binds the guard to one call at now. Every read through the returned
// PinnedGuard is judged against the same now, and the first accepted quote
// for each asset is reused for the rest of the call.
func (g *Guard) Pin(now int64) *PinnedGuard {
	return &PinnedGuard{guard: g, now: now, cache: make(map[state.Asset]state.PriceData)}
}

// PinnedGuard is a Guard bound to a single call.
type PinnedGuard struct {
	guard *Guard
	now   int64

	mu    sync.Mutex
	cache map[state.Asset]state.PriceData
}

// Now returns the timestamp the guard was pinned at.
func (p *PinnedGuard) Now() int64 {
	return p.now
}

// GetPrice returns the asset's price, failing with NoPrice when the source
// has none (or a non-positive one) and StalePrice when the quote is older
// than the window.
func (p *PinnedGuard) GetPrice(ctx context.Context, asset state.Asset) (state.PriceData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pd, ok := p.cache[asset]; ok {
		return pd, nil
	}

	pd, ok, err := p.guard.source.LastPrice(ctx, asset)
	if err != nil {
		return state.PriceData{}, fmt.Errorf("read price %s: %w", asset, err)
	}
	if !ok || pd.Price <= 0 {
		p.reject(asset, state.CodeNoPrice)
		return state.PriceData{}, state.Errorf(state.CodeNoPrice, "no price for %s", asset)
	}
	if p.now-pd.Timestamp > p.guard.maxAge {
		p.reject(asset, state.CodeStalePrice)
		return state.PriceData{}, state.Errorf(state.CodeStalePrice,
			"price for %s is %ds old, max %ds", asset, p.now-pd.Timestamp, p.guard.maxAge)
	}

	p.cache[asset] = pd
	return pd, nil
}

func (p *PinnedGuard) reject(asset state.Asset, code state.ErrorCode) {
	if p.guard.onReject != nil {
		p.guard.onReject(asset, code)
	}
}
