package oracle

import (
	"context"
	"sync"

	"PerpSettle/internal/state"
)

// MemorySource is an in-process PriceSource. Prices are pushed with Set.
type MemorySource struct {
	mu     sync.RWMutex
	prices map[state.Asset]state.PriceData
}

func NewMemorySource() *MemorySource {
	return &MemorySource{prices: make(map[state.Asset]state.PriceData)}
}

// Set records a quote for asset, replacing the previous one.
func (s *MemorySource) Set(asset state.Asset, price, timestamp int64) {
	s.mu.Lock()
	s.prices[asset] = state.PriceData{Price: price, Timestamp: timestamp}
	s.mu.Unlock()
}

// Delete forgets the asset's quote.
func (s *MemorySource) Delete(asset state.Asset) {
	s.mu.Lock()
	delete(s.prices, asset)
	s.mu.Unlock()
}

func (s *MemorySource) LastPrice(_ context.Context, asset state.Asset) (state.PriceData, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pd, ok := s.prices[asset]
	return pd, ok, nil
}

// Publish records pd for asset. It mirrors RedisSource.Publish so admin
// price injection works against either source.
func (s *MemorySource) Publish(_ context.Context, asset state.Asset, pd state.PriceData) error {
	s.Set(asset, pd.Price, pd.Timestamp)
	return nil
}
