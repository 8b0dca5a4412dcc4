package core

import (
	"container/list"
	"context"
)

// IdempotencyChecker deduplicates submit batches by their batch id in two
// tiers: an in-memory LRU, then the processed_batches table.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	observe   func(tier string)
	onTier2   func(err error)
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsProcessed(ctx context.Context, batchID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate reports whether batchID was already committed. A failing
// database lookup is treated as not-a-duplicate so the engine keeps
// serving; the engine-side LRU still guards hot retries.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, batchID string) bool {
	if ic.lru.Contains(batchID) {
		ic.record("lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsProcessed(ctx, batchID)
		if err != nil {
			if ic.onTier2 != nil {
				ic.onTier2(err)
			}
			return false
		}
		if isDup {
			ic.record("postgres")
			ic.lru.Add(batchID)
			return true
		}
	}
	return false
}

// MarkProcessed adds batchID to the LRU after a successful commit.
func (ic *IdempotencyChecker) MarkProcessed(batchID string) {
	ic.lru.Add(batchID)
}

// LRU exposes the first tier for warming and metrics.
func (ic *IdempotencyChecker) LRU() *IdempotencyLRU {
	return ic.lru
}

func (ic *IdempotencyChecker) record(tier string) {
	if ic.observe != nil {
		ic.observe(tier)
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of batch ids. Not safe for concurrent use;
// the engine only touches it under its write lock.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads recently processed batch ids, oldest first, so a
// restart does not fall through to Postgres for hot retries.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
