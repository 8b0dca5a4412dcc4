package state

import "sync"

// overlay is a map layered over a frozen base. Writes land in delta and
// removed; base is shared between copies and never modified, so a copy
// costs O(len(delta)) regardless of how large base has grown.
type overlay[K comparable, V any] struct {
	base    map[K]V
	delta   map[K]V
	removed map[K]struct{}
}

func newOverlay[K comparable, V any]() overlay[K, V] {
	return overlay[K, V]{
		base:    make(map[K]V),
		delta:   make(map[K]V),
		removed: make(map[K]struct{}),
	}
}

func (o *overlay[K, V]) get(k K) (V, bool) {
	if v, ok := o.delta[k]; ok {
		return v, true
	}
	if _, gone := o.removed[k]; gone {
		var zero V
		return zero, false
	}
	v, ok := o.base[k]
	return v, ok
}

func (o *overlay[K, V]) set(k K, v V) {
	o.delta[k] = v
}

func (o *overlay[K, V]) del(k K) {
	delete(o.delta, k)
	if _, ok := o.base[k]; ok {
		o.removed[k] = struct{}{}
	}
}

// each visits every visible entry in no particular order.
func (o *overlay[K, V]) each(fn func(K, V)) {
	for k, v := range o.base {
		if _, shadowed := o.delta[k]; shadowed {
			continue
		}
		if _, gone := o.removed[k]; gone {
			continue
		}
		fn(k, v)
	}
	for k, v := range o.delta {
		fn(k, v)
	}
}

// dirty is the number of entries a fork has to copy.
func (o *overlay[K, V]) dirty() int {
	return len(o.delta) + len(o.removed)
}

// fork shares base and copies the written entries through cp.
func (o *overlay[K, V]) fork(cp func(V) V) overlay[K, V] {
	c := overlay[K, V]{
		base:    o.base,
		delta:   make(map[K]V, len(o.delta)),
		removed: make(map[K]struct{}, len(o.removed)),
	}
	for k, v := range o.delta {
		c.delta[k] = cp(v)
	}
	for k := range o.removed {
		c.removed[k] = struct{}{}
	}
	return c
}

// flatten folds delta and removed into a fresh base. The old base may still
// be referenced by other copies and is left untouched.
func (o *overlay[K, V]) flatten() {
	merged := make(map[K]V, len(o.base)+len(o.delta))
	o.each(func(k K, v V) { merged[k] = v })
	o.base = merged
	o.delta = make(map[K]V)
	o.removed = make(map[K]struct{})
}

// closedHistory holds closed positions. It is append-only and shared by
// every store derived from the same root, so closed records are never
// copied. Entries are only added when a store is sealed at commit.
type closedHistory struct {
	mu        sync.RWMutex
	positions map[uint32]*Position
}

func newClosedHistory() *closedHistory {
	return &closedHistory{positions: make(map[uint32]*Position)}
}

func (h *closedHistory) get(id uint32) (*Position, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.positions[id]
	return p, ok
}

func (h *closedHistory) add(p *Position) {
	h.mu.Lock()
	h.positions[p.ID] = p
	h.mu.Unlock()
}

func (h *closedHistory) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.positions)
}
