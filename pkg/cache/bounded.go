// Package cache provides a small capacity-bounded map that retains
// insertion order.
package cache

import "sync"

type entry[K comparable, V any] struct {
	key K
	val V
}

// Bounded is a map with a maximum entry count. Inserting past capacity
// evicts the oldest entry. Safe for concurrent use.
//
// Removal directionality is intentionally split: Pop takes the oldest
// entry, PopMatch searches from the newest. Callers pairing requests with
// responses rely on PopMatch finding the most recent candidate first.
type Bounded[K comparable, V any] struct {
	mu      sync.Mutex
	max     int
	entries []entry[K, V]
}

// NewBounded creates a cache holding at most max entries. A non-positive
// max panics, it would make every Set a no-op.
func NewBounded[K comparable, V any](max int) *Bounded[K, V] {
	if max <= 0 {
		panic("cache: max entries must be positive")
	}
	return &Bounded[K, V]{max: max}
}

// Set inserts or replaces a value. A replaced key keeps its original
// position in insertion order.
func (c *Bounded[K, V]) Set(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		if c.entries[i].key == key {
			c.entries[i].val = val
			return
		}
	}
	if len(c.entries) >= c.max {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, entry[K, V]{key: key, val: val})
}

// Get returns the value for key.
func (c *Bounded[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		if c.entries[i].key == key {
			return c.entries[i].val, true
		}
	}
	var zero V
	return zero, false
}

// Pop removes and returns the oldest entry.
func (c *Bounded[K, V]) Pop() (K, V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) == 0 {
		var zk K
		var zv V
		return zk, zv, false
	}
	e := c.entries[0]
	c.entries = c.entries[1:]
	return e.key, e.val, true
}

// PopMatch removes and returns the newest entry satisfying pred.
func (c *Bounded[K, V]) PopMatch(pred func(K, V) bool) (K, V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		if pred(e.key, e.val) {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return e.key, e.val, true
		}
	}
	var zk K
	var zv V
	return zk, zv, false
}

// SetOrUpdate updates the existing value for key in place, or inserts
// create() when the key is absent. create is never called for an existing
// key.
func (c *Bounded[K, V]) SetOrUpdate(key K, create func() V, update func(V) V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		if c.entries[i].key == key {
			if update != nil {
				c.entries[i].val = update(c.entries[i].val)
			}
			return
		}
	}
	if len(c.entries) >= c.max {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, entry[K, V]{key: key, val: create()})
}

// Delete removes key if present.
func (c *Bounded[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		if c.entries[i].key == key {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the current entry count.
func (c *Bounded[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
