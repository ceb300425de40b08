// internal/cache/lru.go
//
// Small generic caches used to bound per-form async results.  Neither type
// is safe for concurrent use; owners serialise access.
package cache

import (
	"container/list"
	"time"
)

// LRU is a least-recently-used cache with an optional per-entry TTL.
type LRU[K comparable, V any] struct {
	cap  int
	ttl  time.Duration
	now  func() time.Time
	ll   *list.List
	dict map[K]*list.Element
}

type pair[K comparable, V any] struct {
	key K
	val V
	exp time.Time // zero when ttl is off
}

// NewLRU returns an LRU holding at most capacity entries.  ttl ≤ 0 disables
// expiry.  Panics on capacity < 1.
func NewLRU[K comparable, V any](capacity int, ttl time.Duration) *LRU[K, V] {
	if capacity < 1 {
		panic("cache: capacity must be ≥1")
	}
	return &LRU[K, V]{
		cap:  capacity,
		ttl:  ttl,
		now:  time.Now,
		ll:   list.New(),
		dict: make(map[K]*list.Element, capacity),
	}
}

// Get retrieves a value and marks it MRU.  Expired entries are dropped.
func (c *LRU[K, V]) Get(key K) (val V, ok bool) {
	ele, hit := c.dict[key]
	if !hit {
		return val, false
	}
	p := ele.Value.(pair[K, V])
	if !p.exp.IsZero() && c.now().After(p.exp) {
		c.ll.Remove(ele)
		delete(c.dict, key)
		return val, false
	}
	c.ll.MoveToFront(ele)
	return p.val, true
}

// Add inserts or updates a value, evicting the LRU entry when full.
func (c *LRU[K, V]) Add(key K, val V) {
	p := pair[K, V]{key: key, val: val}
	if c.ttl > 0 {
		p.exp = c.now().Add(c.ttl)
	}
	if ele, hit := c.dict[key]; hit {
		ele.Value = p
		c.ll.MoveToFront(ele)
		return
	}
	c.dict[key] = c.ll.PushFront(p)
	if c.ll.Len() > c.cap {
		last := c.ll.Back()
		c.ll.Remove(last)
		delete(c.dict, last.Value.(pair[K, V]).key)
	}
}

// Len reports current size, expired entries included until touched.
func (c *LRU[K, V]) Len() int { return c.ll.Len() }
