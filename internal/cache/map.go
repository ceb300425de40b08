package cache

// Map is an unbounded cache.  Entries live until the owner is dropped.
type Map[K comparable, V any] struct {
	m map[K]V
}

// NewMap returns an empty Map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]V)}
}

func (c *Map[K, V]) Get(key K) (V, bool) {
	v, ok := c.m[key]
	return v, ok
}

func (c *Map[K, V]) Add(key K, val V) { c.m[key] = val }

func (c *Map[K, V]) Len() int { return len(c.m) }
