package cache

import (
	"testing"
	"time"
)

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[string, int](2, 0)
	c.Add("a", 1)
	c.Add("b", 2)
	if _, ok := c.Get("a"); !ok { // a becomes MRU
		t.Fatalf("a missing")
	}
	c.Add("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should have been evicted")
	}
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("a = %v, %v", v, ok)
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
}

func TestLRU_TTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewLRU[string, string](4, time.Minute)
	c.now = func() time.Time { return now }

	c.Add("k", "v")
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("fresh entry: %q, %v", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expired entry served")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not dropped, len = %d", c.Len())
	}
}

func TestLRU_PanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewLRU[string, int](0, 0)
}

func TestMap(t *testing.T) {
	c := NewMap[string, string]()
	c.Add("x", "1")
	c.Add("x", "2")
	if v, ok := c.Get("x"); !ok || v != "2" {
		t.Fatalf("x = %q, %v", v, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d", c.Len())
	}
}
