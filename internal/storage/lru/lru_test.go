package lru

import "testing"

func TestCache_PutGet(t *testing.T) {
	c := New[int64, string](2)

	c.Put(1, "one")
	if v, ok := c.Get(1); !ok || v != "one" {
		t.Fatalf("Get(1) = (%q, %v), want (one, true)", v, ok)
	}
	if _, ok := c.Get(2); ok {
		t.Error("Expected miss for absent key")
	}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int64, string](2)

	c.Put(1, "one")
	c.Put(2, "two")

	// Touch 1 so 2 becomes the eviction candidate.
	if _, ok := c.Get(1); !ok {
		t.Fatal("Expected 1 to be cached")
	}

	c.Put(3, "three")
	if _, ok := c.Get(2); ok {
		t.Error("Expected 2 to be evicted")
	}
	if _, ok := c.Get(1); !ok {
		t.Error("Expected recently used 1 to survive")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("Expected newly inserted 3 to be present")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCache_OverwriteCountsAsUse(t *testing.T) {
	c := New[int64, string](2)

	c.Put(1, "one")
	c.Put(2, "two")
	c.Put(1, "uno")

	c.Put(3, "three")
	if _, ok := c.Get(2); ok {
		t.Error("Expected 2 to be evicted after 1 was overwritten")
	}
	if v, ok := c.Get(1); !ok || v != "uno" {
		t.Errorf("Get(1) = (%q, %v), want (uno, true)", v, ok)
	}
}

func TestCache_ZeroCapacityNeverStores(t *testing.T) {
	c := New[int64, string](0)

	c.Put(1, "one")
	if _, ok := c.Get(1); ok {
		t.Error("A zero-capacity cache must never store anything")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}
