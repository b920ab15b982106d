package util

import (
	"testing"
	"time"
)

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewWithConfig(CacheConfig[string, int]{Capacity: 2})
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	c.Put("a", 1, 1)
	c.Put("b", 2, 1)
	c.Get("a")
	c.Put("c", 3, 1)

	if _, ok := c.Get("b"); ok {
		t.Error("Expected b to be evicted")
	}
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("Expected a to survive, got %v %v", v, ok)
	}
	if c.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", c.Len())
	}
}

func TestLRU_TTL(t *testing.T) {
	now := time.Unix(0, 0)
	c, _ := NewWithConfig(CacheConfig[string, string]{
		Capacity: 10,
		TTL:      time.Minute,
		Now:      func() time.Time { return now },
	})
	c.Put("k", "v", 1)
	now = now.Add(30 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("Expected entry before expiry")
	}
	now = now.Add(time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("Expected entry to expire")
	}
}

func TestLRU_MaxWeight(t *testing.T) {
	c, _ := NewWithConfig(CacheConfig[string, []byte]{MaxWeight: 10})
	c.Put("a", make([]byte, 6), 6)
	c.Put("b", make([]byte, 6), 6)
	if _, ok := c.Get("a"); ok {
		t.Error("Expected a to be evicted by weight")
	}
	c.Put("huge", make([]byte, 50), 50)
	if _, ok := c.Get("huge"); !ok {
		t.Error("Expected the newest entry to be kept even when it alone exceeds MaxWeight")
	}
}

func TestLRU_GetOrCreate(t *testing.T) {
	c, _ := NewWithConfig(CacheConfig[string, int]{Capacity: 4})
	calls := 0
	create := func() int { calls++; return 7 }
	if v := c.GetOrCreate("x", create); v != 7 {
		t.Errorf("GetOrCreate() = %d", v)
	}
	c.GetOrCreate("x", create)
	if calls != 1 {
		t.Errorf("Expected create to run once, ran %d times", calls)
	}
	c.Remove("x")
	c.GetOrCreate("x", create)
	if calls != 2 {
		t.Errorf("Expected create to run again after Remove, ran %d times", calls)
	}
}

func TestLRU_RequiresALimit(t *testing.T) {
	if _, err := NewWithConfig(CacheConfig[string, int]{}); err == nil {
		t.Error("Expected error without Capacity or MaxWeight")
	}
}
