package cache

import (
	"testing"
	"time"
)

func TestGetSetEvict(t *testing.T) {
	c := New[int](time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("empty cache should miss")
	}

	c.Set("a", 42)
	v, ok := c.Get("a")
	if !ok || v != 42 {
		t.Fatalf("expected hit with 42, got %v %v", v, ok)
	}

	c.Evict("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("evicted key should miss")
	}
}

func TestExpiryWithSyntheticClock(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	c := NewWithClock[string](10*time.Second, clock)

	c.Set("tiles", "payload")
	if _, ok := c.Get("tiles"); !ok {
		t.Fatal("fresh entry should hit")
	}

	now = now.Add(11 * time.Second)
	if _, ok := c.Get("tiles"); ok {
		t.Fatal("expired entry should miss")
	}
	if c.Len() != 0 {
		t.Fatalf("expired read should evict, got len %d", c.Len())
	}
}

func TestSweep(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	c := NewWithClock[int](5*time.Second, clock)

	c.Set("a", 1)
	c.Set("b", 2)
	now = now.Add(6 * time.Second)
	c.Set("c", 3)

	if dropped := c.Sweep(); dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("fresh entry must survive sweep")
	}
}
