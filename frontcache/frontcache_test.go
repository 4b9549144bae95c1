package frontcache

import (
	"testing"
	"time"
)

func TestSetGetDeleteGet(t *testing.T) {
	c := Start(10)
	now := time.Now()

	c.Set(Item{Key: "user:x", Value: []byte("v1"), InsertedAt: now}, false)
	if it := c.Get("user:x", now); it == nil {
		t.Fatal("expected hit after set")
	}

	c.Delete("user:x")
	if it := c.Get("user:x", now); it != nil {
		t.Fatal("expected miss after delete")
	}

	snap := c.Snapshot()
	if snap.Hits != 1 || snap.Misses != 1 || snap.Deletes != 1 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := Start(10)
	now := time.Now()
	c.Set(Item{Key: "user:x", InsertedAt: now, ExpireAt: now.Add(50 * time.Millisecond)}, false)

	if it := c.Get("user:x", now.Add(10*time.Millisecond)); it == nil {
		t.Fatal("expected hit within TTL")
	}
	if it := c.Get("user:x", now.Add(150*time.Millisecond)); it != nil {
		t.Fatal("expected expiry past TTL")
	}
	if c.Snapshot().Expires != 1 {
		t.Fatalf("expected 1 expire, got %+v", c.Snapshot())
	}
}

func TestAddOnlySkipsExisting(t *testing.T) {
	c := Start(10)
	now := time.Now()
	c.Set(Item{Key: "k", Value: []byte("first"), InsertedAt: now}, true)
	c.Set(Item{Key: "k", Value: []byte("second"), InsertedAt: now}, true)

	it := c.Get("k", now)
	if it == nil || string(it.Value) != "first" {
		t.Fatalf("add_only should have skipped the second set, got %+v", it)
	}
	if c.Snapshot().AddSkips != 1 {
		t.Fatalf("expected 1 add-skip, got %+v", c.Snapshot())
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	c := Start(2)
	now := time.Now()
	c.Set(Item{Key: "a", InsertedAt: now}, false)
	c.Set(Item{Key: "b", InsertedAt: now}, false)
	c.Set(Item{Key: "c", InsertedAt: now}, false) // evicts "a" (LRU tail)

	if c.Len() != 2 {
		t.Fatalf("expected len 2, got %d", c.Len())
	}
	if it := c.Get("a", now); it != nil {
		t.Fatal("expected a to have been evicted")
	}
	if c.Snapshot().Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %+v", c.Snapshot())
	}
}

func TestFlushAllIsImmediate(t *testing.T) {
	c := Start(10)
	now := time.Now()
	c.Set(Item{Key: "k", InsertedAt: now}, false)

	// Even though callers may pass a nonzero deferred-expiration
	// duration, flush is immediate: see DESIGN.md on this intentionally
	// preserved behavior.
	c.FlushAll(now.Add(time.Millisecond), 500*time.Millisecond)

	if it := c.Get("k", now.Add(2*time.Millisecond)); it != nil {
		t.Fatal("expected flush_all to take effect immediately")
	}
}

func TestLargeValuesRoundTripThroughCompression(t *testing.T) {
	c := Start(10)
	now := time.Now()
	big := make([]byte, compressionThreshold+1024)
	for i := range big {
		big[i] = byte(i % 251)
	}
	c.Set(Item{Key: "blob", Value: big, InsertedAt: now}, false)

	it := c.Get("blob", now)
	if it == nil {
		t.Fatal("expected hit for large value")
	}
	if len(it.Value) != len(big) {
		t.Fatalf("expected round-tripped value of length %d, got %d", len(big), len(it.Value))
	}
	for i := range big {
		if it.Value[i] != big[i] {
			t.Fatalf("value mismatch at byte %d", i)
		}
	}
}

func TestAdmissionMatchers(t *testing.T) {
	spec := NewMatcher([]string{"user:"})
	unspec := NewMatcher([]string{"user:internal:"})

	if !Admits(spec, unspec, "user:42") {
		t.Fatal("expected user:42 to be admitted")
	}
	if Admits(spec, unspec, "user:internal:42") {
		t.Fatal("expected unspec to win over spec")
	}
	if Admits(spec, unspec, "session:1") {
		t.Fatal("expected non-matching prefix to be rejected")
	}
}
