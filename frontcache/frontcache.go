// Package frontcache implements the front cache: a bounded LRU of
// recently-seen GET responses with matcher-controlled admission and an
// O(1) flush-all via an "oldest live" watermark.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package frontcache

import (
	"bytes"
	"container/list"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pierrec/lz4/v3"
)

// compressionThreshold is the value size above which Set transparently
// lz4-compresses the body before storing it; small values aren't worth
// the framing overhead.
const compressionThreshold = 8192

func compress(b []byte) []byte {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return b
	}
	if err := w.Close(); err != nil {
		return b
	}
	return buf.Bytes()
}

func decompress(b []byte) []byte {
	r := lz4.NewReader(bytes.NewReader(b))
	out, err := io.ReadAll(r)
	if err != nil {
		return b
	}
	return out
}

// Item is a cached value; moxicore treats the payload as opaque bytes
// (the wire-level VALUE body) with an associated expiry.
type Item struct {
	Key       string
	Value     []byte
	Flags     uint32
	InsertedAt time.Time
	ExpireAt   time.Time // zero means never
}

// Stats mirrors mcache's tot_* counters.
type Stats struct {
	Hits      uint64
	Expires   uint64
	Misses    uint64
	Adds      uint64
	AddSkips  uint64
	AddFails  uint64
	Deletes   uint64
	Evictions uint64
}

type entry struct {
	it         Item
	compressed bool
	elm        *list.Element // position in lru
}

// Matcher is a comma-separated prefix-spec matcher: front_cache_spec lists
// admissible prefixes, front_cache_unspec lists blocked ones, and
// check-unspec wins when both match.
type Matcher struct {
	prefixes []string
}

func NewMatcher(prefixes []string) *Matcher { return &Matcher{prefixes: prefixes} }

func (m *Matcher) Match(key string) bool {
	if m == nil || len(m.prefixes) == 0 {
		return false
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Admits reports whether key is admissible to the front cache: allowed by
// spec (or spec is empty, meaning "admit everything"), and not blocked
// by unspec, which wins ties.
func Admits(spec, unspec *Matcher, key string) bool {
	if unspec.Match(key) {
		return false
	}
	if spec == nil || len(spec.prefixes) == 0 {
		return true
	}
	return spec.Match(key)
}

// Cache is the bounded LRU map, guarded throughout since moxicore's
// workers are goroutines sharing one cache rather than threads each
// pinned to their own.
type Cache struct {
	mu         sync.Mutex
	max        int
	items      map[string]*entry
	lru        *list.List // front = most recently used
	oldestLive time.Time
	stats      Stats
}

// Start allocates the map and LRU list.
func Start(max int) *Cache {
	return &Cache{
		max:   max,
		items: make(map[string]*entry),
		lru:   list.New(),
	}
}

// Stop frees the map and LRU links; idempotent.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry)
	c.lru = list.New()
}

// Get returns a copy of the cached item if its expiry is in the future
// and its insertion time is after oldestLive; otherwise nil. Bumps LRU
// and updates hit/miss/expire counters.
func (c *Cache) Get(key string, now time.Time) *Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil
	}
	if e.it.InsertedAt.Before(c.oldestLive) {
		c.removeLocked(key, e)
		c.stats.Expires++
		return nil
	}
	if !e.it.ExpireAt.IsZero() && !e.it.ExpireAt.After(now) {
		c.removeLocked(key, e)
		c.stats.Expires++
		return nil
	}
	c.lru.MoveToFront(e.elm)
	c.stats.Hits++
	cp := e.it
	if e.compressed {
		cp.Value = decompress(e.it.Value)
	}
	return &cp
}

// Set stores it, evicting the LRU tail if the cache is over max. If
// addOnly is true and the key already exists, increments add-skips and
// returns without storing.
func (c *Cache) Set(it Item, addOnly bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	compressed := false
	if len(it.Value) > compressionThreshold {
		it.Value = compress(it.Value)
		compressed = true
	}

	if e, exists := c.items[it.Key]; exists {
		if addOnly {
			c.stats.AddSkips++
			return
		}
		e.it = it
		e.compressed = compressed
		c.lru.MoveToFront(e.elm)
		c.stats.Adds++
		return
	}

	elm := c.lru.PushFront(it.Key)
	c.items[it.Key] = &entry{it: it, compressed: compressed, elm: elm}
	c.stats.Adds++

	if c.max > 0 && len(c.items) > c.max {
		tail := c.lru.Back()
		if tail != nil {
			key := tail.Value.(string)
			if victim, ok := c.items[key]; ok {
				c.removeLocked(key, victim)
				c.stats.Evictions++
			}
		}
	}
}

// Delete removes key if present, incrementing the delete counter.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.removeLocked(key, e)
		c.stats.Deletes++
	}
}

func (c *Cache) removeLocked(key string, e *entry) {
	c.lru.Remove(e.elm)
	delete(c.items, key)
}

// FlushAll sets oldestLive to now, so subsequent Gets treat everything
// inserted before this instant as absent without traversing the table.
// The deferred-expiry duration is accepted for call-signature
// compatibility but intentionally ignored: the front cache always
// flushes immediately rather than honoring a future flush time.
func (c *Cache) FlushAll(now time.Time, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.oldestLive = now
}

// Snapshot returns a copy of the current counters.
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len reports the current number of entries, for tests and stats export.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
