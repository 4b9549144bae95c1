// Package multiget implements the multiget de-duplicator: a
// per-reservation map collapsing duplicate keys in a multiget request and
// fanning each downstream response back out to every upstream requester
// that asked for it.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package multiget

import "sync"

// Upstream identifies the requester a response must be fanned back to;
// the host supplies a connection handle here (kept as an opaque
// comparable value so this package has no dependency on the connection
// type).
type Upstream = interface{}

// Entry is one requester's record for a key, mirroring multiget_entry:
// the requesting upstream, an opaque identifier for binary opcode
// pairing, and a hit counter.
type Entry struct {
	Upstream Upstream
	Opaque   uint32
	Hits     int
}

// Map is the per-reservation hash table keyed by raw key bytes, active
// only while a multiget is in flight.
type Map struct {
	mu      sync.Mutex
	entries map[string][]*Entry
	// dedupe counts keys seen more than once within the same request.
	dedupe int
}

func New() *Map { return &Map{entries: make(map[string][]*Entry)} }

// Add records that upstream asked for key (with opaque for binary
// pairing). It returns true if this is the first time key has been seen
// in this map — the caller should forward the key downstream only on the
// first occurrence.
func (m *Map) Add(key string, upstream Upstream, opaque uint32) (first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, exists := m.entries[key]
	entry := &Entry{Upstream: upstream, Opaque: opaque}
	m.entries[key] = append([]*Entry{entry}, list...)
	if exists {
		m.dedupe++
	}
	return !exists
}

// OutstandingKeys returns the keys that have not yet received any
// response, for use when retrying after a not-my-vbucket: already-
// successful keys are filtered out by the same map.
func (m *Map) OutstandingKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for key, list := range m.entries {
		satisfied := false
		for _, e := range list {
			if e.Hits > 0 {
				satisfied = true
				break
			}
		}
		if !satisfied {
			out = append(out, key)
		}
	}
	return out
}

// Deliver fans a downstream VALUE response for key out once to each
// distinct requesting Upstream, incrementing every entry's hit counter, and
// reports how many non-first (duplicate) entries the response satisfied
// — the caller uses this to bump a byte-dedupe statistic.
func (m *Map) Deliver(key string, emit func(u Upstream, opaque uint32)) (dedupeCount int) {
	m.mu.Lock()
	list := append([]*Entry(nil), m.entries[key]...)
	m.mu.Unlock()

	emitted := make(map[Upstream]bool, len(list))
	for i, e := range list {
		if e.Upstream == nil {
			continue // detached by RemoveUpstream
		}
		e.Hits++
		if i > 0 {
			dedupeCount++
		}
		if emitted[e.Upstream] {
			continue // this upstream already received the value
		}
		emitted[e.Upstream] = true
		emit(e.Upstream, e.Opaque)
	}
	return dedupeCount
}

// RemoveUpstream clears every entry's Upstream pointer that matches u:
// the entry stays in the map (so iteration/free bookkeeping is
// unaffected) but no further response is delivered to a detached
// upstream.
func (m *Map) RemoveUpstream(u Upstream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.entries {
		for _, e := range list {
			if e.Upstream == u {
				e.Upstream = nil
				e.Opaque = 0
			}
		}
	}
}

// DedupeCount returns how many keys in this request were duplicates of
// an already-seen key.
func (m *Map) DedupeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dedupe
}

// MissCounts walks the map once and returns, per requester, the keys for
// which they never received a hit — each such (upstream, key) pair
// counts as one miss for that upstream.
func (m *Map) MissCounts() map[Upstream]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Upstream]int)
	for _, list := range m.entries {
		for _, e := range list {
			if e.Upstream == nil {
				continue
			}
			if e.Hits == 0 {
				out[e.Upstream]++
			}
		}
	}
	return out
}

// Len reports the number of distinct keys tracked.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
