// Package route implements the server selector: a pure function of a
// routing table and a key, supporting both ketama consistent hashing and
// vbucket-map lookup, hashed with github.com/OneOfOne/xxhash.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package route

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"

	"github.com/clustercache/moxicore/cmn"
)

// pointsPerServerWeight is the number of ketama ring points contributed
// per unit of server weight: each point is one xxhash of "<server>-<k>",
// so a weight-1 server places 40 points on the ring.
const pointsPerServerWeight = 40

type point struct {
	hash   uint64
	server int
}

// ketamaTable is an immutable consistent-hash ring; built once per
// configuration version and swapped in atomically.
type ketamaTable struct {
	points []point
}

// vbucketTable is an immutable vbucket partition map: vbucket index ->
// ordered list of candidate server indices (primary first, replicas
// after), built once per configuration version.
type vbucketTable struct {
	numVBuckets int
	owners      [][]int // owners[vbucket] = []serverIndex, primary first
}

// Table is the routing table the selector consults: server names (for
// error reporting and not-my-vbucket invalidation) plus either a ketama
// ring or a vbucket map, depending on locator.
type Table struct {
	Locator cmn.NodeLocator
	Servers []string // host:port, index-aligned with server_index

	ketama  *ketamaTable
	vbucket *vbucketTable
}

// NewKetamaTable builds a ring from servers and their weights (index
// aligned; a missing weight defaults to 1).
func NewKetamaTable(servers []string, weights []int) *Table {
	t := &Table{Locator: cmn.LocatorKetama, Servers: servers}
	var pts []point
	for i, s := range servers {
		w := 1
		if i < len(weights) && weights[i] > 0 {
			w = weights[i]
		}
		n := pointsPerServerWeight * w
		for k := 0; k < n; k++ {
			h := xxhash.ChecksumString64(fmt.Sprintf("%s-%d", s, k))
			pts = append(pts, point{hash: h, server: i})
		}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].hash < pts[j].hash })
	t.ketama = &ketamaTable{points: pts}
	return t
}

// NewVBucketTable builds a vbucket table from a server list and a
// precomputed owners map (vbucket -> [primary, replicas...]), as parsed
// from vBucketServerMap.vBucketMap.
func NewVBucketTable(servers []string, owners [][]int) *Table {
	return &Table{
		Locator: cmn.LocatorVBucket,
		Servers: servers,
		vbucket: &vbucketTable{numVBuckets: len(owners), owners: owners},
	}
}

// Selection is the result of Select: the chosen server index and, for
// vbucket routing, the vbucket number to stamp into the binary header.
type Selection struct {
	ServerIndex int
	VBucket     int // -1 for ketama
}

// Select picks a downstream server index for key, consulting invalidated
// (server, vbucket) pairs so a server recently reported as not owning a
// vbucket is skipped until the next table swap.
func (t *Table) Select(invalid *InvalidSet, key []byte) (Selection, error) {
	switch t.Locator {
	case cmn.LocatorKetama:
		return t.selectKetama(key)
	default:
		return t.selectVBucket(invalid, key)
	}
}

func (t *Table) selectKetama(key []byte) (Selection, error) {
	if t.ketama == nil || len(t.ketama.points) == 0 {
		return Selection{}, &cmn.ErrTransientCapacity{Reason: "empty ketama ring"}
	}
	h := xxhash.Checksum64(key)
	pts := t.ketama.points
	idx := sort.Search(len(pts), func(i int) bool { return pts[i].hash >= h })
	if idx == len(pts) {
		idx = 0
	}
	return Selection{ServerIndex: pts[idx].server, VBucket: -1}, nil
}

func vbucketForKey(key []byte, numVBuckets int) int {
	h := xxhash.Checksum32(key)
	return int(h) % numVBuckets
}

func (t *Table) selectVBucket(invalid *InvalidSet, key []byte) (Selection, error) {
	if t.vbucket == nil || t.vbucket.numVBuckets == 0 {
		return Selection{}, &cmn.ErrTransientCapacity{Reason: "empty vbucket map"}
	}
	vb := vbucketForKey(key, t.vbucket.numVBuckets)
	owners := t.vbucket.owners[vb]
	for _, srv := range owners {
		if invalid == nil || !invalid.isInvalid(srv, vb) {
			return Selection{ServerIndex: srv, VBucket: vb}, nil
		}
	}
	// Every known owner has been invalidated since the last table swap;
	// fall back to the primary so a retry still makes forward progress
	// once the reconfig pipeline delivers a fresher map.
	if len(owners) > 0 {
		return Selection{ServerIndex: owners[0], VBucket: vb}, nil
	}
	return Selection{}, &cmn.ErrRouting{Server: -1, VBucket: vb}
}

// InvalidSet tracks (server, vbucket) pairs excluded from selection since
// the owning Table was last swapped in: the Selector owns exactly one
// InvalidSet per installed Table and replaces it wholesale on Swap, so
// invalidations never leak across a reconfiguration.
type InvalidSet struct {
	mu   sync.Mutex
	bad  map[[2]int]struct{}
}

func NewInvalidSet() *InvalidSet { return &InvalidSet{bad: make(map[[2]int]struct{})} }

// Invalidate excludes server for vbucket from subsequent selections
// against the same table.
func (s *InvalidSet) Invalidate(server, vbucket int) {
	s.mu.Lock()
	s.bad[[2]int{server, vbucket}] = struct{}{}
	s.mu.Unlock()
}

func (s *InvalidSet) isInvalid(server, vbucket int) bool {
	s.mu.Lock()
	_, ok := s.bad[[2]int{server, vbucket}]
	s.mu.Unlock()
	return ok
}

// routeState bundles a Table with the InvalidSet collected against it, so
// a single atomic pointer swap installs both consistently.
type routeState struct {
	table   *Table
	invalid *InvalidSet
}

// Selector holds an atomically-swappable routing state so many worker
// goroutines can call Select concurrently while a single writer (the
// reconfiguration pipeline) installs a new table; readers always observe
// a complete Table, never a torn one, because the swap is a single atomic
// pointer store.
type Selector struct {
	state atomic.Value // *routeState
}

func NewSelector(initial *Table) *Selector {
	s := &Selector{}
	s.state.Store(&routeState{table: initial, invalid: NewInvalidSet()})
	return s
}

func (s *Selector) Table() *Table { return s.state.Load().(*routeState).table }

// Swap installs a new table and a fresh InvalidSet in one atomic step, so
// invalidations recorded against the old table never apply to the new
// one.
func (s *Selector) Swap(t *Table) {
	s.state.Store(&routeState{table: t, invalid: NewInvalidSet()})
}

// Select picks a server for key against the currently installed table,
// honoring invalidations recorded since that table was installed.
func (s *Selector) Select(key []byte) (Selection, error) {
	st := s.state.Load().(*routeState)
	return st.table.Select(st.invalid, key)
}

// Invalidate excludes server for vbucket from subsequent selections
// against whichever table is currently installed. If a Swap races this
// call, the invalidation may land on a table that is
// about to be replaced; that's harmless since Swap always starts the new
// table with a clean InvalidSet.
func (s *Selector) Invalidate(server, vbucket int) {
	st := s.state.Load().(*routeState)
	st.invalid.Invalidate(server, vbucket)
}
