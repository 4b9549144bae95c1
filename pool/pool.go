// Package pool implements a pool's immutable listen identity paired with
// its mutable config/behavior under a pool-level lock, and the top-level
// registry of pools a listener thread mutates.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package pool

import (
	"sort"
	"strconv"
	"sync"

	"github.com/clustercache/moxicore/cmn"
	"github.com/clustercache/moxicore/downstream"
	"github.com/clustercache/moxicore/ptd"
	"github.com/clustercache/moxicore/route"
)

// Pool pairs an immutable (port, name) listen identity with mutable
// config/behavior guarded by mu. Only the reconfiguration pipeline
// mutates these fields; workers copy out under the lock during version
// reconciliation.
type Pool struct {
	Port int
	Name string

	mu            sync.Mutex
	configVersion int64
	spec          *cmn.PoolSpec // nil once the pool is retired
	behavior      cmn.BehaviorPool
	selector      *route.Selector
	workers       []*ptd.PTD
}

// New creates a pool at (port, name) with no config yet; the
// reconfiguration pipeline installs the first spec via Update.
func New(port int, name string) *Pool {
	return &Pool{Port: port, Name: name}
}

// ConfigVersion returns the pool's current version under lock.
func (p *Pool) ConfigVersion() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configVersion
}

// Spec returns a copy of the currently installed spec, or nil if the
// pool has been retired — deletion is staged by setting a pool's config
// to null rather than removing it outright.
func (p *Pool) Spec() *cmn.PoolSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spec == nil {
		return nil
	}
	cp := *p.spec
	return &cp
}

// Retired reports whether this pool's config has been nulled out.
func (p *Pool) Retired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec == nil
}

// Update installs a new spec and bumps the config version, building a
// fresh Server Selector from the parsed topology. Passing a nil spec
// stages retirement: workers observe Retired() on their next
// reconciliation and release their reservations instead of reusing them.
func (p *Pool) Update(spec *cmn.PoolSpec, version int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spec = spec
	p.configVersion = version
	if spec == nil {
		return
	}
	p.behavior = buildBehaviorPool(spec)
	p.selector = buildSelector(spec)
	for _, w := range p.workers {
		w.SetConfigVersion(version)
	}
}

// Selector returns the pool's currently installed Server Selector, or nil
// before the first Update.
func (p *Pool) Selector() *route.Selector {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selector
}

// Behavior returns a copy of the pool's current behavior_pool.
func (p *Pool) Behavior() cmn.BehaviorPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.behavior
}

// AttachWorker registers ptd as one of this pool's per-worker instances,
// so a future Update can push a version bump to it.
func (p *Pool) AttachWorker(w *ptd.PTD) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers = append(p.workers, w)
}

// Workers returns the pool's attached per-worker instances.
func (p *Pool) Workers() []*ptd.PTD {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ptd.PTD, len(p.workers))
	copy(out, p.workers)
	return out
}

func buildBehaviorPool(spec *cmn.PoolSpec) cmn.BehaviorPool {
	base := spec.Behavior
	servers := make([]cmn.Behavior, 0, len(spec.Nodes))
	for _, n := range spec.Nodes {
		sb := base
		sb.Host = n.Hostname
		sb.Port = n.Port
		sb.User = n.User
		sb.Password = n.Password
		sb.Bucket = n.Bucket
		sb.DownstreamWeight = n.Weight
		if sb.DownstreamWeight <= 0 {
			sb.DownstreamWeight = 1
		}
		servers = append(servers, sb)
	}
	return cmn.BehaviorPool{Base: base, Servers: servers}
}

func buildSelector(spec *cmn.PoolSpec) *route.Selector {
	switch spec.NodeLocator {
	case cmn.LocatorKetama:
		return route.NewSelector(buildKetamaTable(spec))
	default:
		return route.NewSelector(buildVBucketTable(spec))
	}
}

func buildKetamaTable(spec *cmn.PoolSpec) *route.Table {
	var servers []string
	var weights []int
	if spec.VBucketServerMap != nil && len(spec.VBucketServerMap.ServerList) > 0 {
		servers = append(servers, spec.VBucketServerMap.ServerList...)
	}
	for _, n := range spec.Nodes {
		if !n.Healthy() {
			continue
		}
		servers = append(servers, serverAddr(n))
		w := n.Weight
		if w <= 0 {
			w = 1
		}
		weights = append(weights, w)
	}
	return route.NewKetamaTable(servers, weights)
}

func buildVBucketTable(spec *cmn.PoolSpec) *route.Table {
	if spec.VBucketServerMap == nil {
		return route.NewVBucketTable(nil, nil)
	}
	return route.NewVBucketTable(spec.VBucketServerMap.ServerList, spec.VBucketServerMap.Map)
}

func serverAddr(n cmn.ServerNode) string {
	if n.Port == 0 {
		return n.Hostname
	}
	return n.Hostname + ":" + strconv.Itoa(n.Port)
}

// Main owns the pool list under a single main lock. Only the
// reconfiguration pipeline inserts or retires pools.
type Main struct {
	mu    sync.Mutex
	pools map[string]*Pool // keyed by "port/name"
}

// NewMain constructs an empty proxy main.
func NewMain() *Main { return &Main{pools: make(map[string]*Pool)} }

func poolKey(port int, name string) string { return strconv.Itoa(port) + "/" + name }

// Lookup finds an existing pool by (port, name).
func (m *Main) Lookup(port int, name string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[poolKey(port, name)]
}

// GetOrCreate returns the existing pool at (port, name), or inserts a
// fresh one into the pool list and returns it. No listener is attached
// here.
func (m *Main) GetOrCreate(port int, name string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := poolKey(port, name)
	if p, ok := m.pools[key]; ok {
		return p
	}
	p := New(port, name)
	m.pools[key] = p
	return p
}

// List returns the pools currently registered, sorted by (port, name)
// for deterministic iteration (admin listing, retirement sweep).
func (m *Main) List() []*Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// NewConnSet builds a Downstream Connection Set for pool p against its
// currently installed selector's server list, using dial to connect.
func NewConnSet(p *Pool, dial downstream.Dialer) *downstream.ConnSet {
	sel := p.Selector()
	behavior := p.Behavior()
	return downstream.NewConnSet(sel.Table(), behavior, dial)
}
