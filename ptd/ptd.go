// Package ptd implements per-worker proxy data: the structures a single
// worker goroutine owns without locking — its config/version snapshot,
// paused-upstream wait list, and the reserved/released Reservation free
// lists drawn down by the downstream reservation lifecycle.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package ptd

import (
	"container/list"
	"context"
	"time"

	"github.com/clustercache/moxicore/cmn"
	"github.com/clustercache/moxicore/cmn/cos"
	"github.com/clustercache/moxicore/downstream"
	"github.com/clustercache/moxicore/frontcache"
	"github.com/clustercache/moxicore/route"
)

// waiter is one paused upstream connection queued on the wait list.
type waiter struct {
	upstream downstream.UpstreamConn
	cmd      downstream.Command
	queuedAt time.Time
}

// PTD is the single-goroutine-owned state for one (pool, worker) pair. It
// is never touched from another goroutine: the worker's own event loop
// is the only caller, so none of its fields need locking.
type PTD struct {
	PoolName      string
	ConfigVersion int64
	Behavior      cmn.BehaviorPool

	ConnSet  *downstream.ConnSet
	Selector *route.Selector

	FrontCache  *frontcache.Cache
	FrontSpec   *frontcache.Matcher
	FrontUnspec *frontcache.Matcher
	OptimizeSet *frontcache.Matcher

	MaxRetries        int
	DownstreamMax     int
	WaitQueueTimeout  time.Duration

	reserved  []*downstream.Reservation // currently bound to an in-flight upstream op
	released  []*downstream.Reservation // idle, available for Acquire
	waitQueue *list.List                // of *waiter

	stats downstream.Stats
}

// New constructs a PTD snapshot for one worker, taking a copy of the
// behavior/config so a concurrent reconfiguration never mutates state
// this worker is reading.
func New(poolName string, version int64, behavior cmn.BehaviorPool, cs *downstream.ConnSet, sel *route.Selector) *PTD {
	p := &PTD{
		PoolName:         poolName,
		ConfigVersion:    version,
		Behavior:         behavior,
		ConnSet:          cs,
		Selector:         sel,
		MaxRetries:       behavior.Base.MaxRetries,
		DownstreamMax:    behavior.Base.DownstreamMax,
		WaitQueueTimeout: behavior.Base.WaitQueueTimeout,
		waitQueue:        list.New(),
	}
	if behavior.Base.FrontCacheMax > 0 {
		p.FrontCache = frontcache.Start(behavior.Base.FrontCacheMax)
	}
	if behavior.Base.FrontCacheSpec != "" {
		p.FrontSpec = frontcache.NewMatcher(cos.SplitPrefixes(behavior.Base.FrontCacheSpec))
	}
	if behavior.Base.FrontCacheUnspec != "" {
		p.FrontUnspec = frontcache.NewMatcher(cos.SplitPrefixes(behavior.Base.FrontCacheUnspec))
	}
	if behavior.Base.OptimizeSet != "" {
		p.OptimizeSet = frontcache.NewMatcher(cos.SplitPrefixes(behavior.Base.OptimizeSet))
	}
	return p
}

// Acquire returns a reservation whose config snapshot matches this PTD's
// current version: first from the released free list (discarding any
// version-mismatched entries it finds along the way), otherwise newly
// constructed if under DownstreamMax, otherwise queued as a waiter until
// one frees up or WaitQueueTimeout elapses.
func (p *PTD) Acquire(ctx context.Context, upstream downstream.UpstreamConn, cmd downstream.Command) (*downstream.Reservation, error) {
	for len(p.released) > 0 {
		n := len(p.released) - 1
		r := p.released[n]
		p.released = p.released[:n]
		if r.MatchesVersion(p.ConfigVersion) {
			p.reserved = append(p.reserved, r)
			return r, nil
		}
		// version mismatch: drop it, it is not returned to any list.
	}

	if len(p.reserved) < p.effectiveMax() {
		r := downstream.New(p.ConnSet, p.PoolName, p.ConfigVersion, p.Selector,
			p.FrontCache, p.FrontSpec, p.FrontUnspec, p.OptimizeSet, p.MaxRetries, &p.stats)
		p.reserved = append(p.reserved, r)
		return r, nil
	}

	return nil, p.enqueueWaiter(ctx, upstream, cmd)
}

func (p *PTD) effectiveMax() int {
	if p.DownstreamMax <= 0 {
		return 4
	}
	return p.DownstreamMax
}

// enqueueWaiter parks upstream on the wait queue; the worker's timer loop
// calls ExpireWaiters to time these out, and Release hands a freed
// reservation to the oldest queued waiter.
func (p *PTD) enqueueWaiter(ctx context.Context, upstream downstream.UpstreamConn, cmd downstream.Command) error {
	p.waitQueue.PushBack(&waiter{upstream: upstream, cmd: cmd, queuedAt: time.Now()})
	return &cmn.ErrTimeout{Kind: "wait_queue"}
}

// Release returns r to the idle list unless its config version no longer
// matches this PTD's current version, in which case it is dropped so the
// next Acquire constructs a fresh one against current behavior.
func (p *PTD) Release(r *downstream.Reservation) {
	for i, x := range p.reserved {
		if x == r {
			p.reserved = append(p.reserved[:i], p.reserved[i+1:]...)
			break
		}
	}
	r.Reset()
	if !r.MatchesVersion(p.ConfigVersion) {
		return
	}
	if w := p.waitQueue.Front(); w != nil {
		p.waitQueue.Remove(w)
		p.reserved = append(p.reserved, r)
		wt := w.Value.(*waiter)
		r.Bind(wt.upstream, wt.cmd, p.WaitQueueTimeout)
		return
	}
	p.released = append(p.released, r)
}

// ExpireWaiters drops queued waiters older than WaitQueueTimeout,
// notifying each with a timeout error.
func (p *PTD) ExpireWaiters(now time.Time) int {
	if p.WaitQueueTimeout <= 0 {
		return 0
	}
	expired := 0
	for e := p.waitQueue.Front(); e != nil; {
		next := e.Next()
		wt := e.Value.(*waiter)
		if now.Sub(wt.queuedAt) >= p.WaitQueueTimeout {
			p.waitQueue.Remove(e)
			_ = wt.upstream.WriteError(&cmn.ErrTimeout{Kind: "wait_queue"})
			wt.upstream.Unpause()
			expired++
		}
		e = next
	}
	return expired
}

// ReservedCount and ReleasedCount expose free-list sizes for stats export.
func (p *PTD) ReservedCount() int { return len(p.reserved) }
func (p *PTD) ReleasedCount() int { return len(p.released) }
func (p *PTD) WaitQueueLen() int  { return p.waitQueue.Len() }

// SetConfigVersion stages a version bump for a future Acquire/Release to
// notice; existing reserved reservations continue to run to completion
// under their original snapshot — nothing is force-migrated mid-operation.
func (p *PTD) SetConfigVersion(v int64) { p.ConfigVersion = v }

// Stats returns the aggregate downstream-reservation counters this PTD's
// reservations have accumulated.
func (p *PTD) Stats() *downstream.Stats { return &p.stats }
