// Package bucket implements the bucket engine: a process-wide registry
// that runs multiple isolated cache engine instances ("buckets") behind a
// single network endpoint. Each bucket's lifecycle is a state machine
// (NULL/RUNNING/STOP_REQUESTED/STOPPING/STOPPED) owned by a *Handle, with
// access mediated through a short-lived guard returned by Acquire.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package bucket

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.uber.org/atomic"

	"github.com/clustercache/moxicore/cmn"
	"github.com/clustercache/moxicore/engine"
	"github.com/clustercache/moxicore/hk"
)

// State is the bucket lifecycle state, mirroring bucket_state_t exactly:
// NULL and STOPPED never have a live engine; only RUNNING accepts calls.
type State int

const (
	StateNull State = iota
	StateRunning
	StateStopRequested
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop requested"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DisconnectCallback is invoked when a connection bound to this bucket
// disconnects. The handle's lock is released around this call (see
// Handle.fireDisconnect) to avoid deadlock with engine-internal locks, at
// the cost of a brief window where the callback can observe a
// STOP_REQUESTED bucket.
type DisconnectCallback func(cookie interface{})

// Handle is one embedded engine instance: immutable identity, a loaded
// engine.Handle, a stats block, and the mutable lifecycle fields the spec
// requires to live under one lock (refcount, active-callers, state,
// cookie).
type Handle struct {
	Name       string
	ModulePath string
	// CreateID is a short, human-readable tag (cmn.GenUUID) logged by
	// Registry.Create when the bucket is created, so a creation stays
	// identifiable in the logs even if the bucket name is reused.
	CreateID string

	eng *engine.Handle

	// mu guards every field below: the handle lock sits under the pool
	// lock and above the front-cache lock in lock-acquisition order.
	mu            sync.Mutex
	state         State
	refcount      int // connections-pointing-at-bucket + 1 for registry membership
	activeCallers int
	forceShutdown bool
	onDisconnect  DisconnectCallback
	teardownDone  chan struct{} // closed when STOPPED is reached
	waiters       []chan struct{} // parties blocked in WaitStopped

	stats Stats
}

// Stats is the bucket-level counters block; a real engine's own stats are
// reached through Engine.GetStats, this is the registry/handle-level view.
type Stats struct {
	Creates      atomic.Uint64
	Deletes      atomic.Uint64
	CallsStarted atomic.Uint64
	CallsDone    atomic.Uint64
}

func newHandle(name, modulePath string, eng *engine.Handle) *Handle {
	return &Handle{
		Name:         name,
		ModulePath:   modulePath,
		CreateID:     cmn.GenUUID(),
		eng:          eng,
		state:        StateRunning,
		refcount:     1, // registry membership
		teardownDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state under lock.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetDisconnectCallback registers the callback fired on client disconnect
// while a connection is bound to this bucket.
func (h *Handle) SetDisconnectCallback(cb DisconnectCallback) {
	h.mu.Lock()
	h.onDisconnect = cb
	h.mu.Unlock()
}

// Guard is the short-lived access token returned by Acquire. Its Release
// decrements the refcount and, if the bucket has already reached STOPPED
// with no other references outstanding, wakes anyone blocked in
// WaitStopped.
type Guard struct {
	h *Handle
}

// Acquire increments the refcount only if state == RUNNING (mirrors
// acquire(handle)); it does NOT bump active-callers — that happens inside
// Call, for the duration of one operation only.
func (h *Handle) Acquire() (*Guard, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateRunning {
		return nil, &cmn.ErrBucketNotFound{Name: h.Name}
	}
	h.refcount++
	return &Guard{h: h}, nil
}

// Release decrements refcount; if it hits zero and state == STOPPED, the
// handle may now be freed (its goroutine-side resources reclaimed).
func (g *Guard) Release() {
	h := g.h
	h.mu.Lock()
	h.refcount--
	rc, st := h.refcount, h.state
	h.mu.Unlock()
	if rc < 0 {
		cmn.Assert(false, "bucket refcount went negative")
	}
	if rc == 0 && st == StateStopped {
		h.notifyZeroRefcount()
	}
}

func (h *Handle) notifyZeroRefcount() {
	h.mu.Lock()
	waiters := h.waiters
	h.waiters = nil
	h.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Call requires state == RUNNING, increments active-callers around fn,
// and on leaving, if active-callers hits zero and state ==
// STOP_REQUESTED, advances to STOPPING and starts the teardown task.
func (h *Handle) Call(ctx context.Context, fn func(eng engine.Engine) error) error {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return &cmn.ErrBucketNotFound{Name: h.Name}
	}
	h.activeCallers++
	h.mu.Unlock()

	h.stats.CallsStarted.Inc()
	err := fn(h.eng.Engine)
	h.stats.CallsDone.Inc()

	h.mu.Lock()
	h.activeCallers--
	ac := h.activeCallers
	shouldTeardown := ac == 0 && h.state == StateStopRequested
	if shouldTeardown {
		h.state = StateStopping
	}
	h.mu.Unlock()

	if shouldTeardown {
		h.startTeardown()
	}
	return err
}

// RequestStop transitions RUNNING -> STOP_REQUESTED and releases the
// registry's own membership reference directly (the +1 newHandle set
// aside at creation), rather than routing through Acquire/Release: by
// the time a caller asks to stop the bucket, state is no longer RUNNING,
// so Acquire would always refuse and the reference would never drop. If
// no calls are currently active, teardown starts immediately.
func (h *Handle) RequestStop(force bool) (alreadyStopping bool) {
	h.mu.Lock()
	if h.state != StateRunning {
		alreadyStopping = true
		h.mu.Unlock()
		return
	}
	h.forceShutdown = force
	h.state = StateStopRequested
	h.refcount--
	rc := h.refcount
	noCallers := h.activeCallers == 0
	if noCallers {
		h.state = StateStopping
	}
	h.mu.Unlock()

	if rc < 0 {
		cmn.Assert(false, "bucket refcount went negative")
	}
	if noCallers {
		h.startTeardown()
	}
	return false
}

// startTeardown submits the dedicated teardown task to the housekeeper:
// it calls the engine's destroy, transitions to STOPPED, and leaves
// unlinking-from-the-registry to the Registry, which removes the map entry
// once WaitStopped returns.
func (h *Handle) startTeardown() {
	hk.Default().After(0, func() {
		h.mu.Lock()
		cmn.Assert(h.state == StateStopping, "teardown started outside STOPPING")
		force := h.forceShutdown
		h.mu.Unlock()

		if err := h.eng.Engine.Destroy(force); err != nil {
			glog.Errorf("bucket %q: engine destroy: %v", h.Name, err)
		}
		if err := h.eng.Close(); err != nil {
			glog.Warningf("bucket %q: engine module close: %v", h.Name, err)
		}

		h.mu.Lock()
		h.state = StateStopped
		rc := h.refcount
		h.mu.Unlock()

		h.stats.Deletes.Inc()
		if rc == 0 {
			h.notifyZeroRefcount()
		}
	})
}

// WaitStopped blocks until refcount reaches zero after STOPPED, with the
// same one-second poll the original's teardown thread uses to re-check
// global shutdown; ctx cancellation unblocks the wait without altering
// bucket state.
func (h *Handle) WaitStopped(ctx context.Context) error {
	for {
		h.mu.Lock()
		if h.state == StateStopped && h.refcount == 0 {
			h.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		h.waiters = append(h.waiters, ch)
		h.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-time.After(time.Second):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fireDisconnect runs the registered disconnect callback. As documented
// on DisconnectCallback, the handle's lock is released before the
// callback runs so the callback may itself call back into the handle
// (e.g. to Release a reservation) without deadlocking; this means the
// callback can observe STOP_REQUESTED mid-teardown.
func (h *Handle) fireDisconnect(cookie interface{}) {
	h.mu.Lock()
	cb := h.onDisconnect
	h.mu.Unlock()
	if cb != nil {
		cb(cookie)
	}
}

// FireDisconnect is the exported entry point the host's connection-close
// path invokes.
func (h *Handle) FireDisconnect(cookie interface{}) { h.fireDisconnect(cookie) }
