// Package cookie implements the per-connection context: a small
// structure the host stores behind a cookie, holding the current bucket
// handle, the engine's own opaque state, a reservation counter, and a
// disconnect-while-reserved flag.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package cookie

import (
	"sync"

	"github.com/clustercache/moxicore/bucket"
)

// Holder is the per-connection context. The bucket handle pointer, when
// non-nil, owns a reference inside the handle's refcount (acquired via
// Bind, released via OnDisconnect/Close). The reservation counter may be
// positive only while the handle is RUNNING or already shutting down but
// pinned by an outstanding async reservation.
type Holder struct {
	mu sync.Mutex

	handle   *bucket.Handle
	guard    *bucket.Guard
	engineOpaque interface{}
	reserved int
	notified bool // received ON_DISCONNECT while reserved
}

// New returns an empty holder, matching a freshly accepted connection
// with no bucket bound yet.
func New() *Holder { return &Holder{} }

// Bind acquires a reference on h and attaches it to the holder, releasing
// any previously bound handle first.
func (c *Holder) Bind(h *bucket.Handle) error {
	g, err := h.Acquire()
	if err != nil {
		return err
	}
	c.mu.Lock()
	prevGuard := c.guard
	c.handle = h
	c.guard = g
	c.mu.Unlock()
	if prevGuard != nil {
		prevGuard.Release()
	}
	return nil
}

// Bucket returns the currently bound handle, or nil.
func (c *Holder) Bucket() *bucket.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Reserve increments the reservation counter, pinning the connection for
// async engine work.
func (c *Holder) Reserve() {
	c.mu.Lock()
	c.reserved++
	c.mu.Unlock()
}

// Unreserve decrements the reservation counter. Returns true if this was
// the last outstanding reservation and a disconnect had been deferred,
// meaning the caller should now run the deferred disconnect handling.
func (c *Holder) Unreserve() (runDeferredDisconnect bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved > 0 {
		c.reserved--
	}
	if c.reserved == 0 && c.notified {
		c.notified = false
		return true
	}
	return false
}

// Reserved reports whether the connection is currently pinned by an
// outstanding async reservation.
func (c *Holder) Reserved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserved > 0
}

// OnDisconnect is invoked by the host when the physical connection
// closes. If a reservation is outstanding, the disconnect is deferred
// (the "notified" flag) until Unreserve drains to zero; otherwise the
// bucket's disconnect callback fires immediately and the bound handle is
// released.
func (c *Holder) OnDisconnect() {
	c.mu.Lock()
	if c.reserved > 0 {
		c.notified = true
		c.mu.Unlock()
		return
	}
	h, g := c.handle, c.guard
	c.handle, c.guard = nil, nil
	c.mu.Unlock()

	if h != nil {
		h.FireDisconnect(c)
	}
	if g != nil {
		g.Release()
	}
}

// EngineOpaque returns the underlying engine's own per-connection state.
func (c *Holder) EngineOpaque() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engineOpaque
}

// SetEngineOpaque stores the underlying engine's own per-connection state.
func (c *Holder) SetEngineOpaque(v interface{}) {
	c.mu.Lock()
	c.engineOpaque = v
	c.mu.Unlock()
}

// Close releases any bound handle reference; called once the connection
// is fully torn down and will never be reserved again.
func (c *Holder) Close() {
	c.mu.Lock()
	g := c.guard
	c.handle, c.guard = nil, nil
	c.mu.Unlock()
	if g != nil {
		g.Release()
	}
}
