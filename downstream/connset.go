// Package downstream implements the downstream connection set and the
// downstream reservation: the per-(pool,worker) connection pool to
// downstream memcached servers, and the transient pairing of one
// upstream request with a reserved set of those connections.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package downstream

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/clustercache/moxicore/cmn"
	"github.com/clustercache/moxicore/route"
)

// ConnState mirrors the host connection's state machine as far as the
// connection set needs to know it.
type ConnState int

const (
	StatePaused ConnState = iota
	StateReading
	StateWriting
	StateClosing
)

// Conn is the host-provided downstream socket abstraction: the command
// parser, event loop, and socket read/write state machine live on the
// host side. moxicore depends only on this narrow interface.
type Conn interface {
	Write(b []byte) (int, error)
	Close() error
	State() ConnState
	// Uncork flushes any quiet binary requests accumulated on this
	// connection immediately, preserving submission order, before the
	// next verbal operation is written.
	Uncork() error
}

// Dialer connects, authenticates (SASL), and selects a bucket against one
// server, returning a ready-to-use Conn. Connect is not considered
// complete until auth and bucket-select (when configured) both succeed.
type Dialer func(ctx context.Context, server string, behavior cmn.Behavior) (Conn, error)

// slotState distinguishes the three values a ConnSet slot can hold.
type slotState int

const (
	slotAbsent slotState = iota
	slotUnavailable
	slotLive
)

type slot struct {
	mu             sync.Mutex
	state          slotState
	conn           Conn
	consecutiveErr int
	suppressedTill time.Time
}

// ConnSet owns exactly one slot per server in the routing table.
type ConnSet struct {
	Route    *route.Table
	Behavior cmn.BehaviorPool
	dial     Dialer

	slots []slot
}

// NewConnSet sizes the slot array to the pool's server count.
func NewConnSet(rt *route.Table, behavior cmn.BehaviorPool, dial Dialer) *ConnSet {
	return &ConnSet{
		Route:    rt,
		Behavior: behavior,
		dial:     dial,
		slots:    make([]slot, len(rt.Servers)),
	}
}

func (cs *ConnSet) behaviorFor(i int) cmn.Behavior {
	if i < len(cs.Behavior.Servers) {
		return cs.Behavior.Servers[i]
	}
	return cs.Behavior.Base
}

// Acquire returns a live connection for server index i, connecting on
// demand. If the per-pool connect_max_errors cap was hit recently, new
// attempts are suppressed for connect_retry_interval and the sentinel
// "unavailable" state is returned as an error instead of dialing again.
func (cs *ConnSet) Acquire(ctx context.Context, i int) (Conn, error) {
	if i < 0 || i >= len(cs.slots) {
		return nil, &cmn.ErrRouting{Server: i}
	}
	s := &cs.slots[i]

	s.mu.Lock()
	if s.state == slotLive && s.conn != nil && s.conn.State() != StateClosing {
		c := s.conn
		s.mu.Unlock()
		return c, nil
	}
	if s.state == slotUnavailable && time.Now().Before(s.suppressedTill) {
		s.mu.Unlock()
		return nil, &cmn.ErrTransientCapacity{Reason: "downstream connect suppressed after repeated failures"}
	}
	behavior := cs.behaviorFor(i)
	s.mu.Unlock()

	conn, err := cs.dial(ctx, cs.Route.Servers[i], behavior)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.consecutiveErr++
		maxErrs := behavior.ConnectMaxErrors
		if maxErrs <= 0 {
			maxErrs = 3
		}
		if s.consecutiveErr >= maxErrs {
			s.state = slotUnavailable
			retry := behavior.ConnectRetryMsec
			if retry <= 0 {
				retry = 30 * time.Second
			}
			s.suppressedTill = time.Now().Add(retry)
			glog.Warningf("downstream %s: suppressing reconnect for %s after %d consecutive errors",
				cs.Route.Servers[i], retry, s.consecutiveErr)
		}
		return nil, cmn.Wrap(err, "connect to downstream %s", cs.Route.Servers[i])
	}

	s.consecutiveErr = 0
	s.state = slotLive
	s.conn = conn
	return conn, nil
}

// MarkClosed transitions slot i back to absent after a connection fails
// mid-operation or is explicitly closed: the next reservation will
// attempt reconnect subject to the retry interval.
func (cs *ConnSet) MarkClosed(i int) {
	if i < 0 || i >= len(cs.slots) {
		return
	}
	s := &cs.slots[i]
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = nil
	if s.state != slotUnavailable {
		s.state = slotAbsent
	}
	s.mu.Unlock()
}

// NumServers reports the slot count.
func (cs *ConnSet) NumServers() int { return len(cs.slots) }

// Uncork flushes any corked quiet ops on slot i before the next verbal
// write.
func (cs *ConnSet) Uncork(i int) error {
	if i < 0 || i >= len(cs.slots) {
		return nil
	}
	s := &cs.slots[i]
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Uncork()
}
