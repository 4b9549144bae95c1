// Package cmn provides common constants, types, and error kinds shared by
// every moxicore package: the bucket engine, the proxy core, and the
// reconfiguration pipeline.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds: errors never cross pool boundaries, and a caller
// dispatches on kind (via errors.As), not on message text.
type (
	// ErrTransientCapacity covers OOM, a full wait queue, or a connect-error
	// cap being hit. Callers increment a counter, reply with a
	// protocol-appropriate temporary error, and close only the implicated
	// connection.
	ErrTransientCapacity struct {
		Reason string
	}

	// ErrRouting wraps a not-my-vbucket response. Callers invalidate the
	// (server, vbucket) pair and retry up to max_retries before surfacing
	// this to the upstream.
	ErrRouting struct {
		Server  int
		VBucket int
	}

	// ErrAuth covers SASL or bucket-select failure against a downstream.
	ErrAuth struct {
		Host   string
		Reason string
	}

	// ErrTimeout covers wait-queue, connect, auth, and downstream timers.
	ErrTimeout struct {
		Kind string // "wait_queue" | "connect" | "auth" | "downstream"
	}

	// ErrProtocol covers a malformed ASCII line or binary frame. The
	// implicated connection is closed after the error reply is emitted.
	ErrProtocol struct {
		Detail string
	}

	// ErrBucketExists carries the existing bucket's state name: a
	// duplicate name on create produces a specific, inspectable error.
	ErrBucketExists struct {
		Name  string
		State string
	}

	// ErrBucketNotFound is returned by lookup/delete for an absent or
	// non-RUNNING bucket name.
	ErrBucketNotFound struct {
		Name string
	}

	// ErrInvalidBucketName flags a name that fails the
	// `[A-Za-z0-9._%\-]+` pattern required by the registry.
	ErrInvalidBucketName struct {
		Name string
	}
)

func (e *ErrTransientCapacity) Error() string {
	return fmt.Sprintf("transient capacity error: %s", e.Reason)
}

func (e *ErrRouting) Error() string {
	return fmt.Sprintf("not-my-vbucket: server=%d vbucket=%d", e.Server, e.VBucket)
}

func (e *ErrAuth) Error() string {
	return fmt.Sprintf("auth failed against %s: %s", e.Host, e.Reason)
}

func (e *ErrTimeout) Error() string { return fmt.Sprintf("%s timeout", e.Kind) }

func (e *ErrProtocol) Error() string { return fmt.Sprintf("protocol error: %s", e.Detail) }

func (e *ErrBucketExists) Error() string {
	return fmt.Sprintf("bucket %q already exists (state=%s)", e.Name, e.State)
}

func (e *ErrBucketNotFound) Error() string {
	return fmt.Sprintf("bucket %q not found", e.Name)
}

func (e *ErrInvalidBucketName) Error() string {
	return fmt.Sprintf("invalid bucket name %q", e.Name)
}

// Wrap adds call-site context to an error while preserving its kind for a
// later errors.As at a higher layer (e.g. the admin-opcode handler deciding
// which wire-level status to emit).
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Assert aborts the process on an invariant violation. Used only where
// recovery is genuinely impossible — never for expected,
// caller-recoverable failures.
func Assert(cond bool, msg string) {
	if !cond {
		panic("moxicore invariant violated: " + msg)
	}
}
