// Package engine defines the host-engine interface consumed by the
// bucket core: the capability set a cache engine exposes, represented as
// a Go interface resolved by module path through a registered factory.
// An io.Closer wraps the constructed handle so releasing it is RAII
// rather than an explicit teardown call from every call site.
/*
 * Copyright (c) 2024, ClusterCache. All rights reserved.
 */
package engine

import (
	"context"
	"io"
)

// Item is the opaque value type the engine allocates, stores, and returns.
// The core never inspects its contents; it only manages its lifetime via
// Release.
type Item struct {
	Key     string
	Value   []byte
	Flags   uint32
	CAS     uint64
	Exptime int64 // unix seconds, 0 = never
}

// StoreOp mirrors ENGINE_STORE_OPERATION: the mutation kind requested of
// Store.
type StoreOp int

const (
	OpSet StoreOp = iota
	OpAdd
	OpReplace
	OpAppend
	OpPrepend
	OpCAS
)

// Stats is a flat string-keyed snapshot, the Go analogue of the
// ADD_STAT callback pattern: the engine is asked to add_stat(key, val) for
// each line instead of returning a pre-built map, but since Go has no
// callback-into-C-ABI boundary to cross, the core instead hands the
// engine a callback closure to call per-line when emitting, which is
// what GetStats below does.
type Stats map[string]string

// Protocol version passed to factories, matching "interface version 1" in
// the original create_instance(uint64_t interface, ...) contract.
const ProtocolVersion1 = 1

// ServerAPI is the reduced server-API accessor handed to a factory at
// construction: cookie reservation/notification, callback registration,
// and config parsing. The bucket core implements this; an engine never
// talks to the host server directly.
type ServerAPI interface {
	// Reserve pins the connection behind cookie so it survives across
	// asynchronous engine work; Release undoes it.
	Reserve(cookie interface{}) error
	Release(cookie interface{}) error
	// NotifyIOComplete resumes a connection previously parked by the
	// engine for async I/O.
	NotifyIOComplete(cookie interface{}, err error)
	// RegisterCallback subscribes the engine to a named host event.
	// moxicore itself never calls it: disconnects reach a bucket through
	// bucket.Handle.SetDisconnectCallback, fired by cookie.Holder.
	RegisterCallback(event string, fn func(cookie interface{}))
	// ParseConfig validates a raw config string against a schema and
	// returns structured diagnostics on failure.
	ParseConfig(spec, schema string) (diagnostics string, err error)
}

// Engine is the per-bucket operation surface a cache engine implements;
// the core only ever holds it behind this interface.
type Engine interface {
	Initialize(ctx context.Context, configStr string) error
	// Destroy tears the engine down; force skips any graceful drain.
	Destroy(force bool) error

	Allocate(ctx context.Context, cookie interface{}, key string, nbytes int, flags uint32, exptime int64) (*Item, error)
	Get(ctx context.Context, cookie interface{}, key string, vbucket uint16) (*Item, error)
	Store(ctx context.Context, cookie interface{}, it *Item, op StoreOp, vbucket uint16) (cas uint64, err error)
	Remove(ctx context.Context, cookie interface{}, key string, cas uint64, vbucket uint16) error
	Release(ctx context.Context, cookie interface{}, it *Item)
	Arithmetic(ctx context.Context, cookie interface{}, key string, increment bool, create bool,
		delta, initial uint64, exptime int64, vbucket uint16) (result uint64, cas uint64, err error)
	Flush(ctx context.Context, cookie interface{}, when int64) error

	GetStats(ctx context.Context, cookie interface{}, statKey string, emit func(key, val string)) error
	ResetStats(ctx context.Context, cookie interface{})
	AggregateStats(ctx context.Context, cookie interface{}, callback func(partial interface{}))

	UnknownCommand(ctx context.Context, cookie interface{}, opcode uint8, body []byte) ([]byte, error)
	TapNotify(ctx context.Context, cookie interface{}, event string) error
	GetTapIterator(ctx context.Context, cookie interface{}, client string, flags uint32) (TapIterator, error)

	ItemSetCAS(it *Item, cas uint64)
	GetItemInfo(it *Item) (exists bool)
	ErrInfo(cookie interface{}) string
}

// TapIterator mirrors TAP_ITERATOR: repeated calls produce the next
// replication event until exhausted.
type TapIterator interface {
	Next(ctx context.Context) (event interface{}, ok bool, err error)
}

// Factory constructs an Engine given the protocol version and a
// ServerAPI.
type Factory func(protocolVersion int, api ServerAPI) (Engine, error)

// Handle owns both the loaded module (an io.Closer, possibly a no-op for
// in-process engines) and the constructed Engine; both are released
// together when the owning bucket is freed.
type Handle struct {
	Engine Engine
	closer io.Closer
}

func (h *Handle) Close() error {
	if h.closer != nil {
		return h.closer.Close()
	}
	return nil
}

var registry = map[string]Factory{}

// Register binds a module path to a factory. In-process engines register
// themselves here instead of being resolved from a shared object on
// disk.
func Register(modulePath string, f Factory) {
	registry[modulePath] = f
}

// Load resolves modulePath's factory and constructs an engine bound to
// api, returning an owning Handle. Loading is expected to be serialized by
// a caller-held lock (the registry's dedicated load lock) so two
// concurrent creates of the same module path never race inside the
// factory.
func Load(modulePath string, api ServerAPI) (*Handle, error) {
	f, ok := registry[modulePath]
	if !ok {
		return nil, &ErrUnknownModule{Path: modulePath}
	}
	eng, err := f(ProtocolVersion1, api)
	if err != nil {
		return nil, err
	}
	return &Handle{Engine: eng}, nil
}

// ErrUnknownModule is returned when no factory is registered for a
// requested module path.
type ErrUnknownModule struct{ Path string }

func (e *ErrUnknownModule) Error() string { return "engine: unknown module path " + e.Path }
