package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/clustercache/moxicore/cmn"
)

// memEngine is a minimal in-process reference Engine backed by a map,
// registered under module path "mem" for bucket-lifecycle and proxy
// tests. It stands in for a real downstream cache engine: just enough to
// satisfy the Engine interface and exercise bucket and reservation
// lifecycles end to end.
type memEngine struct {
	mu    sync.Mutex
	items map[string]*Item
}

func init() {
	Register("mem", func(_ int, _ ServerAPI) (Engine, error) {
		return &memEngine{items: make(map[string]*Item)}, nil
	})
}

func (m *memEngine) Initialize(context.Context, string) error { return nil }

func (m *memEngine) Destroy(bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
	return nil
}

func (m *memEngine) Allocate(_ context.Context, _ interface{}, key string, nbytes int, flags uint32, exptime int64) (*Item, error) {
	return &Item{Key: key, Value: make([]byte, 0, nbytes), Flags: flags, Exptime: exptime}, nil
}

func (m *memEngine) Get(_ context.Context, _ interface{}, key string, _ uint16) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return nil, &cmn.ErrBucketNotFound{Name: key}
	}
	if it.Exptime != 0 && it.Exptime < time.Now().Unix() {
		delete(m.items, key)
		return nil, &cmn.ErrBucketNotFound{Name: key}
	}
	cp := *it
	return &cp, nil
}

func (m *memEngine) Store(_ context.Context, _ interface{}, it *Item, op StoreOp, _ uint16) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, exists := m.items[it.Key]
	switch op {
	case OpAdd:
		if exists {
			return 0, &cmn.ErrTransientCapacity{Reason: "key exists"}
		}
	case OpReplace:
		if !exists {
			return 0, &cmn.ErrBucketNotFound{Name: it.Key}
		}
	case OpAppend, OpPrepend:
		if !exists {
			return 0, &cmn.ErrBucketNotFound{Name: it.Key}
		}
		if op == OpAppend {
			it.Value = append(append([]byte{}, existing.Value...), it.Value...)
		} else {
			it.Value = append(append([]byte{}, it.Value...), existing.Value...)
		}
	}
	it.CAS++
	cp := *it
	m.items[it.Key] = &cp
	return cp.CAS, nil
}

func (m *memEngine) Remove(_ context.Context, _ interface{}, key string, _ uint64, _ uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		return &cmn.ErrBucketNotFound{Name: key}
	}
	delete(m.items, key)
	return nil
}

func (m *memEngine) Release(context.Context, interface{}, *Item) {}

func (m *memEngine) Arithmetic(_ context.Context, _ interface{}, key string, increment, create bool,
	delta, initial uint64, exptime int64, _ uint16) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		if !create {
			return 0, 0, &cmn.ErrBucketNotFound{Name: key}
		}
		it = &Item{Key: key, Exptime: exptime}
		m.items[key] = it
	}
	var cur uint64
	if ok {
		cur, _ = strconv.ParseUint(string(it.Value), 10, 64)
	} else {
		cur = initial
	}
	if increment {
		cur += delta
	} else if cur >= delta {
		cur -= delta
	} else {
		cur = 0
	}
	it.Value = []byte(strconv.FormatUint(cur, 10))
	it.CAS++
	return cur, it.CAS, nil
}

func (m *memEngine) Flush(_ context.Context, _ interface{}, when int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if when == 0 {
		m.items = make(map[string]*Item)
		return nil
	}
	cutoff := time.Unix(when, 0)
	for k, it := range m.items {
		if it.Exptime == 0 || time.Unix(it.Exptime, 0).Before(cutoff) {
			delete(m.items, k)
		}
	}
	return nil
}

func (m *memEngine) GetStats(_ context.Context, _ interface{}, _ string, emit func(key, val string)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	emit("curr_items", strconv.Itoa(len(m.items)))
	return nil
}

func (m *memEngine) ResetStats(context.Context, interface{}) {}

func (m *memEngine) AggregateStats(context.Context, interface{}, func(interface{})) {}

func (m *memEngine) UnknownCommand(context.Context, interface{}, uint8, []byte) ([]byte, error) {
	return nil, &cmn.ErrProtocol{Detail: "unknown command"}
}

func (m *memEngine) TapNotify(context.Context, interface{}, string) error { return nil }

func (m *memEngine) GetTapIterator(context.Context, interface{}, string, uint32) (TapIterator, error) {
	return emptyTap{}, nil
}

func (m *memEngine) ItemSetCAS(it *Item, cas uint64) { it.CAS = cas }

func (m *memEngine) GetItemInfo(it *Item) bool { return it != nil }

func (m *memEngine) ErrInfo(interface{}) string { return "" }

type emptyTap struct{}

func (emptyTap) Next(context.Context) (interface{}, bool, error) { return nil, false, nil }
