package downstream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clustercache/moxicore/cmn"
	"github.com/clustercache/moxicore/frontcache"
	"github.com/clustercache/moxicore/route"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	closed  bool
}

func (c *fakeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), b...))
	return len(b), nil
}
func (c *fakeConn) Close() error       { c.closed = true; return nil }
func (c *fakeConn) State() ConnState   { return StateReading }
func (c *fakeConn) Uncork() error      { return nil }

type fakeUpstream struct {
	mu       sync.Mutex
	values   map[string][]byte
	lines    []string
	errs     []error
	unpaused int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{values: make(map[string][]byte)}
}
func (u *fakeUpstream) WriteValue(key string, value []byte, flags uint32, opaque uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.values[key] = value
	return nil
}
func (u *fakeUpstream) WriteLine(line string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lines = append(u.lines, line)
	return nil
}
func (u *fakeUpstream) WriteError(err error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errs = append(u.errs, err)
	return nil
}
func (u *fakeUpstream) Unpause() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unpaused++
}

func newTestConnSet(servers []string) *ConnSet {
	rt := route.NewKetamaTable(servers, nil)
	behavior := cmn.BehaviorPool{Base: cmn.DefaultBehavior()}
	dial := func(ctx context.Context, server string, b cmn.Behavior) (Conn, error) {
		return &fakeConn{}, nil
	}
	return NewConnSet(rt, behavior, dial)
}

func TestDispatchSingleKeyFrontCacheHit(t *testing.T) {
	servers := []string{"a:11211", "b:11211"}
	cs := newTestConnSet(servers)
	sel := route.NewSelector(route.NewKetamaTable(servers, nil))
	fc := frontcache.Start(10)
	now := time.Now()
	fc.Set(frontcache.Item{Key: "hot", Value: []byte("cached"), InsertedAt: now}, false)

	stats := &Stats{}
	r := New(cs, "default", 1, sel, fc, nil, nil, nil, 2, stats)
	u := newFakeUpstream()
	r.Bind(u, Command{Kind: KindSingleKey, Keys: []string{"hot"}, Opaque: 7}, time.Second)

	if err := r.Dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if string(u.values["hot"]) != "cached" {
		t.Fatalf("expected front-cache hit to serve 'cached', got %v", u.values)
	}
	if u.unpaused != 1 {
		t.Fatalf("expected upstream unpaused once, got %d", u.unpaused)
	}
}

func TestDispatchMultigetDedupeAndCollect(t *testing.T) {
	servers := []string{"a:11211"}
	cs := newTestConnSet(servers)
	sel := route.NewSelector(route.NewKetamaTable(servers, nil))
	stats := &Stats{}
	r := New(cs, "default", 1, sel, nil, nil, nil, nil, 2, stats)
	u := newFakeUpstream()

	r.Bind(u, Command{Kind: KindMultiKey, Keys: []string{"A", "B", "A"}, Opaque: 1}, time.Second)
	if err := r.Dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.TotMultigetKeysDedupe != 1 {
		t.Fatalf("expected 1 dedupe, got %d", stats.TotMultigetKeysDedupe)
	}

	r.OnDownstreamValue("A", []byte("va"), 0)
	r.OnDownstreamValue("B", []byte("vb"), 0)

	u.mu.Lock()
	defer u.mu.Unlock()
	if string(u.values["A"]) != "va" || string(u.values["B"]) != "vb" {
		t.Fatalf("expected both keys delivered, got %v", u.values)
	}
	if u.unpaused != 1 {
		t.Fatalf("expected single unpause after downstream_used reaches zero, got %d", u.unpaused)
	}
}

func TestRetryNotMyVBucketReDispatchesOutstandingOnly(t *testing.T) {
	servers := []string{"a:11211", "b:11211"}
	owners := [][]int{{0, 1}}
	cs := newTestConnSet(servers)
	sel := route.NewSelector(route.NewVBucketTable(servers, owners))
	stats := &Stats{}
	r := New(cs, "default", 1, sel, nil, nil, nil, nil, 2, stats)
	u := newFakeUpstream()

	r.Bind(u, Command{Kind: KindMultiKey, Keys: []string{"A", "B"}}, time.Second)
	if err := r.Dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	r.OnDownstreamValue("A", []byte("va"), 0)

	retried := r.RetryNotMyVBucket(context.Background(), 0, 0)
	if !retried {
		t.Fatal("expected retry to be accepted under max_retries")
	}
	if stats.TotRetry != 1 || stats.TotRetryVBucket != 1 {
		t.Fatalf("expected retry stats incremented, got %+v", stats)
	}
	if r.RetryCount() != 1 {
		t.Fatalf("expected retry count 1, got %d", r.RetryCount())
	}

	// Server 0 is invalidated for vbucket 0, so the retry goes to server 1
	// and must carry only the still-outstanding key B.
	retryConn, ok := cs.slots[1].conn.(*fakeConn)
	if !ok {
		t.Fatal("expected the retry to open a connection to server 1")
	}
	retryConn.mu.Lock()
	defer retryConn.mu.Unlock()
	if len(retryConn.writes) != 1 || string(retryConn.writes[0]) != "get B\r\n" {
		t.Fatalf("expected only outstanding key B re-dispatched, got %q", retryConn.writes)
	}
}

func TestSetOptimizationRepliesImmediately(t *testing.T) {
	servers := []string{"a:11211"}
	cs := newTestConnSet(servers)
	sel := route.NewSelector(route.NewKetamaTable(servers, nil))
	optimize := frontcache.NewMatcher([]string{"session:"})
	stats := &Stats{}
	r := New(cs, "default", 1, sel, nil, nil, nil, optimize, 2, stats)
	u := newFakeUpstream()

	r.Bind(u, Command{Kind: KindItemCarrying, Item: &frontcache.Item{Key: "session:1", Value: []byte("v")}}, time.Second)
	if err := r.Dispatch(context.Background()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.lines) != 1 || u.lines[0] != "STORED\r\n" {
		t.Fatalf("expected immediate STORED reply, got %v", u.lines)
	}
	if stats.TotOptimizeSets != 1 {
		t.Fatalf("expected optimize-set stat incremented, got %d", stats.TotOptimizeSets)
	}
}

func TestResetClearsPerOperationState(t *testing.T) {
	servers := []string{"a:11211"}
	cs := newTestConnSet(servers)
	sel := route.NewSelector(route.NewKetamaTable(servers, nil))
	stats := &Stats{}
	r := New(cs, "default", 1, sel, nil, nil, nil, nil, 2, stats)
	u := newFakeUpstream()
	r.Bind(u, Command{Kind: KindSingleKey, Keys: []string{"k"}}, time.Second)
	r.retryCount = 2

	r.Reset()

	if r.RetryCount() != 0 {
		t.Fatalf("expected retry count reset to 0, got %d", r.RetryCount())
	}
	if r.MatchesVersion(1) != true {
		t.Fatalf("expected config version to survive reset")
	}
}
