package ptd

import (
	"context"
	"testing"
	"time"

	"github.com/clustercache/moxicore/cmn"
	"github.com/clustercache/moxicore/downstream"
	"github.com/clustercache/moxicore/route"
)

type fakeConn struct{}

func (fakeConn) Write(b []byte) (int, error)   { return len(b), nil }
func (fakeConn) Close() error                  { return nil }
func (fakeConn) State() downstream.ConnState   { return downstream.StateReading }
func (fakeConn) Uncork() error                 { return nil }

type fakeUpstream struct {
	errs     []error
	unpaused int
}

func (u *fakeUpstream) WriteValue(string, []byte, uint32, uint32) error { return nil }
func (u *fakeUpstream) WriteLine(string) error                          { return nil }
func (u *fakeUpstream) WriteError(err error) error                      { u.errs = append(u.errs, err); return nil }
func (u *fakeUpstream) Unpause()                                        { u.unpaused++ }

func newTestPTD(t *testing.T, downstreamMax int) *PTD {
	servers := []string{"a:11211"}
	rt := route.NewKetamaTable(servers, nil)
	sel := route.NewSelector(rt)
	behavior := cmn.BehaviorPool{Base: cmn.Behavior{DownstreamMax: downstreamMax, MaxRetries: 2}}
	cs := downstream.NewConnSet(rt, behavior, func(ctx context.Context, s string, b cmn.Behavior) (downstream.Conn, error) {
		return fakeConn{}, nil
	})
	return New("default", 1, behavior, cs, sel)
}

func TestAcquireReusesReleased(t *testing.T) {
	p := newTestPTD(t, 4)
	u := &fakeUpstream{}
	r1, err := p.Acquire(context.Background(), u, downstream.Command{Kind: downstream.KindSingleKey, Keys: []string{"k"}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(r1)
	if p.ReleasedCount() != 1 {
		t.Fatalf("expected 1 released, got %d", p.ReleasedCount())
	}

	r2, err := p.Acquire(context.Background(), u, downstream.Command{Kind: downstream.KindSingleKey, Keys: []string{"k2"}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if r1 != r2 {
		t.Fatal("expected the released reservation to be reused")
	}
	if p.ReleasedCount() != 0 {
		t.Fatalf("expected 0 released after reuse, got %d", p.ReleasedCount())
	}
}

func TestAcquireDropsVersionMismatchedReleased(t *testing.T) {
	p := newTestPTD(t, 4)
	u := &fakeUpstream{}
	r1, _ := p.Acquire(context.Background(), u, downstream.Command{Kind: downstream.KindSingleKey, Keys: []string{"k"}})
	p.Release(r1)

	p.SetConfigVersion(2)
	r2, err := p.Acquire(context.Background(), u, downstream.Command{Kind: downstream.KindSingleKey, Keys: []string{"k2"}})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if r1 == r2 {
		t.Fatal("expected a fresh reservation after config version bump, not the stale released one")
	}
}

func TestAcquireAtCapacityReturnsWaitQueueTimeout(t *testing.T) {
	p := newTestPTD(t, 1)
	p.WaitQueueTimeout = 50 * time.Millisecond
	u := &fakeUpstream{}
	if _, err := p.Acquire(context.Background(), u, downstream.Command{Kind: downstream.KindSingleKey, Keys: []string{"k"}}); err != nil {
		t.Fatalf("first acquire should succeed, got %v", err)
	}
	if _, err := p.Acquire(context.Background(), u, downstream.Command{Kind: downstream.KindSingleKey, Keys: []string{"k2"}}); err == nil {
		t.Fatal("expected second acquire at capacity to queue and return a timeout-kind error")
	}
	if p.WaitQueueLen() != 1 {
		t.Fatalf("expected 1 queued waiter, got %d", p.WaitQueueLen())
	}
}

func TestExpireWaitersNotifiesTimeout(t *testing.T) {
	p := newTestPTD(t, 1)
	p.WaitQueueTimeout = 10 * time.Millisecond
	u1 := &fakeUpstream{}
	u2 := &fakeUpstream{}
	p.Acquire(context.Background(), u1, downstream.Command{Kind: downstream.KindSingleKey, Keys: []string{"k"}})
	p.Acquire(context.Background(), u2, downstream.Command{Kind: downstream.KindSingleKey, Keys: []string{"k2"}})

	expired := p.ExpireWaiters(time.Now().Add(20 * time.Millisecond))
	if expired != 1 {
		t.Fatalf("expected 1 waiter expired, got %d", expired)
	}
	if u2.unpaused != 1 || len(u2.errs) != 1 {
		t.Fatalf("expected waiter to be unpaused with a timeout error, got unpaused=%d errs=%v", u2.unpaused, u2.errs)
	}
}
