package pool

import (
	"context"
	"testing"

	"github.com/clustercache/moxicore/cmn"
	"github.com/clustercache/moxicore/downstream"
)

type fakeConn struct{}

func (fakeConn) Write(b []byte) (int, error) { return len(b), nil }
func (fakeConn) Close() error                { return nil }
func (fakeConn) State() downstream.ConnState { return downstream.StateReading }
func (fakeConn) Uncork() error                { return nil }

func dial(ctx context.Context, server string, b cmn.Behavior) (downstream.Conn, error) {
	return fakeConn{}, nil
}

func TestUpdateBumpsVersionAndBuildsSelector(t *testing.T) {
	p := New(11211, "default")
	spec := &cmn.PoolSpec{
		Name:        "default",
		NodeLocator: cmn.LocatorKetama,
		Nodes: []cmn.ServerNode{
			{Hostname: "h1", Port: 11211, Weight: 1},
			{Hostname: "h2", Port: 11211, Weight: 1, Status: "unhealthy"},
		},
		Behavior: cmn.DefaultBehavior(),
	}
	p.Update(spec, 1)

	if p.ConfigVersion() != 1 {
		t.Fatalf("expected version 1, got %d", p.ConfigVersion())
	}
	sel := p.Selector()
	if sel == nil {
		t.Fatal("expected selector to be built")
	}
	if got := len(sel.Table().Servers); got != 1 {
		t.Fatalf("expected unhealthy node filtered out, got %d servers", got)
	}
}

func TestUpdateNilRetiresPool(t *testing.T) {
	p := New(11211, "default")
	p.Update(&cmn.PoolSpec{NodeLocator: cmn.LocatorKetama, Behavior: cmn.DefaultBehavior()}, 1)
	if p.Retired() {
		t.Fatal("expected pool to be live after first update")
	}
	p.Update(nil, 2)
	if !p.Retired() {
		t.Fatal("expected pool to be retired after nil update")
	}
	if p.Spec() != nil {
		t.Fatal("expected nil spec after retirement")
	}
}

func TestMainGetOrCreateIsIdempotent(t *testing.T) {
	m := NewMain()
	p1 := m.GetOrCreate(11211, "default")
	p2 := m.GetOrCreate(11211, "default")
	if p1 != p2 {
		t.Fatal("expected GetOrCreate to return the same pool on repeat calls")
	}
	if len(m.List()) != 1 {
		t.Fatalf("expected 1 pool registered, got %d", len(m.List()))
	}
}

func TestNewConnSetUsesPoolTopology(t *testing.T) {
	p := New(11211, "default")
	p.Update(&cmn.PoolSpec{
		NodeLocator: cmn.LocatorKetama,
		Nodes:       []cmn.ServerNode{{Hostname: "h1", Port: 11211, Weight: 1}},
		Behavior:    cmn.DefaultBehavior(),
	}, 1)

	cs := NewConnSet(p, dial)
	if cs.NumServers() != 1 {
		t.Fatalf("expected 1 server in conn set, got %d", cs.NumServers())
	}
}
