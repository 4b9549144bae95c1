package multiget

import "testing"

// "get A B A C A" should forward "get A B C" downstream, and a response
// for A and C (not B) should fan back to the single upstream exactly
// once each.
func TestDedupeScenario(t *testing.T) {
	m := New()
	up := "conn-1"

	keys := []string{"A", "B", "A", "C", "A"}
	var forwarded []string
	for _, k := range keys {
		if first := m.Add(k, up, 0); first {
			forwarded = append(forwarded, k)
		}
	}

	if got := forwarded; len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Fatalf("expected forward of [A B C], got %v", got)
	}
	if m.DedupeCount() != 2 {
		t.Fatalf("expected dedupe count 2, got %d", m.DedupeCount())
	}

	var delivered []string
	m.Deliver("A", func(u Upstream, _ uint32) { delivered = append(delivered, "A") })
	m.Deliver("C", func(u Upstream, _ uint32) { delivered = append(delivered, "C") })

	if len(delivered) != 2 {
		t.Fatalf("expected exactly one VALUE each for A and C, got %v", delivered)
	}

	misses := m.MissCounts()
	if misses[up] != 1 {
		t.Fatalf("expected B to count as exactly one miss, got %v", misses)
	}
}

func TestOutstandingKeysFiltersSatisfied(t *testing.T) {
	m := New()
	up := "conn-1"
	m.Add("A", up, 0)
	m.Add("B", up, 0)
	m.Deliver("A", func(Upstream, uint32) {})

	out := m.OutstandingKeys()
	if len(out) != 1 || out[0] != "B" {
		t.Fatalf("expected only B outstanding, got %v", out)
	}
}

func TestRemoveUpstreamStopsFurtherDelivery(t *testing.T) {
	m := New()
	up := "conn-1"
	m.Add("A", up, 0)
	m.RemoveUpstream(up)

	var delivered bool
	m.Deliver("A", func(Upstream, uint32) { delivered = true })
	if delivered {
		t.Fatal("expected no delivery after RemoveUpstream")
	}
}
