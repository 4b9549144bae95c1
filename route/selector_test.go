package route

import "testing"

func TestKetamaSelectIsDeterministic(t *testing.T) {
	tbl := NewKetamaTable([]string{"a:1", "b:1", "c:1"}, nil)
	sel := NewSelector(tbl)

	first, err := sel.Select([]byte("user:42"))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	second, err := sel.Select([]byte("user:42"))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if first.ServerIndex != second.ServerIndex {
		t.Fatalf("ketama selection not stable for same key: %d vs %d", first.ServerIndex, second.ServerIndex)
	}
	if first.VBucket != -1 {
		t.Fatalf("ketama selection should report vbucket=-1, got %d", first.VBucket)
	}
}

func TestVBucketInvalidationExcludesServer(t *testing.T) {
	// Two vbuckets; vbucket 0 owned by server 0 with server 1 as replica.
	owners := [][]int{{0, 1}, {1, 0}}
	tbl := NewVBucketTable([]string{"s0:1", "s1:1"}, owners)
	sel := NewSelector(tbl)

	// Whichever vbucket the key hashes to has two distinct owners, so
	// invalidating the server the first selection returns must route the
	// second selection to the other one.
	key := []byte("order:7")
	first, err := sel.Select(key)
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	sel.Invalidate(first.ServerIndex, first.VBucket)

	second, err := sel.Select(key)
	if err != nil {
		t.Fatalf("select after invalidate: %v", err)
	}
	if second.ServerIndex == first.ServerIndex {
		t.Fatalf("expected invalidation to route away from server %d, still got it", first.ServerIndex)
	}
}

func TestSwapResetsInvalidation(t *testing.T) {
	owners := [][]int{{0, 1}}
	tbl := NewVBucketTable([]string{"s0:1", "s1:1"}, owners)
	sel := NewSelector(tbl)

	key := []byte("k")
	first, _ := sel.Select(key)
	sel.Invalidate(first.ServerIndex, first.VBucket)

	// A fresh table for the same mapping: invalidation must not carry
	// over.
	sel.Swap(NewVBucketTable([]string{"s0:1", "s1:1"}, owners))
	after, err := sel.Select(key)
	if err != nil {
		t.Fatalf("select after swap: %v", err)
	}
	if after.ServerIndex != first.ServerIndex {
		t.Fatalf("swap should reset invalidation, got different server %d vs %d", after.ServerIndex, first.ServerIndex)
	}
}
