package dht

import (
	"crypto/rand"
	"math/big"
	"net"
	"testing"
	"time"
)

func randomNodeAt(t *testing.T, distanceBit int, target Id, ip string) *Node {
	t.Helper()
	id := target
	if distanceBit >= 0 {
		id[distanceBit/8] ^= 1 << uint(7-distanceBit%8)
	}
	return NewNode(id, &net.UDPAddr{IP: net.ParseIP(ip), Port: 6881}, time.Unix(0, 0))
}

func TestClosestNodesInsertOrdersByDistance(t *testing.T) {
	target, _ := RandomID(rand.Reader)
	set := NewClosestNodes(target, 3)

	far := randomNodeAt(t, 0, target, "1.1.1.1")
	near := randomNodeAt(t, 159, target, "2.2.2.2")
	mid := randomNodeAt(t, 80, target, "3.3.3.3")

	set.Insert(far)
	set.Insert(near)
	set.Insert(mid)

	nodes := set.Nodes()
	if len(nodes) != 3 {
		t.Fatalf("got %d nodes, want 3", len(nodes))
	}
	if nodes[0] != near || nodes[1] != mid || nodes[2] != far {
		t.Errorf("nodes not ordered nearest-first: %v", nodes)
	}
}

func TestClosestNodesRespectsLimit(t *testing.T) {
	target, _ := RandomID(rand.Reader)
	set := NewClosestNodes(target, 2)

	for i := 0; i < 160; i += 10 {
		set.Insert(randomNodeAt(t, i, target, "10.0.0.1"))
	}
	if set.Len() > 2 {
		t.Errorf("set grew past its limit: len=%d", set.Len())
	}
	if !set.Full() {
		t.Errorf("expected set to be full")
	}
}

func TestClosestNodesDedups(t *testing.T) {
	target, _ := RandomID(rand.Reader)
	set := NewClosestNodes(target, 5)
	n := randomNodeAt(t, 20, target, "10.0.0.1")
	set.Insert(n)
	set.Insert(n)
	if set.Len() != 1 {
		t.Errorf("inserting the same node twice should not grow the set, got len=%d", set.Len())
	}
}

func TestDHTSizeEstimateGrowsWithDistance(t *testing.T) {
	target, _ := RandomID(rand.Reader)

	tight := NewClosestNodes(target, 4)
	for i := 150; i < 160; i += 3 {
		tight.Insert(randomNodeAt(t, i, target, "10.0.0.1"))
	}

	spread := NewClosestNodes(target, 4)
	for i := 0; i < 40; i += 10 {
		spread.Insert(randomNodeAt(t, i, target, "10.0.0.1"))
	}

	if tight.DHTSizeEstimate() <= spread.DHTSizeEstimate() {
		t.Errorf("a set of nearby nodes should yield a larger size estimate than one of far nodes: tight=%v spread=%v",
			tight.DHTSizeEstimate(), spread.DHTSizeEstimate())
	}
}

func TestSubnetsCount(t *testing.T) {
	target, _ := RandomID(rand.Reader)
	set := NewClosestNodes(target, 5)
	set.Insert(randomNodeAt(t, 10, target, "10.0.0.1"))
	set.Insert(randomNodeAt(t, 20, target, "10.0.0.2")) // same /24-ish subnet6
	set.Insert(randomNodeAt(t, 30, target, "20.0.0.1"))

	if got := set.SubnetsCount(); got != 2 {
		t.Errorf("SubnetsCount() = %d, want 2", got)
	}
}

func TestCoverageFractionMonotonic(t *testing.T) {
	target, _ := RandomID(rand.Reader)
	near := randomNodeAt(t, 159, target, "1.2.3.4")
	far := randomNodeAt(t, 0, target, "1.2.3.4")

	if coverageFraction(target, near.ID) >= coverageFraction(target, far.ID) {
		t.Errorf("a farther id should cover a larger fraction of the id space")
	}
}

func TestIdSpaceConstant(t *testing.T) {
	want := new(big.Int).Lsh(big.NewInt(1), IDLength*8)
	got, _ := idSpace.Int(nil)
	if got.Cmp(want) != 0 {
		t.Errorf("idSpace = %v, want 2^%d", got, IDLength*8)
	}
}
