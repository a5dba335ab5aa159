package dht

import (
	"net"
	"sync"
	"time"

	"github.com/mainline-go/dht/internal/netutil"
)

const (
	// K is the Kademlia bucket size (spec.md §3).
	K = 20

	maxReplacements = 10

	// bucketIPLimit caps how many entries in one bucket may share a /24,
	// the same sybil-resistance rule internal/netutil applies elsewhere.
	bucketIPLimit, bucketIPSubnet = 4, 24

	// maxBucketSplitDepth stops the table from splitting past every bit
	// of the id space being distinguished.
	maxBucketSplitDepth = IDLength * 8
)

// bucket holds up to K live entries, plus a replacement list used when
// the bucket is full and not eligible to split.
type bucket struct {
	entries      []*Node
	replacements []*Node
	ips          netutil.DistinctNetSet
}

func newBucket() *bucket {
	return &bucket{ips: netutil.DistinctNetSet{Subnet: bucketIPSubnet, Limit: bucketIPLimit}}
}

func (b *bucket) indexOf(id Id) int {
	for i, n := range b.entries {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// RoutingTable is a Kademlia k-bucket table keyed by common-prefix
// length to the local id (spec.md §4.3). It starts as a single bucket
// covering the whole id space and splits the bucket holding the local id
// as it fills: a full bucket other than the one being split is left
// alone and the candidate is either parked on its replacement list or
// dropped, so a responsive node is never evicted to make room.
type RoutingTable struct {
	mu      sync.Mutex
	localID Id
	buckets []*bucket
}

// NewRoutingTable creates an empty routing table for localID.
func NewRoutingTable(localID Id) *RoutingTable {
	return &RoutingTable{
		localID: localID,
		buckets: []*bucket{newBucket()},
	}
}

// ID returns the local node id this table is organized around.
func (t *RoutingTable) ID() Id { return t.localID }

// bucketIndex returns which bucket id belongs in: its common-prefix
// length with localID, clamped to the number of buckets that exist so
// far (only the last bucket may still need splitting).
func (t *RoutingTable) bucketIndex(id Id) int {
	cpl := commonPrefixLen(t.localID, id)
	if cpl >= len(t.buckets) {
		return len(t.buckets) - 1
	}
	return cpl
}

func commonPrefixLen(a, b Id) int {
	n := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			n += 8
			continue
		}
		n += leadingZeros8(x)
		break
	}
	return n
}

// Add inserts or refreshes a node seen responding at now. It never
// evicts a responsive node: if the target bucket is full and is not
// eligible to split, the node is only kept on the bucket's replacement
// list (spec.md §4.3, §8 invariant on no eviction of live nodes).
func (t *RoutingTable) Add(n *Node, now time.Time) {
	if n.ID == t.localID || n.Addr == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		idx := t.bucketIndex(n.ID)
		b := t.buckets[idx]

		if i := b.indexOf(n.ID); i >= 0 {
			b.entries[i].Seen(now)
			b.entries[i].Addr = n.Addr
			return
		}

		if len(b.entries) < K {
			if !t.admitIP(b, n.Addr.IP) {
				return
			}
			cp := n.Clone()
			cp.Seen(now)
			b.entries = append(b.entries, cp)
			b.replacements = removeByID(b.replacements, n.ID)
			return
		}

		if idx == len(t.buckets)-1 && idx < maxBucketSplitDepth-1 {
			t.split(idx)
			continue // retry: n may now land in the newly appended bucket
		}

		t.addReplacement(b, n, now)
		return
	}
}

// split divides the bucket at idx (which must be the last bucket) into
// two buckets by common-prefix length, appending the new one.
func (t *RoutingTable) split(idx int) {
	old := t.buckets[idx]
	nb := newBucket()
	t.buckets = append(t.buckets, nb)

	var kept []*Node
	for _, n := range old.entries {
		if t.bucketIndex(n.ID) == idx {
			kept = append(kept, n)
		} else {
			nb.entries = append(nb.entries, n)
			nb.ips.Add(n.Addr.IP)
		}
	}
	old.entries = kept

	var keptRepl []*Node
	for _, n := range old.replacements {
		if t.bucketIndex(n.ID) == idx {
			keptRepl = append(keptRepl, n)
		} else {
			nb.replacements = append(nb.replacements, n)
		}
	}
	old.replacements = keptRepl

	old.ips = netutil.DistinctNetSet{Subnet: bucketIPSubnet, Limit: bucketIPLimit}
	for _, n := range old.entries {
		old.ips.Add(n.Addr.IP)
	}
}

func (t *RoutingTable) admitIP(b *bucket, ip net.IP) bool {
	if netutil.IsLAN(ip) {
		return true
	}
	return b.ips.Add(ip)
}

func (t *RoutingTable) addReplacement(b *bucket, n *Node, now time.Time) {
	for _, e := range b.replacements {
		if e.ID == n.ID {
			e.Seen(now)
			return
		}
	}
	cp := n.Clone()
	cp.Seen(now)
	b.replacements = append(b.replacements, cp)
	if len(b.replacements) > maxReplacements {
		b.replacements = b.replacements[len(b.replacements)-maxReplacements:]
	}
}

func removeByID(list []*Node, id Id) []*Node {
	for i, n := range list {
		if n.ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Remove evicts id from the table, promoting a replacement if one is
// available.
func (t *RoutingTable) Remove(id Id) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(id)
	b := t.buckets[idx]
	i := b.indexOf(id)
	if i < 0 {
		return
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	if len(b.replacements) > 0 {
		last := len(b.replacements) - 1
		b.entries = append(b.entries, b.replacements[last])
		b.replacements = b.replacements[:last]
	}
}

// RecordFailure bumps id's failure counter (called when a request to it
// times out) and evicts it if it has become stale.
func (t *RoutingTable) RecordFailure(id Id, maxFailures int) {
	t.mu.Lock()
	n := t.find(id)
	t.mu.Unlock()
	if n == nil {
		return
	}
	n.FailedToRespond()
	if n.IsStale(maxFailures) {
		t.Remove(id)
	}
}

func (t *RoutingTable) find(id Id) *Node {
	idx := t.bucketIndex(id)
	b := t.buckets[idx]
	if i := b.indexOf(id); i >= 0 {
		return b.entries[i]
	}
	return nil
}

// Seen marks id as responsive at now if it is present in the table.
func (t *RoutingTable) Seen(id Id, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.find(id); n != nil {
		n.Seen(now)
	}
}

// ToVec returns every live entry in the table.
func (t *RoutingTable) ToVec() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Node, 0, t.size())
	for _, b := range t.buckets {
		out = append(out, b.entries...)
	}
	return out
}

// Size returns the number of live entries in the table.
func (t *RoutingTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size()
}

func (t *RoutingTable) size() int {
	n := 0
	for _, b := range t.buckets {
		n += len(b.entries)
	}
	return n
}

// IsEmpty reports whether the table has no entries.
func (t *RoutingTable) IsEmpty() bool { return t.Size() == 0 }

// NodesDueForPing returns every live entry whose last-seen time exceeds
// interval, for the periodic liveness sweep (spec.md §8 maintenance).
func (t *RoutingTable) NodesDueForPing(now time.Time, interval time.Duration) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []*Node
	for _, b := range t.buckets {
		for _, n := range b.entries {
			if n.ShouldPing(now, interval) {
				due = append(due, n)
			}
		}
	}
	return due
}

// ClosestSecure returns up to K nodes nearest target, preferring secure
// nodes (spec.md §4.3): if the take-until-secure frontier over the
// table's entries yields at least K nodes (or exhausts the table), only
// that secure-preferring frontier is returned; otherwise it is padded
// out with the closest remaining unsecure nodes so the caller still
// gets up to K candidates to query.
func (t *RoutingTable) ClosestSecure(target Id, sizeEstimate, avgSubnets int) []*Node {
	all := t.ToVec()

	set := NewClosestNodes(target, K)
	for _, n := range all {
		set.Insert(n)
	}

	secure := set.TakeUntilSecure(sizeEstimate, avgSubnets)
	if len(secure) >= K || len(secure) >= len(all) {
		return secure
	}

	chosen := make(map[Id]bool, len(secure))
	for _, n := range secure {
		chosen[n.ID] = true
	}
	fill := NewClosestNodes(target, K)
	for _, n := range secure {
		fill.Insert(n)
	}
	for _, n := range all {
		if !chosen[n.ID] {
			fill.Insert(n)
		}
	}
	return fill.Nodes()
}
