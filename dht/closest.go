package dht

import (
	"math"
	"math/big"

	"github.com/mainline-go/dht/internal/netutil"
)

// ClosestNodes maintains up to `limit` nodes nearest a target, sorted
// ascending by XOR distance (spec.md §4.6). Both an iterative query's
// "claimed" and "responding" sets, and the routing table's lookup
// results, are built from this type.
type ClosestNodes struct {
	target Id
	limit  int
	nodes  []*Node
}

// NewClosestNodes creates an empty set bounded to limit entries.
func NewClosestNodes(target Id, limit int) *ClosestNodes {
	return &ClosestNodes{target: target, limit: limit}
}

// Insert adds n to the set if it is closer to the target than the
// current farthest member, or if the set isn't yet full. Re-inserting an
// id already present updates nothing (first-seen wins); callers that
// want the freshest copy should remove before inserting.
func (s *ClosestNodes) Insert(n *Node) {
	for _, e := range s.nodes {
		if e.ID == n.ID {
			return
		}
	}

	i := 0
	for i < len(s.nodes) && Less(s.target, s.nodes[i].ID, n.ID) {
		i++
	}
	if i == len(s.nodes) {
		if len(s.nodes) >= s.limit {
			return
		}
		s.nodes = append(s.nodes, n)
		return
	}

	s.nodes = append(s.nodes, nil)
	copy(s.nodes[i+1:], s.nodes[i:])
	s.nodes[i] = n
	if len(s.nodes) > s.limit {
		s.nodes = s.nodes[:s.limit]
	}
}

// Nodes returns the set's members, closest first.
func (s *ClosestNodes) Nodes() []*Node {
	out := make([]*Node, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// Len returns the number of members currently held.
func (s *ClosestNodes) Len() int { return len(s.nodes) }

// Full reports whether the set has reached its capacity.
func (s *ClosestNodes) Full() bool { return len(s.nodes) >= s.limit }

// Farthest returns the member farthest from the target, or nil if the
// set is empty.
func (s *ClosestNodes) Farthest() *Node {
	if len(s.nodes) == 0 {
		return nil
	}
	return s.nodes[len(s.nodes)-1]
}

var idSpace = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), IDLength*8))

// DHTSizeEstimate treats the set's distances to the target as uniform
// order statistics over the 160-bit id space: the expected distance of
// the i-th closest sample is i·2^160/(N+1). Fitting N by least squares
// over the observed samples reduces to a single linear regression
// through the origin, d_i ≈ i·C with C = 2^160/(N+1).
func (s *ClosestNodes) DHTSizeEstimate() float64 {
	if len(s.nodes) == 0 {
		return 0
	}

	numerator := new(big.Float)
	denominator := new(big.Float)
	for i, n := range s.nodes {
		d := new(big.Float).SetInt(Distance(s.target, n.ID).asBig())
		rank := big.NewFloat(float64(i + 1))
		numerator.Add(numerator, new(big.Float).Mul(rank, d))
		denominator.Add(denominator, new(big.Float).Mul(rank, rank))
	}
	if denominator.Sign() == 0 {
		return 0
	}

	c := new(big.Float).Quo(numerator, denominator)
	if c.Sign() == 0 {
		return 0
	}

	nPlus1 := new(big.Float).Quo(idSpace, c)
	estimate, _ := nPlus1.Float64()
	estimate--
	if estimate < 0 {
		return 0
	}
	return estimate
}

// SubnetsCount returns the number of distinct 6-bit IPv4 prefixes among
// the set's members, a sybil-resistance signal (spec.md §4.6).
func (s *ClosestNodes) SubnetsCount() int {
	seen := make(map[byte]struct{}, len(s.nodes))
	for _, n := range s.nodes {
		if n.Addr == nil {
			continue
		}
		seen[netutil.Subnet6(n.Addr.IP)] = struct{}{}
	}
	return len(seen)
}

// TakeUntilSecure walks the sorted set outward from the closest entry,
// collecting secure nodes, and stops once the fraction of the id space
// spanned by the distances consumed so far meets a security threshold
// that grows with avgSubnets (more distinct subnets observed implies a
// wider plausible attacker footprint, so more coverage is demanded
// before trusting the sample) and shrinks as sizeEstimate grows (a
// larger observed network needs a smaller fraction of its id space
// covered for the same confidence). This mirrors the qualitative rule
// in spec.md §4.6; the exact curve is this engine's own calibration.
func (s *ClosestNodes) TakeUntilSecure(sizeEstimate, avgSubnets int) []*Node {
	threshold := securityThreshold(sizeEstimate, avgSubnets)

	var out []*Node
	for _, n := range s.nodes {
		if !n.IsSecure() {
			continue
		}
		out = append(out, n)
		if len(out) >= s.limit {
			break
		}
		if coverageFraction(s.target, n.ID) >= threshold {
			break
		}
	}
	return out
}

func coverageFraction(target, id Id) float64 {
	d := new(big.Float).SetInt(Distance(target, id).asBig())
	frac := new(big.Float).Quo(d, idSpace)
	f, _ := frac.Float64()
	return f
}

func securityThreshold(sizeEstimate, avgSubnets int) float64 {
	const base = 0.0001
	t := base * (1.0 + float64(avgSubnets)/20.0)
	if sizeEstimate > 0 {
		t /= math.Log2(float64(sizeEstimate) + 2)
	}
	if t > 0.5 {
		t = 0.5
	}
	return t
}
