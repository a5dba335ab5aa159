package dht

import (
	"fmt"
	"net"
	"time"
)

// Default timing parameters for node liveness (spec.md §3).
const (
	defaultPingInterval   = 15 * time.Minute
	defaultMaxPingFailures = 3
)

// Node is an entry in the routing table, a query's candidate set, or a
// query's set of responders.
type Node struct {
	ID      Id
	Addr    *net.UDPAddr
	Token   []byte // write token this node most recently gave us

	lastSeen   time.Time
	lastPinged time.Time
	failures   int
}

// NewNode constructs a Node seen for the first time at now.
func NewNode(id Id, addr *net.UDPAddr, now time.Time) *Node {
	return &Node{ID: id, Addr: addr, lastSeen: now}
}

// WithToken attaches a write token and returns the node for chaining.
func (n *Node) WithToken(token []byte) *Node {
	n.Token = token
	return n
}

// ValidToken reports whether the node has a token we can use for a PUT.
func (n *Node) ValidToken() bool { return len(n.Token) > 0 }

// IsSecure reports whether the node's id matches the secure-id rule for
// its address (spec.md §4.2).
func (n *Node) IsSecure() bool {
	if n.Addr == nil {
		return false
	}
	return n.ID.IsSecureFor(n.Addr.IP)
}

// Seen marks the node as responsive at now, clearing its failure count.
func (n *Node) Seen(now time.Time) {
	n.lastSeen = now
	n.failures = 0
}

// Pinged records that we sent a ping/request to the node at now.
func (n *Node) Pinged(now time.Time) {
	n.lastPinged = now
}

// FailedToRespond bumps the node's consecutive-failure counter.
func (n *Node) FailedToRespond() {
	n.failures++
}

// IsStale reports whether the node has exceeded the configured number of
// unanswered pings (spec.md §3).
func (n *Node) IsStale(maxFailures int) bool {
	return n.failures >= maxFailures
}

// ShouldPing reports whether the node's last-seen time exceeds the ping
// interval and it is therefore due for a liveness check (spec.md §3).
func (n *Node) ShouldPing(now time.Time, interval time.Duration) bool {
	return now.Sub(n.lastSeen) > interval
}

// String renders the node for log lines, as "<id-prefix>@<addr>".
func (n *Node) String() string {
	idStr := n.ID.String()
	if len(idStr) > 8 {
		idStr = idStr[:8]
	}
	addr := "<nil>"
	if n.Addr != nil {
		addr = n.Addr.String()
	}
	return fmt.Sprintf("%s@%s", idStr, addr)
}

// Clone returns a shallow copy of the node safe for a caller to mutate
// without affecting the routing table's or a query's own copy.
func (n *Node) Clone() *Node {
	cp := *n
	if n.Token != nil {
		cp.Token = append([]byte(nil), n.Token...)
	}
	return &cp
}
