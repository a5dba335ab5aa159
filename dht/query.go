package dht

import (
	"net"
	"time"
)

// queryKind distinguishes a find_node bootstrap lookup from a value
// lookup (get_peers/get), which determines what the RPC engine does
// with a completed query (spec.md §4.9 step 2-3).
type queryKind int

const (
	queryFindNode queryKind = iota
	queryGetValue
)

// inflightSlot is one outstanding request dispatched by a query.
type inflightSlot struct {
	node   *Node
	txid   string
	sentAt time.Time
}

// query is the iterative lookup state machine (spec.md §4.7): it
// converges on the K nodes closest to target by repeatedly dispatching
// up to Alpha parallel requests to the nearest unvisited candidates.
type query struct {
	target  Id
	kind    queryKind
	request Request

	candidates *ClosestNodes          // every node heard about, closest first
	visited    map[string]bool        // addresses already queried
	inflight   map[string]*inflightSlot // txid -> slot
	responders *ClosestNodes          // nodes that returned a token or value
	responses  []*Response
	addressVotes map[string]int

	started time.Time
	done    bool

	roundsWithoutProgress int
	bestDistance          *Id
	roundProgressed       bool // set if any response this round beat bestDistance
}

func newQuery(target Id, kind queryKind, req Request, now time.Time) *query {
	return &query{
		target:       target,
		kind:         kind,
		request:      req,
		candidates:   NewClosestNodes(target, K),
		visited:      make(map[string]bool),
		inflight:     make(map[string]*inflightSlot),
		responders:   NewClosestNodes(target, K),
		addressVotes: make(map[string]int),
		started:      now,
	}
}

// seed populates the initial candidate frontier (spec.md §4.7 step 1):
// the K nearest known nodes from the routing table, bootstrap nodes if
// the table is sparse, any caller-supplied extra nodes, and the cached
// responders for this target if present.
func (q *query) seed(tableNodes []*Node, bootstrap []*Node, extra []*Node, cached []*Node) {
	for _, n := range tableNodes {
		q.candidates.Insert(n)
	}
	if len(tableNodes) < len(bootstrap) {
		for _, n := range bootstrap {
			q.candidates.Insert(n)
		}
	}
	for _, n := range extra {
		q.candidates.Insert(n)
	}
	for _, n := range cached {
		q.candidates.Insert(n)
		q.responders.Insert(n)
	}
}

// dispatch sends requests to the nearest unvisited candidates until
// Alpha are inflight or candidates are exhausted. send is called once
// per chosen candidate and should return the txid it was sent under, or
// ("", err) if it could not be sent this tick (e.g. rate-limited).
func (q *query) dispatch(now time.Time, send func(n *Node) (string, error)) {
	for _, n := range q.candidates.Nodes() {
		if len(q.inflight) >= Alpha {
			return
		}
		key := n.Addr.String()
		if q.visited[key] {
			continue
		}
		txid, err := send(n)
		if err != nil {
			continue
		}
		q.visited[key] = true
		q.inflight[txid] = &inflightSlot{node: n, txid: txid, sentAt: now}
	}
}

// handleResponse folds one response into the query's state (spec.md
// §4.7 step 3). It reports false if the response carried a value that
// failed verification, so the caller can drop the datagram entirely
// rather than surface it as a query result (spec.md §9 scenario S4).
func (q *query) handleResponse(txid string, resp *Response) bool {
	slot, ok := q.inflight[txid]
	if !ok {
		return false
	}
	delete(q.inflight, txid)

	for _, n := range resp.Nodes {
		q.candidates.Insert(n)
	}
	if d := q.closestCandidateDistance(); d != nil && (q.bestDistance == nil || bytesLess(d[:], q.bestDistance[:])) {
		q.bestDistance = d
		q.roundProgressed = true
	}

	if resp.Token != "" {
		slot.node.WithToken([]byte(resp.Token))
		q.responders.Insert(slot.node)
	}
	if resp.RequesterIP != nil {
		q.addressVotes[resp.RequesterIP.String()]++
	}

	accepted := true
	if resp.Value != nil {
		if q.verifyValueResponse(resp) {
			q.responses = append(q.responses, resp)
			q.responders.Insert(slot.node)
		} else {
			accepted = false
		}
	}

	q.checkRoundComplete()
	return accepted
}

// closestCandidateDistance returns the XOR distance of the nearest
// candidate seen so far, or nil if none have been learned yet.
func (q *query) closestCandidateDistance() *Id {
	nodes := q.candidates.Nodes()
	if len(nodes) == 0 {
		return nil
	}
	d := Distance(q.target, nodes[0].ID)
	return &d
}

// checkRoundComplete closes out an Alpha-sized round once every request
// dispatched in it has settled (by response or timeout): a round that
// learned no closer candidate counts toward the two-rounds-without-
// progress termination rule (spec.md §4.7 step 5).
func (q *query) checkRoundComplete() {
	if len(q.inflight) > 0 {
		return
	}
	if q.roundProgressed {
		q.roundsWithoutProgress = 0
	} else {
		q.roundsWithoutProgress++
	}
	q.roundProgressed = false
}

// verifyValueResponse checks a get response's content against the
// query's target before it's accepted: an immutable value must hash to
// the target (spec.md invariant 1), a mutable value must carry a valid
// Ed25519 signature over its seq/value/salt whose key+salt hash to the
// target (spec.md invariant 2). An unverifiable value is dropped rather
// than surfaced to the caller (spec.md §9 scenario S4).
func (q *query) verifyValueResponse(resp *Response) bool {
	if resp.Seq != nil {
		item := &MutableItem{
			Target:    q.target,
			PublicKey: resp.PublicKey,
			Seq:       *resp.Seq,
			Value:     resp.Value,
			Signature: resp.Signature,
			Salt:      q.request.Salt,
		}
		return item.Verify() == nil
	}
	item := &ImmutableItem{Target: q.target, Value: resp.Value}
	return item.Verify() == nil
}

// handleTimeout drops an inflight slot without crediting the node as a
// responder (spec.md §4.7 step 4).
func (q *query) handleTimeout(txid string) {
	delete(q.inflight, txid)
	q.checkRoundComplete()
}

// isDone reports whether the query has converged: either every nearest
// known candidate has been queried and settled, or Alpha-sized rounds
// have twice failed to surface a closer candidate (spec.md §4.7 step 5).
func (q *query) isDone() bool {
	if q.done {
		return true
	}
	if len(q.inflight) > 0 {
		return false
	}
	allVisited := true
	for _, n := range q.candidates.Nodes() {
		if !q.visited[n.Addr.String()] {
			allVisited = false
			break
		}
	}
	if !allVisited && q.roundsWithoutProgress < 2 {
		return false
	}
	q.done = true
	return true
}

// bestAddress returns the IPv4 address with the most votes among
// responders, used for public-address inference (spec.md §4.11).
func (q *query) bestAddress() net.IP {
	var best string
	bestCount := 0
	for addr, count := range q.addressVotes {
		if count > bestCount {
			best, bestCount = addr, count
		}
	}
	if best == "" {
		return nil
	}
	return net.ParseIP(best)
}
