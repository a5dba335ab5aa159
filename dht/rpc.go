package dht

import (
	"fmt"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/mainline-go/dht/internal/dlog"
	"github.com/mainline-go/dht/internal/metrics"
)

// cachedQuery is a per-target snapshot kept in the LRU so a second put to
// the same target can reuse a just-completed get (spec.md §3, scenario S6).
type cachedQuery struct {
	responders      []*Node
	dhtSizeClaimed  float64
	dhtSizeResponse float64
	subnets         int
}

// RpcTickReport summarizes what one Tick call did (spec.md §6).
type RpcTickReport struct {
	DoneGetQueries      []Id
	DonePutQueries      []Id
	DoneFindNodeQueries []Id
	QueryResponse       *TargetResponse
}

// TargetResponse pairs a completed response with the query target it
// belongs to, emitted by Tick when a datagram resolves one.
type TargetResponse struct {
	Target   Id
	Response *Response
}

// Rpc is the non-blocking per-tick RPC engine: it owns the routing
// table, the socket, every in-flight query, and the query cache, and
// exposes Tick/Get/Put/Request/Response/Error as the only ways external
// code interacts with it (spec.md §2.9).
type Rpc struct {
	cfg    Config
	id     Id
	socket *Socket
	table  *RoutingTable

	localAddr  *net.UDPAddr
	publicAddr *net.UDPAddr
	firewalled bool

	bootstrapNodes []*Node

	getQueries map[Id]*query
	putQueries map[Id]*putQuery
	cache      *lru.Cache

	sizeEstimateSum float64
	subnetsSum      float64
	estimatesCount  int

	lastMaintenance    time.Time
	lastServerModeFlip time.Time
}

// NewRpc constructs an engine bound to conn, listening as id.
func NewRpc(cfg Config, conn net.PacketConn, id Id) (*Rpc, error) {
	cfg = cfg.WithDefaults()

	socket, err := NewSocket(conn, cfg.RNG, cfg.Clock)
	if err != nil {
		return nil, err
	}
	socket.SetServerMode(cfg.ServerMode)

	cache, err := lru.New(cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("dht: creating query cache: %w", err)
	}

	localAddr, _ := conn.LocalAddr().(*net.UDPAddr)

	r := &Rpc{
		cfg:             cfg,
		id:              id,
		socket:          socket,
		table:           NewRoutingTable(id),
		localAddr:       localAddr,
		getQueries:      make(map[Id]*query),
		putQueries:      make(map[Id]*putQuery),
		cache:           cache,
		sizeEstimateSum: cfg.InitialDHTSizeEstimate,
		subnetsSum:      cfg.InitialAverageSubnets,
		estimatesCount:  1,
	}

	for _, hostport := range cfg.Bootstrap {
		addr, err := net.ResolveUDPAddr("udp4", hostport)
		if err != nil {
			dlog.V(dlog.Warn).Warnf("dht: could not resolve bootstrap node %s: %v", hostport, err)
			continue
		}
		r.bootstrapNodes = append(r.bootstrapNodes, &Node{Addr: addr})
	}

	return r, nil
}

// ID returns the engine's current node id.
func (r *Rpc) ID() Id { return r.id }

// LocalAddr returns the socket's bound local address.
func (r *Rpc) LocalAddr() *net.UDPAddr { return r.localAddr }

// PublicAddress returns the engine's best current guess at its
// externally reachable address, or nil if unknown.
func (r *Rpc) PublicAddress() *net.UDPAddr { return r.publicAddr }

// Firewalled reports whether the engine currently believes it is
// unreachable at its advertised external address.
func (r *Rpc) Firewalled() bool { return r.firewalled }

// ServerMode reports whether the engine currently answers queries.
func (r *Rpc) ServerMode() bool { return r.socket.ServerMode() }

// RoutingTable exposes the engine's routing table for introspection.
func (r *Rpc) RoutingTable() *RoutingTable { return r.table }

// DHTSizeEstimate returns the running network-size estimate and its
// current sample count, standing in for a standard deviation until
// enough independent query estimates have accumulated.
func (r *Rpc) DHTSizeEstimate() (n float64, samples int) {
	if r.estimatesCount == 0 {
		return 0, 0
	}
	return r.sizeEstimateSum / float64(r.estimatesCount), r.estimatesCount
}

func (r *Rpc) avgSubnets() int {
	if r.estimatesCount == 0 {
		return 0
	}
	return int(r.subnetsSum / float64(r.estimatesCount))
}

func (r *Rpc) dhtSizeEstimateInt() int {
	n, _ := r.DHTSizeEstimate()
	return int(n)
}

// Get launches (or reuses) an iterative lookup for req.Target. If a
// query for the same target is registered and has converged, it returns
// that query's responses; it returns nil while a query is in flight or
// was just started (spec.md §6). Tick removes a query in the tick that
// finds it converged, so a Get after that starts a new lookup.
func (r *Rpc) Get(req Request, extraNodes []*Node) []*Response {
	if q, ok := r.getQueries[req.Target]; ok {
		if q.isDone() {
			return q.responses
		}
		return nil
	}

	now := r.cfg.Clock.Now()
	kind := queryGetValue
	if req.Kind == KindFindNode {
		kind = queryFindNode
	}

	q := newQuery(req.Target, kind, req, now)
	tableNodes := r.table.ClosestSecure(req.Target, r.dhtSizeEstimateInt(), r.avgSubnets())
	q.seed(tableNodes, r.bootstrapNodes, extraNodes, r.cachedResponders(req.Target))
	r.getQueries[req.Target] = q

	metrics.QueriesStarted.Mark(1)
	return nil
}

// Put launches a store broadcast for req.Target, or returns
// PutQueryIsInflight if one is already running (spec.md §4.8, §6).
func (r *Rpc) Put(req Request) error {
	if _, ok := r.putQueries[req.Target]; ok {
		return &PutQueryIsInflight{Target: req.Target}
	}

	now := r.cfg.Clock.Now()
	pq := newPutQuery(req.Target, req, now)

	if cached, ok := r.cache.Get(req.Target); ok {
		cq := cached.(*cachedQuery)
		if hasValidToken(cq.responders) {
			pq.start(cq.responders, now, func(n *Node) (string, error) {
				return r.sendPutRequest(n, pq, now)
			})
			r.putQueries[req.Target] = pq
			return nil
		}
	}

	pq.waitingOnGet = true
	r.putQueries[req.Target] = pq
	if _, ok := r.getQueries[req.Target]; !ok {
		r.Get(Request{Kind: getKindFor(req.Kind), Target: req.Target}, nil)
	}
	return nil
}

func getKindFor(putKind RequestKind) RequestKind {
	if putKind == KindAnnouncePeer {
		return KindGetPeers
	}
	return KindGetValue
}

func hasValidToken(nodes []*Node) bool {
	for _, n := range nodes {
		if n.ValidToken() {
			return true
		}
	}
	return false
}

func (r *Rpc) cachedResponders(target Id) []*Node {
	if v, ok := r.cache.Get(target); ok {
		return v.(*cachedQuery).responders
	}
	return nil
}

func (r *Rpc) sendPutRequest(n *Node, pq *putQuery, now time.Time) (string, error) {
	req := pq.request
	req.Token = string(n.Token)
	return r.socket.SendRequest(n, r.id, &req, now)
}

// Tick advances every query by one round, runs periodic maintenance, and
// drains at most one inbound datagram (spec.md §4.9).
func (r *Rpc) Tick() RpcTickReport {
	metrics.Ticks.Mark(1)
	now := r.cfg.Clock.Now()
	var report RpcTickReport

	for _, p := range r.socket.ReapTimeouts(now, r.cfg.RequestTimeout) {
		r.routeTimeout(p)
	}

	var doneFindNode, doneGet []Id
	for target, q := range r.getQueries {
		q.dispatch(now, func(n *Node) (string, error) {
			return r.socket.SendRequest(n, r.id, &q.request, now)
		})
		if q.isDone() {
			if q.kind == queryFindNode {
				doneFindNode = append(doneFindNode, target)
			} else {
				doneGet = append(doneGet, target)
			}
		}
	}

	for _, target := range doneGet {
		q := r.getQueries[target]
		r.handleIterativeQueryCompletion(q, now)
		if pq, ok := r.putQueries[target]; ok && pq.waitingOnGet {
			pq.start(q.responders.Nodes(), now, func(n *Node) (string, error) {
				return r.sendPutRequest(n, pq, now)
			})
		}
		delete(r.getQueries, target)
		report.DoneGetQueries = append(report.DoneGetQueries, target)
	}

	for target, pq := range r.putQueries {
		if pq.isDone() {
			if pq.result == nil {
				metrics.PutSuccess.Mark(1)
			} else {
				metrics.PutFailure.Mark(1)
			}
			report.DonePutQueries = append(report.DonePutQueries, target)
			delete(r.putQueries, target)
		}
	}

	for _, target := range doneFindNode {
		q := r.getQueries[target]
		r.handleIterativeQueryCompletion(q, now)
		for _, n := range q.responders.Nodes() {
			r.table.Add(n, now)
		}
		delete(r.getQueries, target)
		report.DoneFindNodeQueries = append(report.DoneFindNodeQueries, target)
	}

	r.maintenance(now)

	if ev, ok := r.socket.ReceiveOne(r.id); ok && ev != nil {
		report.QueryResponse = r.handleInboundEvent(ev, now)
	}

	metrics.RoutingTableSize.Update(int64(r.table.Size()))
	metrics.QueriesDone.Mark(int64(len(report.DoneGetQueries) + len(report.DoneFindNodeQueries)))
	return report
}

func (r *Rpc) routeTimeout(p *pendingRequest) {
	if pq, ok := r.putQueries[p.target]; ok {
		if _, exists := pq.slots[p.txid]; exists {
			pq.handleTimeout(p.txid)
			return
		}
	}
	if q, ok := r.getQueries[p.target]; ok {
		if _, exists := q.inflight[p.txid]; exists {
			q.handleTimeout(p.txid)
			r.table.RecordFailure(p.node.ID, defaultMaxPingFailures)
		}
	}
}

// handleIterativeQueryCompletion performs the address-vote check and
// populates the query cache for a finished query (spec.md §4.9 step 3/5,
// §4.11).
func (r *Rpc) handleIterativeQueryCompletion(q *query, now time.Time) {
	r.checkAddressVote(q.bestAddress(), now)

	cq := &cachedQuery{
		responders:      q.responders.Nodes(),
		dhtSizeClaimed:  q.candidates.DHTSizeEstimate(),
		dhtSizeResponse: q.responders.DHTSizeEstimate(),
		subnets:         q.responders.SubnetsCount(),
	}
	r.cache.Add(q.target, cq)

	if cq.dhtSizeResponse > 0 {
		r.sizeEstimateSum += cq.dhtSizeResponse
		r.subnetsSum += float64(cq.subnets)
		r.estimatesCount++
	}
}

// checkAddressVote implements the public-address inference rule (spec.md
// §4.11): if the majority-voted address differs from our current
// estimate (or we have none), mark firewalled and ping the candidate.
func (r *Rpc) checkAddressVote(candidate net.IP, now time.Time) {
	if candidate == nil {
		return
	}
	if r.publicAddr != nil && r.publicAddr.IP.Equal(candidate) {
		return
	}
	r.firewalled = true
	port := r.localAddr.Port
	if r.publicAddr != nil {
		port = r.publicAddr.Port
	}
	newAddr := &net.UDPAddr{IP: candidate, Port: port}
	r.publicAddr = newAddr

	probe := &Node{ID: r.id, Addr: newAddr}
	req := Request{Kind: KindPing}
	_, _ = r.socket.SendRequest(probe, r.id, &req, now)
}

// maintenance runs the periodic housekeeping described in spec.md §4.10.
func (r *Rpc) maintenance(now time.Time) {
	if r.table.IsEmpty() {
		r.selfLookup()
	}

	if r.lastServerModeFlip.IsZero() {
		r.lastServerModeFlip = now
	}
	if now.Sub(r.lastServerModeFlip) >= r.cfg.ServerModeInterval {
		r.lastServerModeFlip = now
		if !r.firewalled {
			r.socket.SetServerMode(true)
		}
		r.selfLookup()
	}

	if r.lastMaintenance.IsZero() {
		r.lastMaintenance = now
	}
	if now.Sub(r.lastMaintenance) >= r.cfg.MaintenanceInterval {
		r.lastMaintenance = now
		for _, n := range r.table.NodesDueForPing(now, defaultPingInterval) {
			n.Pinged(now)
			req := Request{Kind: KindPing}
			_, _ = r.socket.SendRequest(n, r.id, &req, now)
		}
	}
}

func (r *Rpc) selfLookup() {
	if _, ok := r.getQueries[r.id]; ok {
		return
	}
	r.Get(Request{Kind: KindFindNode, Target: r.id}, nil)
}

// handleInboundEvent dispatches one datagram's worth of work: requests
// go to the server handler, responses/errors are folded into the
// matching query (spec.md §4.9 step 7, §4.12).
func (r *Rpc) handleInboundEvent(ev *InboundEvent, now time.Time) *TargetResponse {
	if ev.Request != nil {
		r.handleRequest(ev.Request, now)
		return nil
	}

	if ev.Err != nil {
		r.routeError(ev.Target, ev.Txid, ev.Err)
		return nil
	}

	if ev.Response != nil {
		if ev.Response.From != nil {
			r.table.Add(ev.Response.From, now)
		}
		if pq, ok := r.putQueries[ev.Target]; ok {
			if _, exists := pq.slots[ev.Txid]; exists {
				pq.handleSuccess(ev.Txid)
				return nil
			}
		}
		if q, ok := r.getQueries[ev.Target]; ok {
			if !q.handleResponse(ev.Txid, ev.Response) {
				metrics.InvalidRecords.Mark(1)
				return nil
			}
			return &TargetResponse{Target: ev.Target, Response: ev.Response}
		}
	}
	return nil
}

func (r *Rpc) routeError(target Id, txid string, err error) {
	if pq, ok := r.putQueries[target]; ok {
		if _, exists := pq.slots[txid]; exists {
			pq.handleError(txid, err)
			return
		}
	}
	if q, ok := r.getQueries[target]; ok {
		q.handleTimeout(txid) // drop the slot without crediting a responder
	}
}

// handleRequest answers an inbound request: while in server mode, runs
// the server handler (or the default responder); a client-mode node
// answers nothing. Either way it checks whether this is a liveness ping
// from our own advertised external address (spec.md §9 open question
// resolution, §4.9/§4.11: only a server-mode node responds).
func (r *Rpc) handleRequest(req *InboundRequest, now time.Time) {
	r.table.Add(req.From, now)

	if req.Request.Token != "" {
		req.TokenValid = r.socket.ValidToken(req.From.Addr, req.Request.Token)
	}

	if r.ServerMode() {
		if r.cfg.Server != nil {
			result := r.cfg.Server.HandleRequest(r.table, req.From, req)
			r.applyHandlerResult(req, result, now)
		} else {
			r.defaultHandleRequest(req, now)
		}
	}

	if req.Request.Kind == KindPing && r.publicAddr != nil && req.From.Addr.IP.Equal(r.publicAddr.IP) {
		r.onConfirmedExternalPing(req.From.Addr, now)
	}
}

func (r *Rpc) applyHandlerResult(req *InboundRequest, result HandlerResult, now time.Time) {
	switch {
	case result.Response != nil:
		_ = r.socket.SendResponse(req.From.Addr, req.Txid, r.id, result.Response)
	case result.Err != nil:
		_ = r.socket.SendError(req.From.Addr, req.Txid, result.Err.Code, result.Err.Message)
	case result.FollowUp != nil:
		r.injectFollowUp(*result.FollowUp)
	default:
		r.defaultHandleRequest(req, now)
	}
}

// injectFollowUp feeds a handler-produced request into get/put, per
// spec.md §4.12 (bare pings are never produced as follow-ups).
func (r *Rpc) injectFollowUp(req Request) {
	switch req.Kind {
	case KindPutImmutable, KindPutMutable, KindAnnouncePeer:
		_ = r.Put(req)
	default:
		r.Get(req, nil)
	}
}

func (r *Rpc) defaultHandleRequest(req *InboundRequest, now time.Time) {
	switch req.Request.Kind {
	case KindPing:
		_ = r.socket.SendResponse(req.From.Addr, req.Txid, r.id, &OutboundResponse{})
	case KindFindNode:
		closest := r.table.ClosestSecure(req.Request.Target, r.dhtSizeEstimateInt(), r.avgSubnets())
		_ = r.socket.SendResponse(req.From.Addr, req.Txid, r.id, &OutboundResponse{Nodes: closest})
	case KindGetPeers, KindGetValue:
		token := r.socket.IssueToken(req.From.Addr, now)
		closest := r.table.ClosestSecure(req.Request.Target, r.dhtSizeEstimateInt(), r.avgSubnets())
		_ = r.socket.SendResponse(req.From.Addr, req.Txid, r.id, &OutboundResponse{Token: token, Nodes: closest})
	default:
		_ = r.socket.SendError(req.From.Addr, req.Txid, 204, "method not supported without a server handler")
	}
}

// onConfirmedExternalPing clears firewalled once our own advertised
// address proves reachable, and if the local id is no longer secure for
// the (possibly new) public IP, regenerates it and rebuilds the routing
// table under the new id (spec.md §4.11).
func (r *Rpc) onConfirmedExternalPing(from *net.UDPAddr, now time.Time) {
	r.firewalled = false

	if r.id.IsSecureFor(from.IP) {
		return
	}
	newID, err := FromIPv4(from.IP, r.cfg.RNG)
	if err != nil {
		dlog.V(dlog.Warn).Warnf("dht: could not regenerate secure id for %s: %v", from.IP, err)
		return
	}
	r.id = newID
	r.table = NewRoutingTable(newID)
	r.selfLookup()
}
