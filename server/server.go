// Package server implements pluggable dht.Handler servers: an in-memory
// BEP-44/peer-announce store suitable for a short-lived node, and (in
// bolt.go) a durable variant backed by bolt.DB.
package server

import (
	"net"
	"sync"

	"github.com/mainline-go/dht/dht"
	"github.com/mainline-go/dht/internal/dlog"
	"github.com/mainline-go/dht/internal/metrics"
)

// peerSet is the announce_peer bookkeeping for one info_hash: the set of
// announced addresses, capped so a single swarm can't grow unbounded.
type peerSet struct {
	addrs map[string]*net.UDPAddr
}

const maxPeersPerInfoHash = 200

func newPeerSet() *peerSet { return &peerSet{addrs: make(map[string]*net.UDPAddr)} }

func (p *peerSet) add(addr *net.UDPAddr) {
	if len(p.addrs) >= maxPeersPerInfoHash {
		return
	}
	p.addrs[addr.String()] = addr
}

func (p *peerSet) list() []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(p.addrs))
	for _, a := range p.addrs {
		out = append(out, a)
	}
	return out
}

// peerDirectory is the announce_peer/get_peers half of a dht.Handler,
// shared between Store (fully in-memory) and BoltServer (durable
// put/get, but announcements are still ephemeral by BEP-5 convention).
type peerDirectory struct {
	mu    sync.Mutex
	peers map[dht.Id]*peerSet
}

func newPeerDirectory() peerDirectory {
	return peerDirectory{peers: make(map[dht.Id]*peerSet)}
}

func (d *peerDirectory) getPeers(table *dht.RoutingTable, target dht.Id, token string) dht.HandlerResult {
	d.mu.Lock()
	ps, ok := d.peers[target]
	d.mu.Unlock()

	resp := &dht.OutboundResponse{Token: token}
	if ok {
		resp.Values = ps.list()
	} else {
		resp.Nodes = table.ClosestSecure(target, 0, 0)
	}
	return dht.HandlerResult{Response: resp}
}

func (d *peerDirectory) announce(from *dht.Node, msg *dht.InboundRequest) dht.HandlerResult {
	if !msg.TokenValid {
		metrics.InvalidRecords.Mark(1)
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 203, Message: "bad token"}}
	}
	port := msg.Request.Port
	if msg.Request.ImpliedPort {
		port = from.Addr.Port
	}
	addr := &net.UDPAddr{IP: from.Addr.IP, Port: port}

	d.mu.Lock()
	ps, ok := d.peers[msg.Request.Target]
	if !ok {
		ps = newPeerSet()
		d.peers[msg.Request.Target] = ps
	}
	ps.add(addr)
	d.mu.Unlock()

	dlog.V(dlog.Debug).Debugf("server: %s announced on %x", addr, msg.Request.Target)
	return dht.HandlerResult{Response: &dht.OutboundResponse{}}
}

// pingOrFindNode answers the two methods whose response never depends on
// a handler's storage backend. ok is false for any other method.
func pingOrFindNode(table *dht.RoutingTable, kind dht.RequestKind, target dht.Id) (dht.HandlerResult, bool) {
	switch kind {
	case dht.KindPing:
		return dht.HandlerResult{Response: &dht.OutboundResponse{}}, true
	case dht.KindFindNode:
		return dht.HandlerResult{Response: &dht.OutboundResponse{
			Nodes: table.ClosestSecure(target, 0, 0),
		}}, true
	default:
		return dht.HandlerResult{}, false
	}
}

// Store is an in-memory dht.Handler implementing the full BEP-5/BEP-44
// write surface: peer announcement, immutable put/get, and mutable
// put/get with CAS and sequence-number enforcement (spec.md §4.4, §2.10).
//
// It verifies every write itself (token, signature, content address,
// cas/seq) rather than trusting the caller, since untrusted peers drive
// this handler directly off the wire.
type Store struct {
	directory peerDirectory

	mu        sync.Mutex
	immutable map[dht.Id][]byte
	mutable   map[dht.Id]*dht.MutableItem
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		directory: newPeerDirectory(),
		immutable: make(map[dht.Id][]byte),
		mutable:   make(map[dht.Id]*dht.MutableItem),
	}
}

// HandleRequest implements dht.Handler.
func (s *Store) HandleRequest(table *dht.RoutingTable, from *dht.Node, msg *dht.InboundRequest) dht.HandlerResult {
	if result, ok := pingOrFindNode(table, msg.Request.Kind, msg.Request.Target); ok {
		return result
	}

	switch msg.Request.Kind {
	case dht.KindGetPeers:
		return s.directory.getPeers(table, msg.Request.Target, msg.Request.Token)

	case dht.KindAnnouncePeer:
		return s.directory.announce(from, msg)

	case dht.KindGetValue:
		return s.handleGetValue(table, msg)

	case dht.KindPutImmutable:
		return s.handlePutImmutable(msg)

	case dht.KindPutMutable:
		return s.handlePutMutable(msg)

	default:
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 204, Message: "unsupported method"}}
	}
}

func (s *Store) handleGetValue(table *dht.RoutingTable, msg *dht.InboundRequest) dht.HandlerResult {
	s.mu.Lock()
	if v, ok := s.immutable[msg.Request.Target]; ok {
		s.mu.Unlock()
		return dht.HandlerResult{Response: &dht.OutboundResponse{Value: v}}
	}
	if item, ok := s.mutable[msg.Request.Target]; ok {
		s.mu.Unlock()
		return dht.HandlerResult{Response: &dht.OutboundResponse{
			Value:     item.Value,
			Seq:       &item.Seq,
			PublicKey: item.PublicKey,
			Signature: item.Signature,
		}}
	}
	s.mu.Unlock()

	return dht.HandlerResult{Response: &dht.OutboundResponse{
		Nodes: table.ClosestSecure(msg.Request.Target, 0, 0),
	}}
}

func (s *Store) handlePutImmutable(msg *dht.InboundRequest) dht.HandlerResult {
	if !msg.TokenValid {
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 203, Message: "bad token"}}
	}
	item := dht.NewImmutableItem(msg.Request.Value)
	if item.Target != msg.Request.Target {
		metrics.InvalidRecords.Mark(1)
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 203, Message: "target is not sha1(v)"}}
	}

	s.mu.Lock()
	s.immutable[item.Target] = item.Value
	s.mu.Unlock()
	return dht.HandlerResult{Response: &dht.OutboundResponse{}}
}

func (s *Store) handlePutMutable(msg *dht.InboundRequest) dht.HandlerResult {
	if !msg.TokenValid {
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 203, Message: "bad token"}}
	}

	incoming := &dht.MutableItem{
		Target:    msg.Request.Target,
		PublicKey: msg.Request.PublicKey,
		Seq:       seqOf(msg.Request.Seq),
		Value:     msg.Request.Value,
		Signature: msg.Request.Signature,
		Salt:      msg.Request.Salt,
	}
	if err := incoming.Verify(); err != nil {
		metrics.InvalidRecords.Mark(1)
		return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 203, Message: err.Error()}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.mutable[incoming.Target]; ok {
		if msg.Request.Cas != nil && *msg.Request.Cas != existing.Seq {
			return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 301, Message: "cas mismatch"}}
		}
		if incoming.Seq < existing.Seq {
			return dht.HandlerResult{Err: &dht.ErrorResponse{Code: 302, Message: "sequence number less than current"}}
		}
	}

	s.mutable[incoming.Target] = incoming
	return dht.HandlerResult{Response: &dht.OutboundResponse{}}
}

func seqOf(seq *int64) int64 {
	if seq == nil {
		return 0
	}
	return *seq
}
