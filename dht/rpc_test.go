package dht

import (
	"crypto/rand"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"
)

// rpcTestPeer bundles an Rpc engine with its shared manual clock so a
// test can advance both sides' notion of time in lockstep.
type rpcTestPeer struct {
	rpc   *Rpc
	clock *manualClock
}

func newRpcTestPeer(t *testing.T, server Handler, serverMode bool) *rpcTestPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	id, err := RandomID(rand.Reader)
	if err != nil {
		t.Fatalf("RandomID: %v", err)
	}
	clock := newManualClock(time.Unix(1_700_000_000, 0))
	cfg := Config{Server: server, ServerMode: serverMode, Clock: clock, RNG: rand.Reader, QueryCacheSize: 16}
	r, err := NewRpc(cfg, conn, id)
	if err != nil {
		t.Fatalf("NewRpc: %v", err)
	}
	return &rpcTestPeer{rpc: r, clock: clock}
}

// pumpTicks runs both peers' Tick loop for rounds iterations, advancing
// each peer's clock by step and sleeping briefly between rounds so
// in-flight UDP datagrams have time to actually arrive over loopback.
func pumpTicks(peers []*rpcTestPeer, rounds int, step time.Duration) {
	for i := 0; i < rounds; i++ {
		for _, p := range peers {
			p.clock.Advance(step)
			p.rpc.Tick()
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRpcBootstrapPopulatesRoutingTable(t *testing.T) {
	seed := newRpcTestPeer(t, nil, true)
	joiner := newRpcTestPeer(t, nil, false)

	joiner.rpc.bootstrapNodes = []*Node{{Addr: seed.rpc.LocalAddr()}}
	joiner.rpc.selfLookup()

	pumpTicks([]*rpcTestPeer{seed, joiner}, 20, 10*time.Millisecond)

	if joiner.rpc.RoutingTable().IsEmpty() {
		t.Fatalf("joiner's routing table is still empty after bootstrap")
	}
	if seed.rpc.RoutingTable().IsEmpty() {
		t.Errorf("seed never learned about the joiner despite answering its find_node")
	}
}

// immutableStoreHandler is a minimal in-memory BEP-44 store used to give
// TestRpcPutThenGetImmutableRoundTrip a server side that actually
// answers put/get_value instead of the bare find_node/ping default.
type immutableStoreHandler struct {
	values map[Id][]byte
	tokens map[string]string
}

func newImmutableStoreHandler() *immutableStoreHandler {
	return &immutableStoreHandler{values: make(map[Id][]byte), tokens: make(map[string]string)}
}

func (h *immutableStoreHandler) HandleRequest(table *RoutingTable, from *Node, msg *InboundRequest) HandlerResult {
	switch msg.Request.Kind {
	case KindGetValue:
		if v, ok := h.values[msg.Request.Target]; ok {
			return HandlerResult{Response: &OutboundResponse{Value: v}}
		}
		token := "tok-" + from.Addr.String()
		h.tokens[from.Addr.String()] = token
		closest := table.ClosestSecure(msg.Request.Target, 0, 0)
		return HandlerResult{Response: &OutboundResponse{Token: token, Nodes: closest}}
	case KindPutImmutable:
		if !msg.TokenValid && h.tokens[from.Addr.String()] != msg.Request.Token {
			return HandlerResult{Err: &ErrorResponse{Code: 203, Message: "bad token"}}
		}
		h.values[msg.Request.Target] = msg.Request.Value
		return HandlerResult{Response: &OutboundResponse{}}
	default:
		return HandlerResult{}
	}
}

func TestRpcPutThenGetImmutableRoundTrip(t *testing.T) {
	store := newImmutableStoreHandler()
	seed := newRpcTestPeer(t, store, true)
	client := newRpcTestPeer(t, nil, false)

	client.rpc.bootstrapNodes = []*Node{{Addr: seed.rpc.LocalAddr()}}

	value := []byte("hello mainline")
	item := NewImmutableItem(value)

	if err := client.rpc.Put(Request{Kind: KindPutImmutable, Target: item.Target, Value: value}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var putDone bool
	for i := 0; i < 40 && !putDone; i++ {
		for _, p := range []*rpcTestPeer{seed, client} {
			p.clock.Advance(10 * time.Millisecond)
			report := p.rpc.Tick()
			for _, target := range report.DonePutQueries {
				if target == item.Target {
					putDone = true
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !putDone {
		t.Fatalf("put query for immutable target never completed")
	}
	if !bytesEqual(store.values[item.Target], value) {
		t.Errorf("server never stored the put value: got %q", store.values[item.Target])
	}

	// A fresh get against the now-populated store should see the value
	// the moment the iterative query reaches the seed.
	client2 := newRpcTestPeer(t, nil, false)
	client2.rpc.bootstrapNodes = []*Node{{Addr: seed.rpc.LocalAddr()}}
	client2.rpc.Get(Request{Kind: KindGetValue, Target: item.Target}, nil)

	var got []byte
	for i := 0; i < 40 && got == nil; i++ {
		for _, p := range []*rpcTestPeer{seed, client2} {
			p.clock.Advance(10 * time.Millisecond)
			p.rpc.Tick()
		}
		time.Sleep(5 * time.Millisecond)
		if resp := client2.rpc.Get(Request{Kind: KindGetValue, Target: item.Target}, nil); resp != nil {
			for _, r := range resp {
				if r.Value != nil {
					got = r.Value
				}
			}
		}
	}
	if !bytesEqual(got, value) {
		t.Errorf("get never observed the stored value: got %q, want %q", got, value)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRpcGetReturnsCachedResponseWithoutReQuery(t *testing.T) {
	client := newRpcTestPeer(t, nil, false)
	target, err := RandomID(rand.Reader)
	if err != nil {
		t.Fatalf("RandomID: %v", err)
	}

	if resp := client.rpc.Get(Request{Kind: KindFindNode, Target: target}, nil); resp != nil {
		t.Fatalf("first Get on an uncached target should return nil while the query is registered")
	}
	q, stillInFlight := client.rpc.getQueries[target]
	if !stillInFlight {
		t.Fatalf("expected a query to be registered for the target")
	}
	q.responses = []*Response{{Kind: KindFindNode}}

	if resp := client.rpc.Get(Request{Kind: KindFindNode, Target: target}, nil); resp == nil {
		t.Errorf("Get on an already-converged query should return its accumulated responses immediately")
	}
}

func TestRpcServerModeFlipsAfterMaintenanceInterval(t *testing.T) {
	peer := newRpcTestPeer(t, nil, false)
	peer.rpc.cfg.ServerModeInterval = time.Minute

	if peer.rpc.ServerMode() {
		t.Fatalf("engine should not start in server mode")
	}

	peer.rpc.Tick() // establishes the maintenance baseline at the current clock time
	peer.clock.Advance(2 * time.Minute)
	peer.rpc.Tick()

	if !peer.rpc.ServerMode() {
		t.Errorf("server mode should flip on once the interval elapses and the engine is not firewalled")
	}
}

func TestRpcDoesNotFlipServerModeWhileFirewalled(t *testing.T) {
	peer := newRpcTestPeer(t, nil, false)
	peer.rpc.cfg.ServerModeInterval = time.Minute
	peer.rpc.firewalled = true

	peer.rpc.Tick() // establishes the maintenance baseline at the current clock time
	peer.clock.Advance(2 * time.Minute)
	peer.rpc.Tick()

	if peer.rpc.ServerMode() {
		t.Errorf("a firewalled engine should not start answering queries")
	}
}

type followUpHandler struct {
	seen []RequestKind
}

func (h *followUpHandler) HandleRequest(table *RoutingTable, from *Node, msg *InboundRequest) HandlerResult {
	h.seen = append(h.seen, msg.Request.Kind)
	return HandlerResult{Response: &OutboundResponse{}}
}

// tamperedMutableHandler answers every get_value for its one target with
// a signed mutable record whose value byte has been flipped after
// signing, simulating an in-flight corruption or a malicious responder.
type tamperedMutableHandler struct {
	item *MutableItem
}

func (h *tamperedMutableHandler) HandleRequest(table *RoutingTable, from *Node, msg *InboundRequest) HandlerResult {
	switch msg.Request.Kind {
	case KindGetValue:
		tampered := append([]byte(nil), h.item.Value...)
		tampered[0] ^= 0xFF
		return HandlerResult{Response: &OutboundResponse{
			Value:     tampered,
			Seq:       &h.item.Seq,
			PublicKey: h.item.PublicKey,
			Signature: h.item.Signature,
		}}
	default:
		return HandlerResult{}
	}
}

func TestRpcGetRejectsTamperedMutableSignature(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	item, err := NewMutableItem(priv, 1, []byte("authentic"), nil, nil)
	if err != nil {
		t.Fatalf("NewMutableItem: %v", err)
	}

	server := newRpcTestPeer(t, &tamperedMutableHandler{item: item}, true)
	client := newRpcTestPeer(t, nil, false)
	client.rpc.bootstrapNodes = []*Node{{Addr: server.rpc.LocalAddr()}}

	client.rpc.Get(Request{Kind: KindGetValue, Target: item.Target}, nil)

	var done bool
	for i := 0; i < 40 && !done; i++ {
		for _, p := range []*rpcTestPeer{server, client} {
			p.clock.Advance(10 * time.Millisecond)
			report := p.rpc.Tick()
			for _, target := range report.DoneGetQueries {
				if target == item.Target {
					done = true
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !done {
		t.Fatalf("query for the tampered target never converged")
	}
	if responders := client.rpc.cachedResponders(item.Target); len(responders) != 0 {
		t.Errorf("a server returning a tampered signature should not be cached as a responder, got %v", responders)
	}
}

func TestRpcServerHandlerReceivesInboundRequests(t *testing.T) {
	handler := &followUpHandler{}
	server := newRpcTestPeer(t, handler, true)
	client := newRpcTestPeer(t, nil, false)

	client.rpc.bootstrapNodes = []*Node{{Addr: server.rpc.LocalAddr()}}
	client.rpc.selfLookup()

	pumpTicks([]*rpcTestPeer{server, client}, 10, 10*time.Millisecond)

	if len(handler.seen) == 0 {
		t.Fatalf("custom server handler never saw an inbound request")
	}
}
