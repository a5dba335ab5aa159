package server

import (
	"crypto/rand"
	"net"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ed25519"

	"github.com/mainline-go/dht/dht"
)

func openTestBoltServer(t *testing.T) *BoltServer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dht.bolt")
	s, err := OpenBoltServer(path)
	if err != nil {
		t.Fatalf("OpenBoltServer: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltServerPingAndFindNode(t *testing.T) {
	s := openTestBoltServer(t)
	table := dht.NewRoutingTable(dht.Id{})
	from := storeTestNode("10.1.0.1")

	if result := s.HandleRequest(table, from, &dht.InboundRequest{Request: dht.Request{Kind: dht.KindPing}, From: from}); result.Response == nil {
		t.Fatalf("ping should be answered")
	}
	if result := s.HandleRequest(table, from, &dht.InboundRequest{Request: dht.Request{Kind: dht.KindFindNode}, From: from}); result.Response == nil {
		t.Fatalf("find_node should be answered")
	}
}

func TestBoltServerPutImmutablePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dht.bolt")
	table := dht.NewRoutingTable(dht.Id{})
	from := storeTestNode("10.1.0.2")

	s, err := OpenBoltServer(path)
	if err != nil {
		t.Fatalf("OpenBoltServer: %v", err)
	}

	value := []byte("durable payload")
	item := dht.NewImmutableItem(value)
	putReq := &dht.InboundRequest{
		Request:    dht.Request{Kind: dht.KindPutImmutable, Target: item.Target, Value: value},
		From:       from,
		TokenValid: true,
	}
	if result := s.HandleRequest(table, from, putReq); result.Err != nil {
		t.Fatalf("put should succeed, got %v", result.Err)
	}
	if immutable, _, err := s.Stats(); err != nil || immutable != 1 {
		t.Fatalf("Stats after put = (%d, _, %v), want (1, _, nil)", immutable, err)
	}
	s.Close()

	reopened, err := OpenBoltServer(path)
	if err != nil {
		t.Fatalf("re-OpenBoltServer: %v", err)
	}
	defer reopened.Close()

	getReq := &dht.InboundRequest{Request: dht.Request{Kind: dht.KindGetValue, Target: item.Target}, From: from}
	result := reopened.HandleRequest(table, from, getReq)
	if result.Response == nil || string(result.Response.Value) != string(value) {
		t.Fatalf("value did not survive reopen: got %+v", result.Response)
	}
}

func TestBoltServerPutImmutableRejectsMismatchedTarget(t *testing.T) {
	s := openTestBoltServer(t)
	table := dht.NewRoutingTable(dht.Id{})
	from := storeTestNode("10.1.0.3")

	wrongTarget, _ := dht.RandomID(rand.Reader)
	req := &dht.InboundRequest{
		Request:    dht.Request{Kind: dht.KindPutImmutable, Target: wrongTarget, Value: []byte("x")},
		From:       from,
		TokenValid: true,
	}
	if result := s.HandleRequest(table, from, req); result.Err == nil {
		t.Fatalf("put with a mismatched target should be rejected")
	}
}

func TestBoltServerPutImmutableRejectsBadToken(t *testing.T) {
	s := openTestBoltServer(t)
	table := dht.NewRoutingTable(dht.Id{})
	from := storeTestNode("10.1.0.4")

	value := []byte("x")
	item := dht.NewImmutableItem(value)
	req := &dht.InboundRequest{
		Request:    dht.Request{Kind: dht.KindPutImmutable, Target: item.Target, Value: value},
		From:       from,
		TokenValid: false,
	}
	if result := s.HandleRequest(table, from, req); result.Err == nil {
		t.Fatalf("put without a valid token should be rejected")
	}
}

func boltSignedMutablePut(t *testing.T, priv ed25519.PrivateKey, seq int64, value []byte, cas *int64) dht.Request {
	t.Helper()
	item, err := dht.NewMutableItem(priv, seq, value, nil, cas)
	if err != nil {
		t.Fatalf("NewMutableItem: %v", err)
	}
	return dht.Request{
		Kind:      dht.KindPutMutable,
		Target:    item.Target,
		Value:     item.Value,
		Seq:       &item.Seq,
		Salt:      item.Salt,
		Cas:       item.Cas,
		PublicKey: item.PublicKey,
		Signature: item.Signature,
	}
}

func TestBoltServerPutMutableCasAndSequenceEnforcement(t *testing.T) {
	s := openTestBoltServer(t)
	table := dht.NewRoutingTable(dht.Id{})
	from := storeTestNode("10.1.0.5")

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	req1 := boltSignedMutablePut(t, priv, 1, []byte("v1"), nil)
	if result := s.HandleRequest(table, from, &dht.InboundRequest{Request: req1, From: from, TokenValid: true}); result.Err != nil {
		t.Fatalf("first mutable put should succeed, got %v", result.Err)
	}
	if _, mutable, err := s.Stats(); err != nil || mutable != 1 {
		t.Fatalf("Stats after put = (_, %d, %v), want (_, 1, nil)", mutable, err)
	}

	staleCas := int64(0)
	badCas := boltSignedMutablePut(t, priv, 2, []byte("v2"), &staleCas)
	if result := s.HandleRequest(table, from, &dht.InboundRequest{Request: badCas, From: from, TokenValid: true}); result.Err == nil || result.Err.Code != 301 {
		t.Errorf("a cas value that doesn't match the stored sequence number should be rejected with 301, got %v", result.Err)
	}

	stale := boltSignedMutablePut(t, priv, 0, []byte("stale"), nil)
	if result := s.HandleRequest(table, from, &dht.InboundRequest{Request: stale, From: from, TokenValid: true}); result.Err == nil || result.Err.Code != 302 {
		t.Errorf("a lower sequence number than the stored record should be rejected with 302, got %v", result.Err)
	}

	getReq := &dht.InboundRequest{Request: dht.Request{Kind: dht.KindGetValue, Target: req1.Target}, From: from}
	result := s.HandleRequest(table, from, getReq)
	if result.Response == nil || string(result.Response.Value) != "v1" {
		t.Fatalf("store should still hold v1 after the rejected writes, got %+v", result.Response)
	}
}

func TestBoltServerAnnounceThenGetPeers(t *testing.T) {
	s := openTestBoltServer(t)
	table := dht.NewRoutingTable(dht.Id{})
	announcer := storeTestNode("10.1.0.6")
	target, _ := dht.RandomID(rand.Reader)

	announceReq := &dht.InboundRequest{
		Request:    dht.Request{Kind: dht.KindAnnouncePeer, Target: target, ImpliedPort: true},
		From:       &dht.Node{Addr: &net.UDPAddr{IP: net.ParseIP("10.1.0.6"), Port: 7777}},
		TokenValid: true,
	}
	if result := s.HandleRequest(table, announceReq.From, announceReq); result.Err != nil {
		t.Fatalf("announce should succeed, got %v", result.Err)
	}

	getReq := &dht.InboundRequest{Request: dht.Request{Kind: dht.KindGetPeers, Target: target}, From: announcer}
	result := s.HandleRequest(table, announcer, getReq)
	if result.Response == nil || len(result.Response.Values) != 1 {
		t.Fatalf("get_peers should return the one announced peer, got %+v", result.Response)
	}
	if got := result.Response.Values[0]; got.Port != 7777 {
		t.Errorf("implied_port announce should use the source port, got %d", got.Port)
	}
}
