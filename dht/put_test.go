package dht

import (
	"crypto/rand"
	"net"
	"testing"
	"time"
)

func putTestNode(t *testing.T, ip string, token string) *Node {
	t.Helper()
	id, err := RandomID(rand.Reader)
	if err != nil {
		t.Fatalf("RandomID: %v", err)
	}
	n := NewNode(id, &net.UDPAddr{IP: net.ParseIP(ip), Port: 6881}, time.Unix(0, 0))
	if token != "" {
		n.WithToken([]byte(token))
	}
	return n
}

func TestPutQueryNoTokensFailsImmediately(t *testing.T) {
	now := time.Unix(0, 0)
	p := newPutQuery(Id{}, Request{Kind: KindPutImmutable}, now)

	responders := []*Node{putTestNode(t, "10.0.0.1", "")}
	p.start(responders, now, func(n *Node) (string, error) { return "tx", nil })

	if !p.isDone() {
		t.Fatalf("put with no tokened responders should finish immediately")
	}
	if _, ok := p.result.(NoClosestNodes); !ok {
		t.Errorf("result = %v, want NoClosestNodes", p.result)
	}
}

func TestPutQuerySucceedsOnOneAck(t *testing.T) {
	now := time.Unix(0, 0)
	p := newPutQuery(Id{}, Request{Kind: KindPutImmutable}, now)

	n1 := putTestNode(t, "10.0.0.1", "tok1")
	n2 := putTestNode(t, "10.0.0.2", "tok2")

	var txids []string
	p.start([]*Node{n1, n2}, now, func(n *Node) (string, error) {
		txid := n.Addr.String()
		txids = append(txids, txid)
		return txid, nil
	})
	if p.isDone() {
		t.Fatalf("put should still be waiting on recipients")
	}

	p.handleSuccess(txids[0])
	if p.isDone() {
		t.Fatalf("put should wait for every recipient, not just the first")
	}
	p.handleError(txids[1], &ErrorResponse{Code: 201, Message: "nope"})

	if !p.isDone() {
		t.Fatalf("put should be done once every recipient settled")
	}
	if p.result != nil {
		t.Errorf("result = %v, want nil (overall success since one node stored it)", p.result)
	}
}

func TestPutQueryFailsWhenAllFail(t *testing.T) {
	now := time.Unix(0, 0)
	p := newPutQuery(Id{}, Request{Kind: KindPutImmutable}, now)
	n1 := putTestNode(t, "10.0.0.1", "tok1")

	var txid string
	p.start([]*Node{n1}, now, func(n *Node) (string, error) {
		txid = "tx1"
		return txid, nil
	})
	p.handleTimeout(txid)

	if !p.isDone() {
		t.Fatalf("put should be done after its only recipient times out")
	}
	if _, ok := p.result.(Timeout); !ok {
		t.Errorf("result = %v, want Timeout", p.result)
	}
}
