package dht

import "net"

// RequestKind tags the method of a domain-level Request or Response.
type RequestKind int

const (
	KindPing RequestKind = iota
	KindFindNode
	KindGetPeers
	KindAnnouncePeer
	KindGetValue
	KindPutImmutable
	KindPutMutable
)

// Request is a domain-level outbound query, independent of its KRPC wire
// encoding. The iterative query and put query engines build these and
// hand them to the socket to send.
type Request struct {
	Kind RequestKind
	Target Id // find_node/get_peers/get target, or announce_peer/put target

	// announce_peer / put
	Token       string
	Port        int
	ImpliedPort bool

	// put (immutable or mutable)
	Value     []byte
	Salt      []byte
	Seq       *int64
	Cas       *int64
	PublicKey [32]byte
	Signature [64]byte
}

// InboundRequest is a Request as received from a peer, with addressing
// and transaction context attached for the server handler.
type InboundRequest struct {
	Request
	From *Node
	Txid string

	// TokenValid is set for announce_peer/put requests: whether Token
	// verifies against the socket's current or previous HMAC secret.
	// Handlers use it to decide whether a write is authorized; it is
	// always false for requests that carry no token.
	TokenValid bool
}

// Response is a domain-level inbound response, independent of its KRPC
// wire decoding.
type Response struct {
	Kind RequestKind
	From *Node

	Token  string
	Nodes  []*Node
	Values []*net.UDPAddr

	// BEP-44 get
	Value     []byte
	Seq       *int64
	PublicKey [32]byte
	Signature [64]byte

	// the IPv4 address the responder observed us connecting from,
	// collected from a krpc Msg's top-level "ip" field.
	RequesterIP net.IP
}

// OutboundResponse is what the server Handler returns to answer an
// inbound request.
type OutboundResponse struct {
	Token  string
	Nodes  []*Node
	Values []*net.UDPAddr

	// BEP-44 get: Value and Seq answer both immutable and mutable gets;
	// PublicKey and Signature are set in addition for a mutable record,
	// so the querier can verify it (spec.md invariant 2).
	Value     []byte
	Seq       *int64
	PublicKey [32]byte
	Signature [64]byte
}
