// Package krpc defines the bencoded KRPC message envelope used by the
// Mainline DHT wire protocol (BEP-5) and its BEP-44 put/get extension.
package krpc

import (
	"fmt"
	"net"

	"github.com/anacrolix/torrent/bencode"
)

// Message types, the value of a Msg's Y field.
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// Query method names (BEP-5, BEP-44).
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
	MethodGet          = "get"
	MethodPut          = "put"
)

// Standard KRPC error codes (BEP-5).
const (
	ErrorCodeGeneric       = 201
	ErrorCodeServer        = 202
	ErrorCodeProtocol      = 203
	ErrorCodeMethodUnknown = 204
)

// Msg is the fixed KRPC envelope: every message carries a transaction id
// and a type tag; the payload lives in A, R or E depending on the type.
type Msg struct {
	T  string      `bencode:"t"`
	Y  string      `bencode:"y"`
	V  string      `bencode:"v,omitempty"`
	IP CompactAddr `bencode:"ip,omitempty"`

	Q string  `bencode:"q,omitempty"`
	A *Args   `bencode:"a,omitempty"`
	R *Return `bencode:"r,omitempty"`
	E *Error  `bencode:"e,omitempty"`
}

// Args holds every query's named arguments. Unused fields are omitted on
// encode; the ones relevant to BEP-44 signing (V, Seq, Salt) round-trip
// byte-exact so a relayed put/get can't corrupt a signature.
type Args struct {
	ID          [20]byte `bencode:"id"`
	InfoHash    [20]byte `bencode:"info_hash,omitempty"`
	Target      [20]byte `bencode:"target,omitempty"`
	Token       string   `bencode:"token,omitempty"`
	Port        int      `bencode:"port,omitempty"`
	ImpliedPort int      `bencode:"implied_port,omitempty"`

	// BEP-44
	V    string `bencode:"v,omitempty"`
	Seq  *int64 `bencode:"seq,omitempty"`
	Salt string `bencode:"salt,omitempty"`
	Cas  *int64 `bencode:"cas,omitempty"`
	K    []byte `bencode:"k,omitempty"`
	Sig  []byte `bencode:"sig,omitempty"`
}

// Return holds every response's named return values.
type Return struct {
	ID     [20]byte        `bencode:"id"`
	Nodes  CompactNodeInfo `bencode:"nodes,omitempty"`
	Token  string          `bencode:"token,omitempty"`
	Values []CompactAddr   `bencode:"values,omitempty"`

	// BEP-44
	V   string `bencode:"v,omitempty"`
	Seq *int64 `bencode:"seq,omitempty"`
	K   []byte `bencode:"k,omitempty"`
	Sig []byte `bencode:"sig,omitempty"`
}

// Error is the two-element [code, message] list BEP-5 sends for the "e" type.
type Error struct {
	Code    int
	Message string
}

func (e *Error) MarshalBencode() ([]byte, error) {
	return bencode.Marshal([]interface{}{e.Code, e.Message})
}

func (e *Error) UnmarshalBencode(b []byte) error {
	var tuple []interface{}
	if err := bencode.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("krpc: malformed error, want 2 elements, got %d", len(tuple))
	}
	switch code := tuple[0].(type) {
	case int64:
		e.Code = int(code)
	case int:
		e.Code = code
	default:
		return fmt.Errorf("krpc: malformed error code %T", tuple[0])
	}
	msg, ok := tuple[1].(string)
	if !ok {
		return fmt.Errorf("krpc: malformed error message %T", tuple[1])
	}
	e.Message = msg
	return nil
}

func (e *Error) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

// Encode bencodes msg for transmission.
func Encode(msg *Msg) ([]byte, error) {
	return bencode.Marshal(msg)
}

// Decode parses a received datagram into a Msg.
func Decode(b []byte) (*Msg, error) {
	var msg Msg
	if err := bencode.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("krpc: decode: %w", err)
	}
	return &msg, nil
}

// CompactAddr is a 6-byte ipv4:port pair as used in get_peers "values"
// lists and the informal "ip" top-level field.
type CompactAddr [6]byte

func NewCompactAddr(addr *net.UDPAddr) CompactAddr {
	var c CompactAddr
	v4 := addr.IP.To4()
	copy(c[:4], v4)
	c[4] = byte(addr.Port >> 8)
	c[5] = byte(addr.Port)
	return c
}

func (c CompactAddr) UDPAddr() *net.UDPAddr {
	ip := make(net.IP, 4)
	copy(ip, c[:4])
	port := int(c[4])<<8 | int(c[5])
	return &net.UDPAddr{IP: ip, Port: port}
}

func (c CompactAddr) MarshalBencode() ([]byte, error) {
	return bencode.Marshal(string(c[:]))
}

func (c *CompactAddr) UnmarshalBencode(b []byte) error {
	var s string
	if err := bencode.Unmarshal(b, &s); err != nil {
		return err
	}
	if len(s) != 6 {
		return fmt.Errorf("krpc: compact address must be 6 bytes, got %d", len(s))
	}
	copy(c[:], s)
	return nil
}

// CompactNodeInfo is a list of 26-byte node entries (id||ipv4||port).
type CompactNodeInfo []CompactNode

// CompactNode is one entry of a CompactNodeInfo list.
type CompactNode struct {
	ID   [20]byte
	Addr CompactAddr
}

func (n CompactNodeInfo) MarshalBencode() ([]byte, error) {
	buf := make([]byte, 0, len(n)*26)
	for _, e := range n {
		buf = append(buf, e.ID[:]...)
		buf = append(buf, e.Addr[:]...)
	}
	return bencode.Marshal(string(buf))
}

func (n *CompactNodeInfo) UnmarshalBencode(b []byte) error {
	var s string
	if err := bencode.Unmarshal(b, &s); err != nil {
		return err
	}
	if len(s)%26 != 0 {
		return fmt.Errorf("krpc: compact node info length %d is not a multiple of 26", len(s))
	}
	out := make(CompactNodeInfo, 0, len(s)/26)
	for i := 0; i+26 <= len(s); i += 26 {
		var e CompactNode
		copy(e.ID[:], s[i:i+20])
		copy(e.Addr[:], s[i+20:i+26])
		out = append(out, e)
	}
	*n = out
	return nil
}
