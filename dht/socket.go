package dht

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mainline-go/dht/dht/krpc"
	"github.com/mainline-go/dht/internal/dlog"
	"github.com/mainline-go/dht/internal/metrics"
)

// defaultTokenRotationInterval is how often the write-token HMAC secret
// rotates (spec.md §4.5). Both the current and the immediately previous
// secret are accepted, so a token issued just before a rotation stays
// valid for one more interval.
const defaultTokenRotationInterval = 5 * time.Minute

// minDatagramInterval caps how often the socket will send to the same
// destination, a simple per-peer rate limit (spec.md §4.5).
const minDatagramInterval = 50 * time.Millisecond

// pendingRequest is what the socket remembers about an outbound request
// while it waits for a matching response or error.
type pendingRequest struct {
	dest   *net.UDPAddr
	node   *Node
	kind   RequestKind
	target Id
	sentAt time.Time
}

func pendingKey(txid string, addr *net.UDPAddr) string {
	return txid + "|" + addr.String()
}

// Socket owns one non-blocking UDP connection: txid allocation,
// request/response matching, write-token issuance and per-destination
// rate limiting (spec.md §4.5).
type Socket struct {
	conn net.PacketConn
	rng  io.Reader
	clock Clock

	mu       sync.Mutex
	nextTxid uint16
	pending  map[string]*pendingRequest
	lastSent map[string]time.Time

	tokenSecret     []byte
	prevTokenSecret []byte
	tokenRotatedAt  time.Time

	serverMode bool
}

// NewSocket wraps conn for KRPC traffic.
func NewSocket(conn net.PacketConn, rng io.Reader, clock Clock) (*Socket, error) {
	s := &Socket{
		conn:     conn,
		rng:      rng,
		clock:    clock,
		pending:  make(map[string]*pendingRequest),
		lastSent: make(map[string]time.Time),
	}
	secret, err := randomSecret(rng)
	if err != nil {
		return nil, err
	}
	s.tokenSecret = secret
	s.tokenRotatedAt = clock.Now()
	return s, nil
}

func randomSecret(r io.Reader) ([]byte, error) {
	b := make([]byte, 20)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("dht: generating token secret: %w", err)
	}
	return b, nil
}

// SetServerMode sets the server-mode flag that Rpc consults before
// answering inbound requests. The flag is not encoded in outgoing messages.
func (s *Socket) SetServerMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverMode = on
}

// ServerMode reports the current server-mode flag.
func (s *Socket) ServerMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverMode
}

func (s *Socket) allocTxid() string {
	s.nextTxid++
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], s.nextTxid)
	return string(b[:])
}

// rateLimited reports whether dest has been sent to within
// minDatagramInterval, without recording a new send.
func (s *Socket) rateLimited(dest *net.UDPAddr, now time.Time) bool {
	last, ok := s.lastSent[dest.String()]
	return ok && now.Sub(last) < minDatagramInterval
}

// SendRequest allocates a transaction id, encodes req as a KRPC query
// from localID, and sends it to node. It records the pending request so
// a later response can be matched and, on timeout, reaped.
func (s *Socket) SendRequest(node *Node, localID Id, req *Request, now time.Time) (string, error) {
	s.mu.Lock()
	if s.rateLimited(node.Addr, now) {
		s.mu.Unlock()
		return "", fmt.Errorf("dht: rate limit: too many recent datagrams to %s", node.Addr)
	}
	txid := s.allocTxid()
	msg := requestToMsg(txid, localID, req, s.serverMode)
	s.mu.Unlock()

	b, err := krpc.Encode(msg)
	if err != nil {
		return "", fmt.Errorf("dht: encoding request: %w", err)
	}
	if _, err := s.conn.WriteTo(b, node.Addr); err != nil {
		return "", &SocketIo{Err: err}
	}

	s.mu.Lock()
	s.lastSent[node.Addr.String()] = now
	s.pending[pendingKey(txid, node.Addr)] = &pendingRequest{
		dest: node.Addr, node: node, kind: req.Kind, target: req.Target, sentAt: now,
	}
	s.mu.Unlock()

	metrics.RequestsSent.Mark(1)
	dlog.V(dlog.Detail).Debugf("dht: sent %v to %s txid=%x", req.Kind, node.Addr, txid)
	return txid, nil
}

// SendResponse answers an inbound request.
func (s *Socket) SendResponse(dest *net.UDPAddr, txid string, localID Id, resp *OutboundResponse) error {
	msg := responseToMsg(txid, localID, resp, s.ServerMode())
	b, err := krpc.Encode(msg)
	if err != nil {
		return fmt.Errorf("dht: encoding response: %w", err)
	}
	if _, err := s.conn.WriteTo(b, dest); err != nil {
		return &SocketIo{Err: err}
	}
	return nil
}

// SendError answers an inbound request with a KRPC error.
func (s *Socket) SendError(dest *net.UDPAddr, txid string, code int, message string) error {
	msg := &krpc.Msg{T: txid, Y: krpc.TypeError, E: &krpc.Error{Code: code, Message: message}}
	b, err := krpc.Encode(msg)
	if err != nil {
		return fmt.Errorf("dht: encoding error response: %w", err)
	}
	if _, err := s.conn.WriteTo(b, dest); err != nil {
		return &SocketIo{Err: err}
	}
	return nil
}

// InboundEvent is what ReceiveOne reports for one datagram.
type InboundEvent struct {
	Request  *InboundRequest
	Response *Response
	Err      error
	ErrNode  *Node // the node an error response came from, if matched
	Target   Id    // target of the matched pending request, for Response/Err
	Txid     string
}

// ReceiveOne performs one non-blocking read. It returns (nil, false) when
// no datagram is waiting.
func (s *Socket) ReceiveOne(localID Id) (*InboundEvent, bool) {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return nil, false
	}
	buf := make([]byte, 2048)
	n, addr, err := s.conn.ReadFrom(buf)
	if err != nil {
		return nil, false
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil, false
	}

	msg, err := krpc.Decode(buf[:n])
	if err != nil {
		dlog.V(dlog.Debug).Debugf("dht: dropping malformed datagram from %s: %v", udpAddr, err)
		return nil, true
	}

	switch msg.Y {
	case krpc.TypeQuery:
		return &InboundEvent{Request: msgToInboundRequest(msg, udpAddr)}, true
	case krpc.TypeResponse, krpc.TypeError:
		return s.matchResponse(msg, udpAddr), true
	default:
		return nil, true
	}
}

func (s *Socket) matchResponse(msg *krpc.Msg, addr *net.UDPAddr) *InboundEvent {
	s.mu.Lock()
	key := pendingKey(msg.T, addr)
	pend, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()

	if !ok {
		dlog.V(dlog.Detail).Debugf("dht: dropping unmatched txid %x from %s", msg.T, addr)
		return nil
	}

	if msg.Y == krpc.TypeError {
		metrics.ErrorsIn.Mark(1)
		code, message := 0, "unknown error"
		if msg.E != nil {
			code, message = msg.E.Code, msg.E.Message
		}
		return &InboundEvent{Err: &ErrorResponse{Code: code, Message: message}, ErrNode: pend.node, Target: pend.target, Txid: msg.T}
	}

	metrics.ResponsesIn.Mark(1)
	resp := msgToResponse(msg, pend)
	return &InboundEvent{Response: resp, Target: pend.target, Txid: msg.T}
}

// ReapTimeouts removes and returns every pending request older than
// timeout, so the caller can mark the corresponding node unresponsive.
func (s *Socket) ReapTimeouts(now time.Time, timeout time.Duration) []*pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*pendingRequest
	for key, p := range s.pending {
		if now.Sub(p.sentAt) >= timeout {
			expired = append(expired, p)
			delete(s.pending, key)
		}
	}
	if len(expired) > 0 {
		metrics.RequestsTimedOut.Mark(int64(len(expired)))
	}
	return expired
}

// PendingCount returns the number of in-flight requests, for tests.
func (s *Socket) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// rotateTokenSecret rotates the write-token secret if due.
func (s *Socket) rotateTokenSecret(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.tokenRotatedAt) < defaultTokenRotationInterval {
		return
	}
	s.prevTokenSecret = s.tokenSecret
	secret, err := randomSecret(s.rng)
	if err != nil {
		return
	}
	s.tokenSecret = secret
	s.tokenRotatedAt = now
}

// IssueToken computes a write token for a peer at requesterAddr, rotating
// the HMAC secret first if it's due.
func (s *Socket) IssueToken(requesterAddr *net.UDPAddr, now time.Time) string {
	s.rotateTokenSecret(now)
	s.mu.Lock()
	secret := s.tokenSecret
	s.mu.Unlock()
	return string(tokenFor(secret, requesterAddr))
}

// ValidToken reports whether token was issued under the current or
// immediately previous secret for requesterAddr.
func (s *Socket) ValidToken(requesterAddr *net.UDPAddr, token string) bool {
	s.mu.Lock()
	cur, prev := s.tokenSecret, s.prevTokenSecret
	s.mu.Unlock()

	if hmac.Equal(tokenFor(cur, requesterAddr), []byte(token)) {
		return true
	}
	return prev != nil && hmac.Equal(tokenFor(prev, requesterAddr), []byte(token))
}

func tokenFor(secret []byte, addr *net.UDPAddr) []byte {
	mac := hmac.New(sha1.New, secret)
	mac.Write(addr.IP.To4())
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], uint16(addr.Port))
	mac.Write(portBytes[:])
	return mac.Sum(nil)
}

// Close releases the underlying connection.
func (s *Socket) Close() error { return s.conn.Close() }
