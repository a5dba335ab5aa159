package dht

import "fmt"

// PutQueryIsInflight is returned by Put when a put to the same target is
// already in progress.
type PutQueryIsInflight struct {
	Target Id
}

func (e *PutQueryIsInflight) Error() string {
	return fmt.Sprintf("dht: put query for %s is already in flight", e.Target)
}

// NoClosestNodes is returned when a put has no candidate nodes to write
// to, either because the routing table is empty or the preceding get
// returned no responders with tokens.
type NoClosestNodes struct{}

func (NoClosestNodes) Error() string { return "dht: no closest nodes available" }

// ErrorResponse wraps a KRPC error message returned by a peer.
type ErrorResponse struct {
	Code    int
	Message string
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("dht: error response %d: %s", e.Code, e.Message)
}

// Timeout is returned when every recipient of a put request failed to
// respond before the request timeout elapsed.
type Timeout struct{}

func (Timeout) Error() string { return "dht: request timed out" }

// ConcurrencyConflict is returned when a mutable put's cas guard doesn't
// match the sequence number a storing node already holds.
type ConcurrencyConflict struct {
	ExpectedCas int64
	ActualSeq   int64
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("dht: cas conflict: expected seq %d, storing node has %d", e.ExpectedCas, e.ActualSeq)
}

// SocketIo wraps an underlying network error from the UDP socket.
type SocketIo struct {
	Err error
}

func (e *SocketIo) Error() string { return fmt.Sprintf("dht: socket error: %v", e.Err) }
func (e *SocketIo) Unwrap() error { return e.Err }
