package dht

import (
	"crypto/rand"
	"net"
	"testing"
)

func TestRandomID(t *testing.T) {
	id, err := RandomID(rand.Reader)
	if err != nil {
		t.Fatalf("RandomID: %v", err)
	}
	if id == ZeroID {
		t.Errorf("RandomID returned the zero id (astronomically unlikely)")
	}
}

func TestFromIPv4RoundTrip(t *testing.T) {
	ip := net.ParseIP("203.0.113.55").To4()
	id, err := FromIPv4(ip, rand.Reader)
	if err != nil {
		t.Fatalf("FromIPv4: %v", err)
	}
	if !id.IsSecureFor(ip) {
		t.Errorf("id %x is not secure for the address it was derived from", id)
	}
}

func TestFromIPv4RejectsNonV4(t *testing.T) {
	if _, err := FromIPv4(net.ParseIP("::1"), rand.Reader); err == nil {
		t.Errorf("expected error deriving a secure id for an IPv6 address")
	}
}

func TestIsSecureForWrongAddress(t *testing.T) {
	ip := net.ParseIP("198.51.100.9").To4()
	id, err := FromIPv4(ip, rand.Reader)
	if err != nil {
		t.Fatalf("FromIPv4: %v", err)
	}

	other := net.ParseIP("198.51.100.10").To4()
	if id.IsSecureFor(other) {
		t.Errorf("id derived for one address should not validate for a different one")
	}
}

func TestIsSecureForRandomID(t *testing.T) {
	id, err := RandomID(rand.Reader)
	if err != nil {
		t.Fatalf("RandomID: %v", err)
	}
	ip := net.ParseIP("8.8.8.8").To4()
	if id.IsSecureFor(ip) {
		t.Errorf("a uniformly random id should not usually satisfy the secure-id rule")
	}
}

func TestBytesAndString(t *testing.T) {
	id, _ := RandomID(rand.Reader)
	if len(id.Bytes()) != IDLength {
		t.Errorf("Bytes() length = %d, want %d", len(id.Bytes()), IDLength)
	}
	if len(id.String()) != IDLength*2 {
		t.Errorf("String() length = %d, want %d", len(id.String()), IDLength*2)
	}
}
